package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/mohae/deepcopy"

	"github.com/talismancer/xbtcore/pkg/xlate/cpustate"
	"github.com/talismancer/xbtcore/pkg/xlate/dispatch"
	"github.com/talismancer/xbtcore/pkg/xlate/lookupcache"
	"github.com/talismancer/xbtcore/pkg/xlate/unaligned"
	"github.com/talismancer/xbtcore/pkg/xlate/xlog"
)

// debugRequest is one line of the newline-delimited JSON protocol the
// clear-cache and dump-state subcommands speak to a running `run`
// process over a unix socket (see DESIGN.md).
type debugRequest struct {
	Command string `json:"command"`
}

// debugResponse is the server's reply.
type debugResponse struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	State json.RawMessage `json:"state,omitempty"`
}

// cpuStateSnapshot is the JSON-friendly projection of a cpustate.CPUState
// dump-state returns, since CPUState itself carries unexported-adjacent
// concurrency primitives (cpustate.StopTarget) not meant for wire
// encoding. It also carries the unaligned-atomic telemetry counters and
// the host capabilities driving that handler's decision tree, so
// dump-state surfaces the whole engine's diagnostic picture in one call.
type cpuStateSnapshot struct {
	RIP              uint64                   `json:"rip"`
	GPRs             [16]uint64               `json:"gprs"`
	UnalignedAtomics map[string]uint64        `json:"unaligned_atomics"`
	HostCapabilities hostCapabilitiesSnapshot `json:"host_capabilities"`
}

// hostCapabilitiesSnapshot is the wire projection of unaligned.HostCapabilities.
type hostCapabilitiesSnapshot struct {
	SupportsAtomics128 bool `json:"supports_atomics_128"`
	PageShift          uint `json:"page_shift"`
	HalfBarrierAllowed bool `json:"half_barrier_allowed"`
}

// debugServer exposes clear-cache and dump-state over a unix socket for
// one running engine instance: a demonstration of the external
// interface, not a full RPC system.
type debugServer struct {
	mu    sync.Mutex
	cache *lookupcache.Cache
	pool  *lookupcache.Pool
	disp  *dispatch.Dispatcher
	tel   *unaligned.Telemetry
	caps  unaligned.HostCapabilities
	log   *xlog.Logger
	ln    net.Listener
}

func newDebugServer(socketPath string, cache *lookupcache.Cache, pool *lookupcache.Pool, disp *dispatch.Dispatcher, tel *unaligned.Telemetry, caps unaligned.HostCapabilities, log *xlog.Logger) (*debugServer, error) {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("debugserver: listen %s: %w", socketPath, err)
	}
	return &debugServer{cache: cache, pool: pool, disp: disp, tel: tel, caps: caps, log: log, ln: ln}, nil
}

func (s *debugServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *debugServer) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		var req debugRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			enc.Encode(debugResponse{Error: err.Error()})
			continue
		}
		enc.Encode(s.dispatch(req))
	}
}

func (s *debugServer) dispatch(req debugRequest) debugResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Command {
	case "clear-cache":
		// InvalidateAll's own contract is that the caller has already
		// discarded the code buffers its direct branches pointed into, so
		// the buffers must be freed first: freeing them after would leave
		// the LookupCache's bookkeeping wiped while a signal frame still
		// in flight could fault into a buffer nothing references anymore.
		if err := s.pool.Clear(); err != nil {
			s.log.Infof("clear-cache: could not free code buffers, cache left untouched: %v", err)
			return debugResponse{Error: err.Error()}
		}
		s.cache.InvalidateAll()
		s.log.Infof("clear-cache: freed code buffers and invalidated all translations")
		return debugResponse{OK: true}
	case "dump-state":
		snap := s.snapshot()
		b, err := json.Marshal(snap)
		if err != nil {
			return debugResponse{Error: err.Error()}
		}
		return debugResponse{OK: true, State: b}
	default:
		return debugResponse{Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

// snapshot deep-copies the frame's GPR array before projecting it into
// the wire snapshot, so a concurrently-running dispatcher can't mutate
// the array out from under the JSON encoder (dump-state must never alias
// live per-thread state, the same guarantee cpustate.Context64.Fork gives
// test fixtures), and folds in the unaligned-atomic telemetry and host
// capabilities alongside it.
func (s *debugServer) snapshot() cpuStateSnapshot {
	gprsCopy := deepcopy.Copy(s.disp.Frame.GPRs).([16]uint64)
	telemetry := map[string]uint64{}
	if s.tel != nil {
		telemetry = s.tel.Snapshot()
	}
	return cpuStateSnapshot{
		RIP:              s.disp.Frame.RIP,
		GPRs:             gprsCopy,
		UnalignedAtomics: telemetry,
		HostCapabilities: hostCapabilitiesSnapshot{
			SupportsAtomics128: s.caps.SupportsAtomics128,
			PageShift:          s.caps.PageShift,
			HalfBarrierAllowed: s.caps.HalfBarrierAllowed,
		},
	}
}

func sendDebugCommand(socketPath, command string) (debugResponse, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return debugResponse{}, fmt.Errorf("debugclient: dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(debugRequest{Command: command}); err != nil {
		return debugResponse{}, err
	}
	var resp debugResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return debugResponse{}, err
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("debugclient: %s", resp.Error)
	}
	return resp, nil
}
