package main

import (
	"context"
	"flag"
	"fmt"
	"math/bits"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/semaphore"

	"github.com/talismancer/xbtcore/pkg/xlate/config"
	"github.com/talismancer/xbtcore/pkg/xlate/cpustate"
	"github.com/talismancer/xbtcore/pkg/xlate/dispatch"
	"github.com/talismancer/xbtcore/pkg/xlate/frontend"
	"github.com/talismancer/xbtcore/pkg/xlate/jit"
	"github.com/talismancer/xbtcore/pkg/xlate/jit/arm64"
	"github.com/talismancer/xbtcore/pkg/xlate/jit/riscv64"
	"github.com/talismancer/xbtcore/pkg/xlate/lookupcache"
	"github.com/talismancer/xbtcore/pkg/xlate/unaligned"
	"github.com/talismancer/xbtcore/pkg/xlate/xlog"
)

// runCmd implements subcommands.Command for "run", the engine's main
// entrypoint: it maps a flat guest image, builds one Dispatcher for it,
// and runs the guest thread to completion or host stop request.
type runCmd struct {
	hostISA    string
	entryPC    uint64
	loadAddr   uint64
	socketPath string
	configPath string
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run a flat guest x86-64 image to completion" }
func (*runCmd) Usage() string {
	return `run [flags] <image> - translate and execute a flat guest x86-64 image
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.hostISA, "host-isa", "arm64", "host backend to generate code for: arm64 or riscv64")
	f.Uint64Var(&r.entryPC, "entry", 0x400000, "guest entry PC, also the image's load address")
	f.StringVar(&r.socketPath, "socket", "", "unix socket path to serve clear-cache/dump-state on; empty disables the debug server")
	f.StringVar(&r.configPath, "config", "", "TOML config file overriding config.Default(); empty uses the built-in defaults")
}

func (r *runCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	log := xlog.New(nil, "run")

	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	image, err := os.ReadFile(f.Arg(0))
	if err != nil {
		log.Infof("reading guest image: %v", err)
		return subcommands.ExitFailure
	}

	isa, loopTopAddr, err := selectHostISA(r.hostISA)
	if err != nil {
		log.Infof("%v", err)
		return subcommands.ExitUsageError
	}

	engineCfg := config.Default()
	if r.configPath != "" {
		engineCfg, err = config.LoadFile(r.configPath)
		if err != nil {
			log.Infof("%v", err)
			return subcommands.ExitFailure
		}
	}

	lcConfig := lookupcache.Config{
		L1Bits:    l1BitsForVirtualMemory(engineCfg.VirtualMemorySizeBytes, isa.PageShift()),
		PageShift: isa.PageShift(),
	}
	cache := lookupcache.New(lcConfig)
	refs := &lookupcache.SignalHandlerRefCounter{}
	pool := lookupcache.NewPoolWithBufferSize(refs, int(engineCfg.InitialCodeBufferBytes))
	backend := jit.NewBackend(isa, loopTopAddr, 0, 0)
	linker := dispatch.NewExitFunctionLinker(cache, isa, loopTopAddr)
	compiler := frontend.NewFlatImageCompiler(image, r.entryPC)

	caps := backend.UnalignedCapabilities()
	if engineCfg.ParanoidTSO {
		caps.SupportsAtomics128 = false
		caps.HalfBarrierAllowed = false
	} else {
		caps.HalfBarrierAllowed = engineCfg.HalfBarrierTSOEnabled
	}
	tel := unaligned.NewTelemetry(log.Entry(), time.Second)

	frame := &cpustate.CPUState{RIP: r.entryPC}
	disp := dispatch.New(dispatch.Config{
		Cache:             cache,
		Pool:              pool,
		Backend:           backend,
		Frontend:          compiler,
		SignalSafeCompile: engineCfg.SignalSafeCompile,
		CompileGate:       semaphore.NewWeighted(1),
		Log:               log.Entry(),
		Linker:            linker,
	}, frame)

	if r.socketPath != "" {
		srv, err := newDebugServer(r.socketPath, cache, pool, disp, tel, caps, log)
		if err != nil {
			log.Infof("%v", err)
			return subcommands.ExitFailure
		}
		go srv.serve()
		defer os.Remove(r.socketPath)
	}

	reason := disp.Run(context.Background())
	log.Infof("guest thread stopped: reason=%v final RIP=%#x RAX=%#x", reason, frame.RIP, frame.GPR(cpustate.RAX))
	return subcommands.ExitSuccess
}

// l1BitsForVirtualMemory sizes the LookupCache's L1 mirror off the
// configured guest address range instead of a fixed constant: a wider
// virtual memory size needs more L1 slots to keep collisions rare at the
// same working-set density, clamped to a sane range so a pathological
// config value can't request a multi-gigabyte table.
func l1BitsForVirtualMemory(vmBytes uint64, pageShift uint) uint {
	if vmBytes == 0 || pageShift == 0 {
		return lookupcache.DefaultConfig.L1Bits
	}
	pages := vmBytes >> pageShift
	l1Bits := uint(bits.Len64(pages))
	switch {
	case l1Bits < 10:
		return 10
	case l1Bits > 20:
		return 20
	default:
		return l1Bits
	}
}

// selectHostISA resolves the --host-isa flag to a jit.HostISA and its
// loop-top stub address: the two backends are chosen between, never
// subclassed.
func selectHostISA(name string) (jit.HostISA, uintptr, error) {
	switch name {
	case "arm64":
		return arm64.New(), 0x10000, nil
	case "riscv64":
		return riscv64.New(), 0x10000, nil
	default:
		return nil, 0, fmt.Errorf("run: unknown --host-isa %q (want arm64 or riscv64)", name)
	}
}
