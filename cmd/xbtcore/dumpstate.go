package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/talismancer/xbtcore/pkg/xlate/xlog"
)

// dumpStateCmd implements subcommands.Command for "dump-state": it asks a
// running engine for a JSON snapshot of the guest CPUState and prints it,
// the CLI-side half of the engine's diagnostics surface.
type dumpStateCmd struct {
	socketPath string
}

func (*dumpStateCmd) Name() string     { return "dump-state" }
func (*dumpStateCmd) Synopsis() string { return "print a running engine's current CPUState" }
func (*dumpStateCmd) Usage() string {
	return `dump-state -socket=<path> - snapshot and print the guest CPUState
`
}

func (d *dumpStateCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.socketPath, "socket", "", "unix socket path of a running `run --socket` process")
}

func (d *dumpStateCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	log := xlog.New(nil, "dump-state")
	if d.socketPath == "" {
		log.Infof("-socket is required")
		return subcommands.ExitUsageError
	}
	resp, err := sendDebugCommand(d.socketPath, "dump-state")
	if err != nil {
		log.Infof("%v", err)
		return subcommands.ExitFailure
	}

	var pretty map[string]any
	if err := json.Unmarshal(resp.State, &pretty); err != nil {
		log.Infof("decoding state: %v", err)
		return subcommands.ExitFailure
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		log.Infof("formatting state: %v", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintln(os.Stdout, string(out))
	return subcommands.ExitSuccess
}
