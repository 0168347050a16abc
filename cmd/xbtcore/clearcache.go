package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"

	"github.com/talismancer/xbtcore/pkg/xlate/xlog"
)

// clearCacheCmd implements subcommands.Command for "clear-cache": it
// connects to a running `run --socket` process's debug socket, which frees
// the engine's code buffers and then forces InvalidateAll (the clear_cache
// external trigger), without standing up a full RPC system.
type clearCacheCmd struct {
	socketPath string
}

func (*clearCacheCmd) Name() string     { return "clear-cache" }
func (*clearCacheCmd) Synopsis() string { return "force a running engine to clear its LookupCache" }
func (*clearCacheCmd) Usage() string {
	return `clear-cache -socket=<path> - invalidate every translation in a running engine
`
}

func (c *clearCacheCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.socketPath, "socket", "", "unix socket path of a running `run --socket` process")
}

func (c *clearCacheCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	log := xlog.New(nil, "clear-cache")
	if c.socketPath == "" {
		log.Infof("-socket is required")
		return subcommands.ExitUsageError
	}
	if _, err := sendDebugCommand(c.socketPath, "clear-cache"); err != nil {
		log.Infof("%v", err)
		return subcommands.ExitFailure
	}
	log.Infof("cache cleared")
	return subcommands.ExitSuccess
}
