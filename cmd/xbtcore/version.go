package main

import (
	"context"
	"flag"
	"fmt"
	"runtime"

	"github.com/google/subcommands"
)

// buildVersion is the engine's own version string. It is a plain
// constant rather than a linker-injected build stamp since this module
// has no release-tagging pipeline of its own to drive one.
const buildVersion = "0.1.0-dev"

// versionCmd implements subcommands.Command for "version".
type versionCmd struct{}

func (*versionCmd) Name() string           { return "version" }
func (*versionCmd) Synopsis() string       { return "print build information" }
func (*versionCmd) Usage() string          { return "version - print build information\n" }
func (*versionCmd) SetFlags(*flag.FlagSet) {}

func (*versionCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	fmt.Printf("xbtcore %s (%s %s/%s)\n", buildVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return subcommands.ExitSuccess
}
