// Binary xbtcore is the command-line entrypoint for the translation
// engine: run, clear-cache, dump-state, and version subcommands
// registered through github.com/google/subcommands.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&clearCacheCmd{}, "")
	subcommands.Register(&dumpStateCmd{}, "")
	subcommands.Register(&versionCmd{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
