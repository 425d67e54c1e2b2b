// Command rve is a RISC-V system emulator substrate: it creates a
// machine, loads firmware, and runs it until the guest powers off.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/smoynes/rve/internal/cli"
	"github.com/smoynes/rve/internal/cli/cmd"
)

// explicitCommands are the sub-command names that must appear exactly as
// typed; any other first argument is treated as a flag or a bare firmware
// path for the implicit "run" sub-command.
var explicitCommands = map[string]bool{
	"run":     true,
	"help":    true,
	"version": true,
	"-h":      true,
	"-help":   true,
	"--help":  true,
}

func dispatchArgs(args []string) []string {
	if len(args) == 0 {
		return args
	}

	if explicitCommands[args[0]] {
		return args
	}

	prepended := make([]string, 0, len(args)+1)
	prepended = append(prepended, "run")
	prepended = append(prepended, args...)

	return prepended
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	commander := cli.New(ctx).
		WithCommands([]cli.Command{cmd.Run(), cmd.Help(), cmd.Version()}).
		WithHelp(cmd.Help()).
		WithLogger(os.Stderr)

	os.Exit(commander.Execute(dispatchArgs(os.Args[1:])))
}
