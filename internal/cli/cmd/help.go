package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/smoynes/rve/internal/cli"
	"github.com/smoynes/rve/internal/log"
)

// Help is the default sub-command: it prints the available sub-commands
// and exits. It never fails.
func Help() cli.Command {
	return &help{fs: flag.NewFlagSet("help", flag.ContinueOnError)}
}

type help struct {
	fs *flag.FlagSet
}

func (h *help) FlagSet() *cli.FlagSet { return h.fs }

func (h *help) Description() string { return "print this message" }

func (h *help) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, "Usage: rve [run|help|version] [flags] [firmware]")
	return err
}

func (h *help) Run(_ context.Context, _ []string, out io.Writer, _ *log.Logger) int {
	fmt.Fprintln(out, "rve -- a RISC-V system emulator substrate")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  rve [flags] [firmware]")
	fmt.Fprintln(out, "  rve run [flags] [firmware]")
	fmt.Fprintln(out, "  rve help")
	fmt.Fprintln(out, "  rve version")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "A bare invocation with no sub-command runs the machine; see 'rve run -h'")
	fmt.Fprintln(out, "for the full flag surface.")

	return 0
}
