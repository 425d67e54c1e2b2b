package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/smoynes/rve/internal/cli"
	"github.com/smoynes/rve/internal/log"
)

// version is set at build time via -ldflags; it has no teacher precedent
// to follow, so the format here (a single line, "rve <version>") is a
// fresh, minimal convention rather than an adapted one.
var version = "dev"

func Version() cli.Command {
	return &versionCmd{fs: flag.NewFlagSet("version", flag.ContinueOnError)}
}

type versionCmd struct {
	fs *flag.FlagSet
}

func (v *versionCmd) FlagSet() *cli.FlagSet { return v.fs }

func (v *versionCmd) Description() string { return "print the version and exit" }

func (v *versionCmd) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, "Usage: rve version")
	return err
}

func (v *versionCmd) Run(_ context.Context, _ []string, out io.Writer, _ *log.Logger) int {
	fmt.Fprintf(out, "rve %s\n", version)
	return 0
}
