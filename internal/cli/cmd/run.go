package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smoynes/rve/internal/bootrom"
	"github.com/smoynes/rve/internal/cli"
	"github.com/smoynes/rve/internal/console"
	"github.com/smoynes/rve/internal/log"
	"github.com/smoynes/rve/internal/machine"
)

// Run is the implicit default sub-command: it parses the orchestrator's
// command-line surface (spec.md §6), builds a machine.Config, loads
// firmware, and drives the machine until guest power-off or cancellation.
func Run() cli.Command {
	r := &run{}
	r.fs = r.newFlagSet()

	return r
}

type run struct {
	fs *flag.FlagSet

	mem    string
	smp    int
	rv32   bool
	kernel string
	dtb    string
	dumpdtb string

	image  string
	ata    string
	serial string
	res    string

	cmdline string

	nogui        bool
	nonet        bool
	noisolation  bool
	nojit        bool
	gdbstub      string
	debug        bool
}

func (r *run) newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)

	for _, name := range []string{"m", "mem"} {
		fs.StringVar(&r.mem, name, "256M", "RAM amount, with optional K/M/G suffix")
	}

	for _, name := range []string{"s", "smp"} {
		fs.IntVar(&r.smp, name, 1, "hart count")
	}

	fs.BoolVar(&r.rv32, "rv32", false, "select the 32-bit ISA; 64-bit otherwise")

	for _, name := range []string{"k", "kernel"} {
		fs.StringVar(&r.kernel, name, "", "S-mode payload to load")
	}

	fs.StringVar(&r.dtb, "dtb", "", "custom device-tree blob to load")
	fs.StringVar(&r.dumpdtb, "dumpdtb", "", "not supported: logs an error and exits with status -1, writing nothing")

	for _, name := range []string{"i", "image", "nvme"} {
		fs.StringVar(&r.image, name, "", "attach storage as NVMe")
	}

	fs.StringVar(&r.ata, "ata", "", "attach storage as ATA")
	fs.StringVar(&r.serial, "serial", "", "additional UART: pty, pipe, or null")
	fs.StringVar(&r.res, "res", "", "framebuffer resolution, WxH")

	for _, name := range []string{"cmdline", "append"} {
		fs.StringVar(&r.cmdline, name, "", "override or extend the kernel command line")
	}

	fs.BoolVar(&r.nogui, "nogui", false, "disable the graphical console")
	fs.BoolVar(&r.nonet, "nonet", false, "disable networking")
	fs.BoolVar(&r.noisolation, "noisolation", false, "disable host process isolation")
	fs.BoolVar(&r.nojit, "nojit", false, "disable the tracing-JIT fallback")
	fs.StringVar(&r.gdbstub, "gdbstub", "", "enable the debugger listener at host:port")

	fs.BoolVar(&r.debug, "debug", false, "enable debug logging")

	return fs
}

func (r *run) FlagSet() *cli.FlagSet { return r.fs }

func (r *run) Description() string { return "create and run a machine" }

func (r *run) Usage(out io.Writer) error {
	_, err := fmt.Fprintf(out, "Usage: rve run [flags] [firmware]\n\n"+
		"Flags:\n")
	if err != nil {
		return err
	}

	r.fs.SetOutput(out)
	r.fs.PrintDefaults()

	return nil
}

var errBadFlag = errors.New("cmd: bad flag value")

func (r *run) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if r.debug {
		log.LogLevel.Set(slog.LevelDebug)
	}

	if r.dumpdtb != "" {
		// Non-goal: no DTB generator exists here. Accept the flag so
		// scripts invoking this as a drop-in don't fail on an unknown
		// flag, but be explicit that nothing is written.
		logger.Error("dumpdtb is not implemented; no device tree was generated", "path", r.dumpdtb)
		return -1
	}

	memSize, err := parseSize(r.mem)
	if err != nil {
		logger.Error("bad -mem value", "value", r.mem, "err", err)
		return -1
	}

	xlen := 64
	if r.rv32 {
		xlen = 32
	}

	cfg := machine.Config{
		MemSize: memSize,
		Harts:   r.smp,
		XLEN:    xlen,
		Logger:  logger,
	}

	var opts []machine.OptionFn
	if r.nojit {
		opts = append(opts, machine.WithNoJIT())
	}

	m, err := machine.New(cfg, opts...)
	if err != nil {
		logger.Error("create machine", "err", err)
		return -1
	}

	defer m.Close()

	// An unset -serial means "use the host terminal" unless -nogui asked
	// for none at all; any other value (pty, pipe, null) names a backend
	// this substrate doesn't implement and falls through to the unwired
	// logging below instead.
	if r.serial == "" && !r.nogui {
		con, cerr := console.New(os.Stdin, os.Stdout)

		switch {
		case cerr == nil:
			go con.Run(ctx)
			defer con.Restore()
		case errors.Is(cerr, console.ErrNoTTY):
			logger.Debug("no tty available; running without a host console")
		default:
			logger.Error("console", "err", cerr)
			return -1
		}
	}

	firmwarePath := r.kernel
	if firmwarePath == "" && len(args) > 0 {
		firmwarePath = args[0]
	}

	var image bootrom.Image

	if firmwarePath == "" {
		image = bootrom.Default()
	} else {
		image, _, err = bootrom.LoadELF(firmwarePath, 0)
		if err != nil {
			image, err = bootrom.LoadRaw(firmwarePath, 0)
			if err != nil {
				logger.Error("load firmware", "path", firmwarePath, "err", err)
				return -1
			}
		}
	}

	if err := bootrom.Install(m, image); err != nil {
		logger.Error("install firmware", "err", err)
		return -1
	}

	if r.dtb != "" {
		blob, err := bootrom.LoadDTB(r.dtb)
		if err != nil {
			logger.Error("load dtb", "path", r.dtb, "err", err)
			return -1
		}

		m.SetDTBBlob(blob)
	}

	// These toggles are accepted for command-line compatibility with the
	// wider platform surface; concrete device backends (NVMe, ATA,
	// framebuffer, network isolation) are out of scope here.
	for _, unwired := range []struct {
		name, value string
	}{
		{"image", r.image}, {"ata", r.ata}, {"serial", r.serial}, {"res", r.res},
		{"cmdline", r.cmdline}, {"gdbstub", r.gdbstub},
	} {
		if unwired.value != "" {
			logger.Debug("flag accepted but not wired to a device", "flag", unwired.name)
		}
	}

	if err := m.Start(ctx); err != nil {
		logger.Error("start machine", "err", err)
		return -1
	}

	if err := m.RunEventLoop(ctx, 10*time.Millisecond); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0
		}

		logger.Error("event loop", "err", err)
		return -1
	}

	return 0
}

// parseSize parses a byte count with an optional K/M/G suffix (binary
// multiples, matching the usual emulator convention: 256M == 256<<20).
func parseSize(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty size", errBadFlag)
	}

	mult := uint64(1)
	suffix := s[len(s)-1]

	switch suffix {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}

	s = strings.TrimSpace(s)

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errBadFlag, s, err)
	}

	return n * mult, nil
}
