// Package hart implements the machine's RV64IMA execution loop: register
// file, CSR state, baseline interpreter, and an optional tracing-JIT
// fallback, modeled on the teacher's internal/vm run loop but generalized
// from LC-3's fixed-width single-address-space model to a privileged,
// paged RISC-V hart.
package hart

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/smoynes/rve/internal/intc"
	"github.com/smoynes/rve/internal/log"
	"github.com/smoynes/rve/internal/mmio"
	"github.com/smoynes/rve/internal/physmem"
	"github.com/smoynes/rve/internal/tlb"
)

// ErrIllegalInstruction is raised by a Decoder, or by Step itself, when an
// instruction word cannot be executed.
var ErrIllegalInstruction = errors.New("hart: illegal instruction")

// Privilege is one of the three RISC-V privilege levels this substrate
// models, numbered per the privileged spec's encoding.
type Privilege uint8

const (
	PrivUser       Privilege = 0
	PrivSupervisor Privilege = 1
	PrivMachine    Privilege = 3
)

// Block is a compiled trace of one or more instructions starting at a
// given PC, produced by a Compiler. The baseline interpreter never
// constructs one; it only asks a Compiler to run one in place of Step.
type Block interface {
	// Run executes the compiled trace against h and returns the number of
	// guest instructions retired and any trap raised partway through.
	Run(h *Hart) (retired int, trap *Trap, err error)
}

// Compiler is the optional tracing-JIT fallback a Hart may consult before
// falling back to the baseline interpreter. Lookup reports whether pc has
// already been compiled; Trace compiles starting at pc, observing the
// baseline interpreter's semantics.
type Compiler interface {
	Lookup(pc uint64) (Block, bool)
	Trace(h *Hart, pc uint64) (Block, error)
}

type hartState int

const (
	hartStopped hartState = iota
	hartRunning
	hartPausing
	hartPaused
)

// Config describes the fixed parameters of one hart at creation time.
type Config struct {
	ID         int
	XLEN       int // 32 or 64; defaults to 64
	ResetVec   uint64
	Physmap    *physmem.Map
	MMIO       *mmio.Host
	Local      *intc.LocalInterruptor
	Decoder    Decoder // defaults to the baseline RV64IMA decoder
	Compiler   Compiler
	Logger     *log.Logger
}

// Hart is one RISC-V hardware thread: architectural register state plus
// the machinery to step it, pause it, and deliver traps to it. A Hart
// that has been Spawn-ed runs its fetch/execute loop on its own
// goroutine, the same shape as the teacher's vm.Run(ctx).
type Hart struct {
	id   int
	xlen int

	regs [32]uint64
	pc   uint64

	priv Privilege
	csr  [4096]uint64

	reservation struct {
		valid bool
		addr  uint64
	}

	decoder  Decoder
	compiler Compiler

	physmap *physmem.Map
	mmio    *mmio.Host
	tlb     *tlb.TLB
	local   *intc.LocalInterruptor

	resetVec uint64

	mu    sync.Mutex
	cond  *sync.Cond
	state hartState

	log *log.Logger
}

// New creates a hart in the stopped state. Call Spawn to start its run
// loop.
func New(cfg Config) *Hart {
	xlen := cfg.XLEN
	if xlen == 0 {
		xlen = 64
	}

	decoder := cfg.Decoder
	if decoder == nil {
		decoder = baselineDecoder{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.DefaultLogger()
	}

	h := &Hart{
		id:       cfg.ID,
		xlen:     xlen,
		decoder:  decoder,
		compiler: cfg.Compiler,
		physmap:  cfg.Physmap,
		mmio:     cfg.MMIO,
		tlb:      tlb.New(),
		local:    cfg.Local,
		resetVec: cfg.ResetVec,
		log:      logger,
	}
	h.cond = sync.NewCond(&h.mu)
	h.resetLocked()

	return h
}

// ID returns the hart's zero-based identifier (also mhartid's value).
func (h *Hart) ID() int { return h.id }

// PC returns the hart's current program counter. Safe to call from
// another goroutine only while the hart is paused.
func (h *Hart) PC() uint64 { return h.pc }

// Reg reads general-purpose register i (x0..x31). x0 always reads zero.
func (h *Hart) Reg(i int) uint64 {
	if i == 0 {
		return 0
	}

	return h.regs[i]
}

// SetReg writes general-purpose register i. Writes to x0 are discarded,
// matching the ISA's hardwired-zero register.
func (h *Hart) SetReg(i int, v uint64) {
	if i == 0 {
		return
	}

	h.regs[i] = h.mask(v)
}

func (h *Hart) mask(v uint64) uint64 {
	if h.xlen == 32 {
		return v & 0xffffffff
	}

	return v
}

func (h *Hart) signMask(v uint64) int64 {
	if h.xlen == 32 {
		return int64(int32(uint32(v)))
	}

	return int64(v)
}

// Reset restores architectural state to its power-on values and sets PC
// to the reset vector. It does not touch memory; the caller (the machine
// orchestrator) is responsible for re-loading boot code first.
func (h *Hart) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.resetLocked()
}

func (h *Hart) resetLocked() {
	h.regs = [32]uint64{}
	h.pc = h.resetVec
	h.priv = PrivMachine
	h.csr = [4096]uint64{}
	h.csr[csrMHartID] = uint64(h.id)
	h.reservation.valid = false
}

// Spawn starts the hart's fetch/execute loop on its own goroutine. It
// returns immediately; the loop runs until ctx is cancelled or Pause is
// called and never Resume-d.
func (h *Hart) Spawn(ctx context.Context) {
	h.mu.Lock()
	h.state = hartRunning
	h.mu.Unlock()

	go h.loop(ctx)
}

// QueuePause requests that the hart pause at its next instruction
// boundary, without waiting for it to actually stop. Use Pause to also
// wait for acknowledgement.
func (h *Hart) QueuePause() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == hartRunning {
		h.state = hartPausing
	}
}

// Pause requests a pause and blocks until the hart has reached a safe
// point and stopped. It reports whether the hart was running beforehand.
// The machine orchestrator relies on every hart being paused before it
// mutates the physical memory map or an MMIO region table.
func (h *Hart) Pause() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	wasActive := h.state == hartRunning || h.state == hartPausing

	if h.state == hartRunning {
		h.state = hartPausing
	}

	for h.state != hartPaused && h.state != hartStopped {
		h.cond.Wait()
	}

	return wasActive
}

// Resume un-pauses a hart previously stopped by Pause, allowing its loop
// to continue from where it left off.
func (h *Hart) Resume() {
	h.mu.Lock()
	if h.state == hartPaused {
		h.state = hartRunning
	}
	h.mu.Unlock()

	h.cond.Broadcast()
}

// SendInterrupt posts an inter-processor interrupt (doorbell) to this
// hart, waking it if parked in WFI.
func (h *Hart) SendInterrupt() {
	h.local.RaiseSoftware()
}

func (h *Hart) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.stop()
			return
		default:
		}

		h.mu.Lock()
		if h.state == hartPausing {
			h.state = hartPaused
			h.cond.Broadcast()

			for h.state == hartPaused {
				h.cond.Wait()
			}
		}

		if h.state == hartStopped {
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()

		if err := h.stepOnce(ctx); err != nil {
			h.log.Error("hart step failed", "hart", h.id, "pc", fmt.Sprintf("%#x", h.pc), "error", err)
			h.stop()
			return
		}
	}
}

func (h *Hart) stop() {
	h.mu.Lock()
	h.state = hartStopped
	h.mu.Unlock()
	h.cond.Broadcast()

	if h.local != nil {
		h.local.Shutdown()
	}
}

// stepOnce executes exactly one guest instruction (or one compiled
// block), dispatching any trap it raises and checking for pending
// interrupts first, per the standard trap-priority rule: interrupts are
// always taken before the faulting instruction is fetched.
func (h *Hart) stepOnce(ctx context.Context) error {
	if trap, ok := h.pendingInterrupt(); ok {
		h.deliverTrap(*trap)
		return nil
	}

	if h.compiler != nil {
		if block, ok := h.compiler.Lookup(h.pc); ok {
			_, trap, err := block.Run(h)
			if err != nil {
				return err
			}

			if trap != nil {
				h.deliverTrap(*trap)
			}

			return nil
		}
	}

	trap, err := h.Step(ctx)
	if err != nil {
		return err
	}

	if trap != nil {
		h.deliverTrap(*trap)
	}

	return nil
}
