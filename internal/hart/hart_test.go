package hart

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/smoynes/rve/internal/intc"
	"github.com/smoynes/rve/internal/mmio"
	"github.com/smoynes/rve/internal/physmem"
)

const testRAMBase = 0x0
const testRAMSize = 0x10000

func newTestHart(t *testing.T) (*Hart, []byte) {
	t.Helper()

	physmap := physmem.New()
	mmioHost := mmio.NewHost(physmap)
	ram := make([]byte, testRAMSize)

	if _, err := physmap.Attach(physmem.Region{
		Base: testRAMBase, Size: testRAMSize, Name: "ram", RAM: true, Host: ram,
	}); err != nil {
		t.Fatalf("Attach(ram): %v", err)
	}

	h := New(Config{
		ID:       0,
		XLEN:     64,
		ResetVec: testRAMBase,
		Physmap:  physmap,
		MMIO:     mmioHost,
		Local:    intc.NewLocalInterruptor(),
	})

	return h, ram
}

func putWords(ram []byte, base uint64, words ...uint32) {
	for i, w := range words {
		binary.LittleEndian.PutUint32(ram[base+uint64(i)*4:], w)
	}
}

func stepN(t *testing.T, h *Hart, n int) {
	t.Helper()

	ctx := context.Background()

	for i := 0; i < n; i++ {
		trap, err := h.Step(ctx)
		if err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}

		if trap != nil {
			t.Fatalf("Step %d: unexpected trap, cause=%#x tval=%#x", i, trap.Cause, trap.Tval)
		}
	}
}

func TestArithmeticSequence(t *testing.T) {
	h, ram := newTestHart(t)

	putWords(ram, 0,
		ADDI(1, 0, 5),
		ADDI(2, 0, 7),
		ADD(3, 1, 2),
	)

	stepN(t, h, 3)

	if got := h.Reg(3); got != 12 {
		t.Fatalf("x3 = %d, want 12", got)
	}
}

func TestImmediateArithmeticIsSignExtended(t *testing.T) {
	h, ram := newTestHart(t)

	putWords(ram, 0, ADDI(1, 0, -1))
	stepN(t, h, 1)

	if got := h.Reg(1); got != ^uint64(0) {
		t.Fatalf("x1 = %#x, want all-ones", got)
	}
}

func TestShiftsAndLogic(t *testing.T) {
	h, ram := newTestHart(t)

	putWords(ram, 0,
		ADDI(1, 0, 1),
		SLLI(2, 1, 4),    // x2 = 16
		ADDI(3, 0, -16),  // x3 = -16
		SRAI(4, 3, 2),    // x4 = -4 (arithmetic)
		SRLI(5, 3, 60),   // x5 = top 4 bits of -16, logical
	)

	stepN(t, h, 5)

	if got := h.Reg(2); got != 16 {
		t.Fatalf("x2 = %d, want 16", got)
	}
	if got := int64(h.Reg(4)); got != -4 {
		t.Fatalf("x4 = %d, want -4", got)
	}
	if got := h.Reg(5); got != 0xf {
		t.Fatalf("x5 = %#x, want 0xf", got)
	}
}

func TestLoadStoreRoundTrip(t *testing.T) {
	h, ram := newTestHart(t)

	const data = 0x700

	putWords(ram, 0,
		ADDI(1, 0, 0x123),
		ADDI(2, 0, data),
		SW(2, 1, 0),
		LW(3, 2, 0),
		LB(4, 2, 0),
	)

	stepN(t, h, 5)

	if got := h.Reg(3); got != 0x123 {
		t.Fatalf("x3 (LW) = %#x, want 0x123", got)
	}

	if got := int64(h.Reg(4)); got != 0x23 {
		t.Fatalf("x4 (LB) = %d, want 0x23", got)
	}
}

func TestBranchTaken(t *testing.T) {
	h, ram := newTestHart(t)

	putWords(ram, 0,
		ADDI(1, 0, 5),
		ADDI(2, 0, 5),
		BEQ(1, 2, 8), // skip the next instruction (at pc=12) to pc=16
		ADDI(3, 0, 99),
		ADDI(4, 0, 1),
	)

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.Step(ctx); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}

	if h.pc != 16 {
		t.Fatalf("pc = %#x, want 16 (branch taken)", h.pc)
	}

	if _, err := h.Step(ctx); err != nil {
		t.Fatalf("Step after branch: %v", err)
	}

	if got := h.Reg(3); got != 0 {
		t.Fatalf("x3 = %d, want 0 (skipped instruction must not execute)", got)
	}
	if got := h.Reg(4); got != 1 {
		t.Fatalf("x4 = %d, want 1", got)
	}
}

func TestECallTrapsToMTVEC(t *testing.T) {
	h, ram := newTestHart(t)

	const mtvecAddr = 0x200

	putWords(ram, 0,
		ADDI(5, 0, mtvecAddr),
		CSRRW(0, csrMtvec, 5),
		ECALL(),
	)

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := h.stepOnce(ctx); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}

	if h.pc != mtvecAddr {
		t.Fatalf("pc after ECALL = %#x, want %#x", h.pc, mtvecAddr)
	}

	if h.csr[csrMcause] != ExcECallM {
		t.Fatalf("mcause = %#x, want %#x", h.csr[csrMcause], ExcECallM)
	}

	if h.csr[csrMepc] != 8 {
		t.Fatalf("mepc = %#x, want 8 (the ECALL's own PC)", h.csr[csrMepc])
	}
}

func TestMRETRestoresPCAndPrivilege(t *testing.T) {
	h, ram := newTestHart(t)

	putWords(ram, 0, ECALL())
	putWords(ram, 0x200, MRET())

	ctx := context.Background()

	if err := h.stepOnce(ctx); err != nil {
		t.Fatalf("ECALL step: %v", err)
	}

	// mtvec defaults to 0, so the trap landed back at address 0; move PC
	// to the handler address directly rather than writing mtvec first.
	h.pc = 0x200
	h.csr[csrMepc] = 4

	if _, err := h.Step(ctx); err != nil {
		t.Fatalf("MRET step: %v", err)
	}

	if h.pc != 4 {
		t.Fatalf("pc after MRET = %#x, want 4", h.pc)
	}

	if h.priv != PrivMachine {
		t.Fatalf("priv after MRET = %d, want machine (trap entry saved MPP=machine)", h.priv)
	}
}

func TestAMOAddAtomicUpdate(t *testing.T) {
	h, ram := newTestHart(t)

	const addr = 0x400

	putWords(ram, 0,
		ADDI(1, 0, 10),
		ADDI(2, 0, addr),
		SW(2, 1, 0),
		ADDI(3, 0, 5),
	)

	stepN(t, h, 4)

	// AMOADD.W x4, x3, (x2): x4 = old [addr], [addr] += x3
	putWords(ram, 0x10, AMOADDW(4, 2, 3))
	h.pc = 0x10

	if _, err := h.Step(context.Background()); err != nil {
		t.Fatalf("AMOADD.W step: %v", err)
	}

	if got := h.Reg(4); got != 10 {
		t.Fatalf("x4 (old value) = %d, want 10", got)
	}

	got := binary.LittleEndian.Uint32(ram[addr:])
	if got != 15 {
		t.Fatalf("memory at addr = %d, want 15", got)
	}
}

func TestLRSCSucceedsWithoutIntervention(t *testing.T) {
	h, ram := newTestHart(t)

	const addr = 0x600

	putWords(ram, 0, ADDI(1, 0, addr), ADDI(2, 0, 42))
	stepN(t, h, 2)

	putWords(ram, 0x10, LRW(3, 1))
	h.pc = 0x10
	if _, err := h.Step(context.Background()); err != nil {
		t.Fatalf("LR.W: %v", err)
	}

	if !h.reservation.valid {
		t.Fatal("LR.W did not set a reservation")
	}

	putWords(ram, 0x14, SCW(4, 1, 2))
	h.pc = 0x14
	if _, err := h.Step(context.Background()); err != nil {
		t.Fatalf("SC.W: %v", err)
	}

	if got := h.Reg(4); got != 0 {
		t.Fatalf("SC.W result = %d, want 0 (success)", got)
	}

	if got := binary.LittleEndian.Uint32(ram[addr:]); got != 42 {
		t.Fatalf("memory at addr = %d, want 42", got)
	}
}

func TestWFIReturnsImmediatelyWhenInterruptAlreadyPending(t *testing.T) {
	h, ram := newTestHart(t)

	h.local.RaiseSoftware()

	putWords(ram, 0, WFI())

	done := make(chan struct{})
	go func() {
		_, _ = h.Step(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WFI blocked despite a pending interrupt")
	}
}

func TestPauseAndResume(t *testing.T) {
	h, _ := newTestHart(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.Spawn(ctx)

	wasRunning := h.Pause()
	if !wasRunning {
		t.Fatal("Pause: expected the hart to have been running")
	}

	h.Resume()
	h.QueuePause()

	if !h.Pause() {
		t.Fatal("Pause after QueuePause: expected prior state to count as active")
	}

	cancel()
}
