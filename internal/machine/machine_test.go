package machine_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/smoynes/rve/internal/hart"
	"github.com/smoynes/rve/internal/machine"
	"github.com/smoynes/rve/internal/mmio"
)

func wordsToBytes(words ...uint32) []byte {
	buf := make([]byte, len(words)*4)

	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}

	return buf
}

func TestCreateAllocatesHartsInStoppedState(t *testing.T) {
	m, err := machine.New(machine.Config{MemSize: 0x10000, Harts: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if len(m.Harts()) != 2 {
		t.Fatalf("Harts() = %d, want 2", len(m.Harts()))
	}

	for i, h := range m.Harts() {
		if h.PC() != 0 {
			t.Errorf("hart %d PC = %#x, want 0", i, h.PC())
		}
	}
}

func TestDefaultHartCountIsOne(t *testing.T) {
	m, err := machine.New(machine.Config{MemSize: 0x1000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if len(m.Harts()) != 1 {
		t.Fatalf("Harts() = %d, want 1 (default)", len(m.Harts()))
	}
}

func TestBadConfigIsRejected(t *testing.T) {
	if _, err := machine.New(machine.Config{MemSize: 0}); err == nil {
		t.Fatal("New with zero MemSize: want error, got nil")
	}

	if _, err := machine.New(machine.Config{MemSize: 0x1000, XLEN: 16}); err == nil {
		t.Fatal("New with XLEN=16: want error, got nil")
	}
}

func TestStartPauseResume(t *testing.T) {
	m, err := machine.New(machine.Config{MemSize: 0x10000, Harts: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	// A hart looping on itself (JAL x0, 0) never retires anything useful,
	// but it keeps the run loop alive so Pause/Resume have something to
	// synchronize with.
	if err := m.LoadImage(wordsToBytes(hart.JAL(0, 0)), 0); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if wasOutermost := m.Pause(); !wasOutermost {
		t.Fatal("Pause() = false on first call, want true")
	}

	if wasOutermost := m.Pause(); wasOutermost {
		t.Fatal("nested Pause() = true, want false")
	}

	m.Resume() // undoes the nested Pause; harts remain paused
	m.Resume() // undoes the outermost Pause; harts resume

	time.Sleep(10 * time.Millisecond) // let the resumed hart spin a while
}

type sinkDevice struct {
	reg     uint32
	removed bool
}

func (s *sinkDevice) Read(region *mmio.Region, buf []byte, offset uint64, width int) error {
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], s.reg)
	copy(buf[:width], scratch[offset:uint64(width)+offset])

	return nil
}

func (s *sinkDevice) Write(region *mmio.Region, buf []byte, offset uint64, width int) error {
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], s.reg)
	copy(scratch[offset:uint64(len(buf))+offset], buf)
	s.reg = binary.LittleEndian.Uint32(scratch[:])

	return nil
}

func (s *sinkDevice) Update() {}

func (s *sinkDevice) Remove() { s.removed = true }

func TestAttachAndRemoveMMIO(t *testing.T) {
	m, err := machine.New(machine.Config{MemSize: 0x10000, Harts: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	dev := &sinkDevice{}

	handle, err := m.AttachMMIO(&mmio.Region{
		Base: 0x20000, Size: 4, MinWidth: 4, MaxWidth: 4, Name: "sink", Dev: dev,
	})
	if err != nil {
		t.Fatalf("AttachMMIO: %v", err)
	}

	if err := m.RemoveMMIO(handle, 0x20000); err != nil {
		t.Fatalf("RemoveMMIO: %v", err)
	}

	if !dev.removed {
		t.Fatal("RemoveMMIO did not invoke the device's Remove")
	}
}

func TestResetReloadsFirmwareAndHartState(t *testing.T) {
	m, err := machine.New(machine.Config{MemSize: 0x10000, Harts: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if err := m.LoadImage(wordsToBytes(hart.ADDI(1, 0, 5)), 0); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	if err := m.Reset(true); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	h := m.Hart(0)
	if h.PC() != 0 {
		t.Errorf("PC after reset = %#x, want 0", h.PC())
	}
}

func TestPowerOffStopsEventLoop(t *testing.T) {
	m, err := machine.New(machine.Config{MemSize: 0x10000, Harts: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	const sysconBase = 0x11000 // MemBase(0) + MemSize(0x10000) + 0x1000

	prog := wordsToBytes(
		hart.LUI(1, sysconBase),
		hart.LUI(2, 0x5000),
		hart.ADDI(2, 2, 0x555), // x2 = 0x5555, the power-off magic value
		hart.SW(1, 2, 0),
		hart.JAL(0, 0), // spin until the run loop observes cancellation
	)

	if err := m.LoadImage(prog, 0); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.RunEventLoop(ctx, time.Millisecond); err != nil {
		t.Fatalf("RunEventLoop: %v, want nil (clean power-off)", err)
	}
}
