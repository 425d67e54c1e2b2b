package physmem_test

import (
	"errors"
	"testing"

	"github.com/smoynes/rve/internal/physmem"
)

func TestAttachAndFind(t *testing.T) {
	m := physmem.New()

	ram := make([]byte, 0x1000)
	_, err := m.Attach(physmem.Region{Base: 0x1000, Size: 0x1000, Name: "ram", RAM: true, Host: ram})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	r, ok := m.Find(0x1000, 0x100)
	if !ok {
		t.Fatal("Find: expected hit")
	}
	if r.Name != "ram" {
		t.Fatalf("Find: got region %q, want ram", r.Name)
	}

	if _, ok := m.Find(0x2000, 0x100); ok {
		t.Fatal("Find: expected miss outside region")
	}

	if _, ok := m.Find(0xf00, 0x200); ok {
		t.Fatal("Find: expected miss for a range spanning a gap")
	}
}

func TestAttachRejectsOverlap(t *testing.T) {
	m := physmem.New()

	if _, err := m.Attach(physmem.Region{Base: 0x1000, Size: 0x1000, Name: "a"}); err != nil {
		t.Fatalf("Attach(a): %v", err)
	}

	_, err := m.Attach(physmem.Region{Base: 0x1800, Size: 0x1000, Name: "b"})
	if !errors.Is(err, physmem.ErrOverlap) {
		t.Fatalf("Attach(b): got %v, want ErrOverlap", err)
	}
}

func TestAttachRejectsWrap(t *testing.T) {
	m := physmem.New()

	_, err := m.Attach(physmem.Region{Base: ^uint64(0) - 10, Size: 100, Name: "wraps"})
	if !errors.Is(err, physmem.ErrOverlap) {
		t.Fatalf("Attach(wraps): got %v, want ErrOverlap", err)
	}
}

type recordingRemover struct{ called bool }

func (r *recordingRemover) Remove() { r.called = true }

func TestRemoveDetachesRegionOnce(t *testing.T) {
	m := physmem.New()

	handle, err := m.Attach(physmem.Region{Base: 0x4000, Size: 0x1000, Name: "dev"})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := m.Remove(handle); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, ok := m.Find(0x4000, 1); ok {
		t.Fatal("Find: region still present after Remove")
	}

	if err := m.Remove(handle); !errors.Is(err, physmem.ErrNoRegion) {
		t.Fatalf("second Remove: got %v, want ErrNoRegion", err)
	}
}

func TestZoneAutoSkipsOccupiedRanges(t *testing.T) {
	m := physmem.New()

	if _, err := m.Attach(physmem.Region{Base: 0x10000, Size: 0x2000, Name: "occupied"}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	addr, err := m.ZoneAuto(0x10000, 0x1000)
	if err != nil {
		t.Fatalf("ZoneAuto: %v", err)
	}

	if addr < 0x12000 {
		t.Fatalf("ZoneAuto: got %#x, want >= 0x12000", addr)
	}
}

func TestDMAPointerRequiresRAM(t *testing.T) {
	m := physmem.New()

	ram := make([]byte, 0x1000)
	ram[0x10] = 0x42

	if _, err := m.Attach(physmem.Region{Base: 0, Size: 0x1000, Name: "ram", RAM: true, Host: ram}); err != nil {
		t.Fatalf("Attach(ram): %v", err)
	}
	if _, err := m.Attach(physmem.Region{Base: 0x1000, Size: 0x1000, Name: "mmio"}); err != nil {
		t.Fatalf("Attach(mmio): %v", err)
	}

	ptr, err := m.DMAPointer(0x10, 4)
	if err != nil {
		t.Fatalf("DMAPointer(ram): %v", err)
	}
	if ptr[0] != 0x42 {
		t.Fatalf("DMAPointer: got %#x, want 0x42", ptr[0])
	}

	if _, err := m.DMAPointer(0x1000, 4); !errors.Is(err, physmem.ErrNotRAM) {
		t.Fatalf("DMAPointer(mmio): got %v, want ErrNotRAM", err)
	}
}
