package mmio_test

import (
	"errors"
	"testing"

	"github.com/smoynes/rve/internal/mmio"
	"github.com/smoynes/rve/internal/physmem"
)

func TestReadWriteRoundTrip(t *testing.T) {
	physmap := physmem.New()
	host := mmio.NewHost(physmap)

	dev := &sinkDevice{}
	region := &mmio.Region{Base: 0x9000, Size: 0x100, MinWidth: 4, MaxWidth: 4, Name: "sink", Dev: dev}

	if _, err := host.Attach(region); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	buf := []byte{0xEF, 0xBE, 0xAD, 0xDE}
	if err := host.Write(0x9000, buf, 4); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if dev.writes != 1 {
		t.Fatalf("writes: got %d, want 1", dev.writes)
	}

	out := make([]byte, 4)
	if err := host.Read(0x9000, out, 4); err != nil {
		t.Fatalf("Read: %v", err)
	}

	for i := range buf {
		if buf[i] != out[i] {
			t.Fatalf("round trip: got %v, want %v", out, buf)
		}
	}
}

func TestNarrowAccessWidenedViaReadModifyWrite(t *testing.T) {
	physmap := physmem.New()
	host := mmio.NewHost(physmap)

	dev := &sinkDevice{reg: 0xAABBCCDD}
	region := &mmio.Region{Base: 0xA000, Size: 0x100, MinWidth: 4, MaxWidth: 4, Name: "sink", Dev: dev}

	if _, err := host.Attach(region); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// A 1-byte write narrower than MinWidth must be satisfied by a
	// read-modify-write at the device's native width.
	if err := host.Write(0xA000, []byte{0x11}, 1); err != nil {
		t.Fatalf("Write(width=1): %v", err)
	}

	if dev.reg != 0xAABBCC11 {
		t.Fatalf("reg after narrow write: got %#x, want %#x", dev.reg, 0xAABBCC11)
	}

	out := make([]byte, 1)
	if err := host.Read(0xA000, out, 1); err != nil {
		t.Fatalf("Read(width=1): %v", err)
	}
	if out[0] != 0x11 {
		t.Fatalf("Read(width=1): got %#x, want 0x11", out[0])
	}
}

func TestWideAccessSplitAcrossCalls(t *testing.T) {
	physmap := physmem.New()
	host := mmio.NewHost(physmap)

	dev := &sinkDevice{}
	region := &mmio.Region{Base: 0xB000, Size: 0x100, MinWidth: 1, MaxWidth: 1, Name: "sink", Dev: dev}

	if _, err := host.Attach(region); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := host.Write(0xB000, []byte{1, 2, 3, 4}, 4); err != nil {
		t.Fatalf("Write(width=4): %v", err)
	}

	// Each of the four bytes was delivered through a separate 1-byte call.
	if dev.writes != 4 {
		t.Fatalf("writes: got %d, want 4", dev.writes)
	}
}

func TestFastPathBypassesDevice(t *testing.T) {
	physmap := physmem.New()
	host := mmio.NewHost(physmap)

	dev := &sinkDevice{}
	fb := make([]byte, 16)
	region := &mmio.Region{Base: 0xC000, Size: 16, MinWidth: 1, MaxWidth: 8, Name: "fb", Dev: dev, Fast: fb}

	if _, err := host.Attach(region); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := host.Write(0xC000+4, []byte{0x42}, 1); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if fb[4] != 0x42 {
		t.Fatalf("fast path: got %#x, want 0x42", fb[4])
	}
	if dev.writes != 0 {
		t.Fatalf("device should not be called on fast path, got %d writes", dev.writes)
	}
}

func TestDeviceFailureSurfacesAsAccessFault(t *testing.T) {
	physmap := physmem.New()
	host := mmio.NewHost(physmap)

	dev := &sinkDevice{failNext: true}
	region := &mmio.Region{Base: 0xD000, Size: 0x10, MinWidth: 4, MaxWidth: 4, Name: "sink", Dev: dev}

	if _, err := host.Attach(region); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	err := host.Write(0xD000, []byte{1, 2, 3, 4}, 4)
	if !errors.Is(err, mmio.ErrAccessFault) {
		t.Fatalf("Write: got %v, want ErrAccessFault", err)
	}
}

func TestRemoveCallsDeviceRemove(t *testing.T) {
	physmap := physmem.New()
	host := mmio.NewHost(physmap)

	dev := &sinkDevice{}
	region := &mmio.Region{Base: 0xE000, Size: 0x10, MinWidth: 4, MaxWidth: 4, Name: "sink", Dev: dev}

	handle, err := host.Attach(region)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := host.Remove(handle, 0xE000); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if !dev.removed {
		t.Fatal("Remove: device Remove was not called")
	}

	if err := host.Read(0xE000, make([]byte, 4), 4); !errors.Is(err, mmio.ErrNoRegion) {
		t.Fatalf("Read after Remove: got %v, want ErrNoRegion", err)
	}
}

func TestUpdateAllPollsEveryDevice(t *testing.T) {
	physmap := physmem.New()
	host := mmio.NewHost(physmap)

	devA := &sinkDevice{}
	devB := &sinkDevice{}

	if _, err := host.Attach(&mmio.Region{Base: 0x1000, Size: 0x10, MinWidth: 4, MaxWidth: 4, Name: "a", Dev: devA}); err != nil {
		t.Fatalf("Attach(a): %v", err)
	}
	if _, err := host.Attach(&mmio.Region{Base: 0x2000, Size: 0x10, MinWidth: 4, MaxWidth: 4, Name: "b", Dev: devB}); err != nil {
		t.Fatalf("Attach(b): %v", err)
	}

	host.UpdateAll()

	if devA.updates != 1 || devB.updates != 1 {
		t.Fatalf("updates: got (%d, %d), want (1, 1)", devA.updates, devB.updates)
	}
}
