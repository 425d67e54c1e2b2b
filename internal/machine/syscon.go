package machine

import "github.com/smoynes/rve/internal/mmio"

// Recognized values for the syscon register, matching the de facto
// convention a large share of RISC-V firmware already expects (QEMU's
// virt "test" device and SiFive's test-finisher agree on these two).
const (
	sysconPowerOff = 0x5555
	sysconReboot   = 0x7777
)

// syscon is the one register a guest writes to shut down or reboot the
// machine: a standard poweroff/reset pattern, not an LC-3-style MCR flag,
// since the spec's machine has no single "the CPU stopped" register of
// its own.
type syscon struct {
	machine *Machine
	value   uint32
}

func (s *syscon) Read(region *mmio.Region, buf []byte, offset uint64, width int) error {
	var scratch [4]byte
	scratch[0] = byte(s.value)
	scratch[1] = byte(s.value >> 8)
	scratch[2] = byte(s.value >> 16)
	scratch[3] = byte(s.value >> 24)

	copy(buf[:width], scratch[offset:uint64(width)+offset])

	return nil
}

func (s *syscon) Write(region *mmio.Region, buf []byte, offset uint64, width int) error {
	// Merge the written bytes into the register, so a store that reaches
	// the device one byte at a time still assembles the full value.
	for i := 0; i < width; i++ {
		shift := 8 * (uint(offset) + uint(i))
		s.value = s.value&^(0xff<<shift) | uint32(buf[i])<<shift
	}

	v := s.value
	if v == sysconPowerOff || v == sysconReboot {
		s.value = 0 // one action per request, even when later bytes follow
	}

	// Pause (called from PowerOff/Reset) blocks until every hart reaches
	// a safe point, including this one; running the action inline would
	// have the issuing hart wait on itself. Run it on its own goroutine
	// instead.
	switch v {
	case sysconPowerOff:
		go s.machine.PowerOff()
	case sysconReboot:
		go func() { _ = s.machine.Reset(true) }()
	}

	return nil
}

func (s *syscon) Update() {}

func (s *syscon) Remove() {}
