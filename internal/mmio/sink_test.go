package mmio_test

import (
	"encoding/binary"

	"github.com/smoynes/rve/internal/mmio"
)

// sinkDevice is a byte-sink register device used only by this package's own
// tests to exercise the dispatch/split/widen logic without pulling in a real
// UART. internal/machine's tests define a sinkDevice of their own.
type sinkDevice struct {
	reg      uint64
	writes   int
	updates  int
	removed  bool
	failNext bool
}

func (s *sinkDevice) Read(region *mmio.Region, buf []byte, offset uint64, width int) error {
	if s.failNext {
		return errFail
	}

	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], s.reg>>(offset*8))
	copy(buf[:width], scratch[:width])

	return nil
}

func (s *sinkDevice) Write(region *mmio.Region, buf []byte, offset uint64, width int) error {
	if s.failNext {
		return errFail
	}

	s.writes++

	v := binary.LittleEndian.Uint64(pad(buf, width))
	mask := uint64(1)<<(uint(width)*8) - 1
	if width == 8 {
		mask = ^uint64(0)
	}

	shift := offset * 8
	s.reg = (s.reg &^ (mask << shift)) | ((v & mask) << shift)

	return nil
}

func (s *sinkDevice) Update() { s.updates++ }

func (s *sinkDevice) Remove() { s.removed = true }

// pad copies buf[:width] into an 8-byte scratch buffer so binary.LittleEndian
// can always read/write a full uint64 regardless of the access width.
func pad(buf []byte, width int) []byte {
	var scratch [8]byte
	copy(scratch[:], buf[:width])

	return scratch[:]
}

var errFail = sinkFailure{}

type sinkFailure struct{}

func (sinkFailure) Error() string { return "sink: forced failure" }
