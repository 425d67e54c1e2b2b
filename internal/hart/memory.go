package hart

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/smoynes/rve/internal/tlb"
)

var ErrAccessFault = errors.New("hart: access fault")

const pageSize = 4096

// amoMu serializes AMO and LR/SC sequences across every hart in the
// process, since the TLB's host-pointer fast path gives no other mutual
// exclusion between concurrently running harts.
var amoMu sync.Mutex

func (h *Hart) translateRAM(va uint64, access tlb.AccessType) (unsafe.Pointer, bool) {
	if ptr, ok := h.tlb.Lookup(va, access); ok {
		return ptr, true
	}

	region, ok := h.physmap.Find(va, 1)
	if !ok || !region.RAM {
		return nil, false
	}

	pageBase := va &^ uint64(pageSize-1)
	offsetInRegion := pageBase - region.Base

	if offsetInRegion+pageSize > uint64(len(region.Host)) {
		return nil, false
	}

	hostPtr := unsafe.Pointer(&region.Host[offsetInRegion])
	h.tlb.Insert(va, access, hostPtr, pageBase)

	return hostPtr, true
}

func pageBytes(ptr unsafe.Pointer) []byte {
	return unsafe.Slice((*byte)(ptr), pageSize)
}

func (h *Hart) readByteSlow(addr uint64) (byte, error) {
	region, ok := h.physmap.Find(addr, 1)
	if !ok {
		return 0, fmt.Errorf("%w: no region at %#x", ErrAccessFault, addr)
	}

	if region.RAM {
		return region.Host[addr-region.Base], nil
	}

	buf := make([]byte, 1)
	if err := h.mmio.Read(addr, buf, 1); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAccessFault, err)
	}

	return buf[0], nil
}

func (h *Hart) writeByteSlow(addr uint64, v byte) error {
	region, ok := h.physmap.Find(addr, 1)
	if !ok {
		return fmt.Errorf("%w: no region at %#x", ErrAccessFault, addr)
	}

	if region.RAM {
		region.Host[addr-region.Base] = v
		h.tlb.NoteWrite(addr &^ uint64(pageSize-1))

		return nil
	}

	return h.mmio.Write(addr, []byte{v}, 1)
}

// readBytes loads width bytes (1, 2, 4, or 8) starting at va, preferring
// the TLB's page fast path and falling back byte-by-byte across a page
// boundary or into MMIO.
func (h *Hart) readBytes(va uint64, width int) ([]byte, error) {
	if ptr, ok := h.translateRAM(va, tlb.AccessRead); ok {
		off := va & uint64(pageSize-1)
		if off+uint64(width) <= pageSize {
			page := pageBytes(ptr)
			out := make([]byte, width)
			copy(out, page[off:off+uint64(width)])

			return out, nil
		}
	}

	out := make([]byte, width)

	for i := 0; i < width; i++ {
		b, err := h.readByteSlow(va + uint64(i))
		if err != nil {
			return nil, err
		}

		out[i] = b
	}

	return out, nil
}

func (h *Hart) writeBytes(va uint64, data []byte) error {
	width := len(data)

	if ptr, ok := h.translateRAM(va, tlb.AccessWrite); ok {
		off := va & uint64(pageSize-1)
		if off+uint64(width) <= pageSize {
			page := pageBytes(ptr)
			copy(page[off:off+uint64(width)], data)
			h.tlb.NoteWrite(va &^ uint64(pageSize-1))

			return nil
		}
	}

	for i, b := range data {
		if err := h.writeByteSlow(va+uint64(i), b); err != nil {
			return err
		}
	}

	return nil
}

// fetch reads a 32-bit instruction word at pc, honoring execute-access
// TLB tagging separately from data accesses.
func (h *Hart) fetch(pc uint64) (uint32, error) {
	if ptr, ok := h.translateRAM(pc, tlb.AccessExecute); ok {
		off := pc & uint64(pageSize-1)
		if off+4 <= pageSize {
			page := pageBytes(ptr)

			return uint32(page[off]) | uint32(page[off+1])<<8 |
				uint32(page[off+2])<<16 | uint32(page[off+3])<<24, nil
		}
	}

	buf, err := h.readBytes(pc, 4)
	if err != nil {
		return 0, err
	}

	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

func le64(buf []byte) uint64 {
	var v uint64
	for i, b := range buf {
		v |= uint64(b) << (8 * i)
	}

	return v
}

func putLE64(v uint64, width int) []byte {
	buf := make([]byte, width)
	for i := 0; i < width; i++ {
		buf[i] = byte(v >> (8 * i))
	}

	return buf
}
