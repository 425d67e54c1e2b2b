package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RAM owns a single mmap-backed anonymous allocation used as the machine's
// guest RAM. Backing the RAM region with an mmap instead of a plain
// make([]byte, ...) lets a future DMA or snapshot path mprotect or msync it
// directly, and keeps the allocation's lifetime explicit rather than
// leaving a multi-gigabyte slice for the garbage collector to scan.
type RAM struct {
	bytes []byte
}

// NewRAM allocates size bytes of anonymous, read/write mmap'd memory.
func NewRAM(size uint64) (*RAM, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("physmem: mmap ram: %w", err)
	}

	return &RAM{bytes: mem}, nil
}

// Bytes returns the backing slice, for registering as a Region's Host
// field.
func (r *RAM) Bytes() []byte { return r.bytes }

// Close releases the mapping. It must only be called once, after the
// machine has paused and removed the region that referenced it.
func (r *RAM) Close() error {
	if r.bytes == nil {
		return nil
	}

	err := unix.Munmap(r.bytes)
	r.bytes = nil

	if err != nil {
		return fmt.Errorf("physmem: munmap ram: %w", err)
	}

	return nil
}
