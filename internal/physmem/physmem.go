// Package physmem implements the machine's physical address map: an
// address-ordered, non-overlapping set of regions (RAM, MMIO windows,
// reserved ranges) that harts and devices resolve guest physical
// addresses against.
//
// Readers (a hart's TLB-miss path, a device's DMA helper) never take a
// lock; they call Map.Regions, which reads a version published with
// internal/support.RCU. Writers — attaching or removing a region — build a
// new sorted slice and publish it. The machine orchestrator's attach and
// remove paths in internal/machine pause every hart first; a PCI BAR
// relocation in internal/pci does not.
package physmem

import (
	"errors"
	"fmt"
	"sort"

	"github.com/smoynes/rve/internal/log"
	"github.com/smoynes/rve/internal/support"
)

var (
	ErrOverlap   = errors.New("physmem: region overlaps an existing region")
	ErrNoRegion  = errors.New("physmem: no region contains the requested range")
	ErrNotRAM    = errors.New("physmem: range is not entirely RAM-backed")
	ErrUnaligned = errors.New("physmem: address is not page-aligned")
)

const pageSize = 4096

// Remover is called exactly once when a region is detached, with the
// machine's harts paused. It is the only legal place for a region's owner
// to free device-owned state.
type Remover interface {
	Remove()
}

// Region describes one mapped range of guest physical address space.
// Region values are immutable once attached; Map never mutates a Region in
// place, only the slice that references them.
type Region struct {
	Base uint64
	Size uint64

	// Name identifies the region for logging and diagnostics.
	Name string

	// RAM is true for host-memory-backed regions eligible for DMA and for
	// TLB host-pointer translations. MMIO windows leave this false.
	RAM bool

	// Host points at the backing host memory for a RAM region. It is nil
	// for MMIO regions, which are resolved through internal/mmio instead.
	Host []byte

	remove Remover
}

// Handle is a stable reference to an attached region, usable with Remove
// even after other regions have been attached or removed.
type Handle struct {
	base uint64
}

// Map is the machine-wide physical address map.
type Map struct {
	rcu *support.RCU[[]Region]
	log *log.Logger
}

// New creates an empty physical memory map.
func New() *Map {
	return &Map{
		rcu: support.NewRCU(&[]Region{}),
		log: log.DefaultLogger(),
	}
}

// Regions returns the currently published, address-ordered region slice.
// Callers must not retain it past the point where it might become stale;
// it is safe to read from concurrently with writers thanks to the RCU
// reader-side discipline.
func (m *Map) Regions() []Region {
	return *m.rcu.Load()
}

// Attach adds region to the map. It fails with ErrOverlap if [Base,
// Base+Size) would overlap an existing region or wrap the address space.
// Callers must hold the machine pause guarantee before calling Attach.
func (m *Map) Attach(region Region) (Handle, error) {
	if region.Base+region.Size < region.Base {
		return Handle{}, fmt.Errorf("%w: %s wraps the address space", ErrOverlap, region.Name)
	}

	current := m.Regions()
	next := support.NewDynArray[Region](len(current) + 1)

	inserted := false

	for _, r := range current {
		if overlaps(region, r) {
			return Handle{}, fmt.Errorf("%w: %q overlaps %q", ErrOverlap, region.Name, r.Name)
		}

		if !inserted && region.Base < r.Base {
			next.Append(region)
			inserted = true
		}

		next.Append(r)
	}

	if !inserted {
		next.Append(region)
	}

	slice := next.Slice()
	m.rcu.Publish(&slice)
	m.log.Debug("attached region", log.String("name", region.Name),
		log.Any("base", region.Base), log.Any("size", region.Size))

	return Handle{base: region.Base}, nil
}

// Remove detaches the region referenced by handle, invoking its Remover
// (if any) first. Callers must hold the machine pause guarantee before
// calling Remove.
func (m *Map) Remove(handle Handle) error {
	current := m.Regions()
	next := support.NewDynArray[Region](len(current))

	var removed *Region

	for _, r := range current {
		if r.Base == handle.base {
			found := r
			removed = &found

			continue
		}

		next.Append(r)
	}

	if removed == nil {
		return fmt.Errorf("%w: handle base %#x", ErrNoRegion, handle.base)
	}

	if removed.remove != nil {
		removed.remove.Remove()
	}

	slice := next.Slice()
	m.rcu.Publish(&slice)
	m.log.Debug("removed region", log.String("name", removed.Name))

	return nil
}

// Find returns the single region that fully contains [addr, addr+size).
func (m *Map) Find(addr, size uint64) (Region, bool) {
	regions := m.Regions()

	i := sort.Search(len(regions), func(i int) bool {
		return regions[i].Base+regions[i].Size > addr
	})

	if i == len(regions) {
		return Region{}, false
	}

	r := regions[i]
	if addr < r.Base || addr+size > r.Base+r.Size || addr+size < addr {
		return Region{}, false
	}

	return r, true
}

// ZoneAuto returns the lowest page-aligned address at or above hint such
// that [addr, addr+size) is free, for auto-placement of newly attached
// regions (e.g. PCI BAR windows).
func (m *Map) ZoneAuto(hint, size uint64) (uint64, error) {
	addr := alignUp(hint, pageSize)
	regions := m.Regions()

	for {
		overlapping := false

		for _, r := range regions {
			if rangesOverlap(addr, size, r.Base, r.Size) {
				overlapping = true

				if r.Base+r.Size > addr {
					addr = alignUp(r.Base+r.Size, pageSize)
				}
			}
		}

		if !overlapping {
			if addr+size < addr {
				return 0, fmt.Errorf("physmem: no free zone for size %d at or above %#x", size, hint)
			}

			return addr, nil
		}
	}
}

// DMAPointer returns a host byte slice for DMA into RAM. It returns
// ErrNotRAM if the range is not entirely contained within a single
// RAM-backed region.
func (m *Map) DMAPointer(addr, size uint64) ([]byte, error) {
	r, ok := m.Find(addr, size)
	if !ok {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrNoRegion, addr, addr+size)
	}

	if !r.RAM {
		return nil, fmt.Errorf("%w: %q", ErrNotRAM, r.Name)
	}

	offset := addr - r.Base

	return r.Host[offset : offset+size], nil
}

func overlaps(a, b Region) bool {
	return rangesOverlap(a.Base, a.Size, b.Base, b.Size)
}

func rangesOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	return baseA < baseB+sizeB && baseB < baseA+sizeA
}

func alignUp(addr, align uint64) uint64 {
	return (addr + align - 1) &^ (align - 1)
}
