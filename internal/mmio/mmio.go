// Package mmio implements the memory-mapped I/O device host: the table of
// device-backed address regions a hart's load/store path dispatches
// through once internal/physmem reports that an access landed outside
// RAM.
package mmio

import (
	"errors"
	"fmt"
	"sort"

	"github.com/smoynes/rve/internal/log"
	"github.com/smoynes/rve/internal/physmem"
	"github.com/smoynes/rve/internal/support"
)

var (
	ErrNoRegion    = errors.New("mmio: no region at address")
	ErrAccessFault = errors.New("mmio: device rejected access")
	ErrBadWidth    = errors.New("mmio: access width not representable")
)

// Device is the interface a concrete peripheral (UART, NVMe controller,
// PCI function) implements to back an mmio Region. Read and Write operate
// on offset bytes into the region at the given width (1, 2, 4, or 8);
// Update is polled by the machine's event loop at a coarse cadence so
// devices can service host-side I/O without a dedicated thread; Remove is
// called exactly once, with every hart paused, and is the only legal place
// to free device-owned state.
type Device interface {
	Read(region *Region, buf []byte, offset uint64, width int) error
	Write(region *Region, buf []byte, offset uint64, width int) error
	Update()
	Remove()
}

// Region describes one device-backed window of guest physical address
// space.
type Region struct {
	Base uint64
	Size uint64

	// MinWidth and MaxWidth bound the access widths the device callback
	// accepts directly; accesses outside the range are split or widened by
	// Host.Read and Host.Write (dispatchRead, dispatchWrite) before the
	// callback sees them.
	MinWidth int
	MaxWidth int

	Name string

	Dev Device

	// Fast, if non-nil, is a direct host byte slice backing the region
	// (e.g. a framebuffer window). When set, Host bypasses Dev.Read /
	// Dev.Write entirely and copies to/from Fast, matching the "fast-path
	// memory pointer" spec.md describes.
	Fast []byte
}

func (r *Region) contains(addr uint64, size uint64) bool {
	return addr >= r.Base && addr+size <= r.Base+r.Size && addr+size >= addr
}

// Host owns the table of attached regions and dispatches guest accesses to
// them. It also registers each region with a physmem.Map so that the
// hart's general address-resolution path (TLB miss → physmem.Map.Find)
// learns the range exists and is not RAM.
type Host struct {
	physmap *physmem.Map
	lock    support.HybridLock
	regions []*Region // address-ordered
	log     *log.Logger
}

// NewHost creates a device host backed by the given physical memory map.
func NewHost(physmap *physmem.Map) *Host {
	return &Host{
		physmap: physmap,
		log:     log.DefaultLogger(),
	}
}

// Attach registers region with the host and with the underlying physical
// map. Callers must hold the machine pause guarantee.
func (h *Host) Attach(region *Region) (physmem.Handle, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	handle, err := h.physmap.Attach(physmem.Region{
		Base: region.Base,
		Size: region.Size,
		Name: region.Name,
		RAM:  false,
	})
	if err != nil {
		return physmem.Handle{}, err
	}

	idx := sort.Search(len(h.regions), func(i int) bool { return h.regions[i].Base >= region.Base })
	h.regions = append(h.regions, nil)
	copy(h.regions[idx+1:], h.regions[idx:])
	h.regions[idx] = region

	h.log.Debug("attached mmio region", log.String("name", region.Name), log.Any("base", region.Base))

	return handle, nil
}

// Remove detaches the region registered under handle, invoking its
// Device.Remove. Callers must hold the machine pause guarantee.
func (h *Host) Remove(handle physmem.Handle, base uint64) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	idx := sort.Search(len(h.regions), func(i int) bool { return h.regions[i].Base >= base })
	if idx == len(h.regions) || h.regions[idx].Base != base {
		return fmt.Errorf("%w: base %#x", ErrNoRegion, base)
	}

	region := h.regions[idx]
	h.regions = append(h.regions[:idx], h.regions[idx+1:]...)

	if err := h.physmap.Remove(handle); err != nil {
		return err
	}

	region.Dev.Remove()

	return nil
}

// find returns the region containing [addr, addr+size).
func (h *Host) find(addr, size uint64) (*Region, error) {
	for _, r := range h.regions {
		if r.contains(addr, size) {
			return r, nil
		}
	}

	return nil, fmt.Errorf("%w: %#x", ErrNoRegion, addr)
}

// Read dispatches a guest load of width bytes at addr into buf. The host
// lock only guards the region-table lookup: the device callback runs
// outside it, so a device whose Read blocks on host I/O (§5 permits this)
// stalls only accesses to its own region, not every hart's access to
// every other device.
func (h *Host) Read(addr uint64, buf []byte, width int) error {
	h.lock.Lock()
	region, err := h.find(addr, uint64(width))
	h.lock.Unlock()

	if err != nil {
		return err
	}

	if region.Fast != nil {
		offset := addr - region.Base
		copy(buf[:width], region.Fast[offset:offset+uint64(width)])

		return nil
	}

	return h.dispatchRead(region, addr, buf, width)
}

// Write dispatches a guest store of width bytes at addr from buf. See
// Read: the host lock covers only the lookup, not the device callback.
func (h *Host) Write(addr uint64, buf []byte, width int) error {
	h.lock.Lock()
	region, err := h.find(addr, uint64(width))
	h.lock.Unlock()

	if err != nil {
		return err
	}

	if region.Fast != nil {
		offset := addr - region.Base
		copy(region.Fast[offset:offset+uint64(width)], buf[:width])

		return nil
	}

	return h.dispatchWrite(region, addr, buf, width)
}

// dispatchRead performs width splitting or widening, per spec.md's
// dispatch rule: an access narrower than the region's minimum width is
// satisfied by a wider read-modify-write; an access wider than the
// region's maximum is split into multiple calls.
func (h *Host) dispatchRead(region *Region, addr uint64, buf []byte, width int) error {
	offset := addr - region.Base

	switch {
	case width < region.MinWidth:
		wide := make([]byte, region.MinWidth)
		if err := region.Dev.Read(region, wide, offset, region.MinWidth); err != nil {
			return fmt.Errorf("%w: %s", ErrAccessFault, region.Name)
		}

		copy(buf[:width], wide[:width])

		return nil

	case width > region.MaxWidth:
		remaining := width
		pos := 0

		for remaining > 0 {
			step := region.MaxWidth
			if step > remaining {
				step = remaining
			}

			if err := region.Dev.Read(region, buf[pos:pos+step], offset+uint64(pos), step); err != nil {
				return fmt.Errorf("%w: %s", ErrAccessFault, region.Name)
			}

			pos += step
			remaining -= step
		}

		return nil

	default:
		if err := region.Dev.Read(region, buf[:width], offset, width); err != nil {
			return fmt.Errorf("%w: %s", ErrAccessFault, region.Name)
		}

		return nil
	}
}

func (h *Host) dispatchWrite(region *Region, addr uint64, buf []byte, width int) error {
	offset := addr - region.Base

	switch {
	case width < region.MinWidth:
		wide := make([]byte, region.MinWidth)

		if err := region.Dev.Read(region, wide, offset, region.MinWidth); err != nil {
			return fmt.Errorf("%w: %s", ErrAccessFault, region.Name)
		}

		copy(wide[:width], buf[:width])

		if err := region.Dev.Write(region, wide, offset, region.MinWidth); err != nil {
			return fmt.Errorf("%w: %s", ErrAccessFault, region.Name)
		}

		return nil

	case width > region.MaxWidth:
		remaining := width
		pos := 0

		for remaining > 0 {
			step := region.MaxWidth
			if step > remaining {
				step = remaining
			}

			if err := region.Dev.Write(region, buf[pos:pos+step], offset+uint64(pos), step); err != nil {
				return fmt.Errorf("%w: %s", ErrAccessFault, region.Name)
			}

			pos += step
			remaining -= step
		}

		return nil

	default:
		if err := region.Dev.Write(region, buf[:width], offset, width); err != nil {
			return fmt.Errorf("%w: %s", ErrAccessFault, region.Name)
		}

		return nil
	}
}

// UpdateAll invokes Update on every attached device, in address order. The
// machine event loop calls this at a fixed cadence.
func (h *Host) UpdateAll() {
	h.lock.Lock()
	regions := make([]*Region, len(h.regions))
	copy(regions, h.regions)
	h.lock.Unlock()

	for _, r := range regions {
		r.Dev.Update()
	}
}
