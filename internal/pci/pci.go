// Package pci implements the machine's PCI Express host bridge: an ECAM
// configuration window, the function/device/bus model behind it, BAR
// sizing and attachment through internal/mmio and internal/physmem, a
// fixed capability list (PCIe, power management, MSI), and interrupt
// generation through internal/intc.
package pci

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/smoynes/rve/internal/intc"
	"github.com/smoynes/rve/internal/log"
	"github.com/smoynes/rve/internal/mmio"
	"github.com/smoynes/rve/internal/physmem"
)

// Config-space dword offsets, matching the standard PCI type-0 (and, for
// BARs 2-5, type-1 bridge) header layout closely enough to back the
// capabilities this substrate actually exercises.
const (
	regVendorDevice  = 0x00
	regStatusCommand = 0x04
	regClassRevision = 0x08
	regBISTHeader    = 0x0c
	regBAR0          = 0x10
	regCapPointer    = 0x34
	regIntPinLine    = 0x3c

	capOffsetPCIe = 0x40
	capOffsetPM   = 0x50
	capOffsetMSI  = 0x60

	regMSIControl = capOffsetMSI + 0x00
	regMSIAddrLo  = capOffsetMSI + 0x04
	regMSIAddrHi  = capOffsetMSI + 0x08
	regMSIData    = capOffsetMSI + 0x0c
)

// Command register bits.
const (
	CommandIOSpace     uint16 = 1 << 0
	CommandMemSpace    uint16 = 1 << 1
	CommandBusMaster   uint16 = 1 << 2
	CommandIntxDisable uint16 = 1 << 10
)

// Status register bits.
const (
	statusIntxActive uint16 = 1 << 3
)

// BridgeClassCode is the class/subclass/prog-if of a PCI-PCI bridge
// function; such a function uses BARs 2-5 for bridge windows instead of
// device regions.
const BridgeClassCode uint32 = 0x0604_00

// BAR describes one base-address register.
type BAR struct {
	Size     uint64
	Base     uint64
	Is64     bool
	IsIO     bool
	Prefetch bool

	// Set once the region has been placed and attached.
	handle     mmio.Region
	attached   bool
	physHandle physmem.Handle
}

// BridgeWindows holds the secondary-bus and I/O/memory window
// configuration carried in BARs 2-5 of a PCI-PCI bridge function, per
// spec.md's bridge layout.
type BridgeWindows struct {
	SecondaryBus   uint8
	SubordinateBus uint8
	IOBase, IOLimit   uint16
	MemBase, MemLimit uint32
}

// Function describes one PCI function: its identity, its BARs, and the
// live configuration-space state the guest can read and write.
type Function struct {
	Vendor, Device uint16
	Class          uint32 // 24-bit class/subclass/prog-if
	Revision       uint8

	BARs [6]BAR

	command uint16
	status  uint16

	msiEnable      bool
	msiAddrLo      uint32
	msiAddrHi      uint32
	msiData        uint32

	// IRQPin is 0 (none) or 1-4 (INTA..INTD); used for wired INTx routing
	// when MSI is not enabled.
	IRQPin int

	irqSource intc.SourceID
	hasIRQ    bool

	Bridge *BridgeWindows

	devfn int
}

func (f *Function) isBridge() bool { return f.Class&0xffffff00 == BridgeClassCode&0xffffff00 }

// IRQSource returns the platform interrupt source allocated to this
// function's wired pin, if AttachFunction gave it one. The caller (the
// machine orchestrator) uses this to route the source to specific harts.
func (f *Function) IRQSource() (intc.SourceID, bool) { return f.irqSource, f.hasIRQ }

// readConfig returns the dword at config-space offset reg.
func (f *Function) readConfig(reg uint32) uint32 {
	switch {
	case reg == regVendorDevice:
		return uint32(f.Vendor) | uint32(f.Device)<<16

	case reg == regStatusCommand:
		return uint32(f.command) | uint32(f.status)<<16

	case reg == regClassRevision:
		return uint32(f.Revision) | (f.Class&0xffffff)<<8

	case reg == regBISTHeader:
		headerType := uint32(0)
		if f.isBridge() {
			headerType = 1
		}
		return headerType << 16

	case reg >= regBAR0 && reg < regBAR0+6*4:
		idx := int((reg - regBAR0) / 4)
		return f.readBAR(idx)

	case reg == regCapPointer:
		return capOffsetPCIe

	case reg == regIntPinLine:
		return uint32(f.IRQPin) << 8

	case reg == capOffsetPCIe:
		// CapID=0x10 (PCI Express), NextPtr=PM cap, version 2 endpoint.
		return 0x0010 | capOffsetPM<<8 | (0x2)<<16

	case reg == capOffsetPCIe+0x04:
		return 0

	case reg == capOffsetPM:
		// CapID=0x01 (power management), NextPtr=MSI cap.
		return 0x0001 | capOffsetMSI<<8

	case reg == regMSIControl:
		ctrl := uint32(0x0005) // CapID=0x05 (MSI), NextPtr=0
		const msi64Capable = 1 << 23
		ctrl |= msi64Capable
		if f.msiEnable {
			ctrl |= 1 << 16
		}
		return ctrl

	case reg == regMSIAddrLo:
		return f.msiAddrLo

	case reg == regMSIAddrHi:
		return f.msiAddrHi

	case reg == regMSIData:
		return f.msiData & 0xffff
	}

	return 0
}

// writeConfig applies a guest write of val to config-space offset reg.
// bar relocation (if any) is reported via the returned index and bool so
// the bridge can re-register the region.
func (f *Function) writeConfig(reg uint32, val uint32) (barRelocated int, relocated bool) {
	switch {
	case reg == regStatusCommand:
		f.command = uint16(val) & (CommandIOSpace | CommandMemSpace | CommandBusMaster | CommandIntxDisable)
		f.refreshStatus()

	case reg >= regBAR0 && reg < regBAR0+6*4:
		idx := int((reg - regBAR0) / 4)
		if f.writeBAR(idx, val) {
			if idx > 0 && f.BARs[idx-1].Is64 && !f.BARs[idx-1].IsIO {
				idx-- // high half: the region to move belongs to the low slot
			}

			return idx, true
		}

	case reg == regMSIControl:
		f.msiEnable = val&(1<<16) != 0

	case reg == regMSIAddrLo:
		f.msiAddrLo = val

	case reg == regMSIAddrHi:
		f.msiAddrHi = val

	case reg == regMSIData:
		f.msiData = val & 0xffff
	}

	return 0, false
}

func (f *Function) refreshStatus() {
	if f.hasIRQ && f.command&CommandIntxDisable == 0 {
		f.status |= statusIntxActive
	} else {
		f.status &^= statusIntxActive
	}
}

func (f *Function) optionBits(idx int) uint64 {
	var v uint64

	if f.BARs[idx].IsIO {
		v |= 1
	} else {
		if f.BARs[idx].Is64 {
			v |= 0b10 << 1
		}
		if f.BARs[idx].Prefetch {
			v |= 1 << 3
		}
	}

	return v
}

func (f *Function) readBAR(idx int) uint32 {
	b := &f.BARs[idx]

	if idx > 0 && f.BARs[idx-1].Is64 && !f.BARs[idx-1].IsIO {
		// upper half of a 64-bit BAR pair
		return uint32(f.BARs[idx-1].Base >> 32)
	}

	base := b.Base | f.optionBits(idx)

	return uint32(base)
}

// writeBAR applies a guest BAR write: the base is aligned down to the next
// power of two of the BAR's size, preserving the low option bits. It
// returns true if this write changed the function's effective mapping
// and the caller must relocate the region.
func (f *Function) writeBAR(idx int, val uint32) bool {
	if idx > 0 && f.BARs[idx-1].Is64 && !f.BARs[idx-1].IsIO {
		// This slot is the high half of its predecessor's 64-bit BAR.
		old := f.BARs[idx-1].Base
		f.BARs[idx-1].Base = (old & 0xffffffff) | uint64(val)<<32

		return true
	}

	b := &f.BARs[idx]
	if b.Size == 0 {
		return false
	}

	align := b.Size
	if bits.OnesCount64(align) != 1 {
		align = 1 << bits.Len64(align) // round up to a power of two
	}

	newBase := uint64(val) &^ (align - 1)
	if newBase == b.Base {
		return false
	}

	b.Base = newBase

	return true
}

var (
	ErrDeviceNotFound = errors.New("pci: no function at that bus address")
	ErrSlotOccupied   = errors.New("pci: bus address already occupied")
	ErrNoFreeSlot     = errors.New("pci: no free bus address for auto-multifunc")
	ErrBusMasterOff   = errors.New("pci: function's bus master bit is not set")
)

// HostVendorID and HostClassCode identify the synthetic function the host
// bridge seeds at bus address 00:00.0, so a guest scanning bus 0 finds the
// bridge itself instead of an all-ones read at devfn 0.
const (
	HostVendorID  uint16 = 0xf15e
	HostClassCode uint32 = 0x060000 // host bridge, subclass 00
)

// HostBridge is the machine's PCI Express ECAM host bridge. Exactly one
// exists per machine; it owns the ECAM MMIO window and the attached
// functions' regions.
type HostBridge struct {
	buses     int
	functions map[int]*Function

	physmap *physmem.Map
	mmio    *mmio.Host
	plic    *intc.PlatformController

	// wiredSources holds the four shared legacy-INTx lines every function
	// on the bridge rotates onto, per spec.md §3's crossing-style
	// routing: two functions that land in the same bucket share the same
	// platform source, rather than each getting an independent one.
	wiredSources [4]intc.SourceID

	ecamBase uint64

	log *log.Logger
}

// NewHostBridge creates a host bridge with an ECAM window sized for buses
// bus numbers, attaches the window to mmioHost at ecamBase, seeds the
// host bridge's own function at 00:00.0, allocates the four shared wired
// interrupt lines, and wires interrupt generation through plic.
func NewHostBridge(physmap *physmem.Map, mmioHost *mmio.Host, plic *intc.PlatformController, ecamBase uint64, buses int) (*HostBridge, error) {
	hb := &HostBridge{
		buses:     buses,
		functions: make(map[int]*Function),
		physmap:   physmap,
		mmio:      mmioHost,
		plic:      plic,
		ecamBase:  ecamBase,
		log:       log.DefaultLogger(),
	}

	hb.functions[0] = &Function{
		Vendor: HostVendorID,
		Device: 0,
		Class:  HostClassCode,
	}

	if plic != nil {
		for i := range hb.wiredSources {
			hb.wiredSources[i] = plic.AllocateSource(1)
		}
	}

	region := &mmio.Region{
		Base:     ecamBase,
		Size:     uint64(buses) << 20,
		MinWidth: 4,
		MaxWidth: 4,
		Name:     "pci-ecam",
		Dev:      hb,
	}

	if _, err := mmioHost.Attach(region); err != nil {
		return nil, fmt.Errorf("pci: attach ecam window: %w", err)
	}

	return hb, nil
}

// devfnFromOffset decodes an ECAM offset into the bus-address (bus*256 +
// device*8 + function) and dword register, per spec.md §4.6.
func devfnFromOffset(offset uint64) (devfn int, reg uint32) {
	return int(offset >> 12), uint32(offset) & 0xffc
}

// Read implements mmio.Device for the ECAM window.
func (hb *HostBridge) Read(region *mmio.Region, buf []byte, offset uint64, width int) error {
	devfn, reg := devfnFromOffset(offset)

	fn, ok := hb.functions[devfn]

	var val uint32
	if !ok {
		val = 0xffffffff // missing device reads as all-ones
	} else {
		val = fn.readConfig(reg)
	}

	buf[0] = byte(val)
	buf[1] = byte(val >> 8)
	buf[2] = byte(val >> 16)
	buf[3] = byte(val >> 24)

	return nil
}

// Write implements mmio.Device for the ECAM window.
func (hb *HostBridge) Write(region *mmio.Region, buf []byte, offset uint64, width int) error {
	devfn, reg := devfnFromOffset(offset)

	fn, ok := hb.functions[devfn]
	if !ok {
		return nil // missing device drops writes
	}

	val := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24

	barIdx, relocated := fn.writeConfig(reg, val)
	if relocated {
		if err := hb.relocateBAR(fn, barIdx); err != nil {
			return fmt.Errorf("pci: relocate bar %d: %w", barIdx, err)
		}
	}

	return nil
}

// Update implements mmio.Device; the host bridge itself has no polled
// state.
func (hb *HostBridge) Update() {}

// Remove implements mmio.Device; detaching the bridge detaches every
// function's regions first.
func (hb *HostBridge) Remove() {
	for _, fn := range hb.functions {
		for i := range fn.BARs {
			hb.detachBAR(fn, i)
		}
	}
}

// AttachFunction places fn at bus address devfn, allocating and attaching
// an MMIO region for each of its non-empty BARs via physmem.ZoneAuto, and
// wiring its IRQ pin into the platform controller's rotation table if it
// has one. Callers must hold the machine pause guarantee.
func (hb *HostBridge) AttachFunction(devfn int, fn *Function, dev mmio.Device) error {
	if _, exists := hb.functions[devfn]; exists {
		return fmt.Errorf("%w: %#x", ErrSlotOccupied, devfn)
	}

	fn.devfn = devfn
	hb.functions[devfn] = fn

	for i := range fn.BARs {
		if fn.BARs[i].Size == 0 {
			continue
		}

		if i > 0 && fn.BARs[i-1].Is64 && !fn.BARs[i-1].IsIO {
			continue // high half of the previous BAR, not independently placed
		}

		addr, err := hb.physmap.ZoneAuto(0x1_0000_0000, fn.BARs[i].Size)
		if err != nil {
			return fmt.Errorf("pci: zone_auto bar %d: %w", i, err)
		}

		fn.BARs[i].Base = addr

		if err := hb.attachBAR(fn, i, dev); err != nil {
			return err
		}
	}

	if fn.IRQPin != 0 {
		device := (devfn >> 3) & 0x1f
		bucket := intc.IntxRotation(device, fn.IRQPin)
		fn.irqSource = hb.wiredSources[bucket]
		fn.hasIRQ = true
	}

	return nil
}

func (hb *HostBridge) attachBAR(fn *Function, idx int, dev mmio.Device) error {
	b := &fn.BARs[idx]

	region := &mmio.Region{
		Base:     b.Base,
		Size:     b.Size,
		MinWidth: 1,
		MaxWidth: 8,
		Name:     fmt.Sprintf("pci-bar%d", idx),
		Dev:      dev,
	}

	handle, err := hb.mmio.Attach(region)
	if err != nil {
		return fmt.Errorf("pci: attach bar %d: %w", idx, err)
	}

	b.handle = *region
	b.physHandle = handle
	b.attached = true

	return nil
}

func (hb *HostBridge) detachBAR(fn *Function, idx int) {
	b := &fn.BARs[idx]
	if !b.attached {
		return
	}

	// b.handle.Base is where the region was attached; b.Base may already
	// hold a relocated base.
	_ = hb.mmio.Remove(b.physHandle, b.handle.Base)
	b.attached = false
}

// relocateBAR re-registers a BAR's region at its new base after a
// guest config-space write changed it: the region is removed from its old
// base, then attached at the new one. It runs on the goroutine of the hart
// whose ECAM write moved the BAR; no hart is paused, so a concurrent guest
// access to the BAR can miss the region while it is being moved.
func (hb *HostBridge) relocateBAR(fn *Function, idx int) error {
	dev := fn.BARs[idx].handle.Dev
	hb.detachBAR(fn, idx)

	if dev == nil {
		return nil
	}

	return hb.attachBAR(fn, idx, dev)
}

// AutoMultifunc walks bus-address slots 0x08, 0x10, 0x18, ... on bus 0
// (and, when rootPorts is true, 0x100, 0x200, ... on secondary buses) for
// a free slot and attaches fn there.
func (hb *HostBridge) AutoMultifunc(fn *Function, dev mmio.Device, rootPorts bool) (int, error) {
	for slot := 0x08; slot < 0x100; slot += 0x08 {
		if _, exists := hb.functions[slot]; !exists {
			return slot, hb.AttachFunction(slot, fn, dev)
		}
	}

	if rootPorts {
		for slot := 0x100; slot < 0x100*hb.buses; slot += 0x100 {
			if _, exists := hb.functions[slot]; !exists {
				return slot, hb.AttachFunction(slot, fn, dev)
			}
		}
	}

	return 0, ErrNoFreeSlot
}

// DMAPointer returns a direct host pointer into guest RAM for fn, only if
// fn's bus-master bit is set and the range is entirely RAM-backed.
func (hb *HostBridge) DMAPointer(fn *Function, addr, size uint64) ([]byte, error) {
	if fn.command&CommandBusMaster == 0 {
		return nil, ErrBusMasterOff
	}

	return hb.physmap.DMAPointer(addr, size)
}

// SendIRQ delivers an interrupt on behalf of fn: an MSI if enabled,
// otherwise a wired INTx through the rotation table (unless INTx is
// masked via the command register).
func (hb *HostBridge) SendIRQ(fn *Function, local *intc.LocalInterruptor, msiData uint32) error {
	if fn.msiEnable {
		intc.SendMSI(local, msiData)
		return nil
	}

	if fn.command&CommandIntxDisable != 0 {
		return nil
	}

	if !fn.hasIRQ {
		return nil
	}

	fn.status |= statusIntxActive

	return hb.plic.Raise(fn.irqSource)
}
