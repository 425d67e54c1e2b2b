// Package machine implements the system orchestrator: it owns the
// physical memory map, the MMIO device host, the harts, and the optional
// platform interrupt controller and PCI host bridge, and drives their
// shared lifecycle. The two-phase early/late option shape is the
// teacher's vm.New(opts ...OptionFn) pattern, generalized from one fixed
// LC-3 machine to a configurable RISC-V system with a variable hart count
// and attachable devices.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smoynes/rve/internal/hart"
	"github.com/smoynes/rve/internal/intc"
	"github.com/smoynes/rve/internal/log"
	"github.com/smoynes/rve/internal/mmio"
	"github.com/smoynes/rve/internal/pci"
	"github.com/smoynes/rve/internal/physmem"
)

var (
	ErrBadConfig  = errors.New("machine: bad configuration")
	ErrPoweredOff = errors.New("machine: powered off")
)

// Config is the structured record of parameters fixed at creation time:
// everything the orchestrator's create(memory, harts, isa) needs to know
// up front. Settings that are genuinely late-bound extension points
// (an installed Compiler, a non-default Decoder, a power-off hook) are
// OptionFns instead, not fields here.
type Config struct {
	MemSize uint64 // guest RAM size in bytes; required
	MemBase uint64 // guest physical base of RAM; defaults to 0

	Harts int // hart count; defaults to 1
	XLEN  int // 32 or 64; defaults to 64

	ResetVec uint64 // boot PC for every hart; defaults to MemBase

	PlatformIRQ bool // construct a PlatformController
	PCI         bool // construct a PCI host bridge (implies PlatformIRQ)
	ECAMBase    uint64
	PCIBuses    int

	// SysconBase is the guest physical address of the power-off/reboot
	// register. Defaults to just past the end of RAM.
	SysconBase uint64

	Logger *log.Logger
}

// OptionKey names one of the machine's closed set of late-bound extension
// points. The table itself (Machine.options) stays an untyped map, the
// way the teacher's OptionFn closures reach into LC3 fields directly,
// rather than growing Config with rarely-used settings.
type OptionKey int

const (
	// optNoJIT disables the hart Compiler fallback, forcing every hart to
	// run the baseline interpreter only.
	optNoJIT OptionKey = iota
	// optCompiler holds an installed hart.Compiler, shared by every hart.
	optCompiler
	// optDecoder holds a Decoder override shared by every hart.
	optDecoder
)

// OptionFn configures a Machine during New. Each one runs twice, early
// (before harts and devices exist) and late (after), the same shape as
// the teacher's vm.OptionFn; fn inspects late to pick its phase.
type OptionFn func(m *Machine, late bool)

// WithNoJIT disables the tracing-JIT Compiler fallback for every hart,
// matching the CLI's -nojit toggle.
func WithNoJIT() OptionFn {
	return func(m *Machine, late bool) {
		if !late {
			m.options[optNoJIT] = true
		}
	}
}

// WithCompiler installs a shared hart.Compiler consulted by every hart
// before it falls back to the baseline interpreter.
func WithCompiler(c hart.Compiler) OptionFn {
	return func(m *Machine, late bool) {
		if !late {
			m.options[optCompiler] = c
		}
	}
}

// WithDecoder overrides the instruction decoder shared by every hart.
func WithDecoder(d hart.Decoder) OptionFn {
	return func(m *Machine, late bool) {
		if !late {
			m.options[optDecoder] = d
		}
	}
}

// WithPowerOffFunc registers fn to run when the guest requests power-off
// through the syscon device, in addition to RunEventLoop returning.
func WithPowerOffFunc(fn func()) OptionFn {
	return func(m *Machine, late bool) {
		if late {
			m.powerOffFuncs = append(m.powerOffFuncs, fn)
		}
	}
}

// Machine is the top-level system: a physical map, a device host, an
// ordered sequence of harts, and the optional platform interrupt
// controller and PCI bridge wired over them.
type Machine struct {
	cfg Config
	log *log.Logger

	mu sync.Mutex

	physmap  *physmem.Map
	mmioHost *mmio.Host
	ram      *physmem.RAM

	harts     []*hart.Hart
	platform  *intc.PlatformController
	pciBridge *pci.HostBridge

	dtbBlob []byte

	options map[OptionKey]any

	// pauseDepth lets attach_mmio/attach_dma/remove_mmio and nested calls
	// to Pause compose: only the outermost Pause actually stops the
	// harts, and only the matching Resume starts them again.
	pauseDepth int

	// poweredOff is monotonic: once true, it never goes back to false.
	poweredOff bool

	started       bool
	runCancel     context.CancelFunc
	powerOffCh    chan struct{}
	powerOffFuncs []func()

	lastImage       []byte
	lastImageOffset uint64
}

// New implements create(memory, harts, isa): it allocates guest RAM,
// constructs every hart in the stopped state, and returns the machine.
func New(cfg Config, opts ...OptionFn) (*Machine, error) {
	if cfg.MemSize == 0 {
		return nil, fmt.Errorf("%w: memory size must be non-zero", ErrBadConfig)
	}

	if cfg.Harts <= 0 {
		cfg.Harts = 1
	}

	if cfg.XLEN == 0 {
		cfg.XLEN = 64
	}

	if cfg.XLEN != 32 && cfg.XLEN != 64 {
		return nil, fmt.Errorf("%w: XLEN must be 32 or 64, got %d", ErrBadConfig, cfg.XLEN)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.DefaultLogger()
	}

	m := &Machine{
		cfg:        cfg,
		log:        logger,
		options:    make(map[OptionKey]any),
		powerOffCh: make(chan struct{}),
	}

	for _, fn := range opts {
		fn(m, false)
	}

	m.physmap = physmem.New()

	ram, err := physmem.NewRAM(cfg.MemSize)
	if err != nil {
		return nil, fmt.Errorf("machine: create: %w", err)
	}

	m.ram = ram

	if _, err := m.physmap.Attach(physmem.Region{
		Base: cfg.MemBase,
		Size: cfg.MemSize,
		Name: "ram",
		RAM:  true,
		Host: ram.Bytes(),
	}); err != nil {
		ram.Close()
		return nil, fmt.Errorf("machine: create: attach ram: %w", err)
	}

	m.mmioHost = mmio.NewHost(m.physmap)

	if cfg.PlatformIRQ || cfg.PCI {
		m.platform = intc.NewPlatformController()
	}

	if cfg.PCI {
		ecamBase := cfg.ECAMBase
		if ecamBase == 0 {
			ecamBase = cfg.MemBase + cfg.MemSize
		}

		buses := cfg.PCIBuses
		if buses == 0 {
			buses = 1
		}

		bridge, err := pci.NewHostBridge(m.physmap, m.mmioHost, m.platform, ecamBase, buses)
		if err != nil {
			ram.Close()
			return nil, fmt.Errorf("machine: create: pci: %w", err)
		}

		m.pciBridge = bridge
	}

	sysconBase := cfg.SysconBase
	if sysconBase == 0 {
		sysconBase = cfg.MemBase + cfg.MemSize + 0x1000
	}

	if _, err := m.mmioHost.Attach(&mmio.Region{
		Base:     sysconBase,
		Size:     4,
		MinWidth: 1,
		MaxWidth: 4,
		Name:     "syscon",
		Dev:      &syscon{machine: m},
	}); err != nil {
		ram.Close()
		return nil, fmt.Errorf("machine: create: syscon: %w", err)
	}

	resetVec := cfg.ResetVec
	if resetVec == 0 {
		resetVec = cfg.MemBase
	}

	var decoder hart.Decoder
	if d, ok := m.options[optDecoder]; ok {
		decoder = d.(hart.Decoder)
	}

	var compiler hart.Compiler
	if _, noJIT := m.options[optNoJIT]; !noJIT {
		if c, ok := m.options[optCompiler]; ok {
			compiler = c.(hart.Compiler)
		}
	}

	m.harts = make([]*hart.Hart, cfg.Harts)

	for i := 0; i < cfg.Harts; i++ {
		local := intc.NewLocalInterruptor()

		if m.platform != nil {
			m.platform.RegisterHart(intc.HartID(i), local)
		}

		m.harts[i] = hart.New(hart.Config{
			ID:       i,
			XLEN:     cfg.XLEN,
			ResetVec: resetVec,
			Physmap:  m.physmap,
			MMIO:     m.mmioHost,
			Local:    local,
			Decoder:  decoder,
			Compiler: compiler,
			Logger:   logger,
		})
	}

	for _, fn := range opts {
		fn(m, true)
	}

	m.log.Debug("machine created", log.Any("mem", cfg.MemSize), log.Any("harts", cfg.Harts), log.Any("xlen", cfg.XLEN))

	return m, nil
}

// Harts returns the machine's harts in creation order.
func (m *Machine) Harts() []*hart.Hart { return m.harts }

// Hart returns the i'th hart.
func (m *Machine) Hart(i int) *hart.Hart { return m.harts[i] }

// PlatformController returns the platform interrupt controller, or nil if
// the machine was created without one.
func (m *Machine) PlatformController() *intc.PlatformController { return m.platform }

// PCIBridge returns the PCI host bridge, or nil if the machine was
// created without one.
func (m *Machine) PCIBridge() *pci.HostBridge { return m.pciBridge }

// SetDTBBlob records blob as the machine's device-tree root, for later
// retrieval (e.g. by a -dumpdtb pass-through). It does not parse or
// validate the blob.
func (m *Machine) SetDTBBlob(blob []byte) { m.dtbBlob = blob }

// DTBBlob returns the device-tree blob previously recorded with
// SetDTBBlob, or nil.
func (m *Machine) DTBBlob() []byte { return m.dtbBlob }

// LoadImage copies data into guest RAM at the given guest-physical
// offset from the RAM region's base. internal/bootrom calls this to
// place firmware before the first start, and it is what a reset(true)
// replays.
func (m *Machine) LoadImage(data []byte, offset uint64) error {
	ram := m.ram.Bytes()

	if offset+uint64(len(data)) > uint64(len(ram)) {
		return fmt.Errorf("%w: image of %d bytes at offset %#x overflows %d-byte ram",
			ErrBadConfig, len(data), offset, len(ram))
	}

	copy(ram[offset:], data)

	m.lastImage = data
	m.lastImageOffset = offset

	return nil
}

func (m *Machine) reloadLastImage() error {
	if m.lastImage == nil {
		return nil
	}

	return m.LoadImage(m.lastImage, m.lastImageOffset)
}

// Start spawns every hart's run loop under ctx. Cancelling ctx (or
// calling PowerOff) stops every hart.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()

	if m.poweredOff {
		m.mu.Unlock()
		return ErrPoweredOff
	}

	if m.started {
		m.mu.Unlock()
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.runCancel = cancel
	m.started = true
	m.mu.Unlock()

	for _, h := range m.harts {
		h.Spawn(runCtx)
	}

	return nil
}

// Pause stops every hart at its next instruction boundary and blocks
// until each has acknowledged. It is idempotent and nestable: only the
// outermost call actually pauses the harts, and it reports whether the
// machine was running (i.e. whether this call was the outermost one)
// so callers know whether they are responsible for the matching Resume.
func (m *Machine) Pause() bool {
	m.mu.Lock()
	wasOutermost := m.pauseDepth == 0
	m.pauseDepth++
	m.mu.Unlock()

	if wasOutermost {
		for _, h := range m.harts {
			h.Pause()
		}
	}

	return wasOutermost
}

// Resume un-pauses the machine, undoing one level of Pause nesting. Only
// the call that brings the depth back to zero actually resumes the
// harts.
func (m *Machine) Resume() {
	m.mu.Lock()
	if m.pauseDepth > 0 {
		m.pauseDepth--
	}

	shouldResume := m.pauseDepth == 0
	m.mu.Unlock()

	if shouldResume {
		for _, h := range m.harts {
			h.Resume()
		}
	}
}

func (m *Machine) forceResume() {
	m.mu.Lock()
	m.pauseDepth = 0
	m.mu.Unlock()

	for _, h := range m.harts {
		h.Resume()
	}
}

// Reset re-initializes every hart's architectural state and resumes
// them, optionally reloading the last-loaded firmware image into RAM
// first, matching the orchestrator's reset(true|false) operation.
func (m *Machine) Reset(reloadFirmware bool) error {
	m.mu.Lock()
	if m.poweredOff {
		m.mu.Unlock()
		return ErrPoweredOff
	}
	m.mu.Unlock()

	m.Pause()

	if reloadFirmware {
		if err := m.reloadLastImage(); err != nil {
			m.forceResume()
			return fmt.Errorf("machine: reset: %w", err)
		}
	}

	for _, h := range m.harts {
		h.Reset()
	}

	m.forceResume()

	return nil
}

// AttachMMIO registers a device-backed region, pausing every hart for the
// duration of the update as the lifecycle invariants require.
func (m *Machine) AttachMMIO(region *mmio.Region) (physmem.Handle, error) {
	wasOutermost := m.Pause()
	defer func() {
		if wasOutermost {
			m.Resume()
		}
	}()

	return m.mmioHost.Attach(region)
}

// RemoveMMIO detaches the region registered under handle, pausing every
// hart for the duration.
func (m *Machine) RemoveMMIO(handle physmem.Handle, base uint64) error {
	wasOutermost := m.Pause()
	defer func() {
		if wasOutermost {
			m.Resume()
		}
	}()

	return m.mmioHost.Remove(handle, base)
}

// AttachDMA registers an additional RAM-backed region directly in the
// physical map, bypassing mmio dispatch so device DMA engines get the
// TLB host-pointer fast path too. Pauses every hart for the duration.
func (m *Machine) AttachDMA(region physmem.Region) (physmem.Handle, error) {
	region.RAM = true

	wasOutermost := m.Pause()
	defer func() {
		if wasOutermost {
			m.Resume()
		}
	}()

	return m.physmap.Attach(region)
}

// RunEventLoop blocks the caller, invoking every attached device's
// Update on a fixed cadence until ctx is cancelled or the machine
// transitions to power_off.
func (m *Machine) RunEventLoop(ctx context.Context, cadence time.Duration) error {
	if cadence <= 0 {
		cadence = 10 * time.Millisecond
	}

	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.powerOffCh:
			return nil
		case <-ticker.C:
			m.mmioHost.UpdateAll()
		}
	}
}

// PowerOff transitions the machine to its terminal power_off state:
// every hart's run context is cancelled and RunEventLoop returns. It is
// idempotent; only the first call has any effect.
func (m *Machine) PowerOff() {
	m.mu.Lock()
	if m.poweredOff {
		m.mu.Unlock()
		return
	}

	m.poweredOff = true
	fns := append([]func(){}, m.powerOffFuncs...)
	cancel := m.runCancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	close(m.powerOffCh)

	for _, fn := range fns {
		fn()
	}

	m.log.Info("machine powered off")
}

// Close waits for every hart to finish running, then releases host
// resources. Destroying a machine any other way would leave the mmap'd
// RAM dangling.
func (m *Machine) Close() error {
	m.mu.Lock()
	cancel := m.runCancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// A stopped hart satisfies Pause's wait condition, so this also
	// serves as the join barrier the lifecycle calls for.
	for _, h := range m.harts {
		h.Pause()
	}

	if m.ram != nil {
		return m.ram.Close()
	}

	return nil
}
