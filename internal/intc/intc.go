// Package intc implements the machine's interrupt subsystem: a per-hart
// local interruptor (timer, timer-compare, software doorbell) and a
// platform-level wired IRQ aggregator that routes device interrupts to
// harts, modeled on the teacher's interrupt-descriptor-table idiom in
// internal/vm/intr.go but generalized from a fixed eight-priority table to
// an open-ended set of allocatable sources.
package intc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/smoynes/rve/internal/log"
	"github.com/smoynes/rve/internal/support"
)

func hashSourceID(id SourceID) uint64 { return uint64(id) }

// Standard pending-interrupt bits, matching the privileged-spec mip/sip
// layout closely enough for this substrate's purposes.
const (
	CauseSoftware uint64 = 1 << 3
	CauseTimer    uint64 = 1 << 7
	CauseExternal uint64 = 1 << 11
)

// HartID identifies a hart for routing purposes.
type HartID int

// SourceID identifies a platform interrupt source, allocated by
// AllocateSource.
type SourceID int

// LocalInterruptor is the per-hart timer and software-interrupt facility.
// Each hart owns exactly one.
type LocalInterruptor struct {
	mu sync.Mutex

	timer   uint64
	compare uint64
	timerEn bool

	software bool

	cond *sync.Cond

	pending uint64
	closed  bool
}

// NewLocalInterruptor creates a local interruptor for one hart.
func NewLocalInterruptor() *LocalInterruptor {
	li := &LocalInterruptor{}
	li.cond = sync.NewCond(&li.mu)

	return li
}

// Now returns the hart's timer value, a free-running counter advanced by
// Advance.
func (li *LocalInterruptor) Now() uint64 {
	li.mu.Lock()
	defer li.mu.Unlock()

	return li.timer
}

// Advance moves the timer forward by delta ticks, signalling the timer
// interrupt and waking any hart parked in WFI if the compare value is
// crossed.
func (li *LocalInterruptor) Advance(delta uint64) {
	li.mu.Lock()
	defer li.mu.Unlock()

	before := li.timer
	li.timer += delta

	if li.timerEn && before < li.compare && li.timer >= li.compare {
		li.pending |= CauseTimer
		li.cond.Broadcast()
	}
}

// SetCompare sets the timer-compare register and enables the timer
// interrupt.
func (li *LocalInterruptor) SetCompare(value uint64) {
	li.mu.Lock()
	defer li.mu.Unlock()

	li.compare = value
	li.timerEn = true

	if li.timer >= value {
		li.pending |= CauseTimer
		li.cond.Broadcast()
	}
}

// ClearTimer clears the pending timer-interrupt bit, as a hart does on
// entry to its timer trap handler.
func (li *LocalInterruptor) ClearTimer() {
	li.mu.Lock()
	defer li.mu.Unlock()

	li.pending &^= CauseTimer
}

// RaiseSoftware posts an inter-processor interrupt to this hart.
func (li *LocalInterruptor) RaiseSoftware() {
	li.mu.Lock()
	defer li.mu.Unlock()

	li.software = true
	li.pending |= CauseSoftware
	li.cond.Broadcast()
}

// ClearSoftware clears the software-interrupt doorbell.
func (li *LocalInterruptor) ClearSoftware() {
	li.mu.Lock()
	defer li.mu.Unlock()

	li.software = false
	li.pending &^= CauseSoftware
}

// RaiseExternal sets the external-interrupt pending bit, used by MSI
// delivery and by the platform controller when it raises a source routed
// to this hart.
func (li *LocalInterruptor) RaiseExternal() {
	li.mu.Lock()
	defer li.mu.Unlock()

	li.pending |= CauseExternal
	li.cond.Broadcast()
}

// ClearExternal clears the external-interrupt pending bit.
func (li *LocalInterruptor) ClearExternal() {
	li.mu.Lock()
	defer li.mu.Unlock()

	li.pending &^= CauseExternal
}

// Pending returns the current pending-interrupt bitmask.
func (li *LocalInterruptor) Pending() uint64 {
	li.mu.Lock()
	defer li.mu.Unlock()

	return li.pending
}

// WaitForInterrupt blocks until some interrupt bit becomes pending,
// implementing the hart's WFI instruction. It returns immediately if a bit
// is already pending.
func (li *LocalInterruptor) WaitForInterrupt() {
	li.mu.Lock()
	defer li.mu.Unlock()

	for li.pending == 0 && !li.closed {
		li.cond.Wait()
	}
}

// Shutdown wakes every waiter permanently, so a hart parked in WFI unblocks
// when the machine is tearing down rather than hanging forever.
func (li *LocalInterruptor) Shutdown() {
	li.mu.Lock()
	defer li.mu.Unlock()

	li.closed = true
	li.cond.Broadcast()
}

// source is one registered platform interrupt source.
type source struct {
	priority int
	pending  bool
	claimed  bool
	targets  map[HartID]bool
}

// PlatformController is the platform-level wired IRQ aggregator (a
// PLIC-like device): it holds a priority per source, routes sources to a
// subset of harts through per-hart enable and threshold registers, and
// serializes claim/complete.
type PlatformController struct {
	mu sync.Mutex

	// sources is keyed by SourceID via a HashMap rather than a native map:
	// it is on the claim fast path, walked once per hart claim attempt.
	sources *support.HashMap[SourceID, *source]
	nextID  SourceID

	hartEnable    map[HartID]map[SourceID]bool
	hartThreshold map[HartID]int

	locals map[HartID]*LocalInterruptor

	log *log.Logger
}

var ErrUnknownSource = errors.New("intc: unknown source id")

// NewPlatformController creates an empty wired interrupt aggregator.
func NewPlatformController() *PlatformController {
	return &PlatformController{
		sources:       support.NewHashMap[SourceID, *source](hashSourceID),
		hartEnable:    make(map[HartID]map[SourceID]bool),
		hartThreshold: make(map[HartID]int),
		locals:        make(map[HartID]*LocalInterruptor),
		log:           log.DefaultLogger(),
	}
}

// RegisterHart associates a hart's local interruptor with the controller,
// so that raising a source can signal the hart's external-interrupt bit.
func (p *PlatformController) RegisterHart(id HartID, local *LocalInterruptor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.locals[id] = local
	p.hartEnable[id] = make(map[SourceID]bool)
}

// AllocateSource reserves a fresh source ID with the given priority.
// Allocation is explicit, per spec: a device attaches and asks for a
// source rather than the controller picking one implicitly.
func (p *PlatformController) AllocateSource(priority int) SourceID {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID

	p.sources.Put(id, &source{priority: priority, targets: make(map[HartID]bool)})

	return id
}

// RouteTo authorizes source to interrupt hart (subject to that hart's
// per-source enable bit also being set).
func (p *PlatformController) RouteTo(id SourceID, hart HartID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	src, ok := p.sources.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSource, id)
	}

	src.targets[hart] = true

	return nil
}

// SetEnable sets whether hart is willing to receive id, independent of
// routing.
func (p *PlatformController) SetEnable(hart HartID, id SourceID, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hartEnable[hart] == nil {
		p.hartEnable[hart] = make(map[SourceID]bool)
	}

	p.hartEnable[hart][id] = enabled
}

// SetThreshold sets the minimum priority hart will accept a claim for.
func (p *PlatformController) SetThreshold(hart HartID, threshold int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.hartThreshold[hart] = threshold
}

// Raise posts a level-triggered interrupt from source id: it stays pending
// until Complete is called, even if claimed and re-raised in between.
func (p *PlatformController) Raise(id SourceID) error {
	return p.signal(id)
}

// Pulse posts an edge-triggered interrupt: functionally identical to Raise
// in this model, since claim/complete already tracks a pending→claimed→
// cleared cycle rather than a level that could glitch.
func (p *PlatformController) Pulse(id SourceID) error {
	return p.signal(id)
}

func (p *PlatformController) signal(id SourceID) error {
	p.mu.Lock()

	src, ok := p.sources.Get(id)
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownSource, id)
	}

	src.pending = true

	// toWake is a bounded pending-notification queue: at most one entry
	// per routed target, built while the source table is locked and
	// drained after it is released so a slow or blocked hart wake-up
	// never holds the lock other sources need.
	toWake := support.NewRing[*LocalInterruptor](len(src.targets))

	for hart := range src.targets {
		if p.hartEnable[hart][id] {
			if local := p.locals[hart]; local != nil {
				_ = toWake.Push(local)
			}
		}
	}

	p.mu.Unlock()

	for {
		local, err := toWake.Pop()
		if err != nil {
			break
		}

		local.RaiseExternal()
	}

	return nil
}

// Claim returns the highest-priority pending source routed and enabled for
// hart, at or above its threshold, and masks it (marks it claimed) until
// Complete is called. It returns false if nothing is claimable.
func (p *PlatformController) Claim(hart HartID) (SourceID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	threshold := p.hartThreshold[hart]

	var best SourceID
	var bestSrc *source
	bestPriority := -1
	found := false

	p.sources.Range(func(id SourceID, src *source) bool {
		if !src.pending || src.claimed {
			return true
		}

		if !src.targets[hart] || !p.hartEnable[hart][id] {
			return true
		}

		if src.priority < threshold || src.priority <= bestPriority {
			return true
		}

		best = id
		bestSrc = src
		bestPriority = src.priority
		found = true

		return true
	})

	if !found {
		return 0, false
	}

	bestSrc.claimed = true

	return best, true
}

// Complete acknowledges servicing of id, clearing its pending and claimed
// state so it can be raised again.
func (p *PlatformController) Complete(id SourceID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	src, ok := p.sources.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSource, id)
	}

	src.pending = false
	src.claimed = false

	return nil
}

// IntxRotation implements the PCI bridge's wired-pin rotation table: a
// device at slot d using interrupt pin p (1-4, INTA..INTD) rotates onto
// one of four buckets, so that devices sharing a bus spread their legacy
// interrupts across the available wired lines instead of colliding.
func IntxRotation(device, pin int) int {
	return (device + pin + 3) % 4
}

// SendMSI delivers a message-signalled interrupt directly to target's
// local interruptor as a standard external-interrupt event, bypassing the
// wired aggregator entirely, per spec.md's MSI delivery rule. data is the
// 32-bit payload the device posted; this substrate does not currently
// distinguish MSI vectors by payload, so it is accepted for fidelity with
// the wire protocol and otherwise unused.
func SendMSI(target *LocalInterruptor, data uint32) {
	_ = data
	target.RaiseExternal()
}
