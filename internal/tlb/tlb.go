// Package tlb implements the per-hart translation cache that sits in front
// of the physical memory map. It is deliberately small and direct-mapped:
// a hart's fetch/load/store fast path wants a handful of instructions to
// turn a virtual address into a host pointer, and a direct-mapped cache
// with per-access-type tags gets there without the associativity bookkeeping
// a set-associative design would need.
package tlb

import "unsafe"

// AccessType distinguishes the three ways a hart touches memory. Keeping
// separate tags per access type means a fetch miss doesn't evict a recently
// installed load or store translation for the same page, and vice versa.
type AccessType int

const (
	AccessRead AccessType = iota
	AccessWrite
	AccessExecute

	numAccessTypes = int(AccessExecute) + 1
)

// pageShift and pageSize describe the guest's page granularity. 4 KiB pages
// match the sv39/sv48 page tables the hart's CSR-driven translation walks
// use.
const (
	pageShift = 12
	pageSize  = 1 << pageShift
)

// entries is the number of direct-mapped slots. A power of two keeps index
// derivation a mask instead of a modulo.
const entries = 256

const indexMask = entries - 1

// tag records, for one access type, which virtual page number this slot is
// currently valid for.
type tag struct {
	vpn   uint64
	valid bool
}

// slot is one direct-mapped cache line. host is the host address of the
// base of the page the slot's valid tags map; Lookup adds va's offset
// within the page to it to reach the backing byte (see Insert).
type slot struct {
	tags  [numAccessTypes]tag
	host  unsafe.Pointer
	page  uint64 // physical page number currently backing host, for dirty tracking
	dirty bool   // true once a compiled block is known to live on this page
}

// TLB is a single hart's translation cache. It is not safe for concurrent
// use; each hart owns exactly one.
type TLB struct {
	slots [entries]slot
}

// New creates an empty translation cache.
func New() *TLB {
	return &TLB{}
}

// index mixes a virtual page number down to a slot index by dropping its
// lowest bit before masking, so each pair of adjacent pages (2k and 2k+1)
// shares one slot.
func index(vpn uint64) uint64 {
	return (vpn >> 1) & indexMask
}

func vpnOf(va uint64) uint64 { return va >> pageShift }

// Lookup returns the host pointer for va under the given access type, and
// whether the lookup hit. On a hit, the caller may dereference the result
// (with the page offset of va added) directly, without calling into the
// physical memory map.
func (t *TLB) Lookup(va uint64, access AccessType) (unsafe.Pointer, bool) {
	vpn := vpnOf(va)
	s := &t.slots[index(vpn)]
	tg := &s.tags[access]

	if !tg.valid || tg.vpn != vpn {
		return nil, false
	}

	offset := va & (pageSize - 1)

	return unsafe.Add(s.host, offset), true
}

// Insert installs a translation: va's page maps to the page whose host
// base address is hostPageBase, valid for access. physPage identifies the
// backing physical page, used only for the code-modification coherence
// check in NoteWrite. The slot holds one host pointer, so tags it carried
// for a different page are cleared.
func (t *TLB) Insert(va uint64, access AccessType, hostPageBase unsafe.Pointer, physPage uint64) {
	vpn := vpnOf(va)
	s := &t.slots[index(vpn)]

	for i := range s.tags {
		if s.tags[i].vpn != vpn {
			s.tags[i] = tag{}
		}
	}

	if s.page != physPage {
		s.dirty = false
	}

	s.tags[access] = tag{vpn: vpn, valid: true}
	s.host = hostPageBase
	s.page = physPage
}

// InvalidateVA clears every access-type tag for va's page in its slot. If
// another page maps to the same slot, it is unaffected; if the slot's host
// pointer happens to belong to a different page than va's, nothing is
// cleared (the tag simply won't have matched va.vpn in the first place).
func (t *TLB) InvalidateVA(va uint64) {
	vpn := vpnOf(va)
	s := &t.slots[index(vpn)]

	for i := range s.tags {
		if s.tags[i].valid && s.tags[i].vpn == vpn {
			s.tags[i] = tag{}
		}
	}
}

// FlushAll invalidates every entry, e.g. on an SATP write or a global TLB
// shootdown.
func (t *TLB) FlushAll() {
	for i := range t.slots {
		t.slots[i] = slot{}
	}
}

// MarkExecutable notes that physPage currently hosts a compiled block, so a
// later write that lands on it must be caught by NoteWrite.
func (t *TLB) MarkExecutable(physPage uint64) {
	for i := range t.slots {
		if t.slots[i].page == physPage {
			t.slots[i].dirty = true
		}
	}
}

// NoteWrite is called after a store completes. It reports whether the
// write landed on a page marked executable by MarkExecutable, in which
// case the caller (the hart's compiled-block cache) must discard the block
// covering physPage and the hart must flush this TLB, per the spec's
// code-modification coherence policy.
func (t *TLB) NoteWrite(physPage uint64) (compiledBlockDirty bool) {
	for i := range t.slots {
		if t.slots[i].page == physPage && t.slots[i].dirty {
			t.slots[i].dirty = false
			return true
		}
	}

	return false
}
