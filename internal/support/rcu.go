package support

import (
	"sync"
	"sync/atomic"
)

// RCU implements the read-copy-update reader-side discipline spec.md §5/§9
// describes for the physical memory map: readers (harts resolving a guest
// address) take no lock at all, writers rebuild the table and publish it
// with an atomic pointer swap, and a writer that needs to free the old
// version waits out a grace period first.
//
// Readers call Read, which hands back the current published value; the
// value is pinned (safe to keep using) for the duration of the callback,
// even if a writer swaps in a new version concurrently, because the
// callback holds a plain Go reference to the old value and Go's GC — not a
// reclamation epoch — is what actually frees it once every reader has
// returned.
//
// A stricter, simpler policy is also supported and is the one
// internal/machine's attach and remove paths use for physical-map mutation
// (see internal/physmem): pause every hart before calling Publish, so there
// is no concurrent reader and GracePeriod is a formality. RCU still tracks
// quiescent counters for readers that report them through Quiescent.
type RCU[T any] struct {
	current atomic.Pointer[T]

	mu         sync.Mutex
	generation uint64
	observed   map[int]uint64 // reader id -> last generation it was quiescent at
}

// NewRCU creates an RCU cell holding the given initial value.
func NewRCU[T any](initial *T) *RCU[T] {
	r := &RCU[T]{observed: make(map[int]uint64)}
	r.current.Store(initial)

	return r
}

// Read invokes fn with the currently published value. fn must not retain
// the pointer beyond its own execution without understanding the lifetime
// rules above.
func (r *RCU[T]) Read(fn func(*T)) {
	fn(r.current.Load())
}

// Load returns the currently published value directly, for callers (like a
// hart's address-translation fast path) that want to avoid a closure.
func (r *RCU[T]) Load() *T {
	return r.current.Load()
}

// Publish atomically installs a new value and advances the generation. The
// previous value is not freed by Publish; Go's GC reclaims it once no reader
// holds a reference. Publish does not wait for readers; GracePeriod does.
func (r *RCU[T]) Publish(next *T) {
	r.mu.Lock()
	r.generation++
	r.mu.Unlock()

	r.current.Store(next)
}

// Quiescent records that reader id has reached a quiescent point (between
// instructions, or paused) and so holds no reference to any value older than
// the current generation. The harts in this module do not call it; only the
// package tests do.
func (r *RCU[T]) Quiescent(readerID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.observed[readerID] = r.generation
}

// GracePeriod blocks until every reader in readerIDs has reported a
// quiescent point at or after the most recent Publish. Callers that pause
// every reader before Publish (this module's actual policy) can call this
// immediately afterward and it returns without blocking, since a paused
// reader's last quiescent point is definitionally current.
func (r *RCU[T]) GracePeriod(readerIDs []int) {
	target := func() uint64 {
		r.mu.Lock()
		defer r.mu.Unlock()

		return r.generation
	}()

	for _, id := range readerIDs {
		for {
			r.mu.Lock()
			seen := r.observed[id] >= target
			r.mu.Unlock()

			if seen {
				break
			}
		}
	}
}
