package support

import (
	"runtime"
	"sync"
)

// HybridLock spins briefly, retrying a non-blocking acquisition, before
// falling back to a blocking acquisition. MMIO regions are expected to
// serialize guest accesses with a lock of their own (spec: "devices
// implement their own internal mutual exclusion"); most accesses are short
// reads or register writes, so a short spin avoids a futex round-trip in the
// common briefly-contended case, while the blocking fallback guarantees a
// hart waiting on a slow device callback eventually gets scheduled instead
// of burning CPU.
type HybridLock struct {
	mutex sync.Mutex
}

// spinLimit bounds how many times Lock retries TryLock before parking.
const spinLimit = 512

// Lock acquires the lock, spinning briefly before blocking.
func (l *HybridLock) Lock() {
	for i := 0; i < spinLimit; i++ {
		if l.mutex.TryLock() {
			return
		}

		runtime.Gosched()
	}

	l.mutex.Lock()
}

// TryLock attempts to acquire the lock without blocking or spinning.
func (l *HybridLock) TryLock() bool {
	return l.mutex.TryLock()
}

// Unlock releases the lock.
func (l *HybridLock) Unlock() {
	l.mutex.Unlock()
}
