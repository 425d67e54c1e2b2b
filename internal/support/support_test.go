package support_test

import (
	"testing"

	"github.com/smoynes/rve/internal/support"
)

func TestRingPushPop(t *testing.T) {
	r := support.NewRing[int](3)

	if err := r.Push(1); err != nil {
		t.Fatalf("Push(1): %v", err)
	}
	if err := r.Push(2); err != nil {
		t.Fatalf("Push(2): %v", err)
	}
	if err := r.Push(3); err != nil {
		t.Fatalf("Push(3): %v", err)
	}

	if err := r.Push(4); err != support.ErrFull {
		t.Fatalf("Push(4): got %v, want ErrFull", err)
	}

	for _, want := range []int{1, 2, 3} {
		got, err := r.Pop()
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if got != want {
			t.Fatalf("Pop: got %d, want %d", got, want)
		}
	}

	if _, err := r.Pop(); err != support.ErrEmpty {
		t.Fatalf("Pop on empty: got %v, want ErrEmpty", err)
	}
}

func TestRingWrapsAround(t *testing.T) {
	r := support.NewRing[int](2)

	r.Push(1)
	r.Push(2)
	r.Pop()
	r.Push(3)

	if r.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", r.Len())
	}

	v, _ := r.Pop()
	if v != 2 {
		t.Fatalf("Pop: got %d, want 2", v)
	}

	v, _ = r.Pop()
	if v != 3 {
		t.Fatalf("Pop: got %d, want 3", v)
	}
}

func TestDynArrayAppendAndClone(t *testing.T) {
	d := support.NewDynArray[string](0)
	d.Append("a")
	d.Append("b")
	d.Append("c")

	if d.Len() != 3 {
		t.Fatalf("Len: got %d, want 3", d.Len())
	}

	clone := d.Clone()
	clone.Set(0, "z")

	if d.At(0) != "a" {
		t.Fatalf("original mutated by clone: got %q", d.At(0))
	}
	if clone.At(0) != "z" {
		t.Fatalf("clone: got %q, want z", clone.At(0))
	}

	d.RemoveAt(1)
	if d.Len() != 2 || d.At(0) != "a" || d.At(1) != "c" {
		t.Fatalf("RemoveAt: unexpected contents %v", d.Slice())
	}
}

func TestHashMapPutGetDelete(t *testing.T) {
	m := support.NewHashMap[uint64, string](func(k uint64) uint64 { return k })

	for i := uint64(0); i < 64; i++ {
		m.Put(i, "v")
	}

	if m.Len() != 64 {
		t.Fatalf("Len: got %d, want 64", m.Len())
	}

	m.Put(10, "updated")
	v, ok := m.Get(10)
	if !ok || v != "updated" {
		t.Fatalf("Get(10): got (%q, %v), want (updated, true)", v, ok)
	}

	m.Delete(10)
	if _, ok := m.Get(10); ok {
		t.Fatal("Get(10) after Delete: found entry")
	}

	if m.Len() != 63 {
		t.Fatalf("Len after Delete: got %d, want 63", m.Len())
	}
}

func TestHashMapCollisionsResolveAfterDelete(t *testing.T) {
	// All keys hash to the same bucket, exercising tombstone probing.
	m := support.NewHashMap[int, int](func(int) uint64 { return 0 })

	m.Put(1, 100)
	m.Put(2, 200)
	m.Delete(1)
	m.Put(3, 300)

	if v, ok := m.Get(2); !ok || v != 200 {
		t.Fatalf("Get(2): got (%d, %v)", v, ok)
	}
	if v, ok := m.Get(3); !ok || v != 300 {
		t.Fatalf("Get(3): got (%d, %v)", v, ok)
	}
}

func TestHybridLockMutualExclusion(t *testing.T) {
	var lock support.HybridLock
	var counter int

	const goroutines = 16
	const increments = 1000

	done := make(chan struct{})

	for i := 0; i < goroutines; i++ {
		go func() {
			for j := 0; j < increments; j++ {
				lock.Lock()
				counter++
				lock.Unlock()
			}
			done <- struct{}{}
		}()
	}

	for i := 0; i < goroutines; i++ {
		<-done
	}

	if counter != goroutines*increments {
		t.Fatalf("counter: got %d, want %d", counter, goroutines*increments)
	}
}

func TestHybridLockTryLock(t *testing.T) {
	var lock support.HybridLock

	if !lock.TryLock() {
		t.Fatal("TryLock: expected success on unlocked lock")
	}

	if lock.TryLock() {
		t.Fatal("TryLock: expected failure while already held")
	}

	lock.Unlock()

	if !lock.TryLock() {
		t.Fatal("TryLock: expected success after Unlock")
	}
	lock.Unlock()
}

func TestRCUPublishAndRead(t *testing.T) {
	type table struct{ version int }

	r := support.NewRCU(&table{version: 1})

	r.Read(func(tbl *table) {
		if tbl.version != 1 {
			t.Fatalf("Read: got version %d, want 1", tbl.version)
		}
	})

	r.Publish(&table{version: 2})

	if got := r.Load().version; got != 2 {
		t.Fatalf("Load: got version %d, want 2", got)
	}
}

func TestRCUGracePeriodAfterQuiescent(t *testing.T) {
	r := support.NewRCU(new(int))
	readers := []int{0, 1, 2}

	for _, id := range readers {
		r.Quiescent(id)
	}

	r.Publish(new(int))

	for _, id := range readers {
		r.Quiescent(id)
	}

	// Must return promptly since every reader has reported quiescence past
	// the new generation.
	r.GracePeriod(readers)
}
