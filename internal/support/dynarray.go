package support

// DynArray is an amortized-growth dynamic array, used where we need to build
// up a new version of a table (the physical-map's region list, most notably)
// before publishing it atomically. It exists mainly so that growth policy
// lives in one place instead of being re-derived with append() at every call
// site.
type DynArray[T any] struct {
	items []T
}

// NewDynArray creates a dynamic array with the given initial capacity hint.
func NewDynArray[T any](capacityHint int) *DynArray[T] {
	if capacityHint < 0 {
		capacityHint = 0
	}

	return &DynArray[T]{items: make([]T, 0, capacityHint)}
}

// Append adds a value to the end of the array, growing the backing storage
// if necessary.
func (d *DynArray[T]) Append(v T) {
	d.items = append(d.items, v)
}

// Len returns the number of elements.
func (d *DynArray[T]) Len() int { return len(d.items) }

// At returns the element at index i.
func (d *DynArray[T]) At(i int) T { return d.items[i] }

// Set overwrites the element at index i.
func (d *DynArray[T]) Set(i int, v T) { d.items[i] = v }

// RemoveAt removes the element at index i, preserving order of the rest.
func (d *DynArray[T]) RemoveAt(i int) {
	d.items = append(d.items[:i], d.items[i+1:]...)
}

// Slice returns the underlying slice. Callers must treat it as read-only;
// mutating it bypasses the array's bookkeeping.
func (d *DynArray[T]) Slice() []T { return d.items }

// Clone returns a new DynArray with a copy of this array's contents, for
// copy-on-write style updates (build the clone, mutate it, publish it).
func (d *DynArray[T]) Clone() *DynArray[T] {
	items := make([]T, len(d.items))
	copy(items, d.items)

	return &DynArray[T]{items: items}
}
