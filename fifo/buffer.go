// Package fifo provides the fixed-size byte queues exchanged between the
// reactor and the workers. A Buffer starts out undefined and only holds a slab
// while it is needed.
package fifo

import "sync"

// Size is the capacity of every slab: one maximum TLS record plus overhead, twice.
const Size = 2 * (16*1024 + 2048)

var slabs = sync.Pool{
	New: func() interface{} {
		b := make([]byte, Size)
		return &b
	},
}

type Buffer struct {
	slab  *[]byte
	start int
	end   int
}

func (b *Buffer) IsDefined() bool {
	return b.slab != nil
}

func (b *Buffer) AllocateIfNull() {
	if b.slab == nil {
		b.slab = slabs.Get().(*[]byte)
		b.start, b.end = 0, 0
	}
}

func (b *Buffer) Free() {
	if b.slab != nil {
		slabs.Put(b.slab)
		b.slab = nil
	}
	b.start, b.end = 0, 0
}

// FreeIfEmpty releases the slab of a defined but empty buffer.
func (b *Buffer) FreeIfEmpty() {
	if b.slab != nil && b.start == b.end {
		b.Free()
	}
}

func (b *Buffer) Len() int {
	return b.end - b.start
}

// IsEmpty is also true for an undefined buffer.
func (b *Buffer) IsEmpty() bool {
	return b.start == b.end
}

func (b *Buffer) IsDefinedAndFull() bool {
	return b.slab != nil && b.start == 0 && b.end == len(*b.slab)
}

// Available is the free space, 0 for an undefined buffer.
func (b *Buffer) Available() int {
	if b.slab == nil {
		return 0
	}
	return len(*b.slab) - b.Len()
}

// Read returns the queued bytes; valid until the next modification.
func (b *Buffer) Read() []byte {
	if b.slab == nil {
		return nil
	}
	return (*b.slab)[b.start:b.end]
}

func (b *Buffer) Consume(n int) {
	if n < 0 || n > b.Len() {
		panic("fifo: consume out of range")
	}
	b.start += n
	if b.start == b.end {
		b.start, b.end = 0, 0
	}
}

// Write returns the writable tail, compacting first. Follow with Append.
func (b *Buffer) Write() []byte {
	if b.slab == nil {
		return nil
	}
	if b.start > 0 && b.end == len(*b.slab) {
		n := copy(*b.slab, (*b.slab)[b.start:b.end])
		b.start, b.end = 0, n
	}
	return (*b.slab)[b.end:]
}

func (b *Buffer) Append(n int) {
	if n < 0 || b.slab == nil || b.end+n > len(*b.slab) {
		panic("fifo: append out of range")
	}
	b.end += n
}

// Push copies as much of p as fits and returns the count.
func (b *Buffer) Push(p []byte) int {
	total := 0
	for len(p) > 0 {
		w := b.Write()
		if len(w) == 0 {
			break
		}
		n := copy(w, p)
		b.Append(n)
		p = p[n:]
		total += n
	}
	return total
}

// Swap exchanges the slabs and contents of two buffers.
func (b *Buffer) Swap(other *Buffer) {
	*b, *other = *other, *b
}

// MoveFrom transfers src's content into b. When b holds nothing the slab itself
// changes hands; otherwise as much as fits is copied. Either side may be
// undefined.
func (b *Buffer) MoveFrom(src *Buffer) int {
	if src.IsEmpty() {
		return 0
	}
	if b.IsEmpty() {
		n := src.Len()
		b.Swap(src)
		return n
	}
	n := b.Push(src.Read())
	src.Consume(n)
	return n
}
