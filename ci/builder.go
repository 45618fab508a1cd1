package ci

import "fmt"

// Builder appends encoded options into a buffer of fixed capacity
type Builder struct {
	buf      []byte
	capacity int
}

// NewBuilder returns a Builder could hold at most capacity bytes
func NewBuilder(capacity int) *Builder {
	if capacity < 0 {
		capacity = 0
	}
	return &Builder{
		buf:      make([]byte, 0, capacity),
		capacity: capacity,
	}
}

// Room returns number of free bytes
func (b *Builder) Room() int {
	return b.capacity - len(b.buf)
}

// Fits returns true if o could be added
func (b *Builder) Fits(o Option) bool {
	return o.Len() <= b.Room() && o.Len() <= MaxLen
}

// Add appends o; it panics if o doesn't fit, caller is expected to check Fits first
func (b *Builder) Add(o Option) {
	if !b.Fits(o) {
		panic(fmt.Sprintf("ci: option %d length %d doesn't fit, room %d", o.Type, o.Len(), b.Room()))
	}
	b.buf = append(b.buf, o.Type, uint8(o.Len()))
	b.buf = append(b.buf, o.Value...)
}

// Bytes returns the written bytes
func (b *Builder) Bytes() []byte {
	return b.buf
}
