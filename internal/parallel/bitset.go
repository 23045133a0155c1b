package parallel

import (
	"math/bits"
	"sync/atomic"
)

// Bitset is a fixed-size atomic bitmap. Set and Test are lock-free and may
// be called from any number of goroutines; ForEach and Clear must not run
// concurrently with Set.
type Bitset struct {
	words []atomic.Uint64
	size  int
}

// NewBitset creates a cleared bitset holding n bits.
func NewBitset(n int) *Bitset {
	if n < 0 {
		n = 0
	}
	return &Bitset{
		words: make([]atomic.Uint64, (n+63)/64),
		size:  n,
	}
}

// Set marks bit i and reports whether this call changed it.
// Out-of-range indices are ignored.
func (b *Bitset) Set(i int) bool {
	if i < 0 || i >= b.size {
		return false
	}
	mask := uint64(1) << (i & 63)
	old := b.words[i/64].Or(mask)
	return old&mask == 0
}

// Test reports whether bit i is set.
func (b *Bitset) Test(i int) bool {
	if i < 0 || i >= b.size {
		return false
	}
	return b.words[i/64].Load()&(1<<(i&63)) != 0
}

// Count returns the number of set bits.
func (b *Bitset) Count() int {
	n := 0
	for i := range b.words {
		n += bits.OnesCount64(b.words[i].Load())
	}
	return n
}

// ForEach calls fn for every set bit in ascending order.
func (b *Bitset) ForEach(fn func(i int)) {
	for w := range b.words {
		word := b.words[w].Load()
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			idx := w*64 + bit
			if idx >= b.size {
				break
			}
			fn(idx)
			word &^= 1 << bit
		}
	}
}

// AppendTo appends the indices of all set bits to dst in ascending order.
func (b *Bitset) AppendTo(dst []int32) []int32 {
	b.ForEach(func(i int) { dst = append(dst, int32(i)) })
	return dst
}

// Clear resets every bit.
func (b *Bitset) Clear() {
	for i := range b.words {
		b.words[i].Store(0)
	}
}

// Len returns the number of bits.
func (b *Bitset) Len() int {
	return b.size
}
