// Package bitset provides a fixed-size chunk bitmap used to track which
// chunks of a file a peer holds.
package bitset

// Set is a fixed-size bitmap over chunk indexes [0, n).
type Set struct {
	bits  []uint64
	n     int
	count int
}

// New returns an empty Set over n indexes.
func New(n int) *Set {
	return &Set{bits: make([]uint64, (n+63)/64), n: n}
}

// FromIndexes builds a Set over n indexes with the given bits set.
// Out-of-range indexes are ignored.
func FromIndexes(n int, indexes []int) *Set {
	s := New(n)
	for _, i := range indexes {
		s.Set(i)
	}
	return s
}

// Len returns the total number of indexes the set covers.
func (s *Set) Len() int { return s.n }

// Count returns the number of set bits.
func (s *Set) Count() int { return s.count }

// Has reports whether index i is set.
func (s *Set) Has(i int) bool {
	if i < 0 || i >= s.n {
		return false
	}
	return s.bits[i/64]&(1<<(uint(i)%64)) != 0
}

// Set marks index i. Setting an already-set or out-of-range index is a no-op.
func (s *Set) Set(i int) {
	if i < 0 || i >= s.n || s.Has(i) {
		return
	}
	s.bits[i/64] |= 1 << (uint(i) % 64)
	s.count++
}

// Full reports whether every index is set.
func (s *Set) Full() bool { return s.count == s.n }

// Indexes returns all set indexes in ascending order.
func (s *Set) Indexes() []int {
	out := make([]int, 0, s.count)
	for i := 0; i < s.n; i++ {
		if s.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Missing returns all unset indexes in ascending order.
func (s *Set) Missing() []int {
	out := make([]int, 0, s.n-s.count)
	for i := 0; i < s.n; i++ {
		if !s.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Clone returns an independent copy of the set.
func (s *Set) Clone() *Set {
	c := New(s.n)
	copy(c.bits, s.bits)
	c.count = s.count
	return c
}
