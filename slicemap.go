package mcap

import "math"

// slicemap is an array-backed map keyed by uint16, used to store and quickly look up
// pointers to Schema and Channel structs by id. It trades memory density for O(1)
// lookup and avoids the hashing overhead of a map[uint16]*T on the writer and reader's
// hot paths.
type slicemap[T any] struct {
	items []*T
}

// Get returns the item at idx, or nil if idx is out of range or unset.
func (s *slicemap[T]) Get(idx uint16) *T {
	if int(idx) >= len(s.items) {
		return nil
	}
	return s.items[idx]
}

// Set stores item at idx, growing the backing slice if necessary.
func (s *slicemap[T]) Set(idx uint16, item *T) {
	if int(idx) >= len(s.items) {
		toAdd := int(idx) + 1 - len(s.items)
		s.items = append(s.items, make([]*T, toAdd)...)
	}
	s.items[idx] = item
}

// Slice exposes the backing storage directly for iteration.
func (s *slicemap[T]) Slice() []*T {
	return s.items
}

// ToMap copies the populated entries into an ordinary map.
func (s *slicemap[T]) ToMap() map[uint16]*T {
	out := make(map[uint16]*T)
	for idx, item := range s.items {
		if idx > math.MaxUint16 {
			break
		}
		if item == nil {
			continue
		}
		out[uint16(idx)] = item
	}
	return out
}
