package mcap

import (
	"container/heap"
	"errors"
)

// rangeIndex is an item in a rangeIndexHeap: either a chunk not yet decompressed
// (chunkIndex set, ChunkSlotIndex -1) or a message already located within a
// decompressed chunk slot.
type rangeIndex struct {
	timestamp            uint64
	chunkIndex           *ChunkIndex
	ChunkSlotIndex       int
	MessageOffsetInChunk uint64
}

// rangeIndexHeap orders chunks and messages by timestamp (ascending, or descending
// when reverse is set) so that an indexed iterator over time-overlapping chunks can
// yield messages in a single global order without loading every chunk up front.
type rangeIndexHeap struct {
	items   []*rangeIndex
	reverse bool
}

func (h *rangeIndexHeap) Len() int { return len(h.items) }

func (h *rangeIndexHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.timestamp != b.timestamp {
		if h.reverse {
			return a.timestamp > b.timestamp
		}
		return a.timestamp < b.timestamp
	}
	// Tie-break on file position, compared as (chunk_start_offset, offset_within_chunk)
	// lexicographically, regardless of iteration direction: the lower file position
	// always comes first.
	var aChunkStart, bChunkStart uint64
	if a.chunkIndex != nil {
		aChunkStart = a.chunkIndex.ChunkStartOffset
	}
	if b.chunkIndex != nil {
		bChunkStart = b.chunkIndex.ChunkStartOffset
	}
	if aChunkStart != bChunkStart {
		return aChunkStart < bChunkStart
	}
	return a.MessageOffsetInChunk < b.MessageOffsetInChunk
}

func (h *rangeIndexHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *rangeIndexHeap) Push(x interface{}) {
	h.items = append(h.items, x.(*rangeIndex))
}

func (h *rangeIndexHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

func (h *rangeIndexHeap) len() int { return len(h.items) }

// PushChunkIndex pushes a not-yet-loaded chunk onto the heap, ordered by the
// timestamp closest to the iteration direction (its start time for forward order,
// its end time for reverse order).
func (h *rangeIndexHeap) PushChunkIndex(ci *ChunkIndex) error {
	ts := ci.MessageStartTime
	if h.reverse {
		ts = ci.MessageEndTime
	}
	heap.Push(h, &rangeIndex{timestamp: ts, chunkIndex: ci, ChunkSlotIndex: -1})
	return nil
}

// PushMessage pushes a message already located within a decompressed chunk slot
// onto the heap.
func (h *rangeIndexHeap) PushMessage(chunkIndex *ChunkIndex, chunkSlotIndex int, timestamp uint64, offset uint64) error {
	heap.Push(h, &rangeIndex{
		timestamp:            timestamp,
		chunkIndex:           chunkIndex,
		ChunkSlotIndex:       chunkSlotIndex,
		MessageOffsetInChunk: offset,
	})
	return nil
}

// PopNext removes and returns the lowest-ordered item in the heap.
func (h *rangeIndexHeap) PopNext() (*rangeIndex, error) {
	if h.len() == 0 {
		return nil, errors.New("heap is empty")
	}
	item := heap.Pop(h).(*rangeIndex)
	return item, nil
}
