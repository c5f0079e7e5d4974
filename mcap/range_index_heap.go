package mcap

import "container/heap"

// rangeIndex is either a chunk entry, which carries only a ChunkIndex and sorts on the chunk's
// start (or, in reverse order, end) time, or a message entry, which carries a MessageIndexEntry
// together with the ChunkIndex it belongs to and sorts on the message's log time. A
// ChunkSlotIndex of -1 means the chunk has not yet been decompressed into a slot; once it has,
// entries popped for that chunk carry its slot index and the message's offset within it.
type rangeIndex struct {
	chunkIndex           *ChunkIndex
	messageIndexEntry    *MessageIndexEntry
	ChunkSlotIndex       int
	MessageOffsetInChunk uint64
}

// heap of rangeIndex entries, where the entries are sorted by their log time.
type rangeIndexHeap struct {
	indices []rangeIndex
	reverse bool
}

// key returns the comparison key used for elements in this heap.
func (h rangeIndexHeap) key(i int) uint64 {
	ri := h.indices[i]
	if ri.messageIndexEntry != nil {
		return ri.messageIndexEntry.Timestamp
	}
	if h.reverse {
		return ri.chunkIndex.MessageEndTime
	}
	return ri.chunkIndex.MessageStartTime
}

// Required for sort.Interface.
func (h rangeIndexHeap) Len() int      { return len(h.indices) }
func (h rangeIndexHeap) Swap(i, j int) { h.indices[i], h.indices[j] = h.indices[j], h.indices[i] }

// Push is required by `heap.Interface`. Note that this is not the same as `heap.Push`!
// expected behavior by `heap` is: "add x as element len()".
func (h *rangeIndexHeap) Push(x interface{}) {
	h.indices = append(h.indices, x.(rangeIndex))
}

// Pop is required by `heap.Interface`. Note that this is not the same as `heap.Pop`!
// expected behavior by `heap` is: "remove and return element Len() - 1".
func (h *rangeIndexHeap) Pop() interface{} {
	old := h.indices
	n := len(old)
	x := old[n-1]
	h.indices = old[0 : n-1]
	return x
}

// Less is required by `heap.Interface`. Entries with equal keys are ordered by the file offset of
// their chunk and then by their offset within the chunk, both reversed in reverse order.
func (h rangeIndexHeap) Less(i, j int) bool {
	ki, kj := h.key(i), h.key(j)
	if ki == kj {
		a, b := h.indices[i], h.indices[j]
		var oa, ob uint64
		if a.chunkIndex != nil && b.chunkIndex != nil {
			oa, ob = a.chunkIndex.ChunkStartOffset, b.chunkIndex.ChunkStartOffset
		}
		if oa == ob {
			oa, ob = a.MessageOffsetInChunk, b.MessageOffsetInChunk
		}
		ki, kj = oa, ob
	}
	if h.reverse {
		return ki > kj
	}
	return ki < kj
}

// PushChunkIndex pushes a not-yet-decompressed chunk onto the heap, keyed by the chunk's start
// (or end, in reverse order) time.
func (h *rangeIndexHeap) PushChunkIndex(idx *ChunkIndex) error {
	heap.Push(h, rangeIndex{chunkIndex: idx, ChunkSlotIndex: -1})
	return nil
}

// PushMessage pushes a message located within an already-decompressed chunk slot onto the heap.
func (h *rangeIndexHeap) PushMessage(chunkIndex *ChunkIndex, chunkSlotIndex int, timestamp uint64, offset uint64) error {
	heap.Push(h, rangeIndex{
		chunkIndex:           chunkIndex,
		messageIndexEntry:    &MessageIndexEntry{Timestamp: timestamp, Offset: offset},
		ChunkSlotIndex:       chunkSlotIndex,
		MessageOffsetInChunk: offset,
	})
	return nil
}

// PopRange removes and returns the earliest (or, in reverse order, latest) entry in the heap.
func (h *rangeIndexHeap) PopRange() (rangeIndex, error) {
	if h.Len() == 0 {
		return rangeIndex{}, errEmptyRangeIndexHeap
	}
	return heap.Pop(h).(rangeIndex), nil
}
