package emergency

import (
	"bytes"
	"container/heap"
)

// bucketItem tracks an entry's position so it can be removed by id.
type bucketItem struct {
	entry WaitingEntry
	index int
}

// bucket is a min-heap of one class's entries ordered by enqueue time, then
// id. Every entry in a bucket shares one budget, so the head is also the
// first to become overdue; scheduling only ever needs the heads.
type bucket []*bucketItem

var _ heap.Interface = (*bucket)(nil)

func (b bucket) Len() int { return len(b) }

func (b bucket) Less(i, j int) bool {
	ei, ej := b[i].entry, b[j].entry
	if !ei.EnqueuedAt.Equal(ej.EnqueuedAt) {
		return ei.EnqueuedAt.Before(ej.EnqueuedAt)
	}
	return bytes.Compare(ei.ID[:], ej.ID[:]) < 0
}

func (b bucket) Swap(i, j int) {
	b[i], b[j] = b[j], b[i]
	b[i].index = i
	b[j].index = j
}

func (b *bucket) Push(x any) {
	it := x.(*bucketItem)
	it.index = len(*b)
	*b = append(*b, it)
}

func (b *bucket) Pop() any {
	old := *b
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*b = old[:n-1]
	return it
}

func (b bucket) head() (*bucketItem, bool) {
	if len(b) == 0 {
		return nil, false
	}
	return b[0], true
}
