package recordsort

import (
	"container/heap"
	"context"

	"bigdiff/internal/record"
)

// heapItem is one run's current head record, pending emission.
type heapItem struct {
	rec    record.Hash
	runIdx int
}

// runHeap orders pending records by hash, breaking ties by run index. Runs
// are opened and merged in the order their spill files were written, which
// is the order their source batches were consumed from the input stream;
// breaking ties by runIdx therefore preserves the original stream's order
// for equal-hash records, matching the same guarantee sortInMemory gives
// via a stable sort.
type runHeap []heapItem

func (h runHeap) Len() int { return len(h) }
func (h runHeap) Less(i, j int) bool {
	if h[i].rec.H != h[j].rec.H {
		return h[i].rec.H < h[j].rec.H
	}
	return h[i].runIdx < h[j].runIdx
}
func (h runHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *runHeap) Push(x any)   { *h = append(*h, x.(heapItem)) }
func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeRuns performs a k-way merge of the given spill run files, in hash
// order with stable ties, sending results on out. The run files are closed
// (but not removed; the caller's tempdir.Dir owns their lifecycle) before
// mergeRuns returns.
func mergeRuns(ctx context.Context, paths []string, out chan<- record.Hash) error {
	readers := make([]*runReader, len(paths))
	defer func() {
		for _, r := range readers {
			if r != nil {
				r.close()
			}
		}
	}()

	h := make(runHeap, 0, len(paths))
	for i, p := range paths {
		r, err := openRun(p)
		if err != nil {
			return err
		}
		readers[i] = r
		rec, ok, err := r.next()
		if err != nil {
			return err
		}
		if ok {
			h = append(h, heapItem{rec: rec, runIdx: i})
		}
	}
	heap.Init(&h)

	for h.Len() > 0 {
		item := heap.Pop(&h).(heapItem)
		select {
		case out <- item.rec:
		case <-ctx.Done():
			return ctx.Err()
		}

		nextRec, ok, err := readers[item.runIdx].next()
		if err != nil {
			return err
		}
		if ok {
			heap.Push(&h, heapItem{rec: nextRec, runIdx: item.runIdx})
		}
	}
	return nil
}
