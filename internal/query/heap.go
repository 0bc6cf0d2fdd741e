package query

import (
	"slices"

	"github.com/hupe1980/vecbit/metadata"
)

// item is a scored candidate. rec is kept so metadata can be decoded for
// the final hits only; doc is set when the filter already decoded it.
type item struct {
	id     uint64
	dist   uint32
	rec    Record
	doc    metadata.Document
	hasDoc bool
}

// worse reports whether a ranks after b under (distance asc, id asc).
func worse(a, b *item) bool {
	if a.dist != b.dist {
		return a.dist > b.dist
	}
	return a.id > b.id
}

// topK is a bounded max-heap keeping the k best items seen. The worst kept
// item sits at the root so a better candidate replaces it in O(log k).
// It does not implement container/heap to avoid interface overhead.
type topK struct {
	k     int
	items []item
}

func newTopK(k int) *topK {
	return &topK{k: k, items: make([]item, 0, min(k, 1024))}
}

func (h *topK) Len() int { return len(h.items) }

// accepts reports whether a candidate with this score would be kept. It lets
// callers skip metadata decoding for hopeless candidates.
func (h *topK) accepts(id uint64, dist uint32) bool {
	if len(h.items) < h.k {
		return true
	}
	top := &h.items[0]
	return worse(top, &item{id: id, dist: dist})
}

// push inserts it if the heap has room or it beats the current worst.
func (h *topK) push(it item) {
	if len(h.items) < h.k {
		h.items = append(h.items, it)
		h.siftUp(len(h.items) - 1)
		return
	}
	if worse(&h.items[0], &it) {
		h.items[0] = it
		h.siftDown(0)
	}
}

// sorted returns the kept items best first. The heap is consumed.
func (h *topK) sorted() []item {
	out := h.items
	h.items = nil
	slices.SortFunc(out, func(a, b item) int {
		switch {
		case worse(&b, &a):
			return -1
		case worse(&a, &b):
			return 1
		default:
			return 0
		}
	})
	return out
}

func (h *topK) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !worse(&h.items[i], &h.items[parent]) {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *topK) siftDown(i int) {
	n := len(h.items)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		child := left
		if right := left + 1; right < n && worse(&h.items[right], &h.items[left]) {
			child = right
		}
		if !worse(&h.items[child], &h.items[i]) {
			break
		}
		h.items[i], h.items[child] = h.items[child], h.items[i]
		i = child
	}
}
