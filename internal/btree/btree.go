package btree

import (
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
)

var (
	// ErrUnsortedBatch is returned by BulkInsert for batches that are not
	// strictly ascending.
	ErrUnsortedBatch = errors.New("btree: batch is not strictly ascending")
	// ErrInvalidFanout is returned for fanout bounds that cannot keep the
	// tree balanced.
	ErrInvalidFanout = errors.New("btree: invalid fanout")
)

// Config holds the node occupancy bounds.
type Config struct {
	MinFanout int
	MaxFanout int
}

// DefaultConfig returns the default fanout bounds.
func DefaultConfig() Config {
	return Config{MinFanout: 32, MaxFanout: 64}
}

// Validate checks MinFanout >= 2 and MaxFanout >= 2*MinFanout.
func (c Config) Validate() error {
	if c.MinFanout < 2 || c.MaxFanout < 2*c.MinFanout {
		return fmt.Errorf("%w: min=%d max=%d (need min >= 2, max >= 2*min)", ErrInvalidFanout, c.MinFanout, c.MaxFanout)
	}
	return nil
}

// Pair is a key/value entry.
type Pair[K, V any] struct {
	Key   K
	Value V
}

type node[K, V any] struct {
	gen  uint64
	keys []K
	vals []V           // leaves only
	kids []*node[K, V] // internal nodes only
}

func (n *node[K, V]) leaf() bool { return n.kids == nil }

func (n *node[K, V]) entries() int {
	if n.leaf() {
		return len(n.keys)
	}
	return len(n.kids)
}

var generation atomic.Uint64

func nextGen() uint64 { return generation.Add(1) }

// Tree is a B+Tree mapping K to V ordered by cmp. A Tree is not safe for
// concurrent mutation; clones are independent.
type Tree[K, V any] struct {
	root   *node[K, V]
	cmp    func(a, b K) int
	cfg    Config
	n      int
	height int
	gen    uint64
}

// New returns an empty tree.
func New[K, V any](cmp func(a, b K) int, cfg Config) (*Tree[K, V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tree[K, V]{cmp: cmp, cfg: cfg, gen: nextGen()}, nil
}

// Clone returns a snapshot sharing all nodes with t.
func (t *Tree[K, V]) Clone() *Tree[K, V] {
	c := *t
	t.gen = nextGen()
	c.gen = nextGen()
	return &c
}

// Len returns the number of keys.
func (t *Tree[K, V]) Len() int { return t.n }

// Height returns the number of levels (0 for an empty tree).
func (t *Tree[K, V]) Height() int { return t.height }

// Config returns the fanout bounds.
func (t *Tree[K, V]) Config() Config { return t.cfg }

// mutable returns n itself when this tree owns it, otherwise a private copy.
func (t *Tree[K, V]) mutable(n *node[K, V]) *node[K, V] {
	if n.gen == t.gen {
		return n
	}
	c := &node[K, V]{gen: t.gen}
	c.keys = make([]K, len(n.keys), t.cfg.MaxFanout+1)
	copy(c.keys, n.keys)
	if n.leaf() {
		c.vals = make([]V, len(n.vals), t.cfg.MaxFanout+1)
		copy(c.vals, n.vals)
	} else {
		c.kids = make([]*node[K, V], len(n.kids), t.cfg.MaxFanout+1)
		copy(c.kids, n.kids)
	}
	return c
}

// search returns the index of the first key >= k and whether it equals k.
func (t *Tree[K, V]) search(keys []K, k K) (int, bool) {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if t.cmp(keys[mid], k) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(keys) && t.cmp(keys[lo], k) == 0
}

// childIndex returns the child of an internal node that covers k.
func (t *Tree[K, V]) childIndex(keys []K, k K) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if t.cmp(keys[mid], k) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Lookup returns the value stored under k.
func (t *Tree[K, V]) Lookup(k K) (V, bool) {
	n := t.root
	if n == nil {
		var zero V
		return zero, false
	}
	for !n.leaf() {
		n = n.kids[t.childIndex(n.keys, k)]
	}
	if i, ok := t.search(n.keys, k); ok {
		return n.vals[i], true
	}
	var zero V
	return zero, false
}

// Min returns the smallest entry.
func (t *Tree[K, V]) Min() (K, V, bool) {
	n := t.root
	if n == nil || t.n == 0 {
		var k K
		var v V
		return k, v, false
	}
	for !n.leaf() {
		n = n.kids[0]
	}
	return n.keys[0], n.vals[0], true
}

// Max returns the largest entry.
func (t *Tree[K, V]) Max() (K, V, bool) {
	n := t.root
	if n == nil || t.n == 0 {
		var k K
		var v V
		return k, v, false
	}
	for !n.leaf() {
		n = n.kids[len(n.kids)-1]
	}
	last := len(n.keys) - 1
	return n.keys[last], n.vals[last], true
}

// Insert stores v under k, replacing an existing value. It reports whether
// a value was replaced.
func (t *Tree[K, V]) Insert(k K, v V) bool {
	if t.root == nil {
		t.root = &node[K, V]{gen: t.gen, keys: []K{k}, vals: []V{v}}
		t.n, t.height = 1, 1
		return false
	}
	root := t.mutable(t.root)
	t.root = root
	replaced, sep, right := t.insert(root, k, v)
	if right != nil {
		t.root = &node[K, V]{gen: t.gen, keys: []K{sep}, kids: []*node[K, V]{root, right}}
		t.height++
	}
	if !replaced {
		t.n++
	}
	return replaced
}

// insert adds k below the owned node n. A split returns the separator and
// the new right sibling.
func (t *Tree[K, V]) insert(n *node[K, V], k K, v V) (bool, K, *node[K, V]) {
	var zero K
	if n.leaf() {
		i, found := t.search(n.keys, k)
		if found {
			n.vals[i] = v
			return true, zero, nil
		}
		n.keys = insertAt(n.keys, i, k)
		n.vals = insertAt(n.vals, i, v)
		if len(n.keys) > t.cfg.MaxFanout {
			sep, right := t.splitLeaf(n)
			return false, sep, right
		}
		return false, zero, nil
	}

	i := t.childIndex(n.keys, k)
	child := t.mutable(n.kids[i])
	n.kids[i] = child
	replaced, sep, right := t.insert(child, k, v)
	if right != nil {
		n.keys = insertAt(n.keys, i, sep)
		n.kids = insertAt(n.kids, i+1, right)
		if len(n.kids) > t.cfg.MaxFanout {
			sep, right := t.splitInternal(n)
			return replaced, sep, right
		}
	}
	return replaced, zero, nil
}

func (t *Tree[K, V]) splitLeaf(n *node[K, V]) (K, *node[K, V]) {
	mid := len(n.keys) / 2
	right := &node[K, V]{
		gen:  t.gen,
		keys: cloneCap(n.keys[mid:], t.cfg.MaxFanout+1),
		vals: cloneCap(n.vals[mid:], t.cfg.MaxFanout+1),
	}
	clear(n.keys[mid:])
	clear(n.vals[mid:])
	n.keys = n.keys[:mid]
	n.vals = n.vals[:mid]
	return right.keys[0], right
}

// splitInternal moves the upper half of the children to a new node; the
// median separator is promoted to the parent.
func (t *Tree[K, V]) splitInternal(n *node[K, V]) (K, *node[K, V]) {
	mid := len(n.kids) / 2
	sep := n.keys[mid-1]
	right := &node[K, V]{
		gen:  t.gen,
		keys: cloneCap(n.keys[mid:], t.cfg.MaxFanout+1),
		kids: cloneCap(n.kids[mid:], t.cfg.MaxFanout+1),
	}
	clear(n.keys[mid-1:])
	clear(n.kids[mid:])
	n.keys = n.keys[:mid-1]
	n.kids = n.kids[:mid]
	return sep, right
}

// Delete removes k and reports whether it was present.
func (t *Tree[K, V]) Delete(k K) bool {
	if _, ok := t.Lookup(k); !ok {
		return false
	}
	root := t.mutable(t.root)
	t.root = root
	t.delete(root, k)
	t.n--

	switch {
	case root.leaf() && len(root.keys) == 0:
		t.root = nil
		t.height = 0
	case !root.leaf() && len(root.kids) == 1:
		t.root = root.kids[0]
		t.height--
	}
	return true
}

func (t *Tree[K, V]) delete(n *node[K, V], k K) {
	if n.leaf() {
		i, _ := t.search(n.keys, k)
		n.keys = removeAt(n.keys, i)
		n.vals = removeAt(n.vals, i)
		return
	}
	i := t.childIndex(n.keys, k)
	child := t.mutable(n.kids[i])
	n.kids[i] = child
	t.delete(child, k)
	if child.entries() < t.cfg.MinFanout {
		t.rebalance(n, i)
	}
}

// rebalance fixes an underflowing child i of the owned node parent, using
// the right sibling when there is one.
func (t *Tree[K, V]) rebalance(parent *node[K, V], i int) {
	li, ri := i, i+1
	if ri >= len(parent.kids) {
		li, ri = i-1, i
	}
	l := t.mutable(parent.kids[li])
	r := t.mutable(parent.kids[ri])
	parent.kids[li], parent.kids[ri] = l, r

	if l.entries()+r.entries() <= t.cfg.MaxFanout {
		if l.leaf() {
			l.keys = append(l.keys, r.keys...)
			l.vals = append(l.vals, r.vals...)
		} else {
			l.keys = append(append(l.keys, parent.keys[li]), r.keys...)
			l.kids = append(l.kids, r.kids...)
		}
		parent.keys = removeAt(parent.keys, li)
		parent.kids = removeAt(parent.kids, ri)
		return
	}

	// Redistribute so both halves hold at least MinFanout entries.
	if l.leaf() {
		keys := append(append(make([]K, 0, len(l.keys)+len(r.keys)), l.keys...), r.keys...)
		vals := append(append(make([]V, 0, len(l.vals)+len(r.vals)), l.vals...), r.vals...)
		cut := len(keys) / 2
		l.keys, l.vals = cloneCap(keys[:cut], t.cfg.MaxFanout+1), cloneCap(vals[:cut], t.cfg.MaxFanout+1)
		r.keys, r.vals = cloneCap(keys[cut:], t.cfg.MaxFanout+1), cloneCap(vals[cut:], t.cfg.MaxFanout+1)
		parent.keys[li] = r.keys[0]
		return
	}
	keys := make([]K, 0, len(l.keys)+len(r.keys)+1)
	keys = append(append(append(keys, l.keys...), parent.keys[li]), r.keys...)
	kids := append(append(make([]*node[K, V], 0, len(l.kids)+len(r.kids)), l.kids...), r.kids...)
	cut := len(kids) / 2
	l.kids, r.kids = cloneCap(kids[:cut], t.cfg.MaxFanout+1), cloneCap(kids[cut:], t.cfg.MaxFanout+1)
	l.keys, r.keys = cloneCap(keys[:cut-1], t.cfg.MaxFanout+1), cloneCap(keys[cut:], t.cfg.MaxFanout+1)
	parent.keys[li] = keys[cut-1]
}

// RangeScan yields entries with lo <= key <= hi in ascending order. It is
// lazy and may be restarted. The tree must not be mutated while a scan runs;
// scan a Clone to read concurrently with a writer.
func (t *Tree[K, V]) RangeScan(lo, hi K) iter.Seq2[K, V] {
	root := t.root
	return func(yield func(K, V) bool) {
		if root != nil {
			t.scan(root, &lo, &hi, yield)
		}
	}
}

// AscendFrom yields entries with key >= lo in ascending order.
func (t *Tree[K, V]) AscendFrom(lo K) iter.Seq2[K, V] {
	root := t.root
	return func(yield func(K, V) bool) {
		if root != nil {
			t.scan(root, &lo, nil, yield)
		}
	}
}

// Ascend yields all entries in ascending order.
func (t *Tree[K, V]) Ascend() iter.Seq2[K, V] {
	root := t.root
	return func(yield func(K, V) bool) {
		if root != nil {
			t.scan(root, nil, nil, yield)
		}
	}
}

// scan returns false once the consumer stopped or hi was passed.
func (t *Tree[K, V]) scan(n *node[K, V], lo, hi *K, yield func(K, V) bool) bool {
	if n.leaf() {
		i := 0
		if lo != nil {
			i, _ = t.search(n.keys, *lo)
		}
		for ; i < len(n.keys); i++ {
			if hi != nil && t.cmp(n.keys[i], *hi) > 0 {
				return false
			}
			if !yield(n.keys[i], n.vals[i]) {
				return false
			}
		}
		return true
	}

	i := 0
	if lo != nil {
		i = t.childIndex(n.keys, *lo)
	}
	for j := i; j < len(n.kids); j++ {
		if j > 0 && hi != nil && t.cmp(n.keys[j-1], *hi) > 0 {
			return false
		}
		if !t.scan(n.kids[j], lo, hi, yield) {
			return false
		}
	}
	return true
}

func insertAt[T any](s []T, i int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt[T any](s []T, i int) []T {
	copy(s[i:], s[i+1:])
	var zero T
	s[len(s)-1] = zero
	return s[:len(s)-1]
}

func cloneCap[T any](s []T, c int) []T {
	if c < len(s) {
		c = len(s)
	}
	out := make([]T, len(s), c)
	copy(out, s)
	return out
}
