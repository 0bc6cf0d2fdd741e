package btree

// BulkInsert inserts strictly ascending pairs. Values replace existing ones.
// An empty batch is a no-op; an unsorted batch returns ErrUnsortedBatch and
// leaves the tree unchanged.
//
// An empty tree, or a batch of at least an eighth of the tree's size, is
// merged with the existing entries and rebuilt bottom-up; smaller batches use
// repeated inserts.
func (t *Tree[K, V]) BulkInsert(pairs []Pair[K, V]) error {
	if len(pairs) == 0 {
		return nil
	}
	for i := 1; i < len(pairs); i++ {
		if t.cmp(pairs[i-1].Key, pairs[i].Key) >= 0 {
			return ErrUnsortedBatch
		}
	}

	if t.n > 0 && len(pairs) < t.n/8 {
		for _, p := range pairs {
			t.Insert(p.Key, p.Value)
		}
		return nil
	}

	merged := pairs
	if t.n > 0 {
		merged = t.mergeWith(pairs)
	}
	t.build(merged)
	return nil
}

// mergeWith combines the current entries with pairs; pairs win on equal keys.
func (t *Tree[K, V]) mergeWith(pairs []Pair[K, V]) []Pair[K, V] {
	out := make([]Pair[K, V], 0, t.n+len(pairs))
	j := 0
	for k, v := range t.Ascend() {
		for j < len(pairs) && t.cmp(pairs[j].Key, k) < 0 {
			out = append(out, pairs[j])
			j++
		}
		if j < len(pairs) && t.cmp(pairs[j].Key, k) == 0 {
			out = append(out, pairs[j])
			j++
			continue
		}
		out = append(out, Pair[K, V]{Key: k, Value: v})
	}
	return append(out, pairs[j:]...)
}

// build replaces the tree with one built bottom-up from sorted pairs.
func (t *Tree[K, V]) build(pairs []Pair[K, V]) {
	if len(pairs) == 0 {
		t.root, t.n, t.height = nil, 0, 0
		return
	}

	// Leaves, each with its minimum key for the level above.
	sizes := chunkSizes(len(pairs), t.cfg.MaxFanout)
	level := make([]*node[K, V], 0, len(sizes))
	mins := make([]K, 0, len(sizes))
	off := 0
	for _, sz := range sizes {
		leaf := &node[K, V]{
			gen:  t.gen,
			keys: make([]K, sz, t.cfg.MaxFanout+1),
			vals: make([]V, sz, t.cfg.MaxFanout+1),
		}
		for i := 0; i < sz; i++ {
			leaf.keys[i] = pairs[off+i].Key
			leaf.vals[i] = pairs[off+i].Value
		}
		level = append(level, leaf)
		mins = append(mins, leaf.keys[0])
		off += sz
	}

	height := 1
	for len(level) > 1 {
		sizes := chunkSizes(len(level), t.cfg.MaxFanout)
		next := make([]*node[K, V], 0, len(sizes))
		nextMins := make([]K, 0, len(sizes))
		off := 0
		for _, sz := range sizes {
			n := &node[K, V]{
				gen:  t.gen,
				keys: make([]K, 0, t.cfg.MaxFanout+1),
				kids: make([]*node[K, V], sz, t.cfg.MaxFanout+1),
			}
			copy(n.kids, level[off:off+sz])
			for i := 1; i < sz; i++ {
				n.keys = append(n.keys, mins[off+i])
			}
			next = append(next, n)
			nextMins = append(nextMins, mins[off])
			off += sz
		}
		level, mins = next, nextMins
		height++
	}

	t.root = level[0]
	t.n = len(pairs)
	t.height = height
}

// chunkSizes splits n items into the fewest groups of at most max items,
// spreading them evenly so every group holds at least max/2 when n >= max.
func chunkSizes(n, max int) []int {
	groups := (n + max - 1) / max
	sizes := make([]int, groups)
	base, extra := n/groups, n%groups
	for i := range sizes {
		sizes[i] = base
		if i < extra {
			sizes[i]++
		}
	}
	return sizes
}
