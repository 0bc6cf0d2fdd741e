package btree

import "fmt"

// Check verifies the structural invariants: ordering, separator bounds,
// occupancy, uniform leaf depth and the cached size.
func (t *Tree[K, V]) Check() error {
	if t.root == nil {
		if t.n != 0 || t.height != 0 {
			return fmt.Errorf("btree: empty tree with len=%d height=%d", t.n, t.height)
		}
		return nil
	}
	count := 0
	leafDepth := -1
	if err := t.check(t.root, nil, nil, 1, true, &count, &leafDepth); err != nil {
		return err
	}
	if count != t.n {
		return fmt.Errorf("btree: counted %d keys, len is %d", count, t.n)
	}
	if leafDepth != t.height {
		return fmt.Errorf("btree: leaves at depth %d, height is %d", leafDepth, t.height)
	}
	return nil
}

func (t *Tree[K, V]) check(n *node[K, V], lo, hi *K, depth int, root bool, count, leafDepth *int) error {
	for i := 1; i < len(n.keys); i++ {
		if t.cmp(n.keys[i-1], n.keys[i]) >= 0 {
			return fmt.Errorf("btree: keys out of order at depth %d", depth)
		}
	}
	for _, k := range n.keys {
		if lo != nil && t.cmp(k, *lo) < 0 {
			return fmt.Errorf("btree: key below separator at depth %d", depth)
		}
		if hi != nil && t.cmp(k, *hi) >= 0 {
			return fmt.Errorf("btree: key not below separator at depth %d", depth)
		}
	}

	e := n.entries()
	if e > t.cfg.MaxFanout {
		return fmt.Errorf("btree: node with %d entries exceeds max %d", e, t.cfg.MaxFanout)
	}
	if !root && e < t.cfg.MinFanout {
		return fmt.Errorf("btree: node with %d entries below min %d", e, t.cfg.MinFanout)
	}

	if n.leaf() {
		if len(n.vals) != len(n.keys) {
			return fmt.Errorf("btree: leaf with %d keys and %d values", len(n.keys), len(n.vals))
		}
		if *leafDepth == -1 {
			*leafDepth = depth
		} else if *leafDepth != depth {
			return fmt.Errorf("btree: leaves at depths %d and %d", *leafDepth, depth)
		}
		*count += len(n.keys)
		return nil
	}

	if len(n.kids) != len(n.keys)+1 {
		return fmt.Errorf("btree: internal node with %d keys and %d children", len(n.keys), len(n.kids))
	}
	if root && len(n.kids) < 2 {
		return fmt.Errorf("btree: internal root with %d children", len(n.kids))
	}
	for i, kid := range n.kids {
		clo, chi := lo, hi
		if i > 0 {
			clo = &n.keys[i-1]
		}
		if i < len(n.keys) {
			chi = &n.keys[i]
		}
		if err := t.check(kid, clo, chi, depth+1, false, count, leafDepth); err != nil {
			return err
		}
	}
	return nil
}
