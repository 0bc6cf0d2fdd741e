// Package btree implements an in-memory, copy-on-write B+Tree.
//
// Internal nodes hold separator keys and children; leaves hold the ordered
// key/value pairs. Every leaf sits at the same depth. Nodes other than the
// root hold between MinFanout and MaxFanout entries (keys for leaves,
// children for internal nodes).
//
// Nodes are never modified once another Tree can see them: Clone hands out a
// snapshot in O(1), and later mutations on either tree copy the nodes on the
// path they touch. A writer mutates its Tree and publishes Clone() results to
// readers; readers need no locks.
//
// Range scans walk leaves through the retained ancestor path, since shared
// nodes cannot carry sibling pointers.
package btree
