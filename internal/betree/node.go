package betree

import (
	"fmt"
	"path/filepath"
	"slices"
	"sort"
)

// entry is a child slot of a node: an *Item in a leaf, a *node otherwise.
type entry interface {
	key() Key
	name() string
	path() string
	setParent(*node)
}

// node is a vertex of the tree. Every non-root node owns a directory named
// after maxKey inside its parent's directory; the root owns the tree's fixed
// root directory. A leaf's items are the files in its directory.
type node struct {
	tree   *Tree
	parent *node
	leaf   bool

	// maxKey caches the largest key below this node, "" for an empty root.
	maxKey   Key
	children []entry
}

func (n *node) key() Key          { return n.maxKey }
func (n *node) name() string      { return string(n.maxKey) }
func (n *node) setParent(p *node) { n.parent = p }

func (n *node) path() string {
	if n.parent == nil {
		return n.tree.rootPath
	}
	return filepath.Join(n.parent.path(), n.name())
}

// index is this node's position among its parent's children.
func (n *node) index() int {
	for i, c := range n.parent.children {
		if c == entry(n) {
			return i
		}
	}
	panic("betree: node missing from its parent")
}

func (n *node) isLast() bool {
	return n.parent.children[len(n.parent.children)-1] == entry(n)
}

// descend picks the child whose range covers k: the first child whose key is
// not smaller than k, or the last child when k is beyond every key.
func (n *node) descend(k Key) *node {
	for _, c := range n.children {
		if k <= c.key() {
			return c.(*node)
		}
	}
	return n.children[len(n.children)-1].(*node)
}

// search returns the position of k in a leaf, and whether it is present.
func (n *node) search(k Key) (int, bool) {
	i := sort.Search(len(n.children), func(i int) bool {
		return n.children[i].key() >= k
	})
	return i, i < len(n.children) && n.children[i].key() == k
}

func (n *node) find(k Key) (*Item, error) {
	if !n.leaf {
		if len(n.children) == 0 {
			return nil, ErrNotFound
		}
		return n.descend(k).find(k)
	}
	i, ok := n.search(k)
	if !ok {
		return nil, ErrNotFound
	}
	return n.children[i].(*Item), nil
}

func (n *node) insertItem(it *Item) error {
	if !n.leaf {
		return n.descend(it.Key).insertItem(it)
	}

	i, ok := n.search(it.Key)
	if ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, it.Key)
	}
	n.children = slices.Insert(n.children, i, entry(it))
	it.setParent(n)

	if err := n.tree.mirror.CopyIn(it.source, it.path()); err != nil {
		n.children = slices.Delete(n.children, i, i+1)
		it.setParent(nil)
		return err
	}
	it.source = ""

	if err := n.hashUp(); err != nil {
		return n.tree.fail(err)
	}
	return n.tree.fail(n.split())
}

func (n *node) deleteItem(k Key) error {
	if !n.leaf {
		if len(n.children) == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		return n.descend(k).deleteItem(k)
	}

	i, ok := n.search(k)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	if err := n.tree.mirror.Remove(n.children[i].path()); err != nil {
		return err
	}
	n.children[i].setParent(nil)
	n.children = slices.Delete(n.children, i, i+1)

	if err := n.hashUp(); err != nil {
		return n.tree.fail(err)
	}
	return n.tree.fail(n.merge())
}

// hashUp refreshes the cached key from the last child and renames the
// directory to match. The change climbs only while the node is its parent's
// last child, since no other child can hold an ancestor's maximum.
func (n *node) hashUp() error {
	if len(n.children) == 0 {
		if n.parent == nil {
			n.maxKey = ""
		}
		return nil
	}

	newKey := n.children[len(n.children)-1].key()
	for cur := n; ; cur = cur.parent {
		parent := cur.parent
		if cur.maxKey != newKey {
			old := cur.path()
			cur.maxKey = newKey
			if parent != nil {
				if err := n.tree.mirror.Rename(old, cur.path()); err != nil {
					return err
				}
			}
		}
		if parent == nil || !cur.isLast() {
			return nil
		}
	}
}

// split moves the smallest minSize children of an overfull node into a new
// sibling placed just before it, then lets the parent split in turn.
func (n *node) split() error {
	minSize := n.tree.minSize
	if len(n.children) < 2*minSize {
		return nil
	}
	if n.parent == nil {
		if err := n.tree.growRoot(); err != nil {
			return err
		}
	}

	parent := n.parent
	sib := &node{
		tree:   n.tree,
		parent: parent,
		leaf:   n.leaf,
		maxKey: n.children[minSize-1].key(),
	}
	parent.children = slices.Insert(parent.children, n.index(), entry(sib))
	if err := n.tree.mirror.Mkdir(sib.path()); err != nil {
		return err
	}
	if err := sib.kidnap(n, minSize); err != nil {
		return err
	}

	n.tree.logger.Debug("split node",
		"left", sib.maxKey, "right", n.maxKey, "leaf", n.leaf)
	return parent.split()
}

// merge refills an underfull node from a sibling in the same parent. A
// sibling at minimum size is absorbed whole and removed, which may leave
// the parent underfull; otherwise a single child is borrowed.
func (n *node) merge() error {
	minSize := n.tree.minSize
	if n.parent == nil || len(n.children) >= minSize {
		return nil
	}

	parent := n.parent
	i := n.index()
	var sib *node
	switch {
	case i > 0:
		sib = parent.children[i-1].(*node)
	case i+1 < len(parent.children):
		sib = parent.children[i+1].(*node)
	default:
		return fmt.Errorf("%w: node %s has no sibling", ErrCorruptStore, n.maxKey)
	}

	if len(sib.children) <= minSize {
		if err := n.kidnap(sib, len(sib.children)); err != nil {
			return err
		}
		if err := n.tree.mirror.Rmdir(sib.path()); err != nil {
			return err
		}
		parent.children = slices.Delete(parent.children, sib.index(), sib.index()+1)
		sib.parent = nil
		if err := n.hashUp(); err != nil {
			return err
		}
		n.tree.logger.Debug("merged node", "into", n.maxKey, "leaf", n.leaf)
		return parent.merge()
	}

	if err := n.kidnap(sib, 1); err != nil {
		return err
	}
	if err := sib.hashUp(); err != nil {
		return err
	}
	return n.hashUp()
}

// kidnap moves count children from donor into n, keeping global order. When
// donor lies entirely below n its largest children are prepended; otherwise
// (including when n is empty) its smallest are appended. Each moved child is
// renamed into n's directory as it goes.
func (n *node) kidnap(donor *node, count int) error {
	fromBack := len(n.children) > 0 &&
		donor.children[len(donor.children)-1].key() < n.children[0].key()

	for range count {
		var c entry
		if fromBack {
			c = donor.children[len(donor.children)-1]
		} else {
			c = donor.children[0]
		}
		old := c.path()

		if fromBack {
			donor.children = donor.children[:len(donor.children)-1]
			n.children = slices.Insert(n.children, 0, c)
		} else {
			donor.children = slices.Delete(donor.children, 0, 1)
			n.children = append(n.children, c)
		}
		c.setParent(n)

		if err := n.tree.mirror.Rename(old, c.path()); err != nil {
			return err
		}
	}
	return nil
}

// depth is the number of internal levels below n; a leaf has depth 0.
func (n *node) depth() int {
	if n.leaf {
		return 0
	}
	return 1 + n.children[0].(*node).depth()
}

// items appends every item below n to dst in key order.
func (n *node) items(dst []*Item) []*Item {
	for _, c := range n.children {
		if n.leaf {
			dst = append(dst, c.(*Item))
		} else {
			dst = c.(*node).items(dst)
		}
	}
	return dst
}
