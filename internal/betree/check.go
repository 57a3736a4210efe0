package betree

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// Violation is one broken invariant found by Check.
type Violation struct {
	Path    string `json:"path"`
	Problem string `json:"problem"`
}

func (v Violation) String() string {
	return v.Path + ": " + v.Problem
}

// Check verifies the tree's invariants and compares every node with its
// directory on disk. An empty result means the store is consistent.
func (t *Tree) Check() []Violation {
	c := &checker{tree: t, seen: make(map[Key]string), disk: true}
	c.node(t.root, t.root.depth())
	if t.broken != nil {
		c.add(t.rootPath, "earlier failure: %v", t.broken)
	}
	return c.found
}

// checkStructure is Check without the disk comparison.
func (t *Tree) checkStructure() []Violation {
	c := &checker{tree: t, seen: make(map[Key]string)}
	c.node(t.root, t.root.depth())
	return c.found
}

type checker struct {
	tree  *Tree
	seen  map[Key]string
	disk  bool
	found []Violation
}

func (c *checker) add(path, format string, args ...any) {
	c.found = append(c.found, Violation{Path: path, Problem: fmt.Sprintf(format, args...)})
}

func (c *checker) node(n *node, depth int) {
	path := n.path()
	minSize := c.tree.minSize

	if n.parent != nil {
		if len(n.children) < minSize {
			c.add(path, "%d children, below minimum %d", len(n.children), minSize)
		}
	}
	if len(n.children) > 2*minSize-1 {
		c.add(path, "%d children, above maximum %d", len(n.children), 2*minSize-1)
	}
	if n.leaf != (depth == 0) {
		c.add(path, "leaf at depth %d", depth)
	}

	var want Key
	if len(n.children) > 0 {
		want = n.children[len(n.children)-1].key()
	}
	if n.maxKey != want {
		c.add(path, "cached key %q, largest child key %q", n.maxKey, want)
	}

	for i, child := range n.children {
		if i > 0 && n.children[i-1].key() >= child.key() {
			c.add(path, "children out of order at %d", i)
		}
		switch ch := child.(type) {
		case *Item:
			if !n.leaf {
				c.add(path, "internal node holds item %s", ch.Name())
			}
			itemPath := filepath.Join(path, ch.Name())
			if ch.parent != n {
				c.add(itemPath, "item has wrong parent")
			}
			if other, dup := c.seen[ch.Key]; dup {
				c.add(itemPath, "key also stored at %s", other)
			}
			c.seen[ch.Key] = path
		case *node:
			if ch.parent != n {
				c.add(path, "child %s has wrong parent", ch.maxKey)
			}
			if n.leaf {
				c.add(path, "leaf holds a node")
				continue
			}
			c.node(ch, depth-1)
		}
	}

	if c.disk {
		c.compareDir(n, path)
	}
}

// compareDir checks that the directory holds exactly the node's children.
func (c *checker) compareDir(n *node, path string) {
	entries, err := os.ReadDir(path)
	if err != nil {
		c.add(path, "unreadable: %v", err)
		return
	}

	var onDisk, inMemory []string
	for _, e := range entries {
		if !e.IsDir() && isTempName(e.Name()) {
			continue
		}
		onDisk = append(onDisk, e.Name())
		if e.IsDir() == n.leaf {
			c.add(path, "unexpected entry kind for %s", e.Name())
		}
	}
	for _, child := range n.children {
		inMemory = append(inMemory, child.name())
	}
	slices.Sort(onDisk)
	slices.Sort(inMemory)
	if !slices.Equal(onDisk, inMemory) {
		c.add(path, "directory holds %v, node holds %v", onDisk, inMemory)
	}
}
