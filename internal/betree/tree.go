// Package betree stores files in a B+tree that is mirrored onto directories.
//
// Every node of the tree is a directory named after the largest key it
// holds, and every leaf directory contains the stored files, each named by
// its content key plus the original extension. Inserting or deleting a file
// keeps the tree balanced, and balancing is carried out on disk as mkdir,
// rename and rmdir calls. The directory hierarchy is the only persistent
// state: Open rebuilds the tree by listing it.
//
// A Tree is not safe for concurrent use. The store is not crash-safe while
// rebalancing; a failed filesystem call leaves the Tree refusing further
// changes until it is reopened.
package betree

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
)

// DefaultMinSize is the minimum number of children of a non-root node.
const DefaultMinSize = 128

// Options configures a Tree. The zero value is usable.
type Options struct {
	// MinSize is the minimum child count of a non-root node; nodes hold at
	// most 2*MinSize-1 children. Zero means DefaultMinSize.
	MinSize int

	// Digest selects the hash used for new items. Zero means DigestMD5.
	Digest Digest

	// Mirror applies structural changes to disk. Nil means OSMirror{}.
	Mirror Mirror

	Logger *slog.Logger
}

// Tree is a content-addressed file store rooted at a fixed directory.
type Tree struct {
	rootPath string
	root     *node
	minSize  int
	digest   Digest
	mirror   Mirror
	logger   *slog.Logger

	// broken holds the failure that left disk and memory out of step.
	broken error
}

// Open rebuilds the tree stored under rootPath, which must be an existing
// directory. No file is rehashed; names on disk are trusted.
func Open(rootPath string, opts Options) (*Tree, error) {
	if opts.MinSize == 0 {
		opts.MinSize = DefaultMinSize
	}
	if opts.MinSize < 2 {
		return nil, fmt.Errorf("min size %d is below 2", opts.MinSize)
	}
	if opts.Digest == "" {
		opts.Digest = DigestMD5
	}
	if !opts.Digest.Valid() {
		return nil, fmt.Errorf("unknown digest %q", opts.Digest)
	}
	if opts.Mirror == nil {
		opts.Mirror = OSMirror{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, ioErr(err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrCorruptStore, abs)
	}

	t := &Tree{
		rootPath: abs,
		minSize:  opts.MinSize,
		digest:   opts.Digest,
		mirror:   opts.Mirror,
		logger:   opts.Logger,
	}
	root, _, err := t.load(abs, nil)
	if err != nil {
		return nil, err
	}
	t.root = root

	t.logger.Debug("opened store", "root", abs, "depth", root.depth())
	return t, nil
}

// load recognizes one directory: a directory of directories is an internal
// node, a directory of files is a leaf. It returns the node and its depth.
func (t *Tree) load(dir string, parent *node) (*node, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, ioErr(err)
	}

	n := &node{tree: t, parent: parent}
	var dirs, files []os.DirEntry
	for _, e := range entries {
		switch {
		case e.IsDir():
			dirs = append(dirs, e)
		case e.Type().IsRegular() && isTempName(e.Name()):
			leftover := filepath.Join(dir, e.Name())
			t.logger.Warn("removing interrupted copy", "path", leftover)
			if err := os.Remove(leftover); err != nil {
				t.logger.Warn("could not remove interrupted copy", "path", leftover, "error", err)
			}
		case e.Type().IsRegular():
			files = append(files, e)
		default:
			return nil, 0, fmt.Errorf("%w: %s is neither file nor directory",
				ErrCorruptStore, filepath.Join(dir, e.Name()))
		}
	}

	switch {
	case len(dirs) > 0 && len(files) > 0:
		return nil, 0, fmt.Errorf("%w: %s mixes files and directories", ErrCorruptStore, dir)

	case len(dirs) == 0:
		if len(files) == 0 && parent != nil {
			return nil, 0, fmt.Errorf("%w: empty node directory %s", ErrCorruptStore, dir)
		}
		n.leaf = true
		for _, f := range files {
			it, err := ParseItem(f.Name())
			if err != nil {
				return nil, 0, fmt.Errorf("%s: %w", dir, err)
			}
			it.parent = n
			n.children = append(n.children, it)
		}
		if err := sortChildren(n, dir); err != nil {
			return nil, 0, err
		}
		return n, 0, nil
	}

	depth := -1
	for _, d := range dirs {
		child, childDepth, err := t.load(filepath.Join(dir, d.Name()), n)
		if err != nil {
			return nil, 0, err
		}
		if string(child.maxKey) != d.Name() {
			return nil, 0, fmt.Errorf("%w: directory %s holds maximum key %s",
				ErrCorruptStore, filepath.Join(dir, d.Name()), child.maxKey)
		}
		if depth >= 0 && childDepth != depth {
			return nil, 0, fmt.Errorf("%w: uneven depth under %s", ErrCorruptStore, dir)
		}
		depth = childDepth
		n.children = append(n.children, child)
	}
	if err := sortChildren(n, dir); err != nil {
		return nil, 0, err
	}
	return n, depth + 1, nil
}

func sortChildren(n *node, dir string) error {
	slices.SortFunc(n.children, func(a, b entry) int {
		switch {
		case a.key() < b.key():
			return -1
		case a.key() > b.key():
			return 1
		}
		return 0
	})
	for i := 1; i < len(n.children); i++ {
		if n.children[i-1].key() == n.children[i].key() {
			return fmt.Errorf("%w: key %s appears twice in %s",
				ErrCorruptStore, n.children[i].key(), dir)
		}
	}
	if len(n.children) > 0 {
		n.maxKey = n.children[len(n.children)-1].key()
	}
	return nil
}

// fail records err as fatal for the tree when it came from the filesystem
// after the structure had already started to change.
func (t *Tree) fail(err error) error {
	if err != nil && t.broken == nil {
		t.broken = err
		t.logger.Error("store left inconsistent; reopen to recover",
			"root", t.rootPath, "error", err)
	}
	return err
}

func (t *Tree) usable() error {
	if t.broken != nil {
		return fmt.Errorf("%w: earlier failure: %v", ErrCorruptStore, t.broken)
	}
	return nil
}

// RootPath is the fixed directory the tree lives in.
func (t *Tree) RootPath() string { return t.rootPath }

// Digest is the hash used for new items.
func (t *Tree) Digest() Digest { return t.digest }

// Insert hashes the file at source and stores a copy of it. The returned key
// addresses the copy from then on.
func (t *Tree) Insert(source string) (Key, error) {
	it, err := NewSourceItem(source, t.digest)
	if err != nil {
		return "", err
	}
	if err := t.InsertItem(it); err != nil {
		return "", err
	}
	return it.Key, nil
}

// InsertItem stores an item created by NewSourceItem.
func (t *Tree) InsertItem(it *Item) error {
	if err := t.usable(); err != nil {
		return err
	}
	if it.source == "" {
		return errors.New("item has no source file")
	}
	if t.Contains(it.Key) {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, it.Key)
	}
	// A root split replaces t.root through growRoot.
	if err := t.root.insertItem(it); err != nil {
		return err
	}
	t.logger.Debug("inserted item", "key", it.Key, "ext", it.Ext)
	return nil
}

// Delete removes the stored file for key.
func (t *Tree) Delete(key Key) error {
	if err := t.usable(); err != nil {
		return err
	}
	if err := t.root.deleteItem(key); err != nil {
		return err
	}
	if err := t.shrinkRoot(); err != nil {
		return t.fail(err)
	}
	t.logger.Debug("deleted item", "key", key)
	return nil
}

// Find returns the path of the stored file for key.
func (t *Tree) Find(key Key) (string, error) {
	it, err := t.root.find(key)
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, key)
	}
	return it.path(), nil
}

// Lookup returns the stored item for key.
func (t *Tree) Lookup(key Key) (Item, error) {
	it, err := t.root.find(key)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %s", err, key)
	}
	return Item{Key: it.Key, Ext: it.Ext}, nil
}

// Contains reports whether key is stored.
func (t *Tree) Contains(key Key) bool {
	_, err := t.root.find(key)
	return err == nil
}

// Items lists every stored item in key order.
func (t *Tree) Items() []Item {
	all := t.root.items(nil)
	out := make([]Item, len(all))
	for i, it := range all {
		out[i] = Item{Key: it.Key, Ext: it.Ext}
	}
	return out
}

// Len is the number of stored items.
func (t *Tree) Len() int {
	return len(t.root.items(nil))
}

// Depth is the number of internal levels; a single-leaf tree has depth 0.
func (t *Tree) Depth() int {
	return t.root.depth()
}

// growRoot pushes the root directory one level down. The current root
// directory is parked next to the root path, a fresh root directory is made,
// and the old one is moved into it under its key.
func (t *Tree) growRoot() error {
	old := t.root
	parked := t.scratchPath(old.maxKey)
	if err := t.mirror.Rename(t.rootPath, parked); err != nil {
		return err
	}
	if err := t.mirror.Mkdir(t.rootPath); err != nil {
		return err
	}
	if err := t.mirror.Rename(parked, filepath.Join(t.rootPath, old.name())); err != nil {
		return err
	}

	root := &node{tree: t, maxKey: old.maxKey, children: []entry{old}}
	old.parent = root
	t.root = root
	t.logger.Debug("grew root", "depth", root.depth())
	return nil
}

// shrinkRoot collapses a root with a single child, moving the child's
// directory up to the root path.
func (t *Tree) shrinkRoot() error {
	for !t.root.leaf && len(t.root.children) == 1 {
		child := t.root.children[0].(*node)
		parked := t.scratchPath(child.maxKey)
		if err := t.mirror.Rename(child.path(), parked); err != nil {
			return err
		}
		if err := t.mirror.Rmdir(t.rootPath); err != nil {
			return err
		}
		if err := t.mirror.Rename(parked, t.rootPath); err != nil {
			return err
		}

		child.parent = nil
		t.root = child
		t.logger.Debug("shrank root", "depth", child.depth())
	}
	return nil
}

// scratchPath is a temporary name beside the root directory, used while the
// root directory itself is being replaced.
func (t *Tree) scratchPath(key Key) string {
	return filepath.Join(filepath.Dir(t.rootPath),
		"."+filepath.Base(t.rootPath)+"-"+string(key))
}
