package betree

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Item is a stored file as seen by the tree. Its identity is Key alone; Ext
// is only carried along to name the file on disk.
type Item struct {
	Key Key
	Ext string

	// source is the external file waiting to be copied in. It is cleared
	// once the copy has happened.
	source string
	parent *node
}

// NewSourceItem hashes the file at path and returns an item ready to be
// inserted. The extension is taken from the source filename.
func NewSourceItem(path string, d Digest) (*Item, error) {
	key, err := HashFile(path, d)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &Item{Key: key, Ext: filepath.Ext(path), source: abs}, nil
}

// ParseItem splits a stored file's basename into key and extension. The name
// is trusted; nothing is rehashed.
func ParseItem(basename string) (*Item, error) {
	key, ext := basename, ""
	if i := strings.IndexByte(basename, '.'); i >= 0 {
		key, ext = basename[:i], basename[i:]
	}
	if key == "" {
		return nil, fmt.Errorf("%w: %q is not a stored file name", ErrCorruptStore, basename)
	}
	return &Item{Key: Key(key), Ext: ext}, nil
}

// Name is the item's basename on disk.
func (it *Item) Name() string {
	return string(it.Key) + it.Ext
}

func (it *Item) String() string { return it.Name() }

func (it *Item) key() Key          { return it.Key }
func (it *Item) name() string      { return it.Name() }
func (it *Item) setParent(n *node) { it.parent = n }

func (it *Item) path() string {
	return filepath.Join(it.parent.path(), it.Name())
}
