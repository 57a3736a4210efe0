package betree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// recorder logs mirror calls without touching the disk. Paths are recorded
// relative to base.
type recorder struct {
	base string
	ops  []string
}

func (r *recorder) rel(path string) string {
	rel, err := filepath.Rel(r.base, path)
	if err != nil {
		return path
	}
	return rel
}

func (r *recorder) Mkdir(path string) error {
	r.ops = append(r.ops, "mkdir "+r.rel(path))
	return nil
}

func (r *recorder) Rmdir(path string) error {
	r.ops = append(r.ops, "rmdir "+r.rel(path))
	return nil
}

func (r *recorder) Rename(oldpath, newpath string) error {
	r.ops = append(r.ops, "rename "+r.rel(oldpath)+" "+r.rel(newpath))
	return nil
}

func (r *recorder) CopyIn(src, dst string) error {
	r.ops = append(r.ops, "copy "+filepath.Base(src)+" "+r.rel(dst))
	return nil
}

func (r *recorder) Remove(path string) error {
	r.ops = append(r.ops, "remove "+r.rel(path))
	return nil
}

func (r *recorder) take() []string {
	ops := r.ops
	r.ops = nil
	return ops
}

func newRecordedTree(t *testing.T, minSize int) (*Tree, *recorder) {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "store")
	require.NoError(t, os.Mkdir(root, 0o755))

	rec := &recorder{base: base}
	tree, err := Open(root, Options{MinSize: minSize, Mirror: rec})
	require.NoError(t, err)
	return tree, rec
}

func sourceItem(key string) *Item {
	return &Item{Key: Key(key), Ext: ".txt", source: "/sources/" + key}
}

func TestMirrorOperationsForSplitAndMerge(t *testing.T) {
	tree, rec := newRecordedTree(t, 2)

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, tree.InsertItem(sourceItem(key)))
	}
	require.Equal(t, []string{
		"copy a store/a.txt",
		"copy b store/b.txt",
		"copy c store/c.txt",
	}, rec.take())

	require.NoError(t, tree.InsertItem(sourceItem("d")))
	require.Equal(t, []string{
		"copy d store/d.txt",
		"rename store .store-d",
		"mkdir store",
		"rename .store-d store/d",
		"mkdir store/b",
		"rename store/d/a.txt store/b/a.txt",
		"rename store/d/b.txt store/b/b.txt",
	}, rec.take())
	require.Empty(t, tree.checkStructure())

	require.NoError(t, tree.Delete("a"))
	require.Equal(t, []string{
		"remove store/b/a.txt",
		"rename store/d/c.txt store/b/c.txt",
		"rename store/d/d.txt store/b/d.txt",
		"rmdir store/d",
		"rename store/b store/d",
		"rename store/d .store-d",
		"rmdir store",
		"rename .store-d store",
	}, rec.take())
	require.Empty(t, tree.checkStructure())
	require.Equal(t, 0, tree.Depth())
}

func TestMirrorBorrowsSingleChild(t *testing.T) {
	tree, rec := newRecordedTree(t, 2)
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, tree.InsertItem(sourceItem(key)))
	}
	// Leaves are now [a b] [c d e].
	rec.take()

	require.NoError(t, tree.Delete("a"))
	require.Equal(t, []string{
		"remove store/b/a.txt",
		"rename store/e/c.txt store/b/c.txt",
		"rename store/b store/c",
	}, rec.take())
	require.Empty(t, tree.checkStructure())
	require.Equal(t, 1, tree.Depth())
}

func TestMirrorBorrowsFromLeftSibling(t *testing.T) {
	tree, rec := newRecordedTree(t, 2)
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, tree.InsertItem(sourceItem(key)))
	}
	// Reshape the leaves into [a aa b] [d e].
	require.NoError(t, tree.Delete("c"))
	require.NoError(t, tree.InsertItem(sourceItem("aa")))
	rec.take()

	require.NoError(t, tree.Delete("e"))
	require.Equal(t, []string{
		"remove store/e/e.txt",
		"rename store/e store/d",
		"rename store/b/b.txt store/d/b.txt",
		"rename store/b store/aa",
	}, rec.take())
	require.Empty(t, tree.checkStructure())
}

// failingMirror fails the first call to the named operation.
type failingMirror struct {
	OSMirror
	failOn string
	failed bool
}

func (m *failingMirror) trip(op string) error {
	if op == m.failOn && !m.failed {
		m.failed = true
		return fmt.Errorf("%w: injected %s failure", ErrIO, op)
	}
	return nil
}

func (m *failingMirror) Mkdir(path string) error {
	if err := m.trip("mkdir"); err != nil {
		return err
	}
	return m.OSMirror.Mkdir(path)
}

func (m *failingMirror) CopyIn(src, dst string) error {
	if err := m.trip("copy"); err != nil {
		return err
	}
	return m.OSMirror.CopyIn(src, dst)
}

func TestFailedCopyLeavesTreeUsable(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	require.NoError(t, os.Mkdir(root, 0o755))
	tree, err := Open(root, Options{MinSize: 2, Mirror: &failingMirror{failOn: "copy"}})
	require.NoError(t, err)

	_, err = tree.Insert(writeSource(t, ".txt"))
	require.ErrorIs(t, err, ErrIO)
	require.Equal(t, 0, tree.Len())

	_, err = tree.Insert(writeSource(t, ".txt"))
	require.NoError(t, err)
	requireConsistent(t, tree)
}

func TestFailedRebalanceBreaksTree(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	require.NoError(t, os.Mkdir(root, 0o755))
	tree, err := Open(root, Options{MinSize: 2, Mirror: &failingMirror{failOn: "mkdir"}})
	require.NoError(t, err)

	insertFiles(t, tree, 3)
	// The fourth insert splits the root leaf; recreating the root fails.
	_, err = tree.Insert(writeSource(t, ".txt"))
	require.ErrorIs(t, err, ErrIO)

	_, err = tree.Insert(writeSource(t, ".txt"))
	require.True(t, errors.Is(err, ErrCorruptStore))
	require.NotEmpty(t, tree.Check())
	require.True(t, strings.Contains(tree.Check()[len(tree.Check())-1].Problem, "earlier failure"))
}

func TestInterruptedCopyIsClearedOnOpen(t *testing.T) {
	tree := newTestTree(t, 2)
	keys := insertFiles(t, tree, 6)
	require.Greater(t, tree.Depth(), 0)

	path, err := tree.Find(keys[0])
	require.NoError(t, err)
	leftover := filepath.Join(filepath.Dir(path), tempPrefix+"2718281828")
	require.NoError(t, os.WriteFile(leftover, []byte("half a file"), 0o600))

	// A live tree does not count the partial copy as drift.
	requireConsistent(t, tree)

	reopened, err := Open(tree.RootPath(), Options{MinSize: 2})
	require.NoError(t, err)
	require.Equal(t, 6, reopened.Len())
	require.NoFileExists(t, leftover)
	requireConsistent(t, reopened)
	for _, k := range keys {
		require.True(t, reopened.Contains(k))
	}
}
