package ingest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/culler/stash/internal/betree"
	"github.com/culler/stash/internal/stash"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return root
}

func TestScan_FindsFiles(t *testing.T) {
	root := writeTree(t, map[string]string{
		"file1.txt":       "hello",
		"a/file2.txt":     "world!",
		"a/b/file3.txt":   "test",
		"a/b/c/d/deep.md": "x",
	})

	results := make(chan ScanResult, 100)
	go Scan(root, true, results)

	var totalSize int64
	rels := map[string]bool{}
	for r := range results {
		require.NoError(t, r.Err)
		totalSize += r.Entry.Size
		rels[r.Entry.Rel] = true
	}

	require.Len(t, rels, 4)
	require.True(t, rels["a/b/c/d/deep.md"], "missing slash-separated rel path, got %v", rels)
	// 5 + 6 + 4 + 1
	require.Equal(t, int64(16), totalSize)
}

func TestScan_NotRecursive(t *testing.T) {
	root := writeTree(t, map[string]string{
		"top.txt":   "a",
		"sub/x.txt": "b",
	})

	results := make(chan ScanResult, 10)
	go Scan(root, false, results)

	var got []string
	for r := range results {
		got = append(got, r.Entry.Rel)
	}
	require.Equal(t, []string{"top.txt"}, got)
}

func TestFilter_Match(t *testing.T) {
	f, err := NewFilter(
		[]string{"**/*.{jpg,png}", "docs/**"},
		[]string{"**/.git/**", "**/*.tmp"},
	)
	require.NoError(t, err)

	tests := map[string]bool{
		"photo.jpg":          true,
		"2023/trip/img.png":  true,
		"docs/readme":        true,
		"docs/draft.tmp":     false,
		"notes.txt":          false,
		"repo/.git/logo.png": false,
	}
	for rel, want := range tests {
		require.Equal(t, want, f.Match(rel), "Match(%q)", rel)
	}
}

func TestFilter_EmptyIncludeTakesAll(t *testing.T) {
	f, err := NewFilter(nil, []string{"**/.DS_Store"})
	require.NoError(t, err)
	require.True(t, f.Match("any/file.bin"))
	require.False(t, f.Match("sub/.DS_Store"))
	require.False(t, f.Match(".DS_Store"))
}

func TestFilter_InvalidPattern(t *testing.T) {
	_, err := NewFilter([]string{"[unclosed"}, nil)
	require.Error(t, err)
}

type fakeIndex map[betree.Key]bool

func (f fakeIndex) Contains(k betree.Key) bool { return f[k] }

func TestCreatePlan_Statuses(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.txt":      "alpha",
		"b.txt":      "beta",
		"copy/a.txt": "alpha",
		"skip.tmp":   "junk",
	})
	stored, err := betree.HashReader(strings.NewReader("beta"), betree.DigestMD5)
	require.NoError(t, err)

	filter, _ := NewFilter(nil, []string{"**/*.tmp"})
	p := &Planner{Filter: filter, Workers: 2, Recursive: true}
	plan, err := p.CreatePlan(context.Background(), fakeIndex{stored: true}, []string{root})
	require.NoError(t, err)

	require.Len(t, plan.Files, 3)
	require.Equal(t, 1, plan.New)
	require.Equal(t, 1, plan.Stored)
	require.Equal(t, 1, plan.Duplicates)
	require.Equal(t, int64(5), plan.NewBytes)

	// Sorted by path: a.txt, b.txt, copy/a.txt.
	want := []Status{StatusNew, StatusStored, StatusDuplicate}
	for i, fp := range plan.Files {
		require.Equal(t, want[i], fp.Status, fp.Source)
	}
}

func TestCreatePlan_SingleFileBypassesFilter(t *testing.T) {
	root := writeTree(t, map[string]string{"keep.tmp": "data"})
	filter, _ := NewFilter(nil, []string{"**/*.tmp"})

	p := &Planner{Filter: filter, Workers: 1}
	plan, err := p.CreatePlan(context.Background(), nil, []string{filepath.Join(root, "keep.tmp")})
	require.NoError(t, err)
	require.Equal(t, 1, plan.New)
}

func TestCreatePlan_MissingSource(t *testing.T) {
	p := &Planner{Workers: 1}
	_, err := p.CreatePlan(context.Background(), nil, []string{filepath.Join(t.TempDir(), "nope")})
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestCreatePlan_WalkSkipsStashDir(t *testing.T) {
	home := writeTree(t, map[string]string{
		"notes.txt":                    "keep me",
		"Stash/db.stash":               "catalog",
		"Stash/.stashfiles/k1.txt":     "stored",
		"Stash/.stashfiles/a/k2.jpg":   "stored too",
		"Stashed/outside-the-stash.md": "sibling with a shared prefix",
	})

	p := &Planner{Workers: 2, Recursive: true, StashDir: filepath.Join(home, "Stash")}
	plan, err := p.CreatePlan(context.Background(), nil, []string{home})
	require.NoError(t, err)

	var sources []string
	for _, fp := range plan.Files {
		sources = append(sources, fp.Source)
	}
	require.ElementsMatch(t, []string{
		filepath.Join(home, "Stashed", "outside-the-stash.md"),
		filepath.Join(home, "notes.txt"),
	}, sources)
}

func TestCreatePlan_RefusesSourceInStash(t *testing.T) {
	home := writeTree(t, map[string]string{
		"Stash/db.stash":           "catalog",
		"Stash/.stashfiles/k1.txt": "stored",
	})
	p := &Planner{Workers: 1, StashDir: filepath.Join(home, "Stash")}

	for _, src := range []string{
		filepath.Join(home, "Stash", "db.stash"),
		filepath.Join(home, "Stash", ".stashfiles", "k1.txt"),
		filepath.Join(home, "Stash", ".stashfiles"),
		filepath.Join(home, "Stash"),
	} {
		_, err := p.CreatePlan(context.Background(), nil, []string{src})
		require.ErrorIs(t, err, ErrInsideStash, src)
	}
}

func TestMoveFromParentOfStashKeepsArchive(t *testing.T) {
	home := writeTree(t, map[string]string{"notes.txt": "meeting notes"})
	s, err := stash.Create(filepath.Join(home, "Stash"), stash.Options{MinSize: 2})
	require.NoError(t, err)
	defer s.Close()

	elsewhere := writeTree(t, map[string]string{"photo.jpg": "pixels"})
	key, err := s.Insert(filepath.Join(elsewhere, "photo.jpg"), "")
	require.NoError(t, err)

	p := &Planner{Workers: 2, Recursive: true, StashDir: s.Dir()}
	plan, err := p.CreatePlan(context.Background(), s, []string{home})
	require.NoError(t, err)
	require.Len(t, plan.Files, 1)
	require.Equal(t, filepath.Join(home, "notes.txt"), plan.Files[0].Source)

	res, err := NewExecutor(s, false, true, nil).Execute(context.Background(), plan, "move")
	require.NoError(t, err)
	require.Equal(t, 1, res.Added)
	require.Equal(t, 1, res.Removed)

	require.True(t, s.Contains(key))
	require.FileExists(t, filepath.Join(s.Dir(), "db.stash"))
	found, err := s.Check()
	require.NoError(t, err)
	require.Empty(t, found)
}

type fakeArchive struct {
	inserted []string
	batches  []string
	fail     error
	dup      map[string]bool
}

func (f *fakeArchive) Insert(source, batch string) (betree.Key, error) {
	if f.fail != nil {
		return "", f.fail
	}
	if f.dup[source] {
		return "", betree.ErrDuplicateKey
	}
	f.inserted = append(f.inserted, source)
	f.batches = append(f.batches, batch)
	return betree.Key("k" + filepath.Base(source)), nil
}

func testPlan(root string) *Plan {
	return &Plan{Files: []FilePlan{
		{Source: filepath.Join(root, "a.txt"), Key: "ka", Size: 5, Status: StatusNew},
		{Source: filepath.Join(root, "b.txt"), Key: "kb", Size: 4, Status: StatusStored},
		{Source: filepath.Join(root, "c.txt"), Key: "ka", Size: 5, Status: StatusDuplicate},
	}}
}

func TestExecutor_DryRun(t *testing.T) {
	root := writeTree(t, map[string]string{"a.txt": "alpha", "b.txt": "beta", "c.txt": "alpha"})
	archive := &fakeArchive{}

	e := NewExecutor(archive, true, true, nil)
	var out bytes.Buffer
	e.Out = &out

	res, err := e.Execute(context.Background(), testPlan(root), "batch")
	require.NoError(t, err)
	require.Empty(t, archive.inserted)
	require.Zero(t, res.Added)
	require.Zero(t, res.Removed)
	require.Contains(t, out.String(), "[DRY RUN]")
	require.FileExists(t, filepath.Join(root, "a.txt"))
}

func TestExecutor_Apply(t *testing.T) {
	root := writeTree(t, map[string]string{"a.txt": "alpha", "b.txt": "beta", "c.txt": "alpha"})
	archive := &fakeArchive{}

	res, err := NewExecutor(archive, false, false, nil).Execute(context.Background(), testPlan(root), "batch-7")
	require.NoError(t, err)
	require.Equal(t, 1, res.Added)
	require.Equal(t, 2, res.Skipped)
	require.Equal(t, int64(5), res.Bytes)
	require.Equal(t, []string{"batch-7"}, archive.batches)
	require.FileExists(t, filepath.Join(root, "a.txt"), "source removed without move")
}

func TestExecutor_Move(t *testing.T) {
	root := writeTree(t, map[string]string{"a.txt": "alpha", "b.txt": "beta", "c.txt": "alpha"})

	res, err := NewExecutor(&fakeArchive{}, false, true, nil).Execute(context.Background(), testPlan(root), "")
	require.NoError(t, err)
	require.Equal(t, 3, res.Removed)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestExecutor_DuplicateIsSkipped(t *testing.T) {
	root := writeTree(t, map[string]string{"a.txt": "alpha"})
	src := filepath.Join(root, "a.txt")
	archive := &fakeArchive{dup: map[string]bool{src: true}}

	plan := &Plan{Files: []FilePlan{{Source: src, Key: "ka", Status: StatusNew}}}
	res, err := NewExecutor(archive, false, false, nil).Execute(context.Background(), plan, "")
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.Zero(t, res.Added)
}

func TestExecutor_StopsOnError(t *testing.T) {
	root := writeTree(t, map[string]string{"a.txt": "alpha", "b.txt": "beta", "c.txt": "alpha"})
	archive := &fakeArchive{fail: betree.ErrIO}

	_, err := NewExecutor(archive, false, true, nil).Execute(context.Background(), testPlan(root), "")
	require.ErrorIs(t, err, betree.ErrIO)
	require.FileExists(t, filepath.Join(root, "a.txt"), "failed insert removed its source")
}
