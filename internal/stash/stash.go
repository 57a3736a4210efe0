// Package stash is a directory holding a content-addressed file tree and a
// catalog of what each stored file was called.
package stash

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/culler/stash/internal/betree"
	"github.com/culler/stash/internal/history"
)

const (
	treeDir     = ".stashfiles"
	catalogFile = "db.stash"
)

var (
	ErrExists   = errors.New("path is in use")
	ErrNotStash = errors.New("not a stash directory")
)

type Options struct {
	MinSize  int
	Digest   betree.Digest
	FileMode fs.FileMode
	Logger   *slog.Logger
}

func (o Options) treeOptions() betree.Options {
	return betree.Options{
		MinSize: o.MinSize,
		Digest:  o.Digest,
		Mirror:  betree.OSMirror{FileMode: o.FileMode},
		Logger:  o.Logger,
	}
}

// Stash is an open stash directory. Its methods are safe for concurrent
// use; every operation holds the stash's lock.
type Stash struct {
	mu     sync.Mutex
	dir    string
	opts   Options
	tree   *betree.Tree
	db     *history.DB
	logger *slog.Logger
}

// Create makes a new stash at dir, which must not exist yet.
func Create(dir string, opts Options) (*Stash, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(abs); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, abs)
	}
	if err := os.Mkdir(abs, 0755); err != nil {
		return nil, err
	}
	if err := os.Mkdir(filepath.Join(abs, treeDir), 0755); err != nil {
		return nil, err
	}
	db, err := history.Open(filepath.Join(abs, catalogFile))
	if err != nil {
		return nil, err
	}
	s, err := attach(abs, db, opts)
	if err != nil {
		return nil, err
	}
	s.logger.Info("created stash", "dir", abs)
	return s, nil
}

// Open attaches an existing stash directory.
func Open(dir string, opts Options) (*Stash, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotStash, abs)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotStash, abs)
	}
	if info, err := os.Stat(filepath.Join(abs, treeDir)); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s has no %s", ErrNotStash, abs, treeDir)
	}
	if info, err := os.Stat(filepath.Join(abs, catalogFile)); err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s has no %s", ErrNotStash, abs, catalogFile)
	}

	db, err := history.Open(filepath.Join(abs, catalogFile))
	if err != nil {
		return nil, err
	}
	return attach(abs, db, opts)
}

func attach(dir string, db *history.DB, opts Options) (*Stash, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tree, err := betree.Open(filepath.Join(dir, treeDir), opts.treeOptions())
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Stash{
		dir:    dir,
		opts:   opts,
		tree:   tree,
		db:     db,
		logger: opts.Logger.With("stash", dir),
	}, nil
}

func (s *Stash) Dir() string { return s.dir }

// Reopen rebuilds the tree from disk. It is the way back after a failed
// rebalance left the tree refusing changes. The CLI opens a fresh stash per
// command; the browser calls this on reload.
func (s *Stash) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree, err := betree.Open(s.tree.RootPath(), s.opts.treeOptions())
	if err != nil {
		return err
	}
	s.tree = tree
	s.logger.Info("reopened tree", "items", tree.Len())
	return nil
}

// Insert stores a copy of source and catalogs its filename. batch groups
// journal entries made by one command.
func (s *Stash) Insert(source, batch string) (betree.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inside(absPath(source)) {
		return "", fmt.Errorf("%w: %s is inside the stash", ErrProtectedPath, source)
	}
	info, err := os.Stat(source)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", source)
	}

	it, err := betree.NewSourceItem(source, s.tree.Digest())
	if err != nil {
		return "", err
	}
	if err := s.tree.InsertItem(it); err != nil {
		return "", err
	}

	err = s.db.AddFile(history.File{
		Key:       string(it.Key),
		Filename:  filepath.Base(source),
		Extension: it.Ext,
		Size:      info.Size(),
	})
	if err != nil {
		// Keep tree and catalog in step.
		if derr := s.tree.Delete(it.Key); derr != nil {
			s.logger.Error("could not undo insert", "key", it.Key, "error", derr)
		}
		return "", fmt.Errorf("cataloging %s: %w", source, err)
	}

	s.record(history.Operation{
		Type:       history.OpInsert,
		Key:        string(it.Key),
		SourcePath: absPath(source),
		FileSize:   info.Size(),
		Batch:      batch,
		Metadata:   map[string]string{"digest": string(s.tree.Digest())},
	})
	s.logger.Info("stored file", "path", source, "key", it.Key)
	return it.Key, nil
}

// Delete removes the stored file for key and its catalog entry.
func (s *Stash) Delete(key betree.Key, batch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var size int64
	var name string
	if f, err := s.db.LookupFile(string(key)); err == nil {
		size, name = f.Size, f.Filename
	}

	if err := s.tree.Delete(key); err != nil {
		return err
	}
	if err := s.db.RemoveFile(string(key)); err != nil {
		return fmt.Errorf("removing catalog entry %s: %w", key, err)
	}

	s.record(history.Operation{
		Type:     history.OpDelete,
		Key:      string(key),
		FileSize: size,
		Batch:    batch,
		Metadata: map[string]string{"original_name": name},
	})
	s.logger.Info("deleted file", "key", key)
	return nil
}

// Find returns the path of the stored file for key.
func (s *Stash) Find(key betree.Key) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Find(key)
}

func (s *Stash) Contains(key betree.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Contains(key)
}

// Items lists the stored items in key order.
func (s *Stash) Items() []betree.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Items()
}

func (s *Stash) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}

func (s *Stash) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Depth()
}

// Files searches the catalog by original filename.
func (s *Stash) Files(query string) ([]history.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.FindFiles(query)
}

// File returns the catalog entry for key.
func (s *Stash) File(key betree.Key) (*history.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.LookupFile(string(key))
}

// Check reports every violation of the tree's invariants, and catalog
// entries that disagree with the tree.
func (s *Stash) Check() ([]betree.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := s.tree.Check()
	files, err := s.db.FindFiles("")
	if err != nil {
		return nil, err
	}
	catalogPath := filepath.Join(s.dir, catalogFile)
	cataloged := make(map[betree.Key]bool, len(files))
	for _, f := range files {
		cataloged[betree.Key(f.Key)] = true
		if !s.tree.Contains(betree.Key(f.Key)) {
			found = append(found, betree.Violation{
				Path:    catalogPath,
				Problem: fmt.Sprintf("catalog entry %s (%s) has no stored file", f.Key, f.Filename),
			})
		}
	}
	for _, it := range s.tree.Items() {
		if !cataloged[it.Key] {
			found = append(found, betree.Violation{
				Path:    catalogPath,
				Problem: fmt.Sprintf("stored file %s is not cataloged", it.Name()),
			})
		}
	}
	return found, nil
}

// Dump writes an indented listing of the tree.
func (s *Stash) Dump(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Dump(w)
}

func (s *Stash) WriteJSON(w io.Writer, maxDepth int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.WriteJSON(w, maxDepth)
}

// History returns journal entries since t, newest first.
func (s *Stash) History(since time.Time) ([]history.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Since(since)
}

// SearchHistory matches query against journaled keys and paths.
func (s *Stash) SearchHistory(query string) ([]history.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Search(query)
}

// Batch returns the journal entries of one batch.
func (s *Stash) Batch(batch string) ([]history.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Batch(batch)
}

// record journals op. The change has already happened, so a journal failure
// is only logged.
func (s *Stash) record(op history.Operation) {
	if _, err := s.db.Record(op); err != nil {
		s.logger.Warn("could not journal operation", "op", op.Type, "key", op.Key, "error", err)
	}
}

func (s *Stash) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
