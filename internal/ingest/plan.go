package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/culler/stash/internal/betree"
)

type Status string

const (
	StatusNew       Status = "new"
	StatusStored    Status = "stored"
	StatusDuplicate Status = "duplicate"
)

type FilePlan struct {
	Source string     `json:"source"`
	Key    betree.Key `json:"key"`
	Size   int64      `json:"size"`
	Status Status     `json:"status"`
}

type Plan struct {
	Files []FilePlan `json:"files"`

	New        int   `json:"new"`
	Stored     int   `json:"stored"`
	Duplicates int   `json:"duplicates"`
	NewBytes   int64 `json:"new_bytes"`
}

// ErrInsideStash is returned for a source that lies in the stash directory.
var ErrInsideStash = errors.New("source is inside the stash")

// Index answers whether content is already stored.
type Index interface {
	Contains(key betree.Key) bool
}

type Planner struct {
	Filter    *Filter
	Digest    betree.Digest
	Workers   int
	Recursive bool
	Logger    *slog.Logger

	// StashDir is never ingested. Walks skip everything under it and a
	// source inside it is refused.
	StashDir string
}

// CreatePlan finds the files named by sources, hashes each one and sorts
// them into new content, content the index already holds, and repeats of
// content seen earlier in the same plan. Files named directly are always
// taken; files found by walking a directory must pass the filter.
func (p *Planner) CreatePlan(ctx context.Context, index Index, sources []string) (*Plan, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	stashDir := ""
	if p.StashDir != "" {
		stashDir = resolve(p.StashDir)
	}

	var found []Entry
	for _, src := range sources {
		info, err := os.Stat(src)
		if err != nil {
			return nil, err
		}
		root := resolve(src)
		if stashDir != "" && within(stashDir, root) {
			return nil, fmt.Errorf("%w: %s", ErrInsideStash, src)
		}
		if !info.IsDir() {
			if !isRegular(info) {
				return nil, fmt.Errorf("%s is not a regular file", src)
			}
			found = append(found, Entry{Path: src, Rel: filepath.Base(src), Size: info.Size()})
			continue
		}

		results := make(chan ScanResult, 100)
		go Scan(src, p.Recursive, results)
		for r := range results {
			if r.Err != nil {
				logger.Warn("skipping unreadable path", "error", r.Err)
				continue
			}
			if stashDir != "" && within(stashDir, filepath.Join(root, filepath.FromSlash(r.Entry.Rel))) {
				logger.Debug("skipping stash contents", "path", r.Entry.Path)
				continue
			}
			if p.Filter != nil && !p.Filter.Match(r.Entry.Rel) {
				logger.Debug("excluded", "path", r.Entry.Path)
				continue
			}
			found = append(found, r.Entry)
		}
	}
	slices.SortFunc(found, func(a, b Entry) int { return strings.Compare(a.Path, b.Path) })

	files := make([]FilePlan, len(found))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.Workers, 1))
	for i, e := range found {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			key, err := betree.HashFile(e.Path, p.Digest)
			if err != nil {
				return err
			}
			files[i] = FilePlan{Source: e.Path, Key: key, Size: e.Size}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	plan := &Plan{Files: files}
	seen := make(map[betree.Key]bool)
	for i := range plan.Files {
		fp := &plan.Files[i]
		switch {
		case index != nil && index.Contains(fp.Key):
			fp.Status = StatusStored
			plan.Stored++
		case seen[fp.Key]:
			fp.Status = StatusDuplicate
			plan.Duplicates++
		default:
			fp.Status = StatusNew
			plan.New++
			plan.NewBytes += fp.Size
		}
		seen[fp.Key] = true
	}

	logger.Info("planned ingest", "files", len(files), "new", plan.New,
		"stored", plan.Stored, "duplicates", plan.Duplicates)
	return plan, nil
}

// resolve returns an absolute, symlink-free form of path where it can.
func resolve(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// within reports whether path is dir or lies below it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
