package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/culler/stash/internal/betree"
)

// Archive stores a file and returns its key.
type Archive interface {
	Insert(source, batch string) (betree.Key, error)
}

type Executor struct {
	archive Archive
	dryRun  bool
	move    bool
	logger  *slog.Logger

	// Out receives the dry-run listing.
	Out io.Writer
}

type Result struct {
	Added   int   `json:"added"`
	Skipped int   `json:"skipped"`
	Removed int   `json:"removed"`
	Bytes   int64 `json:"bytes"`
}

// NewExecutor returns an executor that stores new files in archive. With
// move set, each source is removed once its content is known to be stored.
func NewExecutor(archive Archive, dryRun, move bool, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{archive: archive, dryRun: dryRun, move: move, logger: logger, Out: os.Stdout}
}

// Execute carries out plan under one batch id. Content that turns out to be
// stored already is skipped; any other failure stops the run.
func (e *Executor) Execute(ctx context.Context, plan *Plan, batch string) (*Result, error) {
	res := &Result{}
	for _, fp := range plan.Files {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if e.dryRun {
			if fp.Status == StatusNew {
				fmt.Fprintf(e.Out, "[DRY RUN] %s -> %s\n", fp.Source, fp.Key)
			} else {
				fmt.Fprintf(e.Out, "[DRY RUN] %s (%s, skipped)\n", fp.Source, fp.Status)
			}
			continue
		}

		if fp.Status == StatusNew {
			key, err := e.archive.Insert(fp.Source, batch)
			switch {
			case errors.Is(err, betree.ErrDuplicateKey):
				e.logger.Info("already stored", "path", fp.Source, "key", fp.Key)
				res.Skipped++
			case err != nil:
				return res, fmt.Errorf("failed to stash %s: %w", fp.Source, err)
			default:
				e.logger.Debug("stashed", "path", fp.Source, "key", key)
				res.Added++
				res.Bytes += fp.Size
			}
		} else {
			res.Skipped++
		}

		if e.move {
			if err := os.Remove(fp.Source); err != nil {
				return res, fmt.Errorf("failed to remove %s: %w", fp.Source, err)
			}
			res.Removed++
		}
	}
	return res, nil
}
