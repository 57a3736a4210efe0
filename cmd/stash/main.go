package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/culler/stash/internal/betree"
	"github.com/culler/stash/internal/config"
	"github.com/culler/stash/internal/history"
	"github.com/culler/stash/internal/ingest"
	"github.com/culler/stash/internal/stash"
	"github.com/culler/stash/internal/tui"
)

var (
	cfgFile   string
	stashDir  string
	jsonOut   bool
	dryRun    bool
	plan      bool
	moveFlag  bool
	yesFlag   bool
	nameQuery string
	sinceDays int
	batchID   string
	depth     int
)

var rootCmd = &cobra.Command{
	Use:           "stash",
	Short:         "Content-addressed personal file archive",
	Long:          `Stash your files and find them later. Files are stored by content hash in a balanced directory tree.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig reads the config file and applies the --dir override.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if stashDir != "" {
		cfg.Stash = config.ExpandHome(stashDir)
	}
	return cfg, nil
}

func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	level.UnmarshalText([]byte(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func storeOptions(cfg *config.Config) stash.Options {
	return stash.Options{
		MinSize:  cfg.Store.MinSize,
		Digest:   cfg.Store.Digest,
		FileMode: cfg.Store.FileMode,
		Logger:   newLogger(cfg.Log),
	}
}

func openStash() (*stash.Stash, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	s, err := stash.Open(cfg.Stash, storeOptions(cfg))
	if err != nil {
		return nil, nil, err
	}
	return s, cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a new stash",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := cfg.Stash
		if len(args) > 0 {
			dir = args[0]
		}

		s, err := stash.Create(dir, storeOptions(cfg))
		if err != nil {
			return err
		}
		defer s.Close()

		fmt.Printf("Created stash %s\n", s.Dir())
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add <paths...>",
	Short: "Stash files and directories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cfg, err := openStash()
		if err != nil {
			return err
		}
		defer s.Close()

		filter, err := ingest.NewFilter(cfg.Ingest.Include, cfg.Ingest.Exclude)
		if err != nil {
			return err
		}
		planner := &ingest.Planner{
			Filter:    filter,
			Digest:    cfg.Store.Digest,
			Workers:   cfg.Ingest.Workers,
			Recursive: cfg.Ingest.Recursive,
			Logger:    newLogger(cfg.Log),
			StashDir:  s.Dir(),
		}
		p, err := planner.CreatePlan(cmd.Context(), s, args)
		if err != nil {
			return err
		}

		if plan || jsonOut {
			return outputPlan(p)
		}

		batch := uuid.New().String()
		exec := ingest.NewExecutor(s, dryRun, moveFlag, newLogger(cfg.Log))
		res, err := exec.Execute(cmd.Context(), p, batch)
		if err != nil {
			return err
		}
		if dryRun {
			fmt.Printf("Would stash %d files (%s).\n", p.New, humanize.Bytes(uint64(p.NewBytes)))
			return nil
		}

		fmt.Printf("Stashed %d files (%s), skipped %d already stored", res.Added,
			humanize.Bytes(uint64(res.Bytes)), res.Skipped)
		if moveFlag {
			fmt.Printf(", removed %d sources", res.Removed)
		}
		fmt.Printf(". Batch %s\n", batch)
		return nil
	},
}

func outputPlan(p *ingest.Plan) error {
	if jsonOut {
		return printJSON(p)
	}

	for _, f := range p.Files {
		fmt.Printf("%-9s %s  %s\n", f.Status, f.Key, f.Source)
	}
	fmt.Printf("\n%d new (%s), %d already stored, %d duplicates\n",
		p.New, humanize.Bytes(uint64(p.NewBytes)), p.Stored, p.Duplicates)
	return nil
}

var rmCmd = &cobra.Command{
	Use:   "rm <keys...>",
	Short: "Remove files from the stash",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !yesFlag {
			return fmt.Errorf("use --yes to confirm deletion")
		}

		s, _, err := openStash()
		if err != nil {
			return err
		}
		defer s.Close()

		batch := uuid.New().String()
		failed := 0
		for _, k := range args {
			if err := s.Delete(betree.Key(k), batch); err != nil {
				fmt.Fprintf(os.Stderr, "failed %s: %v\n", k, describe(err))
				failed++
				continue
			}
			fmt.Printf("deleted %s\n", k)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d deletions failed", failed, len(args))
		}
		return nil
	},
}

var findCmd = &cobra.Command{
	Use:   "find [key]",
	Short: "Print the stored path of a key, or search original names",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if nameQuery == "" && len(args) == 0 {
			return fmt.Errorf("give a key or --name")
		}

		s, _, err := openStash()
		if err != nil {
			return err
		}
		defer s.Close()

		if nameQuery != "" {
			files, err := s.Files(nameQuery)
			if err != nil {
				return err
			}
			return outputFiles(s, files)
		}

		path, err := s.Find(betree.Key(args[0]))
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <key> <dest>",
	Short: "Copy a stored file out of the stash",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := openStash()
		if err != nil {
			return err
		}
		defer s.Close()

		dest, err := s.Export(betree.Key(args[0]), args[1])
		if err != nil {
			return err
		}
		fmt.Printf("exported %s\n", dest)
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [query]",
	Short: "List cataloged files",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := openStash()
		if err != nil {
			return err
		}
		defer s.Close()

		query := ""
		if len(args) > 0 {
			query = args[0]
		}
		files, err := s.Files(query)
		if err != nil {
			return err
		}
		return outputFiles(s, files)
	},
}

func outputFiles(s *stash.Stash, files []history.File) error {
	if jsonOut {
		return printJSON(files)
	}
	if len(files) == 0 {
		fmt.Println("No files found")
		return nil
	}

	var total int64
	for _, f := range files {
		total += f.Size
		fmt.Printf("%s  %8s  %s  %s\n",
			f.Key,
			humanize.Bytes(uint64(f.Size)),
			f.Added.Local().Format("2006-01-02 15:04"),
			f.Filename)
	}
	fmt.Printf("\n%d files, %s | %s\n", len(files), humanize.Bytes(uint64(total)), s.Dir())
	return nil
}

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Show the structure of the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := openStash()
		if err != nil {
			return err
		}
		defer s.Close()

		if jsonOut {
			return s.WriteJSON(os.Stdout, depth)
		}
		fmt.Printf("%d items, depth %d\n", s.Len(), s.Depth())
		return s.Dump(os.Stdout)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the store and catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := openStash()
		if err != nil {
			return err
		}
		defer s.Close()

		found, err := s.Check()
		if err != nil {
			return err
		}
		if jsonOut {
			if err := printJSON(found); err != nil {
				return err
			}
		} else {
			for _, v := range found {
				fmt.Println(v)
			}
		}
		if len(found) > 0 {
			return fmt.Errorf("%d problems found", len(found))
		}
		if !jsonOut {
			fmt.Printf("OK: %d items, depth %d\n", s.Len(), s.Depth())
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [query]",
	Short: "Search operation history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := openStash()
		if err != nil {
			return err
		}
		defer s.Close()

		var ops []history.Operation

		switch {
		case batchID != "":
			ops, err = s.Batch(batchID)
		case len(args) > 0:
			ops, err = s.SearchHistory(args[0])
		case sinceDays > 0:
			ops, err = s.History(time.Now().AddDate(0, 0, -sinceDays))
		default:
			ops, err = s.History(time.Now().AddDate(0, 0, -7))
		}
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(ops)
		}

		if len(ops) == 0 {
			fmt.Println("No operations found")
			return nil
		}

		for _, op := range ops {
			fmt.Printf("%d | %s | %-6s | %s",
				op.ID,
				op.Timestamp.Local().Format("2006-01-02 15:04"),
				op.Type,
				op.Key)
			if op.SourcePath != "" {
				fmt.Printf(" <- %s", filepath.Base(op.SourcePath))
			}
			if op.DestPath != "" {
				fmt.Printf(" -> %s", op.DestPath)
			}
			fmt.Println()
		}
		return nil
	},
}

var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Browse the stash interactively",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := openStash()
		if err != nil {
			return err
		}
		defer s.Close()

		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		return tui.Run(s, cwd, uuid.New().String())
	},
}

// describe turns the store's expected failures into plain messages.
func describe(err error) error {
	switch {
	case errors.Is(err, betree.ErrDuplicateKey):
		return fmt.Errorf("that file is already stored in the stash (%w)", err)
	case errors.Is(err, betree.ErrNotFound):
		return fmt.Errorf("no such file in the stash (%w)", err)
	case errors.Is(err, stash.ErrNotStash):
		return fmt.Errorf("%w; create one with 'stash init'", err)
	case errors.Is(err, betree.ErrCorruptStore):
		return fmt.Errorf("%w; run 'stash check' for details", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/stash/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&stashDir, "dir", "", "stash directory (overrides config)")

	rootCmd.AddCommand(initCmd)

	addCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would happen")
	addCmd.Flags().BoolVar(&plan, "plan", false, "output plan")
	addCmd.Flags().BoolVar(&jsonOut, "json", false, "output plan as JSON")
	addCmd.Flags().BoolVar(&moveFlag, "move", false, "remove sources once stored")
	rootCmd.AddCommand(addCmd)

	rmCmd.Flags().BoolVar(&yesFlag, "yes", false, "confirm deletion")
	rootCmd.AddCommand(rmCmd)

	findCmd.Flags().StringVar(&nameQuery, "name", "", "search original filenames")
	findCmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	rootCmd.AddCommand(findCmd)

	rootCmd.AddCommand(exportCmd)

	lsCmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	rootCmd.AddCommand(lsCmd)

	treeCmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	treeCmd.Flags().IntVar(&depth, "depth", 0, "levels to expand in JSON output (0 = all)")
	rootCmd.AddCommand(treeCmd)

	checkCmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	rootCmd.AddCommand(checkCmd)

	historyCmd.Flags().IntVar(&sinceDays, "since", 0, "show operations from last N days")
	historyCmd.Flags().StringVar(&batchID, "batch", "", "show one batch")
	historyCmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	rootCmd.AddCommand(historyCmd)

	rootCmd.AddCommand(browseCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, describe(err))
		stop()
		os.Exit(1)
	}
}
