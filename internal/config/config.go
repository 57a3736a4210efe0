package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/culler/stash/internal/betree"
)

type Store struct {
	MinSize  int           `yaml:"min_size"`
	Digest   betree.Digest `yaml:"digest"`
	FileMode fs.FileMode   `yaml:"file_mode"`
}

type Ingest struct {
	Include   []string `yaml:"include"`
	Exclude   []string `yaml:"exclude"`
	Workers   int      `yaml:"workers"`
	Recursive bool     `yaml:"recursive"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	// Stash is the stash directory holding the file tree and the catalog.
	Stash  string `yaml:"stash"`
	Store  Store  `yaml:"store"`
	Ingest Ingest `yaml:"ingest"`
	Log    Log    `yaml:"log"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Stash: filepath.Join(home, "Stash"),
		Store: Store{
			MinSize:  betree.DefaultMinSize,
			Digest:   betree.DigestMD5,
			FileMode: 0o440,
		},
		Ingest: Ingest{
			Include: []string{"**"},
			Exclude: []string{
				"**/.DS_Store",
				"**/Thumbs.db",
				"**/desktop.ini",
				"**/.git/**",
				"**/*.{tmp,part,crdownload}",
				"**/~$*",
			},
			Workers:   4,
			Recursive: true,
		},
		Log: Log{
			Level:  "warn",
			Format: "text",
		},
	}
}

// Load reads the YAML config at path over the defaults. An empty or missing
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.Stash = ExpandHome(cfg.Stash)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Stash == "" {
		return fmt.Errorf("stash directory is not set")
	}
	if c.Store.MinSize < 2 {
		return fmt.Errorf("store.min_size must be at least 2, got %d", c.Store.MinSize)
	}
	if !c.Store.Digest.Valid() {
		return fmt.Errorf("store.digest %q is not one of md5, blake3", c.Store.Digest)
	}
	if c.Store.FileMode&0o400 == 0 {
		return fmt.Errorf("store.file_mode %o leaves stored files unreadable", c.Store.FileMode)
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers)
	}
	for _, p := range append(append([]string{}, c.Ingest.Include...), c.Ingest.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid ingest pattern %q", p)
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of text, json", c.Log.Format)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "stash", "config.yaml")
}
