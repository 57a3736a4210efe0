package stash

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/culler/stash/internal/betree"
	"github.com/culler/stash/internal/history"
)

// Directories an export never writes into.
var protectedPaths = []string{
	"/", "/usr", "/etc", "/var", "/opt", "/dev", "/proc", "/sys",
	"/bin", "/sbin", "/lib", "/lib64", "/boot",
	"/System", "/Library", "/Applications", // macOS
	"/Windows", "/Program Files",           // Windows
}

var (
	ErrFileExists    = errors.New("file exists")
	ErrProtectedPath = errors.New("refusing to write to protected path")
)

// Export copies the stored file for key to dest and returns the path
// written. When dest is a directory the file's original name is used.
// Existing files are never overwritten.
func (s *Stash) Export(key betree.Key, dest string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.tree.Find(key)
	if err != nil {
		return "", err
	}
	target, err := s.exportTarget(key, dest)
	if err != nil {
		return "", err
	}

	size, err := copyFile(src, target)
	if err != nil {
		return "", err
	}

	s.record(history.Operation{
		Type:     history.OpExport,
		Key:      string(key),
		DestPath: target,
		FileSize: size,
	})
	s.logger.Info("exported file", "key", key, "dest", target)
	return target, nil
}

// exportTarget resolves dest to the file to create and validates it.
func (s *Stash) exportTarget(key betree.Key, dest string) (string, error) {
	target, err := filepath.Abs(dest)
	if err != nil {
		return "", err
	}

	if info, err := os.Stat(target); err == nil {
		if !info.IsDir() {
			return "", fmt.Errorf("%w: %s", ErrFileExists, target)
		}
		name := ""
		if f, err := s.db.LookupFile(string(key)); err == nil {
			name = f.Filename
		} else if it, err := s.tree.Lookup(key); err == nil {
			name = it.Name()
		}
		target = filepath.Join(target, name)
		if _, err := os.Lstat(target); err == nil {
			return "", fmt.Errorf("%w: %s", ErrFileExists, target)
		}
	}

	if err := s.validateTarget(target); err != nil {
		return "", err
	}
	return target, nil
}

// validateTarget ensures the target is safe to write.
func (s *Stash) validateTarget(target string) error {
	dir := filepath.Dir(target)
	for _, protected := range protectedPaths {
		if dir == protected {
			return fmt.Errorf("%w: %s", ErrProtectedPath, dir)
		}
	}

	// Writing inside the stash would corrupt it.
	if s.inside(target) {
		return fmt.Errorf("%w: inside the stash", ErrProtectedPath)
	}
	return nil
}

// inside reports whether path is the stash directory or lies below it.
func (s *Stash) inside(path string) bool {
	return path == s.dir || strings.HasPrefix(path, s.dir+string(filepath.Separator))
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return 0, fmt.Errorf("%w: %s", ErrFileExists, dst)
		}
		return 0, err
	}

	n, err := io.CopyBuffer(out, in, make([]byte, 8192))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return 0, err
	}
	return n, nil
}
