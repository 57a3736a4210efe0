package betree

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Mirror performs the filesystem side of tree maintenance. The tree decides
// what moves where; the mirror only carries it out.
type Mirror interface {
	Mkdir(path string) error
	Rmdir(path string) error
	// Rename moves a file or directory. Both paths are absolute.
	Rename(oldpath, newpath string) error
	// CopyIn copies the bytes of an external source file to dst.
	CopyIn(src, dst string) error
	// Remove unlinks a stored file.
	Remove(path string) error
}

// OSMirror applies tree changes to the real filesystem.
type OSMirror struct {
	// FileMode is applied to files after they are copied in. Zero means 0440.
	FileMode fs.FileMode
}

func (m OSMirror) Mkdir(path string) error {
	return ioErr(os.Mkdir(path, 0o755))
}

func (m OSMirror) Rmdir(path string) error {
	// os.Remove on a non-empty directory fails, which is what we want.
	return ioErr(os.Remove(path))
}

func (m OSMirror) Rename(oldpath, newpath string) error {
	return ioErr(os.Rename(oldpath, newpath))
}

// tempPrefix marks a copy in progress. No key starts with a dot, so Open can
// tell an interrupted copy from a stored item.
const tempPrefix = ".ingest-"

func isTempName(name string) bool { return strings.HasPrefix(name, tempPrefix) }

// CopyIn writes to a temporary sibling of dst and renames it into place, so
// a failed copy never leaves a partial file under a valid key name.
func (m OSMirror) CopyIn(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return ioErr(err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), tempPrefix+"*")
	if err != nil {
		return ioErr(err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return ioErr(err)
	}
	if err := tmp.Close(); err != nil {
		return ioErr(err)
	}

	mode := m.FileMode
	if mode == 0 {
		mode = 0o440
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return ioErr(err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return ioErr(err)
	}

	success = true
	return nil
}

// Remove makes the file writable before unlinking it; stored files are
// read-only.
func (m OSMirror) Remove(path string) error {
	if err := os.Chmod(path, 0o644); err != nil {
		return ioErr(err)
	}
	return ioErr(os.Remove(path))
}

func ioErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}
