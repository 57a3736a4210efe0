// Package ingest finds the files to stash, hashes them into a plan and
// carries the plan out against an archive.
package ingest

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

type Entry struct {
	// Path is the file's path as found, Rel its slash-separated path below
	// the walked root.
	Path string
	Rel  string
	Size int64
}

type ScanResult struct {
	Entry Entry
	Err   error
}

// Scan walks root and sends every regular file below it. Directories are
// listed concurrently; symlinks are not followed. Without recursive only
// root's own files are sent. results is closed when the walk is done.
func Scan(root string, recursive bool, results chan<- ScanResult) {
	defer close(results)

	var wg sync.WaitGroup
	sem := make(chan struct{}, 20) // Limit concurrent directory reads

	var walk func(path string)
	walk = func(path string) {
		defer wg.Done()

		sem <- struct{}{}
		entries, err := os.ReadDir(path)
		<-sem
		if err != nil {
			results <- ScanResult{Err: err}
			return
		}

		for _, e := range entries {
			fullPath := filepath.Join(path, e.Name())
			switch {
			case e.IsDir():
				if recursive {
					wg.Add(1)
					go walk(fullPath)
				}
			case e.Type().IsRegular():
				info, err := e.Info()
				if err != nil {
					results <- ScanResult{Err: err}
					continue
				}
				rel, _ := filepath.Rel(root, fullPath)
				results <- ScanResult{Entry: Entry{
					Path: fullPath,
					Rel:  filepath.ToSlash(rel),
					Size: info.Size(),
				}}
			}
		}
	}

	wg.Add(1)
	walk(root)
	wg.Wait()
}

func isRegular(info fs.FileInfo) bool {
	return info.Mode().IsRegular()
}
