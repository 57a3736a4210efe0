package ingest

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter decides which walked files are ingested. Patterns are doublestar
// globs matched against the slash-separated path below the walked root.
type Filter struct {
	include []string
	exclude []string
}

func NewFilter(include, exclude []string) (*Filter, error) {
	for _, p := range append(append([]string{}, include...), exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q", p)
		}
	}
	return &Filter{include: include, exclude: exclude}, nil
}

// Match reports whether rel is included and not excluded. An empty include
// list includes everything.
func (f *Filter) Match(rel string) bool {
	if matchAny(f.exclude, rel) {
		return false
	}
	return len(f.include) == 0 || matchAny(f.include, rel)
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if matched, err := doublestar.Match(p, rel); err == nil && matched {
			return true
		}
	}
	return false
}
