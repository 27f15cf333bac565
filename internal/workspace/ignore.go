package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// ignoreMatcher applies the root .gitignore.
type ignoreMatcher struct {
	matcher gitignore.Matcher
}

func loadIgnore(root string) (*ignoreMatcher, error) {
	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if errors.Is(err, os.ErrNotExist) {
		return &ignoreMatcher{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading .gitignore: %w", err)
	}

	var patterns []gitignore.Pattern
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	return &ignoreMatcher{matcher: gitignore.NewMatcher(patterns)}, nil
}

// Ignored reports whether the slash-separated rel path is excluded.
func (m *ignoreMatcher) Ignored(rel string, isDir bool) bool {
	if m == nil || m.matcher == nil {
		return false
	}
	return m.matcher.Match(strings.Split(rel, "/"), isDir)
}
