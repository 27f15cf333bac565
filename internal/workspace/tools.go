package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/Delta-Labs-AG/rlm/internal/config"
	"github.com/Delta-Labs-AG/rlm/internal/sandbox"
)

const binarySampleSize = 8000

var (
	ErrPathRequired = errors.New("path is required")
	ErrInvalidRange = errors.New("offset and limit must be >= 0")
	ErrBinaryFile   = errors.New("binary file")
	ErrIsDirectory  = errors.New("path is a directory")
)

// ReadFileRequest reads all or part of a file.
type ReadFileRequest struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset,omitempty"`
	Limit  int64  `json:"limit,omitempty"`
}

func (r ReadFileRequest) Validate() error {
	if r.Path == "" {
		return ErrPathRequired
	}
	if r.Offset < 0 || r.Limit < 0 {
		return ErrInvalidRange
	}
	return nil
}

// ListDirectoryRequest lists the immediate children of a directory, or
// descendants up to MaxDepth.
type ListDirectoryRequest struct {
	Path           string `json:"path,omitempty"`
	MaxDepth       int    `json:"max_depth,omitempty"`
	IncludeIgnored bool   `json:"include_ignored,omitempty"`
}

// Entry is one listed path.
type Entry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// ListDirectoryResponse holds a sorted listing: directories first, then
// files, each alphabetical.
type ListDirectoryResponse struct {
	Directory string  `json:"directory"`
	Entries   []Entry `json:"entries"`
	Truncated bool    `json:"truncated,omitempty"`
}

// Workspace exposes read_file and list_directory over one root.
type Workspace struct {
	resolver   *Resolver
	ignore     *ignoreMatcher
	maxBytes   int64
	maxEntries int
}

// New creates a Workspace for cfg.Root.
func New(cfg config.WorkspaceConfig) (*Workspace, error) {
	r, err := NewResolver(cfg.Root)
	if err != nil {
		return nil, err
	}
	ignore, err := loadIgnore(r.Root())
	if err != nil {
		return nil, err
	}
	return &Workspace{resolver: r, ignore: ignore, maxBytes: cfg.MaxFileBytes, maxEntries: cfg.MaxListEntries}, nil
}

// Tools returns the workspace tools.
func (w *Workspace) Tools() []sandbox.Tool {
	return []sandbox.Tool{
		sandbox.NewTool("read_file",
			"Read a UTF-8 text file from the workspace. Offset and limit select a byte range.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":   map[string]any{"type": "string", "description": "Path relative to the workspace root"},
					"offset": map[string]any{"type": "integer", "minimum": 0},
					"limit":  map[string]any{"type": "integer", "minimum": 0},
				},
				"required": []any{"path"},
			},
			w.ReadFile),
		sandbox.NewTool("list_directory",
			"List files and directories in the workspace.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":            map[string]any{"type": "string", "description": "Directory relative to the workspace root; defaults to the root"},
					"max_depth":       map[string]any{"type": "integer", "minimum": 0, "description": "0 lists only immediate children"},
					"include_ignored": map[string]any{"type": "boolean", "description": "Include paths matched by .gitignore"},
				},
			},
			w.ListDirectory),
	}
}

// ReadFile returns the requested range of a text file.
func (w *Workspace) ReadFile(_ context.Context, req ReadFileRequest) (string, error) {
	abs, rel, err := w.resolver.Resolve(req.Path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrIsDirectory, rel)
	}

	limit := req.Limit
	if limit == 0 || limit > w.maxBytes {
		limit = w.maxBytes
	}
	f, err := os.Open(abs)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.NewSectionReader(f, req.Offset, limit))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	sample := data[:min(len(data), binarySampleSize)]
	if bytes.IndexByte(sample, 0) >= 0 {
		return "", fmt.Errorf("%w: %s", ErrBinaryFile, rel)
	}

	content := string(data)
	if req.Offset+int64(len(data)) < info.Size() {
		content += fmt.Sprintf("\n[truncated: showed bytes %d-%d of %d]", req.Offset, req.Offset+int64(len(data)), info.Size())
	}
	return content, nil
}

// ListDirectory walks a directory up to req.MaxDepth, capped at the
// configured entry count. Paths matched by the root .gitignore are
// skipped unless req.IncludeIgnored is set.
func (w *Workspace) ListDirectory(_ context.Context, req ListDirectoryRequest) (ListDirectoryResponse, error) {
	abs, rel, err := w.resolver.Resolve(req.Path)
	if err != nil {
		return ListDirectoryResponse{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return ListDirectoryResponse{}, fmt.Errorf("stat %s: %w", req.Path, err)
	}
	if !info.IsDir() {
		return ListDirectoryResponse{}, fmt.Errorf("%w: %s", ErrNotADirectory, req.Path)
	}

	resp := ListDirectoryResponse{Directory: rel, Entries: []Entry{}}
	root := os.DirFS(abs)
	err = fs.WalkDir(root, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == "." {
			return nil
		}
		depth := strings.Count(p, "/")
		name := path.Join(rel, p)
		if d.IsDir() && d.Name() == ".git" {
			return fs.SkipDir
		}
		if !req.IncludeIgnored && w.ignore.Ignored(name, d.IsDir()) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if len(resp.Entries) >= w.maxEntries {
			resp.Truncated = true
			return fs.SkipAll
		}
		e := Entry{Path: name, IsDir: d.IsDir()}
		if !d.IsDir() {
			if fi, err := d.Info(); err == nil {
				e.Size = fi.Size()
			}
		}
		resp.Entries = append(resp.Entries, e)
		if d.IsDir() && depth >= req.MaxDepth {
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		return ListDirectoryResponse{}, fmt.Errorf("listing %s: %w", req.Path, err)
	}

	slices.SortFunc(resp.Entries, func(a, b Entry) int {
		if a.IsDir != b.IsDir {
			if a.IsDir {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Path, b.Path)
	})
	return resp, nil
}
