package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/config"
)

// ErrNoWorkspace is returned by operations that require a loaded workspace.
var ErrNoWorkspace = errors.New("no workspace loaded")

// Source file extensions the built-in operations consider.
var sourceExtensions = map[string]bool{
	".cs":     true,
	".csproj": true,
	".sln":    true,
}

// workspace is the mutable state shared by the built-in operations.
type workspace struct {
	mu       sync.RWMutex
	root     string
	loadedAt time.Time
	files    []string
}

// NewDefault builds the registry of built-in operations configured by the
// worker environment contract.
func NewDefault(env config.WorkerEnv) *Registry {
	ws := &workspace{}
	r := NewRegistry()

	r.Register("load_workspace", ws.loadWorkspace)
	r.Register("workspace_info", ws.info)
	r.Register("list_files", ws.listFiles(env))
	r.Register("find_symbol", ws.findSymbol(env))

	return r
}

// loadWorkspace loads the workspace rooted at params.root.
func (w *workspace) loadWorkspace(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	root := gjson.GetBytes(params, "root").String()
	if root == "" {
		return nil, fmt.Errorf("load_workspace: missing root")
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("load_workspace: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("load_workspace: %s is not a directory", root)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if sourceExtensions[filepath.Ext(path)] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load_workspace: walk: %w", err)
	}

	w.mu.Lock()
	w.root = root
	w.loadedAt = time.Now()
	w.files = files
	w.mu.Unlock()

	out := []byte(`{}`)
	out, _ = sjson.SetBytes(out, "loaded", true)
	out, _ = sjson.SetBytes(out, "root", root)
	out, _ = sjson.SetBytes(out, "files", len(files))
	return out, nil
}

// info reports the current workspace state.
func (w *workspace) info(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := []byte(`{}`)
	out, _ = sjson.SetBytes(out, "loaded", w.root != "")
	if w.root != "" {
		out, _ = sjson.SetBytes(out, "root", w.root)
		out, _ = sjson.SetBytes(out, "loadedAt", w.loadedAt.Format(time.RFC3339))
		out, _ = sjson.SetBytes(out, "files", len(w.files))
	}
	return out, nil
}

// listFiles lists workspace files matching an optional glob on the base name.
func (w *workspace) listFiles(env config.WorkerEnv) OperationFunc {
	return func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
		w.mu.RLock()
		root, files := w.root, w.files
		w.mu.RUnlock()

		if root == "" {
			return nil, ErrNoWorkspace
		}

		glob := gjson.GetBytes(params, "glob").String()

		out := []byte(`{"files":[]}`)
		for _, f := range files {
			if glob != "" {
				if ok, _ := filepath.Match(glob, filepath.Base(f)); !ok {
					continue
				}
			}
			out, _ = sjson.SetBytes(out, "files.-1", formatPath(f, env.PathStyle))
		}
		return out, nil
	}
}

// findSymbol scans workspace files for an identifier, reporting at most the
// configured diagnostics cap of matches.
func (w *workspace) findSymbol(env config.WorkerEnv) OperationFunc {
	return func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		w.mu.RLock()
		root, files := w.root, w.files
		w.mu.RUnlock()

		if root == "" {
			return nil, ErrNoWorkspace
		}

		name := gjson.GetBytes(params, "name").String()
		if name == "" {
			return nil, fmt.Errorf("find_symbol: missing name")
		}

		out := []byte(`{"matches":[]}`)
		count := 0
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			matches, err := scanFile(f, name, env.MaxDiagnostics-count)
			if err != nil {
				continue // unreadable file, skip
			}
			for _, m := range matches {
				entry := []byte(`{}`)
				entry, _ = sjson.SetBytes(entry, "file", formatPath(f, env.PathStyle))
				entry, _ = sjson.SetBytes(entry, "line", m)
				out, _ = sjson.SetRawBytes(out, "matches.-1", entry)
				count++
			}
			if count >= env.MaxDiagnostics {
				break
			}
		}
		out, _ = sjson.SetBytes(out, "truncated", count >= env.MaxDiagnostics)
		return out, nil
	}
}

// scanFile returns the 1-based line numbers containing needle, up to limit.
func scanFile(path, needle string, limit int) ([]int, error) {
	if limit <= 0 {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for n := 1; scanner.Scan(); n++ {
		if strings.Contains(scanner.Text(), needle) {
			lines = append(lines, n)
			if len(lines) >= limit {
				break
			}
		}
	}
	return lines, scanner.Err()
}

// formatPath renders a path per the configured path style.
func formatPath(path, style string) string {
	if style == "uri" {
		return "file://" + filepath.ToSlash(path)
	}
	return path
}
