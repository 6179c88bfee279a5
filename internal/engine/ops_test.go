package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/config"
)

// makeWorkspace creates a temp workspace with a few C# sources.
func makeWorkspace(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	files := map[string]string{
		"App.cs":          "class App {\n  void Main() { Widget w; }\n}\n",
		"Widget.cs":       "class Widget {\n  int Widget;\n}\n",
		"Project.csproj":  "<Project />\n",
		"notes.txt":       "Widget everywhere\n",
		"sub/Helper.cs":   "static class Helper {}\n",
		"sub/ignored.bin": "\x00\x01",
	}
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return root
}

func loadTestWorkspace(t *testing.T, eng *Registry, root string) {
	t.Helper()

	params, _ := json.Marshal(map[string]string{"root": root})
	result, err := eng.Invoke(context.Background(), "load_workspace", params)
	if err != nil {
		t.Fatalf("load_workspace: %v", err)
	}
	if !gjson.GetBytes(result, "loaded").Bool() {
		t.Fatalf("expected loaded=true, got %s", result)
	}
}

func TestLoadWorkspace(t *testing.T) {
	eng := NewDefault(config.DefaultWorkerEnv())
	root := makeWorkspace(t)

	params, _ := json.Marshal(map[string]string{"root": root})
	result, err := eng.Invoke(context.Background(), "load_workspace", params)
	if err != nil {
		t.Fatalf("load_workspace: %v", err)
	}

	// App.cs, Widget.cs, Project.csproj, sub/Helper.cs
	if n := gjson.GetBytes(result, "files").Int(); n != 4 {
		t.Errorf("expected 4 source files, got %d (%s)", n, result)
	}
}

func TestLoadWorkspace_Errors(t *testing.T) {
	eng := NewDefault(config.DefaultWorkerEnv())

	tests := []struct {
		name   string
		params string
	}{
		{"missing root", `{}`},
		{"nonexistent", `{"root":"/does/not/exist"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := eng.Invoke(context.Background(), "load_workspace", json.RawMessage(tt.params)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWorkspaceInfo(t *testing.T) {
	eng := NewDefault(config.DefaultWorkerEnv())

	result, err := eng.Invoke(context.Background(), "workspace_info", nil)
	if err != nil {
		t.Fatalf("workspace_info: %v", err)
	}
	if gjson.GetBytes(result, "loaded").Bool() {
		t.Error("expected loaded=false before load")
	}

	root := makeWorkspace(t)
	loadTestWorkspace(t, eng, root)

	result, err = eng.Invoke(context.Background(), "workspace_info", nil)
	if err != nil {
		t.Fatalf("workspace_info: %v", err)
	}
	if !gjson.GetBytes(result, "loaded").Bool() {
		t.Error("expected loaded=true after load")
	}
	if got := gjson.GetBytes(result, "root").String(); got != root {
		t.Errorf("expected root %q, got %q", root, got)
	}
}

func TestListFiles_RequiresWorkspace(t *testing.T) {
	eng := NewDefault(config.DefaultWorkerEnv())

	_, err := eng.Invoke(context.Background(), "list_files", nil)
	if !errors.Is(err, ErrNoWorkspace) {
		t.Errorf("expected ErrNoWorkspace, got %v", err)
	}
}

func TestListFiles_Glob(t *testing.T) {
	eng := NewDefault(config.DefaultWorkerEnv())
	loadTestWorkspace(t, eng, makeWorkspace(t))

	result, err := eng.Invoke(context.Background(), "list_files", json.RawMessage(`{"glob":"*.cs"}`))
	if err != nil {
		t.Fatalf("list_files: %v", err)
	}

	files := gjson.GetBytes(result, "files").Array()
	if len(files) != 3 {
		t.Fatalf("expected 3 .cs files, got %d (%s)", len(files), result)
	}
	for _, f := range files {
		if !strings.HasSuffix(f.String(), ".cs") {
			t.Errorf("unexpected file %q", f.String())
		}
	}
}

func TestListFiles_URIPathStyle(t *testing.T) {
	env := config.DefaultWorkerEnv()
	env.PathStyle = "uri"
	eng := NewDefault(env)
	loadTestWorkspace(t, eng, makeWorkspace(t))

	result, err := eng.Invoke(context.Background(), "list_files", nil)
	if err != nil {
		t.Fatalf("list_files: %v", err)
	}
	for _, f := range gjson.GetBytes(result, "files").Array() {
		if !strings.HasPrefix(f.String(), "file://") {
			t.Errorf("expected file:// path, got %q", f.String())
		}
	}
}

func TestFindSymbol(t *testing.T) {
	eng := NewDefault(config.DefaultWorkerEnv())
	loadTestWorkspace(t, eng, makeWorkspace(t))

	result, err := eng.Invoke(context.Background(), "find_symbol", json.RawMessage(`{"name":"Widget"}`))
	if err != nil {
		t.Fatalf("find_symbol: %v", err)
	}

	// Widget appears in App.cs (line 2) and twice in Widget.cs; notes.txt is
	// not a source file and must not be scanned.
	matches := gjson.GetBytes(result, "matches").Array()
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d (%s)", len(matches), result)
	}
	if gjson.GetBytes(result, "truncated").Bool() {
		t.Error("expected truncated=false")
	}
}

func TestFindSymbol_DiagnosticsCap(t *testing.T) {
	env := config.DefaultWorkerEnv()
	env.MaxDiagnostics = 2
	eng := NewDefault(env)
	loadTestWorkspace(t, eng, makeWorkspace(t))

	result, err := eng.Invoke(context.Background(), "find_symbol", json.RawMessage(`{"name":"Widget"}`))
	if err != nil {
		t.Fatalf("find_symbol: %v", err)
	}

	matches := gjson.GetBytes(result, "matches").Array()
	if len(matches) != 2 {
		t.Fatalf("expected cap of 2 matches, got %d", len(matches))
	}
	if !gjson.GetBytes(result, "truncated").Bool() {
		t.Error("expected truncated=true")
	}
}

func TestFindSymbol_MissingName(t *testing.T) {
	eng := NewDefault(config.DefaultWorkerEnv())
	loadTestWorkspace(t, eng, makeWorkspace(t))

	if _, err := eng.Invoke(context.Background(), "find_symbol", json.RawMessage(`{}`)); err == nil {
		t.Error("expected error for missing name")
	}
}

func TestDefaultOperations(t *testing.T) {
	eng := NewDefault(config.DefaultWorkerEnv())

	want := []string{"find_symbol", "list_files", "load_workspace", "workspace_info"}
	ops := eng.Operations()
	if fmt.Sprint(ops) != fmt.Sprint(want) {
		t.Errorf("Operations() = %v, want %v", ops, want)
	}
}
