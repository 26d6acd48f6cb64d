package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreprocessCodeAutoNamesGraphs(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{
			name: "bare scatter gets a name",
			code: "scatter price mpg",
			want: "scatter price mpg, name(graph1, replace)",
		},
		{
			name: "options preserved after injected name",
			code: "histogram price, title(Prices)",
			want: "histogram price, name(graph1, replace) title(Prices)",
		},
		{
			name: "existing name left alone",
			code: "twoway scatter y x, name(mine)",
			want: "twoway scatter y x, name(mine)",
		},
		{
			name: "counter starts past existing graphN",
			code: "scatter y x, name(graph5, replace)\nkdensity price",
			want: "kdensity price, name(graph6, replace)",
		},
		{
			name: "non-graph commands untouched",
			code: "summarize price",
			want: "summarize price",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PreprocessCode(tt.code)
			if !strings.Contains(got, tt.want) {
				t.Errorf("PreprocessCode(%q) = %q, want it to contain %q", tt.code, got, tt.want)
			}
		})
	}
}

func TestPreprocessCodeJoinsContinuations(t *testing.T) {
	code := "twoway scatter y x ///\n    , title(Split)"
	got := PreprocessCode(code)
	if !strings.Contains(got, "twoway scatter y x , title(Split)") {
		t.Errorf("continuation not joined: %q", got)
	}
}

func TestPreprocessDoFileLeavesOriginal(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "analysis.do")
	content := "scatter price mpg\n"
	if err := os.WriteFile(src, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	processed := PreprocessDoFile(src)
	if processed == src {
		t.Fatal("expected a temp copy, got the original path")
	}
	defer os.Remove(processed)

	got, err := os.ReadFile(processed)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(got), "name(graph1, replace)") {
		t.Errorf("processed copy missing auto-name: %q", got)
	}

	orig, _ := os.ReadFile(src)
	if string(orig) != content {
		t.Errorf("original file was modified: %q", orig)
	}
}

func TestResolveDoFilePath(t *testing.T) {
	ws := t.TempDir()
	existing := filepath.Join(ws, "run.do")
	if err := os.WriteFile(existing, []byte("display 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("absolute path", func(t *testing.T) {
		got, _ := ResolveDoFilePath(existing, "")
		if got != existing {
			t.Errorf("got %q, want %q", got, existing)
		}
	})

	t.Run("relative via workspace root", func(t *testing.T) {
		got, _ := ResolveDoFilePath("run.do", ws)
		if got != existing {
			t.Errorf("got %q, want %q", got, existing)
		}
	})

	t.Run("missing file lists candidates", func(t *testing.T) {
		got, candidates := ResolveDoFilePath("nope.do", ws)
		if got != "" {
			t.Errorf("resolved nonexistent file to %q", got)
		}
		if len(candidates) == 0 {
			t.Error("expected candidate paths for the error message")
		}
	})
}

func TestStataPath(t *testing.T) {
	got := StataPath(filepath.Join("a", "b", "c.do"))
	if strings.Contains(got, `\`) {
		t.Errorf("StataPath left backslashes in %q", got)
	}
}
