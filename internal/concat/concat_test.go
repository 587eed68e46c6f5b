package concat

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/tanq16/vodkeeper/internal/segments"
	"github.com/tanq16/vodkeeper/internal/utils"
)

func writeParts(t *testing.T, dir string, contents ...string) []segments.Result {
	t.Helper()
	var parts []segments.Result
	for i, c := range contents {
		path := filepath.Join(dir, segments.FileName(uint64(10+i)))
		if err := os.WriteFile(path, []byte(c), 0644); err != nil {
			t.Fatal(err)
		}
		parts = append(parts, segments.Result{Sequence: uint64(10 + i), Path: path, Size: int64(len(c))})
	}
	return parts
}

func TestJoin(t *testing.T) {
	dir := t.TempDir()
	parts := writeParts(t, dir, "first-", "second-", "", "third")
	out := filepath.Join(dir, "out.ts")

	artifact, err := Join(parts, out, true)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("first-second-third")) {
		t.Errorf("content = %q", data)
	}
	if artifact.Size != int64(len(data)) || artifact.Segments != 4 {
		t.Errorf("artifact = %+v", artifact)
	}
	for _, p := range parts {
		if _, err := os.Stat(p.Path); !os.IsNotExist(err) {
			t.Errorf("segment %s should be removed", p.Path)
		}
	}
	if _, err := os.Stat(out + ".partial"); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

func TestJoinKeepsSegmentsWithoutCleanup(t *testing.T) {
	dir := t.TempDir()
	parts := writeParts(t, dir, "a", "b")
	if _, err := Join(parts, filepath.Join(dir, "out.ts"), false); err != nil {
		t.Fatal(err)
	}
	for _, p := range parts {
		if _, err := os.Stat(p.Path); err != nil {
			t.Errorf("segment %s removed: %v", p.Path, err)
		}
	}
}

func TestJoinRejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(parts []segments.Result) []segments.Result
	}{
		{"empty", func([]segments.Result) []segments.Result { return nil }},
		{"gap", func(p []segments.Result) []segments.Result { return append(p[:1], p[2:]...) }},
		{"missing file", func(p []segments.Result) []segments.Result {
			os.Remove(p[1].Path)
			return p
		}},
		{"short file", func(p []segments.Result) []segments.Result {
			p[2].Size = 999
			return p
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			parts := tt.mutate(writeParts(t, dir, "aa", "bb", "cc"))
			out := filepath.Join(dir, "out.ts")
			_, err := Join(parts, out, true)
			if !utils.IsKind(err, utils.KindSegmentIntegrity) {
				t.Fatalf("expected integrity error, got %v", err)
			}
			if _, err := os.Stat(out); !os.IsNotExist(err) {
				t.Error("output written despite failed verification")
			}
			if _, err := os.Stat(out + ".partial"); !os.IsNotExist(err) {
				t.Error("partial output left behind")
			}
		})
	}
}
