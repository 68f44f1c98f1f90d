package transfer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeFilenameIdempotent(t *testing.T) {
	names := []string{"hello.txt", "con", "a/b\\c:d", "  trailing.dots..  ", ""}
	for _, n := range names {
		once := normalizeFilename(n)
		twice := normalizeFilename(once)
		if once != twice {
			t.Fatalf("normalizeFilename(%q) not idempotent: %q vs %q", n, once, twice)
		}
	}
}

func TestDirMapperStableAcrossSiblings(t *testing.T) {
	dir := t.TempDir()
	mapper := NewDirMapper()

	first, err := mapper.Apply(dir, NewFileSubPath("photos/a.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := mapper.Apply(dir, NewFileSubPath("photos/b.jpg"))
	if err != nil {
		t.Fatal(err)
	}

	if filepath.Dir(first) != filepath.Dir(second) {
		t.Fatalf("siblings must map to the same first component: %q vs %q", first, second)
	}
}

func TestDirMapperAvoidsExistingDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "photos"), 0o755); err != nil {
		t.Fatal(err)
	}

	mapper := NewDirMapper()
	mapped, err := mapper.Apply(dir, NewFileSubPath("photos/a.jpg"))
	if err != nil {
		t.Fatal(err)
	}

	if filepath.Dir(mapped) == "photos" {
		t.Fatalf("expected a renamed directory to avoid the pre-existing one, got %q", mapped)
	}
}

func TestResolveCollisionAppendsCounter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	resolved, err := ResolveCollision(path)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "hello(1).txt")
	if resolved != want {
		t.Fatalf("got %q, want %q", resolved, want)
	}
}
