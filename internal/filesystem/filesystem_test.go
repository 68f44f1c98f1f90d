package filesystem

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReaderReadsInChunksAndDetectsEOF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	payload := make([]byte, ChunkSize+10)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := OpenPath(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var got []byte
	for {
		chunk, err := r.ReadChunk()
		got = append(got, chunk...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if len(chunk) == 0 {
			break
		}
	}

	if len(got) != len(payload) {
		t.Fatalf("got %d bytes, want %d", len(got), len(payload))
	}
}

func TestReaderDetectsModificationSinceOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := OpenPath(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	if _, err := r.ReadChunk(); err == nil {
		t.Fatal("expected ReadChunk to detect the mtime change")
	}
}

func TestDetectMimeType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	if err := os.WriteFile(path, []byte("plain text content"), 0o644); err != nil {
		t.Fatal(err)
	}

	mime, err := DetectMimeType(path)
	if err != nil {
		t.Fatal(err)
	}
	if mime == "" {
		t.Fatal("expected a non-empty mime type")
	}
}
