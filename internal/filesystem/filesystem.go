// Package filesystem is the FileReader collaborator (§2 "chunked,
// mtime-guarded reading from a path or a host-supplied file descriptor").
// Grounded on the teacher's internal/core/sender.go chunked-read loop
// (ChunkSize, os.Stat/mtime capture), generalized from a single fixed
// file to the spec's Path/Fd source duality, plus a quarantine
// collaborator ported from original_source/drop-transfer/src/quarantine.
package filesystem

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// ChunkSize is the read granularity handed to the wire as one binary
// chunk frame (§4.4 "read fixed-size chunks (1 MiB)").
const ChunkSize = 1024 * 1024

// Reader streams a file's bytes in fixed-size chunks, refusing to
// continue once the underlying file's mtime has changed since it was
// opened (§4.3 "FileModified" edge case).
type Reader struct {
	f        *os.File
	openedAt time.Time
	path     string
}

// OpenPath opens path for chunked reading, recording its mtime at open
// time so later reads can detect concurrent modification.
func OpenPath(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &Reader{f: f, openedAt: info.ModTime(), path: path}, nil
}

// OpenFD adopts an already-open descriptor, handed in by the mobile
// content-URI resolver collaborator (§1 "the content-URI → file-descriptor
// resolver used on mobile hosts").
func OpenFD(fd int, displayName string) (*Reader, error) {
	f := os.NewFile(uintptr(fd), displayName)
	if f == nil {
		return nil, fmt.Errorf("invalid file descriptor for %s", displayName)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat fd %s: %w", displayName, err)
	}
	return &Reader{f: f, openedAt: info.ModTime(), path: displayName}, nil
}

// Seek positions the reader at offset, used for resumed uploads that
// skip bytes already confirmed on the peer (§4.3 resume-by-checksum).
func (r *Reader) Seek(offset int64) error {
	if _, err := r.f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s to %d: %w", r.path, offset, err)
	}
	return nil
}

// ReadChunk reads up to ChunkSize bytes, first re-checking the file's
// mtime against the value captured at open; a mismatch means the file
// changed underneath the transfer and streaming must stop.
func (r *Reader) ReadChunk() ([]byte, error) {
	info, err := r.f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", r.path, err)
	}
	if !info.ModTime().Equal(r.openedAt) {
		return nil, fmt.Errorf("file modified since transfer began: %s", r.path)
	}

	buf := make([]byte, ChunkSize)
	n, err := r.f.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.path, err)
	}
	return buf[:0], nil
}

func (r *Reader) Close() error { return r.f.Close() }

// DetectMimeType sniffs the content type from the file's first 512
// bytes through a handle it opens and closes itself, so no Reader's
// position is affected by this call.
func DetectMimeType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for mime sniff: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("sniff %s: %w", path, err)
	}

	return http.DetectContentType(head[:n]), nil
}
