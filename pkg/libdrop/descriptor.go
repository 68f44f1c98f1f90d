package libdrop

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jend-dev/libdrop/internal/filesystem"
	"github.com/jend-dev/libdrop/internal/transfer"
)

// DescriptorKind distinguishes the two descriptor shapes new_transfer
// accepts (§6 "new_transfer(peer, [descriptor...])").
type DescriptorKind int

const (
	// DescPath names a local file or directory by absolute path.
	DescPath DescriptorKind = iota
	// DescFd names a host-resolved file (mobile content-URI), optionally
	// already carrying an open descriptor.
	DescFd
)

// Descriptor is one entry of a new_transfer call. Build one with
// PathDescriptor or FdDescriptor rather than the struct literal.
type Descriptor struct {
	Kind DescriptorKind

	Path string // DescPath only

	Filename   string // DescFd only
	ContentURI string // DescFd only
	FD         int    // DescFd only, valid iff HasFD
	HasFD      bool
}

func PathDescriptor(path string) Descriptor {
	return Descriptor{Kind: DescPath, Path: path}
}

func FdDescriptor(filename, contentURI string, fd int, hasFD bool) Descriptor {
	return Descriptor{Kind: DescFd, Filename: filename, ContentURI: contentURI, FD: fd, HasFD: hasFD}
}

// expand turns one descriptor into one or more transfer.File entries,
// walking directories up to cfg.DirDepthLimit levels deep. A DescFd
// entry missing an fd is resolved through in.resolveFD first.
func (in *Instance) expand(d Descriptor) ([]*transfer.File, error) {
	switch d.Kind {
	case DescPath:
		return in.expandPath(d.Path)
	case DescFd:
		return in.expandFd(d)
	default:
		return nil, fmt.Errorf("unknown descriptor kind %d", d.Kind)
	}
}

func (in *Instance) expandPath(path string) ([]*transfer.File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	root := filepath.Base(filepath.Clean(path))

	if !info.IsDir() {
		return []*transfer.File{in.newPathFile([]string{root}, path, info)}, nil
	}

	var out []*transfer.File
	baseDepth := len(splitPath(path))
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p == path {
				return nil
			}
			if len(splitPath(p))-baseDepth > in.cfg.DirDepthLimit {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		sub := append([]string{root}, splitPath(rel)...)
		out = append(out, in.newPathFile(sub, p, fi))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", path, err)
	}
	return out, nil
}

// splitPath breaks a filesystem path into its non-empty components,
// OS-separator-agnostic.
func splitPath(p string) []string {
	clean := filepath.ToSlash(filepath.Clean(p))
	parts := strings.Split(clean, "/")
	out := make([]string, 0, len(parts))
	for _, seg := range parts {
		if seg != "" && seg != "." {
			out = append(out, seg)
		}
	}
	return out
}

func (in *Instance) newPathFile(sub []string, path string, info os.FileInfo) *transfer.File {
	subpath := transfer.FileSubPath(sub)
	mime, _ := filesystem.DetectMimeType(path)
	return &transfer.File{
		ID:       transfer.DeriveFileID(subpath),
		SubPath:  subpath,
		Size:     info.Size(),
		Src:      transfer.Source{Path: path},
		MimeType: mime,
		ModTime:  info.ModTime(),
	}
}

func (in *Instance) expandFd(d Descriptor) ([]*transfer.File, error) {
	fd := d.FD
	if !d.HasFD {
		resolved, err := in.resolveFD(d.ContentURI)
		if err != nil {
			return nil, fmt.Errorf("resolve content-uri %s: %w", d.ContentURI, err)
		}
		fd = resolved
	}

	subpath := transfer.NewFileSubPath(d.Filename)

	// Stat without closing: the descriptor is reused later by the
	// sender's filesystem.OpenFD when streaming actually starts.
	info, err := os.NewFile(uintptr(fd), d.Filename).Stat()
	if err != nil {
		return nil, fmt.Errorf("stat fd for %s: %w", d.Filename, err)
	}

	return []*transfer.File{{
		ID:      transfer.DeriveFileID(subpath),
		SubPath: subpath,
		Size:    info.Size(),
		Src:     transfer.Source{ContentURI: d.ContentURI, FD: fd},
		ModTime: info.ModTime(),
	}}, nil
}
