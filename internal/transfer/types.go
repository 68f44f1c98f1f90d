// Package transfer holds the shared data model (§3) plus the sender and
// receiver per-file state machines (§4.3, §4.4) that drive a libdrop
// session. Grounded on the teacher's internal/core package (sender.go,
// receiver.go) generalized from a single hardcoded file to the spec's
// map<FileId, File> transfer shape, and on original_source/drop-transfer
// for the exact state names and transition rules.
package transfer

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileID is an opaque string key. On the sender it is derived
// deterministically from the local subpath (§3 invariant 4); the
// receiver treats it as opaque.
type FileID string

// DeriveFileID computes the URL-safe base64 of SHA-256 over the joined
// subpath, so equal subpaths yield equal ids across restarts.
func DeriveFileID(subpath FileSubPath) FileID {
	sum := sha256.Sum256([]byte(subpath.String()))
	return FileID(base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:]))
}

// FileSubPath is an ordered sequence of path components; root is the top
// component. Joined with "/" on the wire.
type FileSubPath []string

func (p FileSubPath) String() string { return strings.Join(p, "/") }

func NewFileSubPath(wire string) FileSubPath {
	if wire == "" {
		return nil
	}
	return strings.Split(wire, "/")
}

func (p FileSubPath) Root() string {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

// Direction of a transfer relative to the local instance.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// FileTerminalState is a per-file terminal marker; once set, the file
// refuses further streaming (§3).
type FileTerminalState int

const (
	Alive FileTerminalState = iota
	Rejected
	Completed
	Failed
	Paused // non-terminal pause, eligible for resume (§4.3 Cancel semantics)
)

func (s FileTerminalState) IsTerminal() bool {
	return s == Rejected || s == Completed || s == Failed
}

func (s FileTerminalState) String() string {
	switch s {
	case Alive:
		return "alive"
	case Rejected:
		return "rejected"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Source identifies where a sender reads a file's bytes from: an
// absolute path, or a host-supplied content-URI + file descriptor
// resolved through the mobile fd-resolver collaborator (§1 out of scope
// collaborators, §6 SetFdResolver).
type Source struct {
	Path       string // non-empty for Source kind "path"
	ContentURI string // non-empty for Source kind "fd"
	FD         int
}

func (s Source) IsPath() bool { return s.Path != "" }

// File is one entry of a Transfer, modeling both the "to send" and
// "to recv" shapes from §3 behind a single struct: Size is set on both
// sides (the receiver takes it from the peer's declaration), while
// Source/MimeType/ModTime apply to the sender side only and are
// zero-valued on the receiver side.
type File struct {
	mu sync.Mutex

	ID      FileID
	SubPath FileSubPath
	Size    int64

	// Sender-only fields.
	Src      Source
	MimeType string
	ModTime  time.Time

	state FileTerminalState
}

func (f *File) State() FileTerminalState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SetState transitions the file's terminal state, refusing any
// transition once a terminal state has been reached (§3 invariant 2).
func (f *File) SetState(s FileTerminalState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.IsTerminal() {
		return fmt.Errorf("file %s already terminal (%s), cannot move to %s", f.ID, f.state, s)
	}
	f.state = s
	return nil
}

// TransferState is the local lifecycle state of a Transfer (§3).
type TransferState int

const (
	StateNew TransferState = iota
	StateActive
	StateCanceled
)

// Transfer is a session moving one or more files one-way between two
// peers (§3). Files is exposed as a plain map; callers needing
// concurrency safety go through the TransferManager in internal/manager,
// which owns the exclusive lock described in §5.
type Transfer struct {
	ID        uuid.UUID
	PeerIP    net.IP
	Direction Direction
	Files     map[FileID]*File
	CreatedAt time.Time

	mu    sync.Mutex
	state TransferState
}

func NewTransfer(id uuid.UUID, peer net.IP, dir Direction, files []*File) (*Transfer, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("empty transfer")
	}

	byID := make(map[FileID]*File, len(files))
	for _, f := range files {
		if _, exists := byID[f.ID]; exists {
			return nil, fmt.Errorf("duplicate file id %s: collision across subpaths", f.ID)
		}
		byID[f.ID] = f
	}

	return &Transfer{
		ID:        id,
		PeerIP:    peer,
		Direction: dir,
		Files:     byID,
		CreatedAt: time.Now(),
		state:     StateNew,
	}, nil
}

func (t *Transfer) State() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Activate transitions New -> Active on first successful WS upgrade.
// It is a no-op once already Active, and refuses to reactivate a
// Canceled transfer.
func (t *Transfer) Activate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateNew:
		t.state = StateActive
		return nil
	case StateActive:
		return nil
	default:
		return fmt.Errorf("cannot activate a canceled transfer")
	}
}

// Cancel is a terminal transition with no way back.
func (t *Transfer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateCanceled
}

// AllFilesTerminal reports whether every file in the transfer has
// reached a terminal state (a paused file does not count), i.e. the
// transfer may be finalized (§4.4).
func (t *Transfer) AllFilesTerminal() bool {
	for _, f := range t.Files {
		if !f.State().IsTerminal() {
			return false
		}
	}
	return true
}
