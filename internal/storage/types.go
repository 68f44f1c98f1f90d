// Package storage is the durable transfer/file state store (§3, §6
// storage_path). Grounded on original_source/drop-storage/src/types.rs
// for the exact record shapes and event vocabulary, and on the
// teacher's internal/audit package for the flock-guarded, append-only
// persistence style — generalized here from a single JSONL file to a
// SQLite-backed event log so queries (e.g. "last event per path") don't
// require scanning the whole history on every read.
package storage

import "time"

// PathKind distinguishes an incoming from an outgoing path row.
type PathKind string

const (
	KindIncoming PathKind = "incoming"
	KindOutgoing PathKind = "outgoing"
)

// PathEventState is the vocabulary of a single path's event log,
// mirroring IncomingPathStateEventData / OutgoingPathStateEventData.
type PathEventState string

const (
	EventPending   PathEventState = "pending" // incoming only: base_dir chosen
	EventStarted   PathEventState = "started"
	EventProgress  PathEventState = "progress"
	EventPaused    PathEventState = "paused"
	EventRejected  PathEventState = "rejected"
	EventFailed    PathEventState = "failed"
	EventCompleted PathEventState = "completed"
)

// TransferEventState is the vocabulary of the transfer-level event log.
type TransferEventState string

const (
	TransferEventCancel TransferEventState = "cancel"
	TransferEventFailed TransferEventState = "failed"
)

// Transfer is a durable row: peer, direction, created-at (§3 "a row per
// transfer with peer, direction, created-at timestamp").
type Transfer struct {
	ID        string    `db:"id"` // uuid string form
	PeerIP    string    `db:"peer_ip"`
	Direction string    `db:"direction"` // "incoming" | "outgoing"
	CreatedAt time.Time `db:"created_at"`
}

// Path is a durable row per file within a transfer (§3 "a row per path
// with relative path, file-id, declared size, and running bytes
// counter"). BaseDir applies only to incoming and ContentURI only to
// outgoing transfers; each is empty otherwise.
type Path struct {
	RowID        int64  `db:"rowid"`
	TransferID   string `db:"transfer_id"`
	Kind         string `db:"kind"` // "incoming" | "outgoing"
	FileID       string `db:"file_id"`
	RelativePath string `db:"relative_path"`
	Size         int64  `db:"size"`
	BytesMoved   int64  `db:"bytes_moved"`
	ContentURI   string `db:"content_uri"` // outgoing fd-source only
	SourcePath   string `db:"source_path"` // outgoing path-source only, needed to resume after restart
	BaseDir      string `db:"base_dir"`    // set once the "pending" event lands
}

// PathEvent is one entry in a path's chronological event log (§3 "a
// chronological event log per path").
type PathEvent struct {
	RowID      int64          `db:"rowid"`
	PathRowID  int64          `db:"path_rowid"`
	CreatedAt  time.Time      `db:"created_at"`
	State      PathEventState `db:"state"`
	Bytes      int64          `db:"bytes"`
	ByPeer     bool           `db:"by_peer"`
	StatusCode int            `db:"status_code"`
	FinalPath  string         `db:"final_path"` // completed (incoming) only
	BaseDir    string         `db:"base_dir_v"` // pending (incoming) only
}

// TransferEvent is one entry in the transfer-level event log (§3 "a
// chronological transfer-event log: cancel{by_peer}, failed{status}").
type TransferEvent struct {
	RowID      int64              `db:"rowid"`
	TransferID string             `db:"transfer_id"`
	CreatedAt  time.Time          `db:"created_at"`
	State      TransferEventState `db:"state"`
	ByPeer     bool               `db:"by_peer"`
	StatusCode int                `db:"status_code"`
}

// InFlightIncoming captures the chosen temp base directory per
// incoming file so a crash-restart can clean up orphaned temp files
// (§3 "an in-flight incoming record").
type InFlightIncoming struct {
	TransferID string `db:"transfer_id"`
	FileID     string `db:"file_id"`
	BaseDir    string `db:"base_dir"`
	TempName   string `db:"temp_name"`
}

// CachedChecksum is the full-file SHA-256 cached per (TransferId,
// FileId) once computed, keyed for reuse across resumes (§3).
type CachedChecksum struct {
	TransferID string `db:"transfer_id"`
	FileID     string `db:"file_id"`
	Checksum   []byte `db:"checksum"`
}

// IncomingFileToRetry and IncomingTransferToRetry describe the shape
// resume reconciliation hands back to the manager on startup, mirroring
// IncomingTransferToRetry/IncomingFileToRetry in original_source.
type IncomingFileToRetry struct {
	FileID  string
	SubPath string
	Size    int64
}

type IncomingTransferToRetry struct {
	ID    string
	Peer  string
	Files []IncomingFileToRetry
}

type OutgoingFileToRetry struct {
	FileID     string
	SubPath    string
	ContentURI string
	SourcePath string
	Size       int64
}

type OutgoingTransferToRetry struct {
	ID    string
	Peer  string
	Files []OutgoingFileToRetry
}
