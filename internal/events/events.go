// Package events defines the lifecycle events emitted to the embedding
// application and the ordering gate that keeps per-file emission sane.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates every event the core can emit. Names match the verbs
// used by spec.md §7/§8 and the original Rust event.rs.
type Kind string

const (
	KindRequestReceived            Kind = "RequestReceived"
	KindRequestQueued              Kind = "RequestQueued"
	KindFileUploadStarted          Kind = "FileUploadStarted"
	KindFileUploadProgress         Kind = "FileUploadProgress"
	KindFileUploadSuccess          Kind = "FileUploadSuccess"
	KindFileUploadFailed           Kind = "FileUploadFailed"
	KindFileUploadRejected         Kind = "FileUploadRejected"
	KindFileUploadThrottled        Kind = "FileUploadThrottled"
	KindFileDownloadStarted        Kind = "FileDownloadStarted"
	KindFileDownloadProgress       Kind = "FileDownloadProgress"
	KindFileDownloadSuccess        Kind = "FileDownloadSuccess"
	KindFileDownloadFailed         Kind = "FileDownloadFailed"
	KindFileDownloadRejected       Kind = "FileDownloadRejected"
	KindFileDownloadPaused         Kind = "FileDownloadPaused"
	KindFinalizeChecksumStarted    Kind = "FinalizeChecksumStarted"
	KindFinalizeChecksumProgress   Kind = "FinalizeChecksumProgress"
	KindFinalizeChecksumFinished   Kind = "FinalizeChecksumFinished"
	KindVerifyChecksumStarted      Kind = "VerifyChecksumStarted"
	KindVerifyChecksumProgress     Kind = "VerifyChecksumProgress"
	KindVerifyChecksumFinished     Kind = "VerifyChecksumFinished"
	KindTransferFailed             Kind = "TransferFailed"
	KindIncomingTransferCanceled   Kind = "IncomingTransferCanceled"
	KindOutgoingTransferCanceled   Kind = "OutgoingTransferCanceled"
	KindRuntimeError               Kind = "RuntimeError"
)

// Event is one emitted occurrence, millisecond-timestamped like the spec
// requires.
type Event struct {
	Kind         Kind
	TransferID   uuid.UUID
	FileID       string
	TimestampMs  int64
	ByPeer       bool
	Bytes        uint64
	TotalBytes   uint64
	FinalPath    string
	ErrorKind    int
	Msg          string
}

func now() int64 { return time.Now().UnixMilli() }

func newEvent(kind Kind, xferID uuid.UUID, fileID string) Event {
	return Event{Kind: kind, TransferID: xferID, FileID: fileID, TimestampMs: now()}
}

// Sink receives emitted events. The embedder's implementation must not
// block for long — the bus delivers synchronously on the calling
// goroutine's critical path.
type Sink interface {
	OnEvent(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) OnEvent(e Event) { f(e) }

// Gate suppresses Progress events (and any event at all) for a
// (transfer, file) pair once a terminal event has been recorded, per
// spec.md §4.7 "per-file event gate suppresses late Progress after a
// terminal event."
type Gate struct {
	mu       sync.Mutex
	terminal map[string]bool
}

func NewGate() *Gate {
	return &Gate{terminal: make(map[string]bool)}
}

func key(xferID uuid.UUID, fileID string) string {
	return xferID.String() + "/" + fileID
}

func isTerminal(k Kind) bool {
	switch k {
	case KindFileUploadSuccess, KindFileUploadFailed, KindFileUploadRejected,
		KindFileDownloadSuccess, KindFileDownloadFailed, KindFileDownloadRejected:
		return true
	default:
		return false
	}
}

// Allow reports whether an event for this (transfer, file) pair may still
// be emitted, and records terminal events as they pass through.
func (g *Gate) Allow(xferID uuid.UUID, fileID string, kind Kind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := key(xferID, fileID)
	if g.terminal[k] {
		return false
	}
	if isTerminal(kind) {
		g.terminal[k] = true
	}
	return true
}

// Bus fans emitted events out to a Sink, gating late per-file events.
type Bus struct {
	sink Sink
	gate *Gate
}

func NewBus(sink Sink) *Bus {
	if sink == nil {
		sink = SinkFunc(func(Event) {})
	}
	return &Bus{sink: sink, gate: NewGate()}
}

// Emit sends a transfer-scoped event (no file id) unconditionally.
func (b *Bus) Emit(kind Kind, xferID uuid.UUID) {
	b.sink.OnEvent(newEvent(kind, xferID, ""))
}

// EmitTransfer sends a transfer-scoped event with extra fields set via
// mutate, e.g. ByPeer on IncomingTransferCanceled.
func (b *Bus) EmitTransfer(kind Kind, xferID uuid.UUID, mutate func(*Event)) {
	e := newEvent(kind, xferID, "")
	if mutate != nil {
		mutate(&e)
	}
	b.sink.OnEvent(e)
}

// EmitFile sends a per-file event, subject to the terminal-state gate.
func (b *Bus) EmitFile(kind Kind, xferID uuid.UUID, fileID string, mutate func(*Event)) {
	if !b.gate.Allow(xferID, fileID, kind) {
		return
	}
	e := newEvent(kind, xferID, fileID)
	if mutate != nil {
		mutate(&e)
	}
	b.sink.OnEvent(e)
}
