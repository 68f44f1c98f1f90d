package transfer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jend-dev/libdrop/internal/events"
	"github.com/jend-dev/libdrop/internal/filesystem"
	"github.com/jend-dev/libdrop/internal/protocol"
	"github.com/jend-dev/libdrop/internal/storage"
)

// Registry is the subset of internal/manager.Manager the sender and
// receiver loops need. Declared here (consumer side) rather than
// imported from internal/manager, since internal/manager already
// imports this package for the Transfer/File types.
type Registry interface {
	TerminalRecv(id uuid.UUID, fileID FileID, state FileTerminalState) (bool, error)
	EnsureFileNotTerminated(id uuid.UUID, fileID FileID) error
	ApplyDirMapping(id uuid.UUID, baseDir string, fileID FileID) (string, error)
	RecordPathEvent(id uuid.UUID, fileID FileID, state storage.PathEventState, bytes int64) error
}

// ChecksumCache is the subset of internal/storage.Store the loops need
// for checksum reuse across resumes and in-flight bookkeeping.
type ChecksumCache interface {
	CachedChecksum(ctx context.Context, transferID, fileID string) ([]byte, bool, error)
	PutCachedChecksum(ctx context.Context, transferID, fileID string, sum []byte) error
	SaveInFlightIncoming(ctx context.Context, rec storage.InFlightIncoming) error
	ClearInFlightIncoming(ctx context.Context, transferID, fileID string) error
}

// SenderSession drives the per-file sender state machine (§4.4) for one
// outgoing transfer over one WS connection. Grounded on the teacher's
// core/sender.go chunked upload loop, generalized from a single
// hardcoded file to the spec's server-initiated per-file message
// dispatch.
type SenderSession struct {
	xferID uuid.UUID
	xfer   *Transfer
	conn   FrameConn
	reg    Registry
	bus    *events.Bus
	sem    *semaphore.Weighted // global outgoing-stream throttle (§5)
	log    *log.Logger

	mu      sync.Mutex
	readers map[FileID]*filesystem.Reader
	aborted map[FileID]chan struct{}
}

func NewSenderSession(xfer *Transfer, conn FrameConn, reg Registry, bus *events.Bus, sem *semaphore.Weighted, logger *log.Logger) *SenderSession {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &SenderSession{
		xferID:  xfer.ID,
		xfer:    xfer,
		conn:    conn,
		reg:     reg,
		bus:     bus,
		sem:     sem,
		log:     logger.With("transfer_id", xfer.ID, "role", "sender"),
		readers: make(map[FileID]*filesystem.Reader),
		aborted: make(map[FileID]chan struct{}),
	}
}

// SendTransferRequest emits the opening client->server frame (§4.2).
func (s *SenderSession) SendTransferRequest(ctx context.Context) error {
	files := make([]protocol.RequestedFile, 0, len(s.xfer.Files))
	for _, f := range s.xfer.Files {
		files = append(files, protocol.RequestedFile{Path: f.SubPath.String(), ID: string(f.ID), Size: f.Size})
	}
	msg := protocol.ClientMsg{Type: protocol.MsgTransferRequest, TransferRequest: &protocol.TransferRequest{
		ID: s.xferID.String(), Files: files,
	}}
	return s.writeClientMsg(ctx, msg)
}

func (s *SenderSession) writeClientMsg(ctx context.Context, msg protocol.ClientMsg) error {
	body, err := msg.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	return s.conn.WriteText(ctx, body)
}

// Run services every server->client message for this transfer until the
// connection closes or the context is canceled.
func (s *SenderSession) Run(ctx context.Context) error {
	for {
		isBinary, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		if isBinary {
			// Sender never receives binary frames; the receiver is the
			// only side that streams chunks.
			continue
		}

		var msg protocol.ServerMsg
		if err := msg.UnmarshalJSON(data); err != nil {
			continue // unknown/malformed frames are ignored, per §4.2
		}

		if err := s.dispatch(ctx, msg); err != nil {
			return err
		}
	}
}

func (s *SenderSession) dispatch(ctx context.Context, msg protocol.ServerMsg) error {
	switch msg.Type {
	case protocol.MsgReqChsum:
		return s.handleReqChsum(ctx, *msg.ReqChsum)
	case protocol.MsgStart:
		go s.handleStart(ctx, *msg.Start)
		return nil
	case protocol.MsgReject:
		return s.handleReject(FileID(msg.Reject.File), true)
	case protocol.MsgCancel:
		return s.handleCancel(FileID(msg.Cancel.File))
	case protocol.MsgProgress:
		return s.handleProgress(*msg.Progress)
	case protocol.MsgDone:
		return s.handleDone(*msg.Done)
	case protocol.MsgError:
		return nil // transfer-scoped errors do not terminate the loop by themselves
	default:
		return nil
	}
}

// handleProgress relays the receiver's running byte count for a file
// still streaming, per §4.7's Started -> Progress* -> terminal order.
func (s *SenderSession) handleProgress(p protocol.Progress) error {
	fileID := FileID(p.File)
	if _, err := s.file(fileID); err != nil {
		return nil
	}
	s.bus.EmitFile(events.KindFileUploadProgress, s.xferID, string(fileID), func(e *events.Event) {
		e.Bytes = p.BytesTransfered
	})
	return nil
}

// handleDone marks a file Completed once the receiver confirms its
// checksum matched and it was renamed into place (§4.4).
func (s *SenderSession) handleDone(done protocol.Progress) error {
	fileID := FileID(done.File)
	if _, err := s.file(fileID); err != nil {
		return nil
	}
	if _, err := s.reg.TerminalRecv(s.xferID, fileID, Completed); err != nil {
		return nil
	}
	s.bus.EmitFile(events.KindFileUploadSuccess, s.xferID, string(fileID), func(e *events.Event) {
		e.Bytes = done.BytesTransfered
	})
	return nil
}

func (s *SenderSession) file(id FileID) (*File, error) {
	f, ok := s.xfer.Files[id]
	if !ok {
		return nil, fmt.Errorf("unknown file %s", id)
	}
	return f, nil
}

// handleReqChsum answers a checksum request without ever failing the
// transfer (§4.4: "Never fail the transfer for a checksum request").
func (s *SenderSession) handleReqChsum(ctx context.Context, req protocol.ReqChsum) error {
	fileID := FileID(req.File)
	f, err := s.file(fileID)
	if err != nil {
		return nil
	}

	sum, ioErr := s.checksumPrefix(f, req.Limit)
	if ioErr != nil {
		_ = s.writeClientMsg(ctx, protocol.ClientMsg{Type: protocol.MsgError, Error: &protocol.ErrorMsg{
			File: req.File, Msg: ioErr.Error(),
		}})
		if _, err := s.reg.TerminalRecv(s.xferID, fileID, Failed); err != nil {
			s.log.Warn("terminal recv failed", "file_id", fileID, "err", err)
		}
		s.bus.EmitFile(events.KindFileUploadFailed, s.xferID, string(fileID), func(e *events.Event) { e.Msg = ioErr.Error() })
		return nil
	}

	return s.writeClientMsg(ctx, protocol.ClientMsg{Type: protocol.MsgReportChsum,
		ReportChsum: &protocol.ReportChsum{File: req.File, Limit: req.Limit, Checksum: protocol.NewReportChsum(req.File, req.Limit, sum).Checksum},
	})
}

func (s *SenderSession) checksumPrefix(f *File, limit uint64) ([32]byte, error) {
	var out [32]byte
	r, err := s.openSource(f)
	if err != nil {
		return out, err
	}
	defer r.Close()

	h := sha256.New()
	if _, err := io.CopyN(h, &chunkReader{next: r.ReadChunk}, int64(limit)); err != nil && err != io.EOF {
		return out, err
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// chunkReader adapts Reader.ReadChunk to io.Reader, buffering any part
// of a chunk the caller's slice couldn't hold so no bytes are dropped.
type chunkReader struct {
	next    func() ([]byte, error)
	pending []byte
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		chunk, err := c.next()
		if len(chunk) == 0 {
			return 0, err
		}
		c.pending = chunk
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (s *SenderSession) openSource(f *File) (*filesystem.Reader, error) {
	if f.Src.IsPath() {
		return filesystem.OpenPath(f.Src.Path)
	}
	return filesystem.OpenFD(f.Src.FD, f.Src.ContentURI)
}

// handleStart opens the source at offset and streams fixed-size chunks,
// subject to the global throttle semaphore (§4.4, §5).
func (s *SenderSession) handleStart(ctx context.Context, start protocol.Start) {
	fileID := FileID(start.File)
	f, err := s.file(fileID)
	if err != nil {
		return
	}

	if s.sem != nil {
		if !s.sem.TryAcquire(1) {
			s.bus.EmitFile(events.KindFileUploadThrottled, s.xferID, string(fileID), nil)
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
		}
		defer s.sem.Release(1)
	}

	r, err := s.openSource(f)
	if err != nil {
		s.failFile(ctx, f, fmt.Sprintf("open source: %v", err))
		return
	}
	defer r.Close()

	if err := r.Seek(int64(start.Offset)); err != nil {
		s.failFile(ctx, f, fmt.Sprintf("seek: %v", err))
		return
	}

	abort := s.registerAbort(fileID)
	defer s.clearAbort(fileID)

	s.bus.EmitFile(events.KindFileUploadStarted, s.xferID, string(fileID), nil)

	for {
		select {
		case <-abort:
			return
		case <-ctx.Done():
			return
		default:
		}

		chunk, err := r.ReadChunk()
		if err == io.EOF {
			return
		}
		if err != nil {
			s.failFile(ctx, f, err.Error())
			return
		}
		if len(chunk) == 0 {
			continue
		}

		frame := protocol.Chunk{FileID: string(fileID), Data: chunk}
		if err := s.conn.WriteBinary(ctx, frame.Encode()); err != nil {
			return
		}
	}
}

func (s *SenderSession) failFile(ctx context.Context, f *File, msg string) {
	_ = s.writeClientMsg(ctx, protocol.ClientMsg{Type: protocol.MsgError, Error: &protocol.ErrorMsg{File: string(f.ID), Msg: msg}})
	if _, err := s.reg.TerminalRecv(s.xferID, f.ID, Failed); err != nil {
		s.log.Warn("terminal recv failed", "file_id", f.ID, "err", err)
	}
	s.log.Warn("upload failed", "file_id", f.ID, "reason", msg)
	s.bus.EmitFile(events.KindFileUploadFailed, s.xferID, string(f.ID), func(e *events.Event) { e.Msg = msg })
}

func (s *SenderSession) handleReject(fileID FileID, byPeer bool) error {
	if _, err := s.file(fileID); err != nil {
		return nil
	}
	s.abortStreaming(fileID)
	if _, err := s.reg.TerminalRecv(s.xferID, fileID, Rejected); err != nil {
		return nil
	}
	s.bus.EmitFile(events.KindFileUploadRejected, s.xferID, string(fileID), func(e *events.Event) { e.ByPeer = byPeer })
	return nil
}

func (s *SenderSession) handleCancel(fileID FileID) error {
	s.abortStreaming(fileID)
	return nil
}

func (s *SenderSession) registerAbort(id FileID) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.aborted[id] = ch
	return ch
}

func (s *SenderSession) clearAbort(id FileID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.aborted, id)
}

func (s *SenderSession) abortStreaming(id FileID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.aborted[id]; ok {
		close(ch)
		delete(s.aborted, id)
	}
}

// RejectLocal is called by the embedder to reject a not-yet-started
// file, sending Reject and marking it terminal on our own side (§4.4
// "On local reject request").
func (s *SenderSession) RejectLocal(ctx context.Context, fileID FileID) error {
	if _, err := s.file(fileID); err != nil {
		return err
	}
	if err := s.writeClientMsg(ctx, protocol.ClientMsg{Type: protocol.MsgReject, Reject: &protocol.FileRef{File: string(fileID)}}); err != nil {
		return err
	}
	if _, err := s.reg.TerminalRecv(s.xferID, fileID, Rejected); err != nil {
		return err
	}
	s.bus.EmitFile(events.KindFileUploadRejected, s.xferID, string(fileID), func(e *events.Event) { e.ByPeer = false })
	return nil
}
