package transfer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/jend-dev/libdrop/internal/events"
	"github.com/jend-dev/libdrop/internal/filesystem"
	"github.com/jend-dev/libdrop/internal/protocol"
	"github.com/jend-dev/libdrop/internal/storage"
)

// incomingFile tracks the receiver-side streaming state for one file of
// an incoming transfer: the open temp-file handle and its path, the
// running byte counter, and the size the sender declared.
type incomingFile struct {
	mu       sync.Mutex
	temp     *os.File
	tempPath string
	offset   int64
	declared int64
}

// ReceiverSession drives the per-file receiver state machine (§4.3) for
// one incoming transfer over one WS connection. Grounded on the
// teacher's core/receiver.go streaming-to-temp-file loop, generalized
// to the spec's map<FileId, File> shape, checksum-based resume, and
// directory-mapped destinations.
type ReceiverSession struct {
	xferID  uuid.UUID
	xfer    *Transfer
	conn    FrameConn
	reg     Registry
	bus     *events.Bus
	cache   ChecksumCache
	baseDir string
	log     *log.Logger

	progressGranularity int64

	mu           sync.Mutex
	open         map[FileID]*incomingFile
	chsumWaiters map[FileID]chan [32]byte
}

func NewReceiverSession(xfer *Transfer, conn FrameConn, reg Registry, bus *events.Bus, cache ChecksumCache, baseDir string, progressGranularity int64, logger *log.Logger) *ReceiverSession {
	if progressGranularity <= 0 {
		progressGranularity = 256 * 1024
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &ReceiverSession{
		xferID:              xfer.ID,
		xfer:                xfer,
		conn:                conn,
		reg:                 reg,
		bus:                 bus,
		cache:               cache,
		baseDir:             baseDir,
		log:                 logger.With("transfer_id", xfer.ID, "role", "receiver"),
		progressGranularity: progressGranularity,
		open:                make(map[FileID]*incomingFile),
	}
}

func (s *ReceiverSession) writeServerMsg(ctx context.Context, msg protocol.ServerMsg) error {
	body, err := msg.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	return s.conn.WriteText(ctx, body)
}

// Run services incoming frames (control + chunk) until the connection
// closes or the context is canceled.
func (s *ReceiverSession) Run(ctx context.Context) error {
	for {
		isBinary, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}

		if isBinary {
			chunk, err := protocol.DecodeChunk(data)
			if err != nil {
				continue
			}
			s.handleChunk(ctx, chunk)
			continue
		}

		var msg protocol.ClientMsg
		if err := msg.UnmarshalJSON(data); err != nil {
			continue
		}
		if err := s.dispatch(ctx, msg); err != nil {
			return err
		}
	}
}

func (s *ReceiverSession) dispatch(ctx context.Context, msg protocol.ClientMsg) error {
	switch msg.Type {
	case protocol.MsgReportChsum:
		return s.handleReportChsum(ctx, *msg.ReportChsum)
	case protocol.MsgReject:
		return s.handleReject(ctx, FileID(msg.Reject.File), true)
	case protocol.MsgCancel:
		return s.handleCancel(ctx, FileID(msg.Cancel.File))
	case protocol.MsgError:
		return nil
	default:
		return nil
	}
}

func (s *ReceiverSession) file(id FileID) (*File, error) {
	f, ok := s.xfer.Files[id]
	if !ok {
		return nil, fmt.Errorf("unknown file %s", id)
	}
	return f, nil
}

func (s *ReceiverSession) tempPath(fileID FileID) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("%s-%s.dropdl-part", uuidSimple(s.xferID), fileID))
}

func uuidSimple(id uuid.UUID) string {
	b := id[:]
	return fmt.Sprintf("%x", b)
}

// SetBaseDir fixes the destination directory for this incoming
// transfer, supplied by the embedder's first accept (§6 "download
// (transfer_id, file_id, dest_dir)"). Later files of the same transfer
// reuse it, since the wire protocol offers one accept per file but this
// port resolves destinations relative to a single transfer-scoped root.
func (s *ReceiverSession) SetBaseDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseDir == "" {
		s.baseDir = dir
	}
}

// PrimeChecksum eagerly requests and caches a file's full checksum
// ahead of acceptance (§4.3 "The receiver MAY request a full-file
// checksum immediately ... to populate the checksum cache").
func (s *ReceiverSession) PrimeChecksum(ctx context.Context, fileID FileID) error {
	f, err := s.file(fileID)
	if err != nil {
		return err
	}
	if _, ok, err := s.cache.CachedChecksum(ctx, s.xferID.String(), string(f.ID)); err == nil && ok {
		return nil
	}
	sum, err := s.requestChecksum(ctx, fileID, uint64(f.Size))
	if err != nil {
		return err
	}
	return s.cache.PutCachedChecksum(ctx, s.xferID.String(), string(f.ID), sum[:])
}

// RejectFile is called by the embedder before acceptance (§4.3 "Reject
// before acceptance").
func (s *ReceiverSession) RejectFile(ctx context.Context, fileID FileID) error {
	if _, err := s.file(fileID); err != nil {
		return err
	}
	if err := s.writeServerMsg(ctx, protocol.ServerMsg{Type: protocol.MsgReject, Reject: &protocol.FileRef{File: string(fileID)}}); err != nil {
		return err
	}
	if _, err := s.reg.TerminalRecv(s.xferID, fileID, Rejected); err != nil {
		return err
	}
	s.bus.EmitFile(events.KindFileDownloadRejected, s.xferID, string(fileID), func(e *events.Event) { e.ByPeer = false })
	return nil
}

// AcceptFile resolves the destination for fileID and examines any
// existing temp file to decide a resume offset (§4.3 "Resume decision"),
// then emits Start and enters Streaming.
func (s *ReceiverSession) AcceptFile(ctx context.Context, fileID FileID) error {
	f, err := s.file(fileID)
	if err != nil {
		return err
	}

	tempPath := s.tempPath(fileID)
	offset, err := s.resumeOffset(ctx, f, tempPath)
	if err != nil {
		return err
	}
	if offset < 0 {
		// Temp file's full checksum already matches: treat as complete
		// without streaming a single further byte.
		return s.finalize(ctx, f, tempPath)
	}

	temp, err := os.OpenFile(tempPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open temp %s: %w", tempPath, err)
	}
	if _, err := temp.Seek(offset, io.SeekStart); err != nil {
		temp.Close()
		return fmt.Errorf("seek temp %s: %w", tempPath, err)
	}

	s.mu.Lock()
	s.open[fileID] = &incomingFile{temp: temp, tempPath: tempPath, offset: offset, declared: f.Size}
	s.mu.Unlock()

	if err := s.cache.SaveInFlightIncoming(ctx, storage.InFlightIncoming{
		TransferID: s.xferID.String(),
		FileID:     string(fileID),
		BaseDir:    s.baseDir,
		TempName:   filepath.Base(tempPath),
	}); err != nil {
		s.log.Warn("save in-flight incoming", "file_id", fileID, "err", err)
	}
	if err := s.reg.RecordPathEvent(s.xferID, fileID, storage.EventStarted, offset); err != nil {
		s.log.Warn("record path event", "file_id", fileID, "state", storage.EventStarted, "err", err)
	}
	s.bus.EmitFile(events.KindFileDownloadStarted, s.xferID, string(fileID), func(e *events.Event) {
		e.Bytes = uint64(offset)
		e.TotalBytes = uint64(f.Size)
	})

	return s.writeServerMsg(ctx, protocol.ServerMsg{Type: protocol.MsgStart, Start: &protocol.Start{File: string(fileID), Offset: uint64(offset)}})
}

// resumeOffset implements §4.3's three-way comparison against an
// existing temp file. A negative return means the file is already
// complete and no Start/Streaming is needed.
func (s *ReceiverSession) resumeOffset(ctx context.Context, f *File, tempPath string) (int64, error) {
	info, err := os.Stat(tempPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat temp %s: %w", tempPath, err)
	}

	switch {
	case info.Size() < f.Size:
		localPrefix, err := s.verifyChecksum(f.ID, tempPath, info.Size())
		if err != nil {
			return 0, err
		}
		remotePrefix, err := s.requestChecksum(ctx, f.ID, uint64(info.Size()))
		if err != nil || remotePrefix != localPrefix {
			return 0, nil // mismatch or no answer: restart at 0
		}
		return info.Size(), nil

	case info.Size() == f.Size:
		localFull, err := s.verifyChecksum(f.ID, tempPath, info.Size())
		if err != nil {
			return 0, err
		}
		cached, ok, err := s.cache.CachedChecksum(ctx, s.xferID.String(), string(f.ID))
		if err != nil {
			return 0, err
		}
		if !ok {
			remote, err := s.requestChecksum(ctx, f.ID, uint64(info.Size()))
			if err != nil {
				return 0, nil
			}
			cached = remote[:]
		}
		if string(cached) == string(localFull[:]) {
			return -1, nil
		}
		return 0, nil

	default: // info.Size() > f.Size
		return 0, nil
	}
}

// verifyChecksum hashes the already-written prefix of a resuming temp
// file, bracketed by VerifyChecksum events (§9 Open Question (b)).
func (s *ReceiverSession) verifyChecksum(fileID FileID, tempPath string, limit int64) ([32]byte, error) {
	s.bus.EmitFile(events.KindVerifyChecksumStarted, s.xferID, string(fileID), func(e *events.Event) { e.TotalBytes = uint64(limit) })
	sum, err := sha256Prefix(tempPath, limit, s.progressGranularity, func(n int64) {
		s.bus.EmitFile(events.KindVerifyChecksumProgress, s.xferID, string(fileID), func(e *events.Event) { e.Bytes = uint64(n) })
	})
	if err != nil {
		return sum, err
	}
	s.bus.EmitFile(events.KindVerifyChecksumFinished, s.xferID, string(fileID), nil)
	return sum, nil
}

// sha256Prefix hashes the first limit bytes of path, invoking
// onProgress with the running byte count every granularity bytes
// (granularity <= 0 or a nil callback disables progress reporting).
func sha256Prefix(path string, limit int64, granularity int64, onProgress func(int64)) ([32]byte, error) {
	var out [32]byte
	f, err := os.Open(path)
	if err != nil {
		return out, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if granularity <= 0 || onProgress == nil {
		if _, err := io.CopyN(h, f, limit); err != nil && err != io.EOF {
			return out, fmt.Errorf("hash %s: %w", path, err)
		}
		copy(out[:], h.Sum(nil))
		return out, nil
	}

	var done int64
	for done < limit {
		step := granularity
		if remain := limit - done; remain < step {
			step = remain
		}
		n, err := io.CopyN(h, f, step)
		done += n
		if err != nil && err != io.EOF {
			return out, fmt.Errorf("hash %s: %w", path, err)
		}
		onProgress(done)
		if err == io.EOF {
			break
		}
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// requestChecksum asks the sender for ReqChsum and blocks until the
// matching ReportChsum arrives. It registers a per-file waiter in
// chsumWaiters before sending, and handleReportChsum delivers the reply
// to that waiter, so Run must be reading frames concurrently. It gives up
// when ctx is done or after 10 seconds without a reply.
func (s *ReceiverSession) requestChecksum(ctx context.Context, fileID FileID, limit uint64) ([32]byte, error) {
	var zero [32]byte
	ch := s.registerChsumWaiter(fileID)
	defer s.clearChsumWaiter(fileID)

	if err := s.writeServerMsg(ctx, protocol.ServerMsg{Type: protocol.MsgReqChsum, ReqChsum: &protocol.ReqChsum{File: string(fileID), Limit: limit}}); err != nil {
		return zero, err
	}

	select {
	case sum := <-ch:
		return sum, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-time.After(10 * time.Second):
		return zero, fmt.Errorf("checksum request for %s timed out", fileID)
	}
}

func (s *ReceiverSession) registerChsumWaiter(fileID FileID) chan [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chsumWaiters == nil {
		s.chsumWaiters = make(map[FileID]chan [32]byte)
	}
	ch := make(chan [32]byte, 1)
	s.chsumWaiters[fileID] = ch
	return ch
}

func (s *ReceiverSession) clearChsumWaiter(fileID FileID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chsumWaiters, fileID)
}

func (s *ReceiverSession) handleReportChsum(ctx context.Context, msg protocol.ReportChsum) error {
	sum, err := msg.ChecksumBytes()
	if err != nil {
		return nil
	}
	s.mu.Lock()
	ch, ok := s.chsumWaiters[FileID(msg.File)]
	s.mu.Unlock()
	if ok {
		select {
		case ch <- sum:
		default:
		}
	}
	return nil
}

// handleChunk appends one binary chunk frame to its file's open temp
// file, enforcing the declared-size guard and progress granularity
// (§4.3 "Streaming").
func (s *ReceiverSession) handleChunk(ctx context.Context, chunk protocol.Chunk) {
	fileID := FileID(chunk.FileID)

	s.mu.Lock()
	in, ok := s.open[fileID]
	s.mu.Unlock()
	if !ok {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.offset+int64(len(chunk.Data)) > in.declared {
		_ = s.writeServerMsg(ctx, protocol.ServerMsg{Type: protocol.MsgError, Error: &protocol.ErrorMsg{File: chunk.FileID, Msg: "chunk exceeds declared size"}})
		if _, err := s.reg.TerminalRecv(s.xferID, fileID, Failed); err != nil {
			s.log.Warn("terminal recv failed", "file_id", fileID, "err", err)
		}
		return
	}

	if _, err := in.temp.Write(chunk.Data); err != nil {
		return
	}
	in.offset += int64(len(chunk.Data))

	lastGranule := (in.offset - int64(len(chunk.Data))) / s.progressGranularity
	nowGranule := in.offset / s.progressGranularity
	if nowGranule > lastGranule {
		s.bus.EmitFile(events.KindFileDownloadProgress, s.xferID, string(fileID), func(e *events.Event) {
			e.Bytes = uint64(in.offset)
			e.TotalBytes = uint64(in.declared)
		})
		_ = s.writeServerMsg(ctx, protocol.ServerMsg{Type: protocol.MsgProgress, Progress: &protocol.Progress{File: chunk.FileID, BytesTransfered: uint64(in.offset)}})
		if err := s.reg.RecordPathEvent(s.xferID, fileID, storage.EventProgress, in.offset); err != nil {
			s.log.Warn("record path event", "file_id", fileID, "state", storage.EventProgress, "err", err)
		}
	}

	if in.offset == in.declared {
		f, err := s.file(fileID)
		if err != nil {
			return
		}
		go s.verifyAndFinalize(context.Background(), f, in)
	}
}

// verifyAndFinalize computes the final SHA-256, compares against the
// cache (requesting it if unknown), then renames into place on match.
func (s *ReceiverSession) verifyAndFinalize(ctx context.Context, f *File, in *incomingFile) {
	in.mu.Lock()
	path := in.tempPath
	// A restarted-at-0 resume may leave stale bytes beyond the
	// declared size from a previous, differently-sized attempt;
	// truncate so the final file is exactly f.Size bytes.
	truncErr := in.temp.Truncate(in.declared)
	in.mu.Unlock()
	if truncErr != nil {
		return
	}

	if err := in.temp.Close(); err != nil {
		return
	}

	s.bus.EmitFile(events.KindFinalizeChecksumStarted, s.xferID, string(f.ID), func(e *events.Event) { e.TotalBytes = uint64(f.Size) })
	sum, err := sha256Prefix(path, f.Size, s.progressGranularity, func(n int64) {
		s.bus.EmitFile(events.KindFinalizeChecksumProgress, s.xferID, string(f.ID), func(e *events.Event) { e.Bytes = uint64(n) })
	})
	if err != nil {
		return
	}
	s.bus.EmitFile(events.KindFinalizeChecksumFinished, s.xferID, string(f.ID), nil)

	cached, ok, err := s.cache.CachedChecksum(ctx, s.xferID.String(), string(f.ID))
	if err != nil {
		return
	}
	if !ok {
		remote, err := s.requestChecksum(ctx, f.ID, uint64(f.Size))
		if err != nil {
			_ = s.writeServerMsg(ctx, protocol.ServerMsg{Type: protocol.MsgError, Error: &protocol.ErrorMsg{File: string(f.ID), Msg: "checksum unavailable"}})
			if _, err := s.reg.TerminalRecv(s.xferID, f.ID, Failed); err != nil {
				s.log.Warn("terminal recv failed", "file_id", f.ID, "err", err)
			}
			return
		}
		cached = remote[:]
		_ = s.cache.PutCachedChecksum(ctx, s.xferID.String(), string(f.ID), cached)
	}

	if string(cached) != string(sum[:]) {
		_ = s.writeServerMsg(ctx, protocol.ServerMsg{Type: protocol.MsgError, Error: &protocol.ErrorMsg{File: string(f.ID), Msg: "checksum mismatch"}})
		os.Remove(path)
		if _, err := s.reg.TerminalRecv(s.xferID, f.ID, Failed); err != nil {
			s.log.Warn("terminal recv failed", "file_id", f.ID, "err", err)
		}
		if err := s.cache.ClearInFlightIncoming(ctx, s.xferID.String(), string(f.ID)); err != nil {
			s.log.Warn("clear in-flight incoming", "file_id", f.ID, "err", err)
		}
		s.log.Warn("checksum mismatch, discarding file", "file_id", f.ID)
		s.bus.EmitFile(events.KindFileDownloadFailed, s.xferID, string(f.ID), func(e *events.Event) { e.Msg = "checksum mismatch" })
		return
	}

	_ = s.writeServerMsg(ctx, protocol.ServerMsg{Type: protocol.MsgDone, Done: &protocol.Progress{File: string(f.ID), BytesTransfered: uint64(f.Size)}})
	_ = s.finalize(ctx, f, path)
}

// finalize renames the temp file to its final destination using the
// collision-avoiding probe loop and applies the OS quarantine
// attribute, best-effort (§4.3).
func (s *ReceiverSession) finalize(ctx context.Context, f *File, tempPath string) error {
	rel, err := s.reg.ApplyDirMapping(s.xferID, s.baseDir, f.ID)
	if err != nil {
		return err
	}
	dest := filepath.Join(s.baseDir, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	final, err := resolveAndCreate(dest)
	if err != nil {
		return err
	}

	if err := os.Rename(tempPath, final); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tempPath, final, err)
	}
	_ = filesystem.Quarantine(final)

	if _, err := s.reg.TerminalRecv(s.xferID, f.ID, Completed); err != nil {
		return err
	}
	if err := s.cache.ClearInFlightIncoming(ctx, s.xferID.String(), string(f.ID)); err != nil {
		s.log.Warn("clear in-flight incoming", "file_id", f.ID, "err", err)
	}
	s.log.Info("file completed", "file_id", f.ID, "final_path", final)
	s.bus.EmitFile(events.KindFileDownloadSuccess, s.xferID, string(f.ID), func(e *events.Event) { e.FinalPath = final })
	return nil
}

// resolveAndCreate probes name, name(1), name(2), ... and atomically
// creates the first candidate that does not yet exist, closing the
// race mapPathIfExists alone leaves open.
func resolveAndCreate(path string) (string, error) {
	for {
		candidate, err := ResolveCollision(path)
		if err != nil {
			return "", err
		}
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			os.Remove(candidate) // make way for the rename that follows
			return candidate, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("create %s: %w", candidate, err)
		}
		// Lost the race: loop and probe again from the contended name.
	}
}

func (s *ReceiverSession) handleReject(ctx context.Context, fileID FileID, byPeer bool) error {
	if _, err := s.file(fileID); err != nil {
		return nil
	}
	s.closeTemp(fileID, false)
	if _, err := s.reg.TerminalRecv(s.xferID, fileID, Rejected); err != nil {
		return nil
	}
	if err := s.cache.ClearInFlightIncoming(ctx, s.xferID.String(), string(fileID)); err != nil {
		s.log.Warn("clear in-flight incoming", "file_id", fileID, "err", err)
	}
	s.bus.EmitFile(events.KindFileDownloadRejected, s.xferID, string(fileID), func(e *events.Event) { e.ByPeer = byPeer })
	return nil
}

// handleCancel pauses the file: the temp file is retained, and the
// file remains eligible for resume on a future connection (§4.3
// "Cancel semantics").
func (s *ReceiverSession) handleCancel(ctx context.Context, fileID FileID) error {
	s.closeTemp(fileID, true)
	return nil
}

func (s *ReceiverSession) closeTemp(fileID FileID, keep bool) {
	s.mu.Lock()
	in, ok := s.open[fileID]
	delete(s.open, fileID)
	s.mu.Unlock()
	if !ok {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	in.temp.Close()
	if !keep {
		os.Remove(in.tempPath)
	}
}

// peerAddr is a convenience the caller uses when constructing a
// Transfer for a freshly-accepted connection.
func peerAddr(addr net.Addr) net.IP {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
