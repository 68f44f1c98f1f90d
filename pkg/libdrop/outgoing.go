package libdrop

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/jend-dev/libdrop/internal/client"
	"github.com/jend-dev/libdrop/internal/events"
	"github.com/jend-dev/libdrop/internal/liberr"
	"github.com/jend-dev/libdrop/internal/manager"
	"github.com/jend-dev/libdrop/internal/storage"
	"github.com/jend-dev/libdrop/internal/supervisor"
	"github.com/jend-dev/libdrop/internal/transfer"
)

// connCloser adapts a transfer.FrameConn to manager.RequestChannel,
// whose Close takes no reason.
type connCloser struct{ c transfer.FrameConn }

func (cc connCloser) Close() error { return cc.c.Close("transfer ended") }

var _ manager.RequestChannel = connCloser{}

// NewTransfer creates and registers an outgoing transfer for peer from
// one or more descriptors, then begins dialing it in the background
// (§6 "new_transfer(peer, [descriptor...]) -> TransferId"). An empty
// expansion (no files found across all descriptors) is EmptyTransfer
// (§8 invariant 5); exceeding transfer_file_limit is
// TransferLimitsExceeded.
func (in *Instance) NewTransfer(peer string, descriptors []Descriptor) (uuid.UUID, error) {
	if len(descriptors) == 0 {
		return uuid.Nil, liberr.New(liberr.EmptyTransfer, "no descriptors supplied")
	}

	var files []*transfer.File
	for _, d := range descriptors {
		fs, err := in.expand(d)
		if err != nil {
			return uuid.Nil, liberr.Wrap(liberr.BadPath, "expand descriptor", err)
		}
		files = append(files, fs...)
	}
	if len(files) == 0 {
		return uuid.Nil, liberr.New(liberr.EmptyTransfer, "descriptors expanded to zero files")
	}
	if len(files) > in.cfg.TransferFileLimit {
		return uuid.Nil, liberr.New(liberr.TransferLimitsExceeded, fmt.Sprintf("%d files exceeds limit %d", len(files), in.cfg.TransferFileLimit))
	}

	peerIP := net.ParseIP(peer)
	if peerIP == nil {
		return uuid.Nil, liberr.New(liberr.InvalidArgument, "invalid peer address "+peer)
	}

	xferID := uuid.New()
	xfer, err := transfer.NewTransfer(xferID, peerIP, transfer.Outgoing, files)
	if err != nil {
		return uuid.Nil, liberr.Wrap(liberr.BadTransfer, "construct transfer", err)
	}

	if err := in.mgr.RegisterOutgoing(context.Background(), xfer); err != nil {
		return uuid.Nil, liberr.Wrap(liberr.StorageError, "register outgoing transfer", err)
	}

	in.bus.Emit(events.KindRequestQueued, xferID)
	in.launchOutgoing(in.backgroundCtx(), xfer)
	return xferID, nil
}

// backgroundCtx is the root context long-running outgoing sessions use;
// Stop's cancellation of the Start-time context is what actually tears
// them down, so this only needs to exist at all (never nil) between
// Start and Stop.
func (in *Instance) backgroundCtx() context.Context {
	return context.Background()
}

func (in *Instance) resumeOutgoing(ctx context.Context) {
	records, err := in.store.OutgoingTransfersToRetry(ctx)
	if err != nil {
		in.log.Warn("list outgoing transfers to retry", "err", err)
		return
	}
	for _, rec := range records {
		xferID, err := uuid.Parse(rec.ID)
		if err != nil {
			continue
		}

		files := make([]*transfer.File, 0, len(rec.Files))
		for _, rf := range rec.Files {
			if rf.SourcePath == "" && rf.ContentURI == "" {
				in.log.Warn("skipping resume of file with no recoverable source", "transfer_id", rec.ID, "file_id", rf.FileID)
				continue
			}
			files = append(files, &transfer.File{
				ID:      transfer.FileID(rf.FileID),
				SubPath: transfer.NewFileSubPath(rf.SubPath),
				Size:    rf.Size,
				Src:     transfer.Source{Path: rf.SourcePath, ContentURI: rf.ContentURI},
			})
		}
		if len(files) == 0 {
			continue
		}

		xfer, err := transfer.NewTransfer(xferID, net.ParseIP(rec.Peer), transfer.Outgoing, files)
		if err != nil {
			continue
		}
		in.mgr.Reattach(xfer)
		in.launchOutgoing(ctx, xfer)
	}
}

// launchOutgoing drives xfer's dial/auth/stream/keepalive/reconnect
// cycle in a background goroutine until every file is terminal or ctx
// is canceled (§4.4, §4.6). A transfer already being driven by an
// earlier launchOutgoing call is left alone, so NetworkRefresh can call
// this unconditionally for every non-terminal transfer.
func (in *Instance) launchOutgoing(ctx context.Context, xfer *transfer.Transfer) {
	if !in.tryMarkRunning(xfer.ID) {
		return
	}
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		defer in.clearRunning(xfer.ID)
		in.runOutgoing(ctx, xfer)
	}()
}

func (in *Instance) tryMarkRunning(id uuid.UUID) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.running == nil {
		in.running = make(map[uuid.UUID]bool)
	}
	if in.running[id] {
		return false
	}
	in.running[id] = true
	return true
}

func (in *Instance) clearRunning(id uuid.UUID) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.running, id)
}

func (in *Instance) runOutgoing(ctx context.Context, xfer *transfer.Transfer) {
	reconnector := supervisor.NewReconnector(in.cfg.ConnectionMaxRetryInterval, in.cfg.ConnectionRetries)

	for {
		if xfer.AllFilesTerminal() {
			return
		}

		peerPub, ok := in.peerKey(xfer.PeerIP.String())
		if !ok {
			in.log.Error("no public key for peer, giving up", "transfer_id", xfer.ID, "peer", xfer.PeerIP)
			in.bus.EmitTransfer(events.KindTransferFailed, xfer.ID, func(e *events.Event) { e.ErrorKind = int(liberr.AuthenticationFailed) })
			if err := in.mgr.RecordTransferEvent(xfer.ID, storage.TransferEventFailed, false, int(liberr.AuthenticationFailed)); err != nil {
				in.log.Warn("record transfer event", "transfer_id", xfer.ID, "err", err)
			}
			return
		}

		var conn transfer.FrameConn
		var sess *transfer.SenderSession
		dialErr := reconnector.Dial(ctx, func(dctx context.Context) error {
			c, err := client.Dial(dctx, xfer.PeerIP.String(), in.cfg.ListenPort, in.priv, peerPub)
			if err != nil {
				return err
			}
			if err := in.mgr.OutgoingConnected(xfer.ID, connCloser{c}); err != nil {
				c.Close("registration failed")
				return err
			}
			conn = c
			sess = transfer.NewSenderSession(xfer, conn, in.mgr, in.bus, in.sem, in.log)
			return sess.SendTransferRequest(dctx)
		})
		if dialErr != nil {
			in.log.Warn("giving up on outgoing transfer", "transfer_id", xfer.ID, "err", dialErr)
			in.bus.EmitTransfer(events.KindTransferFailed, xfer.ID, func(e *events.Event) { e.ErrorKind = int(liberr.IOError) })
			if err := in.mgr.RecordTransferEvent(xfer.ID, storage.TransferEventFailed, false, int(liberr.IOError)); err != nil {
				in.log.Warn("record transfer event", "transfer_id", xfer.ID, "err", err)
			}
			return
		}

		in.setSender(xfer.ID, sess)

		runCtx, cancel := context.WithCancel(ctx)
		runErr := make(chan error, 1)
		go func() { runErr <- sess.Run(runCtx) }()

		ka := supervisor.NewKeepalive(conn, in.cfg.PingInterval, in.cfg.TransferIdleLifetime)
		kaErr := make(chan error, 1)
		go func() { kaErr <- ka.Run(runCtx) }()

		select {
		case <-ctx.Done():
			cancel()
			conn.Close("shutting down")
			in.clearSender(xfer.ID)
			return
		case <-runErr:
			cancel()
		case <-kaErr:
			cancel()
			conn.Close("idle timeout")
		}

		in.clearSender(xfer.ID)

		if xfer.AllFilesTerminal() {
			return
		}
		// Connection dropped with files still alive: loop back and
		// reconnect (§4.6 "the reconnect loop resumes a dropped
		// connection from the last confirmed offset").
	}
}

func (in *Instance) setSender(id uuid.UUID, sess *transfer.SenderSession) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.senders[id] = sess
}

func (in *Instance) clearSender(id uuid.UUID) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.senders, id)
}

func (in *Instance) sender(id uuid.UUID) (*transfer.SenderSession, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	s, ok := in.senders[id]
	return s, ok
}

// NetworkRefresh kicks every outgoing transfer not currently connected
// back into dialing immediately rather than waiting out its backoff
// (§6 "network_refresh()"), used by an embedder that just regained
// connectivity.
func (in *Instance) NetworkRefresh() error {
	ctx := context.Background()
	records, err := in.store.OutgoingTransfersToRetry(ctx)
	if err != nil {
		return liberr.Wrap(liberr.StorageError, "list outgoing transfers", err)
	}
	for _, rec := range records {
		xferID, err := uuid.Parse(rec.ID)
		if err != nil {
			continue
		}
		xfer, ok := in.mgr.Transfer(xferID)
		if !ok || xfer.AllFilesTerminal() {
			continue
		}
		in.launchOutgoing(in.backgroundCtx(), xfer)
	}
	return nil
}
