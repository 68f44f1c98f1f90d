// Package libdrop is the embedder-facing facade of §6: it wires durable
// storage, the transfer registry, the accept-side server, and the
// sender-side dialer into the single Instance type a host application
// drives. Grounded on the teacher's cmd/jend/main.go orchestration of
// core.RunSender/core.RunReceiver, generalized from a one-shot CLI flow
// into a long-lived library instance an embedder Starts once and drives
// through many transfers.
package libdrop

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jend-dev/libdrop/internal/auth"
	"github.com/jend-dev/libdrop/internal/config"
	"github.com/jend-dev/libdrop/internal/events"
	"github.com/jend-dev/libdrop/internal/liberr"
	"github.com/jend-dev/libdrop/internal/manager"
	"github.com/jend-dev/libdrop/internal/server"
	"github.com/jend-dev/libdrop/internal/storage"
	"github.com/jend-dev/libdrop/internal/transfer"
)

// maxConcurrentOutgoingStreams bounds the global outgoing-stream
// throttle semaphore (§5 "global weighted semaphore caps concurrent
// outgoing file streams across all transfers").
const maxConcurrentOutgoingStreams = 8

// FDResolver resolves a mobile content-URI to an open file descriptor,
// the out-of-scope collaborator named in §1/§6 SetFdResolver.
type FDResolver func(contentURI string) (fd int, err error)

// Instance is one running libdrop endpoint: one identity keypair, one
// durable store, one accept-side server, and any number of concurrent
// outgoing/incoming transfers.
type Instance struct {
	cfg *config.Config
	log *log.Logger

	priv    auth.PrivateKey
	pub     auth.PublicKey
	peerKey auth.PeerKeyLookup

	store *storage.Store
	mgr   *manager.Manager
	bus   *events.Bus
	srv   *server.Server
	sem   *semaphore.Weighted

	fdResolverMu sync.Mutex
	fdResolver   FDResolver

	mu      sync.Mutex
	senders map[uuid.UUID]*transfer.SenderSession
	running map[uuid.UUID]bool

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs an Instance. peerKey resolves a peer IP to its public
// key, the embedder-supplied collaborator of §1; it is consulted both
// by the accept-side authenticator and the outgoing dialer.
func New(cfg *config.Config, priv auth.PrivateKey, peerKey auth.PeerKeyLookup, sink events.Sink, logger *log.Logger) *Instance {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	pub, _ := priv.Public()
	return &Instance{
		cfg:     cfg,
		log:     logger.With("component", "libdrop"),
		priv:    priv,
		pub:     pub,
		peerKey: peerKey,
		bus:     events.NewBus(sink),
		sem:     semaphore.NewWeighted(maxConcurrentOutgoingStreams),
		senders: make(map[uuid.UUID]*transfer.SenderSession),
	}
}

// LoadOrCreateIdentity loads the 32-byte X25519 private key at path, or
// generates and persists a fresh one if absent (§4.1 "each side owns a
// long-lived keypair").
func LoadOrCreateIdentity(path string) (auth.PrivateKey, error) {
	var priv auth.PrivateKey

	data, err := os.ReadFile(path)
	if err == nil && len(data) == len(priv) {
		copy(priv[:], data)
		return priv, nil
	}

	priv, _, err = auth.GenerateKeypair()
	if err != nil {
		return priv, fmt.Errorf("generate identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return priv, fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(path, priv[:], 0o600); err != nil {
		return priv, fmt.Errorf("persist identity: %w", err)
	}
	return priv, nil
}

// PublicKey returns the instance's own public key, for the embedder to
// advertise out-of-band so peers can authenticate it.
func (in *Instance) PublicKey() auth.PublicKey { return in.pub }

// Start opens durable storage, binds listenAddr:config.ListenPort, and
// resumes any transfer left non-terminal by a previous run (§6). A
// storage open failure degrades to an in-memory store rather than
// failing Start, per §7's "Database open failure is tolerated once",
// reported via a RuntimeError{DbLost} event instead of a returned error.
func (in *Instance) Start(ctx context.Context, listenAddr string) error {
	store, degraded, err := storage.OpenResilient(ctx, in.cfg.StoragePath)
	if err != nil {
		return liberr.Wrap(liberr.StorageError, "open storage", err)
	}
	in.store = store
	if degraded {
		in.log.Warn("storage degraded to in-memory fallback", "path", in.cfg.StoragePath)
		in.bus.EmitTransfer(events.KindRuntimeError, uuid.Nil, func(e *events.Event) { e.ErrorKind = int(liberr.DbLost) })
	}

	in.mgr = manager.New(in.store, in.bus, in.log)
	in.srv = server.NewServer(in.cfg, in.store, in.mgr, in.bus, in.priv, in.peerKey, in.log)

	runCtx, cancel := context.WithCancel(ctx)
	in.runCancel = cancel

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		if err := in.srv.Start(runCtx, listenAddr); err != nil {
			in.log.Error("server stopped", "err", err)
		}
	}()

	in.resumeOutgoing(runCtx)
	in.reattachIncoming(runCtx)

	return nil
}

// Stop cancels every live session and blocks until the server has shut
// down, then closes storage.
func (in *Instance) Stop(ctx context.Context) error {
	if in.runCancel != nil {
		in.runCancel()
	}
	var err error
	if in.srv != nil {
		err = in.srv.Stop(ctx)
	}
	in.wg.Wait()
	if in.store != nil {
		if cerr := in.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// SetFdResolver installs the content-URI -> fd collaborator used when a
// new_transfer descriptor or a resumed outgoing file doesn't already
// carry an open descriptor (§6).
func (in *Instance) SetFdResolver(fn FDResolver) {
	in.fdResolverMu.Lock()
	defer in.fdResolverMu.Unlock()
	in.fdResolver = fn
}

func (in *Instance) resolveFD(contentURI string) (int, error) {
	in.fdResolverMu.Lock()
	fn := in.fdResolver
	in.fdResolverMu.Unlock()
	if fn == nil {
		return 0, fmt.Errorf("no fd resolver installed for content-uri %s", contentURI)
	}
	return fn(contentURI)
}

// reattachIncoming reloads every incoming transfer with non-terminal
// files so a reconnect from the peer finds a registry entry to attach
// to instead of being treated as a brand-new request.
func (in *Instance) reattachIncoming(ctx context.Context) {
	records, err := in.store.IncomingTransfersToRetry(ctx)
	if err != nil {
		in.log.Warn("list incoming transfers to retry", "err", err)
		return
	}
	for _, rec := range records {
		xferID, err := uuid.Parse(rec.ID)
		if err != nil {
			continue
		}
		files := make([]*transfer.File, 0, len(rec.Files))
		for _, rf := range rec.Files {
			files = append(files, &transfer.File{ID: transfer.FileID(rf.FileID), SubPath: transfer.NewFileSubPath(rf.SubPath), Size: rf.Size})
		}
		if len(files) == 0 {
			continue
		}
		xfer, err := transfer.NewTransfer(xferID, net.ParseIP(rec.Peer), transfer.Incoming, files)
		if err != nil {
			continue
		}
		in.mgr.Reattach(xfer)
	}
}
