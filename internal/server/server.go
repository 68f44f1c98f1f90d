// Package server implements the receiver half of libdrop's external
// interfaces (§6): the HTTP/1.1 upgrade endpoint at GET /drop/<version>
// and the liveness probe at GET /drop/<version>/check/<uuid>, both
// gated by the §4.1 authentication handshake and the §5 per-peer
// inbound rate limiter. Grounded on the teacher's internal/transport
// listener style for the TCP bind, and on marmos91-dittofs's
// internal/controlplane for reaching for go-chi/chi/v5 as the
// path-parameterized HTTP router rather than stdlib ServeMux pattern
// matching.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/jend-dev/libdrop/internal/auth"
	"github.com/jend-dev/libdrop/internal/config"
	"github.com/jend-dev/libdrop/internal/events"
	"github.com/jend-dev/libdrop/internal/manager"
	"github.com/jend-dev/libdrop/internal/protocol"
	"github.com/jend-dev/libdrop/internal/storage"
	"github.com/jend-dev/libdrop/internal/supervisor"
	"github.com/jend-dev/libdrop/internal/transfer"
)

// wireVersion is the only path segment this build accepts; versions
// below v6 are yanked for lacking mutual authentication (§4.2, Open
// Question (a)).
const wireVersion = "6"

// Server is the accept-side of the connection-supervision loop: it
// binds the fixed libdrop TCP port, upgrades authenticated WebSocket
// requests, and drives one ReceiverSession per incoming transfer.
type Server struct {
	cfg     *config.Config
	store   *storage.Store
	mgr     *manager.Manager
	bus     *events.Bus
	log     *log.Logger
	priv    auth.PrivateKey
	peerKey auth.PeerKeyLookup

	nonces   *auth.NonceCache
	limiter  *perPeerLimiter
	sessions *sessionRegistry

	httpServer *http.Server

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewServer wires the collaborators the embedder's own Instance already
// constructed: durable storage, the in-memory transfer registry, and
// the event bus shared with the sender side.
func NewServer(cfg *config.Config, store *storage.Store, mgr *manager.Manager, bus *events.Bus, priv auth.PrivateKey, peerKey auth.PeerKeyLookup, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Server{
		cfg:      cfg,
		store:    store,
		mgr:      mgr,
		bus:      bus,
		log:      logger.With("component", "server"),
		priv:     priv,
		peerKey:  peerKey,
		nonces:   auth.NewNonceCache(),
		limiter:  newPerPeerLimiter(10, 20),
		sessions: newSessionRegistry(),
	}
}

// Router builds the chi mux serving both §6 HTTP endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/drop/{version}", s.handleUpgrade)
	r.Get("/drop/{version}/check/{id}", s.handleCheck)
	return r
}

// Start binds listenAddr:config.ListenPort and serves until Stop is
// called. AddrInUse is surfaced distinctly from generic I/O errors,
// per §6.
func (s *Server) Start(ctx context.Context, listenAddr string) error {
	addr := fmt.Sprintf("%s:%d", listenAddr, s.cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			return fmt.Errorf("listen %s: address in use: %w", addr, err)
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.httpServer = &http.Server{Handler: s.Router(), BaseContext: func(net.Listener) context.Context { return runCtx }}
	s.log.Info("listening", "addr", addr)
	err = s.httpServer.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return nil
}

// Stop gracefully shuts down the listener and cancels every live
// session's context, letting each WS close cleanly per §5 "Token
// cancel ⇒ graceful".
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	if version != wireVersion {
		http.Error(w, "unsupported protocol version", http.StatusBadRequest)
		return
	}

	peerIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peerIP = r.RemoteAddr
	}
	if !s.limiter.allow(peerIP) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	socketKey := r.RemoteAddr
	if !s.authenticate(w, r, socketKey, peerIP) {
		return
	}
	s.nonces.Drop(socketKey)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("websocket accept failed", "peer", peerIP, "err", err)
		return
	}
	wsConn := transfer.NewWSConn(conn)
	sessionCtx, cancel := context.WithCancel(context.Background())

	readCtx, rcancel := context.WithTimeout(sessionCtx, s.cfg.ReqConnectionTimeout)
	isBinary, data, err := wsConn.Read(readCtx)
	rcancel()
	if err != nil || isBinary {
		wsConn.Close("expected transfer request")
		cancel()
		return
	}

	var msg protocol.ClientMsg
	if err := msg.UnmarshalJSON(data); err != nil || msg.Type != protocol.MsgTransferRequest {
		wsConn.Close("expected transfer request")
		cancel()
		return
	}
	req := msg.TransferRequest

	if len(req.Files) == 0 {
		wsConn.Close("empty transfer")
		cancel()
		return
	}
	if len(req.Files) > s.cfg.TransferFileLimit {
		wsConn.Close("too many files")
		cancel()
		return
	}

	xferID, err := uuid.Parse(req.ID)
	if err != nil {
		wsConn.Close("bad transfer id")
		cancel()
		return
	}

	files := make([]*transfer.File, 0, len(req.Files))
	for _, rf := range req.Files {
		files = append(files, &transfer.File{
			ID:      transfer.FileID(rf.ID),
			SubPath: transfer.NewFileSubPath(rf.Path),
			Size:    rf.Size,
		})
	}

	xfer, err := transfer.NewTransfer(xferID, parseHostIP(r.RemoteAddr), transfer.Incoming, files)
	if err != nil {
		wsConn.Close(err.Error())
		cancel()
		return
	}

	isNew, err := s.mgr.RegisterIncoming(sessionCtx, xfer, closerFunc(cancel))
	if err != nil {
		s.log.Warn("register incoming failed", "transfer_id", xferID, "err", err)
		wsConn.Close("registration failed")
		cancel()
		return
	}

	sess := transfer.NewReceiverSession(xfer, wsConn, s.mgr, s.bus, s.store, "", s.cfg.ChecksumEventsGranularity, s.log)
	s.sessions.put(xferID, sess)

	if isNew {
		s.bus.Emit(events.KindRequestReceived, xferID)
		s.log.Info("request received", "transfer_id", xferID, "peer", peerIP, "files", len(files))
	}

	go s.driveSession(sessionCtx, cancel, xferID, wsConn, sess)
}

// driveSession runs the receiver's frame loop alongside the keepalive
// watchdog until either ends the connection, then cleans up the
// session registry entry (§4.6, §5 "alive guard").
func (s *Server) driveSession(ctx context.Context, cancel context.CancelFunc, xferID uuid.UUID, conn transfer.FrameConn, sess *transfer.ReceiverSession) {
	defer cancel()
	defer s.sessions.delete(xferID)
	defer conn.Close("session ended")

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	ka := supervisor.NewKeepalive(conn, s.cfg.PingInterval, s.cfg.TransferIdleLifetime)
	kaErr := make(chan error, 1)
	go func() { kaErr <- ka.Run(ctx) }()

	select {
	case <-ctx.Done():
	case <-runErr:
	case <-kaErr:
		s.log.Debug("incoming transfer idle/dead, preserving for resume", "transfer_id", xferID)
	}
}

// Session returns the live ReceiverSession driving transferID, if any
// connection is currently attached, for the embedder-facing facade to
// call AcceptFile/RejectFile/PrimeChecksum against.
func (s *Server) Session(transferID uuid.UUID) (*transfer.ReceiverSession, bool) {
	return s.sessions.get(transferID)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	if version != wireVersion {
		http.Error(w, "unsupported protocol version", http.StatusBadRequest)
		return
	}

	peerIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peerIP = r.RemoteAddr
	}
	if !s.limiter.allow(peerIP) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	socketKey := r.RemoteAddr
	if !s.authenticate(w, r, socketKey, peerIP) {
		return
	}
	s.nonces.Drop(socketKey)

	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "bad transfer id", http.StatusBadRequest)
		return
	}

	if s.mgr.IsIncomingAlive(id) {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusGone)
}

// authenticate implements the §4.1 server flow: challenge with a fresh
// nonce on a missing/invalid Authorization header, verify the ticket on
// retry. Returns false (having already written the response) when the
// caller must stop processing the request.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, socketKey, peerIP string) bool {
	hdr := r.Header.Get("Authorization")
	if hdr == "" {
		s.challenge(w, socketKey)
		return false
	}

	got, ok := auth.ParseAuthorization(hdr)
	if !ok {
		s.challenge(w, socketKey)
		return false
	}

	issued, ok := s.nonces.Take(socketKey)
	if !ok {
		s.challenge(w, socketKey)
		return false
	}

	peerPub, ok := s.peerKey(peerIP)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}

	if !auth.Authorize(issued, s.priv, peerPub, got) {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}

	return true
}

func (s *Server) challenge(w http.ResponseWriter, socketKey string) {
	nonce, err := auth.GenerateServerNonce()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.nonces.Put(socketKey, nonce)
	w.Header().Set("WWW-Authenticate", auth.WWWAuthenticate{Nonce: auth.EncodeNonce(nonce)}.String())
	w.WriteHeader(http.StatusUnauthorized)
}

// closerFunc adapts a context.CancelFunc to manager.RequestChannel.
type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

func parseHostIP(hostport string) net.IP {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return net.ParseIP(hostport)
	}
	return net.ParseIP(host)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
