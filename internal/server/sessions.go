package server

import (
	"sync"

	"github.com/google/uuid"

	"github.com/jend-dev/libdrop/internal/transfer"
)

// sessionRegistry tracks the live ReceiverSession for each incoming
// transfer, so the library facade can route embedder calls (Download,
// RejectFile) to the session driving that transfer's WS connection.
// Separate from internal/manager.Manager, which owns the durable
// transfer/file state rather than the live protocol session handle.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*transfer.ReceiverSession
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[uuid.UUID]*transfer.ReceiverSession)}
}

func (r *sessionRegistry) put(id uuid.UUID, s *transfer.ReceiverSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = s
}

func (r *sessionRegistry) get(id uuid.UUID) (*transfer.ReceiverSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *sessionRegistry) delete(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}
