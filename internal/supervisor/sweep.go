package supervisor

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/jend-dev/libdrop/internal/events"
)

// registry is the subset of *manager.Manager the sweep needs. Declared
// here, consumer-side, for the same import-cycle reason as
// internal/transfer.Registry.
type registry interface {
	IsIncomingAlive(id uuid.UUID) bool
	IncomingRemove(id uuid.UUID, byPeerCancel bool) (bool, error)
}

// checker is the subset of *LivenessClient the sweep needs, declared
// here so tests can drive Sweep without real HTTP.
type checker interface {
	Check(ctx context.Context, peerAddr string, port int, transferID uuid.UUID) (CheckResult, error)
}

// Sweep periodically probes one incoming transfer's peer for continued
// liveness (§4.6), clearing the transfer locally once the peer reports
// it gone. A probe that fails or is inconclusive is retried on the next
// tick. One Sweep instance runs per incoming transfer for its lifetime.
type Sweep struct {
	mgr      registry
	client   checker
	bus      *events.Bus
	peerAddr string
	port     int
	interval time.Duration
	log      *log.Logger
}

func NewSweep(mgr registry, client checker, bus *events.Bus, peerAddr string, port int, interval time.Duration, logger *log.Logger) *Sweep {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Sweep{mgr: mgr, client: client, bus: bus, peerAddr: peerAddr, port: port, interval: interval, log: logger}
}

// Run blocks until the peer reports the transfer gone, the transfer is
// no longer alive in the registry, or ctx is canceled. Only in the first
// case does it remove the transfer from the registry (as canceled by the
// peer) and emit the cancellation event, mirroring check.rs's run().
func (s *Sweep) Run(ctx context.Context, transferID uuid.UUID) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	byPeer := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.mgr.IsIncomingAlive(transferID) {
			return
		}

		result, err := s.client.Check(ctx, s.peerAddr, s.port, transferID)
		if err != nil {
			continue // transient: try again next tick
		}
		if result == CheckGone {
			byPeer = true
			break
		}
		// CheckAlive: keep looping.
	}

	if _, err := s.mgr.IncomingRemove(transferID, byPeer); err != nil {
		return
	}
	if byPeer {
		s.log.Info("incoming transfer canceled by peer", "transfer_id", transferID)
		s.bus.EmitTransfer(events.KindIncomingTransferCanceled, transferID, func(e *events.Event) { e.ByPeer = true })
	}
}
