package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jend-dev/libdrop/internal/events"
)

type fakeRegistry struct {
	mu      sync.Mutex
	alive   bool
	removed bool
	byPeer  bool
}

func (f *fakeRegistry) IsIncomingAlive(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeRegistry) IncomingRemove(id uuid.UUID, byPeerCancel bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	f.byPeer = byPeerCancel
	return byPeerCancel, nil
}

type fakeChecker struct {
	result CheckResult
	err    error
}

func (f *fakeChecker) Check(ctx context.Context, peerAddr string, port int, transferID uuid.UUID) (CheckResult, error) {
	return f.result, f.err
}

func TestSweepRemovesOnGone(t *testing.T) {
	reg := &fakeRegistry{alive: true}
	chk := &fakeChecker{result: CheckGone}
	bus := events.NewBus(nil)

	sweep := NewSweep(reg, chk, bus, "10.0.0.2", 49111, 5*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sweep.Run(ctx, uuid.New())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep did not finish")
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if !reg.removed || !reg.byPeer {
		t.Fatalf("expected removal with byPeer=true, got removed=%v byPeer=%v", reg.removed, reg.byPeer)
	}
}

func TestSweepStopsWhenNoLongerAlive(t *testing.T) {
	reg := &fakeRegistry{alive: false}
	chk := &fakeChecker{result: CheckAlive}
	bus := events.NewBus(nil)

	sweep := NewSweep(reg, chk, bus, "10.0.0.2", 49111, 5*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sweep.Run(ctx, uuid.New())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep did not finish")
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.removed {
		t.Fatal("expected no removal when transfer was already not alive")
	}
}
