package manager

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/jend-dev/libdrop/internal/events"
	"github.com/jend-dev/libdrop/internal/storage"
	"github.com/jend-dev/libdrop/internal/transfer"
)

type fakeConn struct{ closed bool }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.Open(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, events.NewBus(events.SinkFunc(func(events.Event) {})), nil)
}

func newFile(subpath string, size int64) *transfer.File {
	p := transfer.NewFileSubPath(subpath)
	return &transfer.File{ID: transfer.DeriveFileID(p), SubPath: p, Size: size}
}

func TestRegisterIncomingIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id := uuid.New()
	xfer, err := transfer.NewTransfer(id, net.ParseIP("10.0.0.5"), transfer.Incoming, []*transfer.File{newFile("a.txt", 10)})
	if err != nil {
		t.Fatal(err)
	}

	isNew, err := m.RegisterIncoming(ctx, xfer, &fakeConn{})
	if err != nil || !isNew {
		t.Fatalf("expected fresh registration, isNew=%v err=%v", isNew, err)
	}

	isNew, err = m.RegisterIncoming(ctx, xfer, &fakeConn{})
	if err != nil || isNew {
		t.Fatalf("expected reconnect to report isNew=false, isNew=%v err=%v", isNew, err)
	}
}

func TestTerminalRecvReportsTransferTerminal(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id := uuid.New()
	f1 := newFile("a.txt", 10)
	f2 := newFile("b.txt", 20)
	xfer, err := transfer.NewTransfer(id, net.ParseIP("10.0.0.5"), transfer.Incoming, []*transfer.File{f1, f2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.RegisterIncoming(ctx, xfer, &fakeConn{}); err != nil {
		t.Fatal(err)
	}

	terminal, err := m.TerminalRecv(id, f1.ID, transfer.Completed)
	if err != nil {
		t.Fatal(err)
	}
	if terminal {
		t.Fatal("transfer should not be terminal with one file still alive")
	}

	terminal, err = m.TerminalRecv(id, f2.ID, transfer.Failed)
	if err != nil {
		t.Fatal(err)
	}
	if !terminal {
		t.Fatal("transfer should be terminal once every file is terminal")
	}

	if err := m.EnsureFileNotTerminated(id, f1.ID); err == nil {
		t.Fatal("expected EnsureFileNotTerminated to refuse a completed file")
	}
}

func TestApplyDirMappingReusesSiblingMapping(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id := uuid.New()
	f1 := newFile("photos/a.jpg", 10)
	f2 := newFile("photos/b.jpg", 20)
	xfer, err := transfer.NewTransfer(id, net.ParseIP("10.0.0.5"), transfer.Incoming, []*transfer.File{f1, f2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.RegisterIncoming(ctx, xfer, &fakeConn{}); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	p1, err := m.ApplyDirMapping(id, dir, f1.ID)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := m.ApplyDirMapping(id, dir, f2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 {
		t.Fatalf("expected distinct leaf paths, got %q twice", p1)
	}
	if filepath.Dir(p1) != filepath.Dir(p2) {
		t.Fatalf("expected siblings to share one mapped directory, got %q and %q", p1, p2)
	}
}

func TestIncomingRemoveClosesConnection(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id := uuid.New()
	xfer, err := transfer.NewTransfer(id, net.ParseIP("10.0.0.5"), transfer.Incoming, []*transfer.File{newFile("a.txt", 10)})
	if err != nil {
		t.Fatal(err)
	}
	conn := &fakeConn{}
	if _, err := m.RegisterIncoming(ctx, xfer, conn); err != nil {
		t.Fatal(err)
	}

	byPeer, err := m.IncomingRemove(id, true)
	if err != nil || !byPeer {
		t.Fatalf("unexpected result byPeer=%v err=%v", byPeer, err)
	}
	if !conn.closed {
		t.Fatal("expected connection to be closed on removal")
	}
	if m.IsIncomingAlive(id) {
		t.Fatal("expected transfer to be gone after removal")
	}
}
