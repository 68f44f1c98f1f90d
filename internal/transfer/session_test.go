package transfer

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jend-dev/libdrop/internal/events"
	"github.com/jend-dev/libdrop/internal/storage"
)

// pipeConn is an in-memory FrameConn connecting a sender directly to a
// receiver within a single test process, standing in for a real WS
// socket.
type pipeConn struct {
	out chan frame
	in  chan frame
}

type frame struct {
	binary bool
	data   []byte
}

func newPipePair() (*pipeConn, *pipeConn) {
	a := make(chan frame, 32)
	b := make(chan frame, 32)
	return &pipeConn{out: a, in: b}, &pipeConn{out: b, in: a}
}

func (p *pipeConn) WriteText(ctx context.Context, data []byte) error {
	p.out <- frame{false, data}
	return nil
}

func (p *pipeConn) WriteBinary(ctx context.Context, data []byte) error {
	p.out <- frame{true, data}
	return nil
}

func (p *pipeConn) Read(ctx context.Context) (bool, []byte, error) {
	select {
	case f := <-p.in:
		return f.binary, f.data, nil
	case <-ctx.Done():
		return false, nil, ctx.Err()
	}
}

func (p *pipeConn) Ping(ctx context.Context) error { return nil }

func (p *pipeConn) Close(reason string) error { return nil }

// registryStub stands in for manager.Manager, scoped to the single
// *Transfer its owning session drives — mirroring the real Manager's
// TerminalRecv, which mutates the File it looks up by id rather than
// just acknowledging the call.
type registryStub struct {
	xfer   *Transfer
	mapper *DirMapper
}

func (r *registryStub) TerminalRecv(id uuid.UUID, fileID FileID, state FileTerminalState) (bool, error) {
	f, ok := r.xfer.Files[fileID]
	if !ok {
		return false, fmt.Errorf("unknown file %s", fileID)
	}
	if err := f.SetState(state); err != nil {
		return false, err
	}
	return r.xfer.AllFilesTerminal(), nil
}

func (r *registryStub) EnsureFileNotTerminated(id uuid.UUID, fileID FileID) error {
	f, ok := r.xfer.Files[fileID]
	if !ok {
		return fmt.Errorf("unknown file %s", fileID)
	}
	if f.State().IsTerminal() {
		return fmt.Errorf("file %s already terminal (%s)", fileID, f.State())
	}
	return nil
}

func (r *registryStub) ApplyDirMapping(id uuid.UUID, baseDir string, fileID FileID) (string, error) {
	return r.mapper.Apply(baseDir, FileSubPath{string(fileID)})
}

func (r *registryStub) RecordPathEvent(id uuid.UUID, fileID FileID, state storage.PathEventState, bytes int64) error {
	return nil
}

func TestSenderReceiverFullFileTransfer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srcDir := t.TempDir()
	dstDir := t.TempDir()

	srcPath := filepath.Join(srcDir, "hello.txt")
	content := []byte("hello, libdrop")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	subpath := NewFileSubPath("hello.txt")
	fileID := DeriveFileID(subpath)
	senderFile := &File{ID: fileID, SubPath: subpath, Size: int64(len(content)), Src: Source{Path: srcPath}}
	recvFile := &File{ID: fileID, SubPath: subpath, Size: int64(len(content))}

	xferID := uuid.New()
	senderXfer, err := NewTransfer(xferID, net.ParseIP("127.0.0.1"), Outgoing, []*File{senderFile})
	if err != nil {
		t.Fatal(err)
	}
	recvXfer, err := NewTransfer(xferID, net.ParseIP("127.0.0.1"), Incoming, []*File{recvFile})
	if err != nil {
		t.Fatal(err)
	}

	senderConn, recvConn := newPipePair()

	store, err := storage.Open(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	bus := events.NewBus(events.SinkFunc(func(events.Event) {}))
	senderReg := &registryStub{xfer: senderXfer, mapper: NewDirMapper()}
	recvReg := &registryStub{xfer: recvXfer, mapper: NewDirMapper()}

	sender := NewSenderSession(senderXfer, senderConn, senderReg, bus, semaphore.NewWeighted(4), nil)
	receiver := NewReceiverSession(recvXfer, recvConn, recvReg, bus, store, dstDir, 64*1024, nil)

	go sender.Run(ctx)
	go receiver.Run(ctx)

	if err := sender.SendTransferRequest(ctx); err != nil {
		t.Fatal(err)
	}
	if err := receiver.AcceptFile(ctx, fileID); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(4 * time.Second)
	for {
		if recvFile.State() == Completed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for completion, state=%s", recvFile.State())
		case <-time.After(20 * time.Millisecond):
		}
	}

	entries, err := os.ReadDir(dstDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one finalized file, got %d", len(entries))
	}
	got, err := os.ReadFile(filepath.Join(dstDir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}

func TestReceiverRejectBeforeAcceptance(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subpath := NewFileSubPath("nope.txt")
	fileID := DeriveFileID(subpath)
	recvFile := &File{ID: fileID, SubPath: subpath, Size: 4}

	xferID := uuid.New()
	recvXfer, err := NewTransfer(xferID, net.ParseIP("127.0.0.1"), Incoming, []*File{recvFile})
	if err != nil {
		t.Fatal(err)
	}

	_, recvConn := newPipePair()
	store, err := storage.Open(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	bus := events.NewBus(events.SinkFunc(func(events.Event) {}))
	reg := &registryStub{xfer: recvXfer, mapper: NewDirMapper()}
	receiver := NewReceiverSession(recvXfer, recvConn, reg, bus, store, t.TempDir(), 1024, nil)

	if err := receiver.RejectFile(ctx, fileID); err != nil {
		t.Fatal(err)
	}
	if recvFile.State() != Rejected {
		t.Fatalf("expected Rejected, got %s", recvFile.State())
	}
}
