package storage

import (
	"context"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertTransferAndPathEvents(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	tr := Transfer{ID: "t1", PeerIP: "10.0.0.2", Direction: "incoming", CreatedAt: time.Now()}
	paths := []Path{{Kind: string(KindIncoming), FileID: "f1", RelativePath: "a.txt", Size: 100}}
	if err := s.InsertTransfer(ctx, tr, paths); err != nil {
		t.Fatal(err)
	}

	if err := s.AppendPathEvent(ctx, "t1", "f1", PathEvent{State: EventPending, BaseDir: "/tmp/x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendPathEvent(ctx, "t1", "f1", PathEvent{State: EventStarted, Bytes: 0}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendPathEvent(ctx, "t1", "f1", PathEvent{State: EventProgress, Bytes: 50}); err != nil {
		t.Fatal(err)
	}

	last, ok, err := s.LastPathEvent(ctx, "t1", "f1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || last.State != EventProgress || last.Bytes != 50 {
		t.Fatalf("unexpected last event: %+v ok=%v", last, ok)
	}

	if err := s.AppendPathEvent(ctx, "t1", "f1", PathEvent{State: EventCompleted, FinalPath: "/dest/a.txt"}); err != nil {
		t.Fatal(err)
	}

	// Completed is terminal: any further event must be refused.
	if err := s.AppendPathEvent(ctx, "t1", "f1", PathEvent{State: EventProgress, Bytes: 60}); err == nil {
		t.Fatal("expected append after terminal state to fail")
	}
}

func TestIncomingTransfersToRetryExcludesTerminal(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	tr := Transfer{ID: "t1", PeerIP: "10.0.0.2", Direction: "incoming", CreatedAt: time.Now()}
	paths := []Path{
		{Kind: string(KindIncoming), FileID: "done", RelativePath: "done.txt", Size: 10},
		{Kind: string(KindIncoming), FileID: "pending", RelativePath: "pending.txt", Size: 20},
	}
	if err := s.InsertTransfer(ctx, tr, paths); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendPathEvent(ctx, "t1", "done", PathEvent{State: EventCompleted, FinalPath: "done.txt"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendPathEvent(ctx, "t1", "pending", PathEvent{State: EventStarted, Bytes: 5}); err != nil {
		t.Fatal(err)
	}

	retry, err := s.IncomingTransfersToRetry(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(retry) != 1 || len(retry[0].Files) != 1 || retry[0].Files[0].FileID != "pending" {
		t.Fatalf("unexpected retry set: %+v", retry)
	}
}

func TestCachedChecksumRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, ok, err := s.CachedChecksum(ctx, "t1", "f1"); err != nil || ok {
		t.Fatalf("expected no cached checksum yet, ok=%v err=%v", ok, err)
	}

	sum := []byte{1, 2, 3, 4}
	if err := s.PutCachedChecksum(ctx, "t1", "f1", sum); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.CachedChecksum(ctx, "t1", "f1")
	if err != nil || !ok {
		t.Fatalf("expected cached checksum, ok=%v err=%v", ok, err)
	}
	if string(got) != string(sum) {
		t.Fatalf("got %v, want %v", got, sum)
	}
}

func TestInFlightIncomingLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := InFlightIncoming{TransferID: "t1", FileID: "f1", BaseDir: "/tmp/libdrop", TempName: ".f1.part"}
	if err := s.SaveInFlightIncoming(ctx, rec); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListInFlightIncoming(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one in-flight record, got %+v err=%v", list, err)
	}

	if err := s.ClearInFlightIncoming(ctx, "t1", "f1"); err != nil {
		t.Fatal(err)
	}
	list, err = s.ListInFlightIncoming(ctx)
	if err != nil || len(list) != 0 {
		t.Fatalf("expected in-flight record cleared, got %+v err=%v", list, err)
	}
}
