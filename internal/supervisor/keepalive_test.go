package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeFrameConn struct {
	pings atomic.Int32
	block chan struct{}
}

func (f *fakeFrameConn) WriteText(ctx context.Context, data []byte) error   { return nil }
func (f *fakeFrameConn) WriteBinary(ctx context.Context, data []byte) error { return nil }
func (f *fakeFrameConn) Read(ctx context.Context) (bool, []byte, error) {
	<-ctx.Done()
	return false, nil, ctx.Err()
}
func (f *fakeFrameConn) Close(reason string) error { return nil }

func (f *fakeFrameConn) Ping(ctx context.Context) error {
	f.pings.Add(1)
	if f.block == nil {
		return nil
	}
	select {
	case <-f.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestKeepaliveSendsPingsOnInterval(t *testing.T) {
	conn := &fakeFrameConn{}
	k := NewKeepalive(conn, 10*time.Millisecond, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = k.Run(ctx)

	if conn.pings.Load() < 2 {
		t.Fatalf("expected multiple pings, got %d", conn.pings.Load())
	}
}

func TestKeepaliveDeclaresDeadOnIdleTimeout(t *testing.T) {
	conn := &fakeFrameConn{} // ping interval kept long so only the watchdog fires
	k := NewKeepalive(conn, time.Hour, 20*time.Millisecond)

	err := k.Run(context.Background())
	if err != context.DeadlineExceeded {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
	if conn.pings.Load() != 0 {
		t.Fatalf("expected no pings before the idle deadline, got %d", conn.pings.Load())
	}
}
