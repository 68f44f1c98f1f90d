package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := NewBackoff(1 * time.Second)

	got := []time.Duration{b.Next(), b.Next(), b.Next(), b.Next(), b.Next(), b.Next()}
	want := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1 * time.Second, // capped
		1 * time.Second,
		1 * time.Second,
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempt %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBackoffResetReturnsToInitial(t *testing.T) {
	b := NewBackoff(10 * time.Second)
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != reconnectInitialBackoff {
		t.Fatalf("got %v after reset, want %v", got, reconnectInitialBackoff)
	}
}

func TestReconnectorStopsAfterMaxRetries(t *testing.T) {
	r := NewReconnector(10*time.Millisecond, 3)
	attempts := 0
	err := r.Dial(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("dial failed")
	})
	if err == nil {
		t.Fatal("expected an error once retries are exhausted")
	}
	if attempts != 3 {
		t.Fatalf("got %d attempts, want 3", attempts)
	}
}

func TestReconnectorSucceedsEventually(t *testing.T) {
	r := NewReconnector(10*time.Millisecond, 0)
	attempts := 0
	err := r.Dial(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("got %d attempts, want 3", attempts)
	}
}
