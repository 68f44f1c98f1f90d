package supervisor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jend-dev/libdrop/internal/transfer"
)

// Keepalive drives the ping/idle-timeout half of §4.6 for one active WS
// connection: the ordering side emits Ping every pingInterval, and
// either side declares the connection dead once idleTimeout elapses
// since the last activity recorded through Touch.
type Keepalive struct {
	conn         transfer.FrameConn
	pingInterval time.Duration
	idleTimeout  time.Duration

	lastActivity atomic.Int64 // unix nanos
}

func NewKeepalive(conn transfer.FrameConn, pingInterval, idleTimeout time.Duration) *Keepalive {
	k := &Keepalive{conn: conn, pingInterval: pingInterval, idleTimeout: idleTimeout}
	k.Touch()
	return k
}

// Touch records that the connection was just observed alive, resetting
// the idle clock. Run calls it after every successful ping; the session
// loops do not call it on their reads and writes, so the idle clock
// counts from the last answered ping.
func (k *Keepalive) Touch() {
	k.lastActivity.Store(time.Now().UnixNano())
}

func (k *Keepalive) idleSince() time.Duration {
	last := time.Unix(0, k.lastActivity.Load())
	return time.Since(last)
}

// Run pings on pingInterval and watches for idleTimeout expiry,
// returning when the idle deadline is exceeded or ctx is canceled. The
// caller (sender's reconnect loop, or the receiver's accept handler)
// treats a non-nil return as "connection is dead, tear it down."
func (k *Keepalive) Run(ctx context.Context) error {
	pingTicker := time.NewTicker(k.pingInterval)
	defer pingTicker.Stop()

	watchdogInterval := k.idleTimeout / 4
	if watchdogInterval > k.pingInterval {
		watchdogInterval = k.pingInterval
	}
	if watchdogInterval <= 0 {
		watchdogInterval = time.Millisecond
	}
	watchdog := time.NewTicker(watchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-pingTicker.C:
			pingCtx, cancel := context.WithTimeout(ctx, k.pingInterval)
			err := k.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
			k.Touch()

		case <-watchdog.C:
			if k.idleSince() >= k.idleTimeout {
				return context.DeadlineExceeded
			}
		}
	}
}
