// Package client implements the sender side of connection setup: WS
// upgrade at /drop/<version>, the §4.1 client authentication flow, and
// handing the resulting FrameConn to a transfer.SenderSession. Grounded
// on the teacher's internal/transport/tcp.go dial-and-retry shape,
// generalized from a raw TCP dial to an authenticated WS upgrade.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/jend-dev/libdrop/internal/auth"
	"github.com/jend-dev/libdrop/internal/liberr"
	"github.com/jend-dev/libdrop/internal/transfer"
)

// wireVersion is the only version this build negotiates; the original
// implementation probes v1, v2, v4, v5 before v6, but those are yanked
// for lacking mutual authentication and reproducing the probe order is
// optional per spec.md §9 Open Question (a).
const wireVersion = "6"

// Dial opens an authenticated WS session to peerAddr:port, running the
// full §4.1 client flow: attempt the upgrade, and on a 401 challenge,
// compute and resend the ticket. A second 401 is AuthenticationFailed;
// 429 is TooManyRequests.
func Dial(ctx context.Context, peerAddr string, port int, priv auth.PrivateKey, peerPub auth.PublicKey) (transfer.FrameConn, error) {
	url := fmt.Sprintf("ws://%s:%d/drop/%s", peerAddr, port, wireVersion)

	conn, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		return transfer.NewWSConn(conn), nil
	}

	if resp == nil {
		return nil, liberr.Wrap(liberr.IOError, "dial "+url, err)
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return nil, liberr.New(liberr.TooManyRequests, "upgrade rate-limited by peer")
	case http.StatusUnauthorized:
		// fall through to the retry below
	default:
		return nil, liberr.Wrap(liberr.IOError, fmt.Sprintf("unexpected upgrade status %d", resp.StatusCode), err)
	}

	wwwAuth, ok := auth.ParseWWWAuthenticate(resp.Header.Get("WWW-Authenticate"))
	if !ok {
		return nil, liberr.New(liberr.AuthenticationFailed, "malformed WWW-Authenticate challenge")
	}
	ticket, err := auth.CreateTicketAsClient(priv, peerPub, wwwAuth, true)
	if err != nil {
		return nil, liberr.Wrap(liberr.AuthenticationFailed, "build authorization ticket", err)
	}

	header := http.Header{}
	header.Set("Authorization", ticket.String())
	conn, resp2, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err == nil {
		return transfer.NewWSConn(conn), nil
	}

	if resp2 != nil {
		switch resp2.StatusCode {
		case http.StatusUnauthorized:
			return nil, liberr.New(liberr.AuthenticationFailed, "peer rejected authentication ticket")
		case http.StatusTooManyRequests:
			return nil, liberr.New(liberr.TooManyRequests, "upgrade rate-limited by peer")
		}
	}
	return nil, liberr.Wrap(liberr.IOError, "retry dial "+url, err)
}

// IsConnectionClosed reports whether err is a WS close frame from the
// peer (with any status code) or a canceled context, used by the
// reconnect loop to decide whether to resume or surface a fatal
// transfer error.
func IsConnectionClosed(err error) bool {
	var closeErr websocket.CloseError
	return errors.As(err, &closeErr) || errors.Is(err, context.Canceled)
}
