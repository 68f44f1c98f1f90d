// Package supervisor runs the background jobs that keep a transfer
// healthy once its WS session is gone: the per-incoming-transfer
// liveness probe (§4.6) and the keepalive/reconnect loop for an active
// connection. Grounded on original_source/drop-transfer/src/check.rs,
// expressed with stdlib net/http the way the teacher reaches for
// nothing fancier than net/http for its own outbound calls.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/jend-dev/libdrop/internal/auth"
)

// WireVersion is the only protocol version this build negotiates
// (§9 Open Question (a)).
const WireVersion = "6"

// LivenessClient issues the GET /drop/<version>/check/<id> probe against
// a peer, handling the 401-challenge-then-retry dance from §4.1.
type LivenessClient struct {
	HTTPClient *http.Client
	PrivateKey auth.PrivateKey
	PeerKey    auth.PeerKeyLookup
	log        *log.Logger
}

func NewLivenessClient(priv auth.PrivateKey, peerKey auth.PeerKeyLookup, logger *log.Logger) *LivenessClient {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &LivenessClient{
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		PrivateKey: priv,
		PeerKey:    peerKey,
		log:        logger,
	}
}

// CheckResult is the decision make_request in check.rs returns, collapsed
// to a Go-friendly enum instead of a bare ControlFlow.
type CheckResult int

const (
	// CheckAlive: 200 OK, the peer still has this transfer.
	CheckAlive CheckResult = iota
	// CheckGone: 410 Gone, the peer forgot about this transfer.
	CheckGone
	// CheckInconclusive: network error or an unexpected status; try the
	// next round.
	CheckInconclusive
)

// Check performs one liveness probe round against peerAddr:port for
// transferID, retrying once with an Authorization header if challenged.
func (c *LivenessClient) Check(ctx context.Context, peerAddr string, port int, transferID uuid.UUID) (CheckResult, error) {
	url := fmt.Sprintf("http://%s:%d/drop/%s/check/%s", peerAddr, port, WireVersion, transferID)

	resp, err := c.get(ctx, url, nil)
	if err != nil {
		return CheckInconclusive, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		hdr, retryErr := c.retryWithAuth(ctx, url, resp, peerAddr)
		if retryErr != nil {
			return CheckInconclusive, retryErr
		}
		resp = hdr
		defer resp.Body.Close()
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return CheckAlive, nil
	case http.StatusGone:
		c.log.Debug("peer forgot transfer", "transfer_id", transferID, "peer", peerAddr)
		return CheckGone, nil
	default:
		return CheckInconclusive, fmt.Errorf("unexpected check status %d", resp.StatusCode)
	}
}

func (c *LivenessClient) get(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build check request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("check request: %w", err)
	}
	return resp, nil
}

func (c *LivenessClient) retryWithAuth(ctx context.Context, url string, challenge *http.Response, peerAddr string) (*http.Response, error) {
	wwwAuth, ok := auth.ParseWWWAuthenticate(challenge.Header.Get("WWW-Authenticate"))
	if !ok {
		return nil, fmt.Errorf("malformed WWW-Authenticate from %s", peerAddr)
	}

	peerPub, ok := c.PeerKey(peerAddr)
	if !ok {
		return nil, fmt.Errorf("no public key known for peer %s", peerAddr)
	}

	ticket, err := auth.CreateTicketAsClient(c.PrivateKey, peerPub, wwwAuth, true)
	if err != nil {
		return nil, fmt.Errorf("build authorization: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", ticket.String())
	return c.get(ctx, url, header)
}
