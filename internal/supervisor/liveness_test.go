package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/jend-dev/libdrop/internal/auth"
)

func TestLivenessCheckOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	priv, _, err := auth.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	client := NewLivenessClient(priv, func(string) (auth.PublicKey, bool) { return auth.PublicKey{}, false }, nil)

	addr, portStr := splitHostPort(t, srv.URL)
	port, _ := strconv.Atoi(portStr)

	result, err := client.Check(context.Background(), addr, port, uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	if result != CheckAlive {
		t.Fatalf("got %v, want CheckAlive", result)
	}
}

func TestLivenessCheckGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	priv, _, err := auth.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	client := NewLivenessClient(priv, func(string) (auth.PublicKey, bool) { return auth.PublicKey{}, false }, nil)

	addr, portStr := splitHostPort(t, srv.URL)
	port, _ := strconv.Atoi(portStr)

	result, err := client.Check(context.Background(), addr, port, uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	if result != CheckGone {
		t.Fatalf("got %v, want CheckGone", result)
	}
}

func TestLivenessCheckRetriesAfterChallenge(t *testing.T) {
	clientPriv, clientPub, err := auth.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	serverPriv, serverPub, err := auth.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	var issuedNonce auth.Nonce
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz, ok := auth.ParseAuthorization(r.Header.Get("Authorization"))
		if !ok {
			nonce, err := auth.GenerateServerNonce()
			if err != nil {
				t.Fatal(err)
			}
			issuedNonce = nonce
			w.Header().Set("WWW-Authenticate", auth.WWWAuthenticate{Nonce: auth.EncodeNonce(nonce)}.String())
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		if !auth.Authorize(issuedNonce, serverPriv, clientPub, authz) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewLivenessClient(clientPriv, func(string) (auth.PublicKey, bool) { return serverPub, true }, nil)

	addr, portStr := splitHostPort(t, srv.URL)
	port, _ := strconv.Atoi(portStr)

	result, err := client.Check(context.Background(), addr, port, uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	if result != CheckAlive {
		t.Fatalf("got %v, want CheckAlive", result)
	}
}

func splitHostPort(t *testing.T, rawURL string) (string, string) {
	t.Helper()
	trimmed := strings.TrimPrefix(rawURL, "http://")
	idx := strings.LastIndex(trimmed, ":")
	if idx < 0 {
		t.Fatalf("no port in %s", rawURL)
	}
	return trimmed[:idx], trimmed[idx+1:]
}
