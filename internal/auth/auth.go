package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	domainString = "libdrop-auth"

	// NonceLen is the total nonce size including its 2-byte role prefix.
	NonceLen = 24

	clientPrefix = "c_"
	serverPrefix = "s_"
)

// Nonce is a 24-byte value with a role prefix scoping a ticket to one
// direction of the handshake.
type Nonce [NonceLen]byte

func generate(prefix string) (Nonce, error) {
	var n Nonce
	copy(n[:], prefix)
	if _, err := rand.Read(n[len(prefix):]); err != nil {
		return n, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

func GenerateClientNonce() (Nonce, error) { return generate(clientPrefix) }
func GenerateServerNonce() (Nonce, error) { return generate(serverPrefix) }

func hasPrefix(n Nonce, prefix string) bool {
	return string(n[:len(prefix)]) == prefix
}

func (n Nonce) IsClientNonce() bool { return hasPrefix(n, clientPrefix) }
func (n Nonce) IsServerNonce() bool { return hasPrefix(n, serverPrefix) }

// PublicKey/PrivateKey are raw X25519 key material, 32 bytes each.
type PublicKey [32]byte
type PrivateKey [32]byte

// GenerateKeypair produces a fresh long-lived X25519 identity, the kind
// each peer holds per spec.md §4.1.
func GenerateKeypair() (PrivateKey, PublicKey, error) {
	var priv PrivateKey
	if _, err := rand.Read(priv[:]); err != nil {
		return priv, PublicKey{}, fmt.Errorf("generate keypair: %w", err)
	}
	pub, err := priv.Public()
	return priv, pub, err
}

func (p PrivateKey) Public() (PublicKey, error) {
	var pub PublicKey
	out, err := curve25519.X25519(p[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("derive public key: %w", err)
	}
	copy(pub[:], out)
	return pub, nil
}

func sharedSecret(priv PrivateKey, peer PublicKey) ([]byte, error) {
	return curve25519.X25519(priv[:], peer[:])
}

// createTag computes HMAC-SHA256(X25519(local, peer) ‖ domain ‖ nonce).
func createTag(priv PrivateKey, peer PublicKey, nonce Nonce) ([]byte, error) {
	shared, err := sharedSecret(priv, peer)
	if err != nil {
		return nil, fmt.Errorf("diffie-hellman: %w", err)
	}
	mac := hmac.New(sha256.New, shared)
	mac.Write([]byte(domainString))
	mac.Write(nonce[:])
	return mac.Sum(nil), nil
}

// PeerKeyLookup resolves a peer's public key from its IP address, the
// embedder-supplied collaborator named in spec.md §1.
type PeerKeyLookup func(peerIP string) (PublicKey, bool)

// CreateTicketAsClient answers a server's WWWAuthenticate challenge,
// requiring (unless checkPrefix is false) that the server nonce carries
// the "s_" prefix.
func CreateTicketAsClient(priv PrivateKey, serverPub PublicKey, challenge WWWAuthenticate, checkPrefix bool) (Authorization, error) {
	nonce, err := DecodeNonce(challenge.Nonce)
	if err != nil {
		return Authorization{}, err
	}
	if checkPrefix && !nonce.IsServerNonce() {
		return Authorization{}, fmt.Errorf("server nonce missing %q prefix", serverPrefix)
	}
	tag, err := createTag(priv, serverPub, nonce)
	if err != nil {
		return Authorization{}, err
	}
	return Authorization{Ticket: EncodeTag(tag), Nonce: challenge.Nonce}, nil
}

// CreateTicketAsServer answers with the server's own challenge, requiring
// the nonce came from the client flow ("c_" prefix).
func CreateTicketAsServer(priv PrivateKey, clientPub PublicKey, challenge WWWAuthenticate) (Authorization, error) {
	nonce, err := DecodeNonce(challenge.Nonce)
	if err != nil {
		return Authorization{}, err
	}
	if !nonce.IsClientNonce() {
		return Authorization{}, fmt.Errorf("client nonce missing %q prefix", clientPrefix)
	}
	tag, err := createTag(priv, clientPub, nonce)
	if err != nil {
		return Authorization{}, err
	}
	return Authorization{Ticket: EncodeTag(tag), Nonce: challenge.Nonce}, nil
}

// Authorize verifies a peer's Authorization header against the nonce we
// issued, using a constant-time comparison for the ticket.
func Authorize(issued Nonce, priv PrivateKey, peerPub PublicKey, got Authorization) bool {
	peersNonce, err := DecodeNonce(got.Nonce)
	if err != nil || peersNonce != issued {
		return false
	}

	clientTag, err := DecodeTag(got.Ticket)
	if err != nil {
		return false
	}

	tag, err := createTag(priv, peerPub, issued)
	if err != nil {
		return false
	}

	return subtle.ConstantTimeCompare(tag, clientTag) == 1
}
