// Package auth implements the libdrop authentication handshake: nonce
// generation, WWW-Authenticate/Authorization header grammar, and the
// HMAC-SHA256 ticket over an X25519 shared secret, per spec.md §4.1.
//
// Grounded on original_source/drop-auth/src/http.rs (header grammar) and
// drop-auth/src/lib.rs (tag derivation), expressed in the teacher's error
// style (plain fmt.Errorf, no custom parser combinator library).
package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const authScheme = "drop"

var b64 = base64.RawStdEncoding

// WWWAuthenticate is the server's 401 challenge header value.
type WWWAuthenticate struct {
	Nonce string // base64-no-pad
}

func (w WWWAuthenticate) String() string {
	return fmt.Sprintf("%s nonce=%q", authScheme, w.Nonce)
}

// ParseWWWAuthenticate is tolerant of whitespace and comma-separated
// key=value pairs in any order, with optional quoting, per spec.md §4.1.
func ParseWWWAuthenticate(value string) (WWWAuthenticate, bool) {
	rest, ok := splitScheme(value)
	if !ok {
		return WWWAuthenticate{}, false
	}
	for _, pair := range splitPairs(rest) {
		key, val, ok := splitKV(pair)
		if !ok {
			continue
		}
		if key == "nonce" {
			return WWWAuthenticate{Nonce: val}, true
		}
	}
	return WWWAuthenticate{}, false
}

// Authorization is the client's retry header value.
type Authorization struct {
	Ticket string // base64-no-pad
	Nonce  string // base64-no-pad
}

func (a Authorization) String() string {
	return fmt.Sprintf("%s ticket=%q, nonce=%q", authScheme, a.Ticket, a.Nonce)
}

// ParseAuthorization mirrors ParseWWWAuthenticate's tolerance rules.
func ParseAuthorization(value string) (Authorization, bool) {
	rest, ok := splitScheme(value)
	if !ok {
		return Authorization{}, false
	}

	var ticket, nonce string
	var haveTicket, haveNonce bool

	for _, pair := range splitPairs(rest) {
		key, val, ok := splitKV(pair)
		if !ok {
			continue
		}
		switch key {
		case "ticket":
			ticket, haveTicket = val, true
		case "nonce":
			nonce, haveNonce = val, true
		}
		if haveTicket && haveNonce {
			return Authorization{Ticket: ticket, Nonce: nonce}, true
		}
	}

	return Authorization{}, false
}

func splitScheme(value string) (string, bool) {
	value = strings.TrimSpace(value)
	idx := strings.IndexFunc(value, func(r rune) bool { return r == ' ' || r == '\t' })
	if idx < 0 {
		return "", false
	}
	scheme, rest := value[:idx], value[idx+1:]
	if scheme != authScheme {
		return "", false
	}
	return rest, true
}

func splitPairs(value string) []string {
	return strings.Split(value, ",")
}

func splitKV(pair string) (key, val string, ok bool) {
	pair = strings.TrimSpace(pair)
	idx := strings.IndexByte(pair, '=')
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(pair[:idx])
	val = strings.TrimSpace(pair[idx+1:])
	val = strings.Trim(val, `"`)
	return key, val, true
}

// EncodeNonce/DecodeNonce use unpadded standard base64, matching the
// BASE64 constant in drop-auth/src/lib.rs.
func EncodeNonce(n Nonce) string { return b64.EncodeToString(n[:]) }

func DecodeNonce(s string) (Nonce, error) {
	var n Nonce
	b, err := b64.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("invalid nonce encoding: %w", err)
	}
	if len(b) != NonceLen {
		return n, fmt.Errorf("invalid nonce length %d", len(b))
	}
	copy(n[:], b)
	return n, nil
}

func EncodeTag(tag []byte) string { return b64.EncodeToString(tag) }

func DecodeTag(s string) ([]byte, error) {
	b, err := b64.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid ticket encoding: %w", err)
	}
	return b, nil
}
