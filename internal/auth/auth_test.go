package auth

import "testing"

func TestAuthorizationHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		value  string
		ticket string
		nonce  string
	}{
		{
			name:   "simple",
			value:  `drop ticket=asdfasdf, nonce="jfjfjfjfjfjf"`,
			ticket: "asdfasdf",
			nonce:  "jfjfjfjfjfjf",
		},
		{
			name:   "reordered",
			value:  `drop nonce="jfjfjfjfjfjf", ticket="asdfasdf"`,
			ticket: "asdfasdf",
			nonce:  "jfjfjfjfjfjf",
		},
		{
			name:   "whitespace tolerant",
			value:  `  drop       ticket =   "asdfasdf"  ,     nonce    =   "jfjfjfjfjfjf" ,  `,
			ticket: "asdfasdf",
			nonce:  "jfjfjfjfjfjf",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, ok := ParseAuthorization(tc.value)
			if !ok {
				t.Fatalf("failed to parse %q", tc.value)
			}
			if a.Ticket != tc.ticket || a.Nonce != tc.nonce {
				t.Fatalf("got ticket=%q nonce=%q, want ticket=%q nonce=%q", a.Ticket, a.Nonce, tc.ticket, tc.nonce)
			}
		})
	}

	original := Authorization{Ticket: "asdfasdfasdf", Nonce: "qwerttyuyuiu"}
	formatted := original.String()
	want := `drop ticket="asdfasdfasdf", nonce="qwerttyuyuiu"`
	if formatted != want {
		t.Fatalf("got %q, want %q", formatted, want)
	}

	reparsed, ok := ParseAuthorization(formatted)
	if !ok || reparsed != original {
		t.Fatalf("round trip mismatch for %q", formatted)
	}
}

func TestWWWAuthenticateHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		value string
		nonce string
	}{
		{`drop nonce="jfjfjfjfjfjf"`, "jfjfjfjfjfjf"},
		{`drop nonce="jfjfjfjfjfjf", ticket="asdfasdf"`, "jfjfjfjfjfjf"},
		{`  drop         nonce    =   "jfjfjfjfjfjf" ,  `, "jfjfjfjfjfjf"},
	}

	for _, tc := range cases {
		w, ok := ParseWWWAuthenticate(tc.value)
		if !ok || w.Nonce != tc.nonce {
			t.Fatalf("parse(%q) = %+v, ok=%v; want nonce=%q", tc.value, w, ok, tc.nonce)
		}
	}

	formatted := WWWAuthenticate{Nonce: "qwerttyuyuiu"}.String()
	want := `drop nonce="qwerttyuyuiu"`
	if formatted != want {
		t.Fatalf("got %q, want %q", formatted, want)
	}
}

func TestTicketValidation(t *testing.T) {
	alicePriv, alicePub, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	bobPriv, bobPub, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	nonce, err := GenerateServerNonce()
	if err != nil {
		t.Fatal(err)
	}

	aliceTag, err := createTag(alicePriv, bobPub, nonce)
	if err != nil {
		t.Fatal(err)
	}
	bobTag, err := createTag(bobPriv, alicePub, nonce)
	if err != nil {
		t.Fatal(err)
	}

	if string(aliceTag) != string(bobTag) {
		t.Fatal("shared-secret tags must match between both peers")
	}

	charliePriv, charliePub, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	fakeTag, err := createTag(charliePriv, alicePub, nonce)
	if err != nil {
		t.Fatal(err)
	}
	if string(fakeTag) == string(bobTag) {
		t.Fatal("forged keypair must not produce a matching tag")
	}
	_ = charliePub
}

func TestHandshakeClientServerFlow(t *testing.T) {
	clientPriv, clientPub, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	serverPriv, serverPub, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	serverNonce, err := GenerateServerNonce()
	if err != nil {
		t.Fatal(err)
	}
	challenge := WWWAuthenticate{Nonce: EncodeNonce(serverNonce)}

	authz, err := CreateTicketAsClient(clientPriv, serverPub, challenge, true)
	if err != nil {
		t.Fatal(err)
	}

	if !Authorize(serverNonce, serverPriv, clientPub, authz) {
		t.Fatal("server failed to authorize a correctly constructed client ticket")
	}

	// A tampered nonce must fail.
	tampered := authz
	tampered.Nonce = EncodeNonce(Nonce{})
	if Authorize(serverNonce, serverPriv, clientPub, tampered) {
		t.Fatal("authorize must reject a mismatched nonce")
	}

	// Wrong peer public key must fail.
	_, otherPub, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	if Authorize(serverNonce, serverPriv, otherPub, authz) {
		t.Fatal("authorize must reject when the peer's public key does not match")
	}
}

func TestNoncePrefixes(t *testing.T) {
	c, err := GenerateClientNonce()
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsClientNonce() || c.IsServerNonce() {
		t.Fatal("client nonce must carry the c_ prefix only")
	}

	s, err := GenerateServerNonce()
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsServerNonce() || s.IsClientNonce() {
		t.Fatal("server nonce must carry the s_ prefix only")
	}
}
