package main

import (
	"encoding/hex"
	"strings"
	"testing"
)

func testKeypair(t *testing.T) (priv []byte, pubHex string) {
	t.Helper()
	priv, err := generatePrivateKey()
	if err != nil {
		t.Fatalf("generatePrivateKey failed: %v", err)
	}
	pub, err := derivePublicKey(priv)
	if err != nil {
		t.Fatalf("derivePublicKey failed: %v", err)
	}
	return priv, hex.EncodeToString(pub)
}

func mustHexDecode(t *testing.T, s string) []byte {
	t.Helper()
	out, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("invalid hex string %q: %v", s, err)
	}
	return out
}

func TestNip04SharedSecretSymmetry(t *testing.T) {
	walletPriv, walletPub := testKeypair(t)
	appPriv, appPub := testKeypair(t)

	s1, err := nip04SharedSecret(walletPriv, mustHexDecode(t, appPub))
	if err != nil {
		t.Fatalf("wallet-side shared secret: %v", err)
	}
	s2, err := nip04SharedSecret(appPriv, mustHexDecode(t, walletPub))
	if err != nil {
		t.Fatalf("app-side shared secret: %v", err)
	}

	if string(s1) != string(s2) {
		t.Errorf("shared secrets differ:\n  wallet: %x\n  app:    %x", s1, s2)
	}
	if len(s1) != 32 {
		t.Errorf("shared secret length = %d, want 32", len(s1))
	}
}

func TestNip04RoundTrip(t *testing.T) {
	walletPriv, _ := testKeypair(t)
	_, appPub := testKeypair(t)

	shared, err := nip04SharedSecret(walletPriv, mustHexDecode(t, appPub))
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}

	plaintext := `{"method":"get_info","params":{}}`
	encrypted, err := nip04Encrypt(plaintext, shared)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if !strings.Contains(encrypted, "?iv=") {
		t.Fatalf("encrypted payload missing ?iv= marker: %s", encrypted)
	}

	decrypted, err := nip04Decrypt(encrypted, shared)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("round trip mismatch:\n  got:  %q\n  want: %q", decrypted, plaintext)
	}
}

func TestNip04DecryptRejectsGarbage(t *testing.T) {
	priv, _ := testKeypair(t)
	_, pub := testKeypair(t)
	shared, _ := nip04SharedSecret(priv, mustHexDecode(t, pub))

	cases := []string{
		"",
		"no-iv-marker",
		"bm90LWJhc2U2NA==?iv=!!!",
		"!!!?iv=AAAAAAAAAAAAAAAAAAAAAA==",
		"AAAA?iv=AAAA", // IV too short
	}
	for _, payload := range cases {
		if _, err := nip04Decrypt(payload, shared); err == nil {
			t.Errorf("decrypt(%q) succeeded, want error", payload)
		}
	}
}

func TestNip04DecryptWrongKeyFails(t *testing.T) {
	walletPriv, _ := testKeypair(t)
	otherPriv, _ := testKeypair(t)
	_, appPub := testKeypair(t)

	shared, _ := nip04SharedSecret(walletPriv, mustHexDecode(t, appPub))
	wrongShared, _ := nip04SharedSecret(otherPriv, mustHexDecode(t, appPub))

	encrypted, err := nip04Encrypt(`{"method":"get_balance"}`, shared)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	decrypted, err := nip04Decrypt(encrypted, wrongShared)
	if err == nil && decrypted == `{"method":"get_balance"}` {
		t.Error("decrypt with wrong key recovered the plaintext")
	}
}
