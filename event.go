package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Nostr event kinds used by NIP-47
const (
	kindWalletInfo     = 13194 // replaceable capability advertisement
	kindWalletRequest  = 23194 // app -> wallet
	kindWalletResponse = 23195 // wallet -> app
)

// Event is a signed Nostr event as it appears on the wire
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// TagValue returns the second element of the first tag named name, or ""
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// computeEventID serializes the event per NIP-01 and returns the sha256 hex digest.
// Serialization is [0, pubkey, created_at, kind, tags, content].
func computeEventID(event *Event) string {
	serialized := fmt.Sprintf(`[0,"%s",%d,%d,%s,"%s"]`,
		event.PubKey,
		event.CreatedAt,
		event.Kind,
		mustJSON(event.Tags),
		escapeJSON(event.Content),
	)

	hash := sha256.Sum256([]byte(serialized))
	return hex.EncodeToString(hash[:])
}

// signEventID produces a BIP-340 Schnorr signature over the event id
func signEventID(privKeyBytes []byte, eventID string) (string, error) {
	if len(privKeyBytes) == 0 {
		return "", errors.New("empty private key")
	}

	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	if privKey == nil {
		return "", errors.New("invalid private key")
	}

	idBytes, err := hex.DecodeString(eventID)
	if err != nil {
		return "", fmt.Errorf("invalid event id hex: %w", err)
	}

	sig, err := schnorr.Sign(privKey, idBytes)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(sig.Serialize()), nil
}

// finalizeEvent fills in ID and Sig on an otherwise complete event
func finalizeEvent(event *Event, privKeyBytes []byte) error {
	event.ID = computeEventID(event)
	sig, err := signEventID(privKeyBytes, event.ID)
	if err != nil {
		return err
	}
	event.Sig = sig
	return nil
}

// verifyEvent checks that the event id matches its contents and the signature
// verifies against the event's claimed author pubkey.
func verifyEvent(event *Event) bool {
	if computeEventID(event) != event.ID {
		return false
	}

	pubKeyBytes, err := hex.DecodeString(event.PubKey)
	if err != nil || len(pubKeyBytes) != 32 {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	sigBytes, err := hex.DecodeString(event.Sig)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}

	idBytes, err := hex.DecodeString(event.ID)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// mustJSON marshals without HTML escaping; the NIP-01 id serialization must
// keep <, >, and & literal or signatures break across implementations
func mustJSON(v interface{}) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if enc.Encode(v) != nil {
		return ""
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func escapeJSON(s string) string {
	out := mustJSON(s)
	if len(out) < 2 {
		return s
	}
	// strip surrounding quotes
	return out[1 : len(out)-1]
}
