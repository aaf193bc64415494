package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
)

// ErrDecryptionFailed marks ciphertext that could not be decrypted with the
// wallet key and the claimed counterparty key. The processor drops these
// requests without a response: an undecryptable event has no provable sender.
var ErrDecryptionFailed = errors.New("decryption failed")

// Scheme identifies which encryption a payload uses
type Scheme int

const (
	SchemeNip04 Scheme = iota
	SchemeNip44
)

func (s Scheme) String() string {
	if s == SchemeNip44 {
		return "nip44"
	}
	return "nip04"
}

// generatePrivateKey returns a fresh random secp256k1 private key
func generatePrivateKey() ([]byte, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return privKey.Serialize(), nil
}

// derivePublicKey returns the x-only (BIP-340) public key for a private key
func derivePublicKey(privKeyBytes []byte) ([]byte, error) {
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	if privKey == nil {
		return nil, errors.New("invalid private key")
	}
	return privKey.PubKey().SerializeCompressed()[1:], nil
}

// counterpartyKeys holds the derived keys for one counterparty
type counterpartyKeys struct {
	nip04Shared []byte
	nip44Conv   []byte
}

// Cipher encrypts and decrypts NIP-47 payloads on behalf of the wallet. It is
// keyed internally by the wallet's private key; callers only name the
// counterparty. Derived keys are memoized per counterparty pubkey.
type Cipher struct {
	privKey []byte

	mu   sync.Mutex
	keys map[string]*counterpartyKeys
}

// NewCipher creates a Cipher for the given wallet private key
func NewCipher(privKey []byte) (*Cipher, error) {
	if len(privKey) != 32 {
		return nil, errors.New("wallet private key must be 32 bytes")
	}
	return &Cipher{
		privKey: privKey,
		keys:    make(map[string]*counterpartyKeys),
	}, nil
}

// keysFor derives (or returns memoized) shared keys for a counterparty
func (c *Cipher) keysFor(counterpartyPub string) (*counterpartyKeys, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if k, ok := c.keys[counterpartyPub]; ok {
		return k, nil
	}

	pubBytes, err := hex.DecodeString(counterpartyPub)
	if err != nil || len(pubBytes) != 32 {
		return nil, fmt.Errorf("invalid counterparty pubkey %q", counterpartyPub)
	}

	shared, err := nip04SharedSecret(c.privKey, pubBytes)
	if err != nil {
		return nil, err
	}
	conv, err := nip44ConversationKey(c.privKey, pubBytes)
	if err != nil {
		return nil, err
	}

	k := &counterpartyKeys{nip04Shared: shared, nip44Conv: conv}
	c.keys[counterpartyPub] = k
	return k, nil
}

// Encrypt encrypts plaintext for the counterparty using the given scheme
func (c *Cipher) Encrypt(plaintext, counterpartyPub string, scheme Scheme) (string, error) {
	keys, err := c.keysFor(counterpartyPub)
	if err != nil {
		return "", err
	}

	if scheme == SchemeNip44 {
		return nip44Encrypt(plaintext, keys.nip44Conv)
	}
	return nip04Encrypt(plaintext, keys.nip04Shared)
}

// Decrypt decrypts ciphertext from the counterparty, sniffing the scheme from
// the payload shape: NIP-04 payloads carry a "?iv=" suffix, NIP-44 payloads
// do not. The detected scheme is returned so the response can mirror it.
func (c *Cipher) Decrypt(ciphertext, counterpartyPub string) (string, Scheme, error) {
	keys, err := c.keysFor(counterpartyPub)
	if err != nil {
		return "", SchemeNip04, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	if strings.Contains(ciphertext, "?iv=") {
		plaintext, err := nip04Decrypt(ciphertext, keys.nip04Shared)
		if err != nil {
			return "", SchemeNip04, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		return plaintext, SchemeNip04, nil
	}

	plaintext, err := nip44Decrypt(ciphertext, keys.nip44Conv)
	if err != nil {
		return "", SchemeNip44, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, SchemeNip44, nil
}
