// NWC connection checker
// Probes a wallet responder from the app side of a connection URI: sends
// get_info, get_balance, or pay_invoice and prints the decrypted response.
package main

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/gorilla/websocket"
)

const (
	requestKind  = 23194
	responseKind = 23195
)

type wireEvent struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

func main() {
	uri := flag.String("uri", "", "nostr+walletconnect:// connection URI")
	method := flag.String("method", "get_info", "method to call: get_info, get_balance, pay_invoice")
	invoice := flag.String("invoice", "", "bolt11 invoice for pay_invoice")
	timeout := flag.Duration("timeout", 15*time.Second, "how long to wait for the response")
	flag.Parse()

	if *uri == "" {
		fmt.Fprintln(os.Stderr, "usage: nwc-check -uri <connection-uri> [-method get_info|get_balance|pay_invoice] [-invoice <bolt11>]")
		os.Exit(2)
	}

	if err := run(*uri, *method, *invoice, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(rawURI, method, invoice string, timeout time.Duration) error {
	walletPub, secret, relay, err := parseURI(rawURI)
	if err != nil {
		return err
	}

	params := map[string]any{}
	if method == "pay_invoice" {
		if invoice == "" {
			return errors.New("pay_invoice needs -invoice")
		}
		params["invoice"] = invoice
	}
	body, _ := json.Marshal(map[string]any{"method": method, "params": params})

	shared, err := sharedSecret(secret, walletPub)
	if err != nil {
		return err
	}
	encrypted, err := encrypt(string(body), shared)
	if err != nil {
		return err
	}

	clientPub := derivePubKey(secret)
	event := &wireEvent{
		PubKey:    hex.EncodeToString(clientPub),
		CreatedAt: time.Now().Unix(),
		Kind:      requestKind,
		Tags:      [][]string{{"p", hex.EncodeToString(walletPub)}},
		Content:   encrypted,
	}
	event.ID = eventID(event)
	event.Sig, err = sign(secret, event.ID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, relay, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", relay, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	// subscribe for the response before publishing the request
	filter := map[string]any{
		"kinds": []int{responseKind},
		"#e":    []string{event.ID},
	}
	if err := conn.WriteJSON([]any{"REQ", "check-" + event.ID[:8], filter}); err != nil {
		return err
	}
	if err := conn.WriteJSON([]any{"EVENT", event}); err != nil {
		return err
	}
	fmt.Printf("sent %s request %s\n", method, event.ID)

	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("waiting for response: %w", err)
		}
		if len(msg) < 2 {
			continue
		}
		var msgType string
		json.Unmarshal(msg[0], &msgType)

		switch msgType {
		case "OK":
			var accepted bool
			if len(msg) >= 3 {
				json.Unmarshal(msg[2], &accepted)
			}
			fmt.Printf("relay ack: accepted=%v\n", accepted)
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			var ev wireEvent
			if err := json.Unmarshal(msg[2], &ev); err != nil {
				continue
			}
			if ev.PubKey != hex.EncodeToString(walletPub) {
				continue
			}
			plaintext, err := decrypt(ev.Content, shared)
			if err != nil {
				return fmt.Errorf("decrypting response: %w", err)
			}
			fmt.Println("response:", plaintext)
			return nil
		}
	}
}

func parseURI(raw string) (walletPub, secret []byte, relay string, err error) {
	const scheme = "nostr+walletconnect://"
	if !strings.HasPrefix(raw, scheme) {
		return nil, nil, "", errors.New("URI must start with " + scheme)
	}
	u, err := url.Parse(strings.Replace(raw, scheme, "https://", 1))
	if err != nil {
		return nil, nil, "", err
	}

	walletPub, err = hex.DecodeString(u.Host)
	if err != nil || len(walletPub) != 32 {
		return nil, nil, "", errors.New("invalid wallet pubkey in URI")
	}
	secret, err = hex.DecodeString(u.Query().Get("secret"))
	if err != nil || len(secret) != 32 {
		return nil, nil, "", errors.New("invalid secret in URI")
	}
	relay = u.Query().Get("relay")
	if relay == "" {
		return nil, nil, "", errors.New("URI has no relay parameter")
	}
	return walletPub, secret, relay, nil
}

func derivePubKey(privKeyBytes []byte) []byte {
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	return privKey.PubKey().SerializeCompressed()[1:]
}

func sharedSecret(privKeyBytes, pubKeyBytes []byte) ([]byte, error) {
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)

	withPrefix := append([]byte{0x02}, pubKeyBytes...)
	pubKey, err := btcec.ParsePubKey(withPrefix)
	if err != nil {
		withPrefix[0] = 0x03
		pubKey, err = btcec.ParsePubKey(withPrefix)
		if err != nil {
			return nil, errors.New("invalid wallet pubkey")
		}
	}

	shared := btcec.GenerateSharedSecret(privKey, pubKey)
	if len(shared) < 32 {
		padded := make([]byte, 32)
		copy(padded[32-len(shared):], shared)
		return padded, nil
	}
	return shared, nil
}

// NIP-04: AES-256-CBC, base64(ciphertext)?iv=base64(iv)
func encrypt(plaintext string, key []byte) (string, error) {
	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	data := []byte(plaintext)
	padding := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

func decrypt(payload string, key []byte) (string, error) {
	parts := strings.Split(payload, "?iv=")
	if len(parts) != 2 {
		return "", errors.New("unexpected payload format")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", err
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(iv) != 16 {
		return "", errors.New("bad IV")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", errors.New("bad ciphertext length")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)

	padding := int(out[len(out)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(out) {
		return "", errors.New("bad padding")
	}
	return string(out[:len(out)-padding]), nil
}

func eventID(ev *wireEvent) string {
	tags, _ := json.Marshal(ev.Tags)
	content, _ := json.Marshal(ev.Content)
	serialized := fmt.Sprintf(`[0,"%s",%d,%d,%s,%s]`,
		ev.PubKey, ev.CreatedAt, ev.Kind, tags, content)
	hash := sha256.Sum256([]byte(serialized))
	return hex.EncodeToString(hash[:])
}

func sign(privKeyBytes []byte, id string) (string, error) {
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return "", err
	}
	sig, err := schnorr.Sign(privKey, idBytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}
