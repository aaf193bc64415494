package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ResponseError is the wire form of a failed request
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// WalletResponse is the body of a kind-23195 event. Exactly one of Result and
// Error is set.
type WalletResponse struct {
	ResultType string         `json:"result_type"`
	Result     any            `json:"result,omitempty"`
	Error      *ResponseError `json:"error,omitempty"`
}

// Publisher hands a fully-formed signed event to the transport. "Emitted"
// means handed off, not acknowledged by a relay; retry policy lives with the
// transport, not here.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
}

// Emitter assembles, encrypts, and signs response events
type Emitter struct {
	cipher       *Cipher
	privKey      []byte
	walletPubKey string
	publisher    Publisher
	now          func() time.Time
}

// NewEmitter creates an emitter signing as the given wallet key
func NewEmitter(cipher *Cipher, privKey []byte, walletPubKey string, publisher Publisher) *Emitter {
	return &Emitter{
		cipher:       cipher,
		privKey:      privKey,
		walletPubKey: walletPubKey,
		publisher:    publisher,
		now:          time.Now,
	}
}

// Emit answers the request event with either a result or an error, mirroring
// the encryption scheme the request used
func (e *Emitter) Emit(ctx context.Context, req *Event, method string, result any, nwcErr *NWCError, scheme Scheme) error {
	if (result == nil) == (nwcErr == nil) {
		return fmt.Errorf("response needs exactly one of result or error")
	}

	resp := &WalletResponse{ResultType: method}
	if nwcErr != nil {
		resp.Error = &ResponseError{Code: nwcErr.Code, Message: nwcErr.Message}
	} else {
		resp.Result = result
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshaling response: %w", err)
	}

	encrypted, err := e.cipher.Encrypt(string(payload), req.PubKey, scheme)
	if err != nil {
		return fmt.Errorf("encrypting response: %w", err)
	}

	event := &Event{
		PubKey:    e.walletPubKey,
		CreatedAt: e.now().Unix(),
		Kind:      kindWalletResponse,
		Tags: [][]string{
			{"e", req.ID},
			{"p", req.PubKey},
		},
		Content: encrypted,
	}
	if err := finalizeEvent(event, e.privKey); err != nil {
		return fmt.Errorf("signing response: %w", err)
	}

	if err := e.publisher.Publish(ctx, event); err != nil {
		metricPublishFailures.Add(1)
		return fmt.Errorf("publishing response: %w", err)
	}

	metricResponsesPublished.Add(1)
	return nil
}
