package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const publishTimeout = 10 * time.Second

// RelayPublisher publishes events to every configured relay and reports
// success if at least one relay acknowledged the event.
type RelayPublisher struct {
	relays []string
}

// NewRelayPublisher creates a publisher for the given relay set
func NewRelayPublisher(relays []string) *RelayPublisher {
	return &RelayPublisher{relays: relays}
}

// Publish sends ["EVENT", ev] to all relays and waits for OK acks. A relay
// rejection or network fault on every relay is an error; partial acceptance
// is success.
func (p *RelayPublisher) Publish(ctx context.Context, ev *Event) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	var wg sync.WaitGroup
	acks := make(chan error, len(p.relays))

	for _, relay := range p.relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			acks <- publishToRelay(ctx, relayURL, ev)
		}(relay)
	}
	wg.Wait()
	close(acks)

	var firstErr error
	for err := range acks {
		if err == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = errors.New("no relays configured")
	}
	return firstErr
}

// publishToRelay dials one relay, sends the event, and waits for its OK ack
func publishToRelay(ctx context.Context, relayURL string, ev *Event) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	if err := conn.WriteJSON([]interface{}{"EVENT", ev}); err != nil {
		return err
	}

	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if len(msg) < 3 {
			continue
		}

		var msgType string
		if json.Unmarshal(msg[0], &msgType) != nil || msgType != "OK" {
			continue
		}

		var eventID string
		var accepted bool
		if json.Unmarshal(msg[1], &eventID) != nil || eventID != ev.ID {
			continue
		}
		if json.Unmarshal(msg[2], &accepted) != nil {
			continue
		}

		if !accepted {
			reason := ""
			if len(msg) >= 4 {
				json.Unmarshal(msg[3], &reason)
			}
			slog.Warn("relay rejected event", "relay", relayURL,
				"event_id", shortID(ev.ID), "reason", reason)
			return errors.New("relay rejected event")
		}

		slog.Debug("relay accepted event", "relay", relayURL, "event_id", shortID(ev.ID))
		return nil
	}
}

// PublishInfoEvent publishes the replaceable kind-13194 capability event.
// Its content is the space-separated list of live registry methods, so what
// the wallet advertises is always what it dispatches.
func PublishInfoEvent(ctx context.Context, publisher Publisher, privKey []byte, walletPubKey string, methods []string) error {
	event := &Event{
		PubKey:    walletPubKey,
		CreatedAt: time.Now().Unix(),
		Kind:      kindWalletInfo,
		Tags:      [][]string{},
		Content:   strings.Join(methods, " "),
	}
	if err := finalizeEvent(event, privKey); err != nil {
		return err
	}
	return publisher.Publish(ctx, event)
}
