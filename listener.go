package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	reconnectMinDelay = time.Second
	reconnectMaxDelay = time.Minute
	seenIDTTL         = 15 * time.Minute
)

// Listener subscribes to the wallet's request kind on each configured relay
// and feeds de-duplicated, signature-checked events to the processor. It is
// the transport collaborator: the processor behind it never sees the same
// event id twice from here, and one connection's requests are handed over
// in the order they arrived.
type Listener struct {
	relays       []string
	walletPubKey string
	processor    *Processor

	seenMu sync.Mutex
	seen   map[string]time.Time

	queuesMu sync.Mutex
	queues   map[string]*connQueue
}

// connQueue holds one connection's pending requests in arrival order
type connQueue struct {
	mu      sync.Mutex
	pending []*Event
	running bool
}

// NewListener creates a listener for the wallet's pubkey
func NewListener(relays []string, walletPubKey string, processor *Processor) *Listener {
	return &Listener{
		relays:       relays,
		walletPubKey: walletPubKey,
		processor:    processor,
		seen:         make(map[string]time.Time),
		queues:       make(map[string]*connQueue),
	}
}

// Start launches one subscription goroutine per relay and returns. The
// goroutines reconnect with backoff until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) {
	for _, relay := range l.relays {
		go l.run(ctx, relay)
	}
}

func (l *Listener) run(ctx context.Context, relayURL string) {
	delay := reconnectMinDelay
	for {
		if ctx.Err() != nil {
			return
		}

		connected, err := l.subscribe(ctx, relayURL)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("relay subscription ended", "relay", relayURL, "error", err)
		}

		if connected {
			delay = reconnectMinDelay
		} else {
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// subscribe holds one connection open, reading request events until it drops.
// Returns whether the subscription was established (for backoff reset).
func (l *Listener) subscribe(ctx context.Context, relayURL string) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// close the socket when ctx is cancelled so ReadJSON unblocks
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	subID := "nwc-" + uuid.NewString()[:8]
	filter := map[string]interface{}{
		"kinds": []int{kindWalletRequest},
		"#p":    []string{l.walletPubKey},
	}
	if err := conn.WriteJSON([]interface{}{"REQ", subID, filter}); err != nil {
		return false, err
	}

	slog.Info("listening for wallet requests", "relay", relayURL, "sub_id", subID)

	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return true, err
		}
		if len(msg) < 2 {
			continue
		}

		var msgType string
		if json.Unmarshal(msg[0], &msgType) != nil {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(msg[2], &ev); err != nil {
				slog.Debug("discarding unparseable event", "relay", relayURL, "error", err)
				continue
			}
			l.handle(ctx, relayURL, &ev)
		case "EOSE":
			slog.Debug("subscription active", "relay", relayURL, "sub_id", subID)
		case "NOTICE":
			if len(msg) >= 2 {
				var notice string
				json.Unmarshal(msg[1], &notice)
				slog.Debug("relay notice", "relay", relayURL, "notice", notice)
			}
		case "CLOSED":
			return true, nil
		}
	}
}

func (l *Listener) handle(ctx context.Context, relayURL string, ev *Event) {
	if ev.Kind != kindWalletRequest {
		return
	}
	if ev.TagValue("p") != l.walletPubKey {
		return
	}
	if l.alreadySeen(ev.ID) {
		return
	}
	if !verifyEvent(ev) {
		slog.Debug("discarding event with bad signature",
			"relay", relayURL, "event_id", shortID(ev.ID))
		return
	}

	slog.Debug("request event received", "relay", relayURL,
		"event_id", shortID(ev.ID), "from", shortID(ev.PubKey))

	// one queue per connection: same-connection requests run in arrival
	// order, while a slow payment on one connection never stalls reads
	// from this relay or another connection's requests
	l.enqueue(ctx, ev)
}

func (l *Listener) enqueue(ctx context.Context, ev *Event) {
	l.queuesMu.Lock()
	q, ok := l.queues[ev.PubKey]
	if !ok {
		q = &connQueue{}
		l.queues[ev.PubKey] = q
	}
	l.queuesMu.Unlock()

	q.mu.Lock()
	q.pending = append(q.pending, ev)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go l.drain(ctx, q)
}

// drain processes one connection's queue sequentially until it empties
func (l *Listener) drain(ctx context.Context, q *connQueue) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		ev := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		l.processor.Process(ctx, ev)
	}
}

func (l *Listener) alreadySeen(id string) bool {
	l.seenMu.Lock()
	defer l.seenMu.Unlock()

	now := time.Now()
	if at, ok := l.seen[id]; ok && now.Sub(at) < seenIDTTL {
		return true
	}
	l.seen[id] = now

	if len(l.seen) > 8192 {
		for old, at := range l.seen {
			if now.Sub(at) > seenIDTTL {
				delete(l.seen, old)
			}
		}
	}
	return false
}
