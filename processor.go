package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// WalletRequest is the decrypted body of a kind-23194 event
type WalletRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// respondedTTL bounds how long answered request ids are remembered. The
// transport already de-duplicates ids it has seen; this set only covers
// redelivery across reconnects within the window.
const respondedTTL = 10 * time.Minute

// Processor drives one inbound request through
// decrypt -> parse -> authorize -> dispatch -> respond.
//
// Decrypt and parse failures abort without a response: an event we cannot
// decrypt has no provable sender to address an error to. Every later failure
// produces an encrypted error response.
type Processor struct {
	cipher   *Cipher
	conns    *ConnectionManager
	registry *Registry
	emitter  *Emitter

	// collapses concurrent duplicate deliveries of one request id
	inflight singleflight.Group

	// per-connection locks: same-app requests are serialized so budget
	// check-then-increment is atomic per record; different apps never contend
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// request ids already answered, to keep at-most-one response per request
	respondedMu sync.Mutex
	responded   map[string]time.Time
}

// NewProcessor wires the processor's collaborators
func NewProcessor(cipher *Cipher, conns *ConnectionManager, registry *Registry, emitter *Emitter) *Processor {
	return &Processor{
		cipher:    cipher,
		conns:     conns,
		registry:  registry,
		emitter:   emitter,
		locks:     make(map[string]*sync.Mutex),
		responded: make(map[string]time.Time),
	}
}

// Process handles one inbound request event. Safe for concurrent use; the
// listener calls it from one goroutine per event.
func (p *Processor) Process(ctx context.Context, ev *Event) {
	if ev.Kind != kindWalletRequest {
		return
	}
	metricRequestsReceived.Add(1)

	// concurrent duplicates of the same id share a single execution
	p.inflight.Do(ev.ID, func() (any, error) {
		p.process(ctx, ev)
		return nil, nil
	})
}

func (p *Processor) process(ctx context.Context, ev *Event) {
	log := slog.With("event_id", shortID(ev.ID), "app_pubkey", shortID(ev.PubKey))

	if p.alreadyResponded(ev.ID) {
		metricDuplicatesDropped.Add(1)
		log.Debug("dropping duplicate request")
		return
	}

	plaintext, scheme, err := p.cipher.Decrypt(ev.Content, ev.PubKey)
	if err != nil {
		// cannot prove who sent this; drop silently
		metricDecryptFailures.Add(1)
		log.Debug("dropping undecryptable request", "error", err)
		return
	}

	var req WalletRequest
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil || req.Method == "" {
		// no parseable method to anchor an error response type to
		metricParseFailures.Add(1)
		log.Debug("dropping malformed request payload")
		return
	}
	log = log.With("method", req.Method)

	// serialize with other requests from the same connection
	lock := p.connLock(ev.PubKey)
	lock.Lock()
	defer lock.Unlock()

	if p.alreadyResponded(ev.ID) {
		metricDuplicatesDropped.Add(1)
		return
	}

	spending := p.registry.IsSpending(req.Method)
	amountSat, err := p.conns.Authorize(ctx, ev.PubKey, req.Method, req.Params, spending)
	if err != nil {
		log.Info("request not authorized", "error", err)
		p.respond(ctx, ev, req.Method, nil, asNWCError(err), scheme)
		return
	}

	handler, ok := p.registry.Lookup(req.Method)
	if !ok {
		log.Info("unknown method")
		p.respond(ctx, ev, req.Method, nil, nwcErrorf(CodeNotImplemented, ""), scheme)
		return
	}

	result, err := p.invoke(ctx, handler, req.Params)
	if err != nil {
		p.respond(ctx, ev, req.Method, nil, asNWCError(err), scheme)
		return
	}
	if result == nil {
		// a handler with nothing to report still owes the app a success body
		result = struct{}{}
	}

	if spending && amountSat > 0 {
		if err := p.conns.RecordSpend(ctx, ev.PubKey, amountSat); err != nil {
			// the payment went through; a failed debit is our fault, not the
			// app's, so still answer success and scream in the logs
			log.Error("failed to record spend", "amount_sat", amountSat, "error", err)
		}
	}

	log.Debug("request handled", "amount_sat", amountSat)
	p.respond(ctx, ev, req.Method, result, nil, scheme)
}

// invoke runs a handler, converting panics into internal errors so one bad
// request cannot take the daemon down
func (p *Processor) invoke(ctx context.Context, handler HandlerFunc, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panicked", "panic", r)
			result, err = nil, nwcErrorf(CodeInternal, "")
		}
	}()
	return handler(ctx, params)
}

func (p *Processor) respond(ctx context.Context, req *Event, method string, result any, nwcErr *NWCError, scheme Scheme) {
	if nwcErr != nil {
		metricErrorResponses.Add(1)
	}

	// mark before publishing: once the handler has run (and possibly debited
	// budget), a redelivery must never re-execute, even if the publish fails
	p.markResponded(req.ID)

	if err := p.emitter.Emit(ctx, req, method, result, nwcErr, scheme); err != nil {
		slog.Error("failed to emit response", "event_id", shortID(req.ID), "error", err)
	}
}

func (p *Processor) connLock(appPubKey string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()

	lock, ok := p.locks[appPubKey]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[appPubKey] = lock
	}
	return lock
}

func (p *Processor) alreadyResponded(id string) bool {
	p.respondedMu.Lock()
	defer p.respondedMu.Unlock()

	at, ok := p.responded[id]
	if !ok {
		return false
	}
	if time.Since(at) > respondedTTL {
		delete(p.responded, id)
		return false
	}
	return true
}

func (p *Processor) markResponded(id string) {
	p.respondedMu.Lock()
	defer p.respondedMu.Unlock()

	now := time.Now()
	p.responded[id] = now

	// lazy pruning keeps the set bounded without a background goroutine
	if len(p.responded) > 4096 {
		for old, at := range p.responded {
			if now.Sub(at) > respondedTTL {
				delete(p.responded, old)
			}
		}
	}
}
