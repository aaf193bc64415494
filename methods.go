package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// NIP-47 method names this wallet ships handlers for
const (
	methodGetInfo    = "get_info"
	methodGetBalance = "get_balance"
	methodPayInvoice = "pay_invoice"
)

// HandlerFunc executes one NIP-47 method. Returning an *NWCError puts that
// code on the wire; any other error becomes a bare INTERNAL.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

type handlerEntry struct {
	fn       HandlerFunc
	spending bool
}

// Registry maps method names to handlers. It is an explicit value injected
// into the processor, not process-wide state, so tests can build their own.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]handlerEntry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]handlerEntry)}
}

// Register adds a non-spending method
func (r *Registry) Register(name string, fn HandlerFunc) {
	r.register(name, fn, false)
}

// RegisterSpending adds a method whose requests are budget-checked before
// dispatch and debited after success
func (r *Registry) RegisterSpending(name string, fn HandlerFunc) {
	r.register(name, fn, true)
}

func (r *Registry) register(name string, fn HandlerFunc, spending bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handlerEntry{fn: fn, spending: spending}
}

// Lookup returns the handler for a method name
func (r *Registry) Lookup(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.handlers[name]
	return entry.fn, ok
}

// IsSpending reports whether a method is budget-checked. Unknown methods are
// not spending: they never reach a handler anyway.
func (r *Registry) IsSpending(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name].spending
}

// Methods returns the sorted list of registered method names. get_info
// reports this list, so capability advertisement always matches what is
// actually dispatchable.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WalletInfo is the static metadata get_info reports
type WalletInfo struct {
	Alias   string
	Network string
	PubKey  string
}

// Method result payloads

type InfoResult struct {
	Alias   string   `json:"alias"`
	Network string   `json:"network"`
	Pubkey  string   `json:"pubkey"`
	Methods []string `json:"methods"`
}

type BalanceResult struct {
	Balance int64 `json:"balance"` // millisatoshis
}

type PayInvoiceResult struct {
	Preimage string `json:"preimage"`
}

type payInvoiceParams struct {
	Invoice string `json:"invoice"`
}

// NewDefaultRegistry builds a registry with the stock handlers: get_info,
// get_balance, and pay_invoice, the latter two delegating to the payment
// provider.
func NewDefaultRegistry(info WalletInfo, provider PaymentProvider) *Registry {
	r := NewRegistry()

	r.Register(methodGetInfo, func(ctx context.Context, params json.RawMessage) (any, error) {
		return &InfoResult{
			Alias:   info.Alias,
			Network: info.Network,
			Pubkey:  info.PubKey,
			Methods: r.Methods(),
		}, nil
	})

	r.Register(methodGetBalance, func(ctx context.Context, params json.RawMessage) (any, error) {
		balanceMsat, err := provider.GetBalance(ctx)
		if err != nil {
			slog.Error("provider balance query failed", "error", err)
			return nil, nwcErrorf(CodeInternal, "")
		}
		return &BalanceResult{Balance: balanceMsat}, nil
	})

	r.RegisterSpending(methodPayInvoice, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p payInvoiceParams
		if err := json.Unmarshal(params, &p); err != nil || p.Invoice == "" {
			slog.Warn("pay_invoice request without invoice")
			return nil, nwcErrorf(CodeOther, "invoice is required")
		}

		preimage, err := provider.SendPayment(ctx, p.Invoice)
		if err != nil {
			// provider detail stays in the logs, not on the wire
			slog.Error("payment failed", "error", err)
			metricPaymentsFailed.Add(1)
			return nil, nwcErrorf(CodeInternal, "")
		}

		metricPaymentsSent.Add(1)
		return &PayInvoiceResult{Preimage: preimage}, nil
	})

	return r
}
