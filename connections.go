package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

const nwcURIScheme = "nostr+walletconnect"

// ConnectionURI is the parsed form of a nostr+walletconnect:// URI
type ConnectionURI struct {
	WalletPubKey string
	Secret       string // hex-encoded private key issued to the app
	Relays       []string
}

// ConnectionManager issues connection credentials and authorizes inbound
// requests against them. It is the only component that reads budget/expiry
// policy and the only writer of SpentSat.
type ConnectionManager struct {
	store        *ConnectionStore
	walletPubKey string
	relays       []string
	now          func() time.Time
}

// NewConnectionManager creates a manager for the wallet identified by
// walletPubKey, advertising the given relays in issued URIs
func NewConnectionManager(store *ConnectionStore, walletPubKey string, relays []string) *ConnectionManager {
	return &ConnectionManager{
		store:        store,
		walletPubKey: walletPubKey,
		relays:       relays,
		now:          time.Now,
	}
}

// Issue generates a fresh keypair for a new connection, persists its record,
// and returns the connection URI plus the app pubkey that identifies it. The
// secret appears only in the returned URI; it is never stored.
func (m *ConnectionManager) Issue(ctx context.Context, budgetSat, expiryUnix *int64) (uri string, appPubKey string, err error) {
	secretBytes, err := generatePrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("generating connection secret: %w", err)
	}
	pubBytes, err := derivePublicKey(secretBytes)
	if err != nil {
		return "", "", err
	}
	appPubKey = hex.EncodeToString(pubBytes)

	rec := &ConnectionRecord{
		AppPubKey:  appPubKey,
		BudgetSat:  budgetSat,
		SpentSat:   0,
		ExpiryUnix: expiryUnix,
		CreatedAt:  m.now().Unix(),
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return "", "", fmt.Errorf("persisting connection record: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(nwcURIScheme + "://")
	sb.WriteString(m.walletPubKey)
	sb.WriteString("?secret=")
	sb.WriteString(hex.EncodeToString(secretBytes))
	for _, relay := range m.relays {
		sb.WriteString("&relay=")
		sb.WriteString(url.QueryEscape(relay))
	}

	slog.Info("issued connection", "app_pubkey", appPubKey,
		"budget_sat", int64PtrValue(budgetSat), "expiry_unix", int64PtrValue(expiryUnix))

	return sb.String(), appPubKey, nil
}

// Authorize validates a request against the stored connection. For
// spend-bearing methods it resolves the implied amount and checks it against
// the remaining budget; the returned amount is what RecordSpend must be
// called with after the provider confirms. The caller must hold the
// per-connection lock across Authorize, dispatch, and RecordSpend so that
// check-then-increment is atomic per record.
func (m *ConnectionManager) Authorize(ctx context.Context, appPubKey, method string, params json.RawMessage, spending bool) (amountSat int64, err error) {
	rec, err := m.store.Get(ctx, appPubKey)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, nwcErrorf(CodeUnauthorized, "")
	}

	if rec.ExpiryUnix != nil && *rec.ExpiryUnix < m.now().Unix() {
		return 0, nwcErrorf(CodeUnauthorized, "connection expired")
	}

	if !spending {
		return 0, nil
	}

	amountSat, err = spendAmount(params)
	if err != nil {
		if errors.Is(err, errNoAmount) && rec.BudgetSat == nil {
			// amountless invoice on an unlimited connection: nothing to account
			return 0, nil
		}
		return 0, nwcErrorf(CodeOther, "cannot determine invoice amount")
	}

	if rec.BudgetSat != nil && rec.SpentSat+amountSat > *rec.BudgetSat {
		slog.Warn("budget exceeded", "app_pubkey", appPubKey, "method", method,
			"spent_sat", rec.SpentSat, "amount_sat", amountSat, "budget_sat", *rec.BudgetSat)
		metricBudgetRejections.Add(1)
		return 0, nwcErrorf(CodeQuotaExceeded, "")
	}

	return amountSat, nil
}

// RecordSpend increments SpentSat after a confirmed payment. It is never
// called speculatively; a payment the provider failed costs no budget.
func (m *ConnectionManager) RecordSpend(ctx context.Context, appPubKey string, amountSat int64) error {
	if amountSat <= 0 {
		return nil
	}
	return m.store.Update(ctx, appPubKey, func(rec *ConnectionRecord) error {
		if rec == nil {
			return fmt.Errorf("no connection record for %s", appPubKey)
		}
		rec.SpentSat += amountSat
		return nil
	})
}

// spendAmount resolves the implied amount of a spend-bearing request from its
// params (the bolt11 invoice amount)
func spendAmount(params json.RawMessage) (int64, error) {
	var p struct {
		Invoice string `json:"invoice"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Invoice == "" {
		return 0, errors.New("missing invoice")
	}
	return invoiceAmountSat(p.Invoice)
}

// ParseConnectionURI parses a nostr+walletconnect:// URI
func ParseConnectionURI(raw string) (*ConnectionURI, error) {
	if !strings.HasPrefix(raw, nwcURIScheme+"://") {
		return nil, errors.New("URI must start with " + nwcURIScheme + "://")
	}

	// url.Parse rejects the '+' in the scheme, so swap it out first
	u, err := url.Parse(strings.Replace(raw, nwcURIScheme+"://", "https://", 1))
	if err != nil {
		return nil, fmt.Errorf("invalid connection URI: %w", err)
	}

	walletPubKey := u.Host
	if len(walletPubKey) != 64 {
		return nil, errors.New("invalid wallet pubkey: must be 64 hex characters")
	}
	if _, err := hex.DecodeString(walletPubKey); err != nil {
		return nil, errors.New("invalid wallet pubkey: not valid hex")
	}

	secret := u.Query().Get("secret")
	if len(secret) != 64 {
		return nil, errors.New("invalid secret: must be 64 hex characters")
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return nil, errors.New("invalid secret: not valid hex")
	}

	relays := u.Query()["relay"]
	if len(relays) == 0 {
		return nil, errors.New("connection URI must include a relay parameter")
	}
	for _, relay := range relays {
		if !strings.HasPrefix(relay, "wss://") && !strings.HasPrefix(relay, "ws://") {
			return nil, errors.New("invalid relay URL: must start with wss:// or ws://")
		}
	}

	return &ConnectionURI{
		WalletPubKey: walletPubKey,
		Secret:       secret,
		Relays:       relays,
	}, nil
}

func int64PtrValue(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
