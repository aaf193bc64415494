package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"nwc-wallet/internal/kv"
)

const testWalletPub = "f2b3c4d5e6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9f0a1b2c3"

func newTestManager(t *testing.T) (*ConnectionManager, *ConnectionStore) {
	t.Helper()
	store := NewConnectionStore(kv.NewMemory())
	mgr := NewConnectionManager(store, testWalletPub, []string{"wss://relay.example.com"})
	return mgr, store
}

func int64Ptr(v int64) *int64 { return &v }

func payParams(t *testing.T, invoice string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"invoice": invoice})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return raw
}

func TestIssueAndParseRoundTrip(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	uri, appPub, err := mgr.Issue(ctx, int64Ptr(1000), nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	parsed, err := ParseConnectionURI(uri)
	if err != nil {
		t.Fatalf("ParseConnectionURI(%q) failed: %v", uri, err)
	}
	if parsed.WalletPubKey != testWalletPub {
		t.Errorf("wallet pubkey = %s, want %s", parsed.WalletPubKey, testWalletPub)
	}
	if len(parsed.Relays) != 1 || parsed.Relays[0] != "wss://relay.example.com" {
		t.Errorf("relays = %v", parsed.Relays)
	}

	// the secret in the URI must derive the app pubkey the record is keyed by
	secretBytes := mustHexDecode(t, parsed.Secret)
	derived, err := derivePublicKey(secretBytes)
	if err != nil {
		t.Fatalf("derivePublicKey failed: %v", err)
	}
	if appPub != hex.EncodeToString(derived) {
		t.Errorf("issued app pubkey %s does not match secret-derived %s", appPub, hex.EncodeToString(derived))
	}

	rec, err := store.Get(ctx, appPub)
	if err != nil || rec == nil {
		t.Fatalf("stored record missing: rec=%v err=%v", rec, err)
	}
	if rec.BudgetSat == nil || *rec.BudgetSat != 1000 {
		t.Errorf("stored budget = %v, want 1000", rec.BudgetSat)
	}
	if rec.SpentSat != 0 {
		t.Errorf("fresh record has SpentSat = %d", rec.SpentSat)
	}
}

func TestParseConnectionURIRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"wrong scheme": "https://" + testWalletPub + "?secret=" + testWalletPub + "&relay=wss%3A%2F%2Fr.example",
		"short pubkey": "nostr+walletconnect://abcd?secret=" + testWalletPub + "&relay=wss%3A%2F%2Fr.example",
		"bad hex":      "nostr+walletconnect://" + "z2b3c4d5e6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9f0a1b2c3" + "?secret=" + testWalletPub + "&relay=wss%3A%2F%2Fr.example",
		"short secret": "nostr+walletconnect://" + testWalletPub + "?secret=abcd&relay=wss%3A%2F%2Fr.example",
		"no relay":     "nostr+walletconnect://" + testWalletPub + "?secret=" + testWalletPub,
		"http relay":   "nostr+walletconnect://" + testWalletPub + "?secret=" + testWalletPub + "&relay=http%3A%2F%2Fr.example",
		"empty":        "",
	}

	for name, raw := range cases {
		if _, err := ParseConnectionURI(raw); err == nil {
			t.Errorf("%s: ParseConnectionURI accepted %q", name, raw)
		}
	}
}

func TestAuthorizeUnknownApp(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.Authorize(context.Background(), testWalletPub, methodGetBalance, nil, false)
	var nwcErr *NWCError
	if !errors.As(err, &nwcErr) || nwcErr.Code != CodeUnauthorized {
		t.Errorf("unknown app: got %v, want %s", err, CodeUnauthorized)
	}
}

func TestAuthorizeExpiredConnection(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).Unix()
	_, appPub, err := mgr.Issue(ctx, nil, &past)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	_, err = mgr.Authorize(ctx, appPub, methodGetBalance, nil, false)
	var nwcErr *NWCError
	if !errors.As(err, &nwcErr) || nwcErr.Code != CodeUnauthorized {
		t.Errorf("expired connection: got %v, want %s", err, CodeUnauthorized)
	}
}

func TestAuthorizeBudget(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	_, appPub, err := mgr.Issue(ctx, int64Ptr(1000), nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	// 600 sats fits within 1000
	amount, err := mgr.Authorize(ctx, appPub, methodPayInvoice, payParams(t, "lnbc6u1pvjluez"), true)
	if err != nil {
		t.Fatalf("within-budget authorize failed: %v", err)
	}
	if amount != 600 {
		t.Errorf("amount = %d, want 600", amount)
	}
	if err := mgr.RecordSpend(ctx, appPub, amount); err != nil {
		t.Fatalf("RecordSpend failed: %v", err)
	}

	// a further 500 would exceed the budget
	_, err = mgr.Authorize(ctx, appPub, methodPayInvoice, payParams(t, "lnbc5u1pvjluez"), true)
	var nwcErr *NWCError
	if !errors.As(err, &nwcErr) || nwcErr.Code != CodeQuotaExceeded {
		t.Errorf("over-budget authorize: got %v, want %s", err, CodeQuotaExceeded)
	}

	// 400 still fits exactly
	amount, err = mgr.Authorize(ctx, appPub, methodPayInvoice, payParams(t, "lnbc4u1pvjluez"), true)
	if err != nil {
		t.Fatalf("exact-fit authorize failed: %v", err)
	}
	if amount != 400 {
		t.Errorf("amount = %d, want 400", amount)
	}
}

func TestAuthorizeAmountlessInvoice(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	// with a budget the amount cannot be verified, so the request is refused
	_, budgeted, err := mgr.Issue(ctx, int64Ptr(1000), nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	_, err = mgr.Authorize(ctx, budgeted, methodPayInvoice, payParams(t, "lnbc1pvjluez"), true)
	var nwcErr *NWCError
	if !errors.As(err, &nwcErr) || nwcErr.Code != CodeOther {
		t.Errorf("amountless with budget: got %v, want %s", err, CodeOther)
	}

	// without a budget there is nothing to account against
	_, unlimited, err := mgr.Issue(ctx, nil, nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	amount, err := mgr.Authorize(ctx, unlimited, methodPayInvoice, payParams(t, "lnbc1pvjluez"), true)
	if err != nil {
		t.Fatalf("amountless without budget failed: %v", err)
	}
	if amount != 0 {
		t.Errorf("amount = %d, want 0", amount)
	}
}

func TestRecordSpendAccumulates(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	_, appPub, err := mgr.Issue(ctx, int64Ptr(10_000), nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	for _, amt := range []int64{100, 250, 0, 50} {
		if err := mgr.RecordSpend(ctx, appPub, amt); err != nil {
			t.Fatalf("RecordSpend(%d) failed: %v", amt, err)
		}
	}

	rec, err := store.Get(ctx, appPub)
	if err != nil || rec == nil {
		t.Fatalf("Get failed: rec=%v err=%v", rec, err)
	}
	if rec.SpentSat != 400 {
		t.Errorf("SpentSat = %d, want 400", rec.SpentSat)
	}
}

func TestRecordSpendConcurrent(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	_, appPub, err := mgr.Issue(ctx, nil, nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mgr.RecordSpend(ctx, appPub, 10); err != nil {
				t.Errorf("RecordSpend failed: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, _ := store.Get(ctx, appPub)
	if rec.SpentSat != workers*10 {
		t.Errorf("SpentSat = %d, want %d", rec.SpentSat, workers*10)
	}
}
