package main

import (
	"context"
	"testing"
	"time"
)

func TestEmitRequiresExactlyOneOutcome(t *testing.T) {
	walletPriv, walletPub := testKeypair(t)
	_, appPub := testKeypair(t)
	cipher, _ := NewCipher(walletPriv)
	emitter := NewEmitter(cipher, walletPriv, walletPub, &capturePublisher{})

	req := &Event{ID: "00ab", PubKey: appPub, Kind: kindWalletRequest}

	if err := emitter.Emit(context.Background(), req, methodGetInfo, nil, nil, SchemeNip44); err == nil {
		t.Error("Emit accepted neither result nor error")
	}
	if err := emitter.Emit(context.Background(), req, methodGetInfo,
		&InfoResult{}, nwcErrorf(CodeInternal, ""), SchemeNip44); err == nil {
		t.Error("Emit accepted both result and error")
	}
}

func TestEmitStampsCurrentTime(t *testing.T) {
	walletPriv, walletPub := testKeypair(t)
	appPriv, appPub := testKeypair(t)
	cipher, _ := NewCipher(walletPriv)
	publisher := &capturePublisher{}
	emitter := NewEmitter(cipher, walletPriv, walletPub, publisher)

	fixed := time.Unix(1_700_000_000, 0)
	emitter.now = func() time.Time { return fixed }

	req := &Event{ID: "00ab", PubKey: appPub, Kind: kindWalletRequest}
	err := emitter.Emit(context.Background(), req, methodGetBalance, &BalanceResult{Balance: 1}, nil, SchemeNip04)
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	events := publisher.published()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.CreatedAt != fixed.Unix() {
		t.Errorf("created_at = %d, want %d", ev.CreatedAt, fixed.Unix())
	}
	if ev.PubKey != walletPub {
		t.Errorf("response author = %s, want wallet pubkey", ev.PubKey)
	}

	appCipher, _ := NewCipher(appPriv)
	plaintext, scheme, err := appCipher.Decrypt(ev.Content, walletPub)
	if err != nil {
		t.Fatalf("app could not decrypt response: %v", err)
	}
	if scheme != SchemeNip04 {
		t.Errorf("scheme = %s, want nip04", scheme)
	}
	want := `{"result_type":"get_balance","result":{"balance":1}}`
	if plaintext != want {
		t.Errorf("response body = %s, want %s", plaintext, want)
	}
}
