package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestListenerSameConnectionOrdering(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	f.registry.Register("mark", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Seq     int `json:"seq"`
			DelayMs int `json:"delay_ms"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(p.DelayMs) * time.Millisecond)
		mu.Lock()
		order = append(order, p.Seq)
		mu.Unlock()
		return struct{}{}, nil
	})

	appCipher, appSecret, appPub := f.issueApp(t, nil, nil)
	l := NewListener([]string{"wss://relay.example.com"}, f.walletPub, f.processor)

	// the first request is slow; arrival order must still win
	l.handle(ctx, "test", f.appRequest(t, appCipher, appSecret, appPub, "mark",
		map[string]int{"seq": 1, "delay_ms": 50}, SchemeNip44))
	l.handle(ctx, "test", f.appRequest(t, appCipher, appSecret, appPub, "mark",
		map[string]int{"seq": 2, "delay_ms": 0}, SchemeNip44))

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		done := len(order)
		mu.Unlock()
		if done == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for both requests, handled %d", done)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if order[0] != 1 || order[1] != 2 {
		t.Errorf("execution order = %v, want [1 2]", order)
	}
}

func TestListenerIndependentConnectionsDoNotBlock(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	f.registry.Register("stall", func(ctx context.Context, params json.RawMessage) (any, error) {
		close(started)
		<-release
		return struct{}{}, nil
	})
	defer close(release)

	slowCipher, slowSecret, slowPub := f.issueApp(t, nil, nil)
	fastCipher, fastSecret, fastPub := f.issueApp(t, nil, nil)
	l := NewListener([]string{"wss://relay.example.com"}, f.walletPub, f.processor)

	l.handle(ctx, "test", f.appRequest(t, slowCipher, slowSecret, slowPub, "stall", nil, SchemeNip44))
	<-started

	// with one connection parked inside its handler, another connection's
	// request must still complete
	l.handle(ctx, "test", f.appRequest(t, fastCipher, fastSecret, fastPub, methodGetInfo, nil, SchemeNip44))

	deadline := time.Now().Add(5 * time.Second)
	for len(f.publisher.published()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("second connection's request never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
