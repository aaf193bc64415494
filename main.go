package main

import (
	"context"
	"encoding/hex"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"nwc-wallet/internal/kv"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	InitLogger(cfg.LogLevel)

	privKey, generated, err := cfg.WalletKey()
	if err != nil {
		slog.Error("invalid wallet key", "error", err)
		os.Exit(1)
	}
	pubBytes, err := derivePublicKey(privKey)
	if err != nil {
		slog.Error("failed to derive wallet pubkey", "error", err)
		os.Exit(1)
	}
	walletPubKey := hex.EncodeToString(pubBytes)
	if generated {
		slog.Warn("no NWC_WALLET_SECRET set, generated an ephemeral wallet key",
			"wallet_pubkey", walletPubKey)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var backend kv.Backend
	if cfg.RedisURL != "" {
		backend, err = kv.NewRedis(cfg.RedisURL, "nwc:")
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis credential store")
	} else {
		backend = kv.NewMemory()
		slog.Info("using in-memory credential store")
	}
	defer backend.Close()

	var provider PaymentProvider
	if cfg.ProviderURL != "" {
		provider, err = NewRESTProvider(cfg.ProviderURL, cfg.ProviderAPIKey)
		if err != nil {
			slog.Error("invalid provider URL", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("no PROVIDER_URL set, using the static stub provider")
		provider = NewStaticProvider(cfg.StaticBalanceMsat)
	}
	if err := provider.Enable(ctx); err != nil {
		slog.Error("payment provider unavailable", "error", err)
		os.Exit(1)
	}

	cipher, err := NewCipher(privKey)
	if err != nil {
		slog.Error("failed to initialize cipher", "error", err)
		os.Exit(1)
	}

	store := NewConnectionStore(backend)
	conns := NewConnectionManager(store, walletPubKey, cfg.Relays)
	registry := NewDefaultRegistry(WalletInfo{
		Alias:   cfg.WalletAlias,
		Network: cfg.WalletNetwork,
		PubKey:  walletPubKey,
	}, provider)

	publisher := NewRelayPublisher(cfg.Relays)
	emitter := NewEmitter(cipher, privKey, walletPubKey, publisher)
	processor := NewProcessor(cipher, conns, registry, emitter)

	if err := PublishInfoEvent(ctx, publisher, privKey, walletPubKey, registry.Methods()); err != nil {
		slog.Warn("failed to publish info event", "error", err)
	}

	listener := NewListener(cfg.Relays, walletPubKey, processor)
	listener.Start(ctx)

	slog.Info("wallet responder running",
		"wallet_pubkey", walletPubKey, "relays", cfg.Relays, "methods", registry.Methods())

	admin := NewAdminServer(conns, store, cfg.AdminToken)
	if err := admin.Serve(ctx, cfg.Port); err != nil {
		slog.Error("admin API failed", "error", err)
		os.Exit(1)
	}
}
