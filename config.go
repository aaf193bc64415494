package main

import (
	"encoding/hex"
	"fmt"

	"go-simpler.org/env"
)

// Config is loaded from the environment at startup
type Config struct {
	WalletSecret      string   `env:"NWC_WALLET_SECRET" usage:"hex-encoded wallet private key; generated fresh when empty"`
	Relays            []string `env:"NWC_RELAYS" default:"wss://relay.damus.io" usage:"comma-separated relay URLs to listen and publish on"`
	RedisURL          string   `env:"REDIS_URL" usage:"redis URL for the credential store; in-memory when empty"`
	Port              string   `env:"PORT" default:"8080" usage:"admin API listen port"`
	LogLevel          string   `env:"LOG_LEVEL" default:"info" usage:"debug, info, warn, or error"`
	AdminToken        string   `env:"ADMIN_TOKEN" usage:"bearer token for the admin API; unauthenticated when empty"`
	ProviderURL       string   `env:"PROVIDER_URL" usage:"LNbits-compatible payment backend base URL; static stub when empty"`
	ProviderAPIKey    string   `env:"PROVIDER_API_KEY" usage:"api key for the payment backend"`
	WalletAlias       string   `env:"WALLET_ALIAS" default:"nwc-wallet" usage:"alias reported by get_info"`
	WalletNetwork     string   `env:"WALLET_NETWORK" default:"mainnet" usage:"network reported by get_info"`
	StaticBalanceMsat int64    `env:"STATIC_BALANCE_MSAT" default:"100000000" usage:"balance for the static stub provider, in millisatoshis"`
}

// LoadConfig reads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Load(cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if cfg.WalletSecret != "" {
		key, err := hex.DecodeString(cfg.WalletSecret)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("NWC_WALLET_SECRET must be 64 hex characters")
		}
	}
	if len(cfg.Relays) == 0 {
		return nil, fmt.Errorf("NWC_RELAYS must name at least one relay")
	}

	return cfg, nil
}

// WalletKey returns the configured private key, or generates one. A generated
// key is logged nowhere and gone on restart; set NWC_WALLET_SECRET for a
// stable wallet identity.
func (c *Config) WalletKey() ([]byte, bool, error) {
	if c.WalletSecret != "" {
		key, err := hex.DecodeString(c.WalletSecret)
		return key, false, err
	}
	key, err := generatePrivateKey()
	return key, true, err
}
