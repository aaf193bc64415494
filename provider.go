package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// PaymentProvider is the injected capability that actually moves funds. The
// engine treats it as opaque: its failures surface to apps only as generic
// wire codes, never with backend detail.
type PaymentProvider interface {
	Enable(ctx context.Context) error
	SendPayment(ctx context.Context, invoice string) (preimage string, err error)
	GetBalance(ctx context.Context) (balanceMsat int64, err error)
}

const providerHTTPTimeout = 10 * time.Second

// validateProviderURL rejects URLs pointing at internal hosts (SSRF guard).
// Localhost is allowed because node backends commonly run on the same box.
func validateProviderURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}

	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("invalid scheme: %s (expected https)", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return nil
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return errors.New("internal hosts not allowed")
	}
	if strings.HasPrefix(host, "10.") ||
		strings.HasPrefix(host, "192.168.") ||
		strings.HasPrefix(host, "169.254.") {
		return errors.New("private IP ranges not allowed")
	}
	for i := 16; i <= 31; i++ {
		if strings.HasPrefix(host, fmt.Sprintf("172.%d.", i)) {
			return errors.New("private IP ranges not allowed")
		}
	}

	return nil
}

// RESTProvider talks to an LNbits-compatible wallet REST API:
// POST /api/v1/payments to pay, GET /api/v1/payments/{hash} for the preimage,
// GET /api/v1/wallet for the balance. Auth is an X-Api-Key header.
type RESTProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRESTProvider validates the base URL and builds the provider
func NewRESTProvider(baseURL, apiKey string) (*RESTProvider, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if err := validateProviderURL(baseURL); err != nil {
		return nil, err
	}
	return &RESTProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: providerHTTPTimeout},
	}, nil
}

type restError struct {
	Detail string `json:"detail"`
}

func (p *RESTProvider) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var re restError
		if json.Unmarshal(data, &re) == nil && re.Detail != "" {
			return fmt.Errorf("provider returned %d: %s", resp.StatusCode, re.Detail)
		}
		return fmt.Errorf("provider returned %d", resp.StatusCode)
	}

	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (p *RESTProvider) Enable(ctx context.Context) error {
	return p.do(ctx, http.MethodGet, "/api/v1/wallet", nil, nil)
}

func (p *RESTProvider) GetBalance(ctx context.Context) (int64, error) {
	var out struct {
		Balance int64 `json:"balance"` // millisatoshis
	}
	if err := p.do(ctx, http.MethodGet, "/api/v1/wallet", nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

func (p *RESTProvider) SendPayment(ctx context.Context, invoice string) (string, error) {
	var paid struct {
		PaymentHash string `json:"payment_hash"`
	}
	body := map[string]any{"out": true, "bolt11": invoice}
	if err := p.do(ctx, http.MethodPost, "/api/v1/payments", body, &paid); err != nil {
		return "", err
	}
	if paid.PaymentHash == "" {
		return "", errors.New("provider returned no payment hash")
	}

	// the preimage only exists once the payment settles; poll briefly
	var detail struct {
		Paid     bool   `json:"paid"`
		Preimage string `json:"preimage"`
	}
	for attempt := 0; attempt < 10; attempt++ {
		if err := p.do(ctx, http.MethodGet, "/api/v1/payments/"+paid.PaymentHash, nil, &detail); err != nil {
			return "", err
		}
		if detail.Paid && detail.Preimage != "" {
			return detail.Preimage, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	slog.Warn("payment sent but not settled in time", "payment_hash", paid.PaymentHash)
	return "", errors.New("payment did not settle in time")
}

// StaticProvider is a stand-in backend with a fixed balance and deterministic
// preimages. It is the default when no provider URL is configured, and the
// test double.
type StaticProvider struct {
	mu          sync.Mutex
	balanceMsat int64
}

// NewStaticProvider creates a provider holding the given balance
func NewStaticProvider(balanceMsat int64) *StaticProvider {
	return &StaticProvider{balanceMsat: balanceMsat}
}

func (p *StaticProvider) Enable(ctx context.Context) error {
	return nil
}

func (p *StaticProvider) GetBalance(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balanceMsat, nil
}

func (p *StaticProvider) SendPayment(ctx context.Context, invoice string) (string, error) {
	amountSat, err := invoiceAmountSat(invoice)
	if err != nil && !errors.Is(err, errNoAmount) {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if amountSat*1000 > p.balanceMsat {
		return "", errors.New("insufficient balance")
	}
	p.balanceMsat -= amountSat * 1000

	sum := sha256.Sum256([]byte(invoice))
	return hex.EncodeToString(sum[:]), nil
}
