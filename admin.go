package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	qrcode "github.com/skip2/go-qrcode"
)

const maxAdminBodySize = 4 * 1024

// AdminServer exposes connection issuance and operational endpoints. Issued
// URIs (which contain the secret) are held in memory only, keyed by app
// pubkey, so the QR endpoint can render them; they are never persisted.
type AdminServer struct {
	conns *ConnectionManager
	store *ConnectionStore
	token string

	urisMu sync.Mutex
	uris   map[string]string
}

// NewAdminServer creates the admin API around the connection manager
func NewAdminServer(conns *ConnectionManager, store *ConnectionStore, token string) *AdminServer {
	return &AdminServer{
		conns: conns,
		store: store,
		token: token,
		uris:  make(map[string]string),
	}
}

// Router builds the admin HTTP router
func (s *AdminServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/metrics", metricsHandler).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.requireToken)
	api.HandleFunc("/connections", s.issueHandler).Methods(http.MethodPost)
	api.HandleFunc("/connections/{app}/qr", s.qrHandler).Methods(http.MethodGet)
	api.HandleFunc("/connections/{app}", s.revokeHandler).Methods(http.MethodDelete)
	return r
}

func (s *AdminServer) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

type issueRequest struct {
	BudgetSat  *int64 `json:"budget_sat,omitempty"`
	ExpiryUnix *int64 `json:"expiry_unix,omitempty"`
}

type issueResponse struct {
	URI       string `json:"uri"`
	AppPubKey string `json:"app_pubkey"`
}

func (s *AdminServer) issueHandler(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.BudgetSat != nil && *req.BudgetSat < 0 {
		http.Error(w, "budget_sat must not be negative", http.StatusBadRequest)
		return
	}

	uri, appPubKey, err := s.conns.Issue(r.Context(), req.BudgetSat, req.ExpiryUnix)
	if err != nil {
		slog.Error("failed to issue connection", "error", err)
		http.Error(w, "failed to issue connection", http.StatusInternalServerError)
		return
	}

	s.urisMu.Lock()
	s.uris[appPubKey] = uri
	s.urisMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(issueResponse{URI: uri, AppPubKey: appPubKey})
}

func (s *AdminServer) qrHandler(w http.ResponseWriter, r *http.Request) {
	appPubKey := mux.Vars(r)["app"]

	s.urisMu.Lock()
	uri, ok := s.uris[appPubKey]
	s.urisMu.Unlock()
	if !ok {
		http.Error(w, "no URI held for this connection (restart discards them)", http.StatusNotFound)
		return
	}

	png, err := qrcode.Encode(uri, qrcode.Medium, 512)
	if err != nil {
		http.Error(w, "failed to render QR code", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (s *AdminServer) revokeHandler(w http.ResponseWriter, r *http.Request) {
	appPubKey := mux.Vars(r)["app"]

	rec, err := s.store.Get(r.Context(), appPubKey)
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}

	if err := s.store.Delete(r.Context(), appPubKey); err != nil {
		http.Error(w, "failed to revoke", http.StatusInternalServerError)
		return
	}

	s.urisMu.Lock()
	delete(s.uris, appPubKey)
	s.urisMu.Unlock()

	slog.Info("connection revoked", "app_pubkey", appPubKey)
	w.WriteHeader(http.StatusNoContent)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// Serve runs the admin API until ctx is cancelled
func (s *AdminServer) Serve(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	slog.Info("admin API listening", "port", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
