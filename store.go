package main

import (
	"context"
	"encoding/json"
	"fmt"

	"nwc-wallet/internal/kv"
)

const connKeyPrefix = "nwc:conn:"

// ConnectionRecord is the stored authorization grant for one app. The issued
// secret is not part of the record: authenticating a request only needs the
// app's pubkey (decryptability proves possession of the secret), so the
// wallet never persists key material it doesn't need.
type ConnectionRecord struct {
	AppPubKey  string `json:"app_pubkey"`
	BudgetSat  *int64 `json:"budget_sat,omitempty"`
	SpentSat   int64  `json:"spent_sat"`
	ExpiryUnix *int64 `json:"expiry_unix,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// ConnectionStore persists ConnectionRecords keyed by app pubkey on top of a
// kv.Backend. Records are written whole; a reader never observes a partial
// update.
type ConnectionStore struct {
	backend kv.Backend
}

// NewConnectionStore wraps a kv backend
func NewConnectionStore(backend kv.Backend) *ConnectionStore {
	return &ConnectionStore{backend: backend}
}

// Put stores a record, replacing any existing one for the same pubkey
func (s *ConnectionStore) Put(ctx context.Context, rec *ConnectionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, connKeyPrefix+rec.AppPubKey, data)
}

// Get returns the record for an app pubkey, or nil if none was ever issued.
// A nil record with a nil error means "unknown app", a legitimate state.
func (s *ConnectionStore) Get(ctx context.Context, appPubKey string) (*ConnectionRecord, error) {
	data, found, err := s.backend.Get(ctx, connKeyPrefix+appPubKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	var rec ConnectionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt connection record for %s: %w", appPubKey, err)
	}
	return &rec, nil
}

// Update applies mutate to the stored record atomically. mutate receives nil
// when no record exists; returning an error aborts without writing.
func (s *ConnectionStore) Update(ctx context.Context, appPubKey string, mutate func(rec *ConnectionRecord) error) error {
	return s.backend.Update(ctx, connKeyPrefix+appPubKey, func(old []byte, found bool) ([]byte, error) {
		var rec *ConnectionRecord
		if found {
			rec = &ConnectionRecord{}
			if err := json.Unmarshal(old, rec); err != nil {
				return nil, fmt.Errorf("corrupt connection record for %s: %w", appPubKey, err)
			}
		}

		if err := mutate(rec); err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("no connection record for %s", appPubKey)
		}

		return json.Marshal(rec)
	})
}

// Delete removes a record. Revocation is an explicit administrative action;
// nothing in the request path ever deletes records.
func (s *ConnectionStore) Delete(ctx context.Context, appPubKey string) error {
	return s.backend.Delete(ctx, connKeyPrefix+appPubKey)
}
