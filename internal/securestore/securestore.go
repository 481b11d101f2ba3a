// Package securestore implements the namespaced key/value primitive used for
// key persistence. Values written through the secure path are sealed at rest;
// plain entries exist only to carry data from older installs.
package securestore

import (
	"context"
	"time"
)

// Store is the interface for local key/value persistence with TTL semantics.
// A ttlDays of 0 means the entry never expires.
type Store interface {
	// GetSecureLocal returns the unsealed value for key.
	// Returns apperr.ErrNotFound when absent and apperr.ErrExpired when the
	// entry's TTL has elapsed (expired entries are removed on read).
	GetSecureLocal(ctx context.Context, key string) ([]byte, error)
	// SetSecureLocal seals value and persists it under key.
	SetSecureLocal(ctx context.Context, key string, value []byte, ttlDays int) error
	// GetLocal returns a plain (unsealed) entry. Same not-found/expiry contract.
	GetLocal(ctx context.Context, key string) ([]byte, error)
	// SetLocal persists value under key without sealing.
	SetLocal(ctx context.Context, key string, value []byte, ttlDays int) error
	// Delete removes the entry for key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// timeNow is swapped out by tests exercising TTL expiry.
var timeNow = time.Now

// envelope is the on-disk representation of one entry.
type envelope struct {
	Sealed    bool       `json:"sealed"`
	Value     []byte     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (e *envelope) expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

func ttlDeadline(now time.Time, ttlDays int) *time.Time {
	if ttlDays <= 0 {
		return nil
	}
	t := now.Add(time.Duration(ttlDays) * 24 * time.Hour)
	return &t
}
