// Package credentials implements the CredentialStore: TTL-bounded storage
// of unwrapped guardian key material in the shared key-value service. It
// never persists plaintext material to durable storage and never logs
// its contents.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kenneth/cto-orchestrator/internal/kvstore"
)

// DefaultTTL is how long unwrapped credential material survives before
// automatic expiry absent an explicit Clear.
const DefaultTTL = 6 * time.Hour

// MinTTL is the fallback TTL applied when Clear's deletion fails, so the
// material still expires promptly instead of lingering for DefaultTTL.
const MinTTL = 60 * time.Second

func privateKeyKey(electionID, guardianID string) string {
	return "privatekey:" + electionID + ":" + guardianID
}

func polynomialKey(electionID, guardianID string) string {
	return "polynomial:" + electionID + ":" + guardianID
}

// Store is the CredentialStore.
type Store struct {
	kv  kvstore.Store
	ttl time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL (tests only).
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// New constructs a Store over the given key-value backend.
func New(kv kvstore.Store, opts ...Option) *Store {
	s := &Store{kv: kv, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores both the unwrapped private key and polynomial for a guardian,
// each under the store's configured TTL.
func (s *Store) Put(ctx context.Context, electionID, guardianID, privateKey, polynomial string) error {
	if err := s.kv.Set(ctx, privateKeyKey(electionID, guardianID), privateKey, s.ttl); err != nil {
		return fmt.Errorf("credentials: put private key: %w", err)
	}
	if err := s.kv.Set(ctx, polynomialKey(electionID, guardianID), polynomial, s.ttl); err != nil {
		return fmt.Errorf("credentials: put polynomial: %w", err)
	}
	return nil
}

// PrivateKey returns the unwrapped private key for a guardian.
func (s *Store) PrivateKey(ctx context.Context, electionID, guardianID string) (string, error) {
	val, err := s.kv.Get(ctx, privateKeyKey(electionID, guardianID))
	if err != nil {
		return "", fmt.Errorf("credentials: private key: %w", err)
	}
	return val, nil
}

// Polynomial returns the unwrapped polynomial for a guardian.
func (s *Store) Polynomial(ctx context.Context, electionID, guardianID string) (string, error) {
	val, err := s.kv.Get(ctx, polynomialKey(electionID, guardianID))
	if err != nil {
		return "", fmt.Errorf("credentials: polynomial: %w", err)
	}
	return val, nil
}

// Has reports whether both the private key and polynomial are currently
// present for (electionID, guardianID).
func (s *Store) Has(ctx context.Context, electionID, guardianID string) (bool, error) {
	_, err := s.kv.Get(ctx, privateKeyKey(electionID, guardianID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("credentials: has (private key): %w", err)
	}
	_, err = s.kv.Get(ctx, polynomialKey(electionID, guardianID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("credentials: has (polynomial): %w", err)
	}
	return true, nil
}

// Clear deletes both entries for a guardian. If a deletion fails, it
// falls back to shortening that entry's TTL to MinTTL so the material
// still expires promptly rather than lingering for DefaultTTL.
func (s *Store) Clear(ctx context.Context, electionID, guardianID string) error {
	var errs []error
	if err := s.clearOne(ctx, privateKeyKey(electionID, guardianID)); err != nil {
		errs = append(errs, err)
	}
	if err := s.clearOne(ctx, polynomialKey(electionID, guardianID)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Store) clearOne(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, key); err == nil {
		return nil
	}
	if err := s.kv.Expire(ctx, key, MinTTL); err != nil {
		return fmt.Errorf("credentials: clear %s: delete and fallback expire both failed: %w", key, err)
	}
	return nil
}
