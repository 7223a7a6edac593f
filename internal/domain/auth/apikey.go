// Package auth identifies callers: shoppers through signed bearer tokens and
// store staff through HMAC-hashed API keys.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"

	"github.com/go-faster/errors"

	"github.com/xenking/grocer/internal/domain/failure"
)

// API key scopes.
const (
	ScopeStockWrite     = "stock:write"
	ScopeDiscountsWrite = "discounts:write"
	ScopeOrdersAdmin    = "orders:admin"
)

// ErrUnauthorized is returned when credentials are missing or invalid.
var ErrUnauthorized = errors.New("unauthorized")

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
	// StoreIDs restricts the key to the listed stores. An empty list grants
	// access to every store.
	StoreIDs []string
}

// HasScope reports whether the key carries scope.
func (k *APIKeyInfo) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

// CanManage reports whether the key may act on storeID.
func (k *APIKeyInfo) CanManage(storeID string) bool {
	return len(k.StoreIDs) == 0 || slices.Contains(k.StoreIDs, storeID)
}

// Authorize checks scope and store restriction together.
func (k *APIKeyInfo) Authorize(scope, storeID string) error {
	if !k.HasScope(scope) {
		return failure.Permission("api key %s lacks scope %s", k.Name, scope)
	}
	if storeID != "" && !k.CanManage(storeID) {
		return failure.Permission("api key %s may not manage store %s", k.Name, storeID)
	}
	return nil
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
	Create(ctx context.Context, key APIKeyInfo) error
}

// HashAPIKey returns the hex HMAC-SHA256 of a raw key under pepper.
func HashAPIKey(pepper []byte, raw string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// KeyVerifier authenticates raw API keys.
type KeyVerifier struct {
	keys   Repository
	pepper []byte
}

// NewKeyVerifier creates a KeyVerifier with the given repository and HMAC
// pepper.
func NewKeyVerifier(keys Repository, pepper []byte) *KeyVerifier {
	return &KeyVerifier{keys: keys, pepper: pepper}
}

// Verify computes the HMAC-SHA256 of raw, looks it up and compares the stored
// hash in constant time.
func (v *KeyVerifier) Verify(ctx context.Context, raw string) (*APIKeyInfo, error) {
	if raw == "" {
		return nil, ErrUnauthorized
	}

	mac := hmac.New(sha256.New, v.pepper)
	mac.Write([]byte(raw))
	hash := mac.Sum(nil)

	info, err := v.keys.FindByHash(ctx, hex.EncodeToString(hash))
	if err != nil {
		return nil, ErrUnauthorized
	}

	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare(hash, stored) != 1 {
		return nil, ErrUnauthorized
	}
	return info, nil
}
