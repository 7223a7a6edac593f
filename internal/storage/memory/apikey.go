package memory

import (
	"context"
	"slices"

	"github.com/xenking/grocer/internal/domain/auth"
	"github.com/xenking/grocer/internal/domain/failure"
)

var _ auth.Repository = (*APIKeyRepository)(nil)

// APIKeyRepository implements auth.Repository.
type APIKeyRepository struct {
	db *DB
}

// NewAPIKeyRepository returns an APIKeyRepository over db.
func NewAPIKeyRepository(db *DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

func (r *APIKeyRepository) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	k, ok := r.db.apiKeys[hash]
	if !ok {
		return nil, failure.NotFound("api key not found")
	}
	k.Scopes = slices.Clone(k.Scopes)
	k.StoreIDs = slices.Clone(k.StoreIDs)
	return &k, nil
}

func (r *APIKeyRepository) Create(ctx context.Context, key auth.APIKeyInfo) error {
	return r.db.write(ctx, func() (func(), error) {
		if _, ok := r.db.apiKeys[key.KeyHash]; ok {
			return nil, failure.Conflict("api key %s already exists", key.Name)
		}
		r.db.apiKeys[key.KeyHash] = key
		return func() { delete(r.db.apiKeys, key.KeyHash) }, nil
	})
}
