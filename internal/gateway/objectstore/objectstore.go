// Package objectstore keeps uploaded payment proofs in a bucket and returns
// their public URL.
package objectstore

import (
	"context"
	"strings"
	"sync"

	"github.com/go-faster/errors"

	"github.com/xenking/grocer/internal/domain/order"
)

// Provider names a storage backend.
type Provider string

const (
	ProviderGCS    Provider = "gcs"
	ProviderS3     Provider = "s3"
	ProviderMemory Provider = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Provider Provider
	Bucket   string
	Region   string
	// Endpoint overrides the S3 endpoint, e.g. for MinIO.
	Endpoint string
	// PublicBaseURL is prepended to object names to build returned URLs.
	// Empty means the provider's default public URL.
	PublicBaseURL string
	// CredentialsJSON is a GCS service account key. Empty uses application
	// default credentials.
	CredentialsJSON string
}

// Store is an order.ProofStore that can be released on shutdown.
type Store interface {
	order.ProofStore
	Close() error
}

// Open creates the backend named by cfg.Provider.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Provider {
	case ProviderGCS:
		return NewGCS(ctx, cfg)
	case ProviderS3:
		return NewS3(ctx, cfg)
	case ProviderMemory, "":
		return NewMemory(cfg.PublicBaseURL), nil
	default:
		return nil, errors.Errorf("unknown object store provider %q", cfg.Provider)
	}
}

func joinURL(base, name string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(name, "/")
}

// Object is a stored blob of a Memory store.
type Object struct {
	Data        []byte
	ContentType string
}

// Memory keeps objects in process memory. It backs development mode and
// tests.
type Memory struct {
	base string

	mu      sync.RWMutex
	objects map[string]Object
}

// NewMemory creates an empty Memory store.
func NewMemory(publicBaseURL string) *Memory {
	if publicBaseURL == "" {
		publicBaseURL = "memory://proofs"
	}
	return &Memory{base: publicBaseURL, objects: make(map[string]Object)}
}

func (m *Memory) Store(_ context.Context, name string, data []byte, contentType string) (string, error) {
	if name == "" {
		return "", errors.New("object name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	return joinURL(m.base, name), nil
}

// Get returns a stored object.
func (m *Memory) Get(name string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[name]
	return o, ok
}

func (m *Memory) Close() error { return nil }
