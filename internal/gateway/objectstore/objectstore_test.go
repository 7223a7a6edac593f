package objectstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_Store(t *testing.T) {
	m := NewMemory("https://cdn.example.com/")
	url, err := m.Store(context.Background(), "payment-proofs/ORD-1.png", []byte("png"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/payment-proofs/ORD-1.png", url)

	obj, ok := m.Get("payment-proofs/ORD-1.png")
	require.True(t, ok)
	assert.Equal(t, "image/png", obj.ContentType)
	assert.Equal(t, []byte("png"), obj.Data)

	_, err = m.Store(context.Background(), "", nil, "")
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = Open(context.Background(), Config{Provider: "ftp"})
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Provider: ProviderS3})
	assert.Error(t, err)
}

func TestS3_Store(t *testing.T) {
	var (
		mu          sync.Mutex
		method      string
		path        string
		contentType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method, path, contentType = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := NewS3(context.Background(), Config{
		Bucket:   "proofs",
		Region:   "us-east-1",
		Endpoint: srv.URL,
	}, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	require.NoError(t, err)

	url, err := s.Store(context.Background(), "payment-proofs/ORD-1.pdf", []byte("%PDF-1.4"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/proofs/payment-proofs/ORD-1.pdf", url)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/proofs/payment-proofs/ORD-1.pdf", path)
	assert.Equal(t, "application/pdf", contentType)
}
