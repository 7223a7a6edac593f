package shiprate

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/grocer/internal/domain/order"
)

func TestClient_Quote(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/rates", r.URL.Path)
		assert.Equal(t, "rate-key", r.Header.Get("Key"))
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		_, _ = w.Write([]byte(`{"rates":[
			{"carrier":"jne","service":"REG","cost":12000,"eta":"2-3 days"},
			{"carrier":"jne","service":"YES","cost":"25000.50","eta":"1 day","extra":{"a":1}}
		],"origin":"s-1"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "rate-key"})
	rates, err := c.Quote(context.Background(), order.QuoteRequest{
		OriginID:      "s-1",
		DestinationID: "addr-1",
		WeightGrams:   1500,
		Value:         decimal.NewFromInt(190000),
	})
	require.NoError(t, err)
	require.Len(t, rates, 2)
	assert.Equal(t, "REG", rates[0].Service)
	assert.True(t, decimal.NewFromInt(12000).Equal(rates[0].Cost))
	assert.True(t, decimal.RequireFromString("25000.5").Equal(rates[1].Cost))
	assert.Equal(t, "1 day", rates[1].ETA)

	assert.JSONEq(t, `{"origin_id":"s-1","destination_id":"addr-1","weight_grams":1500,"value":190000.00}`, body)
}

func TestClient_QuoteErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusBadGateway, body: `{}`},
		{name: "malformed", status: http.StatusOK, body: `{"rates":[{"carrier":`},
		{name: "missing service", status: http.StatusOK, body: `{"rates":[{"carrier":"jne","cost":1}]}`},
		{name: "negative cost", status: http.StatusOK, body: `{"rates":[{"carrier":"jne","service":"REG","cost":-1}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New(Config{BaseURL: srv.URL}).Quote(context.Background(), order.QuoteRequest{})
			assert.Error(t, err)
		})
	}
}

func TestClient_QuoteHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{BaseURL: srv.URL}).Quote(ctx, order.QuoteRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
