// Package paygate is the HTTP client of the payment gateway: it creates
// checkout sessions and verifies signed webhook callbacks.
package paygate

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/grocer/internal/domain/order"
)

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Signature"

// Config configures a Client.
type Config struct {
	BaseURL   string
	ServerKey string
	Timeout   time.Duration
	// TracerProvider instruments outgoing requests. Nil uses the global
	// provider.
	TracerProvider trace.TracerProvider
}

// Client creates payment sessions over HTTP.
type Client struct {
	baseURL   string
	serverKey string
	http      *http.Client
}

var _ order.PaymentSessions = (*Client)(nil)

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	var opts []otelhttp.Option
	if cfg.TracerProvider != nil {
		opts = append(opts, otelhttp.WithTracerProvider(cfg.TracerProvider))
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		serverKey: cfg.ServerKey,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, opts...),
		},
	}
}

// CreateSession registers the order with the gateway and returns the session
// token the shopper pays with.
func (c *Client) CreateSession(ctx context.Context, req order.SessionRequest) (string, error) {
	body := encodeSession(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.SetBasicAuth(c.serverKey, "")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", errors.Wrap(err, "send request")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "read response")
	}
	if resp.StatusCode/100 != 2 {
		return "", &StatusError{Code: resp.StatusCode, Body: string(data)}
	}

	token, err := decodeToken(data)
	if err != nil {
		return "", errors.Wrap(err, "decode response")
	}
	return token, nil
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("payment gateway returned %d: %s", e.Code, body)
}

func encodeSession(req order.SessionRequest) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("order_number")
	e.Str(req.OrderNumber)
	e.FieldStart("amount")
	e.Num(jx.Num(req.Amount.StringFixed(2)))
	e.FieldStart("line_items")
	e.ArrStart()
	for _, item := range req.LineItems {
		e.ObjStart()
		e.FieldStart("id")
		e.Str(item.ProductID)
		e.FieldStart("name")
		e.Str(item.Name)
		e.FieldStart("price")
		e.Num(jx.Num(item.Price.StringFixed(2)))
		e.FieldStart("quantity")
		e.Int64(item.Quantity)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("customer")
	e.ObjStart()
	e.FieldStart("user_id")
	e.Str(req.Customer.UserID)
	e.FieldStart("address_id")
	e.Str(req.Customer.AddressID)
	e.ObjEnd()
	e.ObjEnd()

	return bytes.Clone(e.Bytes())
}

func decodeToken(data []byte) (string, error) {
	var token string
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if key != "token" {
			return d.Skip()
		}
		v, err := d.Str()
		if err != nil {
			return errors.Wrap(err, "token")
		}
		token = v
		return nil
	})
	return token, err
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC of body under
// secret. The comparison is constant time.
func VerifySignature(secret, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(secret) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Notification is a decoded webhook body.
type Notification struct {
	OrderNumber string
	Status      string
}

// DecodeNotification parses a webhook body of the form
// {"order_number": "...", "status": "..."}.
func DecodeNotification(data []byte) (Notification, error) {
	var n Notification
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "order_number":
			v, err := d.Str()
			n.OrderNumber = v
			return err
		case "status", "transaction_status":
			v, err := d.Str()
			n.Status = v
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return Notification{}, errors.Wrap(err, "decode notification")
	}
	if n.OrderNumber == "" || n.Status == "" {
		return Notification{}, errors.New("order_number and status are required")
	}
	return n, nil
}
