// Package shiprate is the HTTP client of the carrier-rate service.
package shiprate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/grocer/internal/domain/order"
)

// Config configures a Client.
type Config struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	TracerProvider trace.TracerProvider
}

// Client looks up shipping rates over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ order.ShippingQuoter = (*Client)(nil)

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	var opts []otelhttp.Option
	if cfg.TracerProvider != nil {
		opts = append(opts, otelhttp.WithTracerProvider(cfg.TracerProvider))
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, opts...),
		},
	}
}

// Quote returns the shipping options for a parcel.
func (c *Client) Quote(ctx context.Context, req order.QuoteRequest) ([]order.Rate, error) {
	e := jx.GetEncoder()
	e.ObjStart()
	e.FieldStart("origin_id")
	e.Str(req.OriginID)
	e.FieldStart("destination_id")
	e.Str(req.DestinationID)
	e.FieldStart("weight_grams")
	e.Int64(req.WeightGrams)
	e.FieldStart("value")
	e.Num(jx.Num(req.Value.StringFixed(2)))
	e.ObjEnd()
	body := bytes.Clone(e.Bytes())
	jx.PutEncoder(e)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/rates", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Key", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "send request")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode/100 != 2 {
		return nil, errors.Errorf("shipping rates returned %d", resp.StatusCode)
	}

	rates, err := decodeRates(data)
	if err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	return rates, nil
}

func decodeRates(data []byte) ([]order.Rate, error) {
	var rates []order.Rate
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if key != "rates" {
			return d.Skip()
		}
		return d.Arr(func(d *jx.Decoder) error {
			r, err := decodeRate(d)
			if err != nil {
				return err
			}
			rates = append(rates, r)
			return nil
		})
	})
	return rates, err
}

func decodeRate(d *jx.Decoder) (order.Rate, error) {
	var r order.Rate
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "carrier":
			r.Carrier, err = d.Str()
		case "service":
			r.Service, err = d.Str()
		case "eta":
			r.ETA, err = d.Str()
		case "cost":
			r.Cost, err = decodeDecimal(d)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	if err != nil {
		return order.Rate{}, err
	}
	if r.Carrier == "" || r.Service == "" {
		return order.Rate{}, errors.New("rate without carrier or service")
	}
	if r.Cost.IsNegative() {
		return order.Rate{}, fmt.Errorf("negative cost for %s %s", r.Carrier, r.Service)
	}
	return r, nil
}

// decodeDecimal accepts both JSON numbers and numeric strings.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		raw = s
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		raw = n.String()
	}
	return decimal.NewFromString(raw)
}
