// Package events delivers settlement events to subscribers outside the
// service.
package events

import (
	"bytes"
	"context"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/grocer/internal/domain/settlement"
)

// Encode returns the JSON form of e.
func Encode(e settlement.Event) []byte {
	enc := jx.GetEncoder()
	defer jx.PutEncoder(enc)

	enc.ObjStart()
	enc.FieldStart("kind")
	enc.Str(string(e.Kind))
	enc.FieldStart("order_number")
	enc.Str(e.OrderNumber)
	enc.FieldStart("store_id")
	enc.Str(e.StoreID)
	enc.FieldStart("user_id")
	enc.Str(e.UserID)
	enc.FieldStart("total")
	enc.Str(e.Total.StringFixed(2))
	if e.Note != "" {
		enc.FieldStart("note")
		enc.Str(e.Note)
	}
	enc.FieldStart("at")
	enc.Str(e.At.UTC().Format(time.RFC3339Nano))
	enc.ObjEnd()

	return bytes.Clone(enc.Bytes())
}

// Log writes events to the context logger. It is the publisher used when no
// broker is configured.
type Log struct{}

var _ settlement.Publisher = Log{}

func (Log) Publish(ctx context.Context, e settlement.Event) error {
	zctx.From(ctx).Info("Settlement event",
		zap.String("event", string(e.Kind)),
		zap.String("order_number", e.OrderNumber),
		zap.String("store_id", e.StoreID),
		zap.String("total", e.Total.StringFixed(2)),
		zap.String("note", e.Note),
	)
	return nil
}

// PubSub publishes events to a Google Cloud Pub/Sub topic.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

var _ settlement.Publisher = (*PubSub)(nil)

// NewPubSub connects to projectID and publishes to topicID. Messages of one
// store share an ordering key.
func NewPubSub(ctx context.Context, projectID, topicID string) (*PubSub, error) {
	if projectID == "" || topicID == "" {
		return nil, errors.New("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "create pubsub client")
	}
	topic := client.Topic(topicID)
	topic.EnableMessageOrdering = true
	return &PubSub{client: client, topic: topic}, nil
}

// Publish sends e and waits for the broker to acknowledge it.
func (p *PubSub) Publish(ctx context.Context, e settlement.Event) error {
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:        Encode(e),
		OrderingKey: e.StoreID,
		Attributes: map[string]string{
			"kind":         string(e.Kind),
			"order_number": e.OrderNumber,
		},
	})
	id, err := res.Get(ctx)
	if err != nil {
		p.topic.ResumePublish(e.StoreID)
		return errors.Wrap(err, "publish")
	}
	zctx.From(ctx).Debug("Settlement event published",
		zap.String("event", string(e.Kind)),
		zap.String("message_id", id),
	)
	return nil
}

// Close flushes pending messages and releases the client.
func (p *PubSub) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
