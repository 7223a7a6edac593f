package events

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xenking/grocer/internal/domain/settlement"
)

var event = settlement.Event{
	Kind:        settlement.EventOversold,
	OrderNumber: "ORD-1",
	StoreID:     "s-1",
	UserID:      "u-1",
	Total:       decimal.NewFromInt(202000),
	Note:        "oversold: product p-1",
	At:          time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC),
}

func TestEncode(t *testing.T) {
	assert.JSONEq(t, `{
		"kind": "order.oversold",
		"order_number": "ORD-1",
		"store_id": "s-1",
		"user_id": "u-1",
		"total": "202000.00",
		"note": "oversold: product p-1",
		"at": "2026-03-10T08:30:00Z"
	}`, string(Encode(event)))

	paid := event
	paid.Kind, paid.Note = settlement.EventPaid, ""
	assert.NotContains(t, string(Encode(paid)), "note")
}

func TestLog_Publish(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := zctx.Base(context.Background(), zap.New(core))

	require.NoError(t, Log{}.Publish(ctx, event))

	entries := logs.FilterMessage("Settlement event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "order.oversold", fields["event"])
	assert.Equal(t, "ORD-1", fields["order_number"])
	assert.Equal(t, "202000.00", fields["total"])
}

func TestNewPubSubRequiresTopic(t *testing.T) {
	_, err := NewPubSub(context.Background(), "", "settlements")
	assert.Error(t, err)
}
