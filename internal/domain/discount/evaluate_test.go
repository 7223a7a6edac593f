package discount

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name           string
		unitPrice      decimal.Decimal
		quantity       int64
		discount       *Discount
		wantFinal      decimal.Decimal
		wantPerUnit    decimal.Decimal
		wantApplicable bool
		wantLabel      string
	}{
		{
			name:           "no discount",
			unitPrice:      dec(100000),
			quantity:       1,
			wantFinal:      dec(100000),
			wantPerUnit:    dec(0),
			wantApplicable: true,
		},
		{
			name:           "percentage capped",
			unitPrice:      dec(100000),
			quantity:       1,
			discount:       &Discount{Type: Percentage, Value: dec(20), MaxDiscountCap: dec(15000)},
			wantFinal:      dec(85000),
			wantPerUnit:    dec(15000),
			wantApplicable: true,
			wantLabel:      "20% off, up to 15000.00",
		},
		{
			name:           "percentage uncapped",
			unitPrice:      dec(100000),
			quantity:       1,
			discount:       &Discount{Type: Percentage, Value: dec(20)},
			wantFinal:      dec(80000),
			wantPerUnit:    dec(20000),
			wantApplicable: true,
			wantLabel:      "20% off",
		},
		{
			name:           "percentage rounds to cents",
			unitPrice:      decimal.RequireFromString("333.33"),
			quantity:       1,
			discount:       &Discount{Type: Percentage, Value: dec(15)},
			wantFinal:      decimal.RequireFromString("283.33"),
			wantPerUnit:    dec(50),
			wantApplicable: true,
			wantLabel:      "15% off",
		},
		{
			name:           "fixed below min purchase",
			unitPrice:      dec(100000),
			quantity:       1,
			discount:       &Discount{Type: Fixed, Value: dec(10000), MinPurchase: dec(150000)},
			wantFinal:      dec(100000),
			wantPerUnit:    dec(0),
			wantApplicable: false,
			wantLabel:      "Spend 50000.00 more to unlock",
		},
		{
			name:           "fixed unlocked by quantity is per unit",
			unitPrice:      dec(100000),
			quantity:       2,
			discount:       &Discount{Type: Fixed, Value: dec(10000), MinPurchase: dec(150000)},
			wantFinal:      dec(90000),
			wantPerUnit:    dec(10000),
			wantApplicable: true,
			wantLabel:      "10000.00 off per item",
		},
		{
			name:           "fixed larger than price floors at zero",
			unitPrice:      dec(5000),
			quantity:       1,
			discount:       &Discount{Type: Fixed, Value: dec(8000)},
			wantFinal:      dec(0),
			wantPerUnit:    dec(5000),
			wantApplicable: true,
			wantLabel:      "8000.00 off per item",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.unitPrice, tt.quantity, tt.discount)
			assert.True(t, tt.wantFinal.Equal(got.FinalUnitPrice), "final: want %s, got %s", tt.wantFinal, got.FinalUnitPrice)
			assert.True(t, tt.wantPerUnit.Equal(got.DiscountPerUnit), "per unit: want %s, got %s", tt.wantPerUnit, got.DiscountPerUnit)
			assert.Equal(t, tt.wantApplicable, got.Applicable)
			assert.Equal(t, tt.wantLabel, got.Label)
		})
	}
}

func TestEvaluateBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("final price stays within [0, unit price]", prop.ForAll(
		func(price, value, cap int64, qty int64, percentage bool) bool {
			d := &Discount{Type: Fixed, Value: dec(value), MaxDiscountCap: dec(cap)}
			if percentage {
				d.Type = Percentage
				d.Value = dec(value % 101)
			}
			r := Evaluate(dec(price), qty, d)
			if r.FinalUnitPrice.IsNegative() || r.FinalUnitPrice.GreaterThan(dec(price)) {
				return false
			}
			return r.FinalUnitPrice.Add(r.DiscountPerUnit).Equal(dec(price))
		},
		gen.Int64Range(0, 10_000_000),
		gen.Int64Range(1, 1_000_000),
		gen.Int64Range(0, 100_000),
		gen.Int64Range(1, 50),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestSelect(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	older := Discount{ID: "d-old", State: Active, StartDate: now.Add(-48 * time.Hour), CreatedAt: now.Add(-48 * time.Hour)}
	newer := Discount{ID: "d-new", State: Active, StartDate: now.Add(-time.Hour), CreatedAt: now.Add(-time.Hour)}
	retired := Discount{ID: "d-retired", State: Retired, StartDate: now.Add(-time.Hour), CreatedAt: now}
	expired := Discount{ID: "d-expired", State: Active, StartDate: now.Add(-72 * time.Hour), EndDate: now.Add(-time.Minute), CreatedAt: now}
	upcoming := Discount{ID: "d-upcoming", State: Active, StartDate: now.Add(time.Hour), CreatedAt: now}

	candidates := []Discount{older, retired, newer, expired, upcoming}

	t.Run("latest wins", func(t *testing.T) {
		got := Select(candidates, now, PolicyLatest)
		require.NotNil(t, got)
		assert.Equal(t, "d-new", got.ID)
	})
	t.Run("first wins", func(t *testing.T) {
		got := Select(candidates, now, PolicyFirst)
		require.NotNil(t, got)
		assert.Equal(t, "d-old", got.ID)
	})
	t.Run("nothing live", func(t *testing.T) {
		assert.Nil(t, Select([]Discount{retired, expired, upcoming}, now, PolicyLatest))
	})
}
