package discount

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Result is the outcome of pricing one product against a discount.
type Result struct {
	FinalUnitPrice  decimal.Decimal
	DiscountPerUnit decimal.Decimal
	Label           string
	Applicable      bool
}

// Evaluate prices quantity units of a product at unitPrice against d. A nil
// discount is applicable and leaves the price unchanged. Evaluate has no side
// effects.
func Evaluate(unitPrice decimal.Decimal, quantity int64, d *Discount) Result {
	if d == nil {
		return Result{FinalUnitPrice: unitPrice, DiscountPerUnit: decimal.Zero, Applicable: true}
	}

	purchase := unitPrice.Mul(decimal.NewFromInt(quantity))
	if purchase.LessThan(d.MinPurchase) {
		return Result{
			FinalUnitPrice:  unitPrice,
			DiscountPerUnit: decimal.Zero,
			Label:           fmt.Sprintf("Spend %s more to unlock", d.MinPurchase.Sub(purchase).StringFixed(2)),
		}
	}

	var perUnit decimal.Decimal
	switch d.Type {
	case Percentage:
		perUnit = unitPrice.Mul(d.Value).Div(hundred)
		if d.MaxDiscountCap.IsPositive() {
			perUnit = decimal.Min(perUnit, d.MaxDiscountCap)
		}
	case Fixed:
		perUnit = d.Value
	default:
		return Result{FinalUnitPrice: unitPrice, DiscountPerUnit: decimal.Zero}
	}
	perUnit = floorAtZero(perUnit).Round(2)

	final := floorAtZero(unitPrice.Sub(perUnit))
	return Result{
		FinalUnitPrice: final,
		// A discount larger than the price only takes the price.
		DiscountPerUnit: unitPrice.Sub(final),
		Label:           label(d),
		Applicable:      true,
	}
}

// Select returns the single discount that applies at now, or nil. Discounts
// never stack.
func Select(candidates []Discount, now time.Time, policy Policy) *Discount {
	var live []Discount
	for _, d := range candidates {
		if d.ActiveAt(now) {
			live = append(live, d)
		}
	}
	if len(live) == 0 {
		return nil
	}

	slices.SortStableFunc(live, func(a, b Discount) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	picked := live[len(live)-1]
	if policy == PolicyFirst {
		picked = live[0]
	}
	return &picked
}

func label(d *Discount) string {
	switch d.Type {
	case Percentage:
		if d.MaxDiscountCap.IsPositive() {
			return fmt.Sprintf("%s%% off, up to %s", d.Value.String(), d.MaxDiscountCap.StringFixed(2))
		}
		return fmt.Sprintf("%s%% off", d.Value.String())
	default:
		return fmt.Sprintf("%s off per item", d.Value.StringFixed(2))
	}
}

func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
