// Package stockimport loads stock deliveries into the ledger in bulk, from
// admin import requests and from gzipped NDJSON feed files.
package stockimport

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/grocer/internal/domain/failure"
	"github.com/xenking/grocer/internal/domain/product"
	"github.com/xenking/grocer/internal/domain/stock"
)

// Line is one delivered quantity of a product at a store.
type Line struct {
	StoreID   string
	ProductID string
	Quantity  int64
	// Batch identifies the delivery. It becomes the movement reference.
	Batch string
}

// Report summarizes an import.
type Report struct {
	Lines      int
	Duplicates int
	Added      int
	Restocked  int
	Units      int64
}

// Merge adds the counters of other to r.
func (r *Report) Merge(other Report) {
	r.Lines += other.Lines
	r.Duplicates += other.Duplicates
	r.Added += other.Added
	r.Restocked += other.Restocked
	r.Units += other.Units
}

// Importer records imported lines as ledger movements.
type Importer struct {
	ledger   *stock.Ledger
	products product.Repository
}

// New creates an Importer.
func New(ledger *stock.Ledger, products product.Repository) *Importer {
	return &Importer{ledger: ledger, products: products}
}

type entry struct {
	key   stock.Key
	batch string
}

// Apply records lines as one unit: either every line is written or none is.
// Lines of the same balance and batch are summed into one movement. A balance
// that does not exist yet, or is retired, receives an ADD movement; an active
// one a RESTOCK.
func (im *Importer) Apply(ctx context.Context, actorID string, lines []Line) (Report, error) {
	if len(lines) == 0 {
		return Report{}, failure.Validation("no lines to import")
	}
	if actorID == "" {
		return Report{}, failure.Validation("actor id is required")
	}

	var (
		entries []entry
		sums    = make(map[entry]int64, len(lines))
		ids     []string
		seenID  = make(map[string]struct{}, len(lines))
	)
	for i, l := range lines {
		if l.StoreID == "" || l.ProductID == "" {
			return Report{}, failure.Validation("line %d: store id and product id are required", i+1)
		}
		if l.Quantity <= 0 {
			return Report{}, failure.Validation("line %d: quantity must be greater than 0", i+1)
		}
		e := entry{key: stock.Key{StoreID: l.StoreID, ProductID: l.ProductID}, batch: l.Batch}
		if _, ok := sums[e]; !ok {
			entries = append(entries, e)
		}
		sums[e] += l.Quantity
		if _, ok := seenID[l.ProductID]; !ok {
			seenID[l.ProductID] = struct{}{}
			ids = append(ids, l.ProductID)
		}
	}

	found, err := im.products.GetByIDs(ctx, ids)
	if err != nil {
		return Report{}, errors.Wrap(err, "get products")
	}
	byID := make(map[string]product.Product, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	for _, e := range entries {
		p, ok := byID[e.key.ProductID]
		if !ok {
			return Report{}, failure.NotFound("product %s not found", e.key.ProductID)
		}
		if p.StoreID != e.key.StoreID {
			return Report{}, failure.Validation("product %s is not sold by store %s", p.ID, e.key.StoreID)
		}
	}

	var report Report
	err = im.ledger.Atomically(ctx, func(ctx context.Context) error {
		report = Report{Lines: len(lines)}
		fresh := make(map[stock.Key]bool, len(entries))
		reqs := make([]stock.MovementRequest, 0, len(entries))
		for _, e := range entries {
			isNew, ok := fresh[e.key]
			if !ok {
				b, err := im.ledger.Balance(ctx, e.key)
				if err != nil {
					return err
				}
				isNew = b.Version == 0 || b.State == stock.Retired
				fresh[e.key] = isNew
			}

			reason := stock.ReasonRestock
			if isNew {
				reason = stock.ReasonAdd
				report.Added++
			} else {
				report.Restocked++
			}
			report.Units += sums[e]
			reqs = append(reqs, stock.MovementRequest{
				Key:         e.key,
				Delta:       sums[e],
				Reason:      reason,
				ActorID:     actorID,
				WeightGrams: byID[e.key.ProductID].WeightGrams,
				Reference:   e.batch,
			})
			// Later entries of the same key extend the row created here.
			fresh[e.key] = false
		}
		_, err := im.ledger.Apply(ctx, reqs...)
		return err
	})
	if err != nil {
		return Report{}, err
	}

	zctx.From(ctx).Info("Stock imported",
		zap.String("actor_id", actorID),
		zap.Int("lines", report.Lines),
		zap.Int("added", report.Added),
		zap.Int("restocked", report.Restocked),
		zap.Int64("units", report.Units),
	)
	return report, nil
}
