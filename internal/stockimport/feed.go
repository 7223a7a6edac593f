package stockimport

import (
	"bufio"
	"bytes"
	"context"
	"os"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/klauspost/pgzip"
	"go.uber.org/zap"
)

const (
	// DefaultBatchSize is the number of feed lines recorded per transaction.
	DefaultBatchSize = 500

	maxRecordBytes = 64 * 1024
	progressEvery  = 100_000
)

// DecodeLine parses one feed record:
//
//	{"store_id":"s-1","product_id":"p-rice","quantity":24,"batch":"DLV-0412"}
func DecodeLine(data []byte) (Line, error) {
	var l Line
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "store_id":
			l.StoreID, err = d.Str()
		case "product_id":
			l.ProductID, err = d.Str()
		case "quantity":
			l.Quantity, err = d.Int64()
		case "batch":
			l.Batch, err = d.Str()
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	if err != nil {
		return Line{}, err
	}
	return l, nil
}

// ReadFeed streams a gzip-compressed NDJSON file and calls fn for every
// non-blank record. The record slice is only valid during the call.
func ReadFeed(ctx context.Context, path string, fn func(record []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 4096), maxRecordBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		record := bytes.TrimSpace(scanner.Bytes())
		if len(record) == 0 {
			continue
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

// Dedup detects repeated feed records. The first pass adds every record to a
// bloom filter and keeps records the filter has possibly seen before as
// suspects. The second pass counts suspects exactly, so false positives are
// still imported and only true repeats are dropped.
type Dedup struct {
	filter   *bloom.BloomFilter
	suspects map[string]int
}

// NewDedup creates a Dedup sized for capacity records at false positive rate
// fpRate.
func NewDedup(capacity uint, fpRate float64) *Dedup {
	return &Dedup{
		filter:   bloom.NewWithEstimates(capacity, fpRate),
		suspects: make(map[string]int),
	}
}

// Observe records a first-pass occurrence of record.
func (d *Dedup) Observe(record []byte) {
	if d.filter.TestAndAdd(record) {
		d.suspects[string(record)] = 0
	}
}

// Suspects returns the number of records flagged during the first pass.
func (d *Dedup) Suspects() int {
	return len(d.suspects)
}

// Keep reports whether a second-pass occurrence of record should be imported.
// It is false for every repeat after the first occurrence.
func (d *Dedup) Keep(record []byte) bool {
	n, ok := d.suspects[string(record)]
	if !ok {
		return true
	}
	d.suspects[string(record)] = n + 1
	return n == 0
}

// FileOptions tune ImportFile.
type FileOptions struct {
	ActorID   string
	BatchSize int
	// Capacity is the expected number of records, used to size the bloom
	// filter.
	Capacity uint
	FPRate   float64
}

// ImportFile imports one feed in two passes: the first finds repeated
// records, the second decodes the remaining ones and applies them in batches.
// Every batch is atomic on its own; a failure stops the import and reports
// what was written before it.
func (im *Importer) ImportFile(ctx context.Context, path string, opts FileOptions) (Report, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Capacity == 0 {
		opts.Capacity = 1_000_000
	}
	if opts.FPRate <= 0 {
		opts.FPRate = 0.001
	}
	lg := zctx.From(ctx).With(zap.String("file", path))

	dedup := NewDedup(opts.Capacity, opts.FPRate)
	if err := ReadFeed(ctx, path, func(record []byte) error {
		dedup.Observe(record)
		return nil
	}); err != nil {
		return Report{}, errors.Wrap(err, "pass 1")
	}
	lg.Info("Feed scanned", zap.Int("suspects", dedup.Suspects()))

	var (
		total   Report
		batch   = make([]Line, 0, opts.BatchSize)
		scanned int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		report, err := im.Apply(ctx, opts.ActorID, batch)
		if err != nil {
			return err
		}
		total.Merge(report)
		batch = batch[:0]
		return nil
	}

	err := ReadFeed(ctx, path, func(record []byte) error {
		scanned++
		if scanned%progressEvery == 0 {
			lg.Info("Feed progress", zap.Int("records", scanned))
		}
		if !dedup.Keep(record) {
			total.Duplicates++
			return nil
		}
		l, err := DecodeLine(record)
		if err != nil {
			return errors.Wrapf(err, "decode record %d", scanned)
		}
		batch = append(batch, l)
		if len(batch) < opts.BatchSize {
			return nil
		}
		return flush()
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return total, errors.Wrap(err, "pass 2")
	}
	return total, nil
}
