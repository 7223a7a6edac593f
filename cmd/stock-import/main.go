// Command stock-import records delivery feeds as stock movements.
//
// Every *.ndjson.gz file in the data directory is one feed, usually one per
// store. Feeds are imported concurrently; records repeated within a feed are
// skipped.
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appkg "github.com/xenking/grocer/internal/app"
	"github.com/xenking/grocer/internal/domain/stock"
	"github.com/xenking/grocer/internal/stockimport"
)

type options struct {
	dataDir     string
	pattern     string
	databaseURL string
	actorID     string
	concurrency int
	batchSize   int
	capacity    uint
}

func main() {
	var opts options
	flag.StringVar(&opts.dataDir, "data-dir", "data", "directory containing gzipped NDJSON feeds")
	flag.StringVar(&opts.pattern, "pattern", "*.ndjson.gz", "feed file name pattern")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.actorID, "actor", "stock-import", "actor recorded on every movement")
	flag.IntVar(&opts.concurrency, "concurrency", 4, "feeds imported at once")
	flag.IntVar(&opts.batchSize, "batch-size", stockimport.DefaultBatchSize, "records applied per atomic batch")
	flag.UintVar(&opts.capacity, "expected-records", 1_000_000, "expected records per feed, sizes the duplicate filter")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}

	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		if opts.databaseURL == "" {
			return errors.New("database URL is required: set --database-url or DATABASE_URL")
		}
		return run(zctx.Base(ctx, lg), lg, m, opts)
	})
}

func run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, opts options) error {
	files, err := filepath.Glob(filepath.Join(opts.dataDir, opts.pattern))
	if err != nil {
		return errors.Wrap(err, "list feeds")
	}
	if len(files) == 0 {
		lg.Info("No feeds found", zap.String("dir", opts.dataDir), zap.String("pattern", opts.pattern))
		return nil
	}

	store, err := appkg.OpenStorage(ctx, lg, &appkg.Config{
		Storage:     appkg.StoragePostgres,
		DatabaseURL: opts.databaseURL,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	ledger := stock.NewLedger(store.Stock, store.Tx,
		stock.WithTracerProvider(m.TracerProvider()),
		stock.WithMeterProvider(m.MeterProvider()),
	)
	importer := stockimport.New(ledger, store.Products)

	lg.Info("Importing feeds", zap.Int("files", len(files)), zap.Int("concurrency", opts.concurrency))

	var (
		mu    sync.Mutex
		total stockimport.Report
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.concurrency, 1))
	for _, path := range files {
		g.Go(func() error {
			report, err := importer.ImportFile(ctx, path, stockimport.FileOptions{
				ActorID:   opts.actorID,
				BatchSize: opts.batchSize,
				Capacity:  opts.capacity,
			})

			mu.Lock()
			total.Merge(report)
			mu.Unlock()

			if err != nil {
				return errors.Wrapf(err, "import %s", filepath.Base(path))
			}
			lg.Info("Feed imported",
				zap.String("file", filepath.Base(path)),
				zap.Int("lines", report.Lines),
				zap.Int("duplicates", report.Duplicates),
				zap.Int64("units", report.Units),
			)
			return nil
		})
	}

	err = g.Wait()
	lg.Info("Import finished",
		zap.Int("lines", total.Lines),
		zap.Int("duplicates", total.Duplicates),
		zap.Int("added", total.Added),
		zap.Int("restocked", total.Restocked),
		zap.Int64("units", total.Units),
	)
	return err
}
