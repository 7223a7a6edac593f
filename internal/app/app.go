package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/grocer/internal/domain/auth"
	"github.com/xenking/grocer/internal/domain/cart"
	"github.com/xenking/grocer/internal/domain/discount"
	"github.com/xenking/grocer/internal/domain/order"
	"github.com/xenking/grocer/internal/domain/settlement"
	"github.com/xenking/grocer/internal/domain/stock"
	"github.com/xenking/grocer/internal/events"
	"github.com/xenking/grocer/internal/gateway/locker"
	"github.com/xenking/grocer/internal/gateway/objectstore"
	"github.com/xenking/grocer/internal/gateway/paygate"
	"github.com/xenking/grocer/internal/gateway/shiprate"
	"github.com/xenking/grocer/internal/handler"
	"github.com/xenking/grocer/internal/stockimport"
	"github.com/xenking/grocer/pkg/health"
	"github.com/xenking/grocer/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
	)

	store, err := OpenStorage(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	healthSvc := health.New()
	healthSvc.Register(health.Check{
		Name:    cfg.Storage,
		Kind:    health.Readiness,
		Timeout: 5 * time.Second,
		Func:    health.PingCheck(store.Tx),
	})
	healthSvc.Register(health.Check{
		Name: "goroutines",
		Kind: health.Liveness,
		Func: health.GoroutineCountCheck(10000),
	})

	var checkoutLock interface {
		order.Locker
		cart.Locker
	} = locker.NewLocal(locker.DefaultWait)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = client.Close() }()
		checkoutLock = locker.New(client, "grocer:lock:", locker.WithTTL(cfg.Redis.LockTTL))
		healthSvc.Register(health.Check{
			Name:    "redis",
			Kind:    health.Readiness,
			Timeout: 2 * time.Second,
			Func:    func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
	}

	var publisher settlement.Publisher = events.Log{}
	if cfg.PubSub.Project != "" && cfg.PubSub.Topic != "" {
		ps, err := events.NewPubSub(ctx, cfg.PubSub.Project, cfg.PubSub.Topic)
		if err != nil {
			return errors.Wrap(err, "create settlement publisher")
		}
		defer func() { _ = ps.Close() }()
		publisher = ps
	}

	proofs, err := objectstore.Open(ctx, objectstore.Config{
		Provider:        objectstore.Provider(cfg.ObjectStore.Provider),
		Bucket:          cfg.ObjectStore.Bucket,
		Region:          cfg.ObjectStore.Region,
		Endpoint:        cfg.ObjectStore.Endpoint,
		PublicBaseURL:   cfg.ObjectStore.PublicBaseURL,
		CredentialsJSON: cfg.ObjectStore.CredentialsJSON,
	})
	if err != nil {
		return errors.Wrap(err, "open object store")
	}
	defer func() { _ = proofs.Close() }()

	// Domain services.
	ledger := stock.NewLedger(store.Stock, store.Tx,
		stock.WithMaxAttempts(cfg.Ledger.MaxAttempts),
		stock.WithTracerProvider(m.TracerProvider()),
		stock.WithMeterProvider(m.MeterProvider()),
	)
	discounts := discount.NewService(store.Discounts, discount.Policy(cfg.Discount.Policy))
	orders := order.NewService(order.Deps{
		Orders:    store.Orders,
		Carts:     store.Carts,
		Products:  store.Products,
		Discounts: discounts,
		Shipping: shiprate.New(shiprate.Config{
			BaseURL:        cfg.Shipping.URL,
			APIKey:         cfg.Shipping.Key,
			Timeout:        cfg.Shipping.Timeout,
			TracerProvider: m.TracerProvider(),
		}),
		Payments: paygate.New(paygate.Config{
			BaseURL:        cfg.Payment.URL,
			ServerKey:      cfg.Payment.Key,
			Timeout:        cfg.Payment.Timeout,
			TracerProvider: m.TracerProvider(),
		}),
		Proofs: proofs,
		Locker: checkoutLock,
		Tx:     store.Tx,
	}, order.Config{
		PaymentTimeout:  cfg.Payment.Timeout,
		ShippingTimeout: cfg.Shipping.Timeout,
		TracerProvider:  m.TracerProvider(),
		MeterProvider:   m.MeterProvider(),
	})
	reconciler := settlement.NewReconciler(store.Orders, ledger, publisher,
		settlement.WithTracerProvider(m.TracerProvider()),
		settlement.WithMeterProvider(m.MeterProvider()),
	)

	h := handler.New(handler.Deps{
		Products:   store.Products,
		Ledger:     ledger,
		Discounts:  discounts,
		Carts:      cart.NewService(store.Carts, store.Products, ledger, cart.WithLocker(checkoutLock)),
		Orders:     orders,
		Settlement: reconciler,
		Importer:   stockimport.New(ledger, store.Products),
		Tokens:     auth.NewTokenVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer),
		Keys:       auth.NewKeyVerifier(store.APIKeys, []byte(cfg.Auth.APIKeyPepper)),
	}, handler.Config{
		ImageBaseURL:  cfg.ImageBaseURL,
		WebhookSecret: []byte(cfg.Webhook.Secret),
		HistoryLimit:  cfg.Ledger.HistoryLimit,
	})

	// Mux: health endpoints + API routes on one server.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	h.Register(mux)
	routeFinder := httpmiddleware.MakeRouteFinder(mux)

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", handler.APIKeyHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithEviction(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("grocer-api", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
