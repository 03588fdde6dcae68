package main

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-order-reconciler/internal/config"
	"github.com/ariefcatur/go-order-reconciler/internal/gateway"
	"github.com/ariefcatur/go-order-reconciler/internal/gateway/memgateway"
	"github.com/ariefcatur/go-order-reconciler/internal/httpx"
	kafkax "github.com/ariefcatur/go-order-reconciler/internal/kafka"
	"github.com/ariefcatur/go-order-reconciler/internal/logx"
	"github.com/ariefcatur/go-order-reconciler/internal/memstore"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/ariefcatur/go-order-reconciler/internal/payments"
	"github.com/ariefcatur/go-order-reconciler/internal/postgres"
	"github.com/ariefcatur/go-order-reconciler/internal/redisx"
	"github.com/ariefcatur/go-order-reconciler/internal/stock"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// devWebhookSecret signs webhooks for the in-memory gateway when no processor
// is configured.
const devWebhookSecret = "whsec_dev"

type backend struct {
	orders   orders.Store
	catalog  orders.Catalog
	products httpx.ProductLister
	ledger   stock.Ledger
	payments payments.Store
	reader   payments.OrderReader
	close    func()
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	log := logx.Setup(cfg.Log.Level, cfg.Log.Format, cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.close()

	// Redis
	var cache orders.StatusCache
	if cfg.RedisAddr != "" {
		rdb := redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, status cache disabled", "addr", cfg.RedisAddr, "err", err)
		} else {
			cache = &redisx.StatusCache{R: rdb, Log: log}
		}
	}

	// the producer outlives the request context so shutdown can flush it
	prodCtx, stopProducer := context.WithCancel(context.Background())
	defer stopProducer()
	var events orders.Publisher
	var lifecycle *kafkax.Producer
	if len(cfg.KafkaBrokers) > 0 {
		lifecycle = kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderLifecycle, 1024, log)
		lifecycle.Start(prodCtx)
		events = lifecycle
	}

	gw, webhookSecret := paymentGateway(cfg, log)

	svc := &orders.Service{
		Store:    be.orders,
		Catalog:  be.catalog,
		Ledger:   be.ledger,
		Events:   events,
		Cache:    cache,
		Producer: cfg.ServiceName,
		Currency: cfg.Payments.Currency,
		Log:      log,
	}
	engine := payments.NewEngine(payments.Config{
		WebhookSecret: webhookSecret,
		Currency:      cfg.Payments.Currency,
		FrontendURL:   cfg.Payments.FrontendURL,
		Producer:      cfg.ServiceName,
	}, be.payments, be.reader, gw, log)
	engine.Events = events
	engine.Cache = cache
	svc.Payments = engine
	// without processor credentials no reconciler can run, so apply in place
	if !cfg.Payments.InlineApply && cfg.Stripe.SecretKey != "" {
		w := kafkax.NewSyncWriter(cfg.KafkaBrokers, payments.TopicGatewayEvents)
		defer w.Close()
		engine.Inbox = &payments.KafkaInbox{W: w, Producer: cfg.ServiceName}
		log.Info("webhook events handed to the reconciler", "topic", payments.TopicGatewayEvents)
	}

	router := httpx.NewRouter(log)
	(&httpx.OrdersHandler{Orders: svc, Products: be.products, Log: log}).Register(router)
	(&httpx.PaymentsHandler{Engine: engine, PublishableKey: cfg.Stripe.PublishableKey, Log: log}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", "addr", cfg.HTTPAddr, "store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	err = g.Wait()

	stopProducer()
	if lifecycle != nil {
		lifecycle.WaitClosed()
	}
	return err
}

func openBackend(ctx context.Context, cfg config.Config, log *slog.Logger) (*backend, error) {
	if cfg.Store == config.StoreMemory {
		s := memstore.New()
		s.Seed(orders.DemoProducts()...)
		log.Warn("using in-memory store, data is lost on restart")
		return &backend{orders: s, catalog: s, products: s, ledger: s, payments: s, reader: s, close: func() {}}, nil
	}

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.SeedDemo {
		if err := postgres.Seed(ctx, db, orders.DemoProducts()); err != nil {
			db.Close()
			return nil, err
		}
	}
	repo := &orders.Repo{DB: db}
	return &backend{
		orders:   repo,
		catalog:  repo,
		products: repo,
		ledger:   &stock.Repo{DB: db},
		payments: &payments.Repo{DB: db},
		reader:   repo,
		close:    db.Close,
	}, nil
}

func paymentGateway(cfg config.Config, log *slog.Logger) (gateway.Client, string) {
	if cfg.Stripe.SecretKey == "" {
		log.Warn("STRIPE_SECRET_KEY not set, using the in-memory payment gateway")
		secret := cfg.Stripe.WebhookSecret
		if secret == "" {
			secret = devWebhookSecret
		}
		return memgateway.New(), secret
	}
	stripe := gateway.NewStripe(cfg.Stripe.SecretKey, cfg.Stripe.Timeout)
	return gateway.Guard(stripe, gateway.GuardOptions{Name: "stripe", Timeout: cfg.Stripe.Timeout}), cfg.Stripe.WebhookSecret
}
