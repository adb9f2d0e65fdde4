package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/mind-engage/mindengage-results/internal/academic"
	auth "github.com/mind-engage/mindengage-results/internal/auth/middleware"
	"github.com/mind-engage/mindengage-results/internal/carryover"
	"github.com/mind-engage/mindengage-results/internal/computation"
	"github.com/mind-engage/mindengage-results/internal/config"
	"github.com/mind-engage/mindengage-results/internal/db"
	"github.com/mind-engage/mindengage-results/internal/dispatch"
	"github.com/mind-engage/mindengage-results/internal/logging"
	"github.com/mind-engage/mindengage-results/internal/notify"
	"github.com/mind-engage/mindengage-results/internal/observability"
	"github.com/mind-engage/mindengage-results/internal/standing"
	"github.com/mind-engage/mindengage-results/internal/storage"
)

func main() {
	cfg := config.FromEnv()
	logger := logging.New(os.Stdout, cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		level.Error(logger).Log("msg", "exit", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger log.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing("mindengage-results", cfg.OTelExporter)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	// --- DB ---
	octx, cancel := context.WithTimeout(ctx, 10*time.Second)
	dbh, err := db.Open(octx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	cancel()
	if err != nil {
		return err
	}
	defer dbh.Close()

	store := academic.NewSQLStore(dbh)
	summaries := computation.NewSQLSummaryStore(dbh)

	policy, err := standing.LoadPolicy(cfg.StandingPolicyFile)
	if err != nil {
		return err
	}

	archiver, err := newArchiver(ctx, cfg)
	if err != nil {
		return err
	}

	var queue dispatch.Queue
	switch cfg.QueueDriver {
	case "memory":
		queue = dispatch.NewMemoryQueue(nil)
	default:
		queue = dispatch.NewSQLQueue(dbh, nil)
	}

	opts := computation.Options{
		BatchSize: cfg.BulkBatchSize,
		Policy:    policy,
		Reporter:  dispatch.Reporter(queue),
		Logger:    log.With(logger, "component", "processor"),
	}
	if archiver != nil {
		opts.Archiver = archiver
	}
	processor := computation.NewProcessor(store, summaries, opts)

	outbox := notify.NewOutbox(dbh)
	dispatcher := dispatch.New(queue, processor, store, dispatch.Config{
		Workers:      cfg.WorkerConcurrency,
		MaxAttempts:  cfg.JobMaxAttempts,
		BackoffBase:  cfg.JobBackoffBase,
		Lease:        cfg.JobLease,
		PollInterval: cfg.JobPollInterval,
	},
		dispatch.WithLogger(log.With(logger, "component", "dispatcher")),
		dispatch.WithNotifier(outbox),
	)

	authSvc := auth.NewAuthService(cfg.AuthHMACSecret, cfg.TokenTTL)
	router := newRouter(routerDeps{
		auth:          authSvc,
		adminUser:     cfg.AdminUser,
		adminPassHash: cfg.AdminPassHash,
		corsOrigins:   cfg.CORSOrigins(),
		computations:  dispatcher,
		summaries:     summaries,
		students:      store,
		carryovers:    carryover.NewTracker(store, nil),
		notifications: outbox,
		db:            dbh,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 2)
	go func() { errc <- dispatcher.Run(ctx) }()
	go func() {
		level.Info(logger).Log("msg", "listening", "addr", cfg.HTTPAddr, "mode", cfg.Mode,
			"db", cfg.DBDriver, "queue", cfg.QueueDriver, "workers", cfg.WorkerConcurrency)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errc:
		stop()
	}
	sctx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if serr := srv.Shutdown(sctx); serr != nil {
		level.Warn(logger).Log("msg", "http shutdown", "err", serr)
	}
	return err
}

func newArchiver(ctx context.Context, cfg config.Config) (*storage.SheetArchiver, error) {
	switch cfg.BlobDriver {
	case "none":
		return nil, nil
	case "minio":
		bs, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		return storage.NewSheetArchiver(bs), nil
	default:
		bs, err := storage.NewFSStore(cfg.BlobBasePath)
		if err != nil {
			return nil, err
		}
		return storage.NewSheetArchiver(bs), nil
	}
}
