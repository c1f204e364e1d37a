package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/cardstore"
	"github.com/Service202508/BattwheelsGarages-sub003/internal/config"
	"github.com/Service202508/BattwheelsGarages-sub003/internal/embeddings"
	"github.com/Service202508/BattwheelsGarages-sub003/internal/events"
	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
	"github.com/Service202508/BattwheelsGarages-sub003/internal/logging"
	"github.com/Service202508/BattwheelsGarages-sub003/internal/matchcache"
	"github.com/Service202508/BattwheelsGarages-sub003/internal/review"
	"github.com/Service202508/BattwheelsGarages-sub003/internal/telemetry"
	"github.com/Service202508/BattwheelsGarages-sub003/internal/vectorstore"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// app holds every dependency of the failure service. Fields for optional
// collaborators stay nil when their config section is empty.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry

	store     *cardstore.Store
	embedder  embeddings.Provider
	index     vectorstore.Index
	natsConn  *nats.Conn
	publisher *events.NATSPublisher
	events    *events.Dispatcher
	cache     *matchcache.RedisCache

	svc *failure.Service
}

// newApp builds the service stack from cfg:
//  1. Logger and telemetry
//  2. SQLite card store
//  3. Embedding provider and retrieval index (unless vectorstore is "none")
//  4. Event dispatcher (NATS or log publisher)
//  5. Review queue (SQS) and match cache (Redis), when configured
//  6. The failure service with every collaborator attached
//
// On error everything built so far is closed.
func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	a := &app{cfg: cfg}
	ready := false
	defer func() {
		if !ready {
			_ = a.Close(context.Background())
		}
	}()

	if err := a.initObservability(ctx, logOut); err != nil {
		return nil, err
	}
	zl := a.logger.Underlying()

	var err error
	a.store, err = cardstore.Open(cfg.Database.Path, zl.Named("cardstore"),
		cardstore.WithBusyTimeout(cfg.Database.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open card store: %w", err)
	}

	opts := []failure.Option{failure.WithTicketStore(a.store)}

	if cfg.VectorStore.Provider != config.VectorStoreNone {
		// Constructors return typed nils on error; only keep successes so
		// Close never calls into a nil provider.
		embedder, err := embeddings.NewProvider(ctx, cfg.Embeddings, zl.Named("embeddings"))
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding provider: %w", err)
		}
		a.embedder = embedder

		vsCfg := cfg.VectorStore
		vsCfg.VectorSize = embedder.Dimension()
		index, err := vectorstore.NewIndex(vsCfg, embedder, zl.Named("vectorstore"))
		if err != nil {
			return nil, fmt.Errorf("failed to create vector index: %w", err)
		}
		a.index = index
		opts = append(opts, vectorstore.ServiceOptions(index)...)
	}

	publisher, err := a.newPublisher(zl)
	if err != nil {
		return nil, err
	}
	a.events = events.NewDispatcher(events.DispatcherConfig{BufferSize: cfg.Events.BufferSize}, publisher, zl.Named("events"))
	a.events.Start()
	opts = append(opts, failure.WithEventSink(a.events))

	if cfg.Review.QueueURL != "" {
		client, err := review.NewSQSClient(ctx, cfg.Review.Region, cfg.Review.Endpoint)
		if err != nil {
			return nil, err
		}
		queue, err := review.NewSQSQueue(client, cfg.Review.QueueURL, zl.Named("review"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, failure.WithReviewQueue(queue))
	}

	if cfg.Cache.RedisAddr != "" {
		a.cache, err = matchcache.New(ctx, matchcache.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword.Value(),
			DB:       cfg.Cache.RedisDB,
			TTL:      cfg.Cache.TTL,
		}, zl.Named("matchcache"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, failure.WithMatchCache(a.cache))
	}

	a.svc, err = failure.NewService(serviceConfig(cfg.Matching), a.store, a.store, zl.Named("failure"), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create failure service: %w", err)
	}

	zl.Info("failure service ready",
		zap.String("database", cfg.Database.Path),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.Bool("nats", a.natsConn != nil),
		zap.Bool("review_queue", cfg.Review.QueueURL != ""),
		zap.Bool("match_cache", a.cache != nil),
	)
	ready = true
	return a, nil
}

// initObservability creates the logger, then telemetry, then rebuilds the
// logger with the OTEL bridge when telemetry is enabled.
func (a *app) initObservability(ctx context.Context, logOut io.Writer) error {
	logCfg, err := logging.FromSettings(a.cfg.Logging)
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	a.logger, err = logging.NewLogger(logCfg, nil, logging.WithWriter(logOut))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	a.telemetry, err = telemetry.New(ctx, telemetry.FromSettings(a.cfg.Telemetry, version), a.logger.Underlying().Named("telemetry"))
	if err != nil {
		return err
	}
	if lp := a.telemetry.LoggerProvider(); lp != nil {
		bridged, err := logging.NewLogger(logCfg, lp, logging.WithWriter(logOut))
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		_ = a.logger.Sync()
		a.logger = bridged
	}
	return nil
}

func (a *app) newPublisher(zl *zap.Logger) (events.Publisher, error) {
	if a.cfg.Events.NATSURL == "" {
		return events.NewLogPublisher(zl.Named("events")), nil
	}
	nc, err := events.ConnectNATS(a.cfg.Events.NATSURL, zl.Named("nats"))
	if err != nil {
		return nil, err
	}
	a.natsConn = nc
	a.publisher, err = events.NewNATSPublisher(nc, a.cfg.Events.SubjectPrefix, zl.Named("events"))
	if err != nil {
		return nil, err
	}
	return a.publisher, nil
}

func serviceConfig(m config.MatchingConfig) *failure.Config {
	return &failure.Config{
		DefaultLimit:     m.DefaultLimit,
		MaxLimit:         m.MaxLimit,
		RetrievalTimeout: m.RetrievalTimeout,
		SemanticMinScore: m.SemanticMinScore,
		LaborRatePerHour: m.LaborRatePerHour,
		ApprovalBoost:    m.ApprovalBoost,
		FeedbackBoost:    m.FeedbackBoost,
		FeedbackPenalty:  m.FeedbackPenalty,
	}
}

// Close releases everything in reverse build order. Pending events are
// drained before the broker connection closes.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.svc != nil {
		errs = append(errs, a.svc.Close())
	}
	if a.events != nil {
		errs = append(errs, a.events.Close(ctx))
	}
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close(ctx))
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.index != nil {
		errs = append(errs, a.index.Close())
	}
	if a.embedder != nil {
		errs = append(errs, a.embedder.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}
