package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"mutuelle/internal/directory"
	"mutuelle/internal/eligibility/cache"
	"mutuelle/internal/eligibility/evaluator"
	eligibilityhandler "mutuelle/internal/eligibility/handler"
	eligibilitymetrics "mutuelle/internal/eligibility/metrics"
	"mutuelle/internal/eligibility/reconcile"
	eligibilityservice "mutuelle/internal/eligibility/service"
	"mutuelle/internal/identity"
	"mutuelle/internal/jobs"
	jobshandler "mutuelle/internal/jobs/handler"
	jobsmetrics "mutuelle/internal/jobs/metrics"
	ledgerhandler "mutuelle/internal/ledger/handler"
	ledgermetrics "mutuelle/internal/ledger/metrics"
	ledgermodels "mutuelle/internal/ledger/models"
	ledgerservice "mutuelle/internal/ledger/service"
	ledgerstore "mutuelle/internal/ledger/store"
	"mutuelle/internal/platform/config"
	"mutuelle/internal/platform/events"
	"mutuelle/internal/platform/logger"
	httpmetrics "mutuelle/internal/platform/metrics"
	"mutuelle/internal/platform/postgres"
	"mutuelle/internal/platform/redis"
	settlementhandler "mutuelle/internal/settlement/handler"
	settlementmetrics "mutuelle/internal/settlement/metrics"
	settlementservice "mutuelle/internal/settlement/service"
	settlementstore "mutuelle/internal/settlement/store"
	httptransport "mutuelle/internal/transport/http"
	voucherhandler "mutuelle/internal/voucher/handler"
	vouchermetrics "mutuelle/internal/voucher/metrics"
	voucherservice "mutuelle/internal/voucher/service"
	voucherstore "mutuelle/internal/voucher/store"
	"mutuelle/pkg/platform/audit"
	"mutuelle/pkg/platform/audit/publishers/compliance"
	auditmemory "mutuelle/pkg/platform/audit/store/memory"
	auditpostgres "mutuelle/pkg/platform/audit/store/postgres"
	"mutuelle/pkg/platform/circuit"
	"mutuelle/pkg/platform/tx"
)

// app holds every wired component. Stores run in PostgreSQL when a URL is
// configured and in memory otherwise; the cache and sweep locks use Redis
// when configured.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *sql.DB
	redis     *redis.Client
	publisher events.Publisher

	ledger      *ledgerservice.Service
	eligibility *eligibilityservice.Service
	sweeper     *reconcile.Sweeper
	vouchers    *voucherservice.Service
	settlements *settlementservice.Service
	jobs        *jobs.Runner
	identity    *identity.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: logger.New(cfg.LogLevel)}

	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	a.db = db

	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		a.close()
		return nil, err
	}
	a.redis = rc

	rawTariffs, err := config.LoadTariffs(cfg.Eligibility.TariffsFile)
	if err != nil {
		a.close()
		return nil, err
	}
	tariffs := make(ledgermodels.Tariffs, len(rawTariffs))
	for category, amount := range rawTariffs {
		tariffs[directory.Category(category)] = amount
	}

	dir, err := a.directory()
	if err != nil {
		a.close()
		return nil, err
	}

	a.publisher, err = a.events(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	var (
		runner         tx.Runner
		auditStore     audit.Store
		ledgerStore    ledgerservice.Store
		voucherStore   voucherservice.Store
		settleStore    settlementservice.Store
		eligibilityTab cache.Store
	)
	if db != nil {
		runner = tx.NewPostgres(db, cfg.Postgres.TxTimeout)
		auditStore = auditpostgres.New(db)
		ledgerStore = ledgerstore.NewPostgres(db)
		voucherStore = voucherstore.NewPostgres(db)
		settleStore = settlementstore.NewPostgres(db)
	} else {
		runner = tx.NewSharded(cfg.Postgres.TxTimeout)
		auditStore = auditmemory.NewInMemoryStore()
		ledgerStore = ledgerstore.NewInMemory()
		voucherStore = voucherstore.NewInMemory()
		settleStore = settlementstore.NewInMemory()
	}
	if rc != nil {
		eligibilityTab = cache.NewRedis(rc.Client)
	} else {
		eligibilityTab = cache.NewInMemory()
	}

	auditor := compliance.New(auditStore,
		compliance.WithLogger(a.logger),
		compliance.WithMetrics(compliance.NewMetrics()),
	)
	policy := evaluator.Policy{GraceDays: cfg.Eligibility.GraceDays, Tariffs: tariffs}
	eligMetrics := eligibilitymetrics.New()

	a.ledger = ledgerservice.New(ledgerStore, dir, runner, tariffs,
		ledgerservice.WithLogger(a.logger),
		ledgerservice.WithMetrics(ledgermetrics.New()),
		ledgerservice.WithAuditPublisher(auditor),
		ledgerservice.WithCurrency(cfg.Eligibility.Currency),
	)
	a.eligibility = eligibilityservice.New(dir, a.ledger, eligibilityTab, policy,
		eligibilityservice.WithLogger(a.logger),
		eligibilityservice.WithMetrics(eligMetrics),
		eligibilityservice.WithAuditPublisher(auditor),
	)
	a.ledger.SetRecordedHook(a.eligibility)

	a.sweeper = reconcile.New(dir, a.ledger, eligibilityTab, policy, reconcile.Config{
		BatchSize:    cfg.Sweep.BatchSize,
		BatchTimeout: cfg.Sweep.BatchTimeout,
		Concurrency:  cfg.Sweep.Concurrency,
		Staleness:    cfg.Eligibility.StalenessThreshold,
	},
		reconcile.WithLogger(a.logger),
		reconcile.WithMetrics(eligMetrics),
		reconcile.WithEventPublisher(a.publisher),
		reconcile.WithAuditPublisher(auditor),
	)

	a.vouchers = voucherservice.New(voucherStore, dir, a.eligibility, runner, voucherservice.Config{
		ValidityWindow:     cfg.Voucher.ValidityWindow,
		DailyIssuanceLimit: cfg.Voucher.DailyIssuanceLimit,
		OverdueTolerance:   cfg.Eligibility.OverdueTolerance,
		Currency:           cfg.Eligibility.Currency,
		BatchSize:          cfg.Sweep.BatchSize,
		BatchTimeout:       cfg.Sweep.BatchTimeout,
	},
		voucherservice.WithLogger(a.logger),
		voucherservice.WithMetrics(vouchermetrics.New()),
		voucherservice.WithAuditPublisher(auditor),
		voucherservice.WithEventPublisher(a.publisher),
	)

	a.settlements = settlementservice.New(settleStore, a.vouchers, runner, settlementservice.Config{
		PendingGrace: cfg.Settlement.PendingGrace,
		BatchSize:    cfg.Sweep.BatchSize,
		BatchTimeout: cfg.Sweep.BatchTimeout,
	},
		settlementservice.WithLogger(a.logger),
		settlementservice.WithMetrics(settlementmetrics.New()),
		settlementservice.WithAuditPublisher(auditor),
		settlementservice.WithEventPublisher(a.publisher),
	)

	jobOpts := []jobs.Option{jobs.WithLogger(a.logger), jobs.WithMetrics(jobsmetrics.New())}
	if rc != nil {
		jobOpts = append(jobOpts, jobs.WithLocker(jobs.NewRedisLocker(rc.Client), cfg.Sweep.LockTTL))
	}
	a.jobs = jobs.New(jobOpts...)
	a.jobs.Register(jobs.Reconciliation, func(ctx context.Context, p jobs.Params) (any, error) {
		return a.sweeper.Sweep(ctx, reconcile.Options{Force: p.Force})
	})
	a.jobs.Register(jobs.Expiry, func(ctx context.Context, _ jobs.Params) (any, error) {
		return a.vouchers.ExpireDue(ctx)
	})
	a.jobs.Register(jobs.Settlements, func(ctx context.Context, _ jobs.Params) (any, error) {
		return a.settlements.ReconcilePending(ctx)
	})

	a.identity = newIdentity(cfg)
	return a, nil
}

func newIdentity(cfg *config.Config) *identity.Service {
	return identity.NewService(cfg.Server.IdentitySigningKey, cfg.Server.IdentityIssuer)
}

// directory is the beneficiary roster: the PostgreSQL table, or the seed file
// loaded into memory.
func (a *app) directory() (directory.Reader, error) {
	if a.db != nil {
		return directory.NewPostgres(a.db), nil
	}
	if a.cfg.Directory.SeedFile == "" {
		a.logger.Warn("no directory seed configured, every beneficiary is unknown")
		return directory.NewInMemory(), nil
	}
	seed, err := directory.LoadSeed(a.cfg.Directory.SeedFile)
	if err != nil {
		return nil, err
	}
	return directory.NewInMemory(seed...), nil
}

// events publishes to Kafka when brokers are configured, falling back to the
// log while the broker is unhealthy. AMQP, when configured, receives the same
// stream for actor notifications.
func (a *app) events(ctx context.Context) (events.Publisher, error) {
	logSink := events.NewLogPublisher(a.logger)
	eventMetrics := events.NewMetrics()

	var sinks events.Fanout
	if len(a.cfg.Kafka.Brokers) > 0 {
		kafka, err := events.NewKafkaPublisher(ctx, events.KafkaOptions{
			Brokers:     a.cfg.Kafka.Brokers,
			TopicPrefix: a.cfg.Kafka.TopicPrefix,
			Partitions:  a.cfg.Kafka.Partitions,
			Replication: a.cfg.Kafka.Replication,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, events.NewGuarded(kafka, logSink, a.logger, events.WithMetrics(eventMetrics)))
	} else {
		sinks = append(sinks, logSink)
	}

	if a.cfg.AMQP.URL != "" {
		amqp, err := events.NewAMQPPublisher(a.cfg.AMQP.URL, a.cfg.AMQP.Exchange)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, events.NewGuarded(amqp, logSink, a.logger,
			events.WithMetrics(eventMetrics),
			events.WithBreaker(circuit.New("amqp", circuit.WithCooldown(time.Minute))),
		))
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

func (a *app) router() (*httptransport.Options, []httptransport.Registrar) {
	checks := map[string]httptransport.HealthCheck{}
	if a.db != nil {
		checks["postgres"] = a.db.PingContext
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Health
	}
	opts := &httptransport.Options{
		Logger:      a.logger,
		Verifier:    a.identity,
		Metrics:     httpmetrics.New(),
		CORSOrigins: a.cfg.Server.CORSOrigins,
		Checks:      checks,
	}
	return opts, []httptransport.Registrar{
		ledgerhandler.New(a.ledger, a.logger),
		eligibilityhandler.New(a.eligibility, a.logger),
		voucherhandler.New(a.vouchers, a.logger),
		settlementhandler.New(a.settlements, a.logger),
		jobshandler.New(a.jobs, a.logger),
	}
}

func (a *app) close() {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil && a.logger != nil {
		a.logger.Warn("shutdown cleanup incomplete", "error", err)
	}
}
