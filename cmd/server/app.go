package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"certchain/internal/artifact"
	certhandler "certchain/internal/certificate/handler"
	certmetrics "certchain/internal/certificate/metrics"
	"certchain/internal/certificate/models"
	certservice "certchain/internal/certificate/service"
	certstore "certchain/internal/certificate/store"
	jwttoken "certchain/internal/jwt_token"
	"certchain/internal/ledger"
	"certchain/internal/ledger/evm"
	"certchain/internal/ledger/simulated"
	"certchain/internal/platform/config"
	"certchain/internal/platform/kafka"
	kafkaconsumer "certchain/internal/platform/kafka/consumer"
	platformmetrics "certchain/internal/platform/metrics"
	"certchain/internal/platform/postgres"
	platformredis "certchain/internal/platform/redis"
	"certchain/internal/ratelimit"
	"certchain/internal/reconciler"
	reconcilerhandler "certchain/internal/reconciler/handler"
	transferhandler "certchain/internal/transfer/handler"
	transfermetrics "certchain/internal/transfer/metrics"
	transferservice "certchain/internal/transfer/service"
	transferstore "certchain/internal/transfer/store"
	"certchain/internal/verification"
	verificationhandler "certchain/internal/verification/handler"
	"certchain/pkg/platform/audit"
	auditconsumer "certchain/pkg/platform/audit/consumer"
	"certchain/pkg/platform/audit/publisher"
	kafkastore "certchain/pkg/platform/audit/store/kafka"
	auditmemory "certchain/pkg/platform/audit/store/memory"
	auditpostgres "certchain/pkg/platform/audit/store/postgres"
	"certchain/pkg/platform/circuit"
	"certchain/pkg/platform/httputil"
	authmw "certchain/pkg/platform/middleware/auth"
	request "certchain/pkg/platform/middleware/request"
	"certchain/pkg/platform/middleware/requesttime"
	"certchain/pkg/platform/tx"
)

// certificateStore is everything the services need from one store.
type certificateStore interface {
	certservice.Store
	transferservice.CertificateStore
	reconciler.CertificateStore
	artifact.CertificateStore
}

// runner is a long-lived component started under the serve errgroup.
type runner struct {
	name string
	run  func(ctx context.Context) error
}

// app holds the wired process: its router, background runners and the
// resources to release on shutdown, in release order.
type app struct {
	router  http.Handler
	runners []runner
	closers []func() error
	log     *slog.Logger
}

func (a *app) addRunner(name string, run func(ctx context.Context) error) {
	a.runners = append(a.runners, runner{name: name, run: run})
}

func (a *app) onClose(fn func() error) {
	a.closers = append([]func() error{fn}, a.closers...)
}

func (a *app) Close() {
	for _, fn := range a.closers {
		if err := fn(); err != nil {
			a.log.Warn("failed to release resource", "error", err)
		}
	}
}

type ledgerSet struct {
	guards  map[models.LedgerKind]*ledger.Guard
	targets []reconciler.Target
}

func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger, migrate bool) (_ *app, err error) {
	a := &app{log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// Storage
	var (
		db        *sql.DB
		certs     certificateStore
		transfers transferservice.TransferStore
		txRunner  tx.Runner
	)
	if cfg.Database.URL != "" {
		db, err = postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.onClose(db.Close)
		if migrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				return nil, err
			}
		}
		certs = certstore.NewPostgres(db, certstore.WithUniqueAssets(cfg.Issuance.UniqueAssets))
		transfers = transferstore.NewPostgres(db)
		txRunner = postgres.NewTxRunner(db, cfg.Database.TxTimeout)
		log.Info("using postgres stores")
	} else {
		certs = certstore.NewInMemory(certstore.WithUniqueAssets(cfg.Issuance.UniqueAssets))
		transfers = transferstore.NewInMemory()
		txRunner = tx.NewShardedRunner(cfg.Database.TxTimeout)
		log.Warn("no database configured, using in-memory stores")
	}

	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if redisClient != nil {
		a.onClose(redisClient.Close)
	}

	// Audit
	pub, err := buildAudit(ctx, a, cfg, db, log)
	if err != nil {
		return nil, err
	}

	// Ledgers
	ledgers := buildLedgers(a, cfg, log)

	var locker reconciler.Locker = reconciler.NewLocalLocker()
	if redisClient != nil {
		locker = reconciler.NewRedisLocker(redisClient.Client, "")
	} else {
		log.Warn("no redis configured, ledger leases are local to this process")
	}

	reconcilerMetrics := reconciler.NewMetrics()
	submitterOpts := []reconciler.SubmitterOption{
		reconciler.WithLeaseTTL(cfg.Reconciler.LockTTL),
		reconciler.WithSubmitterLogger(log),
		reconciler.WithSubmitterAudit(pub),
		reconciler.WithSubmitterMetrics(reconcilerMetrics),
	}
	for kind, g := range ledgers.guards {
		submitterOpts = append(submitterOpts, reconciler.WithLedgerClient(kind, g))
	}
	submitter := reconciler.NewSubmitter(certs, locker, submitterOpts...)
	a.addRunner("submitter", submitter.Run)

	urls := artifact.NewURLGenerator(cfg.Artifacts.BaseURL, cfg.Artifacts.VerifyBaseURL)
	artifacts := artifact.NewWorker(certs, urls,
		artifact.WithWorkers(cfg.Artifacts.Workers),
		artifact.WithLogger(log),
		artifact.WithAuditPublisher(pub),
	)
	a.addRunner("artifacts", artifacts.Run)

	reconcilerOpts := []reconciler.Option{
		reconciler.WithInterval(cfg.Reconciler.Interval),
		reconciler.WithBatchSize(cfg.Reconciler.BatchSize),
		reconciler.WithConcurrency(cfg.Reconciler.Concurrency),
		reconciler.WithReconcileLeaseTTL(cfg.Reconciler.LockTTL),
		reconciler.WithArtifactScheduler(artifacts),
		reconciler.WithLogger(log),
		reconciler.WithAuditPublisher(pub),
		reconciler.WithMetrics(reconcilerMetrics),
	}
	for _, t := range ledgers.targets {
		reconcilerOpts = append(reconcilerOpts, reconciler.WithTarget(t))
	}
	rec := reconciler.New(certs, submitter, locker, reconcilerOpts...)
	a.addRunner("reconciler", rec.Run)

	// Services
	anchorNetwork := ""
	if cfg.Ledgers.Anchor.Enabled {
		anchorNetwork = cfg.Ledgers.Anchor.Network
	}
	certificates := certservice.New(certs, certservice.Config{
		PrimaryNetwork: cfg.Ledgers.Primary.Network,
		AnchorNetwork:  anchorNetwork,
		AnchorOnIssue:  cfg.Issuance.AnchorOnIssue && cfg.Ledgers.Anchor.Enabled,
	},
		certservice.WithLogger(log),
		certservice.WithAuditPublisher(pub),
		certservice.WithMetrics(certmetrics.New()),
		certservice.WithSubmitter(submitter),
		certservice.WithArtifactScheduler(artifacts),
	)
	transferSvc := transferservice.New(certs, transfers, txRunner,
		transferservice.WithLogger(log),
		transferservice.WithAuditPublisher(pub),
		transferservice.WithMetrics(transfermetrics.New()),
	)
	reader := verification.NewReader(certs, verification.WithURLBuilder(urls))

	// HTTP
	limiter := buildRateLimiter(a, cfg, redisClient, log)
	perMinute := func(n int) ratelimit.Policy { return ratelimit.Policy{Limit: n, Window: time.Minute} }
	writeLimit := limiter.PerUser("writes", perMinute(cfg.RateLimit.WritesPerMinute))

	jwtService := jwttoken.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.JWTIssuer)
	requireAuth := authmw.RequireAuth(jwttoken.NewJWTServiceAdapter(jwtService), log)

	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(requesttime.Middleware)
	r.Use(request.Recovery(log))
	r.Use(request.Logger(log))
	r.Use(platformmetrics.LatencyMiddleware(platformmetrics.New()))
	r.Use(chimw.Timeout(cfg.Server.RequestTimeout))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", healthHandler(db, redisClient))

	certhandler.New(certificates, log, requireAuth,
		certhandler.WithAuditTrail(pub),
		certhandler.WithWriteLimiter(writeLimit),
	).Register(r)
	transferhandler.New(transferSvc, log, requireAuth,
		transferhandler.WithWriteLimiter(writeLimit),
	).Register(r)
	verificationhandler.New(reader, log,
		limiter.PerIP("verify", perMinute(cfg.RateLimit.VerifyPerMinute)),
	).Register(r)

	reporters := make(map[models.LedgerKind]reconcilerhandler.BreakerReporter, len(ledgers.guards))
	for kind, g := range ledgers.guards {
		reporters[kind] = g
	}
	reconcilerhandler.New(rec, reporters, log,
		authmw.RequireSharedSecret(authmw.HeaderLedgerSecret, cfg.Auth.ConfirmationSecret, log),
	).Register(r)

	a.router = r
	return a, nil
}

func buildAudit(ctx context.Context, a *app, cfg *config.Config, db *sql.DB, log *slog.Logger) (*publisher.Publisher, error) {
	var store audit.Store
	switch cfg.Audit.Sink {
	case "postgres":
		store = auditpostgres.New(db)
	case "kafka":
		client, err := kafka.NewClient(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			return nil, err
		}
		a.onClose(func() error { client.Close(); return nil })
		if err := kafka.EnsureTopics(ctx, client, cfg.Kafka.Partitions, cfg.Kafka.Replication, kafkastore.Topics(cfg.Kafka.TopicPrefix)...); err != nil {
			return nil, err
		}
		store = kafkastore.New(client, cfg.Kafka.TopicPrefix)
	default:
		store = auditmemory.NewInMemoryStore()
	}

	pub := publisher.NewPublisher(store,
		publisher.WithAsyncBuffer(cfg.Audit.BufferSize),
		publisher.WithRetryWindow(cfg.Audit.RetryWindow),
		publisher.WithLogger(log),
		publisher.WithMetrics(publisher.NewMetrics()),
	)
	a.onClose(pub.Close)

	if cfg.Kafka.Materialize {
		if err := buildMaterializer(a, cfg, db, log); err != nil {
			return nil, err
		}
	}
	return pub, nil
}

// buildMaterializer copies the audit stream into the queryable table. The
// ownership topic only accepts events with an actor.
func buildMaterializer(a *app, cfg *config.Config, db *sql.DB, log *slog.Logger) error {
	topics := kafkastore.Topics(cfg.Kafka.TopicPrefix)
	client, err := kafka.NewClient(cfg.Kafka.Brokers, cfg.Kafka.ClientID+"-materializer",
		kafkaconsumer.GroupOpts(cfg.Kafka.ConsumerGroup, topics...)...)
	if err != nil {
		return err
	}
	a.onClose(func() error { client.Close(); return nil })

	pg := auditpostgres.New(db)
	router := auditconsumer.NewRouter(log, auditconsumer.NewMaterializeHandler(pg, log))
	router.Register(kafkastore.TopicFor(cfg.Kafka.TopicPrefix, audit.CategoryOwnership),
		auditconsumer.NewMaterializeHandler(pg, log, auditconsumer.RequireActor()))

	a.addRunner("audit-materializer", kafkaconsumer.New(client, router, log).Run)
	return nil
}

func buildLedgers(a *app, cfg *config.Config, log *slog.Logger) ledgerSet {
	set := ledgerSet{guards: make(map[models.LedgerKind]*ledger.Guard)}
	for _, l := range []struct {
		kind   models.LedgerKind
		cfg    config.Ledger
		submit bool
	}{
		{models.LedgerPrimary, cfg.Ledgers.Primary, true},
		{models.LedgerAnchor, cfg.Ledgers.Anchor, cfg.Issuance.AnchorOnIssue},
	} {
		if !l.cfg.Enabled {
			continue
		}
		var client ledger.Client
		switch l.cfg.Driver {
		case "evm":
			client = evm.New(evm.Config{
				Network:         l.cfg.Network,
				RPCURL:          l.cfg.RPCURL,
				ContractAddress: l.cfg.ContractAddress,
				FromAddress:     l.cfg.FromAddress,
			})
		default:
			var opts []simulated.Option
			if l.cfg.ContractAddress != "" {
				opts = append(opts, simulated.WithContract(l.cfg.ContractAddress))
			}
			sim := simulated.New(l.cfg.Network, opts...)
			a.addRunner("simulated-"+l.cfg.Network, sim.Run)
			client = sim
		}

		guard := ledger.NewGuard(client,
			ledger.WithTimeouts(l.cfg.SubmitTimeout, l.cfg.ConfirmationTimeout),
			ledger.WithMaxAttempts(cfg.Reconciler.MaxSubmitAttempts),
			ledger.WithInitialBackoff(cfg.Reconciler.RetryBackoff),
			ledger.WithBreaker(circuit.New(l.cfg.Network,
				circuit.WithFailureThreshold(l.cfg.BreakerFailures),
				circuit.WithCooldown(l.cfg.BreakerCooldown),
			)),
			ledger.WithGuardLogger(log.With("ledger", string(l.kind))),
		)
		set.guards[l.kind] = guard
		set.targets = append(set.targets, reconciler.Target{
			Kind:              l.kind,
			Client:            guard,
			Confirmations:     l.cfg.Confirmations,
			ConfirmDeadline:   l.cfg.ConfirmDeadline,
			SubmitUnsubmitted: l.submit,
		})
		log.Info("ledger configured", "ledger", string(l.kind), "network", l.cfg.Network, "driver", l.cfg.Driver)
	}
	return set
}

func buildRateLimiter(a *app, cfg *config.Config, redisClient *platformredis.Client, log *slog.Logger) *ratelimit.Middleware {
	var store ratelimit.Store
	if redisClient != nil {
		store = ratelimit.NewRedisStore(redisClient.Client, "")
	} else {
		mem := ratelimit.NewInMemoryStore()
		a.addRunner("ratelimit-sweep", func(ctx context.Context) error {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					mem.Sweep(time.Minute)
				}
			}
		})
		store = mem
	}
	return ratelimit.New(store, log,
		ratelimit.WithDisabled(cfg.RateLimit.Disabled),
		ratelimit.WithMetrics(ratelimit.NewMetrics()),
	)
}

func healthHandler(db *sql.DB, redisClient *platformredis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := map[string]string{}
		status := http.StatusOK
		if db != nil {
			checks["postgres"] = "ok"
			if err := db.PingContext(ctx); err != nil {
				checks["postgres"] = fmt.Sprintf("error: %v", err)
				status = http.StatusServiceUnavailable
			}
		}
		if redisClient != nil {
			checks["redis"] = "ok"
			if err := redisClient.Health(ctx); err != nil {
				checks["redis"] = fmt.Sprintf("error: %v", err)
				status = http.StatusServiceUnavailable
			}
		}
		httputil.WriteJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": checks})
	}
}
