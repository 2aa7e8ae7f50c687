package main

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/witlox/crisp/internal/access"
	"github.com/witlox/crisp/internal/anonymization"
	"github.com/witlox/crisp/internal/api"
	"github.com/witlox/crisp/internal/audit"
	"github.com/witlox/crisp/internal/config"
	"github.com/witlox/crisp/internal/events"
	"github.com/witlox/crisp/internal/notify"
	"github.com/witlox/crisp/internal/sharing"
	"github.com/witlox/crisp/internal/trust"
	"github.com/witlox/crisp/pkg/memstore"
	"github.com/witlox/crisp/pkg/metrics"
	"github.com/witlox/crisp/pkg/opa"
	"github.com/witlox/crisp/pkg/postgres"
	"github.com/witlox/crisp/pkg/ratelimit"
	"github.com/witlox/crisp/pkg/vault"
)

// application holds the wired services and everything that must be closed
// on shutdown.
type application struct {
	services   *api.Services
	health     *api.HealthChecker
	limiter    ratelimit.Limiter
	apiMetrics *metrics.APIMetrics
	closers    []func() error
	logger     *zap.Logger
}

func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}

type repositories struct {
	trust trust.Repository
	audit audit.Repository
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, tracer trace.Tracer) (*application, error) {
	app := &application{
		health: api.NewHealthChecker(logger),
		logger: logger,
	}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	repos, err := openStorage(ctx, cfg, logger, app)
	if err != nil {
		return nil, err
	}

	salt, err := saltProvider(ctx, cfg, logger, app)
	if err != nil {
		return nil, err
	}

	app.limiter, err = newLimiter(cfg)
	if err != nil {
		return nil, err
	}

	app.apiMetrics = metrics.NewAPIMetrics(cfg.Version)
	trustMetrics := metrics.NewTrustMetrics()
	accessMetrics := metrics.NewAccessMetrics()
	sharingMetrics := metrics.NewSharingMetrics()

	notifier, err := newNotifier(cfg, logger, app)
	if err != nil {
		return nil, err
	}

	var auditSvc audit.Service
	if cfg.Audit.SIEM.Enabled {
		siem := cfg.Audit.SIEM
		auditSvc = audit.NewServiceWithSIEM(repos.audit, &siem, logger)
	} else {
		auditSvc = audit.NewService(repos.audit, nil, logger)
	}

	security := events.NewSecurityObserver(events.SecurityConfig{
		Window:    cfg.Security.Window,
		Threshold: cfg.Security.Threshold,
	}, notifier, logger)

	bus := events.NewBus(logger, trustMetrics)
	bus.Register(events.NewAuditObserver(auditSvc))
	bus.Register(events.NewMetricsObserver(trustMetrics))
	bus.Register(security)
	bus.Register(events.NewNotificationObserver(notifier, logger))

	trustSvc := trust.NewService(repos.trust, bus, logger)
	if _, err := trustSvc.EnsureDefaultTrustLevels(ctx); err != nil {
		return nil, fmt.Errorf("seed trust levels: %w", err)
	}

	manager, err := newAccessManager(ctx, cfg, logger, accessMetrics, app.limiter, security, app.health)
	if err != nil {
		return nil, err
	}
	accessSvc := access.NewService(trustSvc, manager,
		access.WithPublisher(bus),
		access.WithMetrics(accessMetrics),
		access.WithTracer(tracer),
		access.WithLogger(logger),
	)

	transport := sharing.NewGuardedTransport(sharing.NewMemoryTransport(nil), cfg.TAXII.Breaker, sharingMetrics, logger)
	sharingSvc, err := sharing.NewService(trustSvc, accessSvc, transport, sharing.Config{
		CollectionID:     cfg.TAXII.CollectionID,
		StrictValidation: cfg.STIX.StrictValidation,
		Rules:            cfg.Anonymization.Rules,
	},
		sharing.WithSaltProvider(salt),
		sharing.WithPublisher(bus),
		sharing.WithMetrics(sharingMetrics),
		sharing.WithTracer(tracer),
		sharing.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create sharing service: %w", err)
	}

	app.services = &api.Services{
		Trust:   trustSvc,
		Access:  accessSvc,
		Sharing: sharingSvc,
		Audit:   auditSvc,
	}

	logger.Info("services initialized",
		zap.Strings("observers", bus.Observers()),
		zap.Strings("access_chain", manager.Chain()),
	)
	ok = true
	return app, nil
}

func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger, app *application) (*repositories, error) {
	if cfg.Storage.Driver != config.StoragePostgres {
		logger.Warn("using in-memory storage; state is lost on restart")
		return &repositories{
			trust: memstore.NewTrustRepository(),
			audit: memstore.NewAuditRepository(),
		}, nil
	}

	db, err := postgres.New(ctx, &postgres.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.Username,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	app.closers = append(app.closers, db.Close)
	app.health.Register("postgres", db.HealthCheck)

	if cfg.Storage.Migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("database migrations applied")
	}

	return &repositories{
		trust: postgres.NewTrustRepository(db),
		audit: postgres.NewAuditRepository(db),
	}, nil
}

func saltProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger, app *application) (anonymization.SaltProvider, error) {
	if !cfg.Vault.Enabled {
		if cfg.Anonymization.Salt == "" {
			logger.Warn("anonymization salt is empty; organization pseudonyms are unsalted")
		}
		return anonymization.StaticSalt(cfg.Anonymization.Salt), nil
	}

	vc := cfg.Vault.Config
	client, err := vault.New(ctx, &vc, logger)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	app.health.Register("vault", func(ctx context.Context) error {
		status, err := client.Health(ctx)
		if err != nil {
			return err
		}
		if status.Sealed {
			return fmt.Errorf("vault is sealed")
		}
		return nil
	})

	source := vault.NewSaltSource(client, cfg.Anonymization.VaultSalt)
	if _, err := source.Salt(ctx); err != nil {
		return nil, fmt.Errorf("read anonymization salt: %w", err)
	}
	return source, nil
}

func newLimiter(cfg *config.Config) (ratelimit.Limiter, error) {
	if cfg.Redis.Addr == "" {
		return ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{}), nil
	}
	limiter, err := ratelimit.NewRedisLimiter(ratelimit.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("create redis limiter: %w", err)
	}
	return limiter, nil
}

func newNotifier(cfg *config.Config, logger *zap.Logger, app *application) (events.Notifier, error) {
	logNotifier := notify.NewLogNotifier(logger)
	if len(cfg.Kafka.Brokers) == 0 {
		return logNotifier, nil
	}

	kafka, err := notify.NewKafkaNotifier(cfg.Kafka, logger)
	if err != nil {
		return nil, fmt.Errorf("create kafka notifier: %w", err)
	}
	app.closers = append(app.closers, kafka.Close)
	logger.Info("kafka notifications enabled",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.Topic),
	)
	return notify.Multi{logNotifier, kafka}, nil
}

func newAccessManager(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.AccessMetrics, limiter ratelimit.Limiter, failures access.FailureCounter, health *api.HealthChecker) (*access.Manager, error) {
	manager := access.NewManager(logger, m)
	manager.Register(access.NewTrustLevelStrategy(cfg.Access.MinimumTrustLevel))
	manager.Register(access.CommunityStrategy{})
	manager.Register(access.TimeBasedStrategy{})
	manager.Register(access.NewTrustBasedAccessControl(cfg.Access.TrustBased))
	if cfg.Access.Group != "" {
		manager.Register(access.NewGroupBasedAccessControl(cfg.Access.Group))
	}

	contextAware, err := access.NewContextAwareAccessControl(cfg.Access.ContextAware, limiter, failures)
	if err != nil {
		return nil, fmt.Errorf("context aware access: %w", err)
	}
	manager.Register(contextAware)

	if len(cfg.Access.Policy.Rules) > 0 {
		policy, err := access.NewPolicyBasedAccessControl(cfg.Access.Policy, logger)
		if err != nil {
			return nil, fmt.Errorf("policy based access: %w", err)
		}
		manager.Register(policy)
	}

	if cfg.Access.RegoModule != "" {
		module, err := os.ReadFile(cfg.Access.RegoModule)
		if err != nil {
			return nil, fmt.Errorf("read rego module: %w", err)
		}
		rego, err := access.NewRegoAccessControl(ctx, string(module), cfg.Access.RegoQuery)
		if err != nil {
			return nil, fmt.Errorf("rego access: %w", err)
		}
		manager.Register(rego)
	}

	if cfg.Access.OPA.Address != "" {
		client := opa.NewClient(cfg.Access.OPA.Address, opa.WithTimeout(cfg.Access.OPA.Timeout))
		manager.Register(access.NewRemoteOPAAccessControl(client, cfg.Access.OPA.Path))
		if health != nil {
			health.Register("opa", client.Health)
		}
	}

	if err := manager.SetChain(cfg.Access.Chain...); err != nil {
		return nil, err
	}
	return manager, nil
}
