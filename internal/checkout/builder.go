package checkout

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	checkoutdb "esimcheckout/internal/db/checkout"
	"esimcheckout/internal/reliability"
	"esimcheckout/internal/telemetry"
)

// Dependency names label the guard of each collaborator.
const (
	DependencyPricing     = "pricing"
	DependencyProvisioner = "provisioner"
	DependencyIdentity    = "identity"
	DependencyUsers       = "users"
)

// BuildConfig carries everything BuildWorkflow needs. Nil collaborators get
// the in-memory development stand-ins only when AllowDevStandIns is set;
// otherwise they stay unwired and their operations fail with
// ErrNotInitialized.
type BuildConfig struct {
	DatabaseURL string
	// OpenDB defaults to a traced pgx handle.
	OpenDB func(dsn string) (*sql.DB, error)

	Cache       Cache
	Pricing     PricingEngine
	Provisioner Provisioner
	Identity    IdentityProvider
	Users       UserRepository
	Events      EventPublisher
	Recorder    Recorder

	// AllowDevStandIns installs the fixed-OTP identity provider, the static
	// pricing engine and the accepting provisioner for missing collaborators.
	AllowDevStandIns bool

	Reliability     reliability.Config
	OnRateLimitWait func(time.Duration)
	OnBreakerChange func(dependency string, from, to reliability.State)

	Workflow          WorkflowConfig
	MaxUpdateAttempts int
}

// BuildWorkflow wires a Workflow from cfg. If the DSN is empty or Postgres
// initialization fails it falls back to the in-memory durable store. The
// returned cleanup closes any external resources.
func BuildWorkflow(ctx context.Context, cfg BuildConfig, logger *slog.Logger) (*Workflow, func()) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OpenDB == nil {
		cfg.OpenDB = func(dsn string) (*sql.DB, error) {
			return telemetry.OpenDB(telemetry.PostgresDriver, dsn)
		}
	}

	cleanup := func() {}
	var durable DurableStore = NewMemoryDurableStore()

	if cfg.DatabaseURL != "" {
		sqlDB, err := cfg.OpenDB(cfg.DatabaseURL)
		if err != nil {
			logger.Warn("postgres open failed, falling back to in-memory sessions", "error", err)
		} else {
			setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			pg, err := checkoutdb.NewPostgresSessionStoreWithSchema(setupCtx, sqlDB)
			if err != nil {
				logger.Warn("postgres init failed, falling back to in-memory sessions", "error", err)
				_ = sqlDB.Close()
			} else {
				logger.Info("postgres sessions enabled")
				durable = pg
				cleanup = func() {
					if err := sqlDB.Close(); err != nil {
						logger.Warn("close postgres", "error", err)
					}
				}
			}
		}
	}

	var recorder Recorder = nopRecorder{}
	if cfg.Recorder != nil {
		recorder = cfg.Recorder
	}

	storeOpts := []StoreOption{WithStoreLogger(logger), WithStoreRecorder(recorder)}
	if cfg.MaxUpdateAttempts > 0 {
		storeOpts = append(storeOpts, WithMaxUpdateAttempts(cfg.MaxUpdateAttempts))
	}
	store := NewStore(durable, cfg.Cache, storeOpts...)

	collab := defaultCollaborators(cfg, logger)
	hooks := reliability.Hooks{
		OnRateLimitWait: cfg.OnRateLimitWait,
		OnBreakerChange: func(dependency string, from, to reliability.State) {
			logger.Warn("checkout circuit breaker changed", "dependency", dependency, "from", from.String(), "to", to.String())
			if cfg.OnBreakerChange != nil {
				cfg.OnBreakerChange(dependency, from, to)
			}
		},
	}
	// One breaker per collaborator.
	guard := func(dependency string) reliability.Guard {
		return reliability.NewGuard(dependency, cfg.Reliability, hooks)
	}
	if collab.Pricing != nil {
		collab.Pricing = NewReliablePricingEngine(collab.Pricing, guard(DependencyPricing))
	}
	if collab.Provisioner != nil {
		collab.Provisioner = NewReliableProvisioner(collab.Provisioner, guard(DependencyProvisioner))
	}
	if collab.Identity != nil {
		collab.Identity = NewReliableIdentityProvider(collab.Identity, guard(DependencyIdentity))
	}
	if collab.Users != nil {
		collab.Users = NewReliableUserRepository(collab.Users, guard(DependencyUsers))
	}

	return NewWorkflow(store, collab, cfg.Workflow, logger, WithRecorder(recorder)), cleanup
}

func defaultCollaborators(cfg BuildConfig, logger *slog.Logger) Collaborators {
	c := Collaborators{
		Pricing:     cfg.Pricing,
		Provisioner: cfg.Provisioner,
		Identity:    cfg.Identity,
		Users:       cfg.Users,
		Events:      cfg.Events,
	}
	if !cfg.AllowDevStandIns {
		for dependency, missing := range map[string]bool{
			DependencyPricing:     c.Pricing == nil,
			DependencyProvisioner: c.Provisioner == nil,
			DependencyIdentity:    c.Identity == nil,
			DependencyUsers:       c.Users == nil,
		} {
			if missing {
				logger.Warn("checkout collaborator not configured", "dependency", dependency)
			}
		}
		return c
	}

	if c.Pricing == nil {
		logger.Info("no pricing engine configured, using the static rate")
		c.Pricing = StaticPricingEngine{}
	}
	if c.Provisioner == nil {
		logger.Info("no provisioning endpoint configured, accepting every bundle")
		c.Provisioner = AcceptingProvisioner{}
	}
	if c.Identity == nil || c.Users == nil {
		users := NewMemoryUserRepository()
		if c.Users == nil {
			c.Users = users
		}
		if c.Identity == nil {
			logger.Info("no identity provider configured, OTPs are logged")
			c.Identity = NewMemoryIdentityProvider(users, logger)
		}
	}
	return c
}
