// Package app wires the automation components from a config.Config. The
// server and worker binaries share it so both see the same stores.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/automation/action"
	"github.com/liamcoop/automation/action/handlers"
	"github.com/liamcoop/automation/audit"
	"github.com/liamcoop/automation/config"
	"github.com/liamcoop/automation/dispatch"
	"github.com/liamcoop/automation/event"
	"github.com/liamcoop/automation/internal/logger"
	"github.com/liamcoop/automation/migrations"
	"github.com/liamcoop/automation/multitenantengine"
	"github.com/liamcoop/automation/queue"
	"github.com/liamcoop/automation/rules"
	"github.com/liamcoop/automation/tenant"
	"github.com/liamcoop/automation/ticket"
	"github.com/liamcoop/automation/worker"
)

// App holds every wired component.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Redis      redis.UniversalClient
	Bus        *event.Bus
	Engines    *multitenantengine.MultiTenantEngineManager
	Dispatcher *dispatch.Dispatcher
	Queue      queue.Queue
	Audits     audit.Log
	Tickets    *ticket.Service
	Policies   ticket.PolicyStore
	Engineers  ticket.EngineerStore
	Registry   *action.Registry

	logger *slog.Logger
}

type stores struct {
	rules     rules.Provider
	queue     queue.Queue
	audits    audit.Log
	committer dispatch.Committer
	tickets   ticket.Store
	policies  ticket.PolicyStore
	engineers ticket.EngineerStore
}

// Build connects to the configured backends and wires the components. With
// no database URL every store lives in memory.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, logger: logger.Component("app")}

	var st stores
	if cfg.Database.URL != "" {
		db, err := OpenDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.DB = db
		if cfg.Database.AutoMigrate {
			if err := Migrate(cfg.Database.URL); err != nil {
				db.Close()
				return nil, err
			}
		}
		st = postgresStores(db)
		a.logger.Info("using postgres stores")
	} else {
		st = memoryStores()
		a.logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	if cfg.Redis.URL != "" {
		client, err := OpenRedis(ctx, cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = client
	}

	a.Queue = st.queue
	a.Audits = st.audits
	a.Policies = st.policies
	a.Engineers = st.engineers

	a.Bus = event.NewBus(logger.Component("bus"))
	a.Tickets = ticket.NewService(st.tickets, st.policies, st.engineers, a.Bus)
	a.Registry = handlers.NewRegistry(handlers.Options{
		WebhookTimeout: cfg.Actions.WebhookTimeout,
		Tickets:        a.Tickets,
	})

	a.Engines = multitenantengine.NewMultiTenantEngineManager(st.rules, a.Registry)
	if a.Redis != nil {
		cacheCfg := rules.CacheConfig{TTL: cfg.Redis.CacheTTL}
		a.Engines.WithCacheFactory(func(id tenant.ID) rules.RulesCache {
			return rules.NewRedisRulesCache(a.Redis, id, cacheCfg)
		})
	}

	a.Dispatcher = dispatch.New(a.Engines, st.committer).WithSystemRules(ticket.AutoEscalateRule())
	a.Bus.Subscribe(a.Dispatcher)
	return a, nil
}

func memoryStores() stores {
	q := queue.NewMemoryQueue()
	log := audit.NewMemoryLog()
	return stores{
		rules:     rules.NewMemoryProvider(),
		queue:     q,
		audits:    log,
		committer: dispatch.NewMemoryCommitter(log, q),
		tickets:   ticket.NewMemoryStore(),
		policies:  ticket.NewMemoryPolicyStore(),
		engineers: ticket.NewMemoryEngineerStore(),
	}
}

func postgresStores(db *sql.DB) stores {
	return stores{
		rules:     rules.NewPostgresProvider(db),
		queue:     queue.NewPostgresQueue(db),
		audits:    audit.NewPostgresLog(db),
		committer: dispatch.NewPostgresCommitter(db),
		tickets:   ticket.NewPostgresStore(db),
		policies:  ticket.NewPostgresPolicyStore(db),
		engineers: ticket.NewPostgresEngineerStore(db),
	}
}

// OpenDB opens and pings the Postgres pool.
func OpenDB(ctx context.Context, cfg config.DatabaseConf) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// OpenRedis parses a redis:// URL and pings the server.
func OpenRedis(ctx context.Context, url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Migrate applies the embedded migrations over a dedicated connection.
func Migrate(url string) error {
	m, err := NewMigrator(url)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// NewMigrator builds a migrate instance over the embedded SQL files. Closing
// it closes its database connection.
func NewMigrator(url string) (*migrate.Migrate, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		driver.Close()
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// WorkerConfig translates the worker section into pool settings.
func WorkerConfig(c config.WorkerConf) (worker.Config, error) {
	cfg := worker.Config{
		Workers:       c.Workers,
		BatchSize:     c.BatchSize,
		PollInterval:  c.PollInterval,
		Lease:         c.Lease,
		ActionTimeout: c.ActionTimeout,
		ReapInterval:  c.ReapInterval,
		ClaimRate:     c.ClaimRate,
		ClaimBurst:    c.ClaimBurst,
		Retry: queue.RetryPolicy{
			MaxAttempts: c.MaxAttempts,
			BaseDelay:   c.BaseDelay,
			MaxDelay:    c.MaxDelay,
		},
		Scope: queue.AllTenants(),
	}
	if c.Tenant != "" {
		id, err := tenant.New(c.Tenant)
		if err != nil {
			return worker.Config{}, fmt.Errorf("worker.tenant: %w", err)
		}
		cfg.Scope = queue.ForTenant(id)
	}
	return cfg, nil
}

// NewPool builds the worker pool over the app's queue and registry.
func (a *App) NewPool() (*worker.Pool, error) {
	cfg, err := WorkerConfig(a.Config.Worker)
	if err != nil {
		return nil, err
	}
	return worker.NewPool(a.Queue, a.Registry, cfg)
}

// Ping checks the backing stores.
func (a *App) Ping(ctx context.Context) error {
	if a.DB != nil {
		if err := a.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases connections.
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
