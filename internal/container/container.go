package container

import (
	"context"
	"fmt"
	"os"

	"goexp/adapters/redis"
	"goexp/adapters/sqlstore"
	"goexp/app"
	"goexp/internal"
	"goexp/internal/config"
	"goexp/internal/migration"
	"goexp/internal/rng"
	"goexp/ports"

	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
)

// Container holds all application dependencies and manages their lifecycle
type Container struct {
	Config *config.Config
	Logger *internal.Logger

	// Infrastructure
	DB    *sqlx.DB
	Redis *goredis.Client
	RNG   *rng.Factory

	// Repositories (data access layer)
	ExperimentRepo ports.ExperimentRepository
	Ledger         ports.AssignmentLedger
	BanditStore    ports.BanditStore
	ResultRepo     ports.ResultRepository

	// Services
	Engine    *app.Engine
	AutoWatch *app.AutoWinnerWatcher
}

// New creates a new dependency injection container
func New(cfg *config.Config) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	logger := internal.NewLoggerTo(os.Stderr, internal.ParseLogLevel(cfg.Log.Level), cfg.Log.Format)
	internal.DefaultLogger = logger

	return &Container{
		Config: cfg,
		Logger: logger,
		RNG:    rng.NewFactory(cfg.Bandit.Seed),
	}, nil
}

// Open connects to the configured database and initializes every component
func (c *Container) Open(ctx context.Context) error {
	db, err := sqlstore.Open(ctx, c.Config.Database.Driver, c.Config.Database.URL)
	if err != nil {
		return err
	}
	return c.InitWithDatabase(ctx, db)
}

// InitWithDatabase initializes components that require database access
func (c *Container) InitWithDatabase(ctx context.Context, db *sqlx.DB) error {
	if db == nil {
		return fmt.Errorf("database connection cannot be nil")
	}

	c.DB = db

	// Test database connection
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database connection test failed: %w", err)
	}

	if err := c.initRepositories(ctx); err != nil {
		return fmt.Errorf("failed to initialize repositories: %w", err)
	}

	c.initServices()

	c.Logger.Info("Container initialized with %s database, %s bandit backend", c.Config.Database.Driver, c.Config.Bandit.Backend)
	return nil
}

// Migrate applies the schema to the connected database
func (c *Container) Migrate(ctx context.Context) error {
	if c.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	runner := migration.NewRunner()
	if err := runner.Run(ctx, c.DB); err != nil {
		return err
	}
	c.Logger.Info("Schema %s applied", runner.Version())
	return nil
}

// initRepositories initializes data access repositories
func (c *Container) initRepositories(ctx context.Context) error {
	store := sqlstore.New(c.DB)
	experiments := sqlstore.NewExperimentRepository(store)
	ledger := sqlstore.NewAssignmentLedger(store)

	c.ExperimentRepo = experiments
	c.Ledger = ledger
	c.ResultRepo = sqlstore.NewResultRepository(store)
	c.BanditStore = ledger

	if c.Config.Bandit.Backend == config.BackendRedis {
		client, err := redis.NewClient(ctx, redis.Config{
			Addr:     c.Config.Redis.Addr,
			Password: c.Config.Redis.Password,
			DB:       c.Config.Redis.DB,
		})
		if err != nil {
			return err
		}
		c.Redis = client
		c.BanditStore = redis.NewBanditStore(client, "", experiments)
	}
	return nil
}

func (c *Container) initServices() {
	c.Engine = app.NewEngine(app.EngineDeps{
		Experiments: c.ExperimentRepo,
		Ledger:      c.Ledger,
		Bandits:     c.BanditStore,
		Results:     c.ResultRepo,
		RNG:         c.RNG,
		Logger:      c.Logger,
	})
	c.AutoWatch = app.NewAutoWinnerWatcher(c.Engine.Experiments, c.Engine.Analysis,
		c.Config.AutoWinner.Interval, c.Config.AutoWinner.Concurrency, c.Logger)
}

// Shutdown gracefully shuts down all components
func (c *Container) Shutdown(ctx context.Context) error {
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.Logger.Warn("closing redis: %v", err)
		}
	}

	// Close database connection
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
