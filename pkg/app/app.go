// Package app builds the sync engine from configuration. The API server and
// the command line tools share it so they wire the same components.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jordanlanch/funnelsync/config"
	"github.com/jordanlanch/funnelsync/pkg/batchsync"
	"github.com/jordanlanch/funnelsync/pkg/crm"
	"github.com/jordanlanch/funnelsync/pkg/database"
	"github.com/jordanlanch/funnelsync/pkg/datastore"
	"github.com/jordanlanch/funnelsync/pkg/drift"
	"github.com/jordanlanch/funnelsync/pkg/funnels"
	"github.com/jordanlanch/funnelsync/pkg/logger"
	"github.com/jordanlanch/funnelsync/pkg/metrics"
	"github.com/jordanlanch/funnelsync/pkg/opportunity"
	"github.com/jordanlanch/funnelsync/pkg/reconciler"
	"github.com/jordanlanch/funnelsync/pkg/secrets"
)

// App holds the wired engine
type App struct {
	Config       *config.Config
	Credentials  config.Credentials
	Log          logger.Logger
	Metrics      *metrics.Metrics
	Registry     *funnels.Registry
	Mapper       *opportunity.Mapper
	CRM          *crm.Client
	Store        datastore.Store
	Reconciler   *reconciler.Reconciler
	Orchestrator *batchsync.Orchestrator
	Verifier     *drift.Verifier

	db *database.Client
}

// New validates cfg, resolves credentials and builds every component.
// m may be nil when metrics are not exported.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, m *metrics.Metrics) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	manager, err := secrets.NewManager(secrets.Config{
		Backend:       cfg.SecretsBackend,
		AWSRegion:     cfg.AWSRegion,
		Prefix:        cfg.SecretsPrefix,
		CacheDuration: cfg.SecretsCacheDuration,
	})
	if err != nil {
		return nil, err
	}
	creds, err := secrets.ResolveCredentials(ctx, manager, cfg.SecretsCacheDuration, time.Now())
	if err != nil {
		return nil, err
	}

	registry, err := funnels.Load(cfg.FunnelsConfigPath)
	if err != nil {
		return nil, err
	}
	mapper := opportunity.NewMapper(registry, log, cfg.Location())

	crmClient := crm.NewClient(crm.Options{
		BaseURL:   cfg.CRMBaseURL,
		PageSize:  cfg.CRMPageSize,
		PageDelay: cfg.CRMPageDelay,
		Timeout:   cfg.CRMTimeout,
	}, creds, log.With("component", "crm"), m)

	a := &App{
		Config:      cfg,
		Credentials: creds,
		Log:         log,
		Metrics:     m,
		Registry:    registry,
		Mapper:      mapper,
		CRM:         crmClient,
	}

	if err := a.openStore(creds); err != nil {
		return nil, err
	}

	a.Reconciler = reconciler.New(a.Store, log.With("component", "reconciler"), m)
	a.Orchestrator = batchsync.New(crmClient, a.Reconciler, mapper, cfg.SyncConcurrency, log.With("component", "batchsync"), m)
	a.Verifier = drift.NewVerifier(crmClient, a.Store, mapper, cfg.DriftAlertThreshold, log.With("component", "drift"), m)

	log.Info("engine ready",
		"datastore", cfg.DatastoreBackend,
		"funnels", len(registry.Funnels()),
		"timezone", cfg.SyncTimezone,
		"credentials_expire", !creds.ExpiresAt.IsZero())
	return a, nil
}

func (a *App) openStore(creds config.Credentials) error {
	cfg := a.Config
	storeLog := a.Log.With("component", "datastore")

	switch cfg.DatastoreBackend {
	case "postgres":
		pool := database.DefaultPoolConfig()
		if cfg.DBMaxOpenConns > 0 {
			pool.MaxOpenConns = cfg.DBMaxOpenConns
		}
		db, err := database.Open("postgres", cfg.DatabaseURL, pool, &database.SSLConfig{
			Mode:         cfg.DBSSLMode,
			CertPath:     cfg.DBSSLCertPath,
			KeyPath:      cfg.DBSSLKeyPath,
			RootCertPath: cfg.DBSSLRootCertPath,
		})
		if err != nil {
			return err
		}
		store, err := datastore.NewSQLStore(db.DB, datastore.SQLOptions{
			Driver:       "postgres",
			Table:        cfg.DatastoreTable,
			ReadTimeout:  cfg.DatastoreReadTimeout,
			WriteTimeout: cfg.DatastoreWriteTimeout,
		}, storeLog, a.Metrics)
		if err != nil {
			db.Close()
			return err
		}
		a.db = db
		a.Store = store
	case "postgrest":
		if creds.DatastoreBearer() == "" {
			return fmt.Errorf("%s or %s is required for the postgrest backend", secrets.KeyDatastoreAPIKey, secrets.KeyDatastoreServiceToken)
		}
		a.Store = datastore.NewClient(datastore.Options{
			BaseURL:      cfg.DatastoreURL,
			Table:        cfg.DatastoreTable,
			Schema:       cfg.DatastoreSchema,
			ReadTimeout:  cfg.DatastoreReadTimeout,
			WriteTimeout: cfg.DatastoreWriteTimeout,
		}, creds, storeLog, a.Metrics)
	default:
		return fmt.Errorf("unsupported datastore backend: %s", cfg.DatastoreBackend)
	}
	return nil
}

// Close releases the database pool, if any
func (a *App) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}
