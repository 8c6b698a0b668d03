// Command syncmgr-server runs the knowledge ingestion engine: it wires
// the store, the connector runtime, the webhook intake, the record
// streamer and the retrieval assembler behind one HTTP server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/catherinevee/syncmgr/internal/api"
	"github.com/catherinevee/syncmgr/internal/blob"
	"github.com/catherinevee/syncmgr/internal/config"
	"github.com/catherinevee/syncmgr/internal/connector"
	"github.com/catherinevee/syncmgr/internal/connector/dropbox"
	"github.com/catherinevee/syncmgr/internal/connector/gmail"
	"github.com/catherinevee/syncmgr/internal/connector/googledrive"
	"github.com/catherinevee/syncmgr/internal/connector/linear"
	"github.com/catherinevee/syncmgr/internal/connector/servicenow"
	"github.com/catherinevee/syncmgr/internal/credentials"
	"github.com/catherinevee/syncmgr/internal/database"
	"github.com/catherinevee/syncmgr/internal/events"
	"github.com/catherinevee/syncmgr/internal/filtering"
	"github.com/catherinevee/syncmgr/internal/health"
	"github.com/catherinevee/syncmgr/internal/logger"
	"github.com/catherinevee/syncmgr/internal/processor"
	"github.com/catherinevee/syncmgr/internal/retrieval"
	"github.com/catherinevee/syncmgr/internal/store"
	"github.com/catherinevee/syncmgr/internal/streamer"
	"github.com/catherinevee/syncmgr/internal/syncpoint"
	"github.com/catherinevee/syncmgr/internal/telemetry"
	"github.com/catherinevee/syncmgr/internal/webhook"
)

const syncPointType = "records_sync_point"

func main() {
	configPath := flag.String("config", "syncmgr.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Get().WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}
	logger.Initialize(cfg.Log)
	log := logger.New("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		log.WithError(err).Error("failed to open database")
		os.Exit(1)
	}
	defer db.Close()

	st := store.NewSQLiteStore(db)
	bus := events.NewBus()
	metrics := telemetry.New()

	blobs, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		log.WithError(err).Error("failed to open blob storage")
		os.Exit(1)
	}

	creds := credentials.NewManager(tokenSourceFactory(cfg))

	registry := connector.NewRegistry()
	registerFactories(ctx, registry, db, st, bus, creds)

	for _, cc := range cfg.Connectors {
		driver, err := registry.Build(cc)
		if err != nil {
			log.WithError(err).Error("failed to build connector",
				logger.String("connector_id", cc.ID), logger.String("source", cc.Source))
			continue
		}
		if err := driver.Init(ctx); err != nil {
			// The instance stays registered so its auth state surfaces
			// through the health endpoint.
			log.WithError(err).Warn("connector init failed",
				logger.String("connector_id", cc.ID))
		}
	}

	wireMetrics(bus, metrics)

	scheduler := connector.NewScheduler(registry)
	scheduler.Start(ctx)

	signer, err := api.NewSigner(cfg.Signing)
	if err != nil {
		log.WithError(err).Error("failed to configure stream signing")
		os.Exit(1)
	}

	server := api.NewServer(api.Deps{
		Registry:  registry,
		Scheduler: scheduler,
		Intake:    webhook.NewIntake(scheduler, cfg.Connectors),
		Streamer:  streamer.New(registry, st, cfg.Streamer),
		Assembler: retrieval.New(blobs, cfg.Retrieval),
		Signer:    signer,
		Health:    health.New(registry, st),
		Metrics:   metrics,
		Store:     st,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("listening", logger.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}

	for _, d := range registry.All() {
		if err := d.Cleanup(shutdownCtx); err != nil {
			log.WithError(err).Warn("connector cleanup failed",
				logger.String("connector_id", d.ID()))
		}
	}
}

// registerFactories binds every supported source to its constructor.
// Each instance gets its own processor, filter engine and sync point
// manager scoped to its connector id.
func registerFactories(ctx context.Context, registry *connector.Registry,
	db *sql.DB, st store.Store, bus *events.Bus, creds *credentials.Manager) {

	baseDeps := func(cc config.ConnectorConfig) (syncpoint.Manager, *processor.Processor, *filtering.Engine) {
		filters := filtering.NewEngine(cc.Filters)
		proc := processor.New(st, bus, filters, cc.OrgID, cc.ID, cc.Name)
		points := syncpoint.NewSQLiteManager(db, cc.ID, cc.OrgID, syncPointType)
		return points, proc, filters
	}

	registry.RegisterFactory("dropbox", func(cc config.ConnectorConfig) (connector.Driver, error) {
		points, proc, filters := baseDeps(cc)
		return dropbox.New(cc, dropbox.Deps{SyncPoints: points, Processor: proc, Filters: filters})
	})

	registry.RegisterFactory("googledrive", func(cc config.ConnectorConfig) (connector.Driver, error) {
		points, proc, filters := baseDeps(cc)
		return googledrive.New(ctx, cc, googledrive.Deps{
			SyncPoints: points, Processor: proc, Filters: filters,
			ClientOptions: googleClientOptions(ctx, cc, creds),
		})
	})

	registry.RegisterFactory("gmail", func(cc config.ConnectorConfig) (connector.Driver, error) {
		points, proc, filters := baseDeps(cc)
		return gmail.New(ctx, cc, gmail.Deps{
			SyncPoints: points, Processor: proc, Filters: filters,
			ClientOptions: googleClientOptions(ctx, cc, creds),
		})
	})

	registry.RegisterFactory("linear", func(cc config.ConnectorConfig) (connector.Driver, error) {
		points, proc, filters := baseDeps(cc)
		return linear.New(cc, linear.Deps{SyncPoints: points, Processor: proc, Filters: filters})
	})

	registry.RegisterFactory("servicenow", func(cc config.ConnectorConfig) (connector.Driver, error) {
		points, proc, filters := baseDeps(cc)
		return servicenow.New(cc, servicenow.Deps{SyncPoints: points, Processor: proc, Filters: filters})
	})
}

// googleClientOptions picks the auth mode for a Google connector:
// a service-account credentials file when configured, otherwise the
// cached OAuth grant from the credential manager.
func googleClientOptions(ctx context.Context, cc config.ConnectorConfig, creds *credentials.Manager) []option.ClientOption {
	if file := cc.Settings["credentials_file"]; file != "" {
		return []option.ClientOption{option.WithCredentialsFile(file)}
	}
	if cc.Settings["refresh_token"] != "" {
		key := credentials.Key{OrgID: cc.OrgID, UserID: cc.Settings["user_id"], ConnectorID: cc.ID}
		return []option.ClientOption{option.WithHTTPClient(creds.Client(ctx, key))}
	}
	// Fall through to application default credentials.
	return nil
}

// tokenSourceFactory builds refreshing token sources from the refresh
// tokens stored in connector settings.
func tokenSourceFactory(cfg *config.Config) credentials.SourceFactory {
	byID := make(map[string]config.ConnectorConfig, len(cfg.Connectors))
	for _, cc := range cfg.Connectors {
		byID[cc.ID] = cc
	}
	return func(ctx context.Context, key credentials.Key) (oauth2.TokenSource, error) {
		cc := byID[key.ConnectorID]
		conf := &oauth2.Config{
			ClientID:     cc.Settings["client_id"],
			ClientSecret: cc.Settings["client_secret"],
			Endpoint:     google.Endpoint,
		}
		if tokenURL := cc.Settings["token_url"]; tokenURL != "" {
			conf.Endpoint = oauth2.Endpoint{TokenURL: tokenURL}
		}
		return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cc.Settings["refresh_token"]}), nil
	}
}

// wireMetrics folds domain events into the Prometheus counters.
func wireMetrics(bus *events.Bus, metrics *telemetry.Metrics) {
	bus.Subscribe(func(e events.Event) {
		switch e.Type {
		case events.RecordCreated, events.RecordContentUpdated,
			events.RecordMetadataUpdated, events.RecordPermissionsUpdated:
			metrics.RecordsUpserted.WithLabelValues(e.ConnectorID).Inc()
		case events.RecordDeleted:
			metrics.RecordsDeleted.WithLabelValues(e.ConnectorID).Inc()
		}
	})
}
