// Command api serves the SprintHub webhook receiver, the admin sync API and the scheduled jobs.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/jordanlanch/funnelsync/config"
	"github.com/jordanlanch/funnelsync/pkg/api/handlers"
	"github.com/jordanlanch/funnelsync/pkg/app"
	"github.com/jordanlanch/funnelsync/pkg/archive"
	"github.com/jordanlanch/funnelsync/pkg/cache"
	"github.com/jordanlanch/funnelsync/pkg/jobs"
	"github.com/jordanlanch/funnelsync/pkg/logger"
	"github.com/jordanlanch/funnelsync/pkg/metrics"
	custommiddleware "github.com/jordanlanch/funnelsync/pkg/middleware"
	"github.com/jordanlanch/funnelsync/pkg/slack"
	"github.com/jordanlanch/funnelsync/pkg/webhook"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load configuration
	cfg := config.Load()
	log.Printf("🔧 Configuration loaded (environment: %s)", cfg.APIEnvironment)

	// Initialize Sentry for error tracking
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			TracesSampleRate: 0.2,
			AttachStacktrace: true,
		})
		if err != nil {
			log.Printf("⚠️  Failed to initialize Sentry: %v", err)
		} else {
			log.Printf("✅ Sentry initialized (environment: %s)", cfg.SentryEnvironment)
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Printf("ℹ️  Sentry disabled (no DSN configured)")
	}

	appLog := logger.New(cfg.LogLevel)
	m := metrics.New(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg, appLog, m)
	if err != nil {
		log.Fatalf("❌ Failed to start sync engine: %v", err)
	}
	defer engine.Close()

	// Redis holds the run locks and the last results
	var status *cache.StatusStore
	var redisClient *cache.Client
	if cfg.RedisURL != "" {
		redisClient, err = cache.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		status = cache.NewStatusStore(redisClient, time.Hour)
	} else {
		log.Printf("ℹ️  Redis disabled: runs are not locked and results are not stored")
	}

	var slackClient slack.SlackClient
	if cfg.SlackWebhookURL != "" {
		slackClient = slack.NewWebhookClient(cfg.SlackWebhookURL)
	}
	slackService := slack.NewService(slackClient)

	runner := newRunner(ctx, cfg, engine, status, slackService, appLog, m)

	// Webhook ingestion
	ingester := webhook.NewIngester(engine.Mapper, engine.Reconciler, webhook.Options{
		Timeout: cfg.WebhookTimeout,
		Secret:  cfg.WebhookSecret,
		Table:   cfg.DatastoreTable,
	}, appLog.With("component", "webhook"), m)
	ingester.AddHook("stage_entry", webhook.StageEntryHook(engine.Registry, slackService, appLog.With("hook", "stage_entry"), m))
	ingester.AddHook("delete_log", webhook.DeleteLogHook(appLog.With("hook", "delete_log")))

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true

	webhookRateLimiter := custommiddleware.NewRateLimiter(cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst)
	go webhookRateLimiter.Cleanup(ctx, 3*time.Minute)

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			appLog.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency.String())
			return nil
		},
	}))
	e.Use(middleware.Recover())

	if cfg.SentryDSN != "" {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic: true, // Repanic after capturing to let the Recover middleware handle it
		}))
	}

	e.Use(m.Middleware())
	e.Use(middleware.CORSWithConfig(custommiddleware.CORSConfig(cfg.CORSAllowedOrigins)))
	securityHeaders := custommiddleware.DefaultSecurityHeadersConfig()
	if cfg.IsProduction() {
		securityHeaders.HSTSMaxAge = 31536000
	}
	e.Use(custommiddleware.SecurityHeaders(securityHeaders))

	e.GET("/health", func(c echo.Context) error {
		hctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		body := map[string]any{"status": "healthy", "datastore": "up", "cache": "disabled"}
		code := http.StatusOK
		if err := engine.Store.Ping(hctx); err != nil {
			body["status"], body["datastore"] = "unhealthy", "down"
			code = http.StatusServiceUnavailable
		}
		if redisClient != nil {
			body["cache"] = "up"
			if err := redisClient.Ping(hctx); err != nil {
				body["status"], body["cache"] = "unhealthy", "down"
				code = http.StatusServiceUnavailable
			}
		}
		return c.JSON(code, body)
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	handlers.NewWebhookHandler(ingester).Register(e, webhookRateLimiter.RateLimitMiddleware())

	// Admin API
	var statusReader handlers.StatusReader
	if status != nil {
		statusReader = status
	}
	syncGroup := e.Group("/api/v1/sync",
		custommiddleware.JWTMiddleware(cfg.JWTSecret),
		custommiddleware.RequireAdmin(),
	)
	handlers.NewSyncHandler(runner, engine.Orchestrator, engine.Verifier, statusReader, 45*time.Minute).Register(syncGroup)

	// Scheduled jobs
	var cronManager *jobs.CronManager
	if cfg.CronEnabled {
		cronManager = jobs.NewCronManager(runner, jobs.Schedules{
			Sync:      cfg.SyncCron,
			SyncToday: cfg.SyncTodayCron,
			Drift:     cfg.DriftCron,
		}, cfg.Location(), appLog.With("component", "cron"))
		if err := cronManager.SetupJobs(); err != nil {
			log.Fatalf("❌ Failed to set up cron jobs: %v", err)
		}
		cronManager.Start()
	}

	address := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	log.Printf("🚀 funnelsync starting on %s", address)
	log.Printf("🛡️  Webhook rate limiting: %d req/min (burst: %d)", cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst)

	go func() {
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cronManager != nil {
		cronManager.Stop(shutdownCtx)
		log.Println("✅ Cron jobs stopped")
	}

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ Server forced to shutdown: %v", err)
	}

	// Let in-flight change-feed hooks finish
	ingester.Wait()

	log.Println("✅ Server gracefully stopped")
}

func newRunner(ctx context.Context, cfg *config.Config, engine *app.App, status *cache.StatusStore, notifier *slack.Service, appLog logger.Logger, m *metrics.Metrics) *jobs.Runner {
	var statusStore jobs.StatusStore
	if status != nil {
		statusStore = status
	}

	var uploader jobs.Uploader
	if cfg.S3Bucket != "" {
		archiver, err := archive.NewS3Archiver(ctx, archive.Config{
			Region:             cfg.AWSRegion,
			Bucket:             cfg.S3Bucket,
			Prefix:             cfg.S3Prefix,
			AWSAccessKeyID:     cfg.S3AccessKeyID,
			AWSSecretAccessKey: cfg.S3SecretAccessKey,
		}, appLog.With("component", "archive"))
		if err != nil {
			appLog.Error("drift report archive disabled", "error", err)
		} else {
			uploader = archiver
		}
	}

	return jobs.NewRunner(engine.Orchestrator, engine.Verifier, statusStore, notifier, uploader, appLog.With("component", "runner"), m)
}
