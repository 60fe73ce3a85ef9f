package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"warden/internal/analytics"
	"warden/internal/bus"
	"warden/internal/config"
	"warden/internal/control"
	"warden/internal/detect"
	"warden/internal/geo"
	"warden/internal/health"
	"warden/internal/logging"
	"warden/internal/session"
	"warden/internal/storage"
	"warden/internal/telemetry"
)

func main() {
	// A .env file can seed the WARDEN_* overrides; absence is fine.
	_ = godotenv.Load()

	configPath := flag.String("config", "configs/warden.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := logging.New(os.Stdout, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	slog.SetDefault(logger)

	slog.Info("starting warden",
		"version", "0.1.0",
		"detection_enabled", cfg.Enabled,
		"control_listen", cfg.Control.Listen,
		"session_store", cfg.Session.Store,
	)

	// Event bus feeds the audit journal and the control stream.
	events := bus.New(256)

	// Error recorder mirrors into Prometheus and onto the bus.
	recorder := health.NewRecorder()
	metrics := analytics.NewMetrics(nil)
	stats := analytics.New(analytics.Config{Metrics: metrics})
	recorder.OnRecord(func(kind health.Kind, err error) {
		metrics.RecordError(string(kind))
		data := map[string]interface{}{"kind": string(kind)}
		if err != nil {
			data["error"] = err.Error()
		}
		events.Publish(bus.TypeError, data)
	})

	// Initialize session store based on configuration
	var store session.Store
	switch cfg.Session.Store {
	case "redis":
		redisStore, err := session.NewRedisStore(session.RedisConfig{
			Addr:      cfg.Session.Redis.Addr,
			Password:  cfg.Session.Redis.Password,
			DB:        cfg.Session.Redis.DB,
			KeyPrefix: cfg.Session.Redis.KeyPrefix,
		}, cfg.Cache.SessionTimeout)
		if err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		store = redisStore
		slog.Info("using Redis session store", "addr", cfg.Session.Redis.Addr)
	default:
		memStore, err := session.NewMemoryStore(cfg.Cache.MaxSessions, cfg.Cache.SessionTimeout)
		if err != nil {
			slog.Error("failed to create session store", "error", err)
			os.Exit(1)
		}
		store = memStore
		slog.Info("using in-memory session store", "max_sessions", cfg.Cache.MaxSessions)
	}

	sessions := session.NewManager(store, cfg.Cache.SessionTimeout, cfg.Cache.CleanupInterval)
	sessions.OnExpire(func(ips []string) {
		stats.RecordSessionExpiry(len(ips))
		events.Publish(bus.TypeSessionExpired, map[string]interface{}{"count": len(ips)})
	})

	// Initialize SQLite storage for detections and the audit journal
	var sqliteStore *storage.SQLiteStore
	if cfg.Storage.Enabled {
		dataDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			slog.Error("failed to create data directory", "error", err, "path", dataDir)
			os.Exit(1)
		}

		sqliteStore, err = storage.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			slog.Error("failed to initialize SQLite storage", "error", err)
			os.Exit(1)
		}
		slog.Info("detection storage enabled",
			"path", cfg.Storage.Path,
			"retention_days", cfg.Storage.RetentionDays,
		)
	}

	// Initialize telemetry (graceful degradation if initialization fails)
	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled",
				"exporter", cfg.Telemetry.Exporter,
				"endpoint", cfg.Telemetry.Endpoint,
			)
		}
	}

	// Select the geo resolver. A missing database degrades to simulated
	// lookups rather than refusing to start.
	var resolver geo.Resolver
	var maxmind *geo.MaxMindResolver
	if cfg.Geo.Resolver == "maxmind" {
		maxmind, err = geo.NewMaxMindResolver(cfg.Geo.DatabasePath, cfg.Geo.ASNDatabasePath)
		if err != nil {
			slog.Warn("MaxMind databases unavailable, using simulated lookups", "error", err)
			maxmind = nil
		} else {
			resolver = maxmind
			slog.Info("MaxMind geo resolver enabled",
				"city_db", cfg.Geo.DatabasePath,
				"asn_db", cfg.Geo.ASNDatabasePath,
			)
		}
	}

	// Build the detection engine
	engine, err := detect.New(cfg, detect.Options{
		Sessions:  sessions,
		Resolver:  resolver,
		Recorder:  recorder,
		Telemetry: tp,
		Analytics: stats,
		Storage:   sqliteStore,
		Bus:       events,
	})
	if err != nil {
		slog.Error("failed to build detection engine", "error", err)
		os.Exit(1)
	}

	// Health monitor over the recorder plus component probes
	monitor := health.NewMonitor(recorder)
	monitor.RegisterCheck("geoAnalyzer", engine.Geo().HealthCheck())
	monitor.RegisterCheck("circuitBreakers", health.BreakerCheck(engine.Geo().Breaker().State))

	// Runtime settings overlay lives next to the database
	dataDir := "data"
	if cfg.Storage.Enabled {
		dataDir = filepath.Dir(cfg.Storage.Path)
	}
	settings, err := config.NewSettingsStore(dataDir, cfg)
	if err != nil {
		slog.Error("failed to load runtime settings", "error", err)
		os.Exit(1)
	}

	// Start the background loops: session sweep, whitelist sweep, audit
	// journal, storage retention.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sessions.Run(ctx)
	go engine.Whitelist().Run(ctx)

	if sqliteStore != nil {
		journal := storage.NewJournal(sqliteStore, events)
		go journal.Run(ctx)
		go runRetention(ctx, sqliteStore, cfg.Storage.RetentionDays)
	}

	// Initialize control API
	controlHandler := control.New(control.Deps{
		Engine:    engine,
		Monitor:   monitor,
		Analytics: stats,
		Settings:  settings,
		Store:     sqliteStore,
		Events:    events,
		Auth:      cfg.Control.Auth,
	})

	var controlServer *http.Server
	if cfg.Control.Enabled {
		controlServer = &http.Server{
			Addr:         cfg.Control.Listen,
			Handler:      controlHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // Disable for the event stream
			IdleTimeout:  60 * time.Second,
		}
	}

	// Start servers
	errChan := make(chan error, 1)

	if controlServer != nil {
		go func() {
			slog.Info("control server starting", "addr", cfg.Control.Listen)
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("control server error: %w", err)
			}
		}()
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	slog.Info("shutting down")
	cancel() // Stop background loops

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if controlServer != nil {
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("control server shutdown error", "error", err)
		}
	}

	// Closing the bus ends any remaining stream subscribers.
	events.Close()

	if err := sessions.Close(); err != nil {
		slog.Error("session store close error", "error", err)
	}

	if sqliteStore != nil {
		if err := sqliteStore.Close(); err != nil {
			slog.Error("SQLite close error", "error", err)
		}
	}

	if maxmind != nil {
		if err := maxmind.Close(); err != nil {
			slog.Error("geo database close error", "error", err)
		}
	}

	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("warden stopped")
}

// runRetention prunes old detections and audit events once a day.
func runRetention(ctx context.Context, store *storage.SQLiteStore, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if deleted, err := store.Cleanup(retentionDays); err != nil {
				slog.Warn("detection cleanup failed", "error", err)
			} else if deleted > 0 {
				slog.Info("old detections removed", "count", deleted)
			}
			if deleted, err := store.CleanupEvents(retentionDays); err != nil {
				slog.Warn("event cleanup failed", "error", err)
			} else if deleted > 0 {
				slog.Info("old audit events removed", "count", deleted)
			}
		}
	}
}
