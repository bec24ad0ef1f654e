package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"sheetcore/internal/artifact"
	"sheetcore/internal/clock"
	"sheetcore/internal/config"
	"sheetcore/internal/editor"
	"sheetcore/internal/export"
	"sheetcore/internal/logging"
	"sheetcore/internal/metrics"
	"sheetcore/internal/persistence"
	"sheetcore/internal/session"
)

// app is one opened session with everything wired around it.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	registry *prometheus.Registry
	stats    *metrics.Expvar
	metrics  metrics.Recorder
	gateway  *persistence.Gateway
	surface  *editor.Surface
	session  *session.Store
	pipeline *export.Pipeline
}

// loadEnv reads a dotenv file. A missing default file is not an error.
func loadEnv(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err != nil && !explicit && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	registry := prometheus.NewRegistry()
	prom, err := metrics.NewPrometheus(registry, cfg.Metrics.Namespace)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	// expvar names are process-global; let the recorder pick a unique one.
	stats := metrics.NewExpvar("")
	rec := metrics.Fanout{prom, stats}

	gw, err := persistence.Open(ctx, cfg.Storage, cfg.Session.Owner, persistence.Options{Logger: logger, Metrics: rec})
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	surface := editor.NewSurface(0, 0)
	clk := clock.Real()
	sess := session.New(gw, surface, session.Options{
		Owner:       cfg.Session.Owner,
		Debounce:    cfg.Autosave.Debounce(),
		Clock:       clk,
		Thumbnailer: export.Thumbnailer{},
		Logger:      logger,
		Metrics:     rec,
	})
	if err := sess.Init(ctx); err != nil {
		_ = sess.Teardown(ctx)
		_ = gw.Close()
		_ = logger.Close()
		return nil, err
	}
	pipeline := export.New(sess, export.Options{
		Geometry: export.PageGeometry{
			WidthMM:  cfg.Export.PageWidthMM,
			HeightMM: cfg.Export.PageHeightMM,
			MarginMM: cfg.Export.MarginMM,
		},
		Title:   cfg.Export.Title,
		Scale:   cfg.Export.Scale,
		Settle:  cfg.Export.Settle(),
		Clock:   clk,
		Logger:  logger,
		Metrics: rec,
	})
	return &app{
		cfg:      cfg,
		log:      logger,
		registry: registry,
		stats:    stats,
		metrics:  rec,
		gateway:  gw,
		surface:  surface,
		session:  sess,
		pipeline: pipeline,
	}, nil
}

func (a *app) publisher(ctx context.Context) (*export.Publisher, error) {
	store, err := artifact.Open(ctx, a.cfg.Artifacts)
	if err != nil {
		return nil, err
	}
	return &export.Publisher{
		Store:   store,
		Owner:   a.cfg.Session.Owner,
		Logger:  a.log,
		Metrics: a.metrics,
	}, nil
}

// close flushes pending edits and releases every resource.
func (a *app) close(ctx context.Context) error {
	err := a.session.Teardown(ctx)
	if cause := a.gateway.TripCause(); cause != nil {
		a.log.Warn("session ended on fallback storage", "backend", a.gateway.Backend(), "cause", cause)
	}
	err = errors.Join(err, a.gateway.Close())
	return errors.Join(err, a.log.Close())
}
