package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bizzybee90/bizzybee/internal/pipeline"
	"github.com/bizzybee90/bizzybee/internal/registry"
	"github.com/bizzybee90/bizzybee/internal/store"
	anthropicpkg "github.com/bizzybee90/bizzybee/pkg/anthropic"
	"github.com/bizzybee90/bizzybee/pkg/firecrawl"
	"github.com/bizzybee90/bizzybee/pkg/geocode"
	"github.com/bizzybee90/bizzybee/pkg/jina"
	"github.com/bizzybee90/bizzybee/pkg/nylas"
)

// appEnv holds the initialized store, clients and pipeline shared by the
// serve/import/watchdog commands.
type appEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured database backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		st, err := store.NewSQLite(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "open sqlite store")
		}
		zap.L().Info("store initialized", zap.String("driver", "sqlite"))
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, eris.Wrap(err, "open postgres store")
		}
		zap.L().Info("store initialized", zap.String("driver", "postgres"))
		return st, nil
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initEnv sets up the store, provider clients and the pipeline. Callers
// should defer env.Close().
func initEnv(ctx context.Context, command string) (*appEnv, error) {
	if err := cfg.Validate(command); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	nylasClient := nylas.NewClient(cfg.Nylas.Key,
		nylas.WithBaseURL(cfg.Nylas.BaseURL),
		nylas.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Nylas.TimeoutSecs) * time.Second}),
	)
	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
	firecrawlClient := firecrawl.NewClient(cfg.Firecrawl.Key, firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL))

	jinaOpts := []jina.Option{jina.WithBaseURL(cfg.Jina.BaseURL)}
	if cfg.Jina.SearchBaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
	}
	jinaClient := jina.NewClient(cfg.Jina.Key, jinaOpts...)

	var geoOpts []geocode.Option
	if cfg.Geocode.Provider == "google" && cfg.Geocode.GoogleKey != "" {
		geoOpts = append(geoOpts, geocode.WithGoogleAPIKey(cfg.Geocode.GoogleKey))
	}
	geocoder := geocode.NewClient(geoOpts...)

	overrides, err := registry.DefaultRegistry()
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load sender overrides")
	}

	pipe := pipeline.New(cfg, st, nylasClient, anthropicClient, firecrawlClient, jinaClient, geocoder, overrides)

	return &appEnv{Store: st, Pipeline: pipe}, nil
}
