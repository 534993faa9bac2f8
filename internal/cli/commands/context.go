// Package commands implements the Dataglass CLI commands.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dataglass-labs/dataglass/internal/config"
	"github.com/dataglass-labs/dataglass/internal/fetch"
	"github.com/dataglass-labs/dataglass/internal/mirror"
	"github.com/dataglass-labs/dataglass/internal/notify"
	"github.com/dataglass-labs/dataglass/internal/session"
	"github.com/dataglass-labs/dataglass/internal/store"
	"github.com/dataglass-labs/dataglass/pkg/source"
)

type configKey struct{}
type loggerKey struct{}

// WithConfig stores the loaded config in the context.
func WithConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// WithLogger stores the logger in the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetConfig retrieves the config from the context.
func GetConfig(ctx context.Context) *config.Config {
	if c, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return c
	}
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

// GetLogger retrieves the logger from the context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}

// environment bundles the runtime collaborators a command needs.
type environment struct {
	cfg      *config.Config
	logger   *slog.Logger
	mirror   *mirror.Store
	state    *store.Store
	notifier *notify.Notifier
	manager  *session.Manager
}

// openEnvironment builds the mirror, state store, and session manager
// from the loaded config.
func openEnvironment(ctx context.Context) (*environment, error) {
	cfg := GetConfig(ctx)
	logger := GetLogger(ctx)

	m, err := mirror.Open(cfg.Mirror.Path, logger)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.StatePath)
	if err != nil {
		_ = m.Close()
		return nil, err
	}

	notifier := notify.New()
	manager := session.NewManager(m, notifier, logger, fetch.Config{
		BatchSize:   cfg.Fetch.BatchSize,
		MaxRetries:  uint64(cfg.Fetch.MaxRetries),
		RetryBase:   cfg.Fetch.RetryBase,
		RetryCap:    cfg.Fetch.RetryCap,
		CallTimeout: cfg.Fetch.Timeout,
	}, cfg.Display.PageSize)

	return &environment{
		cfg:      cfg,
		logger:   logger,
		mirror:   m,
		state:    st,
		notifier: notifier,
		manager:  manager,
	}, nil
}

func (e *environment) close(ctx context.Context) {
	_ = e.manager.CloseAll(ctx)
	_ = e.state.Close()
	_ = e.mirror.Close()
}

// resolveConnection finds a connection by name: saved connections in
// the state store first, then the config file's connections block.
func (e *environment) resolveConnection(ctx context.Context, name string) (string, source.Config, error) {
	if name == "" {
		return "", source.Config{}, fmt.Errorf("connection is required (use --connection)")
	}
	if conn, err := e.state.GetConnection(ctx, name); err == nil {
		return conn.ID, conn.Config, nil
	}
	if conn, ok := e.cfg.Connection(name); ok {
		return conn.Name, conn.SourceConfig(), nil
	}
	return "", source.Config{}, fmt.Errorf("unknown connection %q", name)
}

// openSource builds a source for the named connection.
func (e *environment) openSource(ctx context.Context, name string) (string, source.Source, error) {
	connID, cfg, err := e.resolveConnection(ctx, name)
	if err != nil {
		return "", nil, err
	}
	src, err := source.New(cfg, e.logger)
	if err != nil {
		return "", nil, err
	}
	return connID, src, nil
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
