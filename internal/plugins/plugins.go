// Package plugins holds the built-in dissectors, examiners and database
// connectors.
package plugins

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cast"

	"github.com/koromodako/datashark/internal/plugin"
	"github.com/koromodako/datashark/internal/repository"
)

// Register adds every built-in plugin to reg. Dissectors extract into
// workspaceDir.
func Register(reg *plugin.Registry, workspaceDir string) error {
	if workspaceDir == "" {
		return errors.New("plugins: workspace dir is required")
	}
	builtins := []plugin.Plugin{
		NewZipDissector(workspaceDir),
		NewTarDissector(workspaceDir),
		NewImageExaminer(),
		NewTextExaminer(),
		NewMIMEExtensionExaminer(),
		plugin.NewDBConnector("memory", "in-process store, lost on exit", openMemory),
		plugin.NewDBConnector("devnull", "discards everything", openDevNull),
		plugin.NewDBConnector("fs", "one YAML document per record under settings.dir", openFS),
		plugin.NewDBConnector("sql", "mysql, postgres or sqlite3 tables (settings.driver, settings.dsn)", openSQL),
		plugin.NewDBConnector("badger", "embedded key-value store (settings.path or settings.in_memory)", openBadger),
	}
	for _, p := range builtins {
		if err := reg.Register(p); err != nil {
			return fmt.Errorf("plugins: %w", err)
		}
	}
	return nil
}

func openMemory(map[string]any, *slog.Logger) (repository.Connector, error) {
	return repository.NewMemoryConnector(), nil
}

func openDevNull(map[string]any, *slog.Logger) (repository.Connector, error) {
	return repository.DevNullConnector{}, nil
}

func openFS(settings map[string]any, _ *slog.Logger) (repository.Connector, error) {
	dir, err := requireString(settings, "dir")
	if err != nil {
		return nil, err
	}
	return repository.NewFSConnector(dir), nil
}

func openSQL(settings map[string]any, _ *slog.Logger) (repository.Connector, error) {
	driver, err := requireString(settings, "driver")
	if err != nil {
		return nil, err
	}
	dsn, err := requireString(settings, "dsn")
	if err != nil {
		return nil, err
	}
	maxOpen, err := setting(settings, "max_open_conns", cast.ToIntE)
	if err != nil {
		return nil, err
	}
	lifetime, err := setting(settings, "conn_max_lifetime", cast.ToDurationE)
	if err != nil {
		return nil, err
	}
	return repository.NewSQLConnector(repository.SQLConfig{
		Driver:          driver,
		DSN:             dsn,
		MaxOpenConns:    maxOpen,
		ConnMaxLifetime: lifetime,
	})
}

func openBadger(settings map[string]any, logger *slog.Logger) (repository.Connector, error) {
	path, err := setting(settings, "path", cast.ToStringE)
	if err != nil {
		return nil, err
	}
	inMemory, err := setting(settings, "in_memory", cast.ToBoolE)
	if err != nil {
		return nil, err
	}
	syncWrites, err := setting(settings, "sync_writes", cast.ToBoolE)
	if err != nil {
		return nil, err
	}
	return repository.NewBadgerConnector(repository.BadgerConfig{
		Path:       path,
		InMemory:   inMemory,
		SyncWrites: syncWrites,
		Logger:     logger.With(slog.String("component", "badger")),
	})
}

// setting converts an optional settings entry; a missing key yields the zero value.
func setting[T any](settings map[string]any, key string, conv func(any) (T, error)) (T, error) {
	var zero T
	v, ok := settings[key]
	if !ok || v == nil {
		return zero, nil
	}
	out, err := conv(v)
	if err != nil {
		return zero, fmt.Errorf("setting %s: %w", key, err)
	}
	return out, nil
}

func requireString(settings map[string]any, key string) (string, error) {
	v, err := setting(settings, key, cast.ToStringE)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("setting %s is required", key)
	}
	return v, nil
}
