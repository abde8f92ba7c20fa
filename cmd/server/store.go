package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/dressup/tryon-engine/config"
	"github.com/dressup/tryon-engine/ledger"
	"github.com/dressup/tryon-engine/store/memory"
	"github.com/dressup/tryon-engine/store/postgres"
	"github.com/dressup/tryon-engine/store/sqlite"
)

// closableStore is a TxStore that owns a connection.
type closableStore interface {
	ledger.TxStore
	Close() error
}

type memoryStore struct{ *memory.Store }

func (memoryStore) Close() error { return nil }

// openStore opens and migrates the configured store.
func openStore(ctx context.Context, c config.DatabaseConfig, log logrus.FieldLogger) (closableStore, error) {
	switch c.Driver {
	case config.DriverMemory:
		log.Warn("using in-memory store, data is lost on exit")
		return memoryStore{memory.New()}, nil

	case config.DriverSQLite:
		if c.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		st, err := sqlite.New(c.Path)
		if err != nil {
			return nil, err
		}
		log.WithField("path", c.Path).Info("opened sqlite store")
		return st, nil

	case config.DriverPostgres:
		st, err := postgres.Connect(ctx, c.GetDatabaseURL(), postgres.Options{
			MaxOpenConns:    c.MaxConns,
			MaxIdleConns:    c.MinConns,
			ConnMaxLifetime: c.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		log.WithField("host", c.Host).Info("opened postgres store")
		return st, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}
