// Package sqlite provides a durable single-file SQLite backend for flowbus.
//
// The connection string names the database file:
//
//	sqlite://data/flowbus.db?poll_interval=50ms
//	sqlite:///var/lib/flowbus/queue.db
//	sqlite:queue.db
//
// Clients opened on the same file share its queues. The prefix, poll_interval
// and lock_timeout parameters behave as for the postgres backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/mattn/go-sqlite3"

	"github.com/drblury/flowbus/backend"
	"github.com/drblury/flowbus/backend/pubsub"
	"github.com/drblury/flowbus/backend/sqlqueue"
)

// Scheme is the connection-string scheme of this backend.
const Scheme = "sqlite"

// OpenDB allows overriding the database creation for testing.
var OpenDB = func(path string) (*sql.DB, error) {
	return sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
}

func init() {
	backend.RegisterWithCapabilities(Scheme, Build, backend.SQLiteCapabilities)
}

// Build opens the database file, creates the queue tables and returns a client.
func Build(ctx context.Context, conn backend.ConnectionString, logger watermill.LoggerAdapter) (backend.Client, error) {
	path, err := Path(conn)
	if err != nil {
		return nil, err
	}
	cfg, _, err := sqlqueue.ConfigFromParams(conn.Params)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	db, err := OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)

	store, err := sqlqueue.New(ctx, db, sqlqueue.SQLite, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Opened SQLite queue", watermill.LogFields{"path": path})

	return pubsub.New(pubsub.Config{
		NewPublisher: func(ctx context.Context, dest backend.Destination) (message.Publisher, error) {
			return store.Publisher(dest), nil
		},
		NewSubscriber: func(ctx context.Context, dest backend.Destination) (message.Subscriber, error) {
			return store.Subscriber(dest), nil
		},
		OnClose:      store.Close,
		Capabilities: backend.SQLiteCapabilities,
		Logger:       logger,
	})
}

// Capabilities returns the capabilities of this backend.
func Capabilities() backend.Capabilities {
	return backend.SQLiteCapabilities
}

// Path returns the database file named by the connection string.
func Path(conn backend.ConnectionString) (string, error) {
	if conn.URL == nil {
		return "", errors.New("sqlite: connection string has no path")
	}
	path := conn.URL.Host + conn.URL.Path
	if path == "" {
		path = conn.URL.Opaque
	}
	if path == "" {
		return "", errors.New("sqlite: connection string has no path")
	}
	return path, nil
}
