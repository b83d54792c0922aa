// Package postgres provides a durable PostgreSQL backend for flowbus.
//
// Queues and topic subscriptions are stored in tables under the schema named
// by the prefix parameter (default "flowbus"):
//
//	postgres://user:secret@db:5432/app?sslmode=disable&prefix=bus&poll_interval=250ms
//
// The prefix, poll_interval and lock_timeout parameters are consumed by
// flowbus; every other parameter is passed to the driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/lib/pq"

	"github.com/drblury/flowbus/backend"
	"github.com/drblury/flowbus/backend/pubsub"
	"github.com/drblury/flowbus/backend/sqlqueue"
)

// Schemes handled by this backend.
const (
	Scheme      = "postgres"
	SchemeAlias = "postgresql"
)

// Connection pool defaults.
const (
	DefaultMaxOpenConns    = 10
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
)

// OpenDB allows overriding the database creation for testing.
var OpenDB = func(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

func init() {
	backend.RegisterWithCapabilities(Scheme, Build, backend.PostgresCapabilities)
	backend.RegisterWithCapabilities(SchemeAlias, Build, backend.PostgresCapabilities)
}

// Build opens the database, creates the queue tables and returns a client.
func Build(ctx context.Context, conn backend.ConnectionString, logger watermill.LoggerAdapter) (backend.Client, error) {
	dsn, cfg, err := parse(conn)
	if err != nil {
		return nil, err
	}

	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := sqlqueue.New(ctx, db, sqlqueue.Postgres, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Connected to PostgreSQL", watermill.LogFields{"prefix": cfg.Prefix})

	return pubsub.New(pubsub.Config{
		NewPublisher: func(ctx context.Context, dest backend.Destination) (message.Publisher, error) {
			return store.Publisher(dest), nil
		},
		NewSubscriber: func(ctx context.Context, dest backend.Destination) (message.Subscriber, error) {
			return store.Subscriber(dest), nil
		},
		OnClose:      store.Close,
		Capabilities: backend.PostgresCapabilities,
		Logger:       logger,
	})
}

// Capabilities returns the capabilities of this backend.
func Capabilities() backend.Capabilities {
	return backend.PostgresCapabilities
}

// parse splits the flowbus parameters from the driver DSN.
func parse(conn backend.ConnectionString) (string, sqlqueue.Config, error) {
	cfg, rest, err := sqlqueue.ConfigFromParams(conn.Params)
	if err != nil {
		return "", sqlqueue.Config{}, fmt.Errorf("postgres: %w", err)
	}
	u := *conn.URL
	u.Scheme = Scheme
	u.RawQuery = rest.Encode()
	return u.String(), cfg, nil
}
