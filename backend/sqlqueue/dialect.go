package sqlqueue

import (
	"fmt"
	"regexp"
)

var placeholder = regexp.MustCompile(`\$(\d+)`)

// Postgres keeps its tables in a schema named after the prefix and claims
// rows with FOR UPDATE SKIP LOCKED so concurrent receivers never block each other.
var Postgres = Dialect{
	Name: "postgres",
	Table: func(prefix, name string) string {
		return prefix + "." + name
	},
	Schema: func(prefix string) []string {
		return []string{
			fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, prefix),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s.messages (
					id BIGSERIAL PRIMARY KEY,
					uuid TEXT NOT NULL,
					address TEXT NOT NULL,
					payload BYTEA NOT NULL,
					metadata TEXT NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					available_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					locked_until TIMESTAMPTZ,
					retry_count INTEGER NOT NULL DEFAULT 0
				)`, prefix),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS messages_address_available_idx ON %s.messages(address, available_at)`, prefix),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s.subscriptions (
					topic TEXT NOT NULL,
					name TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (topic, name)
				)`, prefix),
		}
	},
	Rebind: func(query string) string { return query },
	ClaimQuery: func(messages string) string {
		return fmt.Sprintf(`
			UPDATE %[1]s
			SET locked_until = $1
			WHERE id = (
				SELECT id FROM %[1]s
				WHERE address = $2
				  AND available_at <= $3
				  AND (locked_until IS NULL OR locked_until < $3)
				ORDER BY available_at, id
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING id, uuid, payload, metadata
		`, messages)
	},
	FanOutQuery: func(messages, subscriptions string) string {
		return fmt.Sprintf(`
			INSERT INTO %s (uuid, address, payload, metadata, available_at)
			SELECT $1::text, topic || '/' || name, $2::bytea, $3::text, $4::timestamptz
			FROM %s
			WHERE topic = $5::text
		`, messages, subscriptions)
	},
}

// SQLite prefixes its table names and relies on a single connection for
// claim isolation. Requires SQLite 3.35 or newer for RETURNING.
var SQLite = Dialect{
	Name: "sqlite",
	Table: func(prefix, name string) string {
		return prefix + "_" + name
	},
	Schema: func(prefix string) []string {
		return []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s_messages (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					uuid TEXT NOT NULL,
					address TEXT NOT NULL,
					payload BLOB NOT NULL,
					metadata TEXT NOT NULL DEFAULT '{}',
					created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
					available_at TIMESTAMP NOT NULL,
					locked_until TIMESTAMP,
					retry_count INTEGER NOT NULL DEFAULT 0
				)`, prefix),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_messages_address_available ON %[1]s_messages(address, available_at)`, prefix),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s_subscriptions (
					topic TEXT NOT NULL,
					name TEXT NOT NULL,
					created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (topic, name)
				)`, prefix),
		}
	},
	Rebind: func(query string) string {
		return placeholder.ReplaceAllString(query, "?$1")
	},
	ClaimQuery: func(messages string) string {
		return fmt.Sprintf(`
			UPDATE %[1]s
			SET locked_until = $1
			WHERE id = (
				SELECT id FROM %[1]s
				WHERE address = $2
				  AND available_at <= $3
				  AND (locked_until IS NULL OR locked_until < $3)
				ORDER BY available_at, id
				LIMIT 1
			)
			RETURNING id, uuid, payload, metadata
		`, messages)
	},
	FanOutQuery: func(messages, subscriptions string) string {
		return fmt.Sprintf(`
			INSERT INTO %s (uuid, address, payload, metadata, available_at)
			SELECT $1, topic || '/' || name, $2, $3, $4
			FROM %s
			WHERE topic = $5
		`, messages, subscriptions)
	},
}
