// Package sqlqueue stores queues and topic subscriptions in SQL tables.
//
// Every message row carries an address: the queue name for queues and
// "<topic>/<subscription>" for topic subscriptions. Publishing to a topic
// copies the message to every subscription registered for it, so each
// subscription receives its own copy. Receivers claim rows by locking them
// for LockTimeout and delete them once acknowledged.
//
// The postgres and sqlite backends supply the driver and the Dialect.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowbus/backend"
	"github.com/drblury/flowbus/internal/runtime/jsoncodec"
)

const (
	// DefaultPollInterval is the default interval for polling new messages.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultLockTimeout is the default duration a message is locked during processing.
	DefaultLockTimeout = 30 * time.Second
	// DefaultPrefix names the schema (PostgreSQL) or table prefix (SQLite).
	DefaultPrefix = "flowbus"
	// MaxRetryBackoff caps the delay before a negatively acknowledged message
	// becomes available again.
	MaxRetryBackoff = time.Minute
)

// Connection-string parameters understood by both SQL backends. They are
// removed before the connection string reaches the driver.
const (
	ParamPrefix       = "prefix"
	ParamPollInterval = "poll_interval"
	ParamLockTimeout  = "lock_timeout"
)

// ErrStoreClosed is returned when publishing or subscribing on a closed store.
var ErrStoreClosed = errors.New("sqlqueue: store is closed")

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds the queue settings shared by the SQL backends.
type Config struct {
	// Prefix is the schema (PostgreSQL) or table prefix (SQLite).
	Prefix string
	// PollInterval is the interval for polling new messages.
	PollInterval time.Duration
	// LockTimeout is how long a message stays locked during processing.
	LockTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	return c
}

// ConfigFromParams reads the queue settings from connection-string
// parameters and returns the remaining parameters for the driver.
func ConfigFromParams(params url.Values) (Config, url.Values, error) {
	rest := url.Values{}
	var cfg Config
	for key, values := range params {
		if len(values) == 0 {
			continue
		}
		var err error
		switch key {
		case ParamPrefix:
			cfg.Prefix = values[0]
			if !identifier.MatchString(cfg.Prefix) {
				err = fmt.Errorf("sqlqueue: invalid %s %q", ParamPrefix, cfg.Prefix)
			}
		case ParamPollInterval:
			cfg.PollInterval, err = time.ParseDuration(values[0])
		case ParamLockTimeout:
			cfg.LockTimeout, err = time.ParseDuration(values[0])
		default:
			rest[key] = values
		}
		if err != nil {
			return Config{}, nil, err
		}
	}
	return cfg, rest, nil
}

// Dialect adapts the SQL text to one database.
type Dialect struct {
	Name string
	// Table returns the qualified name of a table.
	Table func(prefix, name string) string
	// Schema returns the statements that create the tables.
	Schema func(prefix string) []string
	// Rebind turns $n placeholders into the driver's syntax.
	Rebind func(query string) string
	// ClaimQuery locks the oldest available message of an address and returns
	// id, uuid, payload and metadata. Parameters: lock deadline, address, now.
	ClaimQuery func(messages string) string
	// FanOutQuery copies one message to every subscription of a topic.
	// Parameters: uuid, payload, metadata, available at, topic.
	FanOutQuery func(messages, subscriptions string) string
}

// Address returns the message address of a destination.
func Address(dest backend.Destination) string {
	if dest.Kind == backend.Topic && dest.Subscription != "" {
		return dest.Name + "/" + dest.Subscription
	}
	return dest.Name
}

// Store owns one database handle and the pollers of its subscribers.
type Store struct {
	db      *sql.DB
	dialect Dialect
	config  Config
	logger  watermill.LoggerAdapter

	messages      string
	subscriptions string

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New creates the tables if needed and returns a store using db. The store
// closes db on Close.
func New(ctx context.Context, db *sql.DB, dialect Dialect, cfg Config, logger watermill.LoggerAdapter) (*Store, error) {
	cfg = cfg.withDefaults()
	if !identifier.MatchString(cfg.Prefix) {
		return nil, fmt.Errorf("sqlqueue: invalid prefix %q", cfg.Prefix)
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	s := &Store{
		db:            db,
		dialect:       dialect,
		config:        cfg,
		logger:        logger.With(watermill.LogFields{"dialect": dialect.Name}),
		messages:      dialect.Table(cfg.Prefix, "messages"),
		subscriptions: dialect.Table(cfg.Prefix, "subscriptions"),
		closedChan:    make(chan struct{}),
	}

	for _, stmt := range dialect.Schema(cfg.Prefix) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return s, nil
}

// Publisher returns a publisher that writes to dest.
func (s *Store) Publisher(dest backend.Destination) message.Publisher {
	return &publisher{store: s, dest: dest}
}

// Subscriber returns a subscriber that claims messages addressed to dest.
// Topic subscribers register their subscription on Subscribe.
func (s *Store) Subscriber(dest backend.Destination) message.Subscriber {
	return &subscriber{store: s, dest: dest, stop: make(chan struct{})}
}

// Pending returns the number of messages waiting at address.
func (s *Store) Pending(ctx context.Context, address string) (int64, error) {
	var count int64
	// #nosec G201 - table names are built from a validated identifier
	query := s.dialect.Rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE address = $1`, s.messages))
	err := s.db.QueryRowContext(ctx, query, address).Scan(&count)
	return count, err
}

// Close stops every poller and closes the database.
func (s *Store) Close() error {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closedChan)
	s.closedMu.Unlock()

	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.closed
}

func (s *Store) publish(ctx context.Context, dest backend.Destination, messages []*message.Message) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("failed to rollback transaction", err, nil)
		}
	}()

	var query string
	if dest.Kind == backend.Topic {
		query = s.dialect.FanOutQuery(s.messages, s.subscriptions)
	} else {
		// #nosec G201 - table names are built from a validated identifier
		query = fmt.Sprintf(`INSERT INTO %s (uuid, address, payload, metadata, available_at) VALUES ($1, $2, $3, $4, $5)`, s.messages)
	}
	stmt, err := tx.PrepareContext(ctx, s.dialect.Rebind(query))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		metadata, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		payload := msg.Payload
		if payload == nil {
			payload = []byte{}
		}
		now := time.Now().UTC()

		if dest.Kind == backend.Topic {
			_, err = stmt.ExecContext(ctx, msg.UUID, payload, string(metadata), now, dest.Name)
		} else {
			_, err = stmt.ExecContext(ctx, msg.UUID, dest.Name, payload, string(metadata), now)
		}
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) register(ctx context.Context, topic, subscription string) error {
	// #nosec G201 - table names are built from a validated identifier
	query := s.dialect.Rebind(fmt.Sprintf(`INSERT INTO %s (topic, name) VALUES ($1, $2) ON CONFLICT DO NOTHING`, s.subscriptions))
	if _, err := s.db.ExecContext(ctx, query, topic, subscription); err != nil {
		return fmt.Errorf("failed to register subscription: %w", err)
	}
	return nil
}

type claimed struct {
	id       int64
	msg      *message.Message
	metadata []byte
}

func (s *Store) claim(ctx context.Context, address string) (*claimed, bool) {
	now := time.Now().UTC()
	query := s.dialect.Rebind(s.dialect.ClaimQuery(s.messages))

	var (
		c       claimed
		uuid    string
		payload []byte
	)
	err := s.db.QueryRowContext(ctx, query, now.Add(s.config.LockTimeout), address, now).Scan(&c.id, &uuid, &payload, &c.metadata)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			s.logger.Error("failed to claim message", err, watermill.LogFields{"address": address})
		}
		return nil, false
	}

	metadata := make(message.Metadata)
	if len(c.metadata) > 0 {
		if err := jsoncodec.Unmarshal(c.metadata, &metadata); err != nil {
			s.logger.Error("failed to unmarshal metadata", err, watermill.LogFields{"message_uuid": uuid})
		}
	}
	c.msg = message.NewMessage(uuid, payload)
	c.msg.Metadata = metadata
	return &c, true
}

func (s *Store) ack(id int64) {
	// #nosec G201 - table names are built from a validated identifier
	query := s.dialect.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.messages))
	if _, err := s.db.Exec(query, id); err != nil {
		s.logger.Error("failed to ack message", err, nil)
	}
}

func (s *Store) nack(id int64) {
	var retryCount int
	// #nosec G201 - table names are built from a validated identifier
	query := s.dialect.Rebind(fmt.Sprintf(`SELECT retry_count FROM %s WHERE id = $1`, s.messages))
	if err := s.db.QueryRow(query, id).Scan(&retryCount); err != nil {
		s.logger.Error("failed to get retry count", err, nil)
		return
	}

	availableAt := time.Now().UTC().Add(retryBackoff(retryCount))
	// #nosec G201 - table names are built from a validated identifier
	query = s.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s
		SET retry_count = retry_count + 1,
		    locked_until = NULL,
		    available_at = $1
		WHERE id = $2
	`, s.messages))
	if _, err := s.db.Exec(query, availableAt, id); err != nil {
		s.logger.Error("failed to nack message", err, nil)
	}
}

func (s *Store) unlock(id int64) {
	// #nosec G201 - table names are built from a validated identifier
	query := s.dialect.Rebind(fmt.Sprintf(`UPDATE %s SET locked_until = NULL WHERE id = $1`, s.messages))
	if _, err := s.db.Exec(query, id); err != nil {
		s.logger.Error("failed to unlock message", err, nil)
	}
}

func retryBackoff(retryCount int) time.Duration {
	if retryCount > 6 {
		return MaxRetryBackoff
	}
	d := time.Duration(1<<retryCount) * time.Second
	if d > MaxRetryBackoff {
		return MaxRetryBackoff
	}
	return d
}

type publisher struct {
	store *Store
	dest  backend.Destination
}

func (p *publisher) Publish(topic string, messages ...*message.Message) error {
	ctx := context.Background()
	if len(messages) > 0 && messages[0].Context() != nil {
		ctx = messages[0].Context()
	}
	dest := p.dest
	dest.Name = topic
	return p.store.publish(ctx, dest, messages)
}

// Close leaves the store open; it belongs to the client.
func (p *publisher) Close() error { return nil }

type subscriber struct {
	store *Store
	dest  backend.Destination

	stopOnce sync.Once
	stop     chan struct{}
}

func (s *subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.store.isClosed() {
		return nil, ErrStoreClosed
	}
	dest := s.dest
	dest.Name = topic
	if dest.Kind == backend.Topic {
		if dest.Subscription == "" {
			return nil, errors.New("sqlqueue: topic receivers need a subscription")
		}
		if err := s.store.register(ctx, dest.Name, dest.Subscription); err != nil {
			return nil, err
		}
	}

	out := make(chan *message.Message)
	s.store.wg.Add(1)
	go s.poll(ctx, Address(dest), out)
	return out, nil
}

func (s *subscriber) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *subscriber) poll(ctx context.Context, address string, out chan *message.Message) {
	defer s.store.wg.Done()
	defer close(out)

	ticker := time.NewTicker(s.store.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.store.closedChan:
			return
		case <-ticker.C:
			for s.deliverNext(ctx, address, out) {
			}
		}
	}
}

// deliverNext hands one claimed message to out and settles it. It reports
// whether polling should continue without waiting for the next tick.
func (s *subscriber) deliverNext(ctx context.Context, address string, out chan *message.Message) bool {
	c, found := s.store.claim(ctx, address)
	if !found {
		return false
	}

	select {
	case out <- c.msg:
	case <-ctx.Done():
		s.store.unlock(c.id)
		return false
	case <-s.stop:
		s.store.unlock(c.id)
		return false
	case <-s.store.closedChan:
		s.store.unlock(c.id)
		return false
	}

	select {
	case <-c.msg.Acked():
		s.store.ack(c.id)
		return true
	case <-c.msg.Nacked():
		s.store.nack(c.id)
		return true
	case <-ctx.Done():
	case <-s.stop:
	case <-s.store.closedChan:
	}
	s.store.unlock(c.id)
	return false
}
