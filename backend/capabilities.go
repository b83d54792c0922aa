package backend

// Capabilities describes what a backend supports for queue and topic addressing.
type Capabilities struct {
	// Name is the human-readable name of the backend.
	Name string

	// SupportsQueues indicates point-to-point queues are available.
	SupportsQueues bool

	// SupportsTopics indicates topics with independent subscriptions are available.
	SupportsTopics bool

	// SupportsOrdering indicates the backend delivers messages of one receiver in order.
	SupportsOrdering bool

	// SupportsAck indicates the backend supports explicit acknowledgement.
	SupportsAck bool

	// SupportsNack indicates the backend redelivers negatively acknowledged messages.
	SupportsNack bool

	// ConcurrentSends indicates a single sender may be used from several goroutines.
	ConcurrentSends bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the backend supports ack and nack.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the bundled backends.
var (
	MemoryCapabilities = Capabilities{
		Name:             "memory",
		SupportsQueues:   true,
		SupportsTopics:   true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		ConcurrentSends:  true,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsQueues:   true,
		SupportsTopics:   true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		ConcurrentSends:  true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsQueues:   true,
		SupportsTopics:   true,
		SupportsOrdering: true,
		SupportsAck:      true,
		ConcurrentSends:  true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsQueues:  true,
		SupportsTopics:  true,
		ConcurrentSends: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SupportsQueues:   true,
		SupportsTopics:   true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		ConcurrentSends:  true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsQueues:   true,
		SupportsTopics:   true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		ConcurrentSends:  true,
		MaxMessageSize:   262144, // 256KB
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsQueues:  true,
		SupportsTopics:  true,
		ConcurrentSends: true,
	}

	PostgresCapabilities = Capabilities{
		Name:             "postgres",
		SupportsQueues:   true,
		SupportsTopics:   true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		ConcurrentSends:  true,
	}

	SQLiteCapabilities = Capabilities{
		Name:             "sqlite",
		SupportsQueues:   true,
		SupportsTopics:   true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		ConcurrentSends:  true,
	}
)
