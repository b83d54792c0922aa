// Package backends imports all built-in backends for auto-registration.
// Import this package to have every backend registered with the default registry.
package backends

import (
	// Import all backends for side-effect registration
	_ "github.com/drblury/flowbus/backend/aws"
	_ "github.com/drblury/flowbus/backend/http"
	_ "github.com/drblury/flowbus/backend/kafka"
	_ "github.com/drblury/flowbus/backend/memory"
	_ "github.com/drblury/flowbus/backend/nats"
	_ "github.com/drblury/flowbus/backend/postgres"
	_ "github.com/drblury/flowbus/backend/rabbitmq"
	_ "github.com/drblury/flowbus/backend/sqlite"
)
