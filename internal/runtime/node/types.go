package node

import (
	"fmt"

	"github.com/drblury/flowbus/internal/runtime/config"
	"github.com/drblury/flowbus/internal/runtime/endpoint"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
)

// Type is one registered node type: an endpoint kind and a direction.
type Type struct {
	Name      string
	Kind      endpoint.Kind
	Direction endpoint.Direction
}

// Types lists the node types in registration order.
var Types = []Type{
	{Name: config.TypeReceiveQueue, Kind: endpoint.Queue, Direction: endpoint.Receive},
	{Name: config.TypeReceiveTopic, Kind: endpoint.Topic, Direction: endpoint.Receive},
	{Name: config.TypeSendQueue, Kind: endpoint.Queue, Direction: endpoint.Send},
	{Name: config.TypeSendTopic, Kind: endpoint.Topic, Direction: endpoint.Send},
}

// TypeFor looks up a node type by name.
func TypeFor(name string) (Type, error) {
	for _, t := range Types {
		if t.Name == name {
			return t, nil
		}
	}
	return Type{}, fmt.Errorf("%w: %q", errspkg.ErrUnknownNodeType, name)
}

// Descriptor builds the endpoint descriptor for cfg. Fields that do not apply
// to the type are ignored.
func (t Type) Descriptor(cfg config.Config) endpoint.Descriptor {
	if t.Kind == endpoint.Topic {
		return endpoint.ForTopic(cfg.Topic, cfg.Subscription)
	}
	return endpoint.ForQueue(cfg.Queue)
}
