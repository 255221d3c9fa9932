package broker

import (
	"context"
)

// ConsumeHandler callback invoked for every message arriving on this node's
// queue. A message counts as delivered once handed to the handler; handler
// failure does not requeue it.
type ConsumeHandler func(ctxt context.Context, topic string, payload []byte)

// Gateway thin contract over a topic-exchange message broker. One shared topic
// exchange cluster-wide, one exclusive queue per node process. The broker
// implementation behind the contract is swappable.
type Gateway interface {
	// DeclareTopology ensure the shared exchange and this node's queue exist
	DeclareTopology(ctxt context.Context) error
	// Consume install the node-local delivery handler. Must be called before
	// the first Bind.
	Consume(handler ConsumeHandler) error
	// Bind route messages published under a topic key to this node's queue
	Bind(ctxt context.Context, topic string) error
	// Unbind stop routing a topic key to this node's queue
	Unbind(ctxt context.Context, topic string) error
	// Publish send a payload into the shared exchange under a topic key
	Publish(ctxt context.Context, topic string, payload []byte) error
	// Close tear the gateway down
	Close(ctxt context.Context)
}
