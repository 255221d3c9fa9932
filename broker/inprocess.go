package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/apex/log"

	"github.com/alwitt/activity-push/common"
)

// inProcessGateway implements Gateway with an in-memory topic table. Used by
// unit tests and for single-node operation without a broker.
type inProcessGateway struct {
	common.Component
	handler  ConsumeHandler
	bindings map[string]bool
	lock     sync.Mutex
}

// GetInProcessGateway define a Gateway running entirely within this process
func GetInProcessGateway(instance string) (Gateway, error) {
	logTags := log.Fields{
		"module":    "broker",
		"component": "inproc-gateway",
		"instance":  instance,
	}
	return &inProcessGateway{
		Component: common.Component{LogTags: logTags},
		bindings:  make(map[string]bool),
	}, nil
}

// DeclareTopology ensure the shared exchange and this node's queue exist
func (g *inProcessGateway) DeclareTopology(ctxt context.Context) error {
	return nil
}

// Consume install the node-local delivery handler
func (g *inProcessGateway) Consume(handler ConsumeHandler) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.handler != nil {
		return fmt.Errorf("consume handler already installed")
	}
	g.handler = handler
	return nil
}

// Bind route messages published under a topic key to this node's queue
func (g *inProcessGateway) Bind(ctxt context.Context, topic string) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.handler == nil {
		return fmt.Errorf("no consume handler installed")
	}
	g.bindings[topic] = true
	return nil
}

// Unbind stop routing a topic key to this node's queue
func (g *inProcessGateway) Unbind(ctxt context.Context, topic string) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	delete(g.bindings, topic)
	return nil
}

// Publish send a payload into the shared exchange under a topic key. Delivery
// happens synchronously on the caller.
func (g *inProcessGateway) Publish(ctxt context.Context, topic string, payload []byte) error {
	g.lock.Lock()
	bound := g.bindings[topic]
	handler := g.handler
	g.lock.Unlock()
	if !bound || handler == nil {
		// No local interest, the message is dropped
		return nil
	}
	handler(ctxt, topic, payload)
	return nil
}

// Close tear the gateway down
func (g *inProcessGateway) Close(ctxt context.Context) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.bindings = make(map[string]bool)
	log.WithFields(g.LogTags).Info("Closed gateway")
}
