package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/alwitt/activity-push/common"
	"github.com/alwitt/activity-push/core"
)

// natsGateway implements Gateway against NATS core subjects. The topic exchange
// maps to a subject prefix; a topic binding maps to a subject subscription held
// by this process. Subscriptions die with the connection, which gives the same
// behavior as a non-durable auto-delete queue.
type natsGateway struct {
	common.Component
	client    *core.NatsClient
	exchange  string
	queueName string
	handler   ConsumeHandler
	bindings  map[string]*nats.Subscription
	lock      sync.Mutex
}

// GetNATSGateway define a Gateway backed by NATS. The node queue name carries a
// random suffix so a restarted node never collides with a stale identity.
func GetNATSGateway(
	client *core.NatsClient, exchange, queuePrefix string,
) (Gateway, error) {
	if strings.ContainsAny(exchange, ".*> ") {
		return nil, fmt.Errorf("'%s' is not a valid exchange name", exchange)
	}
	queueName := fmt.Sprintf("%s-%s", queuePrefix, uuid.New().String())
	logTags := log.Fields{
		"module":    "broker",
		"component": "nats-gateway",
		"exchange":  exchange,
		"queue":     queueName,
	}
	return &natsGateway{
		Component: common.Component{LogTags: logTags},
		client:    client,
		exchange:  exchange,
		queueName: queueName,
		bindings:  make(map[string]*nats.Subscription),
	}, nil
}

// subjectFor the NATS subject carrying a topic key. Topic keys never contain
// NATS subject control characters, they are "resourceID#streamType" strings.
func (g *natsGateway) subjectFor(topic string) string {
	return fmt.Sprintf("%s.%s", g.exchange, topic)
}

// DeclareTopology ensure the shared exchange and this node's queue exist. NATS
// creates subject interest on demand, so this only verifies the connection.
func (g *natsGateway) DeclareTopology(ctxt context.Context) error {
	if g.client.NATs().Status() != nats.CONNECTED {
		err := fmt.Errorf("NATS client not connected")
		log.WithError(err).WithFields(g.LogTags).Error("Unable to declare topology")
		return err
	}
	log.WithFields(g.LogTags).Info("Declared push topology")
	return nil
}

// Consume install the node-local delivery handler
func (g *natsGateway) Consume(handler ConsumeHandler) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.handler != nil {
		return fmt.Errorf("consume handler already installed")
	}
	g.handler = handler
	return nil
}

// Bind route messages published under a topic key to this node's queue
func (g *natsGateway) Bind(ctxt context.Context, topic string) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.handler == nil {
		err := fmt.Errorf("no consume handler installed")
		log.WithError(err).WithFields(g.LogTags).Errorf("Unable to bind %s", topic)
		return err
	}
	if _, ok := g.bindings[topic]; ok {
		return nil
	}
	boundTopic := topic
	sub, err := g.client.NATs().Subscribe(
		g.subjectFor(topic), func(msg *nats.Msg) {
			g.handler(context.Background(), boundTopic, msg.Data)
		},
	)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf("Unable to bind %s", topic)
		return err
	}
	g.bindings[topic] = sub
	log.WithFields(g.LogTags).Debugf("Bound topic %s", topic)
	return nil
}

// Unbind stop routing a topic key to this node's queue
func (g *natsGateway) Unbind(ctxt context.Context, topic string) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	sub, ok := g.bindings[topic]
	if !ok {
		return nil
	}
	delete(g.bindings, topic)
	if err := sub.Unsubscribe(); err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf("Unable to unbind %s", topic)
		return err
	}
	log.WithFields(g.LogTags).Debugf("Unbound topic %s", topic)
	return nil
}

// Publish send a payload into the shared exchange under a topic key
func (g *natsGateway) Publish(ctxt context.Context, topic string, payload []byte) error {
	if err := g.client.NATs().Publish(g.subjectFor(topic), payload); err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf("Unable to publish on %s", topic)
		return err
	}
	return nil
}

// Close tear the gateway down
func (g *natsGateway) Close(ctxt context.Context) {
	g.lock.Lock()
	defer g.lock.Unlock()
	for topic, sub := range g.bindings {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(g.LogTags).Errorf("Unsubscribe %s failed", topic)
		}
	}
	g.bindings = make(map[string]*nats.Subscription)
	log.WithFields(g.LogTags).Info("Closed gateway")
}
