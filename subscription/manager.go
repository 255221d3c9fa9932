package subscription

import (
	"context"
	"sync"

	"github.com/apex/log"

	"github.com/alwitt/activity-push/auth"
	"github.com/alwitt/activity-push/broker"
	"github.com/alwitt/activity-push/common"
	"github.com/alwitt/activity-push/dispatch"
	"github.com/alwitt/activity-push/metrics"
	"github.com/alwitt/activity-push/registry"
	"github.com/alwitt/activity-push/streams"
)

// SubscribeRequest one client subscribe request after frame decoding
type SubscribeRequest struct {
	// Stream is the stream being subscribed to
	Stream *streams.ID `json:"stream"`
	// Format is the requested output rendering, when given
	Format *string `json:"format,omitempty"`
	// Token is an optional authorization token forwarded to the stream type's
	// authorization handler
	Token *string `json:"token,omitempty"`
}

// Manager translates client subscribe requests into broker topic bindings,
// reference counted through the connection registry so a topic is bound at most
// once per node regardless of how many local sockets want it
type Manager interface {
	// Subscribe process one subscribe request for an authenticated connection
	Subscribe(
		ctxt context.Context,
		session registry.Session,
		principal auth.Principal,
		request SubscribeRequest,
	) error
	// HandleDisconnect drop a closed connection and release the broker bindings
	// of streams it was the last local subscriber of
	HandleDisconnect(ctxt context.Context, session registry.Session)
}

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	connections registry.ConnectionRegistry
	gateway     broker.Gateway
	streamTypes streams.TypeRegistry
	transforms  dispatch.TransformRegistry
	instruments *metrics.PushMetrics
	// streamLocks serialize the bind / unbind sequence per stream ID so
	// multi-step updates for one stream never interleave
	streamLocks map[streams.ID]*sync.Mutex
	lock        sync.Mutex
}

// GetManager define a new subscription Manager
func GetManager(
	connections registry.ConnectionRegistry,
	gateway broker.Gateway,
	streamTypes streams.TypeRegistry,
	transforms dispatch.TransformRegistry,
	instruments *metrics.PushMetrics,
) (Manager, error) {
	logTags := log.Fields{"module": "subscription", "component": "manager"}
	return &managerImpl{
		Component:   common.Component{LogTags: logTags},
		connections: connections,
		gateway:     gateway,
		streamTypes: streamTypes,
		transforms:  transforms,
		instruments: instruments,
		streamLocks: make(map[streams.ID]*sync.Mutex),
	}, nil
}

// lockFor fetch the mutex serializing one stream's bind / unbind sequence
func (m *managerImpl) lockFor(id streams.ID) *sync.Mutex {
	m.lock.Lock()
	defer m.lock.Unlock()
	streamLock, ok := m.streamLocks[id]
	if !ok {
		streamLock = &sync.Mutex{}
		m.streamLocks[id] = streamLock
	}
	return streamLock
}

// Subscribe process one subscribe request for an authenticated connection
func (m *managerImpl) Subscribe(
	ctxt context.Context,
	session registry.Session,
	principal auth.Principal,
	request SubscribeRequest,
) error {
	// Stream properties must be present
	if request.Stream == nil || request.Stream.ResourceID == "" ||
		request.Stream.StreamType == "" {
		return common.NewRequestError(400, "Missing stream properties")
	}
	id := *request.Stream

	// A requested format must be a registered rendering
	transformID := dispatch.DefaultTransformID
	if request.Format != nil {
		if !m.transforms.Known(*request.Format) {
			return common.NewRequestError(400, "Subscribed with an unknown format: %s", *request.Format)
		}
		transformID = *request.Format
	}

	// The stream type must have an authorization handler
	authorizer, ok := m.streamTypes.AuthorizerFor(id.StreamType)
	if !ok {
		return common.NewRequestError(400, "Unknown stream: %s", id.StreamType)
	}

	streamLock := m.lockFor(id)

	// Already holding this stream: retain the additional rendering without
	// touching the broker. Authorization is not re-run for the new format, the
	// handler's verdict is per (principal, resource).
	streamLock.Lock()
	if m.connections.HasSubscription(session, id) {
		defer streamLock.Unlock()
		return m.connections.RecordSubscription(session, id, transformID)
	}
	streamLock.Unlock()

	// The handler's verdict is relayed verbatim. The handler is an external
	// collaborator, so it runs outside the stream lock.
	if err := authorizer.Authorize(ctxt, principal, id.ResourceID, request.Token); err != nil {
		log.WithError(err).WithFields(m.LogTags).Infof(
			"Denied %s subscription to %s", principal.UserID, id,
		)
		return common.RequestErrorFrom(err)
	}

	streamLock.Lock()
	defer streamLock.Unlock()
	if m.connections.HasSubscription(session, id) {
		return m.connections.RecordSubscription(session, id, transformID)
	}

	// First local subscriber binds the topic. The binding must exist before the
	// connection enters the dispatch list, so a message cannot slip between
	// bind-success and registry update.
	if len(m.connections.ConnectionsFor(id)) == 0 {
		if err := m.gateway.Bind(ctxt, id.Topic()); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf("Unable to bind %s", id)
			return common.RequestErrorFrom(err)
		}
		m.instruments.RecordBinding("bind")
	}
	return m.connections.RecordSubscription(session, id, transformID)
}

// HandleDisconnect drop a closed connection
func (m *managerImpl) HandleDisconnect(ctxt context.Context, session registry.Session) {
	emptied := m.connections.RemoveConnection(session)
	for _, id := range emptied {
		streamLock := m.lockFor(id)
		streamLock.Lock()
		// A subscribe may have raced in after the removal; the binding stays if
		// the stream regained local interest
		if len(m.connections.ConnectionsFor(id)) == 0 {
			if err := m.gateway.Unbind(ctxt, id.Topic()); err != nil {
				log.WithError(err).WithFields(m.LogTags).Errorf("Unable to unbind %s", id)
			} else {
				m.instruments.RecordBinding("unbind")
			}
		}
		streamLock.Unlock()
	}
}
