package subscription

import (
	"context"
	"fmt"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"

	"github.com/alwitt/activity-push/auth"
	"github.com/alwitt/activity-push/broker"
	"github.com/alwitt/activity-push/common"
	"github.com/alwitt/activity-push/dispatch"
	"github.com/alwitt/activity-push/registry"
	"github.com/alwitt/activity-push/streams"
)

// recordingGateway counts bind / unbind calls per topic and can be told to fail
type recordingGateway struct {
	binds   map[string]int
	unbinds map[string]int
	failure error
}

func newRecordingGateway() *recordingGateway {
	return &recordingGateway{binds: map[string]int{}, unbinds: map[string]int{}}
}

func (g *recordingGateway) DeclareTopology(_ context.Context) error {
	return nil
}

func (g *recordingGateway) Consume(_ broker.ConsumeHandler) error {
	return nil
}

func (g *recordingGateway) Bind(_ context.Context, topic string) error {
	if g.failure != nil {
		return g.failure
	}
	g.binds[topic]++
	return nil
}

func (g *recordingGateway) Unbind(_ context.Context, topic string) error {
	g.unbinds[topic]++
	return nil
}

func (g *recordingGateway) Publish(_ context.Context, _ string, _ []byte) error {
	return nil
}

func (g *recordingGateway) Close(_ context.Context) {}

type noopSession struct {
	id string
}

func (s *noopSession) SessionID() string {
	return s.id
}

func (s *noopSession) SendFrame(_ interface{}) error {
	return nil
}

func TestSubscriptionManager(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	connections, err := registry.GetConnectionRegistry("ut")
	assert.Nil(err)
	gateway := newRecordingGateway()
	transforms, err := dispatch.GetTransformRegistry()
	assert.Nil(err)
	assert.Nil(transforms.Register(dispatch.GetInternalTransformer()))
	assert.Nil(transforms.Register(dispatch.GetActivityStreamTransformer()))

	authCalls := 0
	streamTypes, err := streams.GetTypeRegistry()
	assert.Nil(err)
	assert.Nil(streamTypes.Register(streams.TypeDefinition{
		Name:  "activity",
		Phase: streams.PhaseRouting,
		Authorizer: streams.AuthorizerFunc(func(
			_ context.Context, _ auth.Principal, resourceID string, _ *string,
		) error {
			authCalls++
			if resourceID == "forbidden" {
				return common.NewRequestError(403, "Not allowed")
			}
			return nil
		}),
	}))

	uut, err := GetManager(connections, gateway, streamTypes, transforms, nil)
	assert.Nil(err)

	principal := auth.Principal{TenantAlias: "cam", UserID: "u:cam:abc"}
	sessionA := &noopSession{id: "conn-a"}
	assert.Nil(connections.Register(sessionA))

	activity := streams.ID{ResourceID: "r1", StreamType: "activity"}

	// Case 0: missing stream properties
	err = uut.Subscribe(utCtxt, sessionA, principal, SubscribeRequest{})
	assert.NotNil(err)
	assert.Equal(400, err.(common.RequestError).Code)
	partial := streams.ID{ResourceID: "r1"}
	err = uut.Subscribe(utCtxt, sessionA, principal, SubscribeRequest{Stream: &partial})
	assert.NotNil(err)
	assert.Equal(400, err.(common.RequestError).Code)

	// Case 1: unknown format rejected before authorization runs
	badFormat := "csv"
	err = uut.Subscribe(
		utCtxt, sessionA, principal, SubscribeRequest{Stream: &activity, Format: &badFormat},
	)
	assert.NotNil(err)
	assert.Equal(400, err.(common.RequestError).Code)
	assert.Equal(0, authCalls)

	// Case 2: unregistered stream type rejected
	unknown := streams.ID{ResourceID: "r1", StreamType: "mystery"}
	err = uut.Subscribe(utCtxt, sessionA, principal, SubscribeRequest{Stream: &unknown})
	assert.NotNil(err)
	assert.Equal(400, err.(common.RequestError).Code)

	// Case 3: authorization verdict relayed verbatim
	forbidden := streams.ID{ResourceID: "forbidden", StreamType: "activity"}
	err = uut.Subscribe(utCtxt, sessionA, principal, SubscribeRequest{Stream: &forbidden})
	assert.NotNil(err)
	assert.Equal(403, err.(common.RequestError).Code)
	assert.Empty(gateway.binds)

	// Case 4: first subscriber binds the topic, then registers
	assert.Nil(uut.Subscribe(utCtxt, sessionA, principal, SubscribeRequest{Stream: &activity}))
	assert.Equal(1, gateway.binds[activity.Topic()])
	entries := connections.ConnectionsFor(activity)
	assert.Len(entries, 1)
	assert.Equal(dispatch.DefaultTransformID, entries[0].TransformID)

	// Case 5: same connection adding a second rendering skips broker and
	// authorization
	callsBefore := authCalls
	externalFormat := "activitystreams"
	assert.Nil(uut.Subscribe(
		utCtxt, sessionA, principal, SubscribeRequest{Stream: &activity, Format: &externalFormat},
	))
	assert.Equal(1, gateway.binds[activity.Topic()])
	assert.Equal(callsBefore, authCalls)
	assert.Len(connections.ConnectionsFor(activity), 2)

	// Case 6: second connection joins without a second bind
	sessionB := &noopSession{id: "conn-b"}
	assert.Nil(connections.Register(sessionB))
	assert.Nil(uut.Subscribe(utCtxt, sessionB, principal, SubscribeRequest{Stream: &activity}))
	assert.Equal(1, gateway.binds[activity.Topic()])
	assert.Len(connections.ConnectionsFor(activity), 3)

	// Case 7: bind failure leaves the registry untouched
	other := streams.ID{ResourceID: "r2", StreamType: "activity"}
	gateway.failure = fmt.Errorf("broker unavailable")
	err = uut.Subscribe(utCtxt, sessionA, principal, SubscribeRequest{Stream: &other})
	assert.NotNil(err)
	assert.Empty(connections.ConnectionsFor(other))
	assert.False(connections.HasSubscription(sessionA, other))
	gateway.failure = nil

	// Case 8: disconnects release the binding only once the last local
	// subscriber is gone
	uut.HandleDisconnect(utCtxt, sessionA)
	assert.Equal(0, gateway.unbinds[activity.Topic()])
	uut.HandleDisconnect(utCtxt, sessionB)
	assert.Equal(1, gateway.unbinds[activity.Topic()])
	assert.Empty(connections.ConnectionsFor(activity))
}
