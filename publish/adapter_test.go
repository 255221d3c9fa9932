package publish

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"

	"github.com/alwitt/activity-push/auth"
	"github.com/alwitt/activity-push/broker"
	"github.com/alwitt/activity-push/streams"
)

func TestPublishAdapter(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	gateway, err := broker.GetInProcessGateway("ut")
	assert.Nil(err)
	received := map[string][][]byte{}
	assert.Nil(gateway.Consume(func(_ context.Context, topic string, payload []byte) {
		received[topic] = append(received[topic], payload)
	}))

	allow := streams.AuthorizerFunc(func(
		_ context.Context, _ auth.Principal, _ string, _ *string,
	) error {
		return nil
	})
	streamTypes, err := streams.GetTypeRegistry()
	assert.Nil(err)
	assert.Nil(streamTypes.Register(streams.TypeDefinition{
		Name: "activity", Phase: streams.PhaseRouting, Authorizer: allow,
	}))
	assert.Nil(streamTypes.Register(streams.TypeDefinition{
		Name: "notification", Phase: streams.PhaseAggregation, Authorizer: allow,
	}))

	uut, err := GetAdapter(gateway, streamTypes, nil)
	assert.Nil(err)

	activity := streams.ID{ResourceID: "r1", StreamType: "activity"}
	notification := streams.ID{ResourceID: "r1", StreamType: "notification"}
	assert.Nil(gateway.Bind(utCtxt, activity.Topic()))
	assert.Nil(gateway.Bind(utCtxt, notification.Topic()))

	// One emitted event touching a routing-phase and an aggregation-phase stream
	// type of the same resource
	batch := ActivityBatch{
		"r1": {
			"activity":     {json.RawMessage(`{"verb":"share"}`)},
			"notification": {json.RawMessage(`{"verb":"invite"}`)},
		},
	}
	counts := NewActivityCounts{"r1": {"notification": 2}}

	// Case 0: the routing hook publishes only for the routing-phase stream type
	assert.Nil(uut.RoutedActivities(utCtxt, batch))
	assert.Len(received[activity.Topic()], 1)
	assert.Empty(received[notification.Topic()])

	// Case 1: the aggregation hook publishes only for the aggregation-phase
	// stream type, so the event reaches each stream type exactly once
	assert.Nil(uut.AggregatedActivities(utCtxt, batch, counts))
	assert.Len(received[activity.Topic()], 1)
	assert.Len(received[notification.Topic()], 1)

	var routed streams.Envelope
	assert.Nil(json.Unmarshal(received[activity.Topic()][0], &routed))
	assert.Equal("r1", routed.ResourceID)
	assert.Equal("activity", routed.StreamType)
	assert.Len(routed.Activities, 1)
	assert.Nil(routed.NumNewActivities)

	var aggregated streams.Envelope
	assert.Nil(json.Unmarshal(received[notification.Topic()][0], &aggregated))
	assert.Equal("notification", aggregated.StreamType)
	assert.NotNil(aggregated.NumNewActivities)
	assert.Equal(2, *aggregated.NumNewActivities)

	// Case 2: unregistered stream types are skipped without failing the batch
	junkBatch := ActivityBatch{
		"r1": {"mystery": {json.RawMessage(`{"verb":"noop"}`)}},
	}
	assert.Nil(uut.RoutedActivities(utCtxt, junkBatch))
	assert.Len(received, 2)
}
