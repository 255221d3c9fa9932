package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"

	"github.com/alwitt/activity-push/registry"
	"github.com/alwitt/activity-push/streams"
)

type captureSession struct {
	id        string
	frames    []PushFrame
	failWrite bool
}

func (s *captureSession) SessionID() string {
	return s.id
}

func (s *captureSession) SendFrame(frame interface{}) error {
	if s.failWrite {
		return fmt.Errorf("socket gone")
	}
	s.frames = append(s.frames, *(frame.(*PushFrame)))
	return nil
}

type failingTransformer struct{}

func (t *failingTransformer) TransformID() string {
	return "broken"
}

func (t *failingTransformer) Apply(
	_ context.Context, _ []json.RawMessage,
) ([]json.RawMessage, error) {
	return nil, fmt.Errorf("rendering failure")
}

func TestDispatchPipeline(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	connections, err := registry.GetConnectionRegistry("ut")
	assert.Nil(err)
	transforms, err := GetTransformRegistry()
	assert.Nil(err)
	assert.Nil(transforms.Register(GetInternalTransformer()))
	assert.Nil(transforms.Register(GetActivityStreamTransformer()))
	assert.Nil(transforms.Register(&failingTransformer{}))

	completions := []int{}
	uut, err := GetDispatcher(
		connections, transforms, nil, func(_ streams.ID, attempted int) {
			completions = append(completions, attempted)
		},
	)
	assert.Nil(err)

	activity := streams.ID{ResourceID: "r1", StreamType: "activity"}
	envelope := streams.Envelope{
		ResourceID: "r1",
		StreamType: "activity",
		Activities: []json.RawMessage{
			[]byte(`{"verb":"share","internal:rank":3}`),
		},
	}
	payload, err := json.Marshal(&envelope)
	assert.Nil(err)

	// Case 0: no subscribers, completion still fires
	uut.HandleMessage(utCtxt, activity.Topic(), payload)
	assert.Equal([]int{0}, completions)

	// Case 1: one connection, two renderings of the same stream
	sessionA := &captureSession{id: "conn-a"}
	assert.Nil(connections.Register(sessionA))
	assert.Nil(connections.RecordSubscription(sessionA, activity, "internal"))
	assert.Nil(connections.RecordSubscription(sessionA, activity, "activitystreams"))

	uut.HandleMessage(utCtxt, activity.Topic(), payload)
	assert.Len(sessionA.frames, 2)
	assert.Equal("internal", sessionA.frames[0].Format)
	assert.Equal("activitystreams", sessionA.frames[1].Format)
	// The external rendering dropped the internal extension, the internal
	// rendering kept it
	var internalActivity, externalActivity map[string]interface{}
	assert.Nil(json.Unmarshal(sessionA.frames[0].Activities[0], &internalActivity))
	assert.Nil(json.Unmarshal(sessionA.frames[1].Activities[0], &externalActivity))
	assert.Contains(internalActivity, "internal:rank")
	assert.NotContains(externalActivity, "internal:rank")
	assert.Equal([]int{0, 2}, completions)

	// Case 2: a transform failure skips only the affected pair
	sessionB := &captureSession{id: "conn-b"}
	assert.Nil(connections.Register(sessionB))
	assert.Nil(connections.RecordSubscription(sessionB, activity, "broken"))
	uut.HandleMessage(utCtxt, activity.Topic(), payload)
	assert.Len(sessionA.frames, 4)
	assert.Empty(sessionB.frames)
	assert.Equal([]int{0, 2, 3}, completions)

	// Case 3: a write failure skips only the affected pair
	sessionA.failWrite = true
	uut.HandleMessage(utCtxt, activity.Topic(), payload)
	assert.Len(sessionA.frames, 4)
	assert.Equal([]int{0, 2, 3, 3}, completions)
	sessionA.failWrite = false

	// Case 4: messages for sibling streams never cross over
	notification := streams.ID{ResourceID: "r1", StreamType: "notification"}
	otherEnvelope := streams.Envelope{
		ResourceID: "r1",
		StreamType: "notification",
		Activities: []json.RawMessage{[]byte(`{"verb":"invite"}`)},
	}
	otherPayload, err := json.Marshal(&otherEnvelope)
	assert.Nil(err)
	uut.HandleMessage(utCtxt, notification.Topic(), otherPayload)
	assert.Len(sessionA.frames, 4)
	assert.Empty(sessionB.frames)

	// Case 5: junk from the broker is dropped without effect
	uut.HandleMessage(utCtxt, "bad-topic", payload)
	uut.HandleMessage(utCtxt, activity.Topic(), []byte("{not json"))
	assert.Len(sessionA.frames, 4)
}
