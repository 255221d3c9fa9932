package streams

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alwitt/activity-push/auth"
)

func TestStreamIDTopic(t *testing.T) {
	assert := assert.New(t)

	// Case 0: round trip
	id := ID{ResourceID: "c:cam:abc123", StreamType: "activity"}
	assert.Equal("c:cam:abc123#activity", id.Topic())
	parsed, err := ParseTopic(id.Topic())
	assert.Nil(err)
	assert.Equal(id, parsed)

	// Case 1: streams sharing a resource are distinct
	other := ID{ResourceID: "c:cam:abc123", StreamType: "notification"}
	assert.NotEqual(id.Topic(), other.Topic())

	// Case 2: invalid topics
	for _, topic := range []string{"", "no-separator", "#leading", "trailing#"} {
		_, err := ParseTopic(topic)
		assert.NotNil(err, topic)
	}
}

func TestTypeRegistry(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetTypeRegistry()
	assert.Nil(err)

	allowAll := AuthorizerFunc(func(
		_ context.Context, _ auth.Principal, _ string, _ *string,
	) error {
		return nil
	})

	// Case 0: unknown stream type
	_, ok := uut.AuthorizerFor("activity")
	assert.False(ok)
	_, ok = uut.PhaseFor("activity")
	assert.False(ok)

	// Case 1: register and look up
	assert.Nil(uut.Register(TypeDefinition{
		Name: "activity", Phase: PhaseRouting, Authorizer: allowAll,
	}))
	authorizer, ok := uut.AuthorizerFor("activity")
	assert.True(ok)
	assert.NotNil(authorizer)
	phase, ok := uut.PhaseFor("activity")
	assert.True(ok)
	assert.Equal(PhaseRouting, phase)

	// Case 2: duplicate registration rejected
	assert.NotNil(uut.Register(TypeDefinition{
		Name: "activity", Phase: PhaseAggregation, Authorizer: allowAll,
	}))

	// Case 3: incomplete definitions rejected
	assert.NotNil(uut.Register(TypeDefinition{Name: "", Phase: PhaseRouting, Authorizer: allowAll}))
	assert.NotNil(uut.Register(TypeDefinition{Name: "notification", Phase: "bogus", Authorizer: allowAll}))
	assert.NotNil(uut.Register(TypeDefinition{Name: "notification", Phase: PhaseAggregation}))
}
