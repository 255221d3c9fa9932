package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInProcessGateway(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut, err := GetInProcessGateway("ut")
	assert.Nil(err)
	assert.Nil(uut.DeclareTopology(utCtxt))

	// Case 0: bind before consume handler installed
	assert.NotNil(uut.Bind(utCtxt, "r1#activity"))

	received := []string{}
	assert.Nil(uut.Consume(func(_ context.Context, topic string, payload []byte) {
		received = append(received, topic+":"+string(payload))
	}))
	assert.NotNil(uut.Consume(func(_ context.Context, _ string, _ []byte) {}))

	// Case 1: publish with no binding is dropped
	assert.Nil(uut.Publish(utCtxt, "r1#activity", []byte("zero")))
	assert.Empty(received)

	// Case 2: bound topic delivers
	assert.Nil(uut.Bind(utCtxt, "r1#activity"))
	assert.Nil(uut.Publish(utCtxt, "r1#activity", []byte("one")))
	assert.Equal([]string{"r1#activity:one"}, received)

	// Case 3: other topics do not deliver
	assert.Nil(uut.Publish(utCtxt, "r1#notification", []byte("two")))
	assert.Nil(uut.Publish(utCtxt, "r2#activity", []byte("three")))
	assert.Len(received, 1)

	// Case 4: unbind stops delivery, and is idempotent
	assert.Nil(uut.Unbind(utCtxt, "r1#activity"))
	assert.Nil(uut.Unbind(utCtxt, "r1#activity"))
	assert.Nil(uut.Publish(utCtxt, "r1#activity", []byte("four")))
	assert.Len(received, 1)
}
