package streams

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ID composite key identifying one activity stream of one resource. Two streams
// over the same resource but with different types are never conflated.
type ID struct {
	// ResourceID is the ID of the resource the stream belongs to
	ResourceID string `json:"resourceId" validate:"required"`
	// StreamType is the type of stream, e.g. "activity" or "notification"
	StreamType string `json:"streamType" validate:"required"`
}

// Topic the broker-level routing key for this stream
func (i ID) Topic() string {
	return fmt.Sprintf("%s#%s", i.ResourceID, i.StreamType)
}

// String implements Stringer
func (i ID) String() string {
	return i.Topic()
}

// ParseTopic recover a stream ID from its broker routing key. The stream type
// never contains the separator, so the split happens on the last occurrence.
func ParseTopic(topic string) (ID, error) {
	idx := strings.LastIndex(topic, "#")
	if idx <= 0 || idx == len(topic)-1 {
		return ID{}, fmt.Errorf("'%s' is not a valid stream topic", topic)
	}
	return ID{ResourceID: topic[:idx], StreamType: topic[idx+1:]}, nil
}

// ==============================================================================

// Envelope a routed or aggregated batch of activities bound for one stream.
// Produced by the external aggregation pipeline, immutable once constructed.
// The activities payload is opaque to the push subsystem.
type Envelope struct {
	// ResourceID is the ID of the resource the activities belong to
	ResourceID string `json:"resourceId" validate:"required"`
	// StreamType is the stream type the activities belong to
	StreamType string `json:"streamType" validate:"required"`
	// Activities is the ordered set of activity objects
	Activities []json.RawMessage `json:"activities" validate:"required"`
	// NumNewActivities is the count of new activities after aggregation, when known
	NumNewActivities *int `json:"numNewActivities,omitempty"`
}

// StreamID the stream this envelope is bound for
func (e Envelope) StreamID() ID {
	return ID{ResourceID: e.ResourceID, StreamType: e.StreamType}
}
