package dispatch

import (
	"context"
	"encoding/json"

	"github.com/apex/log"

	"github.com/alwitt/activity-push/common"
	"github.com/alwitt/activity-push/metrics"
	"github.com/alwitt/activity-push/registry"
	"github.com/alwitt/activity-push/streams"
)

// PushFrame the unsolicited frame written to a client socket for one delivery.
// Carries no replyTo, distinguishing it from request / response frames.
type PushFrame struct {
	ResourceID       string            `json:"resourceId"`
	StreamType       string            `json:"streamType"`
	Activities       []json.RawMessage `json:"activities"`
	Format           string            `json:"format"`
	NumNewActivities *int              `json:"numNewActivities,omitempty"`
}

// CompletionCB fires once every (connection, transform) pair of one broker
// message has been attempted
type CompletionCB func(id streams.ID, attempted int)

// Dispatcher fans one broker message out to every local socket subscribed to
// its topic, rendered per the transform each subscription requested
type Dispatcher interface {
	// HandleMessage process one message arriving from the broker. Satisfies
	// broker.ConsumeHandler.
	HandleMessage(ctxt context.Context, topic string, payload []byte)
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	common.Component
	connections  registry.ConnectionRegistry
	transforms   TransformRegistry
	instruments  *metrics.PushMetrics
	completionCB CompletionCB
}

// GetDispatcher define a new Dispatcher. completionCB may be nil.
func GetDispatcher(
	connections registry.ConnectionRegistry,
	transforms TransformRegistry,
	instruments *metrics.PushMetrics,
	completionCB CompletionCB,
) (Dispatcher, error) {
	logTags := log.Fields{"module": "dispatch", "component": "pipeline"}
	return &dispatcherImpl{
		Component:    common.Component{LogTags: logTags},
		connections:  connections,
		transforms:   transforms,
		instruments:  instruments,
		completionCB: completionCB,
	}, nil
}

// HandleMessage process one message arriving from the broker
func (d *dispatcherImpl) HandleMessage(ctxt context.Context, topic string, payload []byte) {
	id, err := streams.ParseTopic(topic)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Dropping message on bad topic '%s'", topic)
		return
	}
	var envelope streams.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Dropping undecodable message on %s", topic)
		return
	}

	// Every (connection, transform) pair is attempted before completion fires
	entries := d.connections.ConnectionsFor(id)
	pending := len(entries)
	for _, entry := range entries {
		d.deliverOne(ctxt, id, envelope, entry)
		pending--
	}
	if pending == 0 && d.completionCB != nil {
		d.completionCB(id, len(entries))
	}
}

// deliverOne attempt delivery to one (connection, transform) pair. A failure
// here never aborts delivery to sibling pairs.
func (d *dispatcherImpl) deliverOne(
	ctxt context.Context, id streams.ID, envelope streams.Envelope, entry registry.Entry,
) {
	transformer, ok := d.transforms.TransformerFor(entry.TransformID)
	if !ok {
		log.WithFields(d.LogTags).Errorf(
			"Connection %s holds unknown format %s for %s, skipping",
			entry.Session.SessionID(), entry.TransformID, id,
		)
		d.instruments.RecordDelivery("transform_error")
		return
	}

	// One broker message fans out into many renderings, so each transform works
	// on its own copy of the payload
	rendered, err := transformer.Apply(ctxt, cloneActivities(envelope.Activities))
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Format %s failed for connection %s on %s, skipping",
			entry.TransformID, entry.Session.SessionID(), id,
		)
		d.instruments.RecordDelivery("transform_error")
		return
	}

	frame := PushFrame{
		ResourceID:       id.ResourceID,
		StreamType:       id.StreamType,
		Activities:       rendered,
		Format:           entry.TransformID,
		NumNewActivities: envelope.NumNewActivities,
	}
	if err := entry.Session.SendFrame(&frame); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to write %s frame to connection %s", id, entry.Session.SessionID(),
		)
		d.instruments.RecordDelivery("write_error")
		return
	}
	d.instruments.RecordDelivery("ok")
}

// cloneActivities deep-copy the raw activity payloads
func cloneActivities(activities []json.RawMessage) []json.RawMessage {
	cloned := make([]json.RawMessage, len(activities))
	for idx, activity := range activities {
		buf := make([]byte, len(activity))
		copy(buf, activity)
		cloned[idx] = buf
	}
	return cloned
}
