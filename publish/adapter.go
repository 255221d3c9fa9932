package publish

import (
	"context"
	"encoding/json"

	"github.com/apex/log"

	"github.com/alwitt/activity-push/broker"
	"github.com/alwitt/activity-push/common"
	"github.com/alwitt/activity-push/metrics"
	"github.com/alwitt/activity-push/streams"
)

// ActivityBatch activities emitted by the aggregation pipeline for one event,
// keyed by resource ID then stream type
type ActivityBatch map[string]map[string][]json.RawMessage

// NewActivityCounts per resource and stream type count of unseen activities,
// provided with aggregated emissions
type NewActivityCounts map[string]map[string]int

// Adapter observer of the aggregation pipeline. Registered once at startup; the
// pipeline calls one hook per emission phase, and the adapter republishes onto
// the broker for the stream types whose declared delivery phase matches.
type Adapter interface {
	// RoutedActivities process activities emitted at the routing phase
	RoutedActivities(ctxt context.Context, batch ActivityBatch) error
	// AggregatedActivities process activities emitted at the aggregation phase
	AggregatedActivities(
		ctxt context.Context, batch ActivityBatch, newCounts NewActivityCounts,
	) error
}

// adapterImpl implements Adapter
type adapterImpl struct {
	common.Component
	gateway     broker.Gateway
	streamTypes streams.TypeRegistry
	instruments *metrics.PushMetrics
}

// GetAdapter define a new publish Adapter
func GetAdapter(
	gateway broker.Gateway,
	streamTypes streams.TypeRegistry,
	instruments *metrics.PushMetrics,
) (Adapter, error) {
	logTags := log.Fields{"module": "publish", "component": "adapter"}
	return &adapterImpl{
		Component:   common.Component{LogTags: logTags},
		gateway:     gateway,
		streamTypes: streamTypes,
		instruments: instruments,
	}, nil
}

// RoutedActivities process activities emitted at the routing phase
func (a *adapterImpl) RoutedActivities(ctxt context.Context, batch ActivityBatch) error {
	return a.publishMatching(ctxt, streams.PhaseRouting, batch, nil)
}

// AggregatedActivities process activities emitted at the aggregation phase
func (a *adapterImpl) AggregatedActivities(
	ctxt context.Context, batch ActivityBatch, newCounts NewActivityCounts,
) error {
	return a.publishMatching(ctxt, streams.PhaseAggregation, batch, newCounts)
}

// publishMatching publish an envelope per (resource, stream type) pair whose
// declared delivery phase matches the phase of the calling hook. The phase
// setting is the single source of truth, so one underlying event is never
// published twice for a stream type across the two hooks.
func (a *adapterImpl) publishMatching(
	ctxt context.Context,
	phase streams.DeliveryPhase,
	batch ActivityBatch,
	newCounts NewActivityCounts,
) error {
	var firstErr error
	for resourceID, perStream := range batch {
		for streamType, activities := range perStream {
			declared, ok := a.streamTypes.PhaseFor(streamType)
			if !ok {
				log.WithFields(a.LogTags).Errorf(
					"Skipping emission for unregistered stream type %s", streamType,
				)
				continue
			}
			if declared != phase {
				continue
			}
			envelope := streams.Envelope{
				ResourceID: resourceID,
				StreamType: streamType,
				Activities: activities,
			}
			if newCounts != nil {
				if count, ok := newCounts[resourceID][streamType]; ok {
					envelope.NumNewActivities = &count
				}
			}
			payload, err := json.Marshal(&envelope)
			if err != nil {
				log.WithError(err).WithFields(a.LogTags).Errorf(
					"Unable to serialize envelope for %s", envelope.StreamID(),
				)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if err := a.gateway.Publish(ctxt, envelope.StreamID().Topic(), payload); err != nil {
				log.WithError(err).WithFields(a.LogTags).Errorf(
					"Unable to publish %s", envelope.StreamID(),
				)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			a.instruments.RecordPublish(string(phase))
		}
	}
	return firstErr
}
