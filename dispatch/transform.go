package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/apex/log"

	"github.com/alwitt/activity-push/common"
)

// DefaultTransformID the output rendering used when a subscribe request names
// no format
const DefaultTransformID = "internal"

// Transformer converts the internal activity shape into one requested external
// representation. Implementations must treat their input as read-only.
type Transformer interface {
	// TransformID the format name clients request this rendering under
	TransformID() string
	// Apply render a batch of activities
	Apply(ctxt context.Context, activities []json.RawMessage) ([]json.RawMessage, error)
}

// TransformRegistry the set of registered output renderings. Populated at node
// start, read-only afterward.
type TransformRegistry interface {
	// Register add a transformer
	Register(transformer Transformer) error
	// Known check whether a format name is registered
	Known(transformID string) bool
	// TransformerFor fetch a transformer by format name
	TransformerFor(transformID string) (Transformer, bool)
}

// transformRegistryImpl implements TransformRegistry
type transformRegistryImpl struct {
	common.Component
	lock         sync.RWMutex
	transformers map[string]Transformer
}

// GetTransformRegistry define a new transform registry
func GetTransformRegistry() (TransformRegistry, error) {
	logTags := log.Fields{"module": "dispatch", "component": "transform-registry"}
	return &transformRegistryImpl{
		Component:    common.Component{LogTags: logTags},
		transformers: make(map[string]Transformer),
	}, nil
}

// Register add a transformer
func (r *transformRegistryImpl) Register(transformer Transformer) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	transformID := transformer.TransformID()
	if transformID == "" {
		return fmt.Errorf("transformer has no format name")
	}
	if _, ok := r.transformers[transformID]; ok {
		return fmt.Errorf("format %s already registered", transformID)
	}
	r.transformers[transformID] = transformer
	log.WithFields(r.LogTags).Infof("Registered format %s", transformID)
	return nil
}

// Known check whether a format name is registered
func (r *transformRegistryImpl) Known(transformID string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, ok := r.transformers[transformID]
	return ok
}

// TransformerFor fetch a transformer by format name
func (r *transformRegistryImpl) TransformerFor(transformID string) (Transformer, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	transformer, ok := r.transformers[transformID]
	return transformer, ok
}

// ==============================================================================
// Built-in renderings

// internalTransformer passes the internal activity shape through unchanged
type internalTransformer struct{}

// GetInternalTransformer define the passthrough "internal" rendering
func GetInternalTransformer() Transformer {
	return &internalTransformer{}
}

// TransformID the format name clients request this rendering under
func (t *internalTransformer) TransformID() string {
	return DefaultTransformID
}

// Apply render a batch of activities
func (t *internalTransformer) Apply(
	ctxt context.Context, activities []json.RawMessage,
) ([]json.RawMessage, error) {
	return activities, nil
}

// activityStreamTransformer renders activities for external consumption by
// stripping properties under the internal extension prefix
type activityStreamTransformer struct {
	internalPrefix string
}

// GetActivityStreamTransformer define the "activitystreams" rendering
func GetActivityStreamTransformer() Transformer {
	return &activityStreamTransformer{internalPrefix: "internal:"}
}

// TransformID the format name clients request this rendering under
func (t *activityStreamTransformer) TransformID() string {
	return "activitystreams"
}

// Apply render a batch of activities
func (t *activityStreamTransformer) Apply(
	ctxt context.Context, activities []json.RawMessage,
) ([]json.RawMessage, error) {
	rendered := make([]json.RawMessage, 0, len(activities))
	for _, activity := range activities {
		var parsed map[string]interface{}
		if err := json.Unmarshal(activity, &parsed); err != nil {
			return nil, fmt.Errorf("activity is not an object: %s", err)
		}
		for field := range parsed {
			if strings.HasPrefix(field, t.internalPrefix) {
				delete(parsed, field)
			}
		}
		reserialized, err := json.Marshal(parsed)
		if err != nil {
			return nil, err
		}
		rendered = append(rendered, reserialized)
	}
	return rendered, nil
}
