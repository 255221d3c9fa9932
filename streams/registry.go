package streams

import (
	"context"
	"fmt"
	"sync"

	"github.com/apex/log"

	"github.com/alwitt/activity-push/auth"
	"github.com/alwitt/activity-push/common"
)

// DeliveryPhase the aggregation phase whose output is pushed for a stream type.
// Exactly one phase is authoritative per stream type, so one underlying event is
// never published twice.
type DeliveryPhase string

const (
	// PhaseRouting push as soon as the activity has been routed
	PhaseRouting DeliveryPhase = "routing"
	// PhaseAggregation push once the activity batch has been aggregated
	PhaseAggregation DeliveryPhase = "aggregation"
)

// Authorizer per-stream-type authorization handler provided by the external
// collaborator owning that stream type
type Authorizer interface {
	// Authorize check whether a principal may subscribe to a resource's stream
	Authorize(ctxt context.Context, principal auth.Principal, resourceID string, token *string) error
}

// AuthorizerFunc adapter allowing plain functions as Authorizer
type AuthorizerFunc func(
	ctxt context.Context, principal auth.Principal, resourceID string, token *string,
) error

// Authorize check whether a principal may subscribe to a resource's stream
func (f AuthorizerFunc) Authorize(
	ctxt context.Context, principal auth.Principal, resourceID string, token *string,
) error {
	return f(ctxt, principal, resourceID, token)
}

// TypeDefinition registration entry for one stream type
type TypeDefinition struct {
	// Name is the stream type name, e.g. "activity"
	Name string `validate:"required"`
	// Phase is the aggregation phase whose output is pushed for this stream type
	Phase DeliveryPhase `validate:"required,oneof=routing aggregation"`
	// Authorizer is the subscription authorization handler for this stream type
	Authorizer Authorizer `validate:"required"`
}

// TypeRegistry capability-keyed registry of known stream types. Stream types
// register themselves at node start from their owning collaborator; lookups
// afterward are read-only.
type TypeRegistry interface {
	// Register add a stream type definition
	Register(definition TypeDefinition) error
	// AuthorizerFor fetch the authorization handler of a stream type
	AuthorizerFor(streamType string) (Authorizer, bool)
	// PhaseFor fetch the delivery phase of a stream type
	PhaseFor(streamType string) (DeliveryPhase, bool)
}

// typeRegistryImpl implements TypeRegistry
type typeRegistryImpl struct {
	common.Component
	lock        sync.RWMutex
	definitions map[string]TypeDefinition
}

// GetTypeRegistry define a new stream type registry
func GetTypeRegistry() (TypeRegistry, error) {
	logTags := log.Fields{"module": "streams", "component": "type-registry"}
	return &typeRegistryImpl{
		Component:   common.Component{LogTags: logTags},
		definitions: make(map[string]TypeDefinition),
	}, nil
}

// Register add a stream type definition
func (r *typeRegistryImpl) Register(definition TypeDefinition) error {
	if definition.Name == "" || definition.Authorizer == nil {
		return fmt.Errorf("stream type definition is incomplete")
	}
	if definition.Phase != PhaseRouting && definition.Phase != PhaseAggregation {
		return fmt.Errorf("'%s' is not a valid delivery phase", definition.Phase)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.definitions[definition.Name]; ok {
		return fmt.Errorf("stream type %s already registered", definition.Name)
	}
	r.definitions[definition.Name] = definition
	log.WithFields(r.LogTags).Infof(
		"Registered stream type %s with %s phase delivery", definition.Name, definition.Phase,
	)
	return nil
}

// AuthorizerFor fetch the authorization handler of a stream type
func (r *typeRegistryImpl) AuthorizerFor(streamType string) (Authorizer, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	definition, ok := r.definitions[streamType]
	if !ok {
		return nil, false
	}
	return definition.Authorizer, true
}

// PhaseFor fetch the delivery phase of a stream type
func (r *typeRegistryImpl) PhaseFor(streamType string) (DeliveryPhase, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	definition, ok := r.definitions[streamType]
	if !ok {
		return "", false
	}
	return definition.Phase, true
}
