package registry

import (
	"sync"

	"github.com/apex/log"

	"github.com/alwitt/activity-push/common"
	"github.com/alwitt/activity-push/streams"
)

// Session one live client connection as seen by the push pipeline
type Session interface {
	// SessionID stable ID of the connection for bookkeeping and logging
	SessionID() string
	// SendFrame serialize a frame and write it to the client socket
	SendFrame(frame interface{}) error
}

// Entry one (connection, transform) pairing subscribed to a stream. A session
// subscribed to one stream under two transforms appears twice.
type Entry struct {
	// Session is the subscribed connection
	Session Session
	// TransformID is the output rendering the connection requested
	TransformID string
}

// ConnectionRegistry tracks every live connection on this node and its
// subscription set. Constructed at node start, torn down at node shutdown;
// the only state shared across connection handlers.
type ConnectionRegistry interface {
	// Register track a new connection
	Register(session Session) error
	// RecordSubscription record that a connection wants a stream rendered with a
	// transform. Appends; recording the same stream twice with different
	// transforms keeps both.
	RecordSubscription(session Session, id streams.ID, transformID string) error
	// HasSubscription check whether a connection already holds a stream
	HasSubscription(session Session, id streams.ID) bool
	// ConnectionsFor fetch the ordered (connection, transform) pairs subscribed
	// to a stream
	ConnectionsFor(id streams.ID) []Entry
	// RemoveConnection drop a connection from every stream it subscribed to.
	// Idempotent. Returns the streams whose local subscriber list became empty,
	// so the caller can release the broker bindings.
	RemoveConnection(session Session) []streams.ID
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock sync.RWMutex
	// subscribers is the authoritative per-stream list. A list, not a counter:
	// removal must locate and splice the exact connection.
	subscribers map[streams.ID][]Entry
	// sessions maps a connection to the streams it holds
	sessions map[string]map[streams.ID]bool
	// liveSessions maps session ID back to the session handle
	liveSessions map[string]Session
}

// GetConnectionRegistry define a new ConnectionRegistry
func GetConnectionRegistry(instance string) (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module":    "registry",
		"component": "connection-registry",
		"instance":  instance,
	}
	return &connectionRegistryImpl{
		Component:    common.Component{LogTags: logTags},
		subscribers:  make(map[streams.ID][]Entry),
		sessions:     make(map[string]map[streams.ID]bool),
		liveSessions: make(map[string]Session),
	}, nil
}

// Register track a new connection
func (r *connectionRegistryImpl) Register(session Session) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	sessionID := session.SessionID()
	if _, ok := r.sessions[sessionID]; !ok {
		r.sessions[sessionID] = make(map[streams.ID]bool)
		r.liveSessions[sessionID] = session
	}
	log.WithFields(r.LogTags).Debugf("Registered connection %s", sessionID)
	return nil
}

// RecordSubscription record that a connection wants a stream rendered with a transform
func (r *connectionRegistryImpl) RecordSubscription(
	session Session, id streams.ID, transformID string,
) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	sessionID := session.SessionID()
	if _, ok := r.sessions[sessionID]; !ok {
		r.sessions[sessionID] = make(map[streams.ID]bool)
		r.liveSessions[sessionID] = session
	}
	r.sessions[sessionID][id] = true
	r.subscribers[id] = append(
		r.subscribers[id], Entry{Session: session, TransformID: transformID},
	)
	log.WithFields(r.LogTags).Debugf(
		"Connection %s subscribed to %s as %s", sessionID, id, transformID,
	)
	return nil
}

// HasSubscription check whether a connection already holds a stream
func (r *connectionRegistryImpl) HasSubscription(session Session, id streams.ID) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	held, ok := r.sessions[session.SessionID()]
	if !ok {
		return false
	}
	return held[id]
}

// ConnectionsFor fetch the ordered (connection, transform) pairs subscribed to a stream
func (r *connectionRegistryImpl) ConnectionsFor(id streams.ID) []Entry {
	r.lock.RLock()
	defer r.lock.RUnlock()
	entries := r.subscribers[id]
	result := make([]Entry, len(entries))
	copy(result, entries)
	return result
}

// RemoveConnection drop a connection from every stream it subscribed to
func (r *connectionRegistryImpl) RemoveConnection(session Session) []streams.ID {
	r.lock.Lock()
	defer r.lock.Unlock()
	sessionID := session.SessionID()
	held, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(r.sessions, sessionID)
	delete(r.liveSessions, sessionID)
	emptied := []streams.ID{}
	for id := range held {
		remaining := r.subscribers[id][:0]
		for _, entry := range r.subscribers[id] {
			if entry.Session.SessionID() != sessionID {
				remaining = append(remaining, entry)
			}
		}
		if len(remaining) == 0 {
			delete(r.subscribers, id)
			emptied = append(emptied, id)
		} else {
			r.subscribers[id] = remaining
		}
	}
	log.WithFields(r.LogTags).Debugf("Removed connection %s", sessionID)
	return emptied
}
