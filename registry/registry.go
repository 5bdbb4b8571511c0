// Package registry tracks live call sessions and resolves every identifier
// space a call is known by (server-call id, connection id, media
// subscription id, correlation id) to a single session.
package registry

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"callrouter/model"
)

var (
	// ErrAlreadyExists is returned when a session is already registered
	// for the server-call id.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrUnknownSession is returned when binding an alias to an absent session.
	ErrUnknownSession = errors.New("unknown session")
	// ErrKeyCollision is returned when an alias already resolves to a
	// different session.
	ErrKeyCollision = errors.New("secondary key collision")
	// ErrNotFound is returned by lookups and updates for absent sessions.
	ErrNotFound = errors.New("session not found")
)

// Registry is the process-wide table of active call sessions. All methods
// are safe for concurrent use; locks cover only table mutation.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	aliases  map[model.KeySpace]map[string]string // key space -> value -> server-call id
	log      *logrus.Entry
}

// New creates an empty registry
func New(log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		sessions: make(map[string]*model.Session),
		aliases:  make(map[model.KeySpace]map[string]string),
		log:      log,
	}
}

// Create registers a new session under its server-call id. At most one live
// session may exist per server-call id at any time.
func (r *Registry) Create(session *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ServerCallID]; exists {
		return ErrAlreadyExists
	}
	r.sessions[session.ServerCallID] = session
	return nil
}

// Bind adds a secondary-key alias for an existing session
func (r *Registry) Bind(serverCallID string, space model.KeySpace, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[serverCallID]; !exists {
		return ErrUnknownSession
	}

	byValue := r.aliases[space]
	if byValue == nil {
		byValue = make(map[string]string)
		r.aliases[space] = byValue
	}
	if owner, exists := byValue[value]; exists && owner != serverCallID {
		return ErrKeyCollision
	}
	byValue[value] = serverCallID
	return nil
}

// Lookup resolves a key in any identifier space to a snapshot of its
// session. KeyServerCall resolves directly; other spaces go through the
// alias table.
func (r *Registry) Lookup(space model.KeySpace, value string) (model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.resolve(space, value)
	if !exists {
		return model.Session{}, ErrNotFound
	}
	return snapshot(session), nil
}

// Update applies a mutation to the session under the registry lock. The
// session's own runner is the only caller; other components read via Lookup.
func (r *Registry) Update(serverCallID string, mutate func(*model.Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[serverCallID]
	if !exists {
		return ErrNotFound
	}
	mutate(session)
	return nil
}

// Remove deletes the session and every alias pointing to it. Removing an
// absent session is a no-op.
func (r *Registry) Remove(serverCallID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[serverCallID]; !exists {
		return
	}
	delete(r.sessions, serverCallID)

	for _, byValue := range r.aliases {
		for value, owner := range byValue {
			if owner == serverCallID {
				delete(byValue, value)
			}
		}
	}
}

// Active reports the number of live sessions
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) resolve(space model.KeySpace, value string) (*model.Session, bool) {
	if space == model.KeyServerCall {
		s, ok := r.sessions[value]
		return s, ok
	}
	byValue := r.aliases[space]
	if byValue == nil {
		return nil, false
	}
	serverCallID, ok := byValue[value]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[serverCallID]
	return s, ok
}

func snapshot(s *model.Session) model.Session {
	out := *s
	out.Timeline = append([]model.Event{}, s.Timeline...)
	return out
}
