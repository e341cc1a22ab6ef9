// Package registry owns the authoritative session table. Every mutation
// of session state goes through here under a single lock; other
// components only ever see copies.
package registry

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/visp-platform/session-broker/pkg/models"
)

// tokenBytes gives 192 bits of entropy, comfortably past the 128-bit floor.
const tokenBytes = 24

// NewToken returns a cryptographically random, URL-safe session token.
func NewToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the platform RNG is broken;
		// nothing sensible to do but stop.
		panic(fmt.Sprintf("registry: rng failure: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// key identifies the at-most-one-session constraint: one pending session
// per (owner, workspaceRef).
func key(owner, workspaceRef string) string {
	return owner + "\x00" + workspaceRef
}

// pending reports whether a state occupies the (owner, workspaceRef) slot.
// Committing counts: it is a sub-cycle of Active and the session still
// owns its workspace.
func pending(state models.SessionState) bool {
	switch state {
	case models.StateProvisioning, models.StateActive, models.StateCommitting:
		return true
	}
	return false
}

// Lookup returns the session for a token.
func (r *Registry) Lookup(token string) (models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byToken[token]
	if !ok {
		return models.Session{}, models.ErrInvalidToken
	}
	return copySession(s), nil
}

// FindActive returns the pending (Provisioning/Active/Committing) session
// for an (owner, workspaceRef) pair, if one exists.
func (r *Registry) FindActive(owner, workspaceRef string) (models.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.byKey[key(owner, workspaceRef)]
	if !ok {
		return models.Session{}, false
	}
	return copySession(r.byToken[token]), true
}

// Insert adds a new session record. It fails with Conflict when the token
// is already taken or when a pending session already occupies the
// (owner, workspaceRef) slot.
func (r *Registry) Insert(s models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byToken[s.Token]; exists {
		return fmt.Errorf("token already registered: %w", models.ErrConflict)
	}
	k := key(s.Owner, s.WorkspaceRef)
	if pending(s.State) {
		if _, occupied := r.byKey[k]; occupied {
			return fmt.Errorf("session already pending for %s/%s: %w",
				s.Owner, s.WorkspaceRef, models.ErrConflict)
		}
		r.byKey[k] = s.Token
	}

	stored := copySession(&s)
	r.byToken[s.Token] = &stored
	return r.persistLocked()
}

// Transition moves a session from one state to another. It fails with
// Conflict when the session is not currently in from, or when from -> to
// is not a legal edge. Nothing ever leaves Terminated.
func (r *Registry) Transition(token string, from, to models.SessionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byToken[token]
	if !ok {
		return models.ErrInvalidToken
	}
	if s.State != from {
		return fmt.Errorf("session is %s, not %s: %w", s.State, from, models.ErrConflict)
	}
	if !models.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", from, to, models.ErrConflict)
	}

	s.State = to
	k := key(s.Owner, s.WorkspaceRef)
	if pending(from) && !pending(to) {
		if r.byKey[k] == token {
			delete(r.byKey, k)
		}
	}
	return r.persistLocked()
}

// Activate records the container handle and moves Provisioning -> Active
// in one step, so a session is never observable as Active without an
// endpoint.
func (r *Registry) Activate(token string, h models.ContainerHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byToken[token]
	if !ok {
		return models.ErrInvalidToken
	}
	if s.State != models.StateProvisioning {
		return fmt.Errorf("session is %s, not %s: %w",
			s.State, models.StateProvisioning, models.ErrConflict)
	}

	handle := h
	s.Container = &handle
	s.State = models.StateActive
	return r.persistLocked()
}

// Touch refreshes the session's last-activity timestamp.
func (r *Registry) Touch(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byToken[token]
	if !ok {
		return models.ErrInvalidToken
	}
	s.LastActivityAt = time.Now()
	// Activity timestamps are not worth a snapshot write per request;
	// they are rebuilt as "now" on restore.
	return nil
}

// List returns sessions for an owner; an empty owner returns everything.
func (r *Registry) List(owner string) []models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Session
	for _, s := range r.byToken {
		if owner != "" && s.Owner != owner {
			continue
		}
		out = append(out, copySession(s))
	}
	return out
}

// Remove drops a session record entirely.
func (r *Registry) Remove(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byToken[token]
	if !ok {
		return models.ErrInvalidToken
	}
	k := key(s.Owner, s.WorkspaceRef)
	if r.byKey[k] == token {
		delete(r.byKey, k)
	}
	delete(r.byToken, token)
	return r.persistLocked()
}

func copySession(s *models.Session) models.Session {
	out := *s
	if s.Container != nil {
		h := *s.Container
		out.Container = &h
	}
	return out
}
