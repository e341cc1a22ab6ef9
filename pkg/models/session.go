package models

import "time"

// SessionState represents the current state of a session
type SessionState string

const (
	StateProvisioning SessionState = "PROVISIONING"
	StateActive       SessionState = "ACTIVE"
	StateCommitting   SessionState = "COMMITTING"
	StateTerminating  SessionState = "TERMINATING"
	StateTerminated   SessionState = "TERMINATED"
)

// validTransitions is the complete edge set of the session state machine.
// Terminated has no outgoing edges. Committing can only return to Active,
// which is what forces a delete during commit into a Conflict.
var validTransitions = map[SessionState][]SessionState{
	StateProvisioning: {StateActive, StateTerminating},
	StateActive:       {StateCommitting, StateTerminating},
	StateCommitting:   {StateActive},
	StateTerminating:  {StateTerminated},
	StateTerminated:   {},
}

// CanTransition reports whether from -> to is a legal state machine edge.
func CanTransition(from, to SessionState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SessionKind selects which session image backs the container
type SessionKind string

const (
	KindOperations SessionKind = "operations"
	KindRStudio    SessionKind = "rstudio"
	KindJupyter    SessionKind = "jupyter"
	KindEditor     SessionKind = "editor"
)

// ValidKind reports whether k is one of the supported session kinds.
func ValidKind(k SessionKind) bool {
	switch k {
	case KindOperations, KindRStudio, KindJupyter, KindEditor:
		return true
	}
	return false
}

// ContainerHandle is the runtime-assigned identity of a session's container.
// A handle belongs to exactly one session.
type ContainerHandle struct {
	ID       string `json:"-"`
	ShortID  string `json:"containerId"`
	Endpoint string `json:"-"` // host:port of the in-container service
}

// Session represents one ephemeral interactive compute environment
type Session struct {
	Token          string           `json:"token"`
	Owner          string           `json:"owner"`
	WorkspaceRef   string           `json:"workspaceRef"`
	Kind           SessionKind      `json:"kind"`
	State          SessionState     `json:"state"`
	Container      *ContainerHandle `json:"container,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	LastActivityAt time.Time        `json:"lastActivityAt"`
}

// CreateSessionRequest is the payload for creating a new session
type CreateSessionRequest struct {
	WorkspaceRef string      `json:"workspaceRef"`
	Kind         SessionKind `json:"kind"`
}

// CommitRequest is the payload for committing a session's workspace
type CommitRequest struct {
	Message string `json:"message,omitempty"`
}

// StatusResponse summarizes the broker for operators
type StatusResponse struct {
	Sessions map[SessionState]int `json:"sessions"`
	Total    int                  `json:"total"`
}
