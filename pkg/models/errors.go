package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the registry, lifecycle manager, and proxy.
// Callers branch with errors.Is; operational detail travels in the wrap.
var (
	// ErrInvalidToken: no session for the token, or the session is no
	// longer routable. Client-facing, not retryable.
	ErrInvalidToken = errors.New("invalid session token")

	// ErrConflict: the operation is illegal in the session's current
	// state (e.g. delete during commit). Retryable after backoff.
	ErrConflict = errors.New("conflicting session state")

	// ErrProvisioningFailed: the runtime or workspace step failed during
	// create. The session has been torn down; a fresh create may retry.
	ErrProvisioningFailed = errors.New("session provisioning failed")

	// ErrProvisioningTimeout: readiness never achieved within the
	// provision deadline. Wraps ErrProvisioningFailed so errors.Is
	// treats a timeout as a provisioning failure.
	ErrProvisioningTimeout = fmt.Errorf("provisioning timed out: %w", ErrProvisioningFailed)

	// ErrBackendUnavailable: the proxy could not reach a supposedly
	// active container. Triggers a liveness re-check, never a reprovision.
	ErrBackendUnavailable = errors.New("session backend unavailable")

	// ErrCommitFailed: the version-control operation inside the container
	// failed. The session stays Active.
	ErrCommitFailed = errors.New("workspace commit failed")

	// ErrRegistryCorrupt: the persisted registry snapshot is unreadable.
	// The broker refuses to start rather than run from inconsistent state.
	ErrRegistryCorrupt = errors.New("session registry snapshot corrupt")
)
