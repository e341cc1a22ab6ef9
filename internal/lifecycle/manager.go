// Package lifecycle orchestrates session create/commit/delete by
// composing the runtime client and workspace provisioner under the
// registry's state machine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/visp-platform/session-broker/internal/config"
	"github.com/visp-platform/session-broker/internal/registry"
	"github.com/visp-platform/session-broker/internal/runtime"
	"github.com/visp-platform/session-broker/internal/workspace"
	"github.com/visp-platform/session-broker/pkg/models"
)

// Manager handles all session lifecycle operations
type Manager struct {
	registry    *registry.Registry
	runtime     runtime.Client
	provisioner workspace.Provisioner
	cfg         *config.Config

	// flight serializes creates per (owner, workspaceRef): concurrent
	// requests for the same key collapse onto one provisioning attempt
	// and all receive the same token.
	flight singleflight.Group
	// sem caps how many provisions run at once across all keys.
	sem *semaphore.Weighted

	probe *http.Client
}

// NewManager creates a new lifecycle manager
func NewManager(reg *registry.Registry, rt runtime.Client, prov workspace.Provisioner, cfg *config.Config) *Manager {
	return &Manager{
		registry:    reg,
		runtime:     rt,
		provisioner: prov,
		cfg:         cfg,
		sem:         semaphore.NewWeighted(cfg.Session.MaxConcurrentProvisions),
		probe:       &http.Client{Timeout: 5 * time.Second},
	}
}

type createResult struct {
	session models.Session
	created bool
}

// Create returns the pending session for (owner, workspaceRef),
// provisioning one if none exists. Idempotent: a second create while the
// first is still provisioning returns the same token, with created=false.
func (m *Manager) Create(ctx context.Context, owner, workspaceRef string, kind models.SessionKind) (models.Session, bool, error) {
	if owner == "" || workspaceRef == "" {
		return models.Session{}, false, fmt.Errorf("owner and workspaceRef are required")
	}
	if !models.ValidKind(kind) {
		return models.Session{}, false, fmt.Errorf("unknown session kind %q", kind)
	}

	key := owner + "\x00" + workspaceRef
	v, err, _ := m.flight.Do(key, func() (interface{}, error) {
		if existing, ok := m.registry.FindActive(owner, workspaceRef); ok {
			return createResult{session: existing}, nil
		}
		sess, err := m.provision(ctx, owner, workspaceRef, kind)
		if err != nil {
			return nil, err
		}
		return createResult{session: sess, created: true}, nil
	})
	if err != nil {
		return models.Session{}, false, err
	}
	res := v.(createResult)
	return res.session, res.created, nil
}

// provision runs the full create path for one key. Only ever called
// inside the singleflight critical section for that key.
func (m *Manager) provision(ctx context.Context, owner, workspaceRef string, kind models.SessionKind) (models.Session, error) {
	image, err := m.cfg.Image(kind)
	if err != nil {
		return models.Session{}, fmt.Errorf("%v: %w", err, models.ErrProvisioningFailed)
	}
	servicePort, err := m.cfg.ServicePort(kind)
	if err != nil {
		return models.Session{}, fmt.Errorf("%v: %w", err, models.ErrProvisioningFailed)
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return models.Session{}, fmt.Errorf("provision slot: %w", models.ErrProvisioningFailed)
	}
	defer m.sem.Release(1)

	now := time.Now()
	sess := models.Session{
		Token:          registry.NewToken(),
		Owner:          owner,
		WorkspaceRef:   workspaceRef,
		Kind:           kind,
		State:          models.StateProvisioning,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.registry.Insert(sess); err != nil {
		return models.Session{}, err
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.Session.ProvisionTimeout)
	defer cancel()

	spec := runtime.ContainerSpec{
		Image: image,
		Name:  fmt.Sprintf("visp-%s-%s", kind, uuid.New().String()[:8]),
		Labels: map[string]string{
			runtime.LabelManaged:   "true",
			runtime.LabelOwner:     owner,
			runtime.LabelWorkspace: workspaceRef,
			runtime.LabelKind:      string(kind),
			runtime.LabelCreated:   now.UTC().Format(time.RFC3339),
		},
		ServicePort: servicePort,
	}

	containerID, err := m.bringUp(pctx, spec, workspaceRef)
	if err != nil {
		m.teardown(sess.Token, containerID)
		if errors.Is(pctx.Err(), context.DeadlineExceeded) {
			return models.Session{}, fmt.Errorf("%v: %w", err, models.ErrProvisioningTimeout)
		}
		if errors.Is(err, models.ErrProvisioningFailed) {
			return models.Session{}, err
		}
		return models.Session{}, fmt.Errorf("%v: %w", err, models.ErrProvisioningFailed)
	}

	info, err := m.runtime.Inspect(pctx, containerID)
	if err != nil || info.Endpoint == "" {
		m.teardown(sess.Token, containerID)
		return models.Session{}, fmt.Errorf("container has no published endpoint: %w", models.ErrProvisioningFailed)
	}

	handle := models.ContainerHandle{
		ID:       info.ID,
		ShortID:  info.ShortID,
		Endpoint: info.Endpoint,
	}
	if err := m.registry.Activate(sess.Token, handle); err != nil {
		m.teardown(sess.Token, containerID)
		return models.Session{}, err
	}

	log.Printf("session %s active: %s/%s (%s) -> %s",
		info.ShortID, owner, workspaceRef, kind, info.Endpoint)

	created, err := m.registry.Lookup(sess.Token)
	if err != nil {
		return models.Session{}, err
	}
	return created, nil
}

// bringUp creates and starts the container, materializes the workspace,
// and waits for the in-container service to answer. Returns the container
// id even on failure so the caller can tear it down.
func (m *Manager) bringUp(ctx context.Context, spec runtime.ContainerSpec, workspaceRef string) (string, error) {
	containerID, err := m.runtime.Create(ctx, spec)
	if err != nil {
		return containerID, err
	}
	if err := m.runtime.Start(ctx, containerID); err != nil {
		return containerID, err
	}

	info, err := m.runtime.Inspect(ctx, containerID)
	if err != nil {
		return containerID, err
	}
	if err := m.provisioner.Provision(ctx, containerID, workspaceRef); err != nil {
		return containerID, err
	}
	if err := m.waitReady(ctx, info.Endpoint); err != nil {
		return containerID, err
	}
	return containerID, nil
}

// waitReady polls the service endpoint with exponential backoff until it
// answers HTTP. Any response below 500 counts: interactive services
// greet unauthenticated probes with redirects or auth pages.
func (m *Manager) waitReady(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("no endpoint to probe")
	}
	url := "http://" + endpoint + "/"
	delay := m.cfg.Session.ReadyPollInitial

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := m.probe.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("service never became ready: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > m.cfg.Session.ReadyPollMax {
			delay = m.cfg.Session.ReadyPollMax
		}
	}
}

// teardown rolls a failed or deleted session to a clean terminal state:
// best-effort container stop/remove, then the record is dropped.
func (m *Manager) teardown(token, containerID string) {
	// Transition failures here mean the record is already past the
	// state we expected; removal below still applies.
	if err := m.registry.Transition(token, models.StateProvisioning, models.StateTerminating); err != nil {
		_ = m.registry.Transition(token, models.StateActive, models.StateTerminating)
	}

	if containerID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.runtime.Stop(ctx, containerID); err != nil {
			log.Printf("warning: failed to stop container %s: %v", containerID, err)
		}
		if err := m.runtime.Remove(ctx, containerID); err != nil {
			log.Printf("warning: failed to remove container %s: %v", containerID, err)
		}
	}

	_ = m.registry.Transition(token, models.StateTerminating, models.StateTerminated)
	_ = m.registry.Remove(token)
}

// Commit stages, commits, and pushes the session's workspace. Only valid
// from Active; the Committing state blocks concurrent commits and makes a
// concurrent delete fail with Conflict instead of killing a mid-commit
// container. The session survives a failed commit.
func (m *Manager) Commit(ctx context.Context, token, message string) error {
	sess, err := m.registry.Lookup(token)
	if err != nil {
		return err
	}
	if err := m.registry.Transition(token, models.StateActive, models.StateCommitting); err != nil {
		return err
	}
	defer func() {
		if err := m.registry.Transition(token, models.StateCommitting, models.StateActive); err != nil {
			log.Printf("warning: failed to return session %s to active: %v", sess.Owner, err)
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, m.cfg.Session.CommitTimeout)
	defer cancel()

	if err := m.provisioner.Commit(cctx, sess.Container.ID, sess.WorkspaceRef, message); err != nil {
		if errors.Is(err, models.ErrCommitFailed) {
			return err
		}
		return fmt.Errorf("%v: %w", err, models.ErrCommitFailed)
	}
	return nil
}

// Delete terminates a session and removes its container. Valid from
// Active or Provisioning; a session mid-commit returns Conflict. Safe to
// call twice: the second call finds no record and reports InvalidToken.
func (m *Manager) Delete(ctx context.Context, token string) error {
	sess, err := m.registry.Lookup(token)
	if err != nil {
		return err
	}

	if err := m.registry.Transition(token, models.StateActive, models.StateTerminating); err != nil {
		if err2 := m.registry.Transition(token, models.StateProvisioning, models.StateTerminating); err2 != nil {
			// Committing, or already terminating under another caller.
			return err
		}
	}

	if sess.Container != nil {
		sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := m.runtime.Stop(sctx, sess.Container.ID); err != nil {
			log.Printf("warning: failed to stop container %s: %v", sess.Container.ShortID, err)
		}
		if err := m.runtime.Remove(sctx, sess.Container.ID); err != nil {
			log.Printf("warning: failed to remove container %s: %v", sess.Container.ShortID, err)
		}
	}

	if err := m.registry.Transition(token, models.StateTerminating, models.StateTerminated); err != nil {
		return err
	}
	if err := m.registry.Remove(token); err != nil {
		return err
	}
	log.Printf("session deleted: %s/%s", sess.Owner, sess.WorkspaceRef)
	return nil
}

// CheckLiveness re-checks a session's container after a proxy-side
// backend failure. A dead or missing container terminates the session;
// a live one is left alone (the failure was transient).
func (m *Manager) CheckLiveness(token string) {
	sess, err := m.registry.Lookup(token)
	if err != nil || sess.Container == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := m.runtime.Inspect(ctx, sess.Container.ID)
	if err == nil && info.Running {
		return
	}

	log.Printf("session container %s is gone, terminating session for %s/%s",
		sess.Container.ShortID, sess.Owner, sess.WorkspaceRef)
	if err := m.registry.Transition(token, sess.State, models.StateTerminating); err != nil {
		return
	}
	_ = m.registry.Transition(token, models.StateTerminating, models.StateTerminated)
	_ = m.registry.Remove(token)
}

// Get returns a session by token, scoped to its owner.
func (m *Manager) Get(token, owner string) (models.Session, error) {
	sess, err := m.registry.Lookup(token)
	if err != nil {
		return models.Session{}, err
	}
	if sess.Owner != owner {
		// Do not reveal that the token exists at all.
		return models.Session{}, models.ErrInvalidToken
	}
	return sess, nil
}

// List returns all sessions belonging to an owner.
func (m *Manager) List(owner string) []models.Session {
	return m.registry.List(owner)
}

// Status summarizes the session table for operators.
func (m *Manager) Status() models.StatusResponse {
	all := m.registry.List("")
	resp := models.StatusResponse{
		Sessions: make(map[models.SessionState]int),
		Total:    len(all),
	}
	for _, s := range all {
		resp.Sessions[s.State]++
	}
	return resp
}
