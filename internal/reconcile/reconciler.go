// Package reconcile aligns the session registry with the containers the
// runtime actually has. It runs at startup and on a timer, which is what
// lets the broker crash and restart without manual cleanup.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/visp-platform/session-broker/internal/config"
	"github.com/visp-platform/session-broker/internal/lifecycle"
	"github.com/visp-platform/session-broker/internal/registry"
	"github.com/visp-platform/session-broker/internal/runtime"
	"github.com/visp-platform/session-broker/pkg/models"
)

// Reconciler diffs registry records against labeled runtime containers.
type Reconciler struct {
	registry  *registry.Registry
	runtime   runtime.Client
	lifecycle *lifecycle.Manager
	cfg       *config.Config
	probe     *http.Client

	mu sync.Mutex
	// unmatchedSince tracks when an unadoptable container was first
	// seen, for the orphan grace period.
	unmatchedSince map[string]time.Time
}

// New creates a reconciler.
func New(reg *registry.Registry, rt runtime.Client, lc *lifecycle.Manager, cfg *config.Config) *Reconciler {
	return &Reconciler{
		registry:       reg,
		runtime:        rt,
		lifecycle:      lc,
		cfg:            cfg,
		probe:          &http.Client{Timeout: cfg.Reconcile.ProbeTimeout},
		unmatchedSince: make(map[string]time.Time),
	}
}

// Run performs one reconciliation pass. Idempotent: a second pass with no
// intervening runtime changes adopts and removes nothing.
func (r *Reconciler) Run(ctx context.Context) error {
	containers, err := r.runtime.ListByLabel(ctx, map[string]string{
		runtime.LabelManaged: "true",
	})
	if err != nil {
		return fmt.Errorf("listing managed containers: %w", err)
	}

	present := make(map[string]runtime.ContainerInfo, len(containers))
	for _, c := range containers {
		present[c.ID] = c
	}

	r.pruneRegistry(ctx, present)
	r.adoptOrRemoveOrphans(ctx, containers)
	r.reapIdle(ctx)
	return nil
}

// Loop runs reconciliation on the configured interval until ctx ends.
func (r *Reconciler) Loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Reconcile.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Run(ctx); err != nil {
				log.Printf("warning: reconcile pass failed: %v", err)
			}
		}
	}
}

// pruneRegistry drops records whose container is gone, finishes
// terminations a previous process started, and clears provisioning
// records whose provision died with the process.
func (r *Reconciler) pruneRegistry(ctx context.Context, present map[string]runtime.ContainerInfo) {
	for _, s := range r.registry.List("") {
		switch s.State {
		case models.StateTerminating:
			// A delete that died mid-flight; finish it.
			if s.Container != nil {
				if _, ok := present[s.Container.ID]; ok {
					if err := r.runtime.Stop(ctx, s.Container.ID); err != nil {
						log.Printf("warning: failed to stop container %s: %v", s.Container.ShortID, err)
					}
					if err := r.runtime.Remove(ctx, s.Container.ID); err != nil {
						log.Printf("warning: failed to remove container %s: %v", s.Container.ShortID, err)
					}
				}
			}
			_ = r.registry.Transition(s.Token, models.StateTerminating, models.StateTerminated)
			_ = r.registry.Remove(s.Token)

		case models.StateProvisioning:
			// A handle-less record older than the provision deadline
			// cannot still be in flight in this process.
			stale := s.Container == nil &&
				time.Since(s.CreatedAt) > r.cfg.Session.ProvisionTimeout
			gone := s.Container != nil && !containerPresent(present, s.Container.ID)
			if stale || gone {
				log.Printf("removing dead provisioning record for %s/%s", s.Owner, s.WorkspaceRef)
				r.terminateRecord(s)
			}

		case models.StateActive:
			if s.Container == nil || !containerPresent(present, s.Container.ID) {
				log.Printf("session container gone for %s/%s, removing record", s.Owner, s.WorkspaceRef)
				r.terminateRecord(s)
			}

		case models.StateCommitting:
			// An in-flight commit holds the record; if its container
			// vanished the commit will fail and return the session to
			// Active, where the next pass picks it up.
		}
	}
}

func (r *Reconciler) terminateRecord(s models.Session) {
	if err := r.registry.Transition(s.Token, s.State, models.StateTerminating); err != nil {
		return
	}
	_ = r.registry.Transition(s.Token, models.StateTerminating, models.StateTerminated)
	_ = r.registry.Remove(s.Token)
}

// adoptOrRemoveOrphans matches unreferenced containers back to sessions.
// A container with complete labels that looks healthy is adopted as a new
// Active session; anything else is removed once the grace period passes.
func (r *Reconciler) adoptOrRemoveOrphans(ctx context.Context, containers []runtime.ContainerInfo) {
	referenced := make(map[string]bool)
	for _, s := range r.registry.List("") {
		if s.Container != nil {
			referenced[s.Container.ID] = true
		}
	}

	// Drop grace clocks for containers that disappeared on their own.
	listed := make(map[string]bool, len(containers))
	for _, c := range containers {
		listed[c.ID] = true
	}
	r.mu.Lock()
	for id := range r.unmatchedSince {
		if !listed[id] {
			delete(r.unmatchedSince, id)
		}
	}
	r.mu.Unlock()

	for _, c := range containers {
		if referenced[c.ID] {
			r.clearUnmatched(c.ID)
			continue
		}

		if r.adoptable(ctx, c) {
			if err := r.adopt(c); err == nil {
				r.clearUnmatched(c.ID)
				continue
			}
			// Insert conflicts mean another session already owns the
			// (owner, workspace) slot; fall through to grace removal.
		}

		if r.graceExpired(c.ID) {
			log.Printf("removing orphan container %s after grace period", c.ShortID)
			if err := r.runtime.Stop(ctx, c.ID); err != nil {
				log.Printf("warning: failed to stop orphan %s: %v", c.ShortID, err)
			}
			if err := r.runtime.Remove(ctx, c.ID); err != nil {
				log.Printf("warning: failed to remove orphan %s: %v", c.ShortID, err)
			}
			r.clearUnmatched(c.ID)
		}
	}
}

// adoptable applies the explicit health criteria: complete labels, a
// running container with a published endpoint, and (when enabled) an HTTP
// probe answering within the probe timeout.
func (r *Reconciler) adoptable(ctx context.Context, c runtime.ContainerInfo) bool {
	owner := c.Labels[runtime.LabelOwner]
	ws := c.Labels[runtime.LabelWorkspace]
	kind := models.SessionKind(c.Labels[runtime.LabelKind])
	if owner == "" || ws == "" || !models.ValidKind(kind) {
		return false
	}
	if !c.Running || c.Endpoint == "" {
		return false
	}

	if r.cfg.Reconcile.ProbeAdopted {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+c.Endpoint+"/", nil)
		if err != nil {
			return false
		}
		resp, err := r.probe.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return false
		}
	}
	return true
}

// adopt inserts a fresh Active session for an orphan container. The old
// token died with the previous process; clients re-authenticate through
// the edge server to receive the new one.
func (r *Reconciler) adopt(c runtime.ContainerInfo) error {
	now := time.Now()
	sess := models.Session{
		Token:        registry.NewToken(),
		Owner:        c.Labels[runtime.LabelOwner],
		WorkspaceRef: c.Labels[runtime.LabelWorkspace],
		Kind:         models.SessionKind(c.Labels[runtime.LabelKind]),
		State:        models.StateActive,
		Container: &models.ContainerHandle{
			ID:       c.ID,
			ShortID:  c.ShortID,
			Endpoint: c.Endpoint,
		},
		CreatedAt:      c.CreatedAt,
		LastActivityAt: now,
	}
	if err := r.registry.Insert(sess); err != nil {
		return err
	}
	log.Printf("adopted container %s as session for %s/%s (%s)",
		c.ShortID, sess.Owner, sess.WorkspaceRef, sess.Kind)
	return nil
}

// reapIdle deletes sessions whose last activity is past the idle timeout.
func (r *Reconciler) reapIdle(ctx context.Context) {
	if r.cfg.Session.IdleTimeout <= 0 {
		return
	}
	for _, s := range r.registry.List("") {
		if s.State != models.StateActive {
			continue
		}
		if time.Since(s.LastActivityAt) <= r.cfg.Session.IdleTimeout {
			continue
		}
		log.Printf("reaping idle session for %s/%s", s.Owner, s.WorkspaceRef)
		if err := r.lifecycle.Delete(ctx, s.Token); err != nil {
			log.Printf("warning: failed to reap idle session: %v", err)
		}
	}
}

func (r *Reconciler) graceExpired(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	first, ok := r.unmatchedSince[id]
	if !ok {
		r.unmatchedSince[id] = time.Now()
		return false
	}
	return time.Since(first) > r.cfg.Reconcile.OrphanGrace
}

func (r *Reconciler) clearUnmatched(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.unmatchedSince, id)
}

func containerPresent(present map[string]runtime.ContainerInfo, id string) bool {
	_, ok := present[id]
	return ok
}
