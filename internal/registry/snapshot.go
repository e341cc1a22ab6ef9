package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/visp-platform/session-broker/pkg/models"
)

// Registry is the in-memory session table, optionally mirrored to a JSON
// snapshot on disk so sessions survive a broker restart.
type Registry struct {
	mu           sync.Mutex
	byToken      map[string]*models.Session
	byKey        map[string]string // (owner,workspaceRef) -> token, pending sessions only
	snapshotPath string
}

// snapshotRecord is the on-disk shape. Container handles are persisted in
// full (including the endpoint, which the JSON API normally hides).
type snapshotRecord struct {
	Token        string              `json:"token"`
	Owner        string              `json:"owner"`
	WorkspaceRef string              `json:"workspaceRef"`
	Kind         models.SessionKind  `json:"kind"`
	State        models.SessionState `json:"state"`
	ContainerID  string              `json:"containerId,omitempty"`
	Endpoint     string              `json:"endpoint,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
}

// Open creates a registry, restoring state from snapshotPath when it is
// non-empty and the file exists. A snapshot that exists but cannot be
// parsed is fatal: the broker must not run from an inconsistent table.
func Open(snapshotPath string) (*Registry, error) {
	r := &Registry{
		byToken:      make(map[string]*models.Session),
		byKey:        make(map[string]string),
		snapshotPath: snapshotPath,
	}
	if snapshotPath == "" {
		return r, nil
	}

	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("%w: %v", models.ErrRegistryCorrupt, err)
	}

	var records []snapshotRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrRegistryCorrupt, err)
	}

	now := time.Now()
	for _, rec := range records {
		s := &models.Session{
			Token:          rec.Token,
			Owner:          rec.Owner,
			WorkspaceRef:   rec.WorkspaceRef,
			Kind:           rec.Kind,
			State:          rec.State,
			CreatedAt:      rec.CreatedAt,
			LastActivityAt: now,
		}
		// An in-flight commit died with the previous process; the
		// session itself is still Active.
		if s.State == models.StateCommitting {
			s.State = models.StateActive
		}
		if rec.ContainerID != "" {
			s.Container = &models.ContainerHandle{
				ID:       rec.ContainerID,
				ShortID:  rec.ContainerID,
				Endpoint: rec.Endpoint,
			}
			if len(rec.ContainerID) > 12 {
				s.Container.ShortID = rec.ContainerID[:12]
			}
		}
		r.byToken[s.Token] = s
		if pending(s.State) {
			r.byKey[key(s.Owner, s.WorkspaceRef)] = s.Token
		}
	}
	return r, nil
}

// persistLocked rewrites the snapshot. Callers hold r.mu. A write failure
// is surfaced but leaves the in-memory table authoritative.
func (r *Registry) persistLocked() error {
	if r.snapshotPath == "" {
		return nil
	}

	records := make([]snapshotRecord, 0, len(r.byToken))
	for _, s := range r.byToken {
		rec := snapshotRecord{
			Token:        s.Token,
			Owner:        s.Owner,
			WorkspaceRef: s.WorkspaceRef,
			Kind:         s.Kind,
			State:        s.State,
			CreatedAt:    s.CreatedAt,
		}
		if s.Container != nil {
			rec.ContainerID = s.Container.ID
			rec.Endpoint = s.Container.Endpoint
		}
		records = append(records, rec)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp := r.snapshotPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(r.snapshotPath), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, r.snapshotPath); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}
