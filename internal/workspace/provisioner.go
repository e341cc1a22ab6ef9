// Package workspace materializes session content inside a running
// container and pushes it back on commit. All git work happens inside
// the container via the runtime's exec capability; credentials are baked
// into the session images out of band.
package workspace

import (
	"context"
	"fmt"
	"strings"

	"github.com/visp-platform/session-broker/internal/runtime"
	"github.com/visp-platform/session-broker/pkg/models"
)

// TemplatePrefix marks a workspaceRef that is seeded from a local
// template instead of cloned from the source-control remote.
const TemplatePrefix = "template:"

// Provisioner populates a container's workspace and commits it back.
type Provisioner interface {
	Provision(ctx context.Context, containerID, workspaceRef string) error
	Commit(ctx context.Context, containerID, workspaceRef, message string) error
}

// GitProvisioner implements Provisioner with git running inside the
// session container. Stateless; safe for concurrent use across sessions.
type GitProvisioner struct {
	runtime     runtime.Client
	remoteBase  string
	templateDir string
	workDir     string
}

// NewGitProvisioner wires a provisioner to a runtime client.
// remoteBase is prefixed to workspaceRefs to form clone URLs;
// templateDir is the image-internal directory holding workspace templates;
// workDir is where the workspace lands inside the container.
func NewGitProvisioner(rt runtime.Client, remoteBase, templateDir, workDir string) *GitProvisioner {
	return &GitProvisioner{
		runtime:     rt,
		remoteBase:  remoteBase,
		templateDir: templateDir,
		workDir:     workDir,
	}
}

// CloneURL resolves a workspaceRef to its git remote URL.
func (p *GitProvisioner) CloneURL(workspaceRef string) string {
	base := strings.TrimSuffix(p.remoteBase, "/")
	return base + "/" + workspaceRef + ".git"
}

// Provision materializes the workspace content: a template: ref is copied
// from the template directory, anything else is cloned from the remote.
func (p *GitProvisioner) Provision(ctx context.Context, containerID, workspaceRef string) error {
	var cmd []string
	if name, ok := strings.CutPrefix(workspaceRef, TemplatePrefix); ok {
		src := strings.TrimSuffix(p.templateDir, "/") + "/" + name
		cmd = []string{"cp", "-a", src + "/.", p.workDir}
	} else {
		if p.remoteBase == "" {
			return fmt.Errorf("no workspace remote configured: %w", models.ErrProvisioningFailed)
		}
		cmd = []string{"git", "clone", p.CloneURL(workspaceRef), p.workDir}
	}

	res, err := p.runtime.Exec(ctx, containerID, cmd, "")
	if err != nil {
		return fmt.Errorf("workspace provision exec: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("workspace provision failed (exit %d): %s: %w",
			res.ExitCode, firstLine(res.Stderr), models.ErrProvisioningFailed)
	}
	return nil
}

// Commit stages, commits, and pushes the workspace. A clean tree is a
// successful no-op. Template workspaces have no remote, so the push is
// skipped for them.
func (p *GitProvisioner) Commit(ctx context.Context, containerID, workspaceRef, message string) error {
	if message == "" {
		message = "session commit"
	}

	script := fmt.Sprintf("git add -A && git commit -m %s && git push", shellQuote(message))
	if strings.HasPrefix(workspaceRef, TemplatePrefix) {
		script = fmt.Sprintf("git add -A && git commit -m %s", shellQuote(message))
	}

	res, err := p.runtime.Exec(ctx, containerID, []string{"sh", "-c", script}, p.workDir)
	if err != nil {
		return fmt.Errorf("workspace commit exec: %w", err)
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stdout, "nothing to commit") {
			return nil
		}
		return fmt.Errorf("workspace commit failed (exit %d): %s: %w",
			res.ExitCode, firstLine(res.Stderr), models.ErrCommitFailed)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
