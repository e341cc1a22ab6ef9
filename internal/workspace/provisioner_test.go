package workspace

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visp-platform/session-broker/internal/runtime"
	"github.com/visp-platform/session-broker/pkg/models"
)

// execRecorder captures the commands a provisioner runs in a container.
type execRecorder struct {
	cmds     [][]string
	workdirs []string
	result   runtime.ExecResult
	err      error
}

func (e *execRecorder) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	return "", nil
}
func (e *execRecorder) Start(ctx context.Context, id string) error  { return nil }
func (e *execRecorder) Stop(ctx context.Context, id string) error   { return nil }
func (e *execRecorder) Remove(ctx context.Context, id string) error { return nil }
func (e *execRecorder) Inspect(ctx context.Context, id string) (runtime.ContainerInfo, error) {
	return runtime.ContainerInfo{}, nil
}
func (e *execRecorder) Exec(ctx context.Context, id string, cmd []string, workdir string) (runtime.ExecResult, error) {
	e.cmds = append(e.cmds, cmd)
	e.workdirs = append(e.workdirs, workdir)
	return e.result, e.err
}
func (e *execRecorder) Logs(ctx context.Context, id string, tail int) (string, error) {
	return "", nil
}
func (e *execRecorder) ListByLabel(ctx context.Context, labels map[string]string) ([]runtime.ContainerInfo, error) {
	return nil, nil
}
func (e *execRecorder) Close() error { return nil }

func newProvisioner(rec *execRecorder) *GitProvisioner {
	return NewGitProvisioner(rec, "https://git.visp.example/workspaces", "/srv/visp/templates", "/workspace")
}

func TestProvisionClonesFromRemote(t *testing.T) {
	rec := &execRecorder{}
	p := newProvisioner(rec)

	require.NoError(t, p.Provision(context.Background(), "c1", "alice/proj1"))
	require.Len(t, rec.cmds, 1)
	assert.Equal(t, []string{
		"git", "clone", "https://git.visp.example/workspaces/alice/proj1.git", "/workspace",
	}, rec.cmds[0])
}

func TestProvisionCopiesTemplate(t *testing.T) {
	rec := &execRecorder{}
	p := newProvisioner(rec)

	require.NoError(t, p.Provision(context.Background(), "c1", "template:intro-course"))
	require.Len(t, rec.cmds, 1)
	assert.Equal(t, []string{
		"cp", "-a", "/srv/visp/templates/intro-course/.", "/workspace",
	}, rec.cmds[0])
}

func TestProvisionWithoutRemoteFails(t *testing.T) {
	rec := &execRecorder{}
	p := NewGitProvisioner(rec, "", "/srv/visp/templates", "/workspace")

	err := p.Provision(context.Background(), "c1", "alice/proj1")
	assert.ErrorIs(t, err, models.ErrProvisioningFailed)
	assert.Empty(t, rec.cmds, "no exec without a configured remote")
}

func TestProvisionNonZeroExit(t *testing.T) {
	rec := &execRecorder{result: runtime.ExecResult{ExitCode: 128, Stderr: "fatal: repository not found\n"}}
	p := newProvisioner(rec)

	err := p.Provision(context.Background(), "c1", "alice/missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrProvisioningFailed)
	assert.Contains(t, err.Error(), "repository not found")
}

func TestCommitRunsAddCommitPush(t *testing.T) {
	rec := &execRecorder{}
	p := newProvisioner(rec)

	require.NoError(t, p.Commit(context.Background(), "c1", "alice/proj1", "checkpoint"))
	require.Len(t, rec.cmds, 1)
	assert.Equal(t, "sh", rec.cmds[0][0])
	script := rec.cmds[0][2]
	assert.Contains(t, script, "git add -A")
	assert.Contains(t, script, "git commit -m 'checkpoint'")
	assert.Contains(t, script, "git push")
	assert.Equal(t, "/workspace", rec.workdirs[0])
}

func TestCommitTemplateSkipsPush(t *testing.T) {
	rec := &execRecorder{}
	p := newProvisioner(rec)

	require.NoError(t, p.Commit(context.Background(), "c1", "template:intro-course", ""))
	script := rec.cmds[0][2]
	assert.NotContains(t, script, "git push")
}

func TestCommitCleanTreeIsNoOp(t *testing.T) {
	rec := &execRecorder{result: runtime.ExecResult{
		ExitCode: 1,
		Stdout:   "On branch main\nnothing to commit, working tree clean\n",
	}}
	p := newProvisioner(rec)

	assert.NoError(t, p.Commit(context.Background(), "c1", "alice/proj1", ""))
}

func TestCommitFailureIsTyped(t *testing.T) {
	rec := &execRecorder{result: runtime.ExecResult{ExitCode: 1, Stderr: "push rejected\n"}}
	p := newProvisioner(rec)

	err := p.Commit(context.Background(), "c1", "alice/proj1", "")
	assert.ErrorIs(t, err, models.ErrCommitFailed)
}

func TestCommitExecErrorWrapped(t *testing.T) {
	rec := &execRecorder{err: errors.New("engine unreachable")}
	p := newProvisioner(rec)

	err := p.Commit(context.Background(), "c1", "alice/proj1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine unreachable")
}

func TestCommitMessageQuoting(t *testing.T) {
	rec := &execRecorder{}
	p := newProvisioner(rec)

	require.NoError(t, p.Commit(context.Background(), "c1", "alice/proj1", "it's done; rm -rf /"))
	script := rec.cmds[0][2]
	assert.True(t, strings.Contains(script, `'it'\''s done; rm -rf /'`), "message must be shell-quoted: %s", script)
}
