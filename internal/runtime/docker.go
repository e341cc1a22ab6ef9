package runtime

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// DockerClient implements Client against a Docker-compatible engine
// (Docker or Podman with the compatibility socket).
type DockerClient struct {
	cli *client.Client
}

// NewDockerClient connects using the standard DOCKER_HOST environment.
func NewDockerClient() (*DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerClient{cli: cli}, nil
}

func (d *DockerClient) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	servicePort, err := nat.NewPort("tcp", strconv.Itoa(spec.ServicePort))
	if err != nil {
		return "", fmt.Errorf("invalid service port %d: %w", spec.ServicePort, err)
	}

	containerConfig := &container.Config{
		Image:  spec.Image,
		Labels: spec.Labels,
		Env:    spec.Env,
		ExposedPorts: nat.PortSet{
			servicePort: struct{}{},
		},
	}

	// Host port 0: the runtime allocates; no local port bookkeeping.
	// Bound to loopback — sessions are only reachable through the broker.
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			servicePort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: "0"},
			},
		},
		AutoRemove: false,
	}

	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerClient) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (d *DockerClient) Stop(ctx context.Context, id string) error {
	timeout := 10
	err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (d *DockerClient) Remove(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (d *DockerClient) Inspect(ctx context.Context, id string) (ContainerInfo, error) {
	inspect, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("failed to inspect container: %w", err)
	}

	info := ContainerInfo{
		ID:      inspect.ID,
		ShortID: shortID(inspect.ID),
	}
	if inspect.Config != nil {
		info.Labels = inspect.Config.Labels
	}
	if inspect.State != nil {
		info.Running = inspect.State.Running
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		info.CreatedAt = created
	}
	if inspect.NetworkSettings != nil {
		for _, bindings := range inspect.NetworkSettings.Ports {
			if len(bindings) > 0 && bindings[0].HostPort != "" {
				info.Endpoint = "127.0.0.1:" + bindings[0].HostPort
				break
			}
		}
	}
	return info, nil
}

func (d *DockerClient) Exec(ctx context.Context, id string, cmd []string, workdir string) (ExecResult, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- copyErr
	}()

	select {
	case err := <-done:
		if err != nil {
			return ExecResult{}, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-ctx.Done():
		attach.Close()
		return ExecResult{}, ctx.Err()
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (d *DockerClient) Logs(ctx context.Context, id string, tail int) (string, error) {
	reader, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("failed to stream logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	stdout.WriteString(stderr.String())
	return stdout.String(), nil
}

func (d *DockerClient) ListByLabel(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		info := ContainerInfo{
			ID:        c.ID,
			ShortID:   shortID(c.ID),
			Labels:    c.Labels,
			Running:   c.State == "running",
			CreatedAt: time.Unix(c.Created, 0),
		}
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				info.Endpoint = fmt.Sprintf("127.0.0.1:%d", p.PublicPort)
				break
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (d *DockerClient) Close() error {
	return d.cli.Close()
}
