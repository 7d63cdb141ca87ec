package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerEngine implements Engine against the local Docker daemon over the
// Engine SDK. It holds a single long-lived client rather than dialing per
// call.
type DockerEngine struct {
	cli *dockerclient.Client
}

// NewDockerEngine dials the Docker daemon using the standard environment
// (DOCKER_HOST, DOCKER_CERT_PATH, ...), negotiating the API version.
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

func (d *DockerEngine) Close() error {
	return d.cli.Close()
}

func (d *DockerEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	period, quota := CPUQuota(NumCPUs)

	portKey, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
	if err != nil {
		return "", fmt.Errorf("container port %d: %w", spec.Port, err)
	}

	hostConfig := &container.HostConfig{
		AutoRemove: true,
		Resources: container.Resources{
			Memory:     Size256MB,
			CPUPeriod:  period,
			CPUQuota:   quota,
			MemorySwap: Size256MB,
		},
		PortBindings: nat.PortMap{
			portKey: {{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.BindPort)}},
		},
	}
	if spec.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.Network)
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		ExposedPorts: nat.PortSet{portKey: struct{}{}},
		Tty:          false,
	}, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	if spec.Timeout > 0 {
		id := resp.ID
		time.AfterFunc(time.Duration(spec.Timeout)*time.Second, func() {
			_ = d.Remove(context.Background(), id, true)
		})
	}

	return resp.ID, nil
}

func (d *DockerEngine) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

func (d *DockerEngine) Remove(ctx context.Context, id string, force bool) error {
	err := d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: force})
	if err != nil && dockerclient.IsErrNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

func (d *DockerEngine) Inspect(ctx context.Context, id string) (ContainerStatus, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if dockerclient.IsErrNotFound(err) {
		return ContainerStatus{}, ErrNotFound
	}
	if err != nil {
		return ContainerStatus{}, fmt.Errorf("inspect container %s: %w", id, err)
	}
	return ContainerStatus{Running: info.State != nil && info.State.Running}, nil
}

func (d *DockerEngine) AttachOutput(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := d.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     false,
		Tail:       "50",
	})
	if err != nil {
		return nil, fmt.Errorf("attach output %s: %w", id, err)
	}
	return resp, nil
}

func (d *DockerEngine) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error) {
	resp, err := d.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Timestamps: false,
	})
	if err != nil {
		return nil, fmt.Errorf("logs %s: %w", id, err)
	}
	return resp, nil
}

func (d *DockerEngine) WaitForReady(ctx context.Context, id string) (ready bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, StartupBudget*time.Second)
	defer cancel()

	rc, err := d.Logs(ctx, id, true)
	if err != nil {
		return false, err
	}
	defer rc.Close()

	found := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(rc)
		for scanner.Scan() {
			if strings.Contains(scanner.Text(), ReadyMarker) {
				close(found)
				return
			}
		}
	}()

	select {
	case <-found:
		return true, nil
	case <-ctx.Done():
		return false, nil
	}
}
