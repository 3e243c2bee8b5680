package sandbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// WorkspaceMount is where the issue workspace appears inside the
// container. Agent commands run with it as the working directory.
const WorkspaceMount = "/workspace"

// ContainerConfig describes one interactive agent container.
type ContainerConfig struct {
	Name         string
	Image        string
	Cmd          []string
	Env          []string
	WorkspaceDir string // host path bind-mounted at WorkspaceMount
	NetworkMode  string
	Memory       int64 // bytes, 0 = unlimited
	CPUQuota     int64
	Labels       map[string]string
}

// ContainerSummary is the slice of container state the leak sweep needs.
type ContainerSummary struct {
	ID    string
	Name  string
	Image string
	State string
}

// Attach carries the stdio streams of an attached container. Closing
// Stdin half-closes the connection so the agent sees EOF on its input
// while output keeps streaming; Close tears the connection down.
type Attach struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader
	close  func()
}

// Close drops the attach connection.
func (a *Attach) Close() {
	if a.close != nil {
		a.close()
	}
}

// Client is a thin wrapper over the Docker SDK carrying the container
// operations the launcher drives.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewClient connects to the Docker daemon. host and apiVersion are
// optional; empty values use the SDK defaults with version negotiation.
func NewClient(host, apiVersion string, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	if apiVersion != "" {
		opts = append(opts, client.WithVersion(apiVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &Client{cli: cli, logger: log}, nil
}

// Close closes the daemon connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks that the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// PullImage pulls an image, draining the progress stream so the pull is
// complete before returning.
func (c *Client) PullImage(ctx context.Context, name string) error {
	c.logger.Info("pulling sandbox image", zap.String("image", name))

	reader, err := c.cli.ImagePull(ctx, name, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", name, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("read image pull output: %w", err)
	}
	return nil
}

// CreateContainer creates an interactive container: stdin held open,
// stdio attachable, no TTY so the line-framed wire protocol survives
// untouched. The workspace is the only bind mount.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerConfig) (string, error) {
	ctr := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   WorkspaceMount,
		Labels:       spec.Labels,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}

	host := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkspaceDir,
			Target: WorkspaceMount,
		}},
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Resources: container.Resources{
			Memory:   spec.Memory,
			CPUQuota: spec.CPUQuota,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, ctr, host, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	c.logger.Debug("container created",
		zap.String("container_id", resp.ID),
		zap.String("name", spec.Name))
	return resp.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", containerID, err)
	}
	return nil
}

// StopContainer asks the daemon to stop the container: SIGTERM, then
// SIGKILL after the timeout.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err != nil {
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

// KillContainer delivers a signal to the container's main process.
func (c *Client) KillContainer(ctx context.Context, containerID, signal string) error {
	if err := c.cli.ContainerKill(ctx, containerID, signal); err != nil {
		return fmt.Errorf("kill container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer removes a container and its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	opts := container.RemoveOptions{Force: force, RemoveVolumes: true}
	if err := c.cli.ContainerRemove(ctx, containerID, opts); err != nil {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// WaitContainer blocks until the container stops and returns its exit
// code.
func (c *Client) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return -1, fmt.Errorf("wait for container %s: %w", containerID, err)
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// ListContainers returns all containers, running or not, matching every
// given label.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerSummary, error) {
	args := filters.NewArgs()
	for key, value := range labels {
		args.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]ContainerSummary, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		out = append(out, ContainerSummary{
			ID:    ctr.ID,
			Name:  name,
			Image: ctr.Image,
			State: ctr.State,
		})
	}
	return out, nil
}

// AttachContainer attaches to the container's stdio. Call before
// StartContainer so no early output is lost. With Tty off the daemon
// multiplexes stdout and stderr onto one stream; the returned readers
// carry them split back apart.
func (c *Client) AttachContainer(ctx context.Context, containerID string) (*Attach, error) {
	resp, err := c.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", containerID, err)
	}

	stdinR, stdinW := io.Pipe()
	go func() {
		_, _ = io.Copy(resp.Conn, stdinR)
		// Half-close so the agent sees EOF on stdin while its output
		// side keeps streaming.
		_ = resp.CloseWrite()
	}()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		defer stdoutW.Close()
		defer stderrW.Close()
		c.demux(resp.Reader, stdoutW, stderrW)
	}()

	return &Attach{
		Stdin:  stdinW,
		Stdout: stdoutR,
		Stderr: stderrR,
		close:  resp.Close,
	}, nil
}

// demux splits the daemon's multiplexed stream: each frame is an 8-byte
// header, byte 0 the stream type (1 stdout, 2 stderr), bytes 4-7 the
// big-endian payload size, then the payload. stdout must stay clean for
// the wire protocol, so stderr goes to its own writer instead of being
// merged in.
func (c *Client) demux(r io.Reader, stdout, stderr io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err != io.EOF {
				c.logger.Debug("attach stream ended", zap.Error(err))
			}
			return
		}

		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			c.logger.Debug("attach frame truncated", zap.Error(err))
			return
		}

		switch streamType {
		case 1:
			_, _ = stdout.Write(data)
		case 2:
			_, _ = stderr.Write(data)
		}
	}
}
