// Package engine wraps the Docker SDK client with the narrow surface the
// task manager, log-stream, shell-session and app-registry components need:
// listing/inspecting containers for a compose project, tailing logs, and
// running interactive execs.
//
// Grounded on pkg/infrastructure/observability.go's NewClientWithOpts /
// ContainerList / ContainerCreate / ContainerStart / ContainerStop /
// ContainerRemove usage; extended here to ContainerInspect, ContainerLogs
// and ContainerExecCreate/Attach/Resize, which is the same client type
// exercising more of the same SDK's surface.
package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	apitypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// ComposeProjectLabel is the label docker compose stamps on every
// container it manages; it is how the registry (C12) finds an app's
// containers.
const ComposeProjectLabel = "com.docker.compose.project"

// ComposeServiceLabel names the compose service within a project.
const ComposeServiceLabel = "com.docker.compose.service"

// Client is the narrow Docker API surface used by scotty's core.
type Client struct {
	log logrus.FieldLogger
	cli *client.Client
}

// New creates an engine Client from the ambient Docker environment
// (DOCKER_HOST and friends), negotiating the API version the way
// pkg/infrastructure/observability.go does.
func New(log logrus.FieldLogger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Client{log: log.WithField("component", "engine"), cli: cli}, nil
}

// Close releases the underlying client's resources.
func (c *Client) Close() error {
	return c.cli.Close()
}

// ContainerSummary is the subset of container.Summary the rest of the core
// needs.
type ContainerSummary struct {
	ID      string
	Service string
	Status  string
	State   string
	Ports   []uint16
}

// ListProjectContainers lists every container labeled as belonging to the
// given compose project, matching C12's container-state sync step.
func (c *Client) ListProjectContainers(ctx context.Context, project string) ([]ContainerSummary, error) {
	f := filters.NewArgs(filters.Arg("label", ComposeProjectLabel+"="+project))

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers for project %q: %w", project, err)
	}

	out := make([]ContainerSummary, 0, len(containers))

	for _, ct := range containers {
		svc := ct.Labels[ComposeServiceLabel]

		ports := make([]uint16, 0, len(ct.Ports))
		for _, p := range ct.Ports {
			if p.PublicPort != 0 {
				ports = append(ports, p.PublicPort)
			}
		}

		out = append(out, ContainerSummary{
			ID:      ct.ID,
			Service: svc,
			Status:  ct.Status,
			State:   ct.State,
			Ports:   ports,
		})
	}

	return out, nil
}

// FindServiceContainer returns the (most recently created) container id
// for a service within a project, or "" if none exists.
func (c *Client) FindServiceContainer(ctx context.Context, project, service string) (string, error) {
	f := filters.NewArgs(
		filters.Arg("label", ComposeProjectLabel+"="+project),
		filters.Arg("label", ComposeServiceLabel+"="+service),
	)

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return "", fmt.Errorf("failed to find container for %s/%s: %w", project, service, err)
	}

	if len(containers) == 0 {
		return "", nil
	}

	return containers[0].ID, nil
}

// IsRunning reports whether a container id is currently running.
func (c *Client) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	return inspect.State != nil && inspect.State.Running, nil
}

// LogLine is one frame from a container's combined stdout/stderr log
// stream, tagged by origin and the RFC3339Nano timestamp Docker stamps on
// it (requested via LogsOptions.Timestamps).
type LogLine struct {
	Stderr    bool
	Content   string
	Timestamp time.Time
}

// StreamLogs opens the engine's log stream for a container with
// stdout+stderr+timestamps and the requested tail count, invoking onLine
// for every frame until ctx is cancelled or the stream ends.
func (c *Client) StreamLogs(ctx context.Context, containerID string, follow bool, tail string, onLine func(LogLine)) error {
	rc, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Follow:     follow,
		Tail:       tail,
	})
	if err != nil {
		return fmt.Errorf("failed to open log stream for %s: %w", containerID, err)
	}
	defer rc.Close()

	return demuxLogs(ctx, rc, onLine)
}

// demuxLogs reads the Docker multiplexed log stream format (an 8-byte
// header per frame identifying the stream) and emits one LogLine per
// newline-terminated chunk.
func demuxLogs(ctx context.Context, r io.Reader, onLine func(LogLine)) error {
	reader := bufio.NewReader(r)
	header := make([]byte, 8)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, err := io.ReadFull(reader, header); err != nil {
			if err == io.EOF {
				return nil
			}

			return fmt.Errorf("failed to read log frame header: %w", err)
		}

		streamType := header[0]
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])

		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return fmt.Errorf("failed to read log frame payload: %w", err)
		}

		for _, line := range strings.Split(strings.TrimRight(string(payload), "\n"), "\n") {
			if line == "" {
				continue
			}

			ts, rest := splitTimestamp(line)
			onLine(LogLine{Stderr: streamType == 2, Content: rest, Timestamp: ts})
		}
	}
}

// splitTimestamp splits a Docker log line of the form
// "2026-07-30T12:00:00.123456789Z rest of line" into its parsed timestamp
// and the remaining content. If line has no well-formed RFC3339Nano prefix
// (e.g. the daemon wasn't asked for timestamps), it returns the zero time
// and the line unchanged.
func splitTimestamp(line string) (time.Time, string) {
	space := strings.IndexByte(line, ' ')
	if space < 0 {
		return time.Time{}, line
	}

	ts, err := time.Parse(time.RFC3339Nano, line[:space])
	if err != nil {
		return time.Time{}, line
	}

	return ts, line[space+1:]
}

// ExecSession is a live interactive exec attached to a container.
type ExecSession struct {
	ID   string
	conn apitypes.HijackedResponse
}

// CreateExec creates and attaches an interactive TTY exec running shell
// inside containerID, matching C6's "stdin+stdout+stderr+tty" requirement.
func (c *Client) CreateExec(ctx context.Context, containerID, shell string) (*ExecSession, error) {
	created, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{shell},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	conn, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}

	return &ExecSession{ID: created.ID, conn: conn}, nil
}

// Write sends input bytes to the exec's stdin.
func (e *ExecSession) Write(p []byte) (int, error) {
	return e.conn.Conn.Write(p)
}

// Read returns the exec's combined stdout/stderr reader (already a plain
// byte stream since Tty is set, per the Docker API's demux rules).
func (e *ExecSession) Read(p []byte) (int, error) {
	return e.conn.Reader.Read(p)
}

// Close releases the exec's hijacked connection.
func (e *ExecSession) Close() {
	e.conn.Close()
}

// ResizeExecTTY resizes the exec's pseudo-tty.
func (c *Client) ResizeExecTTY(ctx context.Context, execID string, width, height uint) error {
	if err := c.cli.ContainerExecResize(ctx, execID, container.ResizeOptions{Width: width, Height: height}); err != nil {
		return fmt.Errorf("failed to resize exec tty: %w", err)
	}

	return nil
}

// ExecExitCode returns the exit code of a finished exec.
func (c *Client) ExecExitCode(ctx context.Context, execID string) (int, error) {
	inspect, err := c.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect exec %s: %w", execID, err)
	}

	return inspect.ExitCode, nil
}
