package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	units "github.com/docker/go-units"
)

const (
	// ManagedLabel marks containers owned by this service, for orphan reaping.
	ManagedLabel = "shellbox.managed"
	// SessionLabel carries the owning session id.
	SessionLabel = "shellbox.session"

	sandboxUser  = "1000:1000"
	sandboxShell = "/bin/sh"
)

// TerminalStream is the bidirectional byte stream of a sandbox's PTY.
type TerminalStream interface {
	io.ReadWriteCloser
}

// Runtime is the contract the provisioner requires of a container engine.
type Runtime interface {
	CreateContainer(ctx context.Context, imageRef string, profile Profile, sessionID string) (string, error)
	StartContainer(ctx context.Context, id string) error
	AttachContainer(ctx context.Context, id string) (TerminalStream, error)
	ResizeContainer(ctx context.Context, id string, rows, cols uint) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	ImagePresent(ctx context.Context, imageRef string) (bool, error)
	SeccompActive(ctx context.Context) (bool, error)
	ListManaged(ctx context.Context) ([]string, error)
}

// DockerRuntime implements Runtime on the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the engine using the standard environment settings.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// CreateContainer creates a hardened, TTY-backed container running an
// interactive shell. The hardening settings are fixed; profile supplies only
// the resource ceilings.
func (r *DockerRuntime) CreateContainer(ctx context.Context, imageRef string, profile Profile, sessionID string) (string, error) {
	pids := profile.PidsLimit

	cfg := &container.Config{
		Image:        imageRef,
		Cmd:          []string{sandboxShell},
		Tty:          true,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		User:         sandboxUser,
		WorkingDir:   "/tmp",
		Env:          []string{"TERM=xterm-256color", "HOME=/tmp"},
		Labels: map[string]string{
			ManagedLabel: "true",
			SessionLabel: sessionID,
		},
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,nosuid,size=%d", profile.ScratchBytes),
		},
		Resources: container.Resources{
			Memory:     profile.MemoryBytes,
			MemorySwap: profile.MemoryBytes, // no swap beyond the memory ceiling
			NanoCPUs:   profile.NanoCPUs,
			PidsLimit:  &pids,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: profile.OpenFiles, Hard: profile.OpenFiles},
			},
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

func (r *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

type hijackedStream struct {
	io.Reader
	io.Writer
	close func()
}

func (h *hijackedStream) Close() error {
	h.close()
	return nil
}

// AttachContainer attaches to the container's PTY. The returned stream carries
// raw terminal bytes in both directions (the container runs with a TTY, so
// output is not stdcopy-multiplexed).
func (r *DockerRuntime) AttachContainer(ctx context.Context, id string) (TerminalStream, error) {
	resp, err := r.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to container: %w", err)
	}
	return &hijackedStream{
		Reader: resp.Reader,
		Writer: resp.Conn,
		close:  resp.Close,
	}, nil
}

func (r *DockerRuntime) ResizeContainer(ctx context.Context, id string, rows, cols uint) error {
	err := r.cli.ContainerResize(ctx, id, container.ResizeOptions{Height: rows, Width: cols})
	if err != nil {
		return fmt.Errorf("failed to resize container pty: %w", err)
	}
	return nil
}

func (r *DockerRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout / time.Second)
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// ImagePresent reports whether imageRef exists locally. It never pulls.
func (r *DockerRuntime) ImagePresent(ctx context.Context, imageRef string) (bool, error) {
	summaries, err := r.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", imageRef)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}
	return len(summaries) > 0, nil
}

// SeccompActive reports whether the engine applies seccomp filtering.
func (r *DockerRuntime) SeccompActive(ctx context.Context) (bool, error) {
	info, err := r.cli.Info(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to query docker info: %w", err)
	}
	for _, opt := range info.SecurityOptions {
		if strings.Contains(opt, "name=seccomp") {
			return true, nil
		}
	}
	return false, nil
}

// ListManaged returns the ids of all containers carrying the managed label,
// including stopped ones.
func (r *DockerRuntime) ListManaged(ctx context.Context) ([]string, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list managed containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}
