package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shellbox-run/shellbox/pkg/environment"
	"github.com/shellbox-run/shellbox/pkg/log"
)

// Provisioner creates and destroys sandboxes through a Runtime. It applies the
// fixed hardening profile on every create and never retries failures itself:
// a second attempt consumes another resource slot, so retry policy belongs to
// the caller.
type Provisioner struct {
	runtime       Runtime
	profile       Profile
	seccompActive bool
}

// NewProvisioner verifies the host hardening posture and returns a provisioner.
// It refuses to construct when seccomp is unavailable: running declared-hardened
// sandboxes without syscall interception would be silently weaker.
func NewProvisioner(ctx context.Context, runtime Runtime, profile Profile) (*Provisioner, error) {
	seccomp, err := runtime.SeccompActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify hardening support: %w", err)
	}
	if !seccomp {
		return nil, fmt.Errorf("host does not enforce seccomp; refusing to run sandboxes without syscall interception")
	}
	return &Provisioner{runtime: runtime, profile: profile, seccompActive: true}, nil
}

// StartupValidate confirms every registered environment image is present
// locally. Missing images are enumerated in the returned error; the service
// must not serve traffic until they exist.
func (p *Provisioner) StartupValidate(ctx context.Context, registry *environment.Registry) error {
	var missing []string
	for _, env := range registry.List() {
		present, err := p.runtime.ImagePresent(ctx, env.Image)
		if err != nil {
			return fmt.Errorf("failed to check image %s: %w", env.Image, err)
		}
		if !present {
			missing = append(missing, fmt.Sprintf("%s (%s)", env.Image, env.ID))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing images: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Create provisions a sandbox for env bound to sessionID. On any partial
// failure the container is force-removed before the error is returned, so a
// failed create never leaks a running sandbox.
func (p *Provisioner) Create(ctx context.Context, env environment.Environment, sessionID string) (Handle, error) {
	id, err := p.runtime.CreateContainer(ctx, env.Image, p.profile, sessionID)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrContainerFailed, err)
	}

	if err := p.runtime.StartContainer(ctx, id); err != nil {
		if rmErr := p.runtime.RemoveContainer(ctx, id, true); rmErr != nil {
			log.Error("failed to remove container after start failure", "container", id, "error", rmErr)
		}
		return Handle{}, fmt.Errorf("%w: %v", ErrContainerFailed, err)
	}

	log.Debug("sandbox provisioned", "container", id, "image", env.Image, "session", sessionID)
	return Handle{
		ContainerID:   id,
		Image:         env.Image,
		Profile:       p.profile,
		SeccompActive: p.seccompActive,
	}, nil
}

// Destroy tears down the sandbox. A graceful stop is bounded by timeout; on
// failure it escalates to a forced remove. Destroying an already-gone sandbox
// is success. A sandbox that survives both attempts is logged as a leak
// candidate and the error returned for out-of-band reconciliation.
func (p *Provisioner) Destroy(ctx context.Context, handle Handle, timeout time.Duration) error {
	if handle.ContainerID == "" {
		return nil
	}

	stopErr := p.runtime.StopContainer(ctx, handle.ContainerID, timeout)
	if stopErr != nil {
		log.Warn("graceful stop failed, forcing removal", "container", handle.ContainerID, "error", stopErr)
	}

	if err := p.runtime.RemoveContainer(ctx, handle.ContainerID, true); err != nil {
		log.Error("sandbox leak candidate: forced removal failed", "container", handle.ContainerID, "error", err)
		return fmt.Errorf("%w: %v", ErrContainerFailed, err)
	}
	return nil
}

// Attach opens the sandbox's PTY stream.
func (p *Provisioner) Attach(ctx context.Context, handle Handle) (TerminalStream, error) {
	stream, err := p.runtime.AttachContainer(ctx, handle.ContainerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContainerFailed, err)
	}
	return stream, nil
}

// Resize updates the sandbox's PTY geometry.
func (p *Provisioner) Resize(ctx context.Context, handle Handle, rows, cols uint) error {
	return p.runtime.ResizeContainer(ctx, handle.ContainerID, rows, cols)
}

// ReapOrphans removes every container carrying the managed label. Called once
// at process start: any session alive at the previous shutdown is lost, so its
// sandbox must go.
func (p *Provisioner) ReapOrphans(ctx context.Context) (int, error) {
	ids, err := p.runtime.ListManaged(ctx)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, id := range ids {
		if err := p.runtime.RemoveContainer(ctx, id, true); err != nil {
			log.Error("failed to reap orphaned sandbox", "container", id, "error", err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		log.Info("reaped orphaned sandboxes", "count", reaped)
	}
	return reaped, nil
}
