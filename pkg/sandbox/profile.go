// Package sandbox provisions and destroys hardened container sandboxes.
//
// Every sandbox gets the same non-negotiable isolation posture: no network,
// read-only root filesystem with a size-bounded tmpfs scratch mount, all
// capabilities dropped, no privilege escalation, and fixed resource ceilings.
// Only the ceilings themselves are configurable through Profile.
package sandbox

import "errors"

// ErrContainerFailed is returned for provisioning and teardown failures.
var ErrContainerFailed = errors.New("container operation failed")

// Profile carries the resource ceilings applied to a sandbox. The hardening
// settings themselves (no network, read-only root, dropped capabilities) are
// fixed and not represented here so callers cannot weaken them.
type Profile struct {
	MemoryBytes  int64
	NanoCPUs     int64
	PidsLimit    int64
	OpenFiles    int64
	ScratchBytes int64
}

// DefaultProfile returns the ceilings applied to every sandbox.
func DefaultProfile() Profile {
	return Profile{
		MemoryBytes:  256 << 20, // 256 MiB, swap pinned to the same value
		NanoCPUs:     500_000_000,
		PidsLimit:    128,
		OpenFiles:    256,
		ScratchBytes: 64 << 20,
	}
}

// Handle references a provisioned sandbox.
type Handle struct {
	ContainerID string
	Image       string
	Profile     Profile
	// SeccompActive records whether the host's syscall-interception layer
	// was confirmed at startup. Informational; startup refuses to run
	// without it.
	SeccompActive bool
}
