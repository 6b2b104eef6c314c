// Package config loads the service configuration file and translates it into
// the per-package configuration types. Every field is optional; omitted
// sections inherit the package defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/shellbox-run/shellbox/pkg/admission"
	"github.com/shellbox-run/shellbox/pkg/environment"
	"github.com/shellbox-run/shellbox/pkg/log"
	"github.com/shellbox-run/shellbox/pkg/proxy"
	"github.com/shellbox-run/shellbox/pkg/sandbox"
	"github.com/shellbox-run/shellbox/pkg/session"
)

// Duration accepts Go duration strings ("90s", "5m") or bare integers, which
// are read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration: %s", value.Value)
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ByteSize accepts human-readable sizes ("256MiB", "8KB") or bare byte counts.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := units.RAMInBytes(s)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", s, err)
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid size: %s", value.Value)
}

// Config is the root of the service configuration file.
type Config struct {
	Listen       string        `yaml:"listen"`
	Log          Log           `yaml:"log"`
	Session      Session       `yaml:"session"`
	Limits       Limits        `yaml:"limits"`
	Breaker      Breaker       `yaml:"breaker"`
	Proxy        Proxy         `yaml:"proxy"`
	Sandbox      Sandbox       `yaml:"sandbox"`
	Environments []Environment `yaml:"environments"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Session configures lifecycle timing.
type Session struct {
	IdleTimeout     Duration `yaml:"idleTimeout"`
	WarningGrace    Duration `yaml:"warningGrace"`
	MaxLifetime     Duration `yaml:"maxLifetime"`
	SweepInterval   Duration `yaml:"sweepInterval"`
	TeardownTimeout Duration `yaml:"teardownTimeout"`
}

// Limits configures per-client admission ceilings.
type Limits struct {
	SessionsPerHour    int `yaml:"sessionsPerHour"`
	ConcurrentSessions int `yaml:"concurrentSessions"`
	CommandsPerMinute  int `yaml:"commandsPerMinute"`
}

// Breaker configures the provisioning circuit breaker.
type Breaker struct {
	FailureThreshold int      `yaml:"failureThreshold"`
	SampleWindow     Duration `yaml:"sampleWindow"`
	Cooldown         Duration `yaml:"cooldown"`
}

// Proxy configures the streaming layer.
type Proxy struct {
	MaxClientMessage   ByteSize `yaml:"maxClientMessage"`
	InitCommandTimeout Duration `yaml:"initCommandTimeout"`
	WriteTimeout       Duration `yaml:"writeTimeout"`
	SendBuffer         int      `yaml:"sendBuffer"`
}

// Sandbox configures the resource ceilings applied to every sandbox. The
// hardening posture itself is not configurable.
type Sandbox struct {
	Memory    ByteSize `yaml:"memory"`
	CPUs      float64  `yaml:"cpus"`
	PidsLimit int64    `yaml:"pidsLimit"`
	OpenFiles int64    `yaml:"openFiles"`
	Scratch   ByteSize `yaml:"scratch"`
}

// Environment is an environment override or addition.
type Environment struct {
	ID             string   `yaml:"id"`
	Description    string   `yaml:"description"`
	Image          string   `yaml:"image"`
	DefaultInit    []string `yaml:"defaultInit"`
	DefaultTimeout Duration `yaml:"defaultTimeout"`
}

// Default returns the configuration the service runs with when no file is
// given. Values mirror the per-package defaults.
func Default() Config {
	sess := session.DefaultConfig()
	limits := admission.DefaultLimits()
	breaker := admission.DefaultBreakerConfig()
	prx := proxy.DefaultConfig()
	profile := sandbox.DefaultProfile()
	return Config{
		Listen: ":8080",
		Log: Log{
			Level:  string(log.LevelInfo),
			Format: string(log.FormatConsole),
		},
		Session: Session{
			IdleTimeout:     Duration(sess.IdleTimeout),
			WarningGrace:    Duration(sess.WarningGrace),
			MaxLifetime:     Duration(sess.MaxLifetime),
			SweepInterval:   Duration(sess.SweepInterval),
			TeardownTimeout: Duration(sess.TeardownTimeout),
		},
		Limits: Limits{
			SessionsPerHour:    limits.SessionsPerHour,
			ConcurrentSessions: limits.ConcurrentSessions,
			CommandsPerMinute:  limits.CommandsPerMinute,
		},
		Breaker: Breaker{
			FailureThreshold: breaker.FailureThreshold,
			SampleWindow:     Duration(breaker.SampleWindow),
			Cooldown:         Duration(breaker.Cooldown),
		},
		Proxy: Proxy{
			MaxClientMessage:   ByteSize(prx.MaxClientMessage),
			InitCommandTimeout: Duration(prx.InitCommandTimeout),
			WriteTimeout:       Duration(prx.WriteTimeout),
			SendBuffer:         prx.SendBuffer,
		},
		Sandbox: Sandbox{
			Memory:    ByteSize(profile.MemoryBytes),
			CPUs:      float64(profile.NanoCPUs) / 1e9,
			PidsLimit: profile.PidsLimit,
			OpenFiles: profile.OpenFiles,
			Scratch:   ByteSize(profile.ScratchBytes),
		},
	}
}

// Load reads path and merges it over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse merges raw YAML over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.Session.IdleTimeout <= 0 || c.Session.MaxLifetime <= 0 {
		return fmt.Errorf("session timeouts must be positive")
	}
	if c.Limits.ConcurrentSessions <= 0 || c.Limits.SessionsPerHour <= 0 {
		return fmt.Errorf("session limits must be positive")
	}
	if c.Sandbox.Memory <= 0 || c.Sandbox.CPUs <= 0 {
		return fmt.Errorf("sandbox ceilings must be positive")
	}
	for _, env := range c.Environments {
		if env.ID == "" || env.Image == "" {
			return fmt.Errorf("environment overrides require id and image")
		}
	}
	return nil
}

// LogConfig translates the log section.
func (c Config) LogConfig() log.Config {
	return log.Config{
		Level:  log.Level(c.Log.Level),
		Format: log.Format(c.Log.Format),
	}
}

// SessionConfig translates the session section.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		IdleTimeout:     c.Session.IdleTimeout.Std(),
		WarningGrace:    c.Session.WarningGrace.Std(),
		MaxLifetime:     c.Session.MaxLifetime.Std(),
		SweepInterval:   c.Session.SweepInterval.Std(),
		TeardownTimeout: c.Session.TeardownTimeout.Std(),
	}
}

// AdmissionLimits translates the limits section.
func (c Config) AdmissionLimits() admission.Limits {
	return admission.Limits{
		SessionsPerHour:    c.Limits.SessionsPerHour,
		ConcurrentSessions: c.Limits.ConcurrentSessions,
		CommandsPerMinute:  c.Limits.CommandsPerMinute,
	}
}

// BreakerConfig translates the breaker section.
func (c Config) BreakerConfig() admission.BreakerConfig {
	return admission.BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		SampleWindow:     c.Breaker.SampleWindow.Std(),
		Cooldown:         c.Breaker.Cooldown.Std(),
	}
}

// ProxyConfig translates the proxy section.
func (c Config) ProxyConfig() proxy.Config {
	return proxy.Config{
		MaxClientMessage:   int64(c.Proxy.MaxClientMessage),
		InitCommandTimeout: c.Proxy.InitCommandTimeout.Std(),
		WriteTimeout:       c.Proxy.WriteTimeout.Std(),
		SendBuffer:         c.Proxy.SendBuffer,
	}
}

// SandboxProfile translates the sandbox section.
func (c Config) SandboxProfile() sandbox.Profile {
	return sandbox.Profile{
		MemoryBytes:  int64(c.Sandbox.Memory),
		NanoCPUs:     int64(c.Sandbox.CPUs * 1e9),
		PidsLimit:    c.Sandbox.PidsLimit,
		OpenFiles:    c.Sandbox.OpenFiles,
		ScratchBytes: int64(c.Sandbox.Scratch),
	}
}

// EnvironmentOverrides translates the environments section.
func (c Config) EnvironmentOverrides() []environment.Environment {
	if len(c.Environments) == 0 {
		return nil
	}
	out := make([]environment.Environment, 0, len(c.Environments))
	for _, env := range c.Environments {
		out = append(out, environment.Environment{
			ID:             env.ID,
			Description:    env.Description,
			Image:          env.Image,
			DefaultInit:    env.DefaultInit,
			DefaultTimeout: env.DefaultTimeout.Std(),
		})
	}
	return out
}
