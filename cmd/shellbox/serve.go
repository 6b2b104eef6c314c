package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shellbox-run/shellbox/pkg/admission"
	"github.com/shellbox-run/shellbox/pkg/config"
	"github.com/shellbox-run/shellbox/pkg/environment"
	"github.com/shellbox-run/shellbox/pkg/gateway"
	"github.com/shellbox-run/shellbox/pkg/log"
	"github.com/shellbox-run/shellbox/pkg/proxy"
	"github.com/shellbox-run/shellbox/pkg/sandbox"
	"github.com/shellbox-run/shellbox/pkg/session"
)

var (
	serveConfigPath string
	serveListen     string
	serveLogLevel   string
	serveLogFormat  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sandbox service",
	Long: `Run the sandbox service: reap any sandboxes orphaned by a previous
process, validate that every environment image is present, then serve the
HTTP and websocket API until interrupted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Default()
		if serveConfigPath != "" {
			loaded, err := config.Load(serveConfigPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		if serveListen != "" {
			cfg.Listen = serveListen
		}
		if serveLogLevel != "" {
			cfg.Log.Level = serveLogLevel
		}
		if serveLogFormat != "" {
			cfg.Log.Format = serveLogFormat
		}

		if err := log.Init(cfg.LogConfig()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runServe(ctx, cfg)
	},
}

func runServe(ctx context.Context, cfg config.Config) error {
	registry, err := environment.NewRegistry(cfg.EnvironmentOverrides())
	if err != nil {
		return fmt.Errorf("failed to build environment registry: %w", err)
	}

	runtime, err := sandbox.NewDockerRuntime()
	if err != nil {
		return err
	}

	startupCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	provisioner, err := sandbox.NewProvisioner(startupCtx, runtime, cfg.SandboxProfile())
	if err != nil {
		return err
	}
	if _, err := provisioner.ReapOrphans(startupCtx); err != nil {
		return fmt.Errorf("failed to reap orphaned sandboxes: %w", err)
	}
	if err := provisioner.StartupValidate(startupCtx, registry); err != nil {
		return err
	}

	controller := admission.NewController(cfg.AdmissionLimits(), cfg.BreakerConfig())
	manager := session.NewManager(cfg.SessionConfig(), registry, controller, provisioner)
	streamProxy := proxy.New(cfg.ProxyConfig(), manager, provisioner, controller)
	manager.SetNotifier(streamProxy)

	server, err := gateway.New(gateway.Config{Listen: cfg.Listen}, manager, streamProxy, controller, registry)
	if err != nil {
		return err
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		manager.Run(ctx)
	}()

	log.Info("shellbox started", "listen", cfg.Listen, "environments", len(registry.List()))
	err = server.Start(ctx)

	// The manager's Run drains every remaining session once ctx is cancelled;
	// wait so no sandbox outlives the process.
	<-sweepDone

	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to configuration file")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	serveCmd.Flags().StringVar(&serveLogFormat, "log-format", "", "Log format: console, json")
	rootCmd.AddCommand(serveCmd)
}
