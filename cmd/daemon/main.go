// Scanfleet daemon: runs discovery sessions for the control plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marcus-qen/scanfleet/internal/daemon"
	"github.com/marcus-qen/scanfleet/internal/daemon/scan"
	"github.com/marcus-qen/scanfleet/internal/protocol"
	"github.com/marcus-qen/scanfleet/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configDir string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "scanfleet-daemon",
	Short:        "Discovery daemon for a scanfleet server",
	SilenceUsage: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the daemon config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		server, _ := flags.GetString("server")
		key, _ := flags.GetString("key")
		network, _ := flags.GetString("network")
		mode, _ := flags.GetString("mode")
		advertise, _ := flags.GetString("advertise-url")
		listen, _ := flags.GetString("listen")

		cfg := &daemon.Config{
			ServerURL:    server,
			APIKey:       key,
			NetworkID:    network,
			Mode:         protocol.DaemonMode(mode),
			AdvertiseURL: advertise,
			ListenAddr:   listen,
		}
		cfg.EnsureIdentity()
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.Save(configDir); err != nil {
			return err
		}
		fmt.Printf("Daemon %s configured\n", cfg.DaemonID)
		fmt.Printf("  Config saved to %s\n", daemon.ConfigPath(configDir))
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Register with the server and run the discovery loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return runDaemon(ctx)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local daemon configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := daemon.LoadConfig(configDir)
		if err != nil {
			return fmt.Errorf("not configured: %w", err)
		}
		fmt.Printf("Daemon ID:  %s\n", cfg.DaemonID)
		fmt.Printf("Network:    %s\n", cfg.NetworkID)
		fmt.Printf("Server:     %s\n", cfg.ServerURL)
		fmt.Printf("Mode:       %s\n", cfg.Mode)
		if cfg.LastHeartbeat != nil {
			fmt.Printf("Heartbeat:  %s (%s ago)\n", cfg.LastHeartbeat.Format(time.RFC3339), time.Since(*cfg.LastHeartbeat).Round(time.Second))
		} else {
			fmt.Println("Heartbeat:  never")
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("scanfleet-daemon %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config-dir", "c", "", "config directory (default "+daemon.DefaultConfigDir+")")

	initCmd.Flags().String("server", "", "server URL")
	initCmd.Flags().String("key", "", "daemon API key")
	initCmd.Flags().String("network", "", "network id")
	initCmd.Flags().String("mode", string(protocol.ModePull), "push or pull")
	initCmd.Flags().String("advertise-url", "", "URL the server uses to reach this daemon (push mode)")
	initCmd.Flags().String("listen", "", "listen address for push endpoints")
	_ = initCmd.MarkFlagRequired("server")
	_ = initCmd.MarkFlagRequired("key")
	_ = initCmd.MarkFlagRequired("network")

	rootCmd.AddCommand(initCmd, runCmd, statusCmd, versionCmd)
}

func runDaemon(ctx context.Context) error {
	cfg, err := daemon.LoadConfig(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w (run 'scanfleet-daemon init' first)", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.EnsureIdentity() {
		if err := cfg.Save(cfg.ConfigDir); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, "scanfleet-daemon", version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownTracing(flushCtx)
	}()

	client := daemon.NewClient(cfg.ServerURL, cfg.APIKey)
	registrar := daemon.NewRegistrar(client, cfg, version, logger)
	if err := registrar.Ensure(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	executor := scan.NewExecutor(cfg.DaemonID, cfg.NetworkID, client, map[protocol.DiscoveryKind]scan.Scanner{
		protocol.KindNetwork:    scan.NewNetworkScanner(logger.Named("network")),
		protocol.KindDocker:     scan.NewDockerScanner(cfg.DockerSocket),
		protocol.KindSelfReport: scan.NewSelfReportScanner(),
	}, logger.Named("executor"))
	defer executor.Shutdown()

	var push *daemon.PushServer
	if cfg.Mode == protocol.ModePush {
		push = daemon.NewPushServer(cfg.ListenAddr, executor, logger)
	}

	return daemon.NewRuntime(cfg, client, executor, registrar, push, logger).Run(ctx)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
