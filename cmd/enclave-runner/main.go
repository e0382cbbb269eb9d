package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/philsphicas/enclave-runner/internal/metrics"
	"github.com/spf13/cobra"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "enclave-runner",
		Short: "Network relay for isolated enclaves",
		Long: `Relay network connections on behalf of an enclave that has no network
stack of its own. The runner listens on a well-known port; the enclave
asks it to connect to a remote host:port and then exchanges data over an
ephemeral port the runner hands back.`,
		SilenceUsage: true,
	}

	// Global flags.
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error) [$ENCLAVE_RUNNER_LOG_LEVEL]")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty [$ENCLAVE_RUNNER_METRICS_ADDR]")
	rootCmd.PersistentFlags().Int("metrics-max-targets", 500, "max unique target labels in metrics (0 = unlimited)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(portForwardCmd())
	rootCmd.AddCommand(socks5ProxyCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// stringFlagOrEnv returns the flag value if it was set on the command line,
// else the environment variable if set, else the flag default.
func stringFlagOrEnv(cmd *cobra.Command, name, env string) string {
	v, _ := cmd.Flags().GetString(name)
	if cmd.Flags().Changed(name) {
		return v
	}
	if e := os.Getenv(env); e != "" {
		return e
	}
	return v
}

// portFlagOrEnv resolves a port like stringFlagOrEnv and validates it.
func portFlagOrEnv(cmd *cobra.Command, name, env string) (uint32, error) {
	s := stringFlagOrEnv(cmd, name, env)
	port, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", name, s, err)
	}
	return uint32(port), nil
}

func resolveLogger(cmd *cobra.Command) *slog.Logger {
	return newLogger(stringFlagOrEnv(cmd, "log-level", "ENCLAVE_RUNNER_LOG_LEVEL"))
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr or ENCLAVE_RUNNER_METRICS_ADDR is set. Returns nil if
// metrics are disabled. The server shuts down when ctx is cancelled.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr := stringFlagOrEnv(cmd, "metrics-addr", "ENCLAVE_RUNNER_METRICS_ADDR")
	if addr == "" {
		return nil, nil
	}
	maxTargets, _ := cmd.Flags().GetInt("metrics-max-targets")
	if maxTargets < 0 {
		return nil, fmt.Errorf("--metrics-max-targets must be >= 0, got %d", maxTargets)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	m.MaxTargets = maxTargets
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}
