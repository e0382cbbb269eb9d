package main

import (
	"net"
	"time"

	"github.com/philsphicas/enclave-runner/internal/client"
	"github.com/spf13/cobra"
)

func portForwardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "port-forward <host:port>",
		Short: "Forward a local port through the runner to a specific target",
		Long: `Start a local TCP listener and forward each connection through the
runner to the specified target host:port.`,
		Args: cobra.ExactArgs(1),
		RunE: runPortForward,
	}

	addRunnerFlags(cmd)
	addBindFlags(cmd, "127.0.0.1:0")
	return cmd
}

// addBindFlags adds the local listener flags shared by port-forward and
// socks5-proxy.
func addBindFlags(cmd *cobra.Command, defaultBind string) {
	cmd.Flags().StringP("bind", "b", defaultBind, "local bind address:port")
	cmd.Flags().Bool("gateway", false, "bind to 0.0.0.0 instead of 127.0.0.1")
	cmd.Flags().Duration("tcp-keepalive", 30*time.Second, "TCP keepalive interval for local connections (0 = off)")
}

func resolveBind(cmd *cobra.Command) string {
	bind, _ := cmd.Flags().GetString("bind")
	if gateway, _ := cmd.Flags().GetBool("gateway"); gateway {
		_, port, _ := net.SplitHostPort(bind)
		if port == "" {
			port = "0"
		}
		bind = "0.0.0.0:" + port
	}
	return bind
}

func runPortForward(cmd *cobra.Command, args []string) error {
	runner, err := resolveRunner(cmd)
	if err != nil {
		return err
	}
	tcpKeepAlive, _ := cmd.Flags().GetDuration("tcp-keepalive")
	logger := resolveLogger(cmd)

	ctx, stop := signalContext()
	defer stop()

	runner.Logger = logger
	if runner.Metrics, err = resolveMetrics(ctx, cmd, logger); err != nil {
		return err
	}

	return client.PortForward(ctx, client.PortForwardConfig{
		Runner:       runner,
		Target:       args[0],
		BindAddress:  resolveBind(cmd),
		TCPKeepAlive: tcpKeepAlive,
	})
}
