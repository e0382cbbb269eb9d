package main

import (
	"github.com/philsphicas/enclave-runner/internal/client"
	"github.com/spf13/cobra"
)

func socks5ProxyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "socks5-proxy",
		Short: "Run a local SOCKS5 proxy that forwards through the runner",
		Long: `Start a local SOCKS5 proxy server. The target for each connection
is taken from the SOCKS5 handshake and reached through the runner.`,
		Args: cobra.NoArgs,
		RunE: runSOCKS5Proxy,
	}

	addRunnerFlags(cmd)
	addBindFlags(cmd, "127.0.0.1:1080")
	return cmd
}

func runSOCKS5Proxy(cmd *cobra.Command, args []string) error {
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

	return client.SOCKS5Proxy(ctx, client.SOCKS5Config{
		Runner:       runner,
		BindAddress:  resolveBind(cmd),
		TCPKeepAlive: tcpKeepAlive,
	})
}
