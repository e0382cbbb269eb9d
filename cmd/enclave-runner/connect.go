package main

import (
	"os"

	"github.com/philsphicas/enclave-runner/internal/client"
	"github.com/spf13/cobra"
)

func connectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <host:port>",
		Short: "One-shot stdin/stdout connection through the runner",
		Long: `Ask the runner to dial host:port, then relay stdin/stdout over the
data connection. Exits when the connection closes. Designed for use as an
SSH ProxyCommand inside the enclave.

Example:
  ssh -o ProxyCommand="enclave-runner connect --transport vsock %%h:%%p" user@host`,
		Args: cobra.ExactArgs(1),
		RunE: runConnect,
	}

	addRunnerFlags(cmd)
	return cmd
}

func runConnect(cmd *cobra.Command, args []string) error {
	runner, err := resolveRunner(cmd)
	if err != nil {
		return err
	}
	logger := resolveLogger(cmd)

	ctx, stop := signalContext()
	defer stop()

	runner.Logger = logger
	if runner.Metrics, err = resolveMetrics(ctx, cmd, logger); err != nil {
		return err
	}

	return client.Connect(ctx, client.ConnectConfig{
		Runner: runner,
		Target: args[0],
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
	})
}
