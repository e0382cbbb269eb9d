package main

import (
	"fmt"
	"time"

	"github.com/philsphicas/enclave-runner/internal/client"
	"github.com/philsphicas/enclave-runner/internal/protocol"
	"github.com/philsphicas/enclave-runner/internal/transport"
	"github.com/spf13/cobra"
)

// addRunnerFlags adds the flags that locate the runner to a client command.
func addRunnerFlags(cmd *cobra.Command) {
	cmd.Flags().String("runner-host", "", "runner address: IP or hostname, or a vsock context ID (default 127.0.0.1, or the host CID on vsock) [$ENCLAVE_RUNNER_HOST]")
	cmd.Flags().String("runner-port", fmt.Sprint(protocol.DefaultPort), "runner control port [$ENCLAVE_RUNNER_PORT]")
	cmd.Flags().String("transport", transport.NameTCP, "channel to the runner: tcp, vsock, or websocket [$ENCLAVE_RUNNER_TRANSPORT]")
	cmd.Flags().Duration("dial-timeout", 30*time.Second, "timeout for reaching the runner and getting its answer")
}

// resolveRunner builds a client.Config from the runner flags. Logger and
// Metrics are left for the caller.
func resolveRunner(cmd *cobra.Command) (client.Config, error) {
	port, err := portFlagOrEnv(cmd, "runner-port", "ENCLAVE_RUNNER_PORT")
	if err != nil {
		return client.Config{}, err
	}
	tr, err := transport.Lookup(stringFlagOrEnv(cmd, "transport", "ENCLAVE_RUNNER_TRANSPORT"), "")
	if err != nil {
		return client.Config{}, err
	}
	dialTimeout, _ := cmd.Flags().GetDuration("dial-timeout")
	return client.Config{
		Transport:   tr,
		Host:        stringFlagOrEnv(cmd, "runner-host", "ENCLAVE_RUNNER_HOST"),
		Port:        port,
		DialTimeout: dialTimeout,
	}, nil
}
