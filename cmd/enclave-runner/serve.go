package main

import (
	"fmt"
	"time"

	"github.com/philsphicas/enclave-runner/internal/protocol"
	"github.com/philsphicas/enclave-runner/internal/server"
	"github.com/philsphicas/enclave-runner/internal/transport"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the runner and relay connections for enclaves",
		Long: `Listen for control connections from enclaves on the well-known port.
Each connection carries one Connect request; the runner dials the
requested host:port, replies with an ephemeral data port, and relays
bytes between the enclave's data connection and the remote host.
Optionally restrict targets with --allow.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("port", fmt.Sprint(protocol.DefaultPort), "control port [$ENCLAVE_RUNNER_PORT]")
	cmd.Flags().String("transport", transport.NameTCP, "enclave channel: tcp, vsock, or websocket [$ENCLAVE_RUNNER_TRANSPORT]")
	cmd.Flags().String("bind-host", transport.DefaultHost, "bind address for tcp and websocket transports")
	cmd.Flags().StringSlice("allow", nil, "allowed targets (host:port, CIDR:port, CIDR:*)")
	cmd.Flags().Int("max-connections", 0, "max concurrent sessions (0 = unlimited)")
	cmd.Flags().Duration("connect-timeout", 30*time.Second, "timeout for dialing targets")
	cmd.Flags().Duration("request-timeout", 0, "timeout for reading the request on a control connection (0 = none)")
	cmd.Flags().Duration("accept-timeout", 0, "timeout for the enclave to connect to its data port (0 = none)")
	cmd.Flags().Duration("tcp-keepalive", 30*time.Second, "TCP keepalive interval for target connections (0 = off)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	port, err := portFlagOrEnv(cmd, "port", "ENCLAVE_RUNNER_PORT")
	if err != nil {
		return err
	}
	bindHost, _ := cmd.Flags().GetString("bind-host")
	tr, err := transport.Lookup(stringFlagOrEnv(cmd, "transport", "ENCLAVE_RUNNER_TRANSPORT"), bindHost)
	if err != nil {
		return err
	}

	allow, _ := cmd.Flags().GetStringSlice("allow")
	maxConn, _ := cmd.Flags().GetInt("max-connections")
	connectTimeout, _ := cmd.Flags().GetDuration("connect-timeout")
	requestTimeout, _ := cmd.Flags().GetDuration("request-timeout")
	acceptTimeout, _ := cmd.Flags().GetDuration("accept-timeout")
	tcpKeepAlive, _ := cmd.Flags().GetDuration("tcp-keepalive")
	if maxConn < 0 {
		return fmt.Errorf("--max-connections must be >= 0, got %d", maxConn)
	}

	logger := resolveLogger(cmd)

	ctx, stop := signalContext()
	defer stop()

	cfg := server.Config{
		Transport:      tr,
		Port:           port,
		AllowList:      allow,
		MaxConnections: maxConn,
		ConnectTimeout: connectTimeout,
		RequestTimeout: requestTimeout,
		AcceptTimeout:  acceptTimeout,
		TCPKeepAlive:   tcpKeepAlive,
		Logger:         logger,
	}
	if cfg.Metrics, err = resolveMetrics(ctx, cmd, logger); err != nil {
		return err
	}

	return server.ListenAndServe(ctx, cfg)
}
