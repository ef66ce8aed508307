package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tindale/gantry/internal/simulator"
)

func newSimulateCmd() *cobra.Command {
	var (
		server     string
		execDelay  time.Duration
		errorEvery int
	)

	cmd := &cobra.Command{
		Use:   "simulate <machine-id>",
		Short: "Run a simulated machine controller",
		Long:  "Connects a fake machine controller to a running broker. It heartbeats and acknowledges G-code lines, optionally injecting errors.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, server, args[0], execDelay, errorEvery)
		},
	}

	cmd.Flags().StringVarP(&server, "server", "s", "ws://localhost:8081/ws", "broker websocket URL")
	cmd.Flags().DurationVar(&execDelay, "exec-delay", 200*time.Millisecond, "simulated per-line execution time")
	cmd.Flags().IntVar(&errorEvery, "error-every", 0, "ack every Nth line with an error (0 disables)")
	return cmd
}

func runSimulate(cmd *cobra.Command, server, machineID string, execDelay time.Duration, errorEvery int) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, disconnecting...\n", sig)
		cancel()
	}()

	machine, err := simulator.Dial(ctx, simulator.Opts{
		URL:        server,
		MachineID:  machineID,
		ExecDelay:  execDelay,
		ErrorEvery: errorEvery,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Simulating %s against %s\n", machineID, server)
	if err := machine.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
