package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show broker connection statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd, server)
		},
	}

	cmd.Flags().StringVarP(&server, "server", "s", "http://localhost:8081", "broker base URL")
	return cmd
}

func runStats(cmd *cobra.Command, server string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	stats, err := fetchStats(client, server)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	online := 0
	for _, m := range stats.MachineStatus {
		if m.Status != "offline" {
			online++
		}
	}

	fmt.Fprintf(out, "Connected clients: %d\n", stats.ConnectedClients)
	fmt.Fprintf(out, "Machines online:   %d/%d\n", online, len(stats.MachineStatus))
	fmt.Fprintf(out, "Uptime:            %s\n", time.Duration(stats.UptimeSeconds)*time.Second)
	return nil
}
