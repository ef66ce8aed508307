package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/tindale/gantry/internal/machines"
)

func newStatusCmd() *cobra.Command {
	var (
		server string
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show machine roster status",
		Long:  "Displays each machine's live status from a running broker. Use --watch for auto-refresh.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, server, watch)
		},
	}

	cmd.Flags().StringVarP(&server, "server", "s", "http://localhost:8081", "broker base URL")
	cmd.Flags().BoolVar(&watch, "watch", false, "auto-refresh every 5 seconds")
	return cmd
}

func runStatus(cmd *cobra.Command, server string, watch bool) error {
	out := cmd.OutOrStdout()
	client := &http.Client{Timeout: 10 * time.Second}

	for {
		stats, err := fetchStats(client, server)
		if err != nil {
			return err
		}

		if watch {
			// Clear screen.
			fmt.Fprint(out, "\033[2J\033[H")
		}

		ids := make([]string, 0, len(stats.MachineStatus))
		for id := range stats.MachineStatus {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		fmt.Fprintf(out, "%-12s %-22s %-8s %-10s %-10s %s\n",
			"ID", "NAME", "TYPE", "STATUS", "CONTROLLER", "LAST SEEN")
		for _, id := range ids {
			m := stats.MachineStatus[id]
			controller := "no"
			if m.ControllerConnected {
				controller = "yes"
			}
			lastSeen := "never"
			if !m.LastSeen.IsZero() {
				lastSeen = m.LastSeen.Local().Format(time.TimeOnly)
			}
			fmt.Fprintf(out, "%-12s %-22s %-8s %-10s %-10s %s\n",
				m.ID, m.Name, m.Kind, m.Status, controller, lastSeen)
		}

		if !watch {
			return nil
		}
		time.Sleep(5 * time.Second)
	}
}

type statsResponse struct {
	ConnectedClients int                        `json:"connectedClients"`
	MachineStatus    map[string]machines.Record `json:"machineStatus"`
	UptimeSeconds    int                        `json:"uptimeSeconds"`
	Timestamp        string                     `json:"timestamp"`
}

func fetchStats(client *http.Client, server string) (*statsResponse, error) {
	resp, err := client.Get(server + "/stats")
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status: broker returned %s", resp.Status)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("status: decode response: %w", err)
	}
	return &stats, nil
}
