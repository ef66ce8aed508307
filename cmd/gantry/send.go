package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	var (
		server     string
		jobID      string
		lineNumber int
	)

	cmd := &cobra.Command{
		Use:   "send <machine-id> <gcode>",
		Short: "Send one G-code line to a machine",
		Long:  "Delivers a single G-code line to a connected machine through a running broker.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, server, args[0], strings.Join(args[1:], " "), lineNumber, jobID)
		},
	}

	cmd.Flags().StringVarP(&server, "server", "s", "http://localhost:8081", "broker base URL")
	cmd.Flags().StringVar(&jobID, "job", "", "correlation job id (generated when omitted)")
	cmd.Flags().IntVar(&lineNumber, "line", 0, "line number for ack correlation")
	return cmd
}

func runSend(cmd *cobra.Command, server, machineID, gcode string, lineNumber int, jobID string) error {
	body, _ := json.Marshal(map[string]any{
		"machineId":  machineID,
		"gcode":      gcode,
		"lineNumber": lineNumber,
		"jobId":      jobID,
	})

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(server+"/send-gcode", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		JobID   string `json:"jobId"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("send: decode response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("send: %s", result.Error)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (job %s)\n", result.Message, result.JobID)
	return nil
}
