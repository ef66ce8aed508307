package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/tindale/gantry/internal/api"
	"github.com/tindale/gantry/internal/config"
	"github.com/tindale/gantry/internal/db"
	"github.com/tindale/gantry/internal/eventlog"
	"github.com/tindale/gantry/internal/hub"
	"github.com/tindale/gantry/internal/ledger"
	"github.com/tindale/gantry/internal/machines"
	"github.com/tindale/gantry/internal/notify"
	"github.com/tindale/gantry/internal/notify/discord"
	"github.com/tindale/gantry/internal/notify/slack"
	"github.com/tindale/gantry/internal/protocol"
	"github.com/tindale/gantry/internal/sequencer"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker server",
		Long:  "Runs the websocket broker: machine status tracking, G-code routing, and job sequencing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	return cmd
}

// loadConfig reads the config file, falling back to the built-in roster
// when the default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == "gantry.yaml" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	out := cmd.OutOrStdout()

	table := machines.NewTable(cfg.Machines, cfg.Timings.StaleAfter)
	led := ledger.New(cfg.Timings.LedgerRetention)
	h := hub.New(table, led)
	jobs := sequencer.New(h, led, cfg.Timings.AckTimeout)
	h.SetJobs(jobs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier, err := buildNotifier(cfg)
	if err != nil {
		return err
	}
	defer notifier.Close()

	// Optional audit trail; an empty DSN disables it.
	var recorder *eventlog.Recorder
	if cfg.EventLog.DSN != "" {
		conn, err := db.Connect(cfg.EventLog.Driver, cfg.EventLog.DSN)
		if err != nil {
			return err
		}
		if err := db.AutoMigrate(conn); err != nil {
			return err
		}
		recorder = eventlog.New(conn)
		fmt.Fprintf(out, "Event log enabled (%s)\n", cfg.EventLog.Driver)
	}

	wireObservers(ctx, h, jobs, table, recorder, notifier)

	c, err := startMaintenance(cfg, table, led)
	if err != nil {
		return err
	}
	defer c.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	fmt.Fprintf(out, "Tracking %d machines, ack timeout %s\n", len(cfg.Machines), cfg.Timings.AckTimeout)

	return api.Start(ctx, api.StartOpts{
		Hub:    h,
		Table:  table,
		Ledger: led,
		Jobs:   jobs,
		Port:   cfg.Server.Port,
		Out:    out,
	})
}

// startMaintenance schedules the periodic staleness sweep and ledger
// eviction and starts the scheduler.
func startMaintenance(cfg *config.Config, table *machines.Table, led *ledger.Ledger) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", cfg.Timings.SweepInterval), func() {
		table.Sweep(time.Now())
		led.Evict(time.Now())
	}); err != nil {
		return nil, fmt.Errorf("serve: schedule maintenance: %w", err)
	}
	c.Start()
	return c, nil
}

// buildNotifier assembles the chat platforms enabled in config.
func buildNotifier(cfg *config.Config) (*notify.Multi, error) {
	var notifiers []notify.Notifier
	if cfg.Notify.Discord.ChannelID != "" {
		n, err := discord.New(discord.Opts{
			BotToken:  cfg.Notify.Discord.BotToken,
			ChannelID: cfg.Notify.Discord.ChannelID,
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	if cfg.Notify.Slack.ChannelID != "" {
		n, err := slack.New(slack.Opts{
			BotToken:  cfg.Notify.Slack.BotToken,
			ChannelID: cfg.Notify.Slack.ChannelID,
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	return notify.NewMulti(notifiers...), nil
}

// wireObservers connects status changes and job outcomes to the event log,
// web fan-out, and operator alerts.
func wireObservers(ctx context.Context, h *hub.Hub, jobs *sequencer.Sequencer, table *machines.Table, recorder *eventlog.Recorder, notifier *notify.Multi) {
	table.OnChange(func(c machines.Change) {
		if recorder != nil {
			recorder.RecordStatusChange(c)
		}
		if c.Record.Status == machines.StatusOffline && c.OldStatus != machines.StatusOffline {
			notifier.Notify(ctx, notify.Event{
				Title:    "Machine offline",
				Body:     fmt.Sprintf("%s went offline (source: %s)", c.MachineID, c.Source),
				Severity: notify.SeverityWarning,
			})
		}
	})

	jobs.OnLineResult(func(p protocol.LineResultPayload) {
		h.BroadcastWeb(protocol.MustMarshal(protocol.TypeJobLineResult, p))
		if recorder != nil {
			recorder.RecordLineResult(p)
		}
	})

	jobs.OnSummary(func(p protocol.JobSummaryPayload) {
		h.BroadcastWeb(protocol.MustMarshal(protocol.TypeJobSummary, p))
		if recorder != nil {
			recorder.RecordJobSummary(p)
		}
		severity := notify.SeveritySuccess
		if p.State != sequencer.StateCompleted {
			severity = notify.SeverityError
		}
		notifier.Notify(ctx, notify.Event{
			Title: fmt.Sprintf("Job %s %s", p.JobID, p.State),
			Body: fmt.Sprintf("%s: %d/%d lines ok, %d failed, %s elapsed",
				p.MachineID, p.Successful, p.TotalLines, p.Failed,
				time.Duration(p.ElapsedMs)*time.Millisecond),
			Severity: severity,
		})
	})
}
