package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/limiquantix/clustermaint/internal/collector"
	"github.com/limiquantix/clustermaint/internal/domain"
)

// withApp runs fn against a freshly wired app without triggers.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Collection

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run one metrics collection cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.maintenance.TriggerMetricsCollection(ctx); err != nil {
				return err
			}
			cluster, err := a.maintenance.Cluster(ctx)
			if errors.Is(err, domain.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "No collection cycle stored; see logs for the failure.")
				return nil
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cluster)
		})
	},
}

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Show the latest host snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			hosts, err := a.maintenance.Hosts(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HOST\tADDRESS\tCPU%\tMEM%\tDISK%\tUPTIME\tCAPTURED")
			for _, h := range hosts {
				fmt.Fprintf(tw, "%s\t%s\t%.1f\t%.1f\t%.1f\t%s\t%s\n",
					h.HostID, h.Address, h.CPUUsagePercent, h.MemoryPercent, h.DiskPercent,
					collector.FormatUptime(h.UptimeSeconds), h.CapturedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		})
	},
}

// Drain

var drainCmd = &cobra.Command{
	Use:   "drain HOST",
	Short: "Live migrate every running guest off a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			result, err := a.maintenance.Drain(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		})
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown HOST",
	Short: "Shut down guests that could not be migrated",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vms, _ := cmd.Flags().GetIntSlice("vm")
		cts, _ := cmd.Flags().GetIntSlice("ct")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			ok, err := a.maintenance.ShutdownGuests(ctx, args[0], vms, cts)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("shutdown was rejected by the cluster; see logs")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Shutdown initiated")
			return nil
		})
	},
}

var migrationStatusCmd = &cobra.Command{
	Use:   "migration-status HOST",
	Short: "Report whether a host still runs guests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			status, err := a.maintenance.MigrationStatus(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		})
	},
}

// Updates

var checkUpdatesCmd = &cobra.Command{
	Use:   "check-updates",
	Short: "Check every host for pending package updates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			statuses, err := a.maintenance.CheckUpdates(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), statuses)
		})
	},
}

var scheduleUpdateCmd = &cobra.Command{
	Use:   "schedule-update [HOST]",
	Short: "Schedule a package upgrade of one host or, with --all, every host",
	Long: `Schedule a package upgrade. The entry is stored immediately; a running
"clustermaint serve" picks it up within a minute and runs it at the given
time. Past times run as soon as they are picked up.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		at, _ := cmd.Flags().GetString("at")
		in, _ := cmd.Flags().GetDuration("in")
		all, _ := cmd.Flags().GetBool("all")

		host := ""
		if len(args) == 1 {
			host = args[0]
		}
		if host == "" && !all {
			return fmt.Errorf("give a host or --all")
		}
		if host != "" && all {
			return fmt.Errorf("--all cannot be combined with a host")
		}

		when, err := parseWhen(at, in, time.Now())
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			id, err := a.maintenance.ScheduleUpdate(ctx, host, when)
			if err != nil {
				if id != "" {
					return fmt.Errorf("update %s stored but not registered: %w", id, err)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		})
	},
}

// parseWhen resolves --at (RFC 3339) or --in (delay from now).
func parseWhen(at string, in time.Duration, now time.Time) (time.Time, error) {
	switch {
	case at != "" && in != 0:
		return time.Time{}, fmt.Errorf("--at and --in are mutually exclusive")
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at: %w", err)
		}
		return t.UTC(), nil
	case in > 0:
		return now.Add(in).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("give --at or a positive --in")
	}
}

var cancelUpdateCmd = &cobra.Command{
	Use:   "cancel-update ID",
	Short: "Cancel a scheduled update that has not started",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.maintenance.CancelUpdate(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cancelled")
			return nil
		})
	},
}

var updateStatusCmd = &cobra.Command{
	Use:   "update-status [ID]",
	Short: "Show a scheduled update, or every host's update status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		if host != "" && len(args) == 1 {
			return fmt.Errorf("--host cannot be combined with an update id")
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if host != "" {
				status, err := a.maintenance.NodeStatus(ctx, host)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			}
			if len(args) == 0 {
				statuses, err := a.maintenance.NodeStatuses(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), statuses)
			}
			entry, err := a.maintenance.UpdateStatus(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entry)
		})
	},
}

// Durable log

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the maintenance log",
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses, _ := cmd.Flags().GetStringSlice("status")
		limit, _ := cmd.Flags().GetInt("limit")
		perHost, _ := cmd.Flags().GetBool("per-host")

		filter, err := parseStatuses(statuses)
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			var entries []*domain.LogEntry
			if perHost {
				entries, err = a.maintenance.LatestLogPerHost(ctx)
			} else {
				entries, err = a.maintenance.RecentLogs(ctx, filter, limit)
			}
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSTATUS\tHOST\tACTION")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Status, e.HostID, e.Action)
			}
			return tw.Flush()
		})
	},
}

func parseStatuses(in []string) ([]domain.LogStatus, error) {
	var out []domain.LogStatus
	for _, s := range in {
		switch st := domain.LogStatus(strings.ToLower(strings.TrimSpace(s))); st {
		case domain.LogStatusInfo, domain.LogStatusWarning, domain.LogStatusError:
			out = append(out, st)
		default:
			return nil, fmt.Errorf("unknown status %q: expected info, warning or error", s)
		}
	}
	return out, nil
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow maintenance events on the Redis event bus",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if a.cache == nil {
				return fmt.Errorf("redis is not enabled")
			}
			for event := range a.cache.Subscribe(ctx) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n",
					event.Timestamp.Format(time.RFC3339), event.Type, strconv.Quote(event.ResourceID))
			}
			return nil
		})
	},
}

func init() {
	shutdownCmd.Flags().IntSlice("vm", nil, "VM ids to shut down")
	shutdownCmd.Flags().IntSlice("ct", nil, "Container ids to shut down")

	scheduleUpdateCmd.Flags().String("at", "", "Start time (RFC 3339)")
	scheduleUpdateCmd.Flags().Duration("in", 0, "Start after this delay")
	scheduleUpdateCmd.Flags().Bool("all", false, "Update every host")

	updateStatusCmd.Flags().String("host", "", "Show the update status of one host")

	logsCmd.Flags().StringSlice("status", nil, "Only show these statuses (info, warning, error)")
	logsCmd.Flags().Int("limit", 50, "Maximum entries to show")
	logsCmd.Flags().Bool("per-host", false, "Show only the newest entry of every host")
}
