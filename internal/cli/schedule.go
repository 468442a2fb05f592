package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/harun/dqagent/internal/daemon"
	"github.com/harun/dqagent/pkg/cron"
	"github.com/spf13/cobra"
)

var (
	scheduleFormat   string
	scheduleName     string
	scheduleCron     string
	scheduleTZ       string
	scheduleEvery    time.Duration
	scheduleAt       string
	scheduleSession  string
	scheduleDisabled bool
	scheduleOnce     bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring data quality checks",
	Long: `Manage queries the served daemon runs on a schedule.

Jobs are stored in the schedule registry under the data directory. A running
daemon picks up jobs edited here on its next start; use the cron.* gateway
methods to edit the schedule of a live daemon.`,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled checks",
	Args:  cobra.NoArgs,
	RunE:  runScheduleList,
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <query>",
	Short: "Schedule a data quality request",
	Example: `  dqagent schedule add --name nightly --cron "0 2 * * *" "check missing values in income"
  dqagent schedule add --every 30m --session ops "find duplicate customer ids"
  dqagent schedule add --at 2026-01-01T09:00:00Z --once "profile the dataset"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScheduleAdd,
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a scheduled check",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRemove,
}

func init() {
	scheduleListCmd.Flags().StringVarP(&scheduleFormat, "format", "f", formatText, "output format (text, json, yaml)")

	scheduleAddCmd.Flags().StringVar(&scheduleName, "name", "", "job name (defaults to the query)")
	scheduleAddCmd.Flags().StringVar(&scheduleCron, "cron", "", "5-field cron expression")
	scheduleAddCmd.Flags().StringVar(&scheduleTZ, "tz", "", "time zone for --cron")
	scheduleAddCmd.Flags().DurationVar(&scheduleEvery, "every", 0, "fixed interval, e.g. 30m")
	scheduleAddCmd.Flags().StringVar(&scheduleAt, "at", "", "single run at an RFC 3339 time")
	scheduleAddCmd.Flags().StringVar(&scheduleSession, "session", "", "run through this gateway session")
	scheduleAddCmd.Flags().BoolVar(&scheduleDisabled, "disabled", false, "create the job disabled")
	scheduleAddCmd.Flags().BoolVar(&scheduleOnce, "once", false, "delete the job after its first successful run")

	scheduleCmd.AddCommand(scheduleListCmd, scheduleAddCmd, scheduleRemoveCmd)
	rootCmd.AddCommand(scheduleCmd)
}

// withScheduler runs fn against the daemon's scheduler.
func withScheduler(fn func(s *cron.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Schedule.Enabled {
		return errors.New("scheduling is disabled (schedule.enabled is false)")
	}
	return withDaemon(cfg, func(d *daemon.Daemon) error {
		s := d.GetScheduler()
		if s == nil {
			return daemon.ErrNoLanguageModel
		}
		return fn(s)
	})
}

func scheduleFromFlags() (cron.Schedule, error) {
	var schedules []cron.Schedule
	if scheduleCron != "" {
		schedules = append(schedules, cron.Schedule{Kind: cron.ScheduleKindCron, Expr: scheduleCron, TZ: scheduleTZ})
	}
	if scheduleEvery != 0 {
		schedules = append(schedules, cron.Schedule{Kind: cron.ScheduleKindEvery, EveryMs: scheduleEvery.Milliseconds()})
	}
	if scheduleAt != "" {
		schedules = append(schedules, cron.Schedule{Kind: cron.ScheduleKindAt, At: scheduleAt})
	}
	if len(schedules) != 1 {
		return cron.Schedule{}, errors.New("exactly one of --cron, --every or --at is required")
	}
	if scheduleTZ != "" && scheduleCron == "" {
		return cron.Schedule{}, errors.New("--tz only applies to --cron")
	}
	return schedules[0], nil
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	schedule, err := scheduleFromFlags()
	if err != nil {
		return err
	}
	query := strings.Join(args, " ")
	name := scheduleName
	if name == "" {
		name = query
	}

	return withScheduler(func(s *cron.Service) error {
		job, err := s.AddJob(cron.AddParams{
			Name:           name,
			Query:          query,
			SessionKey:     scheduleSession,
			Enabled:        !scheduleDisabled,
			DeleteAfterRun: scheduleOnce,
			Schedule:       schedule,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %s (%s), next run %s\n", job.ID, describeSchedule(job.Schedule), formatRunTime(job.State.NextRunAtMs))
		return nil
	})
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	if err := validateFormat(scheduleFormat); err != nil {
		return err
	}
	return withScheduler(func(s *cron.Service) error {
		jobs := s.ListJobs(nil)
		return render(cmd.OutOrStdout(), scheduleFormat, jobs, func(w io.Writer) error {
			return writeJobs(w, jobs)
		})
	})
}

func runScheduleRemove(cmd *cobra.Command, args []string) error {
	return withScheduler(func(s *cron.Service) error {
		if err := s.RemoveJob(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
		return nil
	})
}

func writeJobs(w io.Writer, jobs []cron.Job) error {
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(w, "No scheduled checks.")
		return err
	}
	for _, job := range jobs {
		state := "enabled"
		if !job.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(w, "%s  %s  [%s]\n", job.ID, job.Name, state)
		fmt.Fprintf(w, "  query: %s\n", job.Query)
		fmt.Fprintf(w, "  schedule: %s\n", describeSchedule(job.Schedule))
		if job.SessionKey != "" {
			fmt.Fprintf(w, "  session: %s\n", job.SessionKey)
		}
		fmt.Fprintf(w, "  next run: %s\n", formatRunTime(job.State.NextRunAtMs))
		if job.State.LastStatus != "" {
			fmt.Fprintf(w, "  last run: %s (%s)\n", formatRunTime(job.State.LastRunAtMs), job.State.LastStatus)
		}
		if job.State.LastError != "" {
			fmt.Fprintf(w, "  last error: %s\n", job.State.LastError)
		}
	}
	return nil
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.ScheduleKindCron:
		if s.TZ != "" {
			return fmt.Sprintf("cron %q (%s)", s.Expr, s.TZ)
		}
		return fmt.Sprintf("cron %q", s.Expr)
	case cron.ScheduleKindEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case cron.ScheduleKindAt:
		return "at " + s.At
	default:
		return string(s.Kind)
	}
}

func formatRunTime(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return time.UnixMilli(*ms).UTC().Format(time.RFC3339)
}
