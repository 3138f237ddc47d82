package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"

	"github.com/routinely/routinely/internal/agent"
	"github.com/routinely/routinely/internal/config"
	"github.com/routinely/routinely/internal/consts"
	"github.com/routinely/routinely/internal/scheduler"
	"github.com/routinely/routinely/internal/store"
)

var jobHwd = &JobRunner{}

type JobRunner struct{}

func (r *JobRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "job",
		Usage: "Manage scheduled jobs",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Create (or replace) a scheduled job",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "unique job name", Required: true},
					&cli.StringFlag{Name: "when", Aliases: []string{"w"}, Usage: `schedule: "every 30 minutes", "0 9 * * *", "tomorrow 9:00", ...`, Required: true},
					&cli.StringFlag{Name: "prompt", Aliases: []string{"p"}, Usage: "prompt sent to the agent on each firing", Required: true},
					&cli.StringFlag{Name: "channel", Usage: "delivery channel (desktop, telegram)", Value: "desktop"},
					&cli.StringFlag{Name: "session", Usage: "session the job belongs to"},
					&cli.IntFlag{Name: "context-messages", Usage: "recent session messages to splice into the prompt"},
					&cli.BoolFlag{Name: "once", Usage: "delete the job after its first run"},
				},
				Action: r.add,
			},
			{
				Name:  "list",
				Usage: "List jobs",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "session", Usage: "restrict to one session (default: all)"},
					&cli.BoolFlag{Name: "enabled-only", Usage: "hide disabled jobs"},
				},
				Action: r.list,
			},
			{
				Name:      "rm",
				Usage:     "Delete a job",
				ArgsUsage: "<name>",
				Action:    r.remove,
			},
			{
				Name:      "enable",
				Usage:     "Enable a job",
				ArgsUsage: "<name>",
				Action:    func(ctx context.Context, cmd *cli.Command) error { return r.setEnabled(ctx, cmd, true) },
			},
			{
				Name:      "disable",
				Usage:     "Disable a job without deleting it",
				ArgsUsage: "<name>",
				Action:    func(ctx context.Context, cmd *cli.Command) error { return r.setEnabled(ctx, cmd, false) },
			},
			{
				Name:      "run",
				Usage:     "Execute a job immediately, out of schedule",
				ArgsUsage: "<name>",
				Action:    r.runNow,
			},
			{
				Name:  "history",
				Usage: "Show recent executions",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20},
				},
				Action: r.history,
			},
			{
				Name:   "stats",
				Usage:  "Show scheduler statistics",
				Action: r.stats,
			},
		},
	}
}

// loadSetup opens the store using the config file when present, defaults
// otherwise.
func loadSetup() (*config.Config, *store.Store, error) {
	cfg := &config.Config{}
	if _, err := os.Stat(consts.DefaultConfigPath()); err == nil {
		loaded, err := config.Load(consts.DefaultConfigPath())
		if err != nil {
			return nil, nil, fmt.Errorf("loading config error: %w", err)
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, st, nil
}

func (r *JobRunner) add(ctx context.Context, cmd *cli.Command) error {
	_, st, err := loadSetup()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	rt := scheduler.New(st, nil)
	defer rt.StopAll()

	err = rt.CreateJob(ctx, scheduler.CreateRequest{
		Name:            cmd.String("name"),
		Schedule:        cmd.String("when"),
		Prompt:          cmd.String("prompt"),
		Channel:         cmd.String("channel"),
		SessionID:       cmd.String("session"),
		ContextMessages: int(cmd.Int("context-messages")),
		DeleteAfterRun:  cmd.Bool("once"),
	})
	if err != nil {
		return err
	}

	job, ok, err := st.Job(ctx, cmd.String("name"))
	if err != nil || !ok {
		return fmt.Errorf("job was not persisted: %v", err)
	}
	next := "unscheduled"
	if job.NextRunAt != nil {
		next = job.NextRunAt.Local().Format(time.RFC1123)
	}
	fmt.Printf("Job %q scheduled (%s %s), next run %s.\n",
		job.Name, job.ScheduleType, job.Schedule, next)
	return nil
}

func (r *JobRunner) list(ctx context.Context, cmd *cli.Command) error {
	_, st, err := loadSetup()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	session := cmd.String("session")
	if session == "" {
		session = store.SessionAll
	}

	var jobs []store.Job
	if cmd.Bool("enabled-only") {
		jobs, err = st.Jobs(ctx, session)
	} else {
		jobs, err = st.AllJobs(ctx, session)
	}
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tSCHEDULE\tCHANNEL\tSESSION\tENABLED\tNEXT RUN\tLAST STATUS")
	for _, j := range jobs {
		next := "-"
		if j.NextRunAt != nil {
			next = j.NextRunAt.Local().Format("2006-01-02 15:04")
		}
		last := j.LastStatus
		if last == "" {
			last = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\t%s\t%s\n",
			j.Name, j.ScheduleType, j.Schedule, j.Channel, j.SessionID, j.Enabled, next, last)
	}
	return w.Flush()
}

func (r *JobRunner) remove(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	_, st, err := loadSetup()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ok, err := st.DeleteJob(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no job named %q", name)
	}
	fmt.Printf("Job %q deleted.\n", name)
	return nil
}

func (r *JobRunner) setEnabled(ctx context.Context, cmd *cli.Command, enabled bool) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	_, st, err := loadSetup()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ok, err := st.SetEnabled(ctx, name, enabled)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no job named %q", name)
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("Job %q %s.\n", name, state)
	return nil
}

func (r *JobRunner) runNow(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	cfg, st, err := loadSetup()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if cfg.Agent.Command == "" {
		return fmt.Errorf("agent.command is not configured")
	}
	ag := agent.NewCommand(cfg.Agent.Command, cfg.Agent.Args, time.Duration(cfg.Agent.TimeoutSec)*time.Second)

	rt := scheduler.New(st, ag)
	defer rt.StopAll()
	if err := registerChannels(ctx, rt, cfg); err != nil {
		return err
	}

	res, ok := rt.RunJobNow(ctx, name)
	if !ok {
		return fmt.Errorf("no job named %q", name)
	}
	if res.Status != store.StatusOK {
		return fmt.Errorf("job %q finished with status %s: %s", name, res.Status, res.Error)
	}
	fmt.Printf("Job %q ran in %dms.\n", name, res.DurationMS)
	return nil
}

func (r *JobRunner) history(ctx context.Context, cmd *cli.Command) error {
	_, st, err := loadSetup()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	runs, err := st.History(ctx, int(cmd.Int("limit")))
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RAN AT\tJOB\tSESSION\tSTATUS\tDURATION\tERROR")
	for _, run := range runs {
		errText := run.Error
		if len(errText) > 60 {
			errText = errText[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dms\t%s\n",
			run.RanAt.Local().Format("2006-01-02 15:04:05"),
			run.JobName, run.SessionID, colorStatus(run.Status), run.DurationMS, errText)
	}
	return w.Flush()
}

func (r *JobRunner) stats(ctx context.Context, _ *cli.Command) error {
	_, st, err := loadSetup()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	stats, err := st.Stats(ctx)
	if err != nil {
		return fmt.Errorf("load stats: %w", err)
	}
	jobs, err := st.AllJobs(ctx, store.SessionAll)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	enabled := 0
	for _, j := range jobs {
		if j.Enabled {
			enabled++
		}
	}

	fmt.Printf("Jobs:       %d (%d enabled)\n", len(jobs), enabled)
	fmt.Printf("Total runs: %d\n", stats.TotalRuns)
	if stats.LastRunAt != nil {
		fmt.Printf("Last run:   %s\n", stats.LastRunAt.Local().Format(time.RFC1123))
	}
	return nil
}

func colorStatus(status string) string {
	switch status {
	case store.StatusOK:
		return color.GreenString(status)
	case store.StatusError:
		return color.RedString(status)
	default:
		return color.YellowString(status)
	}
}
