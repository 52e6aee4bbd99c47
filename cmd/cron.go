package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.mau.fi/util/ptr"

	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/cron"
	"github.com/uriafranko/clawdbot/pkg/protocol"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(cronStatusCmd())
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronUpdateCmd())
	cmd.AddCommand(cronRemoveCmd())
	cmd.AddCommand(cronRunCmd())
	cmd.AddCommand(cronWakeCmd())
	return cmd
}

// cronAPI abstracts the two ways the CLI reaches the scheduler: gateway
// methods when one is running (so changes land in the live loop), the
// jobs file directly otherwise.
type cronAPI interface {
	Status() (cron.StatusInfo, error)
	List(includeDisabled bool) ([]cron.Job, error)
	Add(create cron.JobCreate) (cron.Job, error)
	Update(id string, patch cron.JobPatch) (cron.Job, error)
	Remove(id string) error
	Run(id string) (started bool, reason string, err error)
	Wake(req cron.WakeRequest) error
}

func withCronAPI(fn func(cronAPI) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	ctx := context.Background()
	if addr := gatewayAddr(cfg); isGatewayRunning(addr) {
		client, err := dialGateway(ctx, cfg, addr, "", "")
		if err != nil {
			return fmt.Errorf("gateway is running but handshake failed: %w", err)
		}
		defer client.Close()
		return fn(&remoteCron{ctx: ctx, client: client})
	}
	return fn(&localCron{svc: cron.New(cron.Options{Path: cfg.CronJobsPath()})})
}

type localCron struct {
	svc *cron.Service
}

func (l *localCron) Status() (cron.StatusInfo, error) { return l.svc.Status(), nil }

func (l *localCron) List(includeDisabled bool) ([]cron.Job, error) {
	return l.svc.List(includeDisabled), nil
}

func (l *localCron) Add(create cron.JobCreate) (cron.Job, error) { return l.svc.Add(create) }

func (l *localCron) Update(id string, patch cron.JobPatch) (cron.Job, error) {
	return l.svc.Update(id, patch)
}

func (l *localCron) Remove(id string) error { return l.svc.Remove(id) }

func (l *localCron) Run(string) (bool, string, error) {
	return false, "", fmt.Errorf("cron run needs a running gateway")
}

func (l *localCron) Wake(cron.WakeRequest) error {
	return fmt.Errorf("cron wake needs a running gateway")
}

type remoteCron struct {
	ctx    context.Context
	client *gatewayClient
}

func (r *remoteCron) Status() (cron.StatusInfo, error) {
	var info cron.StatusInfo
	payload, err := r.client.call(r.ctx, protocol.MethodCronStatus, nil)
	if err != nil {
		return info, err
	}
	return info, json.Unmarshal(payload, &info)
}

func (r *remoteCron) List(includeDisabled bool) ([]cron.Job, error) {
	payload, err := r.client.call(r.ctx, protocol.MethodCronList, map[string]any{
		"includeDisabled": includeDisabled,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Jobs []cron.Job `json:"jobs"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (r *remoteCron) Add(create cron.JobCreate) (cron.Job, error) {
	var job cron.Job
	payload, err := r.client.call(r.ctx, protocol.MethodCronAdd, create)
	if err != nil {
		return job, err
	}
	return job, json.Unmarshal(payload, &job)
}

func (r *remoteCron) Update(id string, patch cron.JobPatch) (cron.Job, error) {
	var job cron.Job
	payload, err := r.client.call(r.ctx, protocol.MethodCronUpdate, map[string]any{
		"id":    id,
		"patch": patch,
	})
	if err != nil {
		return job, err
	}
	return job, json.Unmarshal(payload, &job)
}

func (r *remoteCron) Remove(id string) error {
	_, err := r.client.call(r.ctx, protocol.MethodCronRemove, map[string]any{"id": id})
	return err
}

func (r *remoteCron) Run(id string) (bool, string, error) {
	payload, err := r.client.call(r.ctx, protocol.MethodCronRun, map[string]any{"id": id})
	if err != nil {
		return false, "", err
	}
	var out struct {
		Started bool   `json:"started"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return false, "", err
	}
	return out.Started, out.Reason, nil
}

func (r *remoteCron) Wake(req cron.WakeRequest) error {
	_, err := r.client.call(r.ctx, protocol.MethodCronWake, req)
	return err
}

func cronStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCronAPI(func(api cronAPI) error {
				info, err := api.Status()
				if err != nil {
					return err
				}
				fmt.Printf("running: %v\n", info.Running)
				fmt.Printf("jobs: %d (%d enabled)\n", info.Jobs, info.EnabledJobs)
				if len(info.ActiveRuns) > 0 {
					fmt.Printf("active: %s\n", strings.Join(info.ActiveRuns, ", "))
				}
				if info.NextWakeAtMs != nil {
					fmt.Printf("next wake: %s\n", time.UnixMilli(*info.NextWakeAtMs).Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func cronListCmd() *cobra.Command {
	var includeDisabled bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCronAPI(func(api cronAPI) error {
				jobs, err := api.List(includeDisabled)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Println("No jobs.")
					return nil
				}
				rows := make([][]string, 0, len(jobs))
				for _, j := range jobs {
					next := "-"
					if j.State.NextRunAtMs != nil {
						next = time.UnixMilli(*j.State.NextRunAtMs).Format("2006-01-02 15:04")
					}
					last := j.State.LastStatus
					if last == "" {
						last = "-"
					}
					enabled := "yes"
					if !j.Enabled {
						enabled = "no"
					}
					rows = append(rows, []string{
						j.ID, j.Name, describeSchedule(j.Schedule),
						string(j.SessionTarget), next, last, enabled,
					})
				}
				renderTable(
					[]string{"ID", "NAME", "SCHEDULE", "TARGET", "NEXT RUN", "LAST", "ENABLED"},
					rows,
					[]int{36, 24, 28, 8, 16, 7, 7},
				)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&includeDisabled, "include-disabled", false, "include disabled jobs")
	return cmd
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case "at":
		return "at " + time.UnixMilli(s.AtMs).Format("2006-01-02 15:04")
	case "every":
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case "cron":
		if s.TZ != "" {
			return fmt.Sprintf("cron %s (%s)", s.Expr, s.TZ)
		}
		return "cron " + s.Expr
	}
	return s.Kind
}

// cronJobFlags is the shared flag set of add and update.
type cronJobFlags struct {
	name, description   string
	at, every, expr, tz string
	text, message       string
	model, thinking     string
	mode, session       string
	channel, to         string
	deliver             bool
	deleteAfterRun      bool
	disabled            bool
}

func (f *cronJobFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.name, "name", "", "job name")
	fl.StringVar(&f.description, "description", "", "job description")
	fl.StringVar(&f.at, "at", "", "fire once: duration offset (\"20m\"), RFC3339, or \"2006-01-02 15:04\"")
	fl.StringVar(&f.every, "every", "", "fire on a fixed interval (\"30m\", \"24h\")")
	fl.StringVar(&f.expr, "cron", "", "fire on a cron expression (\"0 7 * * *\")")
	fl.StringVar(&f.tz, "tz", "", "IANA zone for --cron (default UTC)")
	fl.StringVar(&f.text, "text", "", "system event text (heartbeat note)")
	fl.StringVar(&f.message, "message", "", "agent turn message")
	fl.StringVar(&f.model, "model", "", "model override for isolated runs")
	fl.StringVar(&f.thinking, "thinking", "", "thinking level for isolated runs")
	fl.StringVar(&f.mode, "mode", "", "main-session wake mode: now or next-heartbeat")
	fl.StringVar(&f.session, "session", "", "session target: main or isolated")
	fl.StringVar(&f.channel, "channel", "", "delivery channel for isolated results")
	fl.StringVar(&f.to, "to", "", "delivery chat id for isolated results")
	fl.BoolVar(&f.deliver, "deliver", false, "deliver isolated results to --channel/--to")
	fl.BoolVar(&f.deleteAfterRun, "delete-after-run", false, "remove the job after it fires once")
	fl.BoolVar(&f.disabled, "disabled", false, "create the job disabled")
}

func (f *cronJobFlags) schedule() (cron.Schedule, error) {
	set := 0
	for _, v := range []string{f.at, f.every, f.expr} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return cron.Schedule{}, fmt.Errorf("exactly one of --at, --every, --cron is required")
	}
	switch {
	case f.at != "":
		t, err := parseAtTime(f.at)
		if err != nil {
			return cron.Schedule{}, err
		}
		return cron.Schedule{Kind: "at", AtMs: t.UnixMilli()}, nil
	case f.every != "":
		d, err := time.ParseDuration(f.every)
		if err != nil || d <= 0 {
			return cron.Schedule{}, fmt.Errorf("invalid --every duration %q", f.every)
		}
		return cron.Schedule{Kind: "every", EveryMs: d.Milliseconds()}, nil
	default:
		return cron.Schedule{Kind: "cron", Expr: f.expr, TZ: f.tz}, nil
	}
}

func parseAtTime(s string) (time.Time, error) {
	if d, err := time.ParseDuration(strings.TrimPrefix(s, "+")); err == nil && d > 0 {
		return time.Now().Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q (want a duration offset, RFC3339, or \"2006-01-02 15:04\")", s)
}

func cronAddCmd() *cobra.Command {
	var f cronJobFlags

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := f.schedule()
			if err != nil {
				return err
			}
			if (f.text == "") == (f.message == "") {
				return fmt.Errorf("exactly one of --text or --message is required")
			}
			create := cron.JobCreate{
				Name:           f.name,
				Description:    f.description,
				Schedule:       sched,
				SessionTarget:  cron.SessionTarget(f.session),
				WakeMode:       cron.WakeMode(f.mode),
				DeleteAfterRun: f.deleteAfterRun,
				Payload: cron.Payload{
					Text:     f.text,
					Message:  f.message,
					Model:    f.model,
					Thinking: f.thinking,
					Channel:  f.channel,
					To:       f.to,
				},
			}
			if f.disabled {
				create.Enabled = ptr.Ptr(false)
			}
			if cmd.Flags().Changed("deliver") {
				create.Payload.Deliver = ptr.Ptr(f.deliver)
			}
			return withCronAPI(func(api cronAPI) error {
				job, err := api.Add(create)
				if err != nil {
					return err
				}
				fmt.Printf("Added job %s (%s).\n", job.Name, job.ID)
				if job.State.NextRunAtMs != nil {
					fmt.Printf("Next run: %s\n", time.UnixMilli(*job.State.NextRunAtMs).Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	f.register(cmd)
	return cmd
}

func cronUpdateCmd() *cobra.Command {
	var (
		f       cronJobFlags
		id      string
		enabled bool
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			return withCronAPI(func(api cronAPI) error {
				patch, err := buildJobPatch(cmd, &f, enabled, api, id)
				if err != nil {
					return err
				}
				job, err := api.Update(id, patch)
				if err != nil {
					return err
				}
				fmt.Printf("Updated job %s (%s).\n", job.Name, job.ID)
				return nil
			})
		},
	}

	f.register(cmd)
	cmd.Flags().StringVar(&id, "id", "", "job id")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "enable or disable the job")
	return cmd
}

// buildJobPatch turns only the flags the user set into a patch. Payload
// is stored whole, so payload field changes merge into the current one.
func buildJobPatch(cmd *cobra.Command, f *cronJobFlags, enabled bool, api cronAPI, id string) (cron.JobPatch, error) {
	var patch cron.JobPatch
	changed := cmd.Flags().Changed

	if changed("name") {
		patch.Name = ptr.Ptr(f.name)
	}
	if changed("description") {
		patch.Description = ptr.Ptr(f.description)
	}
	if changed("enabled") {
		patch.Enabled = ptr.Ptr(enabled)
	}
	if changed("delete-after-run") {
		patch.DeleteAfterRun = ptr.Ptr(f.deleteAfterRun)
	}
	if changed("session") {
		target := cron.SessionTarget(f.session)
		patch.SessionTarget = &target
	}
	if changed("mode") {
		mode := cron.WakeMode(f.mode)
		patch.WakeMode = &mode
	}
	if changed("at") || changed("every") || changed("cron") {
		sched, err := f.schedule()
		if err != nil {
			return patch, err
		}
		patch.Schedule = &sched
	}

	if changed("text") || changed("message") || changed("model") || changed("thinking") ||
		changed("deliver") || changed("channel") || changed("to") {
		current, err := findJob(api, id)
		if err != nil {
			return patch, err
		}
		payload := current.Payload
		if changed("text") {
			payload.Text = f.text
			payload.Message = ""
			payload.Kind = ""
		}
		if changed("message") {
			payload.Message = f.message
			payload.Text = ""
			payload.Kind = ""
		}
		if changed("model") {
			payload.Model = f.model
		}
		if changed("thinking") {
			payload.Thinking = f.thinking
		}
		if changed("deliver") {
			payload.Deliver = ptr.Ptr(f.deliver)
		}
		if changed("channel") {
			payload.Channel = f.channel
		}
		if changed("to") {
			payload.To = f.to
		}
		patch.Payload = &payload
	}

	return patch, nil
}

func findJob(api cronAPI, id string) (cron.Job, error) {
	jobs, err := api.List(true)
	if err != nil {
		return cron.Job{}, err
	}
	for _, j := range jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return cron.Job{}, fmt.Errorf("job %s not found", id)
}

func cronRemoveCmd() *cobra.Command {
	var (
		id    string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			return withCronAPI(func(api cronAPI) error {
				job, err := findJob(api, id)
				if err != nil {
					return err
				}
				if !force {
					fmt.Printf("Remove job %s (%s)? [y/N] ", job.Name, job.ID)
					line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
					if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
						fmt.Println("Aborted.")
						return nil
					}
				}
				if err := api.Remove(id); err != nil {
					return err
				}
				fmt.Printf("Removed job %s.\n", id)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "job id")
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation")
	return cmd
}

func cronRunCmd() *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fire a job now",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			return withCronAPI(func(api cronAPI) error {
				started, reason, err := api.Run(id)
				if err != nil {
					return err
				}
				if started {
					fmt.Println("Job started.")
				} else {
					fmt.Printf("Job not started: %s\n", reason)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "job id")
	return cmd
}

func cronWakeCmd() *cobra.Command {
	var (
		mode string
		text string
	)

	cmd := &cobra.Command{
		Use:   "wake",
		Short: "Wake the agent outside its heartbeat cadence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCronAPI(func(api cronAPI) error {
				req := cron.WakeRequest{Mode: cron.WakeMode(mode), Text: text, Reason: "cli"}
				if err := api.Wake(req); err != nil {
					return err
				}
				fmt.Printf("Wake requested (%s).\n", mode)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "now", "now or next-heartbeat")
	cmd.Flags().StringVar(&text, "text", "", "note to include in the heartbeat prompt")
	return cmd
}
