package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/uriafranko/clawdbot/internal/agent"
	"github.com/uriafranko/clawdbot/internal/cron"
	"github.com/uriafranko/clawdbot/internal/heartbeat"
	"github.com/uriafranko/clawdbot/internal/sessions"
)

// makeCronHandler routes due cron jobs into admission. Main-session jobs go
// through the heartbeat driver so they share its prompt, suppression, and
// re-entrancy guard; isolated jobs run a disjoint session and optionally
// report back.
func makeCronHandler(cons *consumer, hb *heartbeat.Driver, agentID string) cron.RunHandler {
	return func(ctx context.Context, job cron.Job) error {
		if job.SessionTarget == cron.SessionIsolated {
			return runIsolatedJob(ctx, cons, hb, agentID, job)
		}

		// Main session: both payload kinds become heartbeat notes; wakeMode
		// "now" forces an immediate beat instead of waiting for the tick.
		note := job.Payload.Text
		if job.Payload.Kind == "agentTurn" {
			note = job.Payload.Message
		}
		hb.Enqueue(note)
		if job.WakeMode == cron.WakeNow {
			hb.TriggerNow(ctx, "cron:"+job.ID)
		}
		return nil
	}
}

// runIsolatedJob executes an agentTurn against a fresh per-run session.
// Delivery goes to the payload's channel/recipient when requested; a
// summary lands on the main session via the next heartbeat when the job
// configures a post-to-main prefix.
func runIsolatedJob(ctx context.Context, cons *consumer, hb *heartbeat.Driver, agentID string, job cron.Job) error {
	runID := uuid.NewString()[:8]
	sessionKey := sessions.CronRunKey(agentID, job.ID, runID)

	message := job.Payload.Message
	if message == "" {
		message = job.Payload.Text
	}

	slog.Info("cron: isolated run starting",
		"job", job.ID, "name", job.Name, "session", sessionKey)

	res, err := cons.runner.Run(ctx, agent.RunRequest{
		SessionKey:     sessionKey,
		Message:        message,
		Channel:        "cron",
		ChatID:         job.ID,
		SkipDirectives: true,
		ModelOverride:  job.Payload.Model,
		ThinkingLevel:  job.Payload.Thinking,
	})
	if err != nil {
		return fmt.Errorf("cron: job %s run failed: %w", job.ID, err)
	}

	text := strings.TrimSpace(res.Response)

	if wantsDelivery(job.Payload) && text != "" {
		if err := cons.deliver(ctx, job.Payload.Channel, job.Payload.To, text); err != nil {
			if job.Payload.BestEffortDeliver != nil && !*job.Payload.BestEffortDeliver {
				return fmt.Errorf("cron: job %s delivery failed: %w", job.ID, err)
			}
			slog.Warn("cron: best-effort delivery failed",
				"job", job.ID, "channel", job.Payload.Channel, "error", err)
		}
	}

	if job.Isolation != nil && job.Isolation.PostToMainPrefix != "" && text != "" {
		hb.Enqueue(job.Isolation.PostToMainPrefix + " " + text)
	}
	return nil
}

func wantsDelivery(p cron.Payload) bool {
	return p.Deliver != nil && *p.Deliver && p.Channel != "" && p.To != ""
}

// makeCronWake forwards `cron wake` requests to the heartbeat driver; mode
// "now" also forces an immediate beat.
func makeCronWake(hb *heartbeat.Driver) func(cron.WakeRequest) {
	return func(req cron.WakeRequest) {
		if req.Text != "" {
			hb.Enqueue(req.Text)
		}
		if req.Mode == cron.WakeNow {
			go hb.TriggerNow(context.Background(), "wake:"+req.Reason)
		}
	}
}
