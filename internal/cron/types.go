// Package cron schedules persistent jobs that wake the agent: one-shot
// timers, fixed intervals, and cron expressions. Jobs survive restarts in a
// JSON file and fire through an admission callback, never directly into a
// channel.
package cron

// Schedule defines when a job fires. Kind is one of "at", "every", "cron";
// when omitted it is inferred from whichever field is set.
type Schedule struct {
	Kind     string `json:"kind"`
	AtMs     int64  `json:"atMs,omitempty"`
	EveryMs  int64  `json:"everyMs,omitempty"`
	AnchorMs int64  `json:"anchorMs,omitempty"`
	Expr     string `json:"expr,omitempty"`
	TZ       string `json:"tz,omitempty"`
}

// SessionTarget selects which session a job runs against.
type SessionTarget string

const (
	SessionMain     SessionTarget = "main"
	SessionIsolated SessionTarget = "isolated"
)

// WakeMode controls when a main-session job surfaces to the user.
type WakeMode string

const (
	WakeNow           WakeMode = "now"
	WakeNextHeartbeat WakeMode = "next-heartbeat"
)

// Payload is the job action. Kind is "systemEvent" or "agentTurn"; inferred
// from Text/Message when omitted.
type Payload struct {
	Kind              string `json:"kind"`
	Text              string `json:"text,omitempty"`
	Message           string `json:"message,omitempty"`
	Model             string `json:"model,omitempty"`
	Thinking          string `json:"thinking,omitempty"`
	TimeoutSeconds    *int   `json:"timeoutSeconds,omitempty"`
	Deliver           *bool  `json:"deliver,omitempty"`
	Channel           string `json:"channel,omitempty"`
	To                string `json:"to,omitempty"`
	BestEffortDeliver *bool  `json:"bestEffortDeliver,omitempty"`
}

// Isolation controls how isolated runs report back to the main session.
type Isolation struct {
	PostToMainPrefix string `json:"postToMainPrefix,omitempty"`
}

// Run outcome values recorded in JobState.LastStatus.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// JobState is runtime bookkeeping, persisted with the job.
type JobState struct {
	NextRunAtMs    *int64 `json:"nextRunAtMs,omitempty"`
	RunningAtMs    *int64 `json:"runningAtMs,omitempty"`
	LastRunAtMs    *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus     string `json:"lastStatus,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	LastDurationMs *int64 `json:"lastDurationMs,omitempty"`
}

// Job is a stored cron job.
type Job struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	Enabled        bool          `json:"enabled"`
	DeleteAfterRun bool          `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64         `json:"createdAtMs"`
	UpdatedAtMs    int64         `json:"updatedAtMs"`
	Schedule       Schedule      `json:"schedule"`
	SessionTarget  SessionTarget `json:"sessionTarget"`
	WakeMode       WakeMode      `json:"wakeMode"`
	Payload        Payload       `json:"payload"`
	Isolation      *Isolation    `json:"isolation,omitempty"`
	State          JobState      `json:"state"`
}

// JobCreate is the input for adding a job; omitted fields get defaults.
type JobCreate struct {
	Name           string        `json:"name,omitempty"`
	Description    string        `json:"description,omitempty"`
	Enabled        *bool         `json:"enabled,omitempty"`
	DeleteAfterRun bool          `json:"deleteAfterRun,omitempty"`
	Schedule       Schedule      `json:"schedule"`
	SessionTarget  SessionTarget `json:"sessionTarget,omitempty"`
	WakeMode       WakeMode      `json:"wakeMode,omitempty"`
	Payload        Payload       `json:"payload"`
	Isolation      *Isolation    `json:"isolation,omitempty"`
}

// JobPatch is a partial update; nil fields are left unchanged.
type JobPatch struct {
	Name           *string        `json:"name,omitempty"`
	Description    *string        `json:"description,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty"`
	DeleteAfterRun *bool          `json:"deleteAfterRun,omitempty"`
	Schedule       *Schedule      `json:"schedule,omitempty"`
	SessionTarget  *SessionTarget `json:"sessionTarget,omitempty"`
	WakeMode       *WakeMode      `json:"wakeMode,omitempty"`
	Payload        *Payload       `json:"payload,omitempty"`
	Isolation      *Isolation     `json:"isolation,omitempty"`
}

type storeFile struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

const storeVersion = 1
