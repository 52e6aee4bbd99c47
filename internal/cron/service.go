package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uriafranko/clawdbot/internal/bus"
)

// RunHandler executes a due job's payload. The service never touches
// channels or the agent directly; the wiring layer supplies a handler that
// routes through admission.
type RunHandler func(ctx context.Context, job Job) error

// WakeRequest asks the heartbeat driver to surface something to the user.
type WakeRequest struct {
	Mode   WakeMode `json:"mode"`
	Text   string   `json:"text,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// Options wires a Service.
type Options struct {
	Path              string
	Handler           RunHandler
	OnWake            func(WakeRequest)
	Events            bus.EventPublisher
	MaxConcurrentRuns int
	Now               func() time.Time
}

// StatusInfo is the snapshot returned by Status.
type StatusInfo struct {
	Running      bool     `json:"running"`
	Jobs         int      `json:"jobs"`
	EnabledJobs  int      `json:"enabledJobs"`
	ActiveRuns   []string `json:"activeRuns,omitempty"`
	NextWakeAtMs *int64   `json:"nextWakeAtMs,omitempty"`
}

var ErrJobNotFound = errors.New("cron: job not found")

// Service owns the persisted job list and the single wake loop. All
// mutations save atomically and nudge the loop to recompute its timer.
type Service struct {
	path    string
	handler RunHandler
	onWake  func(WakeRequest)
	events  bus.EventPublisher
	now     func() time.Time
	sem     chan struct{}

	mu   sync.Mutex
	jobs []Job

	wakeCh  chan struct{}
	baseCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func New(opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxConcurrentRuns < 1 {
		opts.MaxConcurrentRuns = 2
	}

	s := &Service{
		path:    opts.Path,
		handler: opts.Handler,
		onWake:  opts.OnWake,
		events:  opts.Events,
		now:     opts.Now,
		sem:     make(chan struct{}, opts.MaxConcurrentRuns),
		wakeCh:  make(chan struct{}, 1),
	}

	s.jobs = loadJobs(opts.Path)
	nowMs := s.now().UnixMilli()
	for i := range s.jobs {
		// Nothing can be mid-run at startup; clear stale markers from a
		// crash and collapse fires missed during downtime.
		s.jobs[i].State.RunningAtMs = nil
		if s.jobs[i].Enabled {
			s.jobs[i].State.NextRunAtMs = NextRunAt(s.jobs[i].Schedule, nowMs)
		} else {
			s.jobs[i].State.NextRunAtMs = nil
		}
	}
	return s
}

// Start launches the wake loop. Safe to skip entirely; the mutating API
// works either way, jobs just never fire.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.started = true
	go s.loop(s.baseCtx, s.done)
}

// Close stops the wake loop and waits for it to exit. In-flight runs finish
// on their own context.
func (s *Service) Close() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.started = false
	s.mu.Unlock()

	cancel()
	<-done
}

// Add creates a job, computes its first fire time, persists, and wakes the
// loop.
func (s *Service) Add(create JobCreate) (Job, error) {
	create, err := normalizeCreate(create)
	if err != nil {
		return Job{}, err
	}

	nowMs := s.now().UnixMilli()
	job := Job{
		ID:             uuid.NewString(),
		Name:           create.Name,
		Description:    create.Description,
		Enabled:        create.Enabled == nil || *create.Enabled,
		DeleteAfterRun: create.DeleteAfterRun,
		CreatedAtMs:    nowMs,
		UpdatedAtMs:    nowMs,
		Schedule:       create.Schedule,
		SessionTarget:  create.SessionTarget,
		WakeMode:       create.WakeMode,
		Payload:        create.Payload,
		Isolation:      create.Isolation,
	}
	if job.Enabled {
		job.State.NextRunAtMs = NextRunAt(job.Schedule, nowMs)
	}

	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	err = s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return Job{}, err
	}

	s.emit("cron.job.added", map[string]interface{}{"jobId": job.ID, "name": job.Name})
	s.kick()
	return job, nil
}

// Update applies a partial patch. Schedule or enablement changes recompute
// the next fire time from now.
func (s *Service) Update(id string, patch JobPatch) (Job, error) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return Job{}, ErrJobNotFound
	}

	job := s.jobs[idx]
	reschedule := false

	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.Description != nil {
		job.Description = *patch.Description
	}
	if patch.Enabled != nil && *patch.Enabled != job.Enabled {
		job.Enabled = *patch.Enabled
		reschedule = true
	}
	if patch.DeleteAfterRun != nil {
		job.DeleteAfterRun = *patch.DeleteAfterRun
	}
	if patch.Schedule != nil {
		sched := NormalizeSchedule(*patch.Schedule)
		if !ValidateSchedule(sched) {
			s.mu.Unlock()
			return Job{}, ErrBadSchedule
		}
		job.Schedule = sched
		reschedule = true
	}
	if patch.SessionTarget != nil {
		job.SessionTarget = *patch.SessionTarget
	}
	if patch.WakeMode != nil {
		job.WakeMode = *patch.WakeMode
	}
	if patch.Payload != nil {
		p := NormalizePayload(*patch.Payload)
		if p.Kind == "" {
			s.mu.Unlock()
			return Job{}, ErrBadPayload
		}
		job.Payload = p
	}
	if patch.Isolation != nil {
		job.Isolation = patch.Isolation
	}

	nowMs := s.now().UnixMilli()
	job.UpdatedAtMs = nowMs
	if reschedule {
		if job.Enabled {
			job.State.NextRunAtMs = NextRunAt(job.Schedule, nowMs)
		} else {
			job.State.NextRunAtMs = nil
		}
	}

	s.jobs[idx] = job
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return Job{}, err
	}

	s.emit("cron.job.updated", map[string]interface{}{"jobId": job.ID})
	s.kick()
	return job, nil
}

// Remove deletes a job. A run already in flight finishes but its final
// state is discarded.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	s.jobs = append(s.jobs[:idx], s.jobs[idx+1:]...)
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.emit("cron.job.removed", map[string]interface{}{"jobId": id})
	s.kick()
	return nil
}

// Get returns a job by id.
func (s *Service) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.indexLocked(id); idx >= 0 {
		return s.jobs[idx], true
	}
	return Job{}, false
}

// List returns jobs sorted by next fire time (soonest first, unscheduled
// last, ties by creation time).
func (s *Service) List(includeDisabled bool) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if !includeDisabled && !j.Enabled {
			continue
		}
		out = append(out, j)
	}
	sort.SliceStable(out, func(i, k int) bool {
		a, b := out[i].State.NextRunAtMs, out[k].State.NextRunAtMs
		switch {
		case a != nil && b != nil && *a != *b:
			return *a < *b
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return out[i].CreatedAtMs < out[k].CreatedAtMs
	})
	return out
}

// RunNow fires a job out of band. Single-flight still applies: a job already
// running reports started=false with a reason instead of stacking.
func (s *Service) RunNow(id string) (started bool, reason string, err error) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false, "", ErrJobNotFound
	}
	if s.jobs[idx].State.RunningAtMs != nil {
		s.mu.Unlock()
		return false, "already-running", nil
	}
	ctx := s.baseCtx
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	job, ok := s.beginRun(id)
	if !ok {
		return false, "already-running", nil
	}
	go s.executeJob(ctx, job)
	return true, "", nil
}

// Wake forwards a wake request to the heartbeat driver.
func (s *Service) Wake(req WakeRequest) {
	if s.onWake != nil {
		s.onWake(req)
	}
}

// Status reports the scheduler snapshot.
func (s *Service) Status() StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := StatusInfo{Running: s.started, Jobs: len(s.jobs)}
	for _, j := range s.jobs {
		if j.Enabled {
			info.EnabledJobs++
		}
		if j.State.RunningAtMs != nil {
			info.ActiveRuns = append(info.ActiveRuns, j.ID)
		}
		if j.Enabled && j.State.RunningAtMs == nil && j.State.NextRunAtMs != nil {
			if info.NextWakeAtMs == nil || *j.State.NextRunAtMs < *info.NextWakeAtMs {
				next := *j.State.NextRunAtMs
				info.NextWakeAtMs = &next
			}
		}
	}
	return info
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if wait, ok := s.untilNext(); ok {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wakeCh:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
			s.fireDue(ctx)
		}
	}
}

// untilNext computes how long to sleep before the earliest enabled,
// not-currently-running job is due.
func (s *Service) untilNext() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest *int64
	for _, j := range s.jobs {
		if !j.Enabled || j.State.RunningAtMs != nil || j.State.NextRunAtMs == nil {
			continue
		}
		if earliest == nil || *j.State.NextRunAtMs < *earliest {
			earliest = j.State.NextRunAtMs
		}
	}
	if earliest == nil {
		return 0, false
	}

	wait := time.Duration(*earliest-s.now().UnixMilli()) * time.Millisecond
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (s *Service) fireDue(ctx context.Context) {
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	var due []string
	for _, j := range s.jobs {
		if j.Enabled && j.State.RunningAtMs == nil &&
			j.State.NextRunAtMs != nil && *j.State.NextRunAtMs <= nowMs {
			due = append(due, j.ID)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		if job, ok := s.beginRun(id); ok {
			go s.executeJob(ctx, job)
		}
	}
}

// beginRun marks a job running under the lock so the wake loop stops seeing
// it as due. Returns false when the job vanished or is already running.
func (s *Service) beginRun(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 || s.jobs[idx].State.RunningAtMs != nil {
		return Job{}, false
	}
	job := s.jobs[idx]
	startMs := s.now().UnixMilli()
	job.State.RunningAtMs = &startMs
	s.jobs[idx] = job
	_ = s.saveLocked()
	return job, true
}

// executeJob runs an already-marked job and finalizes its state. Fires
// landing while the job runs are collapsed by the next-run recompute at the
// end.
func (s *Service) executeJob(ctx context.Context, job Job) {
	id := job.ID
	startMs := *job.State.RunningAtMs

	s.emit("cron.job.started", map[string]interface{}{"jobId": id, "runAtMs": startMs})

	runCtx := ctx
	if t := job.Payload.TimeoutSeconds; t != nil && *t > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(*t)*time.Second)
		defer cancel()
	}

	var runErr error
	select {
	case s.sem <- struct{}{}:
		if s.handler != nil {
			runErr = s.handler(runCtx, job)
		} else {
			runErr = fmt.Errorf("cron: no run handler configured")
		}
		<-s.sem
	case <-ctx.Done():
		runErr = ctx.Err()
	}

	endMs := s.now().UnixMilli()
	duration := endMs - startMs

	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		// Removed mid-run; nothing to record.
		s.mu.Unlock()
		return
	}
	job = s.jobs[idx]
	job.State.RunningAtMs = nil
	job.State.LastRunAtMs = &startMs
	job.State.LastDurationMs = &duration
	if runErr != nil {
		job.State.LastStatus = StatusError
		job.State.LastError = runErr.Error()
	} else {
		job.State.LastStatus = StatusOK
		job.State.LastError = ""
	}

	status := job.State.LastStatus
	if job.DeleteAfterRun {
		s.jobs = append(s.jobs[:idx], s.jobs[idx+1:]...)
	} else {
		if job.Enabled {
			job.State.NextRunAtMs = NextRunAt(job.Schedule, endMs)
		}
		s.jobs[idx] = job
	}
	_ = s.saveLocked()
	s.mu.Unlock()

	s.emit("cron.job.finished", map[string]interface{}{
		"jobId": id, "status": status, "durationMs": duration,
	})
	s.kick()
}

func (s *Service) indexLocked(id string) int {
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Service) saveLocked() error {
	return saveJobs(s.path, s.jobs)
}

func (s *Service) emit(name string, payload map[string]interface{}) {
	if s.events != nil {
		s.events.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}

func (s *Service) kick() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}
