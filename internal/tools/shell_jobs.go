package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	maxJobOutputBytes = 64 << 10
	maxTrackedJobs    = 50
)

// Job is one shell command tracked by the job table. Output keeps
// accumulating after the command is moved to the background.
type Job struct {
	ID        string
	Command   string
	Dir       string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	stdout     bytes.Buffer
	stderr     bytes.Buffer
	runErr     error
	timedOut   bool
	killed     bool
	finished   bool
	finishedAt time.Time
}

// jobWriter serializes writes into one of the job buffers.
type jobWriter struct {
	job *Job
	buf *bytes.Buffer
}

func (w jobWriter) Write(p []byte) (int, error) {
	w.job.mu.Lock()
	defer w.job.mu.Unlock()
	if w.buf.Len()+len(p) > maxJobOutputBytes {
		keep := maxJobOutputBytes - w.buf.Len()
		if keep > 0 {
			w.buf.Write(p[:keep])
		}
		return len(p), nil // swallow overflow, command keeps running
	}
	return w.buf.Write(p)
}

// Done is closed when the command has exited.
func (j *Job) Done() <-chan struct{} { return j.done }

// Running reports whether the command is still executing.
func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.finished
}

// Kill cancels the command. Reports false when it had already finished.
func (j *Job) Kill() bool {
	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		return false
	}
	j.killed = true
	j.mu.Unlock()
	j.cancel()
	return true
}

// Snapshot renders the current status and combined output.
func (j *Job) Snapshot() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "id: %s\ncommand: %s\nstatus: %s\n", j.ID, j.Command, j.statusLocked())
	if out := j.outputLocked(); out != "" {
		sb.WriteString("\n")
		sb.WriteString(out)
	}
	return sb.String()
}

// Status is a one-word state for listings.
func (j *Job) Status() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.statusLocked()
}

func (j *Job) statusLocked() string {
	switch {
	case !j.finished:
		return "running"
	case j.killed:
		return "killed"
	case j.timedOut:
		return "timed out"
	case j.runErr != nil:
		return fmt.Sprintf("failed (%v)", j.runErr)
	default:
		return "done"
	}
}

func (j *Job) outputLocked() string {
	out := j.stdout.String()
	if j.stderr.Len() > 0 {
		if out != "" {
			out += "\n"
		}
		out += "STDERR:\n" + j.stderr.String()
	}
	return out
}

// result formats the foreground completion output the way the model
// expects it: stdout, then a marked stderr section.
func (j *Job) result(timeout time.Duration) *Result {
	j.mu.Lock()
	out := j.outputLocked()
	runErr := j.runErr
	timedOut := j.timedOut
	j.mu.Unlock()

	if timedOut {
		return ErrorResult(fmt.Sprintf("command timed out after %s", timeout))
	}
	if runErr != nil {
		if out == "" {
			out = runErr.Error()
		}
		return ErrorResult(out)
	}
	if out == "" {
		out = "(command completed with no output)"
	}
	return SilentResult(out)
}

// JobTable tracks background shell jobs across agent turns. Finished
// jobs stay visible until evicted so their output can still be polled.
type JobTable struct {
	mu   sync.Mutex
	jobs map[string]*Job
	seq  int
}

func NewJobTable() *JobTable {
	return &JobTable{jobs: make(map[string]*Job)}
}

// Start launches the command detached from the calling turn: the
// timeout context, not the turn context, bounds its lifetime.
func (jt *JobTable) Start(command, dir string, timeout time.Duration) *Job {
	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	job := &Job{
		Command:   command,
		Dir:       dir,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	jt.mu.Lock()
	jt.seq++
	job.ID = fmt.Sprintf("bash-%d", jt.seq)
	jt.jobs[job.ID] = job
	jt.evictLocked()
	jt.mu.Unlock()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = jobWriter{job: job, buf: &job.stdout}
	cmd.Stderr = jobWriter{job: job, buf: &job.stderr}

	go func() {
		defer cancel()
		err := cmd.Run()
		job.mu.Lock()
		job.finished = true
		job.finishedAt = time.Now()
		if ctx.Err() == context.DeadlineExceeded {
			job.timedOut = true
		}
		if err != nil && !job.killed && !job.timedOut {
			job.runErr = err
		}
		job.mu.Unlock()
		close(job.done)
	}()

	return job
}

func (jt *JobTable) Get(id string) (*Job, bool) {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	j, ok := jt.jobs[id]
	return j, ok
}

func (jt *JobTable) Remove(id string) {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	delete(jt.jobs, id)
}

// List returns jobs oldest first.
func (jt *JobTable) List() []*Job {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	out := make([]*Job, 0, len(jt.jobs))
	for _, j := range jt.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out
}

// evictLocked drops the oldest finished jobs once the table is full.
func (jt *JobTable) evictLocked() {
	if len(jt.jobs) <= maxTrackedJobs {
		return
	}
	type aged struct {
		id string
		at time.Time
	}
	var finished []aged
	for id, j := range jt.jobs {
		j.mu.Lock()
		if j.finished {
			finished = append(finished, aged{id: id, at: j.finishedAt})
		}
		j.mu.Unlock()
	}
	sort.Slice(finished, func(i, k int) bool { return finished[i].at.Before(finished[k].at) })
	for _, f := range finished {
		if len(jt.jobs) <= maxTrackedJobs {
			break
		}
		delete(jt.jobs, f.id)
	}
}
