// Package deploy runs long-lived operational jobs (instance export,
// model export, manifest import, database restore) in the background
// with progress, log tail, ETA, and cancellation. At most one job per
// kind runs at a time.
package deploy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cortexgw/cortex/pkg/apierror"
)

// Kind names a job family. The one-active-job rule is per kind.
type Kind string

const (
	KindExportInstance Kind = "export-instance"
	KindExportModel    Kind = "export-model"
	KindImport         Kind = "import"
	KindRestoreDB      Kind = "restore-db"
	KindEstimateSize   Kind = "estimate-size"
)

// Status is a job's lifecycle phase.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// logTailSize bounds the in-memory log ring per job.
const logTailSize = 200

// Job is the externally visible job state.
type Job struct {
	ID           string     `json:"id"`
	Kind         Kind       `json:"kind"`
	Status       Status     `json:"status"`
	Progress     float64    `json:"progress"`
	Step         string     `json:"step"`
	BytesWritten int64      `json:"bytes_written"`
	Error        string     `json:"error,omitempty"`
	LogTail      []string   `json:"log_tail"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ETASeconds   float64    `json:"eta_seconds"`
}

// job is the internal mutable record.
type job struct {
	mu           sync.Mutex
	id           string
	kind         Kind
	status       Status
	progress     float64
	step         string
	bytesWritten int64
	errText      string
	logs         []string
	startedAt    time.Time
	finishedAt   *time.Time
	cancel       context.CancelFunc
}

// Reporter is handed to the job function to publish progress.
type Reporter struct {
	j *job
}

// Step sets the current step label.
func (r *Reporter) Step(label string) {
	r.j.mu.Lock()
	r.j.step = label
	r.j.mu.Unlock()
}

// Progress sets the completion fraction, clamped to [0,1].
func (r *Reporter) Progress(frac float64) {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	r.j.mu.Lock()
	r.j.progress = frac
	r.j.mu.Unlock()
}

// AddBytes accumulates the bytes-written counter.
func (r *Reporter) AddBytes(n int64) {
	r.j.mu.Lock()
	r.j.bytesWritten += n
	r.j.mu.Unlock()
}

// Log appends a line to the job's tail, evicting the oldest past the
// ring size.
func (r *Reporter) Log(line string) {
	r.j.mu.Lock()
	r.j.logs = append(r.j.logs, line)
	if len(r.j.logs) > logTailSize {
		r.j.logs = r.j.logs[len(r.j.logs)-logTailSize:]
	}
	r.j.mu.Unlock()
}

// Fn is a job body. It must honor ctx cancellation promptly; partial
// output is left in place on cancel.
type Fn func(ctx context.Context, rep *Reporter) error

// Runner owns all jobs.
type Runner struct {
	mu     sync.Mutex
	jobs   map[string]*job
	active map[Kind]string
	now    func() time.Time
}

func NewRunner() *Runner {
	return &Runner{
		jobs:   make(map[string]*job),
		active: make(map[Kind]string),
		now:    time.Now,
	}
}

// Start launches fn in the background. A second job of the same kind
// while one is pending or running is refused.
func (r *Runner) Start(kind Kind, fn Fn) (*Job, error) {
	r.mu.Lock()
	if activeID, ok := r.active[kind]; ok {
		r.mu.Unlock()
		return nil, apierror.Newf(apierror.StateConflict, "a %s job is already active (%s)", kind, activeID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		id:        uuid.NewString(),
		kind:      kind,
		status:    StatusPending,
		startedAt: r.now().UTC(),
		cancel:    cancel,
	}
	r.jobs[j.id] = j
	r.active[kind] = j.id
	r.mu.Unlock()

	go r.run(ctx, j, fn)
	return r.snapshot(j), nil
}

func (r *Runner) run(ctx context.Context, j *job, fn Fn) {
	j.mu.Lock()
	j.status = StatusRunning
	j.mu.Unlock()

	err := fn(ctx, &Reporter{j: j})
	cancelled := ctx.Err() != nil
	j.cancel() // release the context now that the body has returned

	now := r.now().UTC()
	j.mu.Lock()
	j.finishedAt = &now
	switch {
	case cancelled:
		j.status = StatusCancelled
		j.errText = "cancelled by operator"
	case err != nil:
		j.status = StatusFailed
		j.errText = err.Error()
	default:
		j.status = StatusCompleted
		j.progress = 1
	}
	status := j.status
	j.mu.Unlock()

	r.mu.Lock()
	delete(r.active, j.kind)
	r.mu.Unlock()

	log.Info().Str("job_id", j.id).Str("kind", string(j.kind)).
		Str("status", string(status)).Msg("Deployment job finished")
}

// Cancel requests cancellation. Finished jobs are a no-op.
func (r *Runner) Cancel(id string) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return apierror.Newf(apierror.NotFound, "job %s not found", id)
	}
	j.cancel()
	return nil
}

// Get returns a snapshot of one job.
func (r *Runner) Get(id string) (*Job, error) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return nil, apierror.Newf(apierror.NotFound, "job %s not found", id)
	}
	return r.snapshot(j), nil
}

// List returns snapshots of every job, newest first.
func (r *Runner) List() []*Job {
	r.mu.Lock()
	all := make([]*job, 0, len(r.jobs))
	for _, j := range r.jobs {
		all = append(all, j)
	}
	r.mu.Unlock()

	out := make([]*Job, 0, len(all))
	for _, j := range all {
		out = append(out, r.snapshot(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (r *Runner) snapshot(j *job) *Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	tail := make([]string, len(j.logs))
	copy(tail, j.logs)
	out := &Job{
		ID:           j.id,
		Kind:         j.kind,
		Status:       j.status,
		Progress:     j.progress,
		Step:         j.step,
		BytesWritten: j.bytesWritten,
		Error:        j.errText,
		LogTail:      tail,
		StartedAt:    j.startedAt,
		FinishedAt:   j.finishedAt,
	}
	if j.status == StatusRunning && j.progress > 0.01 {
		elapsed := r.now().Sub(j.startedAt).Seconds()
		out.ETASeconds = elapsed / j.progress * (1 - j.progress)
	}
	return out
}
