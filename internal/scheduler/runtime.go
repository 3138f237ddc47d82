// Package scheduler maintains one live timer per enabled job, owns job
// lifecycle transitions, and dispatches due executions to the agent boundary.
// All persisted state lives in the store; the timer map here is a derived
// cache that Initialize can rebuild from the store alone.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/routinely/routinely/internal/agent"
	"github.com/routinely/routinely/internal/channel"
	"github.com/routinely/routinely/internal/pkg/logs"
	"github.com/routinely/routinely/internal/pkg/metrics"
	"github.com/routinely/routinely/internal/schedule"
	"github.com/routinely/routinely/internal/sessionctx"
	"github.com/routinely/routinely/internal/store"
)

// Runtime is the scheduling engine. Construct one per process (or per test)
// with New; there is intentionally no package-level instance.
type Runtime struct {
	store    *store.Store
	agent    agent.Agent
	handlers *channel.Registry

	mu      sync.Mutex
	timers  map[string]*armed   // job name -> live timer
	running map[string]struct{} // job names currently firing (singleton guard)

	ctx    context.Context // base context for firings
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type armed struct {
	timer *time.Timer
	next  time.Time
}

// Option configures a Runtime at construction.
type Option func(*Runtime)

// WithHandlerRegistry shares an externally built channel handler registry.
func WithHandlerRegistry(reg *channel.Registry) Option {
	return func(r *Runtime) { r.handlers = reg }
}

func New(st *store.Store, ag agent.Agent, opts ...Option) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		store:    st,
		agent:    ag,
		handlers: channel.NewRegistry(),
		timers:   make(map[string]*armed),
		running:  make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize rebuilds the timer map from the store: every enabled job gets a
// live timer, re-deriving next_run_at when the persisted one is missing or
// already past. Expired one-shots are retired without firing.
func (r *Runtime) Initialize(ctx context.Context) error {
	jobs, err := r.store.Jobs(ctx, store.SessionAll)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	now := time.Now()
	count := 0
	for _, job := range jobs {
		desc, err := schedule.Parse(job.ScheduleType, job.Schedule)
		if err != nil {
			logs.CtxWarn(ctx, "[scheduler] job %q has an invalid schedule, leaving unarmed: %v", job.Name, err)
			continue
		}
		next := desc.Next(now)
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			next = *job.NextRunAt
		}
		if next.IsZero() {
			_ = r.store.SetNextRun(ctx, job.Name, nil)
			logs.CtxInfo(ctx, "[scheduler] job %q expired while offline, retired", job.Name)
			continue
		}
		if err := r.store.SetNextRun(ctx, job.Name, &next); err != nil {
			return fmt.Errorf("persist next run for %q: %w", job.Name, err)
		}
		r.arm(job.Name, next)
		count++
	}
	logs.CtxInfo(ctx, "[scheduler] initialized, %d job(s) armed", count)
	return nil
}

// CreateRequest is the public create surface. SessionID falls back to the
// session current in ctx; Channel defaults to desktop at the store boundary.
type CreateRequest struct {
	Name            string
	Schedule        string
	Prompt          string
	Channel         string
	SessionID       string
	ContextMessages int
	DeleteAfterRun  bool
}

// CreateJob classifies the schedule, persists the job (replacing any job of
// the same name), and arms a timer. Classification failure aborts before any
// persistence write.
func (r *Runtime) CreateJob(ctx context.Context, req CreateRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("job name is required")
	}
	desc, err := schedule.Classify(req.Schedule)
	if err != nil {
		return err
	}

	now := time.Now()
	next := desc.Next(now)
	if next.IsZero() {
		return fmt.Errorf("schedule %q yields no future run", req.Schedule)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = sessionctx.Current(ctx)
	}

	job := store.Job{
		Name:            req.Name,
		ScheduleType:    desc.Type,
		Schedule:        desc.Canonical(),
		Prompt:          req.Prompt,
		Channel:         req.Channel,
		SessionID:       sessionID,
		Recipient:       ExtractRecipient(req.Prompt),
		Enabled:         true,
		DeleteAfterRun:  req.DeleteAfterRun || desc.Type == schedule.TypeAt,
		ContextMessages: req.ContextMessages,
		NextRunAt:       &next,
	}
	created, err := r.store.CreateJob(ctx, job)
	if err != nil {
		return fmt.Errorf("persist job %q: %w", req.Name, err)
	}

	r.arm(created.Name, next)
	logs.CtxInfo(ctx, "[scheduler] job %q armed (%s %s), next run %s",
		created.Name, desc.Type, created.Schedule, next.Format(time.RFC3339))
	return nil
}

// ScheduleJob persists and arms a fully-formed job record, replacing any
// prior job with the same name. Used for re-scheduling and for loading jobs
// built elsewhere; the embedded schedule must still validate.
func (r *Runtime) ScheduleJob(ctx context.Context, job store.Job) error {
	desc, err := schedule.Parse(job.ScheduleType, job.Schedule)
	if err != nil {
		return err
	}

	now := time.Now()
	next := desc.Next(now)
	if job.NextRunAt != nil && job.NextRunAt.After(now) {
		next = *job.NextRunAt
	}
	if next.IsZero() {
		return fmt.Errorf("job %q yields no future run", job.Name)
	}
	job.NextRunAt = &next
	if job.Recipient == "" {
		job.Recipient = ExtractRecipient(job.Prompt)
	}

	if _, err := r.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("persist job %q: %w", job.Name, err)
	}
	if job.Enabled {
		r.arm(job.Name, next)
	} else {
		r.stopTimer(job.Name)
	}
	return nil
}

// Jobs returns enabled jobs scoped to the session current in ctx.
func (r *Runtime) Jobs(ctx context.Context) ([]store.Job, error) {
	return r.store.Jobs(ctx, sessionctx.Current(ctx))
}

// AllJobs returns every job, disabled ones included, across all sessions.
func (r *Runtime) AllJobs(ctx context.Context) ([]store.Job, error) {
	return r.store.AllJobs(ctx, store.SessionAll)
}

// SetJobEnabled flips the enabled flag. Disabling cancels the live timer but
// keeps the record; enabling re-arms from the persisted schedule. Returns
// false if no job by that name exists.
func (r *Runtime) SetJobEnabled(ctx context.Context, name string, enabled bool) bool {
	ok, err := r.store.SetEnabled(ctx, name, enabled)
	if err != nil {
		logs.CtxError(ctx, "[scheduler] set enabled %q: %v", name, err)
		return false
	}
	if !ok {
		return false
	}
	if !enabled {
		r.stopTimer(name)
		return true
	}

	// The flag is already persisted; arming failures only cost the timer.
	job, found, err := r.store.Job(ctx, name)
	if err != nil || !found {
		logs.CtxWarn(ctx, "[scheduler] enable %q: reload failed: %v", name, err)
		return true
	}
	desc, err := schedule.Parse(job.ScheduleType, job.Schedule)
	if err != nil {
		logs.CtxWarn(ctx, "[scheduler] enable %q: invalid schedule: %v", name, err)
		return true
	}
	next := desc.Next(time.Now())
	if next.IsZero() {
		_ = r.store.SetNextRun(ctx, name, nil)
		return true
	}
	_ = r.store.SetNextRun(ctx, name, &next)
	r.arm(name, next)
	return true
}

// DeleteJob cancels the timer and removes the persisted record.
func (r *Runtime) DeleteJob(ctx context.Context, name string) bool {
	r.stopTimer(name)
	ok, err := r.store.DeleteJob(ctx, name)
	if err != nil {
		logs.CtxError(ctx, "[scheduler] delete %q: %v", name, err)
		return false
	}
	return ok
}

// StopJob cancels the live timer without touching the persisted record. An
// in-flight firing is allowed to complete; only future firings are stopped.
func (r *Runtime) StopJob(name string) bool {
	return r.stopTimer(name)
}

// StopAll cancels every live timer.
func (r *Runtime) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, a := range r.timers {
		a.timer.Stop()
		delete(r.timers, name)
	}
	metrics.JobsArmed.Set(0)
}

// IsRunning reports whether the job holds a live timer or is currently
// firing.
func (r *Runtime) IsRunning(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.timers[name]; ok {
		return true
	}
	_, firing := r.running[name]
	return firing
}

// RunJobNow fires a job immediately, out of schedule band, and returns the
// outcome. Returns (nil, false) for unknown jobs. If the job is already
// firing, the request is reported as skipped rather than queued.
func (r *Runtime) RunJobNow(ctx context.Context, name string) (*store.RunResult, bool) {
	job, ok, err := r.store.Job(ctx, name)
	if err != nil || !ok {
		return nil, false
	}

	r.mu.Lock()
	if _, busy := r.running[name]; busy {
		r.mu.Unlock()
		return &store.RunResult{Status: store.StatusSkipped, Error: "job is already executing"}, true
	}
	r.running[name] = struct{}{}
	r.mu.Unlock()

	res := r.dispatch(ctx, job)

	r.mu.Lock()
	delete(r.running, name)
	r.mu.Unlock()

	r.settle(ctx, job, res)
	return &res, true
}

// Stats layers the live armed-job count over the store's history aggregates.
type Stats struct {
	ActiveJobs int
	TotalRuns  int64
	LastRunAt  *time.Time
}

func (r *Runtime) Stats(ctx context.Context) (Stats, error) {
	st, err := r.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	r.mu.Lock()
	active := len(r.timers)
	r.mu.Unlock()
	return Stats{ActiveJobs: active, TotalRuns: st.TotalRuns, LastRunAt: st.LastRunAt}, nil
}

// History returns the most recent execution records, newest first.
func (r *Runtime) History(ctx context.Context, limit int) ([]store.Run, error) {
	return r.store.History(ctx, limit)
}

// RegisterChannelHandler installs a delivery handler for its channel name.
func (r *Runtime) RegisterChannelHandler(h channel.Handler) {
	r.handlers.Register(h)
}

// SetNotificationHandler installs a non-conversational handler for the
// desktop channel.
func (r *Runtime) SetNotificationHandler(fn func(jobName, prompt, response string)) {
	r.handlers.Register(channel.HandlerFunc(channel.Desktop, func(_ context.Context, d channel.Delivery) error {
		fn(d.JobName, d.Prompt, d.Response)
		return nil
	}))
}

// SetChatHandler installs a conversational handler for the telegram channel;
// the delivery carries session id and recipient for thread routing.
func (r *Runtime) SetChatHandler(fn func(ctx context.Context, d channel.Delivery) error) {
	r.handlers.Register(channel.HandlerFunc(channel.Telegram, fn))
}

// Shutdown stops all timers and waits for in-flight firings, up to ctx's
// deadline.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.StopAll()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logs.CtxWarn(ctx, "[scheduler] shutdown timed out waiting for in-flight runs")
	}
}

// ---------------------------------------------------------------------------
// internal
// ---------------------------------------------------------------------------

func (r *Runtime) arm(name string, next time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.timers[name]; ok {
		prev.timer.Stop()
	}
	a := &armed{next: next}
	a.timer = time.AfterFunc(time.Until(next), func() { r.onDue(name, a) })
	r.timers[name] = a
	metrics.JobsArmed.Set(float64(len(r.timers)))
}

func (r *Runtime) stopTimer(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.timers[name]
	if !ok {
		return false
	}
	a.timer.Stop()
	delete(r.timers, name)
	metrics.JobsArmed.Set(float64(len(r.timers)))
	return true
}

// onDue runs on the timer goroutine when a job's next run time arrives.
func (r *Runtime) onDue(name string, a *armed) {
	r.mu.Lock()
	if cur, ok := r.timers[name]; !ok || cur != a {
		// Disarmed or re-armed since this timer was set; stale fire.
		r.mu.Unlock()
		return
	}
	delete(r.timers, name)
	metrics.JobsArmed.Set(float64(len(r.timers)))
	if _, busy := r.running[name]; busy {
		// The previous firing is still executing: coalesce. Its completion
		// re-arms the job, folding this due time into the next run.
		r.mu.Unlock()
		return
	}
	r.running[name] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.fire(r.ctx, name)
	}()
}

func (r *Runtime) fire(ctx context.Context, name string) {
	defer func() {
		r.mu.Lock()
		delete(r.running, name)
		r.mu.Unlock()
	}()

	job, ok, err := r.store.Job(ctx, name)
	if err != nil {
		logs.CtxError(ctx, "[scheduler] fire %q: load job: %v", name, err)
		return
	}
	if !ok || !job.Enabled {
		return // deleted or disabled while due
	}

	res := r.dispatch(ctx, job)
	r.settle(ctx, job, res)
}

// settle records the outcome and either retires the job or re-arms it for
// the next occurrence. A failed execution still re-arms: errors never disarm
// a recurring job. A disable or delete that landed while the firing was in
// flight does disarm it; only a job still enabled in the store gets a timer.
func (r *Runtime) settle(ctx context.Context, job store.Job, res store.RunResult) {
	if job.DeleteAfterRun {
		// Record first so the one-shot keeps its history row.
		res.NextRunAt = nil
		if err := r.store.RecordRun(ctx, job, res); err != nil {
			logs.CtxWarn(ctx, "[scheduler] record run %q: %v", job.Name, err)
		}
		r.stopTimer(job.Name)
		if _, err := r.store.DeleteJob(ctx, job.Name); err != nil {
			logs.CtxWarn(ctx, "[scheduler] delete one-shot %q: %v", job.Name, err)
		}
		logs.CtxInfo(ctx, "[scheduler] one-shot %q retired", job.Name)
		return
	}

	cur, found, err := r.store.Job(ctx, job.Name)
	if err != nil {
		logs.CtxWarn(ctx, "[scheduler] settle %q: reload: %v", job.Name, err)
	}
	armable := err == nil && found && cur.Enabled

	var next time.Time
	if armable {
		if desc, perr := schedule.Parse(job.ScheduleType, job.Schedule); perr == nil {
			next = desc.Next(time.Now())
		}
	}
	if next.IsZero() {
		res.NextRunAt = nil
		if err := r.store.RecordRun(ctx, job, res); err != nil {
			logs.CtxWarn(ctx, "[scheduler] record run %q: %v", job.Name, err)
		}
		r.stopTimer(job.Name)
		if armable {
			logs.CtxInfo(ctx, "[scheduler] job %q retired, no further runs", job.Name)
		}
		return
	}

	res.NextRunAt = &next
	if err := r.store.RecordRun(ctx, job, res); err != nil {
		logs.CtxWarn(ctx, "[scheduler] record run %q: %v", job.Name, err)
	}
	r.arm(job.Name, next)
}
