package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/routinely/routinely/internal/agent"
	"github.com/routinely/routinely/internal/schedule"
	"github.com/routinely/routinely/internal/sessionctx"
	"github.com/routinely/routinely/internal/store"
)

func newTestRuntime(t *testing.T, ag agent.Agent) (*Runtime, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "routinely.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if ag == nil {
		ag = agent.Func(func(context.Context, agent.Request) (*agent.Response, error) {
			return &agent.Response{Text: "done"}, nil
		})
	}
	r := New(st, ag)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r, st
}

func TestCreateJob_CronEndToEnd(t *testing.T) {
	r, st := newTestRuntime(t, nil)
	ctx := context.Background()

	err := r.CreateJob(ctx, CreateRequest{
		Name:     "daily-report",
		Schedule: "0 9 * * *",
		Prompt:   "Summarize yesterday",
		Channel:  "desktop",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	job, ok, err := st.Job(ctx, "daily-report")
	if err != nil || !ok {
		t.Fatalf("job not persisted: ok=%v err=%v", ok, err)
	}
	if job.ScheduleType != schedule.TypeCron {
		t.Errorf("ScheduleType = %q, want cron", job.ScheduleType)
	}
	if job.Schedule != "0 9 * * *" {
		t.Errorf("Schedule = %q", job.Schedule)
	}
	if !job.Enabled {
		t.Error("job should be enabled on create")
	}
	if job.NextRunAt == nil || !job.NextRunAt.After(time.Now()) {
		t.Errorf("NextRunAt = %v, want a future time", job.NextRunAt)
	}
	if !r.IsRunning("daily-report") {
		t.Error("job should hold a live timer after create")
	}
}

func TestCreateJob_InvalidScheduleWritesNothing(t *testing.T) {
	r, st := newTestRuntime(t, nil)
	ctx := context.Background()

	err := r.CreateJob(ctx, CreateRequest{Name: "bad", Schedule: "not-a-cron", Prompt: "x"})
	if err == nil {
		t.Fatal("expected classification error")
	}
	jobs, err := st.AllJobs(ctx, store.SessionAll)
	if err != nil {
		t.Fatalf("AllJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("store should be untouched, got %d job(s)", len(jobs))
	}
	if r.IsRunning("bad") {
		t.Error("no timer should exist for a rejected job")
	}
}

func TestCreateJob_ExtractsRecipient(t *testing.T) {
	r, st := newTestRuntime(t, nil)
	ctx := context.Background()

	err := r.CreateJob(ctx, CreateRequest{
		Name:     "ping-user",
		Schedule: "every 1 hour",
		Prompt:   "@123456789: Hello user!",
		Channel:  "telegram",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	job, _, _ := st.Job(ctx, "ping-user")
	if job.Recipient != "123456789" {
		t.Errorf("Recipient = %q, want 123456789", job.Recipient)
	}
	if job.Prompt != "@123456789: Hello user!" {
		t.Errorf("Prompt changed: %q", job.Prompt)
	}
}

func TestCreateJob_SessionFromContext(t *testing.T) {
	r, st := newTestRuntime(t, nil)
	ctx := sessionctx.With(context.Background(), "chat-42")

	if err := r.CreateJob(ctx, CreateRequest{Name: "j", Schedule: "every 5 minutes", Prompt: "x"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	job, _, _ := st.Job(ctx, "j")
	if job.SessionID != "chat-42" {
		t.Errorf("SessionID = %q, want chat-42", job.SessionID)
	}
}

func TestTimerFire_OneShotRetires(t *testing.T) {
	fired := make(chan string, 1)
	ag := agent.Func(func(ctx context.Context, req agent.Request) (*agent.Response, error) {
		fired <- sessionctx.Current(ctx)
		return &agent.Response{Text: "ok"}, nil
	})
	r, st := newTestRuntime(t, ag)
	ctx := context.Background()

	next := time.Now().Add(100 * time.Millisecond)
	err := r.ScheduleJob(ctx, store.Job{
		Name:           "one-shot",
		ScheduleType:   schedule.TypeAt,
		Schedule:       next.Format(time.RFC3339),
		Prompt:         "ping",
		SessionID:      "s1",
		Enabled:        true,
		DeleteAfterRun: true,
		NextRunAt:      &next,
	})
	if err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}

	select {
	case sid := <-fired:
		if sid != "s1" {
			t.Errorf("fired under session %q, want s1", sid)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("job never fired")
	}

	// Cleanup happens after the agent call returns; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, ok, err := st.Job(ctx, "one-shot")
		if err != nil {
			t.Fatalf("Job: %v", err)
		}
		if !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("one-shot job still present after firing")
		}
		time.Sleep(10 * time.Millisecond)
	}

	runs, err := st.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != store.StatusOK {
		t.Errorf("history = %+v, want one ok run", runs)
	}
}

func TestRunJobNow_RecurringReArms(t *testing.T) {
	r, st := newTestRuntime(t, nil)
	ctx := context.Background()

	if err := r.CreateJob(ctx, CreateRequest{Name: "hourly", Schedule: "every 1 hour", Prompt: "x"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	res, ok := r.RunJobNow(ctx, "hourly")
	if !ok {
		t.Fatal("RunJobNow should find the job")
	}
	if res.Status != store.StatusOK {
		t.Fatalf("status = %q: %s", res.Status, res.Error)
	}

	job, found, _ := st.Job(ctx, "hourly")
	if !found {
		t.Fatal("recurring job must survive an immediate run")
	}
	if job.LastStatus != store.StatusOK {
		t.Errorf("LastStatus = %q", job.LastStatus)
	}
	if job.NextRunAt == nil || !job.NextRunAt.After(time.Now()) {
		t.Errorf("NextRunAt = %v, want re-armed future time", job.NextRunAt)
	}
	if !r.IsRunning("hourly") {
		t.Error("timer should be re-armed")
	}
}

func TestRunJobNow_DisabledJobNotReArmed(t *testing.T) {
	r, st := newTestRuntime(t, nil)
	ctx := context.Background()

	if err := r.CreateJob(ctx, CreateRequest{Name: "paused", Schedule: "every 1 hour", Prompt: "x"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !r.SetJobEnabled(ctx, "paused", false) {
		t.Fatal("disable should succeed")
	}

	res, ok := r.RunJobNow(ctx, "paused")
	if !ok || res.Status != store.StatusOK {
		t.Fatalf("RunJobNow = %+v, %v", res, ok)
	}

	// An explicit run executes, but a disabled job must stay disarmed.
	if r.IsRunning("paused") {
		t.Error("disabled job holds a live timer after an immediate run")
	}
	job, found, _ := st.Job(ctx, "paused")
	if !found || job.Enabled {
		t.Fatalf("job = %+v, found = %v", job, found)
	}
	if job.NextRunAt != nil {
		t.Errorf("NextRunAt = %v, want nil while disabled", job.NextRunAt)
	}
}

func TestDisableDuringFiring_NotReArmed(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	ag := agent.Func(func(context.Context, agent.Request) (*agent.Response, error) {
		started <- struct{}{}
		<-release
		return &agent.Response{Text: "ok"}, nil
	})
	r, st := newTestRuntime(t, ag)
	ctx := context.Background()

	if err := r.CreateJob(ctx, CreateRequest{Name: "inflight", Schedule: "every 1 hour", Prompt: "x"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ok := r.RunJobNow(ctx, "inflight"); !ok {
			t.Error("RunJobNow should find the job")
		}
	}()

	<-started
	if !r.SetJobEnabled(ctx, "inflight", false) {
		t.Fatal("disable should succeed")
	}
	close(release)
	<-done

	if r.IsRunning("inflight") {
		t.Error("job re-armed despite being disabled mid-execution")
	}
	if job, _, _ := st.Job(ctx, "inflight"); job.NextRunAt != nil {
		t.Errorf("NextRunAt = %v, want nil while disabled", job.NextRunAt)
	}
}

func TestFiring_SerializedAndCoalesced(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var executions atomic.Int32
	ag := agent.Func(func(context.Context, agent.Request) (*agent.Response, error) {
		executions.Add(1)
		started <- struct{}{}
		<-release
		return &agent.Response{Text: "ok"}, nil
	})
	r, _ := newTestRuntime(t, ag)
	ctx := context.Background()

	if err := r.CreateJob(ctx, CreateRequest{Name: "slow", Schedule: "every 1 hour", Prompt: "x"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, ok := r.RunJobNow(ctx, "slow")
		if !ok || res.Status != store.StatusOK {
			t.Errorf("first run = %+v, %v", res, ok)
		}
	}()
	<-started

	// A due time arriving while the firing is in flight coalesces instead of
	// starting a second execution.
	r.arm("slow", time.Now().Add(20*time.Millisecond))
	time.Sleep(150 * time.Millisecond)
	if got := executions.Load(); got != 1 {
		t.Fatalf("executions = %d during in-flight firing, want 1", got)
	}

	// An explicit run request while busy is reported skipped, not queued.
	res, ok := r.RunJobNow(ctx, "slow")
	if !ok || res.Status != store.StatusSkipped {
		t.Fatalf("concurrent RunJobNow = %+v, %v", res, ok)
	}

	close(release)
	<-done

	if got := executions.Load(); got != 1 {
		t.Errorf("executions = %d after completion, want 1", got)
	}
	// Completion re-arms exactly one future occurrence.
	if !r.IsRunning("slow") {
		t.Error("job should be re-armed after the firing completes")
	}
}

func TestRunJobNow_UnknownJob(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	if res, ok := r.RunJobNow(context.Background(), "nope"); ok || res != nil {
		t.Errorf("RunJobNow(unknown) = %v, %v", res, ok)
	}
}

func TestSetJobEnabled(t *testing.T) {
	r, st := newTestRuntime(t, nil)
	ctx := context.Background()

	if err := r.CreateJob(ctx, CreateRequest{Name: "toggle", Schedule: "every 10 minutes", Prompt: "x"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if !r.SetJobEnabled(ctx, "toggle", false) {
		t.Fatal("disable should succeed")
	}
	if r.IsRunning("toggle") {
		t.Error("disabled job should hold no timer")
	}
	if job, _, _ := st.Job(ctx, "toggle"); job.Enabled {
		t.Error("enabled flag not persisted")
	}

	if !r.SetJobEnabled(ctx, "toggle", true) {
		t.Fatal("enable should succeed")
	}
	if !r.IsRunning("toggle") {
		t.Error("enabled job should be re-armed")
	}

	if r.SetJobEnabled(ctx, "ghost", true) {
		t.Error("unknown job should report false")
	}
}

func TestDeleteJob(t *testing.T) {
	r, st := newTestRuntime(t, nil)
	ctx := context.Background()

	if err := r.CreateJob(ctx, CreateRequest{Name: "gone", Schedule: "every 1 hour", Prompt: "x"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !r.DeleteJob(ctx, "gone") {
		t.Fatal("delete should succeed")
	}
	if r.IsRunning("gone") {
		t.Error("deleted job should hold no timer")
	}
	if _, ok, _ := st.Job(ctx, "gone"); ok {
		t.Error("record still present after delete")
	}
	if r.DeleteJob(ctx, "gone") {
		t.Error("second delete should report false")
	}
}

func TestStopJobAndStopAll(t *testing.T) {
	r, st := newTestRuntime(t, nil)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		if err := r.CreateJob(ctx, CreateRequest{Name: name, Schedule: "every 1 hour", Prompt: "x"}); err != nil {
			t.Fatalf("CreateJob %s: %v", name, err)
		}
	}

	if !r.StopJob("a") {
		t.Fatal("StopJob should cancel a live timer")
	}
	if r.StopJob("a") {
		t.Error("second StopJob should report false")
	}
	// The record stays; only the timer is gone.
	if _, ok, _ := st.Job(ctx, "a"); !ok {
		t.Error("StopJob must not delete the record")
	}

	r.StopAll()
	if r.IsRunning("b") {
		t.Error("StopAll left a timer armed")
	}
}

func TestInitialize_ReArmsFromStore(t *testing.T) {
	r, st := newTestRuntime(t, nil)
	ctx := context.Background()

	if err := r.CreateJob(ctx, CreateRequest{Name: "survivor", Schedule: "0 9 * * *", Prompt: "x"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	r.StopAll() // simulate a restart: records persist, timers are gone

	if err := r.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !r.IsRunning("survivor") {
		t.Error("Initialize should re-arm persisted jobs")
	}
	job, _, _ := st.Job(ctx, "survivor")
	if job.NextRunAt == nil || !job.NextRunAt.After(time.Now()) {
		t.Errorf("NextRunAt = %v after Initialize", job.NextRunAt)
	}
}

func TestInitialize_RetiresExpiredOneShot(t *testing.T) {
	r, st := newTestRuntime(t, nil)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	_, err := st.CreateJob(ctx, store.Job{
		Name:           "expired",
		ScheduleType:   schedule.TypeAt,
		Schedule:       past.Format(time.RFC3339),
		Prompt:         "x",
		Enabled:        true,
		DeleteAfterRun: true,
		NextRunAt:      &past,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := r.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if r.IsRunning("expired") {
		t.Error("expired one-shot must not be armed")
	}
	job, ok, _ := st.Job(ctx, "expired")
	if !ok {
		t.Fatal("expired job record should remain for inspection")
	}
	if job.NextRunAt != nil {
		t.Errorf("NextRunAt = %v, want nil", job.NextRunAt)
	}
}

func TestStats(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	ctx := context.Background()

	if err := r.CreateJob(ctx, CreateRequest{Name: "s1", Schedule: "every 1 hour", Prompt: "x"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, ok := r.RunJobNow(ctx, "s1"); !ok {
		t.Fatal("RunJobNow failed")
	}

	st, err := r.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.ActiveJobs != 1 {
		t.Errorf("ActiveJobs = %d", st.ActiveJobs)
	}
	if st.TotalRuns != 1 {
		t.Errorf("TotalRuns = %d", st.TotalRuns)
	}
	if st.LastRunAt == nil {
		t.Error("LastRunAt should be set after a run")
	}
}
