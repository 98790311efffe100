package state

import (
	"fmt"
	"testing"
	"time"

	"github.com/danmuck/jobrelay/internal/testutil/testlog"
)

func TestRunIntervalFreezesAtTerminalStatus(t *testing.T) {
	testlog.Start(t)
	t0 := time.Unix(1700000000, 0)
	job := NewJobState("job_1", true, t0)
	if job.Status != StatusInstallation {
		t.Fatalf("status=%v", job.Status)
	}
	job.SetStatus(StatusQueued, t0.Add(time.Second))
	job.SetStatus(StatusRunning, t0.Add(2*time.Second))
	job.Refresh(t0.Add(12 * time.Second))
	if job.RunInterval != 10*time.Second {
		t.Fatalf("running interval=%v", job.RunInterval)
	}
	job.SetStatus(StatusFinished, t0.Add(22*time.Second))
	if job.RunInterval != 20*time.Second {
		t.Fatalf("final interval=%v", job.RunInterval)
	}
	job.Refresh(t0.Add(time.Hour))
	if job.RunInterval != 20*time.Second {
		t.Fatalf("interval changed after terminal status: %v", job.RunInterval)
	}
	if job.QueuedTime == nil || !job.QueuedTime.Equal(t0.Add(time.Second)) {
		t.Fatalf("queued time=%v", job.QueuedTime)
	}
}

func TestMJStateCounters(t *testing.T) {
	testlog.Start(t)
	t0 := time.Unix(1700000000, 0)
	mj := NewMJState("mj", false, t0)
	mj.SetStatus(StatusRunning, t0)
	mj.SetCounts(2, 0, t0)
	if mj.Status != StatusRunning {
		t.Fatalf("status=%v", mj.Status)
	}
	mj.JobStarted()
	mj.JobStarted()
	if mj.KnownJobs != 0 || mj.RunningJobs != 2 {
		t.Fatalf("after start %+v", mj)
	}
	mj.JobFinished(t0.Add(time.Second))
	if mj.Status != StatusRunning || mj.FinishedJobs != 1 {
		t.Fatalf("ready too early %+v", mj)
	}
	mj.JobFinished(t0.Add(5 * time.Second))
	if mj.Status != StatusReady || mj.RunInterval != 5*time.Second {
		t.Fatalf("not ready after last job %+v", mj)
	}

	empty := NewMJState("empty", false, t0)
	empty.SetCounts(0, 0, t0)
	if empty.Status != StatusReady {
		t.Fatalf("multijob without jobs status=%v", empty.Status)
	}

	stopping := NewMJState("stopping", false, t0)
	stopping.SetStatus(StatusRunning, t0)
	stopping.SetCounts(1, 0, t0)
	stopping.JobStarted()
	stopping.SetStatus(StatusStopping, t0)
	stopping.JobFinished(t0)
	if stopping.Status != StatusStopping || stopping.FinishedJobs != 1 {
		t.Fatalf("stopping multijob moved on %+v", stopping)
	}
}

func TestPermittedAndStartupActions(t *testing.T) {
	testlog.Start(t)
	if got := fmt.Sprint(StatusStopped.PermittedActions()); got != "[delete delete_remote]" {
		t.Fatalf("stopped actions=%s", got)
	}
	if got := StatusPaused.PermittedActions(); len(got) != 0 {
		t.Fatalf("paused actions=%v", got)
	}
	if !StatusRunning.Permitted(ActionStop) {
		t.Fatalf("running jobs can be stopped")
	}
	if StatusStopping.Permitted(ActionStop) {
		t.Fatalf("stopping jobs cannot be stopped again")
	}
	if a, ok := StatusQueued.StartupAction(); !ok || a != ActionTerminate {
		t.Fatalf("queued startup action=%v ok=%v", a, ok)
	}
	if _, ok := StatusFinished.StartupAction(); ok {
		t.Fatalf("finished jobs need no startup action")
	}
	if StatusInterrupted.DisplayName() != "No response" {
		t.Fatalf("display=%q", StatusInterrupted.DisplayName())
	}
}

func TestJobsStoreSaveLoad(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	now := time.Unix(1700000000, 0).UTC()
	store := NewJobsStore(dir)
	a := NewJobState("b_job", false, now)
	a.SetStatus(StatusRunning, now)
	store.Upsert(a)
	store.Upsert(NewJobState("a_job", false, now))
	if err := store.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := NewJobsStore(dir)
	if err := loaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	list := loaded.List()
	if len(list) != 2 || list[0].Name != "a_job" || list[1].Status != StatusRunning {
		t.Fatalf("unexpected list %+v", list)
	}

	empty := NewJobsStore(t.TempDir())
	if err := empty.Load(); err != nil || len(empty.List()) != 0 {
		t.Fatalf("missing file should load empty, err=%v", err)
	}
}
