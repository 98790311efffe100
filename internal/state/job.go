package state

import "time"

// JobState is the progress record of one job.
type JobState struct {
	Name        string        `json:"name"`
	InsertTime  time.Time     `json:"insert_time"`
	QueuedTime  *time.Time    `json:"queued_time,omitempty"`
	StartTime   *time.Time    `json:"start_time,omitempty"`
	RunInterval time.Duration `json:"run_interval"`
	Status      TaskStatus    `json:"status"`
}

// NewJobState returns a fresh record. install marks jobs that start in the
// installation phase.
func NewJobState(name string, install bool, now time.Time) JobState {
	s := JobState{Name: name, InsertTime: now, Status: StatusNone}
	if install {
		s.Status = StatusInstallation
	}
	return s
}

// SetStatus moves the job to status and keeps queue/start timestamps and the
// run interval consistent with it.
func (j *JobState) SetStatus(status TaskStatus, now time.Time) {
	switch status {
	case StatusQueued:
		if j.QueuedTime == nil {
			t := now
			j.QueuedTime = &t
		}
	case StatusRunning:
		if j.StartTime == nil {
			t := now
			j.StartTime = &t
		}
	}
	if j.Status == StatusRunning && status != StatusRunning {
		j.refresh(now)
	}
	j.Status = status
}

// Refresh recomputes the run interval while the job is running. Outside the
// running status the interval stays frozen.
func (j *JobState) Refresh(now time.Time) {
	if j.Status != StatusRunning {
		return
	}
	j.refresh(now)
}

func (j *JobState) refresh(now time.Time) {
	if j.StartTime == nil {
		return
	}
	if d := now.Sub(*j.StartTime); d > 0 {
		j.RunInterval = d
	}
}

// MJState is a multijob record with aggregate job counters.
type MJState struct {
	JobState
	KnownJobs     int `json:"known_jobs"`
	EstimatedJobs int `json:"estimated_jobs"`
	FinishedJobs  int `json:"finished_jobs"`
	RunningJobs   int `json:"running_jobs"`
}

func NewMJState(name string, install bool, now time.Time) MJState {
	return MJState{JobState: NewJobState(name, install, now)}
}

// SetCounts records how many jobs are known and estimated at start. A
// multijob with neither is ready at once.
func (m *MJState) SetCounts(known, estimated int, now time.Time) {
	m.KnownJobs = known
	m.EstimatedJobs = estimated
	if known == 0 && estimated == 0 {
		m.SetStatus(StatusReady, now)
	}
}

// JobStarted moves one job from known to running.
func (m *MJState) JobStarted() {
	m.KnownJobs--
	m.RunningJobs++
}

// JobFinished moves one job from running to finished. A running multijob
// with nothing left known, estimated or running becomes ready.
func (m *MJState) JobFinished(now time.Time) {
	m.RunningJobs--
	m.FinishedJobs++
	if m.Status == StatusRunning && m.KnownJobs <= 0 && m.EstimatedJobs <= 0 && m.RunningJobs <= 0 {
		m.SetStatus(StatusReady, now)
	}
}
