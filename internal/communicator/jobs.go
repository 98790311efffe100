package communicator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/jobrelay/internal/protocol"
	"github.com/danmuck/jobrelay/internal/state"
	"github.com/danmuck/jobrelay/internal/transport"
	"github.com/rs/zerolog/log"
)

// JobIDPlaceholder in job args is replaced by the job id.
const JobIDPlaceholder = "{id}"

// JobOutputFunc builds the output that installs, starts and links the job
// with the given id.
type JobOutputFunc func(id string) (transport.OutputComm, error)

type jobSlot struct {
	id  string
	out transport.OutputComm

	// written by the start goroutine
	started bool
	err     error

	// loop-only
	linked bool
	state  state.JobState
}

// Jobs turns a communicator into a multijob hop. Each job added with
// add_job gets its own output; started jobs are linked and recorded as
// conn_<id>, polled for their state in idle time, stopped once ready and
// stopped one at a time when the multijob stops.
type Jobs struct {
	c         *Communicator
	newOutput JobOutputFunc
	args      []string

	mu       sync.Mutex
	active   []*jobSlot
	done     []state.JobState
	cursor   int
	stopping bool
}

// NewJobs attaches a job table to c. args start every job.
func NewJobs(c *Communicator, newOutput JobOutputFunc, args []string) *Jobs {
	j := &Jobs{c: c, newOutput: newOutput, args: append([]string(nil), args...)}
	c.jobs = j
	return j
}

func (j *Jobs) argsFor(id string) []string {
	out := make([]string, len(j.args))
	for i, a := range j.args {
		out[i] = strings.ReplaceAll(a, JobIDPlaceholder, id)
	}
	return out
}

func (j *Jobs) find(id string) *jobSlot {
	for _, s := range j.active {
		if s.id == id {
			return s
		}
	}
	return nil
}

// add starts the job named by act, or reports how far it got. A started
// job is answered with its endpoint.
func (j *Jobs) add(ctx context.Context, act protocol.Action) *protocol.Action {
	var data protocol.JobData
	if err := act.Decode(&data); err != nil || strings.TrimSpace(data.ID) == "" {
		return reply(protocol.ErrorAction("add_job needs a job id", protocol.SeverityError))
	}
	id := data.ID

	j.mu.Lock()
	if j.stopping {
		j.mu.Unlock()
		return reply(protocol.ErrorAction("Multijob is stopping", protocol.SeverityError))
	}
	if slot := j.find(id); slot != nil {
		started, err := slot.started, slot.err
		j.mu.Unlock()
		switch {
		case err != nil:
			return reply(protocol.ErrorAction(err.Error(), protocol.SeverityError))
		case !started:
			return reply(protocol.NewAction(protocol.ActionInProcess))
		}
		ep := slot.out.Endpoint()
		ans, aerr := protocol.NewActionData(protocol.ActionJobConn, protocol.JobConnData{Host: ep.Host, Port: ep.Port})
		if aerr != nil {
			return reply(protocol.ErrorAction(aerr.Error(), protocol.SeverityError))
		}
		return &ans
	}
	for _, st := range j.done {
		if st.Name == id {
			j.mu.Unlock()
			return reply(protocol.NewAction(protocol.ActionOK))
		}
	}
	j.mu.Unlock()

	out, err := j.newOutput(id)
	if err != nil {
		log.Error().Err(err).Str("communicator", j.c.Name()).Str("job", id).Msg("communicator.Jobs.add output failed")
		return reply(protocol.ErrorAction(err.Error(), protocol.SeverityError))
	}
	now := j.c.now()
	slot := &jobSlot{id: id, out: out, state: state.NewJobState(id, false, now)}
	slot.state.SetStatus(state.StatusQueued, now)
	j.mu.Lock()
	j.active = append(j.active, slot)
	j.mu.Unlock()
	log.Info().Str("communicator", j.c.Name()).Str("job", id).Msg("communicator.Jobs.add starting job")
	go j.start(context.WithoutCancel(ctx), slot)
	return reply(protocol.NewAction(protocol.ActionInProcess))
}

func (j *Jobs) start(ctx context.Context, slot *jobSlot) {
	err := slot.out.Install(ctx)
	if err == nil {
		err = slot.out.Exec(ctx, j.argsFor(slot.id))
	}
	if err != nil {
		log.Error().Err(err).Str("communicator", j.c.Name()).Str("job", slot.id).Msg("communicator.Jobs.start failed")
	}
	j.mu.Lock()
	slot.started = err == nil
	slot.err = err
	j.mu.Unlock()
}

// step does one piece of job work and reports whether it did any.
func (j *Jobs) step(ctx context.Context) bool {
	if j.reapFailed() {
		return true
	}
	j.mu.Lock()
	stopping := j.stopping
	j.mu.Unlock()
	if stopping {
		return j.stopOne(ctx)
	}
	if j.linkOne(ctx) {
		return true
	}
	return j.pollOne(ctx)
}

// reapFailed retires jobs whose start failed.
func (j *Jobs) reapFailed() bool {
	j.mu.Lock()
	var failed []*jobSlot
	for _, s := range j.active {
		if s.err != nil {
			failed = append(failed, s)
		}
	}
	j.mu.Unlock()
	for _, s := range failed {
		j.retire(s, state.StatusError)
		j.c.updateState(func(mj *state.MJState, now time.Time) {
			mj.JobStarted()
			mj.JobFinished(now)
		})
	}
	return len(failed) > 0
}

func (j *Jobs) linkOne(ctx context.Context) bool {
	j.mu.Lock()
	var slot *jobSlot
	for _, s := range j.active {
		if s.started && !s.linked {
			slot = s
			break
		}
	}
	j.mu.Unlock()
	if slot == nil {
		return false
	}
	if err := slot.out.Connect(ctx); err != nil {
		log.Warn().Err(err).Str("communicator", j.c.Name()).Str("job", slot.id).Msg("communicator.Jobs.linkOne connect failed")
		return true
	}
	slot.linked = true
	slot.state.SetStatus(state.StatusRunning, j.c.now())
	j.c.updateState(func(mj *state.MJState, _ time.Time) {
		mj.JobStarted()
	})
	writeConnection(j.c.connectionPathOf(slot.id), slot.out.Endpoint())
	log.Info().Str("communicator", j.c.Name()).Str("job", slot.id).Msg("communicator.Jobs.linkOne job running")
	return true
}

// pollOne asks the next linked job, round robin, for its state and stops
// it once it is ready.
func (j *Jobs) pollOne(ctx context.Context) bool {
	j.mu.Lock()
	var linked []*jobSlot
	for _, s := range j.active {
		if s.linked {
			linked = append(linked, s)
		}
	}
	if len(linked) == 0 {
		j.mu.Unlock()
		return false
	}
	slot := linked[j.cursor%len(linked)]
	j.cursor++
	j.mu.Unlock()

	ans, err := j.c.exchange(ctx, slot.out, protocol.NewAction(protocol.ActionGetState), j.c.cfg.Session.AnswerTimeout)
	if err != nil {
		log.Warn().Err(err).Str("communicator", j.c.Name()).Str("job", slot.id).Msg("communicator.Jobs.pollOne no state")
		return true
	}
	ready, code := jobOutcome(ans)
	if !ready {
		return true
	}
	stopAns, err := j.c.exchange(ctx, slot.out, protocol.NewAction(protocol.ActionStop), j.c.cfg.Session.AnswerTimeout)
	if err != nil || stopAns.Type != protocol.ActionOK {
		log.Warn().Err(err).Str("communicator", j.c.Name()).Str("job", slot.id).Msg("communicator.Jobs.pollOne ready job did not stop")
		return true
	}
	final := state.StatusReady
	if code != 0 {
		final = state.StatusError
	}
	j.retire(slot, final)
	j.c.updateState(func(mj *state.MJState, now time.Time) {
		mj.JobFinished(now)
	})
	log.Info().Str("communicator", j.c.Name()).Str("job", slot.id).Int("return_code", code).Msg("communicator.Jobs.pollOne job done")
	return true
}

// jobOutcome reads a job_state answer, or the state answer of a job that is
// itself a hop.
func jobOutcome(ans protocol.Action) (ready bool, code int) {
	switch ans.Type {
	case protocol.ActionJobState:
		var data protocol.JobStateData
		if err := ans.Decode(&data); err != nil || !data.Ready {
			return false, 0
		}
		if data.ReturnCode != nil {
			code = *data.ReturnCode
		}
		return true, code
	case protocol.ActionState:
		var data protocol.StateData
		if err := ans.Decode(&data); err != nil {
			return false, 0
		}
		switch data.State.Status {
		case state.StatusReady, state.StatusFinished:
			return true, 0
		case state.StatusError, state.StatusStopped:
			return true, 1
		}
	}
	return false, 0
}

// stopOne stops the first job still active. A job that is still starting
// is waited for.
func (j *Jobs) stopOne(ctx context.Context) bool {
	j.mu.Lock()
	var slot *jobSlot
	if len(j.active) > 0 {
		slot = j.active[0]
	}
	pending := slot != nil && !slot.started && slot.err == nil
	j.mu.Unlock()
	if slot == nil || pending {
		return false
	}
	slot.state.SetStatus(state.StatusStopping, j.c.now())
	stopped := false
	if slot.linked {
		ans, err := j.c.exchange(ctx, slot.out, protocol.NewAction(protocol.ActionStop), j.c.cfg.Session.AnswerTimeout)
		stopped = err == nil && ans.Type == protocol.ActionOK
	}
	if !stopped {
		if err := slot.out.KillNext(ctx); err != nil {
			log.Warn().Err(err).Str("communicator", j.c.Name()).Str("job", slot.id).Msg("communicator.Jobs.stopOne kill failed")
		}
	}
	wasRunning := slot.linked
	j.retire(slot, state.StatusStopped)
	if wasRunning {
		j.c.updateState(func(mj *state.MJState, now time.Time) {
			mj.JobFinished(now)
		})
	}
	log.Info().Str("communicator", j.c.Name()).Str("job", slot.id).Bool("confirmed", stopped).Msg("communicator.Jobs.stopOne job stopped")
	return true
}

// retire closes the job link, drops its record and moves it to done.
func (j *Jobs) retire(slot *jobSlot, final state.TaskStatus) {
	if slot.linked {
		if err := slot.out.Disconnect(); err != nil {
			log.Debug().Err(err).Str("job", slot.id).Msg("communicator.Jobs.retire disconnect")
		}
		slot.linked = false
	}
	removeConnection(j.c.connectionPathOf(slot.id))
	slot.state.SetStatus(final, j.c.now())
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, s := range j.active {
		if s == slot {
			j.active = append(j.active[:i], j.active[i+1:]...)
			break
		}
	}
	j.done = append(j.done, slot.state)
}

// stopPending marks the multijob as stopping and reports whether jobs are
// still active.
func (j *Jobs) stopPending() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stopping = true
	return len(j.active) > 0
}

// markFinished moves ready jobs to finished once their results were
// downloaded.
func (j *Jobs) markFinished() {
	now := j.c.now()
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.done {
		if j.done[i].Status == state.StatusReady {
			j.done[i].SetStatus(state.StatusFinished, now)
		}
	}
}

// States lists finished and active jobs.
func (j *Jobs) States() []state.JobState {
	now := j.c.now()
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]state.JobState, 0, len(j.done)+len(j.active))
	out = append(out, j.done...)
	for _, s := range j.active {
		st := s.state
		st.Refresh(now)
		out = append(out, st)
	}
	return out
}

// Active is the number of jobs not yet retired.
func (j *Jobs) Active() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.active)
}

func (j *Jobs) killAll(ctx context.Context) {
	j.mu.Lock()
	slots := append([]*jobSlot(nil), j.active...)
	j.mu.Unlock()
	for _, s := range slots {
		if err := s.out.KillNext(ctx); err != nil {
			log.Warn().Err(err).Str("job", s.id).Msg("communicator.Jobs.killAll kill failed")
		}
		_ = s.out.Disconnect()
	}
}
