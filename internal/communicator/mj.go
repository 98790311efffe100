package communicator

import (
	"time"

	"github.com/danmuck/jobrelay/internal/protocol"
	"github.com/danmuck/jobrelay/internal/state"
	"github.com/danmuck/jobrelay/internal/status"
	"github.com/rs/zerolog/log"
)

// initialState is the multijob state of a freshly loaded communicator. A
// hop without output runs from the start; one with output starts in
// installation unless the persisted status says the next hop already runs.
func initialState(name string, hasOutput bool, st status.CommunicatorStatus, now time.Time) state.MJState {
	mj := state.NewMJState(name, hasOutput, now)
	switch {
	case !hasOutput:
		mj.SetStatus(state.StatusRunning, now)
	case st.NextStarted && st.Interupted:
		mj.SetStatus(state.StatusInterrupted, now)
	case st.NextStarted:
		mj.SetStatus(state.StatusRunning, now)
	}
	return mj
}

// State is the multijob state of this hop with the run interval brought up
// to date.
func (c *Communicator) State() state.MJState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mj.Refresh(c.now())
	return c.mj
}

func (c *Communicator) moveState(to state.TaskStatus) {
	c.updateState(func(mj *state.MJState, now time.Time) {
		mj.SetStatus(to, now)
	})
}

func (c *Communicator) updateState(fn func(mj *state.MJState, now time.Time)) {
	c.mu.Lock()
	now := c.now()
	fn(&c.mj, now)
	c.mj.Refresh(now)
	snapshot := c.mj.JobState
	store := c.jobsStore
	c.mu.Unlock()
	if store != nil {
		store.Upsert(snapshot)
	}
}

// TrackJobs keeps store in step with this hop's state and its jobs, and
// saves it whenever results are downloaded.
func (c *Communicator) TrackJobs(store *state.JobsStore) {
	c.mu.Lock()
	c.jobsStore = store
	c.mu.Unlock()
	store.Upsert(c.State().JobState)
}

// SetStartJobsCount seeds the job counters of the multijob.
func (c *Communicator) SetStartJobsCount(known, estimated int) {
	c.updateState(func(mj *state.MJState, now time.Time) {
		mj.SetCounts(known, estimated, now)
	})
	log.Info().Str("communicator", c.Name()).Int("known", known).Int("estimated", estimated).
		Msg("communicator.SetStartJobsCount")
}

// answersState reports whether this hop owns the state asked for by
// get_state instead of forwarding the question.
func (c *Communicator) answersState() bool {
	return c.output == nil || c.jobs != nil
}

func (c *Communicator) stateAnswer() *protocol.Action {
	ans, err := protocol.NewActionData(protocol.ActionState, protocol.StateData{State: c.State()})
	if err != nil {
		return reply(protocol.ErrorAction(err.Error(), protocol.SeverityError))
	}
	return &ans
}

func (c *Communicator) startCountsAnswer(act protocol.Action) *protocol.Action {
	var counts protocol.StartCountsData
	if err := act.Decode(&counts); err != nil {
		return reply(protocol.ErrorAction(err.Error(), protocol.SeverityError))
	}
	c.SetStartJobsCount(counts.KnownJobs, counts.EstimatedJobs)
	return reply(protocol.NewAction(protocol.ActionOK))
}

// saveJobStates writes this hop's state and the states of its jobs to the
// tracked store.
func (c *Communicator) saveJobStates() error {
	c.mu.Lock()
	store := c.jobsStore
	c.mu.Unlock()
	if store == nil {
		return nil
	}
	store.Upsert(c.State().JobState)
	if c.jobs != nil {
		for _, js := range c.jobs.States() {
			store.Upsert(js)
		}
	}
	return store.Save()
}
