package communicator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/jobrelay/internal/observability"
	"github.com/danmuck/jobrelay/internal/protocol"
	"github.com/danmuck/jobrelay/internal/state"
	"github.com/danmuck/jobrelay/internal/status"
	"github.com/danmuck/jobrelay/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Communicator owns the input link from the previous hop and the output
// link to the next one, and keeps the next hop's lifecycle durable.
type Communicator struct {
	cfg    Config
	input  transport.InputComm
	output transport.OutputComm
	store  *status.Store
	hooks  Hooks

	mu      sync.Mutex
	status  status.CommunicatorStatus
	phase   Phase
	lastErr error
	mj      state.MJState

	// jobsStore mirrors mj and job states for the status surface; nil
	// until TrackJobs.
	jobsStore *state.JobsStore
	jobs      *Jobs

	installMu    sync.Mutex
	installBegun bool
	installed    bool
	installErr   error

	downloadMu sync.Mutex
	download   downloadPhase

	// loop-only
	restored bool

	interrupt atomic.Bool
	stopped   atomic.Bool

	// wait paces long-action polls; tests replace it.
	wait func(ctx context.Context, lim *rate.Limiter) error
	rng  *rand.Rand
	now  func() time.Time
}

// New loads the persisted status of cfg.StatusName. input is nil for the
// root application, output is nil for the last hop.
func New(cfg Config, input transport.InputComm, output transport.OutputComm, hooks Hooks) (*Communicator, error) {
	cfg = cfg.WithDefaults()
	dir := cfg.StatusDir
	if dir == "" && output != nil {
		dir = output.Installation().StatusDir()
	}
	if dir == "" {
		return nil, fmt.Errorf("%w: no status dir", ErrInvalidConfig)
	}
	c := &Communicator{
		cfg:    cfg,
		input:  input,
		output: output,
		store:  status.NewStore(dir),
		phase:  PhaseUninstalled,
		wait: func(ctx context.Context, lim *rate.Limiter) error {
			return lim.Wait(ctx)
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: time.Now,
	}
	st, err := c.store.Load(cfg.StatusName())
	if err != nil {
		return nil, err
	}
	c.status = st
	if st.NextStarted && st.Interupted {
		c.phase = PhaseInterrupted
	}
	c.mj = initialState(cfg.StatusName(), output != nil, st, c.now())
	c.hooks = hooks.withDefaults(c)
	log.Info().Str("communicator", cfg.StatusName()).Str("status_dir", dir).
		Bool("next_installed", st.NextInstalled).Bool("next_started", st.NextStarted).
		Msg("communicator.New loaded status")
	return c, nil
}

func (c *Communicator) Name() string {
	return c.cfg.StatusName()
}

func (c *Communicator) Output() transport.OutputComm {
	return c.output
}

func (c *Communicator) Input() transport.InputComm {
	return c.input
}

// Status returns a copy of the last committed status.
func (c *Communicator) Status() status.CommunicatorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneStatus(c.status)
}

func (c *Communicator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Err is the error that moved the communicator to PhaseError.
func (c *Communicator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// LogPath is the rotating per-hop log file inside the result dir.
func (c *Communicator) LogPath() string {
	if c.output == nil {
		return filepath.Join(c.store.Dir(), c.Name()+".log")
	}
	return filepath.Join(c.output.Installation().LogDir(), c.Name()+".log")
}

func (c *Communicator) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	if p != PhaseError {
		c.lastErr = nil
	}
	c.mu.Unlock()
}

func (c *Communicator) fail(err error) error {
	c.mu.Lock()
	c.phase = PhaseError
	c.lastErr = err
	c.mu.Unlock()
	c.moveState(state.StatusError)
	log.Error().Err(err).Str("communicator", c.Name()).Msg("communicator.Communicator failed")
	return err
}

func cloneStatus(st status.CommunicatorStatus) status.CommunicatorStatus {
	if st.Output != nil {
		out := *st.Output
		st.Output = &out
	}
	return st
}

// commit applies mutate to a copy of the status, flushes it and only then
// makes it the in-memory status.
func (c *Communicator) commit(mutate func(*status.CommunicatorStatus)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := cloneStatus(c.status)
	mutate(&next)
	if err := c.store.Save(c.Name(), next); err != nil {
		return err
	}
	c.status = next
	return nil
}

// reload replaces the in-memory status with the persisted one.
func (c *Communicator) reload() (status.CommunicatorStatus, error) {
	st, err := c.store.Load(c.Name())
	if err != nil {
		return status.CommunicatorStatus{}, err
	}
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
	return cloneStatus(st), nil
}

func (c *Communicator) saveOutputState() func(*status.CommunicatorStatus) {
	out := c.output.SaveState()
	return func(st *status.CommunicatorStatus) {
		st.Output = &out
	}
}

// Install brings the next hop up: install files, start it, connect. Steps
// already persisted are skipped, so repeating Install is harmless and a
// restarted parent resumes where it crashed.
func (c *Communicator) Install(ctx context.Context) error {
	if c.output == nil {
		return ErrNoOutput
	}
	st, err := c.reload()
	if err != nil {
		return c.fail(err)
	}
	c.setPhase(PhaseInstalling)
	if c.kind() == kindBatch {
		c.moveState(state.StatusQueued)
	} else {
		c.moveState(state.StatusInstallation)
	}

	if !st.NextInstalled {
		if err := c.output.Install(ctx); err != nil {
			return c.fail(fmt.Errorf("install next hop: %w", err))
		}
		if err := c.commit(func(s *status.CommunicatorStatus) { s.NextInstalled = true }); err != nil {
			return c.fail(err)
		}
		log.Info().Str("communicator", c.Name()).Msg("communicator.Install next hop installed")
	} else {
		log.Debug().Str("communicator", c.Name()).Msg("communicator.Install install step already done")
	}

	if st.NextStarted {
		if err := c.relink(ctx, st, false); err != nil {
			return c.fail(err)
		}
		c.setPhase(PhaseConnected)
		c.moveState(state.StatusRunning)
		return nil
	}
	if st.NextInstalled {
		// started before a crash without the start being recorded; clear
		// whatever may still run before starting again
		log.Warn().Str("communicator", c.Name()).Msg("communicator.Install resuming interrupted start")
		if st.Output != nil {
			c.output.LoadState(*st.Output)
		}
		c.TerminateConnections(ctx)
	}
	if err := c.startNext(ctx); err != nil {
		return c.fail(err)
	}
	c.setPhase(PhaseConnected)
	c.moveState(state.StatusRunning)
	return nil
}

// startNext runs the next hop and records it. The output state is flushed
// right after Exec so a crash before NextStarted still knows what to kill.
func (c *Communicator) startNext(ctx context.Context) error {
	if err := c.output.Exec(ctx, c.cfg.NextArgs); err != nil {
		return fmt.Errorf("start next hop: %w", err)
	}
	if err := c.commit(c.saveOutputState()); err != nil {
		return err
	}
	if err := c.output.Connect(ctx); err != nil {
		return fmt.Errorf("connect next hop: %w", err)
	}
	c.recordConnection()
	if err := c.commit(func(s *status.CommunicatorStatus) {
		c.saveOutputState()(s)
		s.NextStarted = true
		s.Interupted = false
	}); err != nil {
		return err
	}
	ep := c.output.Endpoint()
	log.Info().Str("communicator", c.Name()).Str("host", ep.Host).Int("port", ep.Port).
		Msg("communicator.startNext next hop running")
	return nil
}

func (c *Communicator) relink(ctx context.Context, st status.CommunicatorStatus, recreate bool) error {
	if c.output.IsConnected() {
		return nil
	}
	if st.Output != nil {
		c.output.LoadState(*st.Output)
	}
	if recreate {
		if err := c.output.Exec(ctx, c.cfg.NextArgs); err != nil {
			return fmt.Errorf("recreate next hop: %w", err)
		}
	}
	if err := c.output.Connect(ctx); err != nil {
		return fmt.Errorf("reconnect next hop: %w", err)
	}
	c.recordConnection()
	return nil
}

// Restore re-links to a running next hop from the persisted endpoint. With
// recreate the next hop is started again instead.
func (c *Communicator) Restore(ctx context.Context, recreate bool) error {
	if c.output == nil {
		return ErrNoOutput
	}
	st, err := c.reload()
	if err != nil {
		return err
	}
	if !st.NextInstalled {
		log.Info().Str("communicator", c.Name()).Msg("communicator.Restore next hop not installed")
		return ErrNotInstalled
	}
	if !st.NextStarted && !recreate {
		return ErrNextStopped
	}
	if err := c.relink(ctx, st, recreate); err != nil {
		return err
	}
	if err := c.commit(func(s *status.CommunicatorStatus) {
		c.saveOutputState()(s)
		s.Interupted = false
		s.NextStarted = true
	}); err != nil {
		return err
	}
	c.restored = true
	c.setPhase(PhaseConnected)
	c.moveState(state.StatusRunning)
	log.Info().Str("communicator", c.Name()).Bool("recreate", recreate).Msg("communicator.Restore restored")
	return nil
}

// Interupt drops the output link and saves the link state. The next hop
// keeps running and can be restored later.
func (c *Communicator) Interupt(ctx context.Context) error {
	if c.output != nil {
		if err := c.output.Disconnect(); err != nil {
			log.Warn().Err(err).Str("communicator", c.Name()).Msg("communicator.Interupt disconnect failed")
		}
	}
	// the output state is read after the disconnect, which may add a warning
	if err := c.commit(func(s *status.CommunicatorStatus) {
		s.Interupted = true
		if c.output != nil {
			c.saveOutputState()(s)
		}
	}); err != nil {
		return err
	}
	if _, ok := c.input.(*transport.StdInput); ok {
		// the parent owns our stdin; nothing can reconnect to it
		c.stopped.Store(true)
	}
	c.restored = false
	c.setPhase(PhaseInterrupted)
	c.moveState(state.StatusInterrupted)
	log.Info().Str("communicator", c.Name()).Msg("communicator.Interupt interrupted")
	return nil
}

// Stop asks the next hop to stop, marks the chain as not started and closes
// both links.
func (c *Communicator) Stop(ctx context.Context) error {
	_, err := c.shutdown(ctx, protocol.ActionStop)
	return err
}

// Delete stops like Stop, then removes the next hop's job directory and the
// status record.
func (c *Communicator) Delete(ctx context.Context) error {
	_, err := c.shutdown(ctx, protocol.ActionDelete)
	return err
}

// Send delivers one action of the root application. Stop and delete end
// the chain through Stop and Delete so a later run starts it again instead
// of resuming; other actions are long actions.
func (c *Communicator) Send(ctx context.Context, act protocol.Action) (protocol.Action, error) {
	switch act.Type {
	case protocol.ActionStop, protocol.ActionDelete:
		return c.shutdown(ctx, act.Type)
	default:
		return c.SendLongAction(ctx, act)
	}
}

// shutdown returns the answer of the next hop, or ok when the chain was
// torn down without one.
func (c *Communicator) shutdown(ctx context.Context, t protocol.ActionType) (protocol.Action, error) {
	c.moveState(state.StatusStopping)
	var answer *protocol.Action
	if c.output != nil && c.output.IsConnected() {
		ans, err := c.SendLongAction(ctx, protocol.NewAction(t))
		if err != nil {
			log.Warn().Err(err).Str("communicator", c.Name()).Stringer("action", t).Msg("communicator.shutdown next hop did not confirm")
		} else {
			answer = &ans
		}
	}
	err := c.finishStop(ctx, t, answer)
	c.Close()
	if t == protocol.ActionStop && c.output != nil {
		if cerr := c.commit(c.saveOutputState()); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	if answer == nil {
		return protocol.NewAction(protocol.ActionOK), err
	}
	return *answer, err
}

// finishStop commits the stopped state after the next hop answered (or
// not) a stop or delete action.
func (c *Communicator) finishStop(ctx context.Context, t protocol.ActionType, answer *protocol.Action) error {
	st := c.Status()
	if err := c.commit(func(s *status.CommunicatorStatus) { s.NextStarted = false }); err != nil {
		return err
	}
	if (answer == nil || answer.Type != protocol.ActionOK) && st.NextInstalled {
		c.TerminateConnections(ctx)
	}
	var err error
	if t == protocol.ActionDelete {
		err = c.purge(ctx)
		log.Info().Str("communicator", c.Name()).Msg("communicator.finishStop delete received")
	} else {
		log.Info().Str("communicator", c.Name()).Msg("communicator.finishStop stop received")
	}
	c.stopped.Store(true)
	c.setPhase(PhaseStopped)
	c.moveState(state.StatusStopped)
	return err
}

func (c *Communicator) purge(ctx context.Context) error {
	var errs []error
	if c.output != nil {
		if err := c.output.Purge(ctx); err != nil {
			errs = append(errs, fmt.Errorf("purge next hop: %w", err))
		}
	}
	if err := c.store.Delete(c.Name()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases both links without touching the next hop.
func (c *Communicator) Close() {
	if c.output != nil {
		if err := c.output.Disconnect(); err != nil {
			log.Debug().Err(err).Str("communicator", c.Name()).Msg("communicator.Close output")
		}
		if _, ssh := c.output.(*transport.SSHOutput); !ssh {
			c.deleteConnection()
		}
	}
	if c.input != nil {
		if err := c.input.Disconnect(); err != nil {
			log.Debug().Err(err).Str("communicator", c.Name()).Msg("communicator.Close input")
		}
	}
	log.Info().Str("communicator", c.Name()).Msg("communicator.Close links closed")
}

// HopStatus is the status surface view of this communicator.
func (c *Communicator) HopStatus() observability.HopStatus {
	st := c.Status()
	hs := observability.HopStatus{
		Name:        c.Name(),
		Phase:       string(c.Phase()),
		Installed:   st.NextInstalled,
		Started:     st.NextStarted,
		Interrupted: st.Interupted,
		State:       c.State().Status.String(),
	}
	if c.output != nil {
		hs.Mode = string(c.kind())
		hs.Connected = c.output.IsConnected()
		if ep := c.output.Endpoint(); ep.Valid() {
			hs.Endpoint = ep.Address("localhost")
		}
	}
	if st.Output != nil {
		hs.Warning = st.Output.Warning
	}
	return hs
}

// Set lists communicators for the status surface.
type Set []*Communicator

func (s Set) Hops() []observability.HopStatus {
	out := make([]observability.HopStatus, 0, len(s))
	for _, c := range s {
		out = append(out, c.HopStatus())
	}
	return out
}
