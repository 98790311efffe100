package communicator

import (
	"context"
	"os"

	"github.com/danmuck/jobrelay/internal/protocol"
	"github.com/danmuck/jobrelay/internal/state"
	"github.com/danmuck/jobrelay/internal/transport"
	"github.com/rs/zerolog/log"
)

// BeforeFunc sees an action before it is forwarded. It returns whether to
// forward it and, when not forwarding, the answer to send back.
type BeforeFunc func(ctx context.Context, act protocol.Action) (forward bool, answer *protocol.Action)

// AfterFunc sees the action and the answer of the next hop (nil when none
// came). A non-nil result replaces the answer.
type AfterFunc func(ctx context.Context, act protocol.Action, answer *protocol.Action) *protocol.Action

// IdleFunc runs when no action arrived. It must return quickly.
type IdleFunc func(ctx context.Context)

type Hooks struct {
	Before BeforeFunc
	After  AfterFunc
	Idle   IdleFunc
	// Destroy ends the process on a destroy action.
	Destroy func()
}

func (h Hooks) withDefaults(c *Communicator) Hooks {
	if h.Before == nil {
		h.Before = c.DefaultBefore
	}
	if h.After == nil {
		h.After = c.DefaultAfter
	}
	if h.Idle == nil {
		h.Idle = c.DefaultIdle
	}
	if h.Destroy == nil {
		h.Destroy = func() {
			log.Error().Str("communicator", c.Name()).Msg("communicator destroyed")
			os.Exit(6)
		}
	}
	return h
}

type outputKind string

const (
	kindLocal  outputKind = "exec"
	kindRemote outputKind = "ssh"
	kindBatch  outputKind = "pbs"
)

func (c *Communicator) kind() outputKind {
	switch c.output.(type) {
	case *transport.SSHOutput:
		return kindRemote
	case *transport.PBSOutput:
		return kindBatch
	default:
		return kindLocal
	}
}

type downloadPhase int

const (
	downloadReady downloadPhase = iota
	downloadProcessed
	downloadFinished
)

func reply(a protocol.Action) *protocol.Action {
	return &a
}

func (c *Communicator) isInstalled() bool {
	c.installMu.Lock()
	defer c.installMu.Unlock()
	return c.installed
}

// RequestInterupt drops the output link after the current answer is sent.
func (c *Communicator) RequestInterupt() {
	c.interrupt.Store(true)
}

// runInstall records the outcome of Install for later installation
// requests.
func (c *Communicator) runInstall(ctx context.Context) {
	err := c.Install(ctx)
	c.installMu.Lock()
	c.installed = true
	c.installErr = err
	c.installMu.Unlock()
}

// DefaultBefore handles the actions a hop answers itself.
func (c *Communicator) DefaultBefore(ctx context.Context, act protocol.Action) (bool, *protocol.Action) {
	switch act.Type {
	case protocol.ActionPing:
		return false, nil

	case protocol.ActionRedirectJobConn:
		if c.output == nil || c.kind() != kindLocal {
			log.Error().Str("communicator", c.Name()).Msg("communicator.DefaultBefore redirect_job_conn unsupported")
			return false, reply(protocol.ErrorAction("Output type does not support socket connection", protocol.SeverityFatal))
		}
		ep := c.output.Endpoint()
		ans, err := protocol.NewActionData(protocol.ActionJobConn, protocol.JobConnData{Host: ep.Host, Port: ep.Port})
		if err != nil {
			return false, reply(protocol.ErrorAction(err.Error(), protocol.SeverityError))
		}
		c.RequestInterupt()
		return false, &ans

	case protocol.ActionDestroy:
		c.hooks.Destroy()
		return false, reply(protocol.NewAction(protocol.ActionOK))

	case protocol.ActionRestoreConnection, protocol.ActionRestore:
		if c.restored {
			return true, nil
		}
		if err := c.Restore(ctx, act.Type == protocol.ActionRestore); err != nil {
			severity := protocol.SeverityFatal
			if c.Status().NextStarted {
				severity = protocol.SeverityError
			}
			return false, reply(protocol.ErrorAction(err.Error(), severity))
		}
		// one hop per request; the caller polls until the whole chain is back
		return false, reply(protocol.NewAction(protocol.ActionInProcess))

	case protocol.ActionInstallation:
		return c.beforeInstallation(ctx)

	case protocol.ActionGetState:
		if c.answersState() {
			return false, c.stateAnswer()
		}

	case protocol.ActionSetStartJobsCount:
		if c.answersState() {
			return false, c.startCountsAnswer(act)
		}

	case protocol.ActionAddJob:
		if c.jobs != nil {
			return false, c.jobs.add(ctx, act)
		}

	case protocol.ActionDownloadResults:
		if c.output != nil && c.kind() == kindRemote {
			c.downloadMu.Lock()
			processed := c.download == downloadProcessed
			c.downloadMu.Unlock()
			if processed {
				return false, nil
			}
		}
	}
	return true, nil
}

func (c *Communicator) beforeInstallation(ctx context.Context) (bool, *protocol.Action) {
	if c.output == nil {
		return false, reply(protocol.NewAction(protocol.ActionOK))
	}
	c.installMu.Lock()
	installed, begun, installErr := c.installed, c.installBegun, c.installErr
	c.installMu.Unlock()
	if installed && installErr != nil {
		return false, reply(protocol.ErrorAction(installErr.Error(), protocol.SeverityFatal))
	}
	if installed {
		return true, nil
	}
	if c.kind() == kindLocal {
		c.installMu.Lock()
		c.installBegun = true
		c.installMu.Unlock()
		log.Debug().Str("communicator", c.Name()).Msg("communicator.beforeInstallation local install")
		c.runInstall(ctx)
		c.installMu.Lock()
		installErr = c.installErr
		c.installMu.Unlock()
		if installErr != nil {
			return false, reply(protocol.ErrorAction(installErr.Error(), protocol.SeverityFatal))
		}
		return true, nil
	}
	if !begun {
		c.installMu.Lock()
		c.installBegun = true
		c.installMu.Unlock()
		log.Debug().Str("communicator", c.Name()).Msg("communicator.beforeInstallation remote install started")
		go c.runInstall(context.WithoutCancel(ctx))
	}
	data := protocol.InstallData{Phase: state.StatusInstallation}
	if c.kind() == kindBatch {
		data.Phase = state.StatusQueued
	}
	ans, err := protocol.NewActionData(protocol.ActionInstallInProcess, data)
	if err != nil {
		return false, reply(protocol.NewAction(protocol.ActionInstallInProcess))
	}
	return false, &ans
}

// DefaultAfter answers ping, interrupt, stop, delete and download. A hop
// with running jobs keeps answering stop as in process until they stopped.
func (c *Communicator) DefaultAfter(ctx context.Context, act protocol.Action, answer *protocol.Action) *protocol.Action {
	switch act.Type {
	case protocol.ActionPing:
		return reply(protocol.NewAction(protocol.ActionPingResponse))

	case protocol.ActionInteruptConnection:
		c.RequestInterupt()
		return reply(protocol.NewAction(protocol.ActionOK))

	case protocol.ActionStop, protocol.ActionDelete:
		c.moveState(state.StatusStopping)
		if c.jobs != nil && c.jobs.stopPending() {
			return reply(protocol.NewAction(protocol.ActionInProcess))
		}
		if answer != nil && answer.Type == protocol.ActionInProcess {
			return answer
		}
		if err := c.finishStop(ctx, act.Type, answer); err != nil {
			return reply(protocol.ErrorAction(err.Error(), protocol.SeverityError))
		}
		return reply(protocol.NewAction(protocol.ActionOK))

	case protocol.ActionDownloadResults:
		if answer != nil && answer.Type == protocol.ActionInProcess {
			return nil
		}
		if c.output == nil {
			if c.jobs != nil {
				c.jobs.markFinished()
			}
			if err := c.saveJobStates(); err != nil {
				return reply(protocol.ErrorAction(err.Error(), protocol.SeverityError))
			}
			return reply(protocol.NewAction(protocol.ActionOK))
		}
		return c.afterDownload(ctx)
	}
	return nil
}

func (c *Communicator) afterDownload(ctx context.Context) *protocol.Action {
	if c.kind() != kindRemote {
		if err := c.output.DownloadResults(ctx); err != nil {
			return reply(protocol.ErrorAction(err.Error(), protocol.SeverityError))
		}
		return reply(protocol.NewAction(protocol.ActionOK))
	}
	c.downloadMu.Lock()
	phase := c.download
	switch phase {
	case downloadReady:
		c.download = downloadProcessed
	case downloadFinished:
		c.download = downloadReady
	}
	c.downloadMu.Unlock()

	switch phase {
	case downloadReady:
		go c.runDownload(context.WithoutCancel(ctx))
		return reply(protocol.NewAction(protocol.ActionInProcess))
	case downloadProcessed:
		return reply(protocol.NewAction(protocol.ActionInProcess))
	default:
		return reply(protocol.NewAction(protocol.ActionOK))
	}
}

func (c *Communicator) runDownload(ctx context.Context) {
	log.Debug().Str("communicator", c.Name()).Msg("communicator.runDownload started")
	if err := c.output.DownloadResults(ctx); err != nil {
		log.Error().Err(err).Str("communicator", c.Name()).Msg("communicator.runDownload failed")
	}
	c.downloadMu.Lock()
	c.download = downloadFinished
	c.downloadMu.Unlock()
	log.Debug().Str("communicator", c.Name()).Msg("communicator.runDownload finished")
}

// DefaultIdle advances one job when this hop runs jobs and otherwise sleeps
// IdleInterval.
func (c *Communicator) DefaultIdle(ctx context.Context) {
	if c.jobs != nil && c.jobs.step(ctx) {
		return
	}
	_ = sleepCtx(ctx, c.cfg.IdleInterval)
}
