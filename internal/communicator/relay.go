package communicator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/jobrelay/internal/observability"
	"github.com/danmuck/jobrelay/internal/protocol"
	"github.com/danmuck/jobrelay/internal/protocol/session"
	"github.com/danmuck/jobrelay/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// SendAction sends act to the next hop and waits for one answer.
func (c *Communicator) SendAction(ctx context.Context, act protocol.Action) (protocol.Action, error) {
	return c.exchange(ctx, c.output, act, c.cfg.Session.AnswerTimeout)
}

// exchange sends act over out, the hop output or a job output, and waits
// for one answer.
func (c *Communicator) exchange(ctx context.Context, out transport.OutputComm, act protocol.Action, timeout time.Duration) (protocol.Action, error) {
	if out == nil {
		return protocol.Action{}, ErrNoOutput
	}
	msg, err := act.Message()
	if err != nil {
		return protocol.Action{}, err
	}
	if err := out.Send(msg); err != nil {
		return protocol.Action{}, err
	}
	log.Debug().Str("communicator", c.Name()).Stringer("action", act.Type).Msg("communicator.exchange sent")
	return c.receiveAction(ctx, out, timeout)
}

// SendLongAction repeats act until the next hop answers something other
// than an in-process marker, pacing the polls. An error answer is returned
// together with its *protocol.RemoteError.
func (c *Communicator) SendLongAction(ctx context.Context, act protocol.Action) (protocol.Action, error) {
	deadline := time.Now().Add(c.cfg.LongActionTimeout)
	lim := rate.NewLimiter(rate.Every(c.cfg.PollInterval), 1)
	lim.Allow()
	for polls := 1; ; polls++ {
		answer, err := c.exchange(ctx, c.output, act, c.cfg.LongActionAnswerTimeout)
		if err != nil {
			return protocol.Action{}, err
		}
		if !answer.Type.InProcess() {
			return answer, answer.Err()
		}
		observability.RecordLongActionPoll(c.Name(), act.Type.String())
		if !time.Now().Before(deadline) {
			return protocol.Action{}, fmt.Errorf("%w: %s after %s", ErrLongActionTimeout, act.Type, c.cfg.LongActionTimeout)
		}
		if polls == c.cfg.SlowPollAfter {
			lim.SetLimit(rate.Every(c.cfg.SlowPollInterval))
		}
		if err := c.wait(ctx, lim); err != nil {
			return protocol.Action{}, err
		}
	}
}

// receiveAction waits for the next valid action from the next hop. Empty
// reads are retried with backoff; after MaxEmptyReads of them the output is
// reconnected.
func (c *Communicator) receiveAction(ctx context.Context, out transport.OutputComm, timeout time.Duration) (protocol.Action, error) {
	deadline := time.Now().Add(timeout)
	empty := 0
	backoff := session.NewBackoff(c.cfg.Session.Backoff, c.rng)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return protocol.Action{}, transport.ErrTimeout
		}
		msg, err := out.Receive(remaining)
		switch {
		case err == nil:
			act, aerr := msg.Action()
			if aerr != nil {
				log.Warn().Err(aerr).Str("communicator", c.Name()).Msg("communicator.receiveAction discarded answer")
				continue
			}
			log.Debug().Str("communicator", c.Name()).Stringer("action", act.Type).Msg("communicator.receiveAction answer")
			return act, nil
		case errors.Is(err, transport.ErrEmptyRead):
			empty++
			if empty >= c.cfg.Session.MaxEmptyReads {
				observability.RecordReconnect(c.Name())
				log.Warn().Str("communicator", c.Name()).Int("empty_reads", empty).Msg("communicator.receiveAction forcing reconnect")
				_ = out.Disconnect()
				if cerr := out.Connect(ctx); cerr != nil {
					return protocol.Action{}, fmt.Errorf("reconnect next hop: %w", cerr)
				}
				if out == c.output {
					c.recordConnection()
				}
				empty = 0
				backoff.Reset()
				continue
			}
			if err := backoff.Wait(ctx); err != nil {
				return protocol.Action{}, err
			}
		case protocol.IsProtocolError(err):
			log.Warn().Err(err).Str("communicator", c.Name()).Msg("communicator.receiveAction discarded line")
		default:
			return protocol.Action{}, err
		}
	}
}

// Run relays actions from the input link until a stop or delete action is
// processed or ctx ends. Each received action passes the before hook, is
// forwarded when the hook says so, passes the after hook and is answered.
func (c *Communicator) Run(ctx context.Context) error {
	if c.input == nil {
		return ErrNoInput
	}
	c.stopped.Store(false)
	log.Info().Str("communicator", c.Name()).Msg("communicator.Run started")
	for !c.stopped.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := c.input.Receive(c.cfg.Session.ReceiveTimeout)
		switch {
		case err == nil:
			c.handle(ctx, msg)
		case errors.Is(err, transport.ErrTimeout):
			if c.output == nil || c.isInstalled() {
				c.hooks.Idle(ctx)
			}
		case errors.Is(err, transport.ErrEmptyRead):
			if _, ok := c.input.(*transport.StdInput); ok {
				log.Info().Str("communicator", c.Name()).Msg("communicator.Run input closed")
				c.stopped.Store(true)
				break
			}
			// a restoring parent reconnects to the same listener
			_ = sleepCtx(ctx, c.cfg.IdleInterval)
		case protocol.IsProtocolError(err):
			log.Warn().Err(err).Str("communicator", c.Name()).Msg("communicator.Run discarded input")
		default:
			log.Warn().Err(err).Str("communicator", c.Name()).Msg("communicator.Run receive failed")
			_ = sleepCtx(ctx, c.cfg.IdleInterval)
		}
		if c.interrupt.CompareAndSwap(true, false) {
			if err := c.Interupt(ctx); err != nil {
				log.Error().Err(err).Str("communicator", c.Name()).Msg("communicator.Run interrupt failed")
			}
		}
	}
	log.Info().Str("communicator", c.Name()).Msg("communicator.Run stopped")
	return nil
}

func (c *Communicator) handle(ctx context.Context, msg protocol.Message) {
	act, err := msg.Action()
	if err != nil {
		log.Warn().Err(err).Str("communicator", c.Name()).Msg("communicator.handle discarded input")
		return
	}
	log.Debug().Str("communicator", c.Name()).Stringer("action", act.Type).Msg("communicator.handle received")

	forward, answer := c.hooks.Before(ctx, act)
	if forward && c.output != nil {
		ans, err := c.SendAction(ctx, act)
		if err != nil {
			log.Warn().Err(err).Str("communicator", c.Name()).Stringer("action", act.Type).Msg("communicator.handle forward failed")
			answer = nil
		} else {
			answer = &ans
		}
	}
	if after := c.hooks.After(ctx, act, answer); after != nil {
		answer = after
	}
	failed := answer == nil
	if failed {
		e := protocol.ErrorAction("Unsupported action: "+act.Type.String(), protocol.SeverityError)
		if forward && c.output != nil {
			e = protocol.ErrorAction("timeout", protocol.SeverityNone)
		}
		answer = &e
	}
	out, err := answer.Message()
	if err != nil {
		log.Error().Err(err).Str("communicator", c.Name()).Msg("communicator.handle encode answer failed")
		return
	}
	if err := c.input.Send(out); err != nil {
		log.Warn().Err(err).Str("communicator", c.Name()).Msg("communicator.handle reply failed")
		return
	}
	if failed {
		log.Error().Str("communicator", c.Name()).Stringer("action", act.Type).Msg("communicator.handle error answer sent")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
