package service

import (
	"fmt"
	"time"

	"github.com/danmuck/jobrelay/internal/protocol/session"
)

// ChildStatus is the parent's view of one child node.
type ChildStatus string

const (
	ChildRunning      ChildStatus = "running"
	ChildStopping     ChildStatus = "stopping"
	ChildDisconnected ChildStatus = "disconnected"
)

// OnAnswer names the handler that receives the answer to a request, with
// extra data stored when the request was sent.
type OnAnswer struct {
	Action string
	Data   any
}

type pendingRequest struct {
	Request  map[string]any
	OnAnswer OnAnswer
}

// Answer is one answer matched to its request.
type Answer struct {
	ChildID  string
	ID       string
	Request  map[string]any
	Data     any
	Error    string
	Raw      map[string]any
	OnAnswer OnAnswer
}

// ChildProxy is the parent-side handle of one child node. Every request
// registers its correlation id before it is written.
type ChildProxy struct {
	ChildID string
	Addr    string
	Status  ChildStatus

	sender  string
	link    *Link
	pending *session.PendingCalls[pendingRequest]
}

func newChildProxy(childID, addr, sender string, link *Link) *ChildProxy {
	return &ChildProxy{
		ChildID: childID,
		Addr:    addr,
		Status:  ChildRunning,
		sender:  sender,
		link:    link,
		pending: session.NewPendingCalls[pendingRequest](),
	}
}

// Call sends action to the child, or to target below it, under
// correlation id.
func (p *ChildProxy) Call(id, target, action string, data any, onAnswer OnAnswer, deadline time.Time) error {
	req := map[string]any{"action": action}
	if data != nil {
		req["data"] = data
	}
	ok := p.pending.Add(session.PendingCall[pendingRequest]{
		ID:       id,
		Target:   p.ChildID,
		Action:   action,
		QueuedAt: time.Now(),
		Deadline: deadline,
		Value:    pendingRequest{Request: req, OnAnswer: onAnswer},
	})
	if !ok {
		return fmt.Errorf("%w: %q", ErrDuplicateCorrelation, id)
	}
	env := session.Envelope{ID: id, Sender: p.sender, Target: target, Data: req}
	if err := p.link.Send(env); err != nil {
		p.pending.Remove(id)
		return fmt.Errorf("call %s on %s: %w", action, p.ChildID, err)
	}
	return nil
}

// resolve retires the request env answers.
func (p *ChildProxy) resolve(env session.Envelope) (Answer, bool) {
	call, ok := p.pending.Resolve(env.ID)
	if !ok {
		return Answer{}, false
	}
	ans := p.answer(call)
	ans.Raw = env.Data
	ans.Data = env.Data["data"]
	if msg, ok := env.Data["error"].(string); ok {
		ans.Error = msg
	}
	return ans, true
}

func (p *ChildProxy) answer(call session.PendingCall[pendingRequest]) Answer {
	return Answer{
		ChildID:  p.ChildID,
		ID:       call.ID,
		Request:  call.Value.Request,
		OnAnswer: call.Value.OnAnswer,
	}
}

// retire turns calls dropped without an answer into error answers.
func (p *ChildProxy) retire(calls []session.PendingCall[pendingRequest], reason string) []Answer {
	out := make([]Answer, 0, len(calls))
	for _, call := range calls {
		ans := p.answer(call)
		ans.Error = reason
		out = append(out, ans)
	}
	return out
}

func (p *ChildProxy) Connected() bool {
	return !p.link.Closed()
}

// Pending is the number of requests still waiting for an answer.
func (p *ChildProxy) Pending() int {
	return p.pending.Len()
}
