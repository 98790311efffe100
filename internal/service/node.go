package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/jobrelay/internal/observability"
	"github.com/danmuck/jobrelay/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Input is what a handler receives. Answer is set for on-answer handlers.
type Input struct {
	Data   any
	Answer *Answer
}

// Handler serves one named action. Request handlers return the answer
// payload, usually {data: ...} or {error: ...}.
type Handler func(ctx context.Context, in Input) map[string]any

type routeKey struct {
	child  string
	id     string
	sender string
}

type Option func(*Node)

// WithChildIDs sets the sequence child ids are drawn from.
func WithChildIDs(seq Sequence) Option {
	return func(n *Node) { n.childIDs = seq }
}

// WithRequestIDs sets the sequence correlation ids are drawn from.
func WithRequestIDs(seq Sequence) Option {
	return func(n *Node) { n.requestIDs = seq }
}

// WithIdle sets work run once per loop iteration. It must return quickly.
func WithIdle(fn func(ctx context.Context)) Option {
	return func(n *Node) { n.idle = fn }
}

// Node is one uniform member of the service tree. It answers requests
// from its parents and sends requests to its children.
type Node struct {
	cfg        Config
	childIDs   Sequence
	requestIDs Sequence
	idle       func(ctx context.Context)
	handlers   map[string]Handler

	// loop-only
	children map[string]*ChildProxy
	routes   map[routeKey]*Link
	closing  bool

	requests chan inbound
	answers  chan inbound

	mu      sync.Mutex
	ln      net.Listener
	parents map[*Link]struct{}

	hops      atomic.Pointer[[]observability.HopStatus]
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(cfg Config, opts ...Option) (*Node, error) {
	cfg = cfg.WithDefaults()
	if strings.ContainsAny(cfg.ID, "/ \t\n") {
		return nil, fmt.Errorf("%w: node id %q", ErrInvalidConfig, cfg.ID)
	}
	n := &Node{
		cfg:        cfg,
		childIDs:   NewCounterSequence(""),
		requestIDs: UUIDSequence{},
		handlers:   make(map[string]Handler),
		children:   make(map[string]*ChildProxy),
		routes:     make(map[routeKey]*Link),
		requests:   make(chan inbound, 256),
		answers:    make(chan inbound, 256),
		parents:    make(map[*Link]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.registerBuiltins()
	observability.RegisterMetrics()
	return n, nil
}

func (n *Node) ID() string {
	return n.cfg.ID
}

// Handle registers h under name, replacing any earlier handler. Request
// handlers are named request_<action>, answer handlers are free-form.
// Call it before Run.
func (n *Node) Handle(name string, h Handler) {
	n.handlers[name] = h
}

// CallAction runs the handler registered as name.
func (n *Node) CallAction(ctx context.Context, name string, in Input) map[string]any {
	h, ok := n.handlers[name]
	if !ok {
		return map[string]any{"error": "Invalid action: " + name}
	}
	return h(ctx, in)
}

// Listen binds ListenAddr and accepts parent links in the background.
func (n *Node) Listen() (net.Addr, error) {
	if n.cfg.ListenAddr == "" {
		return nil, ErrNotListening
	}
	ln, err := net.Listen("tcp", n.cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.ln = ln
	n.mu.Unlock()
	n.wg.Add(1)
	go n.acceptLoop(ln)
	log.Info().Str("node", n.cfg.ID).Str("addr", ln.Addr().String()).Msg("service.Node.Listen listening")
	return ln.Addr(), nil
}

func (n *Node) acceptLoop(ln net.Listener) {
	defer n.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Str("node", n.cfg.ID).Msg("service.Node.acceptLoop stopped")
			}
			return
		}
		l := newLink("parent:"+conn.RemoteAddr().String(), conn, n.requests, n.cfg.Session.WriteTimeout)
		n.mu.Lock()
		n.parents[l] = struct{}{}
		n.mu.Unlock()
		log.Info().Str("node", n.cfg.ID).Str("remote", conn.RemoteAddr().String()).Msg("service.Node.acceptLoop parent connected")
		go func() {
			<-l.Done()
			n.mu.Lock()
			delete(n.parents, l)
			n.mu.Unlock()
		}()
	}
}

// StartChild connects to a node listening at addr and returns its new
// child id. Loop-only.
func (n *Node) StartChild(ctx context.Context, addr string) (string, error) {
	id := n.childIDs.Next()
	if _, exists := n.children[id]; exists {
		return "", fmt.Errorf("%w: child id %q", ErrDuplicateCorrelation, id)
	}
	l, err := dialLink(ctx, id, addr, n.answers, n.cfg.Session)
	if err != nil {
		return "", fmt.Errorf("start child at %s: %w", addr, err)
	}
	n.children[id] = newChildProxy(id, addr, n.cfg.ID, l)
	log.Info().Str("node", n.cfg.ID).Str("child", id).Str("addr", addr).Msg("service.Node.StartChild connected")
	n.publish()
	return id, nil
}

// Call sends action to a direct child and returns the correlation id.
// Loop-only.
func (n *Node) Call(childID, action string, data any, onAnswer OnAnswer) (string, error) {
	return n.CallPath([]string{childID}, action, data, onAnswer)
}

// CallPath sends action to the node reached through path, a list of child
// ids starting with a direct child of n. Loop-only.
func (n *Node) CallPath(path []string, action string, data any, onAnswer OnAnswer) (string, error) {
	if len(path) == 0 {
		return "", fmt.Errorf("%w: empty path", ErrUnknownChild)
	}
	p, ok := n.children[path[0]]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownChild, path[0])
	}
	if !p.Connected() {
		return "", fmt.Errorf("%w: %q", ErrChildNotConnected, path[0])
	}
	id := n.requestIDs.Next()
	deadline := time.Now().Add(n.cfg.Session.AnswerTimeout)
	if err := p.Call(id, strings.Join(path[1:], "/"), action, data, onAnswer, deadline); err != nil {
		return "", err
	}
	observability.RecordNodeCall(n.cfg.ID, action, "sent")
	return id, nil
}

// StopChild asks the child to stop. The proxy is removed once the child
// acknowledges. Loop-only.
func (n *Node) StopChild(childID string) error {
	p, ok := n.children[childID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChild, childID)
	}
	if _, err := n.Call(childID, "stop", nil, OnAnswer{Action: "on_answer_stop_child", Data: childID}); err != nil {
		return err
	}
	p.Status = ChildStopping
	n.publish()
	return nil
}

// Child returns the proxy of childID. Loop-only.
func (n *Node) Child(childID string) (*ChildProxy, bool) {
	p, ok := n.children[childID]
	return p, ok
}

// Children lists child ids in order. Loop-only.
func (n *Node) Children() []string {
	out := make([]string, 0, len(n.children))
	for id := range n.children {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Closing reports whether a stop request was served.
func (n *Node) Closing() bool {
	return n.closing
}

// Step runs one loop iteration: answers, requests, expired calls, link
// checks and idle work.
func (n *Node) Step(ctx context.Context) {
	n.processAnswers(ctx)
	n.processRequests(ctx)
	n.expire(ctx, time.Now())
	n.checkChildren()
	if n.idle != nil {
		n.idle(ctx)
	}
	n.publish()
}

// Run steps the node until a stop request is served or ctx ends, then
// closes every link.
func (n *Node) Run(ctx context.Context) error {
	defer n.Close()
	t := time.NewTicker(n.cfg.Tick)
	defer t.Stop()
	log.Info().Str("node", n.cfg.ID).Msg("service.Node.Run started")
	for {
		n.Step(ctx)
		if n.closing {
			log.Info().Str("node", n.cfg.ID).Msg("service.Node.Run stopped")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (n *Node) processAnswers(ctx context.Context) {
	for i := 0; i < n.cfg.MaxDrain; i++ {
		select {
		case in := <-n.answers:
			n.handleAnswer(ctx, in)
		default:
			return
		}
	}
}

func (n *Node) handleAnswer(ctx context.Context, in inbound) {
	env := in.env
	p, ok := n.children[in.link.name]
	if !ok || p.link != in.link {
		observability.RecordDiscarded(n.cfg.ID, "stale_child")
		log.Debug().Str("node", n.cfg.ID).Str("id", env.ID).Msg("service.Node.handleAnswer answer from removed child")
		return
	}
	if env.Target != n.cfg.ID {
		n.forwardAnswer(p.ChildID, env)
		return
	}
	ans, ok := p.resolve(env)
	if !ok {
		observability.RecordDiscarded(n.cfg.ID, "unknown_correlation")
		log.Warn().Str("node", n.cfg.ID).Str("child", p.ChildID).Str("id", env.ID).Msg("service.Node.handleAnswer unknown correlation id")
		return
	}
	n.dispatchAnswer(ctx, ans)
}

func (n *Node) dispatchAnswer(ctx context.Context, ans Answer) {
	action, _ := ans.Request["action"].(string)
	outcome := "ok"
	if ans.Error != "" {
		outcome = "error"
		log.Warn().Str("node", n.cfg.ID).Str("child", ans.ChildID).Str("action", action).Str("error", ans.Error).
			Msg("service.Node.dispatchAnswer error answer")
	}
	observability.RecordNodeCall(n.cfg.ID, action, outcome)
	if ans.OnAnswer.Action == "" {
		return
	}
	res := n.CallAction(ctx, ans.OnAnswer.Action, Input{Data: ans.OnAnswer.Data, Answer: &ans})
	if msg, ok := res["error"]; ok {
		log.Error().Str("node", n.cfg.ID).Str("on_answer", ans.OnAnswer.Action).Interface("error", msg).
			Msg("service.Node.dispatchAnswer on-answer failed")
	}
}

func (n *Node) forwardAnswer(childID string, env session.Envelope) {
	key := routeKey{child: childID, id: env.ID, sender: env.Target}
	parent, ok := n.routes[key]
	if !ok {
		observability.RecordDiscarded(n.cfg.ID, "unknown_route")
		log.Warn().Str("node", n.cfg.ID).Str("target", env.Target).Str("id", env.ID).Msg("service.Node.forwardAnswer no route")
		return
	}
	delete(n.routes, key)
	if err := parent.Send(env); err != nil {
		log.Warn().Err(err).Str("node", n.cfg.ID).Str("target", env.Target).Msg("service.Node.forwardAnswer send failed")
	}
}

func (n *Node) processRequests(ctx context.Context) {
	for i := 0; i < n.cfg.MaxDrain; i++ {
		select {
		case in := <-n.requests:
			n.handleRequest(ctx, in)
		default:
			return
		}
	}
}

func (n *Node) handleRequest(ctx context.Context, in inbound) {
	env := in.env
	if env.Target != "" {
		n.forwardRequest(in)
		return
	}
	action := env.Str("action")
	answer := n.CallAction(ctx, "request_"+action, Input{Data: env.Data["data"]})
	if answer == nil {
		answer = answerOK()
	}
	outcome := "ok"
	if _, failed := answer["error"]; failed {
		outcome = "error"
	}
	observability.RecordNodeCall(n.cfg.ID, action, outcome)
	n.reply(in.link, env, answer)
}

func (n *Node) reply(l *Link, req session.Envelope, data map[string]any) {
	env := session.Envelope{ID: req.ID, Sender: n.cfg.ID, Target: req.Sender, Data: data}
	if err := l.Send(env); err != nil {
		log.Warn().Err(err).Str("node", n.cfg.ID).Str("target", req.Sender).Msg("service.Node.reply send failed")
	}
}

func (n *Node) forwardRequest(in inbound) {
	env := in.env
	first, rest, _ := strings.Cut(env.Target, "/")
	p, ok := n.children[first]
	if !ok {
		n.reply(in.link, env, map[string]any{"error": "Unknown recipient", "recipient": n.cfg.ID + "/" + first})
		return
	}
	if !p.Connected() {
		n.reply(in.link, env, map[string]any{"error": "Recipient not connected", "recipient": n.cfg.ID + "/" + first})
		return
	}
	key := routeKey{child: first, id: env.ID, sender: env.Sender}
	n.routes[key] = in.link
	fwd := env
	fwd.Target = rest
	if err := p.link.Send(fwd); err != nil {
		delete(n.routes, key)
		n.reply(in.link, env, map[string]any{"error": "Exception", "exception": err.Error()})
	}
}

// expire retires calls past their deadline as timeout answers.
func (n *Node) expire(ctx context.Context, now time.Time) {
	for _, id := range n.Children() {
		p := n.children[id]
		if p == nil {
			continue
		}
		for _, ans := range p.retire(p.pending.Expire(now), "timeout") {
			n.dispatchAnswer(ctx, ans)
		}
	}
}

func (n *Node) checkChildren() {
	for _, p := range n.children {
		if p.Status != ChildDisconnected && !p.Connected() {
			p.Status = ChildDisconnected
			log.Warn().Str("node", n.cfg.ID).Str("child", p.ChildID).Msg("service.Node.checkChildren child link lost")
		}
	}
}

// removeChild drops a child, retiring its pending calls and routes.
func (n *Node) removeChild(ctx context.Context, childID, reason string) {
	p, ok := n.children[childID]
	if !ok {
		return
	}
	delete(n.children, childID)
	_ = p.link.Close()
	for key, parent := range n.routes {
		if key.child != childID {
			continue
		}
		delete(n.routes, key)
		n.reply(parent, session.Envelope{ID: key.id, Sender: key.sender}, map[string]any{"error": "Recipient not connected", "recipient": n.cfg.ID + "/" + childID})
	}
	for _, ans := range p.retire(p.pending.Drain(), reason) {
		n.dispatchAnswer(ctx, ans)
	}
	log.Info().Str("node", n.cfg.ID).Str("child", childID).Str("reason", reason).Msg("service.Node.removeChild removed")
	n.publish()
}

// Close stops listening and closes every link. Pending calls are retired.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		if n.ln != nil {
			_ = n.ln.Close()
		}
		parents := make([]*Link, 0, len(n.parents))
		for l := range n.parents {
			parents = append(parents, l)
		}
		n.mu.Unlock()
		for _, l := range parents {
			_ = l.Close()
		}
		for _, id := range n.Children() {
			n.removeChild(context.Background(), id, "node closed")
		}
		n.wg.Wait()
		log.Info().Str("node", n.cfg.ID).Msg("service.Node.Close closed")
	})
}

func (n *Node) publish() {
	hops := make([]observability.HopStatus, 0, len(n.children))
	for _, id := range n.Children() {
		p := n.children[id]
		hops = append(hops, observability.HopStatus{
			Name:      p.ChildID,
			Phase:     string(p.Status),
			Mode:      "service",
			Installed: true,
			Started:   p.Status != ChildDisconnected,
			Connected: p.Connected(),
			Endpoint:  p.Addr,
		})
	}
	n.hops.Store(&hops)
}

// Hops is the status surface view of the children. Safe from any
// goroutine.
func (n *Node) Hops() []observability.HopStatus {
	if p := n.hops.Load(); p != nil {
		return *p
	}
	return nil
}
