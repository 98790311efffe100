package communicator

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/jobrelay/internal/install"
	"github.com/danmuck/jobrelay/internal/protocol"
	"github.com/danmuck/jobrelay/internal/status"
	"github.com/danmuck/jobrelay/internal/testutil/testlog"
	"github.com/danmuck/jobrelay/internal/transport"
	"golang.org/x/time/rate"
)

type fakeOutput struct {
	mu         sync.Mutex
	inst       install.Installation
	installs   int
	execs      int
	connects   int
	kills      int
	purges     int
	sent       []protocol.ActionType
	connected  bool
	endpoint   protocol.Endpoint
	emptyReads int
	respond    func(protocol.Action) protocol.Action
	answers    chan protocol.Message
	args       []string
	installErr error

	// warnOnDisconnect is reported by SaveState once the link dropped
	warnOnDisconnect string
	warning          string
}

func newFakeOutput(t *testing.T) *fakeOutput {
	t.Helper()
	inst, err := install.Compute(install.Config{TargetRoot: t.TempDir()}, "mj_1", false)
	if err != nil {
		t.Fatalf("compute installation: %v", err)
	}
	return &fakeOutput{
		inst:    inst,
		answers: make(chan protocol.Message, 16),
		respond: func(protocol.Action) protocol.Action { return protocol.NewAction(protocol.ActionOK) },
	}
}

func (f *fakeOutput) Install(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs++
	return f.installErr
}

func (f *fakeOutput) Exec(_ context.Context, args []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs++
	f.args = append([]string(nil), args...)
	f.endpoint = protocol.Endpoint{Host: "127.0.0.1", Port: 40000 + f.execs}
	return nil
}

func (f *fakeOutput) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.connected = true
	return nil
}

func (f *fakeOutput) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	if f.warnOnDisconnect != "" {
		f.warning = f.warnOnDisconnect
	}
	return nil
}

func (f *fakeOutput) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeOutput) Send(msg protocol.Message) error {
	act, err := msg.Action()
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, act.Type)
	respond := f.respond
	f.mu.Unlock()
	ans, err := respond(act).Message()
	if err != nil {
		return err
	}
	f.answers <- ans
	return nil
}

func (f *fakeOutput) Receive(timeout time.Duration) (protocol.Message, error) {
	f.mu.Lock()
	if f.emptyReads > 0 {
		f.emptyReads--
		f.mu.Unlock()
		return protocol.Message{}, transport.ErrEmptyRead
	}
	f.mu.Unlock()
	select {
	case m := <-f.answers:
		return m, nil
	case <-time.After(timeout):
		return protocol.Message{}, transport.ErrTimeout
	}
}

func (f *fakeOutput) Endpoint() protocol.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endpoint
}

func (f *fakeOutput) SaveState() status.OutputState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return status.OutputState{Host: f.endpoint.Host, Port: f.endpoint.Port, Initialized: f.execs > 0, Warning: f.warning}
}

func (f *fakeOutput) LoadState(st status.OutputState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoint = protocol.Endpoint{Host: st.Host, Port: st.Port}
}

func (f *fakeOutput) IsRunningNext(context.Context) bool { return true }

func (f *fakeOutput) KillNext(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	return nil
}

func (f *fakeOutput) DownloadResults(context.Context) error { return nil }

func (f *fakeOutput) Purge(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purges++
	return nil
}

func (f *fakeOutput) Installation() install.Installation { return f.inst }

func (f *fakeOutput) counts() (installs, execs, connects, kills int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installs, f.execs, f.connects, f.kills
}

type fakeInput struct {
	in  chan protocol.Message
	out chan protocol.Message
}

func newFakeInput() *fakeInput {
	return &fakeInput{in: make(chan protocol.Message, 16), out: make(chan protocol.Message, 16)}
}

func (f *fakeInput) Connect(context.Context) error { return nil }
func (f *fakeInput) Disconnect() error             { return nil }
func (f *fakeInput) IsConnected() bool             { return true }

func (f *fakeInput) Send(msg protocol.Message) error {
	f.out <- msg
	return nil
}

func (f *fakeInput) Receive(timeout time.Duration) (protocol.Message, error) {
	select {
	case m := <-f.in:
		return m, nil
	case <-time.After(timeout):
		return protocol.Message{}, transport.ErrTimeout
	}
}

func (f *fakeInput) push(t *testing.T, act protocol.Action) {
	t.Helper()
	msg, err := act.Message()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.in <- msg
}

func (f *fakeInput) answer(t *testing.T) protocol.Action {
	t.Helper()
	select {
	case m := <-f.out:
		act, err := m.Action()
		if err != nil {
			t.Fatalf("decode answer: %v", err)
		}
		return act
	case <-time.After(5 * time.Second):
		t.Fatalf("no answer")
	}
	return protocol.Action{}
}

func (f *fakeOutput) sentTypes() []protocol.ActionType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ActionType(nil), f.sent...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Name = "hop"
	cfg.ID = "7"
	cfg.Session.ReceiveTimeout = 10 * time.Millisecond
	cfg.Session.AnswerTimeout = time.Second
	cfg.IdleInterval = time.Millisecond
	cfg.DestroyTimeout = 500 * time.Millisecond
	return cfg
}

func TestInstallIsIdempotent(t *testing.T) {
	testlog.Start(t)
	out := newFakeOutput(t)
	c, err := New(testConfig(), nil, out, Hooks{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := c.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := c.Install(ctx); err != nil {
		t.Fatalf("second install: %v", err)
	}
	installs, execs, connects, _ := out.counts()
	if installs != 1 || execs != 1 || connects != 1 {
		t.Fatalf("side effects repeated: installs=%d execs=%d connects=%d", installs, execs, connects)
	}
	if c.Phase() != PhaseConnected {
		t.Fatalf("phase=%s", c.Phase())
	}
	persisted, err := status.NewStore(out.inst.StatusDir()).Load("hop_7")
	if err != nil {
		t.Fatalf("load status: %v", err)
	}
	if !persisted.NextInstalled || !persisted.NextStarted || persisted.Output == nil || persisted.Output.Port != 40001 {
		t.Fatalf("unexpected persisted status %+v", persisted)
	}
	raw, err := os.ReadFile(c.ConnectionPath())
	if err != nil {
		t.Fatalf("connection record: %v", err)
	}
	if ep, ok := protocol.ParseHandshake(string(raw)); !ok || ep.Port != 40001 {
		t.Fatalf("unexpected connection record %q", raw)
	}
}

func TestInstallResumesAfterCrashBetweenInstallAndStart(t *testing.T) {
	testlog.Start(t)
	out := newFakeOutput(t)
	store := status.NewStore(out.inst.StatusDir())
	if err := store.Save("hop_7", status.CommunicatorStatus{NextInstalled: true}); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	// a hop from the crashed run is still listening
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	destroyed := make(chan protocol.ActionType, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err := protocol.ReadLine(bufio.NewReader(conn))
		if err != nil {
			return
		}
		if msg, err := protocol.ParseMessage(line); err == nil {
			destroyed <- msg.Type
		}
	}()
	stale := protocol.Endpoint{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	f, err := os.Create(out.inst.StatusDir() + "/conn_old")
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	if err := protocol.WriteHandshake(f, stale); err != nil {
		t.Fatalf("write record: %v", err)
	}
	f.Close()

	c, err := New(testConfig(), nil, out, Hooks{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	installs, execs, connects, kills := out.counts()
	if installs != 0 {
		t.Fatalf("installation repeated after crash: %d", installs)
	}
	if execs != 1 || connects != 1 || kills != 1 {
		t.Fatalf("unexpected execs=%d connects=%d kills=%d", execs, connects, kills)
	}
	select {
	case typ := <-destroyed:
		if typ != protocol.ActionDestroy {
			t.Fatalf("stale hop got %s", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stale hop was not destroyed")
	}
	if _, err := os.Stat(out.inst.StatusDir() + "/conn_old"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale record left behind: %v", err)
	}
	if !c.Status().NextStarted {
		t.Fatalf("start not recorded")
	}
}

func TestSendLongActionPollsUntilTerminal(t *testing.T) {
	testlog.Start(t)
	out := newFakeOutput(t)
	polls := 0
	out.respond = func(act protocol.Action) protocol.Action {
		polls++
		if polls <= 3 {
			return protocol.NewAction(protocol.ActionInstallInProcess)
		}
		return protocol.NewAction(protocol.ActionOK)
	}
	c, err := New(testConfig(), nil, out, Hooks{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	waits := 0
	c.wait = func(context.Context, *rate.Limiter) error {
		waits++
		return nil
	}
	answer, err := c.SendLongAction(context.Background(), protocol.NewAction(protocol.ActionInstallation))
	if err != nil {
		t.Fatalf("long action: %v", err)
	}
	if answer.Type != protocol.ActionOK {
		t.Fatalf("terminal answer=%s", answer.Type)
	}
	if polls != 4 || waits != 3 {
		t.Fatalf("polls=%d waits=%d", polls, waits)
	}
	if len(out.answers) != 0 {
		t.Fatalf("extra answers left: %d", len(out.answers))
	}
}

func TestSendLongActionReturnsRemoteError(t *testing.T) {
	testlog.Start(t)
	out := newFakeOutput(t)
	out.respond = func(protocol.Action) protocol.Action {
		return protocol.ErrorAction("qsub failed", protocol.SeverityFatal)
	}
	c, err := New(testConfig(), nil, out, Hooks{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	answer, err := c.SendLongAction(context.Background(), protocol.NewAction(protocol.ActionDownloadResults))
	var remote *protocol.RemoteError
	if !errors.As(err, &remote) || remote.Msg != "qsub failed" {
		t.Fatalf("expected remote error, got %v", err)
	}
	if answer.Type != protocol.ActionError {
		t.Fatalf("answer=%s", answer.Type)
	}
}

func TestReceiveReconnectsAfterEmptyReads(t *testing.T) {
	testlog.Start(t)
	out := newFakeOutput(t)
	cfg := testConfig()
	cfg.Session.MaxEmptyReads = 2
	cfg.Session.Backoff.InitialDelay = time.Millisecond
	cfg.Session.Backoff.MaxDelay = time.Millisecond
	c, err := New(cfg, nil, out, Hooks{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out.emptyReads = 2
	answer, err := c.SendAction(context.Background(), protocol.NewAction(protocol.ActionGetState))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if answer.Type != protocol.ActionOK {
		t.Fatalf("answer=%s", answer.Type)
	}
	if _, _, connects, _ := out.counts(); connects != 1 {
		t.Fatalf("expected one forced reconnect, got %d", connects)
	}
}

func TestInteruptAndRestore(t *testing.T) {
	testlog.Start(t)
	out := newFakeOutput(t)
	c, err := New(testConfig(), nil, out, Hooks{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := c.Restore(ctx, false); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
	if err := c.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := c.Interupt(ctx); err != nil {
		t.Fatalf("interupt: %v", err)
	}
	if out.IsConnected() || !c.Status().Interupted || c.Phase() != PhaseInterrupted {
		t.Fatalf("interrupt not applied: connected=%v status=%+v", out.IsConnected(), c.Status())
	}

	// a fresh process restores from disk alone
	restoredOut := newFakeOutput(t)
	restoredOut.inst = out.inst
	c2, err := New(testConfig(), nil, restoredOut, Hooks{})
	if err != nil {
		t.Fatalf("new restored: %v", err)
	}
	if c2.Phase() != PhaseInterrupted {
		t.Fatalf("restored phase=%s", c2.Phase())
	}
	if err := c2.Restore(ctx, false); err != nil {
		t.Fatalf("restore: %v", err)
	}
	_, execs, connects, _ := restoredOut.counts()
	if execs != 0 || connects != 1 {
		t.Fatalf("restore resubmitted: execs=%d connects=%d", execs, connects)
	}
	if ep := restoredOut.Endpoint(); ep.Port != 40001 {
		t.Fatalf("endpoint not loaded from status: %+v", ep)
	}
	if c2.Status().Interupted {
		t.Fatalf("interrupted flag not cleared")
	}
}

func TestStopMarksChainStopped(t *testing.T) {
	testlog.Start(t)
	out := newFakeOutput(t)
	c, err := New(testConfig(), nil, out, Hooks{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := c.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if c.Status().NextStarted || c.Phase() != PhaseStopped {
		t.Fatalf("stop not recorded: %+v phase=%s", c.Status(), c.Phase())
	}
	if err := c.Restore(ctx, false); !errors.Is(err, ErrNextStopped) {
		t.Fatalf("expected ErrNextStopped, got %v", err)
	}
	if _, err := os.Stat(c.ConnectionPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("connection record kept after stop")
	}
}

func TestRunRelaysActions(t *testing.T) {
	testlog.Start(t)
	out := newFakeOutput(t)
	out.respond = func(act protocol.Action) protocol.Action {
		if act.Type == protocol.ActionGetState {
			return protocol.NewAction(protocol.ActionState)
		}
		return protocol.NewAction(protocol.ActionOK)
	}
	in := newFakeInput()
	c, err := New(testConfig(), in, out, Hooks{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	in.push(t, protocol.NewAction(protocol.ActionPing))
	if a := in.answer(t); a.Type != protocol.ActionPingResponse {
		t.Fatalf("ping answered with %s", a.Type)
	}
	in.push(t, protocol.NewAction(protocol.ActionGetState))
	if a := in.answer(t); a.Type != protocol.ActionState {
		t.Fatalf("get_state answered with %s", a.Type)
	}
	in.in <- protocol.Message{Type: protocol.ActionOK, JSON: []byte("not json")}
	in.push(t, protocol.NewAction(protocol.ActionStop))
	if a := in.answer(t); a.Type != protocol.ActionOK {
		t.Fatalf("stop answered with %s", a.Type)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
	if c.Status().NextStarted {
		t.Fatalf("stop not persisted")
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.sent[len(out.sent)-1] != protocol.ActionStop {
		t.Fatalf("stop not forwarded: %v", out.sent)
	}
}

func TestRunAnswersInvalidRedirectAndInterupts(t *testing.T) {
	testlog.Start(t)
	out := newFakeOutput(t)
	in := newFakeInput()
	c, err := New(testConfig(), in, out, Hooks{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	in.push(t, protocol.NewAction(protocol.ActionRedirectJobConn))
	a := in.answer(t)
	if a.Type != protocol.ActionJobConn {
		t.Fatalf("redirect answered with %s", a.Type)
	}
	var conn protocol.JobConnData
	if err := a.Decode(&conn); err != nil || conn.Port != 40001 {
		t.Fatalf("unexpected job conn %+v err=%v", conn, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.Phase() != PhaseInterrupted && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Phase() != PhaseInterrupted || out.IsConnected() {
		t.Fatalf("redirect did not interrupt the output link")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}

func TestDestroyHookRuns(t *testing.T) {
	testlog.Start(t)
	out := newFakeOutput(t)
	destroyed := false
	c, err := New(testConfig(), nil, out, Hooks{Destroy: func() { destroyed = true }})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	forward, answer := c.DefaultBefore(context.Background(), protocol.NewAction(protocol.ActionDestroy))
	if forward || answer == nil || !destroyed {
		t.Fatalf("destroy not handled: forward=%v answer=%v destroyed=%v", forward, answer, destroyed)
	}
}

func TestSendStopEndsChainForNextRun(t *testing.T) {
	testlog.Start(t)
	out := newFakeOutput(t)
	c, err := New(testConfig(), nil, out, Hooks{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := c.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	answer, err := c.Send(ctx, protocol.NewAction(protocol.ActionStop))
	if err != nil {
		t.Fatalf("send stop: %v", err)
	}
	if answer.Type != protocol.ActionOK {
		t.Fatalf("stop answered with %s", answer.Type)
	}

	next := newFakeOutput(t)
	next.inst = out.inst
	c2, err := New(testConfig(), nil, next, Hooks{})
	if err != nil {
		t.Fatalf("new after stop: %v", err)
	}
	if c2.Status().NextStarted {
		t.Fatalf("stopped chain still marked started")
	}
	if err := c2.Restore(ctx, false); !errors.Is(err, ErrNextStopped) {
		t.Fatalf("expected ErrNextStopped, got %v", err)
	}
	if err := c2.Install(ctx); err != nil {
		t.Fatalf("install after stop: %v", err)
	}
	installs, execs, _, _ := next.counts()
	if installs != 0 || execs != 1 {
		t.Fatalf("next run did not start again: installs=%d execs=%d", installs, execs)
	}
}

func TestInteruptKeepsDisconnectWarning(t *testing.T) {
	testlog.Start(t)
	out := newFakeOutput(t)
	out.warnOnDisconnect = "qdel is not available"
	c, err := New(testConfig(), nil, out, Hooks{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := c.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := c.Interupt(ctx); err != nil {
		t.Fatalf("interupt: %v", err)
	}
	if w := c.HopStatus().Warning; w != "qdel is not available" {
		t.Fatalf("warning not surfaced: %q", w)
	}
	persisted, err := status.NewStore(out.inst.StatusDir()).Load("hop_7")
	if err != nil {
		t.Fatalf("load status: %v", err)
	}
	if persisted.Output == nil || persisted.Output.Warning != "qdel is not available" {
		t.Fatalf("warning not persisted: %+v", persisted.Output)
	}
}

func TestStopKeepsDisconnectWarning(t *testing.T) {
	testlog.Start(t)
	out := newFakeOutput(t)
	out.warnOnDisconnect = "job left in queue"
	c, err := New(testConfig(), nil, out, Hooks{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := c.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if w := c.HopStatus().Warning; w != "job left in queue" {
		t.Fatalf("warning not surfaced: %q", w)
	}
}

func TestLastHopRejectsUnhandledAction(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.StatusDir = t.TempDir()
	in := newFakeInput()
	c, err := New(cfg, in, nil, Hooks{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	in.push(t, protocol.NewAction(protocol.ActionOK))
	a := in.answer(t)
	if a.Type != protocol.ActionError {
		t.Fatalf("ok answered with %s", a.Type)
	}
	var data protocol.ErrorData
	if err := a.Decode(&data); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !strings.Contains(data.Msg, "Unsupported action") || data.Severity != protocol.SeverityError {
		t.Fatalf("unexpected error answer %+v", data)
	}
}
