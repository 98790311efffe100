package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/jobrelay/internal/install"
	"github.com/danmuck/jobrelay/internal/observability"
	"github.com/danmuck/jobrelay/internal/protocol"
	"github.com/danmuck/jobrelay/internal/status"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const maxCapturedOutput = 64 * 1024

// ExecOutput starts the next hop as a local subprocess.
type ExecOutput struct {
	cfg  Config
	inst install.Installation

	links linkHolder

	mu       sync.Mutex
	endpoint protocol.Endpoint
	pid      int
	started  bool
	done     chan struct{}
	exitCode int
}

func NewExecOutput(cfg Config) (*ExecOutput, error) {
	cfg = cfg.WithDefaults()
	inst, err := install.Compute(cfg.Install, cfg.JobName, false)
	if err != nil {
		return nil, err
	}
	return &ExecOutput{cfg: cfg, inst: inst}, nil
}

func (o *ExecOutput) Installation() install.Installation {
	return o.inst
}

func (o *ExecOutput) Install(ctx context.Context) error {
	return o.inst.Local(ctx, o.cfg.LockTimeout)
}

// Exec spawns the hop, fails fast when it exits within the startup grace,
// then scans its stdout for the handshake.
func (o *ExecOutput) Exec(ctx context.Context, args []string) error {
	argv := o.inst.Command(args...)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = o.inst.JobDir()
	cmd.Env = o.inst.Env(os.Environ())
	// own process group so the hop outlives this one and can be killed as a unit
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// a plain pipe instead of StdoutPipe: Wait must not close our read end
	// while the handshake scanner still needs it
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return err
	}
	cmd.Stdout = stdoutW
	captured := &boundedBuffer{limit: maxCapturedOutput}
	cmd.Stderr = captured

	started := time.Now()
	err = cmd.Start()
	_ = stdoutW.Close()
	if err != nil {
		_ = stdout.Close()
		return &StartError{Command: strings.Join(argv, " "), Code: 127, Output: err.Error()}
	}
	done := make(chan struct{})
	o.mu.Lock()
	o.pid = cmd.Process.Pid
	o.started = true
	o.done = done
	o.mu.Unlock()

	found := make(chan protocol.Endpoint, 1)
	go func() {
		ep, ok := protocol.ScanHandshake(stdout, func(line string) {
			_, _ = captured.Write([]byte(line + "\n"))
		})
		if ok {
			found <- ep
		}
		// keep draining so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, stdout)
		_ = stdout.Close()
	}()
	go func() {
		err := cmd.Wait()
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		o.mu.Lock()
		o.exitCode = code
		o.mu.Unlock()
		close(done)
	}()

	startErr := func() error {
		o.mu.Lock()
		code := o.exitCode
		o.mu.Unlock()
		if code == 0 {
			log.Warn().Str("hop", o.cfg.Name).Msg("transport.ExecOutput.Exec next hop exited with code 0 before handshake, run is too short")
		}
		return &StartError{Command: strings.Join(argv, " "), Code: code, Output: captured.String()}
	}

	grace := time.NewTimer(o.cfg.StartupGrace)
	defer grace.Stop()
	select {
	case <-done:
		observability.RecordHandshake(string(ModeExec), time.Since(started), false)
		return startErr()
	case <-grace.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	timeout := time.NewTimer(o.cfg.Session.HandshakeTimeout)
	defer timeout.Stop()
	select {
	case ep := <-found:
		o.mu.Lock()
		o.endpoint = ep
		o.mu.Unlock()
		observability.RecordHandshake(string(ModeExec), time.Since(started), true)
		log.Info().Str("hop", o.cfg.Name).Str("host", ep.Host).Int("port", ep.Port).Int("pid", cmd.Process.Pid).
			Msg("transport.ExecOutput.Exec handshake")
		return nil
	case <-done:
		observability.RecordHandshake(string(ModeExec), time.Since(started), false)
		return startErr()
	case <-timeout.C:
		observability.RecordHandshake(string(ModeExec), time.Since(started), false)
		return fmt.Errorf("%w: after %s: %s", ErrHandshake, o.cfg.Session.HandshakeTimeout, captured.String())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *ExecOutput) Connect(ctx context.Context) error {
	ep := o.Endpoint()
	if !ep.Valid() {
		return ErrNotStarted
	}
	l, err := dialLink(ctx, o.cfg.Name, ep.Address("localhost"), o.cfg.Session, o.cfg.ConnectAttempts)
	if err != nil {
		return err
	}
	o.links.set(l)
	return nil
}

func (o *ExecOutput) Disconnect() error {
	return o.links.drop()
}

func (o *ExecOutput) IsConnected() bool {
	return o.links.connected()
}

func (o *ExecOutput) Send(msg protocol.Message) error {
	return o.links.send(msg)
}

func (o *ExecOutput) Receive(timeout time.Duration) (protocol.Message, error) {
	return o.links.receive(timeout)
}

func (o *ExecOutput) Endpoint() protocol.Endpoint {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.endpoint
}

func (o *ExecOutput) SaveState() status.OutputState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return status.OutputState{
		Host:        o.endpoint.Host,
		Port:        o.endpoint.Port,
		Initialized: o.started,
		PID:         o.pid,
	}
}

func (o *ExecOutput) LoadState(st status.OutputState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.endpoint = protocol.Endpoint{Host: st.Host, Port: st.Port}
	o.started = st.Initialized
	o.pid = st.PID
}

func (o *ExecOutput) IsRunningNext(context.Context) bool {
	o.mu.Lock()
	done, pid := o.done, o.pid
	o.mu.Unlock()
	if done != nil {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
	return processAlive(pid)
}

func (o *ExecOutput) KillNext(context.Context) error {
	o.mu.Lock()
	pid := o.pid
	o.mu.Unlock()
	if pid <= 0 || !o.IsRunningNext(context.Background()) {
		return nil
	}
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill next hop pid=%d: %w", pid, err)
	}
	return nil
}

// DownloadResults is a no-op: a local hop writes into the shared result dir.
func (o *ExecOutput) DownloadResults(context.Context) error {
	return nil
}

func (o *ExecOutput) Purge(context.Context) error {
	return o.inst.Delete()
}

type boundedBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

var _ OutputComm = (*ExecOutput)(nil)
