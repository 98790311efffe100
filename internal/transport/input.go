package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/jobrelay/internal/pbs"
	"github.com/danmuck/jobrelay/internal/protocol"
	"github.com/danmuck/jobrelay/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// EnvHostname overrides the host a hop advertises in its handshake.
const EnvHostname = "JOBRELAY_HOSTNAME"

// SocketInputConfig tunes the listening side of a hop.
type SocketInputConfig struct {
	Name string
	// BindHost is the interface to listen on; empty listens on all.
	BindHost string
	// AdvertiseHost is published in the HOST line. Empty means "same
	// machine as the reader".
	AdvertiseHost string
	BasePort      int
	MaxPorts      int
	// Out receives the handshake lines, normally stdout.
	Out io.Writer
	// MirrorDir, when set, also receives the handshake in a file. Batch
	// hops use the submit directory.
	MirrorDir string
	Session   session.Config
	Listen    ListenFunc
}

// SocketInputConfigFromEnv fills the advertise host and mirror dir from the
// process environment.
func SocketInputConfigFromEnv(name string, basePort int) SocketInputConfig {
	cfg := SocketInputConfig{
		Name:          name,
		AdvertiseHost: strings.TrimSpace(os.Getenv(EnvHostname)),
		BasePort:      basePort,
		MaxPorts:      DefaultMaxPorts,
		Out:           os.Stdout,
		MirrorDir:     strings.TrimSpace(os.Getenv(pbs.EnvSubmitDir)),
		Session:       session.DefaultConfig(),
	}
	if cfg.MirrorDir != "" && cfg.AdvertiseHost == "" {
		// batch hops run on a node the submitter cannot guess
		if h, err := os.Hostname(); err == nil {
			cfg.AdvertiseHost = h
		}
	}
	return cfg
}

// SocketInput listens for the previous hop. Accept runs in the background;
// a later accept replaces the current connection, which is how a restored
// parent re-links.
type SocketInput struct {
	cfg SocketInputConfig

	mu        sync.Mutex
	ln        net.Listener
	port      int
	cur       *link
	connected chan struct{}
	closed    bool
}

func NewSocketInput(cfg SocketInputConfig) *SocketInput {
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	if cfg.MaxPorts <= 0 {
		cfg.MaxPorts = DefaultMaxPorts
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &SocketInput{cfg: cfg, connected: make(chan struct{})}
}

// Connect binds the first free port, publishes HOST then PORT and starts
// accepting. It does not wait for the previous hop.
func (in *SocketInput) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// HOST is known before binding, PORT only after
	if err := protocol.WriteHost(in.cfg.Out, in.cfg.AdvertiseHost); err != nil {
		return err
	}
	ln, port, err := listenSuccessive(in.cfg.Listen, in.cfg.BindHost, in.cfg.BasePort, in.cfg.MaxPorts)
	if err != nil {
		return err
	}
	if err := protocol.WritePort(in.cfg.Out, port); err != nil {
		_ = ln.Close()
		return err
	}
	if in.cfg.MirrorDir != "" {
		ep := protocol.Endpoint{Host: in.cfg.AdvertiseHost, Port: port}
		if err := writeMirror(pbs.HandshakeMirrorPath(in.cfg.MirrorDir), ep); err != nil {
			log.Warn().Err(err).Str("dir", in.cfg.MirrorDir).Msg("transport.SocketInput.Connect handshake mirror failed")
		}
	}
	in.mu.Lock()
	in.ln = ln
	in.port = port
	in.closed = false
	in.mu.Unlock()
	log.Info().Str("hop", in.cfg.Name).Int("port", port).Msg("transport.SocketInput.Connect listening")
	go in.acceptLoop(ln)
	return nil
}

func writeMirror(path string, ep protocol.Endpoint) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if err := protocol.WriteHandshake(f, ep); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (in *SocketInput) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Str("hop", in.cfg.Name).Msg("transport.SocketInput.accept failed")
			}
			return
		}
		l := newLink(in.cfg.Name, conn, in.cfg.Session.WriteTimeout)
		in.mu.Lock()
		if in.closed {
			in.mu.Unlock()
			_ = conn.Close()
			return
		}
		old := in.cur
		in.cur = l
		first := old == nil
		in.mu.Unlock()
		if old != nil {
			_ = old.close()
		}
		if first {
			close(in.connected)
		}
		log.Info().Str("hop", in.cfg.Name).Str("peer", conn.RemoteAddr().String()).Msg("transport.SocketInput accepted")
	}
}

// Port is the bound port, 0 before Connect.
func (in *SocketInput) Port() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.port
}

func (in *SocketInput) current() *link {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cur
}

func (in *SocketInput) IsConnected() bool {
	l := in.current()
	return l != nil && !l.isInterrupted()
}

func (in *SocketInput) Send(msg protocol.Message) error {
	l := in.current()
	if l == nil {
		return ErrNotConnected
	}
	return l.send(msg)
}

func (in *SocketInput) isClosed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// Receive waits up to timeout for the first connection, then for a message.
// After Disconnect it fails with ErrNotConnected.
func (in *SocketInput) Receive(timeout time.Duration) (protocol.Message, error) {
	if in.isClosed() {
		return protocol.Message{}, ErrNotConnected
	}
	l := in.current()
	if l == nil {
		if timeout <= 0 {
			return protocol.Message{}, ErrTimeout
		}
		start := time.Now()
		select {
		case <-in.connected:
		case <-time.After(timeout):
			return protocol.Message{}, ErrTimeout
		}
		timeout -= time.Since(start)
		l = in.current()
		if l == nil {
			return protocol.Message{}, ErrNotConnected
		}
	}
	return l.receive(timeout)
}

func (in *SocketInput) Disconnect() error {
	in.mu.Lock()
	in.closed = true
	ln, cur := in.ln, in.cur
	in.ln, in.cur = nil, nil
	in.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	if cur != nil {
		if cerr := cur.close(); err == nil {
			err = cerr
		}
	}
	return err
}

var _ InputComm = (*SocketInput)(nil)

// StdInput exchanges messages over the process stdin/stdout. It suits hops
// started directly under a parent's pipes.
type StdInput struct {
	name  string
	r     io.Reader
	w     io.Writer
	lines chan string
	eof   chan struct{}

	mu      sync.Mutex
	started bool
	wmu     sync.Mutex
}

func NewStdInput(name string, r io.Reader, w io.Writer) *StdInput {
	return &StdInput{
		name:  name,
		r:     r,
		w:     w,
		lines: make(chan string, 64),
		eof:   make(chan struct{}),
	}
}

func (s *StdInput) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	go func() {
		br := bufio.NewReader(s.r)
		for {
			line, err := protocol.ReadLine(br)
			if err != nil {
				close(s.eof)
				return
			}
			s.lines <- line
		}
	}()
	return nil
}

func (s *StdInput) IsConnected() bool {
	select {
	case <-s.eof:
		return false
	default:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.started
	}
}

func (s *StdInput) Send(msg protocol.Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := protocol.WriteMessage(s.w, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (s *StdInput) Receive(timeout time.Duration) (protocol.Message, error) {
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		var line string
		select {
		case line = <-s.lines:
		case <-s.eof:
			// drain what the reader queued before EOF
			select {
			case line = <-s.lines:
			default:
				return protocol.Message{}, ErrEmptyRead
			}
		case <-deadline.C:
			return protocol.Message{}, ErrTimeout
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		msg, err := protocol.ParseMessage(line)
		if err != nil {
			log.Warn().Err(err).Str("link", s.name).Msg("transport.StdInput.Receive discarded message")
			continue
		}
		return msg, nil
	}
}

func (s *StdInput) Disconnect() error {
	if c, ok := s.r.(io.Closer); ok && s.r != os.Stdin {
		return c.Close()
	}
	return nil
}

var _ InputComm = (*StdInput)(nil)
