package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/jobrelay/internal/install"
	"github.com/danmuck/jobrelay/internal/pbs"
	"github.com/danmuck/jobrelay/internal/protocol"
	"github.com/danmuck/jobrelay/internal/protocol/session"
	"github.com/danmuck/jobrelay/internal/status"
	"github.com/danmuck/jobrelay/internal/tools"
)

var (
	ErrTimeout            = errors.New("transport: receive timeout")
	ErrEmptyRead          = errors.New("transport: empty read")
	ErrNotConnected       = errors.New("transport: not connected")
	ErrNotStarted         = errors.New("transport: next hop not started")
	ErrNoLink             = errors.New("transport: mode has no message link")
	ErrPortRangeExhausted = errors.New("transport: port range exhausted")
	ErrHandshake          = errors.New("transport: handshake not received")
	ErrUnknownMode        = errors.New("transport: unknown mode")
)

// StartError is a next hop that exited or failed before publishing its
// handshake.
type StartError struct {
	Command string
	Code    int
	Output  string
}

func (e *StartError) Error() string {
	return fmt.Sprintf("can not start next hop %s (return code: %d): %s", e.Command, e.Code, strings.TrimSpace(e.Output))
}

// OutputComm is the link from a hop to the next one down the chain.
type OutputComm interface {
	// Install puts the next hop's files in place. Repeating it is harmless.
	Install(ctx context.Context) error
	// Exec starts or submits the next hop with args and waits for its
	// handshake when the mode has a message link.
	Exec(ctx context.Context, args []string) error
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Send(msg protocol.Message) error
	// Receive returns the next valid message, ErrTimeout when none arrived
	// within timeout, or ErrEmptyRead when the peer closed the link.
	Receive(timeout time.Duration) (protocol.Message, error)
	Endpoint() protocol.Endpoint
	SaveState() status.OutputState
	LoadState(st status.OutputState)
	IsRunningNext(ctx context.Context) bool
	KillNext(ctx context.Context) error
	DownloadResults(ctx context.Context) error
	// Purge removes the next hop's job directory.
	Purge(ctx context.Context) error
	Installation() install.Installation
}

// InputComm is the link from the previous hop into this one.
type InputComm interface {
	// Connect binds the hop's endpoint and publishes the handshake.
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Send(msg protocol.Message) error
	Receive(timeout time.Duration) (protocol.Message, error)
}

type Mode string

const (
	ModeExec Mode = "exec"
	ModeSSH  Mode = "ssh"
	ModePBS  Mode = "pbs"
)

func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeExec, ModeSSH, ModePBS:
		return m, nil
	case "local":
		return ModeExec, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, raw)
	}
}

// SSHConfig describes the remote host of an ssh output.
type SSHConfig struct {
	Host                  string `toml:"host" yaml:"host" json:"host"`
	Port                  int    `toml:"port" yaml:"port" json:"port"`
	User                  string `toml:"user" yaml:"user" json:"user"`
	Password              string `toml:"password" yaml:"password" json:"-"`
	KeyFile               string `toml:"key_file" yaml:"key_file" json:"key_file"`
	KnownHostsFile        string `toml:"known_hosts_file" yaml:"known_hosts_file" json:"known_hosts_file"`
	InsecureIgnoreHostKey bool   `toml:"insecure_ignore_host_key" yaml:"insecure_ignore_host_key" json:"insecure_ignore_host_key"`
	// Tunnel forwards a local port to the remote hop instead of dialing it
	// directly.
	Tunnel         bool `toml:"tunnel" yaml:"tunnel" json:"tunnel"`
	TunnelBasePort int  `toml:"tunnel_base_port" yaml:"tunnel_base_port" json:"tunnel_base_port"`
}

// Config selects and tunes one output transport.
type Config struct {
	Mode    Mode
	Name    string
	JobName string
	Install install.Config
	SSH     SSHConfig
	PBS     pbs.Config
	Session session.Config

	StartupGrace      time.Duration
	ConnectAttempts   int
	LockTimeout       time.Duration
	BatchPollInterval time.Duration
	BatchMaxWait      time.Duration
	NodeLookupTries   int
	NodeLookupDelay   time.Duration
	// LocalResultDir receives downloaded results of remote hops.
	LocalResultDir string

	Runner tools.CommandRunner
}

func DefaultConfig() Config {
	return Config{
		Mode:              ModeExec,
		Install:           install.DefaultConfig(),
		PBS:               pbs.DefaultConfig(),
		SSH:               SSHConfig{Port: 22, TunnelBasePort: 33000},
		Session:           session.DefaultConfig(),
		StartupGrace:      500 * time.Millisecond,
		ConnectAttempts:   3,
		LockTimeout:       time.Minute,
		BatchPollInterval: time.Second,
		BatchMaxWait:      30 * time.Minute,
		NodeLookupTries:   300,
		NodeLookupDelay:   3 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	c.Session = c.Session.WithDefaults()
	if c.StartupGrace <= 0 {
		c.StartupGrace = d.StartupGrace
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = d.ConnectAttempts
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
	if c.BatchPollInterval <= 0 {
		c.BatchPollInterval = d.BatchPollInterval
	}
	if c.BatchMaxWait <= 0 {
		c.BatchMaxWait = d.BatchMaxWait
	}
	if c.NodeLookupTries <= 0 {
		c.NodeLookupTries = d.NodeLookupTries
	}
	if c.NodeLookupDelay <= 0 {
		c.NodeLookupDelay = d.NodeLookupDelay
	}
	if c.SSH.Port <= 0 {
		c.SSH.Port = d.SSH.Port
	}
	if c.SSH.TunnelBasePort <= 0 {
		c.SSH.TunnelBasePort = d.SSH.TunnelBasePort
	}
	if c.Runner == nil {
		c.Runner = tools.ExecRunner{}
	}
	return c
}

// NewOutput builds the output transport selected by cfg.Mode.
func NewOutput(cfg Config) (OutputComm, error) {
	cfg = cfg.WithDefaults()
	switch cfg.Mode {
	case ModeExec:
		return NewExecOutput(cfg)
	case ModeSSH:
		return NewSSHOutput(cfg)
	case ModePBS:
		return NewPBSOutput(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}
