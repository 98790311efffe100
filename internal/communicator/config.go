package communicator

import (
	"errors"
	"time"

	"github.com/danmuck/jobrelay/internal/protocol/session"
)

var (
	ErrNotInstalled      = errors.New("communicator: next hop was not installed")
	ErrNextStopped       = errors.New("communicator: next hop was stopped")
	ErrNoOutput          = errors.New("communicator: no output transport")
	ErrNoInput           = errors.New("communicator: no input transport")
	ErrLongActionTimeout = errors.New("communicator: long action timed out")
	ErrInvalidConfig     = errors.New("communicator: invalid config")
)

// Phase is the in-memory lifecycle position of a communicator.
type Phase string

const (
	PhaseUninstalled Phase = "uninstalled"
	PhaseInstalling  Phase = "installing"
	PhaseConnected   Phase = "connected"
	PhaseInterrupted Phase = "interrupted"
	PhaseStopped     Phase = "stopped"
	PhaseError       Phase = "error"
)

type Config struct {
	// Name identifies the communicator in status files and logs.
	Name string `toml:"name" yaml:"name"`
	// ID is the job id served by this hop; empty for the multijob hop.
	ID string `toml:"id" yaml:"id"`
	// NextArgs are passed to the next hop's executable.
	NextArgs []string `toml:"next_args" yaml:"next_args"`
	// StatusDir overrides the status directory of the output installation.
	StatusDir string         `toml:"status_dir" yaml:"status_dir"`
	Session   session.Config `toml:"session" yaml:"session"`

	// LongActionTimeout bounds the whole poll loop of one long action.
	LongActionTimeout time.Duration `toml:"long_action_timeout" yaml:"long_action_timeout"`
	// LongActionAnswerTimeout bounds one poll of a long action.
	LongActionAnswerTimeout time.Duration `toml:"long_action_answer_timeout" yaml:"long_action_answer_timeout"`
	PollInterval            time.Duration `toml:"poll_interval" yaml:"poll_interval"`
	// SlowPollInterval replaces PollInterval after SlowPollAfter polls.
	SlowPollInterval time.Duration `toml:"slow_poll_interval" yaml:"slow_poll_interval"`
	SlowPollAfter    int           `toml:"slow_poll_after" yaml:"slow_poll_after"`
	IdleInterval     time.Duration `toml:"idle_interval" yaml:"idle_interval"`
	// DestroyTimeout bounds the destroy message sent to each recorded
	// connection.
	DestroyTimeout time.Duration `toml:"destroy_timeout" yaml:"destroy_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Name:                    "communicator",
		Session:                 session.DefaultConfig(),
		LongActionTimeout:       10 * time.Minute,
		LongActionAnswerTimeout: 2 * time.Minute,
		PollInterval:            time.Second,
		SlowPollInterval:        5 * time.Second,
		SlowPollAfter:           20,
		IdleInterval:            500 * time.Millisecond,
		DestroyTimeout:          2 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	c.Session = c.Session.WithDefaults()
	if c.LongActionTimeout <= 0 {
		c.LongActionTimeout = d.LongActionTimeout
	}
	if c.LongActionAnswerTimeout <= 0 {
		c.LongActionAnswerTimeout = d.LongActionAnswerTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SlowPollInterval <= 0 {
		c.SlowPollInterval = d.SlowPollInterval
	}
	if c.SlowPollAfter <= 0 {
		c.SlowPollAfter = d.SlowPollAfter
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = d.IdleInterval
	}
	if c.DestroyTimeout <= 0 {
		c.DestroyTimeout = d.DestroyTimeout
	}
	return c
}

// StatusName is the status record name: Name, or Name_ID for job hops.
func (c Config) StatusName() string {
	if c.ID == "" {
		return c.Name
	}
	return c.Name + "_" + c.ID
}
