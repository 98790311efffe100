package service

import (
	"errors"
	"time"

	"github.com/danmuck/jobrelay/internal/protocol/session"
)

var (
	ErrInvalidConfig        = errors.New("service: invalid config")
	ErrUnknownChild         = errors.New("service: unknown child")
	ErrChildNotConnected    = errors.New("service: child not connected")
	ErrDuplicateCorrelation = errors.New("service: duplicate correlation id")
	ErrLinkClosed           = errors.New("service: link closed")
	ErrNotListening         = errors.New("service: node is not listening")
)

type Config struct {
	// ID is the node address used as sender of its requests.
	ID string `toml:"id" yaml:"id"`
	// ListenAddr accepts parent links; empty for the root node.
	ListenAddr string `toml:"listen_addr" yaml:"listen_addr"`
	// Tick is the pause between loop iterations.
	Tick time.Duration `toml:"tick" yaml:"tick"`
	// MaxDrain bounds how many requests or answers one iteration handles.
	MaxDrain int            `toml:"max_drain" yaml:"max_drain"`
	Session  session.Config `toml:"session" yaml:"session"`
}

func DefaultConfig() Config {
	return Config{
		ID:       "root",
		Tick:     50 * time.Millisecond,
		MaxDrain: 64,
		Session:  session.DefaultConfig(),
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ID == "" {
		c.ID = d.ID
	}
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.MaxDrain <= 0 {
		c.MaxDrain = d.MaxDrain
	}
	c.Session = c.Session.WithDefaults()
	return c
}
