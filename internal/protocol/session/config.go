package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration `toml:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64       `toml:"multiplier" yaml:"multiplier"`
	MaxDelay     time.Duration `toml:"max_delay" yaml:"max_delay"`
	Jitter       bool          `toml:"jitter" yaml:"jitter"`
}

// Config defines link reliability defaults for one hop.
type Config struct {
	ConnectTimeout   time.Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout" yaml:"handshake_timeout"`
	// ReceiveTimeout is the per-iteration wait of the relay loop.
	ReceiveTimeout time.Duration `toml:"receive_timeout" yaml:"receive_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout" yaml:"write_timeout"`
	// AnswerTimeout bounds how long a caller waits for one terminal answer.
	AnswerTimeout time.Duration `toml:"answer_timeout" yaml:"answer_timeout"`
	// MaxEmptyReads forces a reconnect after that many consecutive EOFs.
	MaxEmptyReads int           `toml:"max_empty_reads" yaml:"max_empty_reads"`
	Backoff       BackoffConfig `toml:"backoff" yaml:"backoff"`
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 60 * time.Second,
		ReceiveTimeout:   100 * time.Millisecond,
		WriteTimeout:     15 * time.Second,
		AnswerTimeout:    20 * time.Second,
		MaxEmptyReads:    5,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = d.ReceiveTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = d.AnswerTimeout
	}
	if c.MaxEmptyReads <= 0 {
		c.MaxEmptyReads = d.MaxEmptyReads
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = d.Backoff
	}
	return c
}
