package pbs

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	humanize "github.com/dustin/go-humanize"
)

var (
	ErrInvalidConfig  = errors.New("pbs: invalid config")
	ErrUnknownDialect = errors.New("pbs: unknown dialect")
	ErrInvalidSize    = errors.New("pbs: invalid size")
)

var walltimePattern = regexp.MustCompile(`^\d+:\d{2}:\d{2}$`)

// Config is one submission request. It is treated as immutable once a
// submission starts; Clone before handing it to code that rewrites fields.
type Config struct {
	Dialect  string `toml:"dialect" yaml:"dialect" json:"dialect"`
	Name     string `toml:"name" yaml:"name" json:"name"`
	Queue    string `toml:"queue" yaml:"queue" json:"queue"`
	Walltime string `toml:"walltime" yaml:"walltime" json:"walltime"`
	Nodes    int    `toml:"nodes" yaml:"nodes" json:"nodes"`
	PPN      int    `toml:"ppn" yaml:"ppn" json:"ppn"`
	// Memory and Scratch accept generic sizes such as "500mb", "2GB" or
	// "1.5 GiB". Batch systems count kb/mb/gb in multiples of 1024.
	Memory      string   `toml:"memory" yaml:"memory" json:"memory"`
	Scratch     string   `toml:"scratch" yaml:"scratch" json:"scratch"`
	Infiniband  bool     `toml:"infiniband" yaml:"infiniband" json:"infiniband"`
	ExtraParams []string `toml:"extra_params" yaml:"extra_params" json:"extra_params"`
	// WithSocket is set when the submitted hop opens a socket and publishes a
	// handshake. Without it the job runs detached.
	WithSocket bool `toml:"with_socket" yaml:"with_socket" json:"with_socket"`
}

func DefaultConfig() Config {
	return Config{
		Dialect:    DialectMetacentrum,
		Nodes:      1,
		PPN:        1,
		WithSocket: true,
	}
}

// WithDefaults fills unset counters.
func (c Config) WithDefaults() Config {
	out := c.Clone()
	if strings.TrimSpace(out.Dialect) == "" {
		out.Dialect = DialectMetacentrum
	}
	if out.Nodes <= 0 {
		out.Nodes = 1
	}
	if out.PPN <= 0 {
		out.PPN = 1
	}
	return out
}

func (c Config) Clone() Config {
	out := c
	if c.ExtraParams != nil {
		out.ExtraParams = append([]string(nil), c.ExtraParams...)
	}
	return out
}

func (c Config) Validate() error {
	if _, err := Lookup(c.Dialect); err != nil {
		return err
	}
	if c.Nodes < 1 {
		return fmt.Errorf("%w: nodes=%d", ErrInvalidConfig, c.Nodes)
	}
	if c.PPN < 1 {
		return fmt.Errorf("%w: ppn=%d", ErrInvalidConfig, c.PPN)
	}
	if strings.ContainsAny(c.Name, " \t\n/") {
		return fmt.Errorf("%w: name=%q", ErrInvalidConfig, c.Name)
	}
	if w := strings.TrimSpace(c.Walltime); w != "" && !walltimePattern.MatchString(w) {
		return fmt.Errorf("%w: walltime=%q", ErrInvalidConfig, c.Walltime)
	}
	if _, err := ParseSize(c.Memory); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if _, err := ParseSize(c.Scratch); err != nil {
		return fmt.Errorf("scratch: %w", err)
	}
	return nil
}

const (
	kib = 1 << 10
	mib = 1 << 20
	gib = 1 << 30
)

// ParseSize converts a generic size to bytes. Decimal unit names are read as
// their binary counterparts the way PBS does. An empty string is zero.
func ParseSize(raw string) (uint64, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return 0, nil
	}
	unit := strings.TrimLeft(raw, "0123456789. ")
	number := strings.TrimSpace(strings.TrimSuffix(raw, unit))
	switch unit {
	case "k", "kb", "kib":
		unit = "kib"
	case "m", "mb", "mib":
		unit = "mib"
	case "g", "gb", "gib":
		unit = "gib"
	case "t", "tb", "tib":
		unit = "tib"
	}
	n, err := humanize.ParseBytes(number + " " + unit)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, raw)
	}
	return n, nil
}

// pbsSize formats bytes in the largest whole PBS unit.
func pbsSize(bytes uint64) string {
	switch {
	case bytes%gib == 0:
		return fmt.Sprintf("%dgb", bytes/gib)
	case bytes%mib == 0:
		return fmt.Sprintf("%dmb", bytes/mib)
	case bytes%kib == 0:
		return fmt.Sprintf("%dkb", bytes/kib)
	default:
		return fmt.Sprintf("%db", bytes)
	}
}

func megabytes(bytes uint64) uint64 {
	return uint64(math.Ceil(float64(bytes) / mib))
}

// resource returns the PBS rendition of a validated size field, or "" when
// the field is unset.
func resource(raw string) string {
	n, err := ParseSize(raw)
	if err != nil || n == 0 {
		return ""
	}
	return pbsSize(n)
}
