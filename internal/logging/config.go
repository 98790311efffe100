package logging

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	EnvLogLevel     = "JOBRELAY_LOG_LEVEL"
	EnvLogTimestamp = "JOBRELAY_LOG_TIMESTAMP"
	EnvLogNoColor   = "JOBRELAY_LOG_NOCOLOR"
	EnvLogFile      = "JOBRELAY_LOG_FILE"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config is the resolved logger setup for one process.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	// File, when set, receives a plain JSON copy of every event through a
	// rotating writer.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

var configureOnce sync.Once

func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

func ConfigureTests() {
	Configure(ProfileTest)
}

func Configure(profile Profile) {
	configureOnce.Do(func() {
		cfg := defaultConfig(profile)
		applyEnvOverrides(&cfg)
		Apply(cfg)
	})
}

// ConfigureFile sets up runtime logging with an explicit file sink. Hops call
// this once they know their job directory.
func ConfigureFile(path string) {
	configureOnce.Do(func() {
		cfg := defaultConfig(ProfileRuntime)
		cfg.File = path
		applyEnvOverrides(&cfg)
		Apply(cfg)
	})
}

// Apply installs cfg as the global zerolog logger. Console output always goes
// to stderr since stdout carries the handshake lines.
func Apply(cfg Config) {
	noColor := cfg.NoColor || !isatty.IsTerminal(os.Stderr.Fd())
	console := zerolog.ConsoleWriter{
		Out:        colorable.NewColorableStderr(),
		NoColor:    noColor,
		TimeFormat: time.RFC3339,
	}
	if !cfg.Timestamp {
		console.PartsExclude = []string{zerolog.TimestampFieldName}
	}

	var out io.Writer = console
	if strings.TrimSpace(cfg.File) != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err == nil {
			out = zerolog.MultiLevelWriter(console, &lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
			})
		}
	}

	zerolog.SetGlobalLevel(cfg.Level)
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

func defaultConfig(profile Profile) Config {
	if profile == ProfileTest {
		return Config{Level: zerolog.DebugLevel, MaxSizeMB: 20, MaxBackups: 3}
	}
	return Config{Level: zerolog.InfoLevel, Timestamp: true, MaxSizeMB: 20, MaxBackups: 3}
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	envBool(EnvLogTimestamp, &cfg.Timestamp)
	envBool(EnvLogNoColor, &cfg.NoColor)
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.File = v
	}
}

// envBool leaves dst alone when key is unset or not a boolean.
func envBool(key string, dst *bool) {
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key))); err == nil {
		*dst = v
	}
}

var levelAliases = map[string]zerolog.Level{
	"diagnostics": zerolog.TraceLevel,
	"warning":     zerolog.WarnLevel,
	"off":         zerolog.Disabled,
	"none":        zerolog.Disabled,
	"disable":     zerolog.Disabled,
	"inactive":    zerolog.Disabled,
}

// parseLevel accepts zerolog level names plus a few operator aliases.
// Fatal and panic are not selectable.
func parseLevel(raw string) (zerolog.Level, bool) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if lvl, ok := levelAliases[name]; ok {
		return lvl, true
	}
	if name == "" {
		return zerolog.InfoLevel, false
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.FatalLevel || lvl == zerolog.PanicLevel || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel, false
	}
	return lvl, true
}
