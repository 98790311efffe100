package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/jobrelay/internal/communicator"
	"github.com/danmuck/jobrelay/internal/install"
	"github.com/danmuck/jobrelay/internal/pbs"
	"github.com/danmuck/jobrelay/internal/protocol/session"
	"github.com/danmuck/jobrelay/internal/service"
	"github.com/danmuck/jobrelay/internal/transport"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig     = errors.New("config: invalid config")
	ErrUnsupportedFormat = errors.New("config: unsupported file format")
)

const (
	InputSocket = "socket"
	InputStd    = "std"
	InputNone   = "none"

	// ModeNone marks the last hop of a chain, which has no output.
	ModeNone = "none"
)

// InputConfig selects how a hop is reached by its parent.
type InputConfig struct {
	Kind          string `toml:"kind" yaml:"kind"`
	BindHost      string `toml:"bind_host" yaml:"bind_host"`
	AdvertiseHost string `toml:"advertise_host" yaml:"advertise_host"`
	BasePort      int    `toml:"base_port" yaml:"base_port"`
	MaxPorts      int    `toml:"max_ports" yaml:"max_ports"`
}

// JobsConfig makes a last hop start one output per job.
type JobsConfig struct {
	// Mode is the transport of the jobs, exec or pbs. Empty disables jobs.
	Mode string `toml:"mode" yaml:"mode"`
	// Args start every job; "{id}" is replaced by the job id.
	Args []string `toml:"args" yaml:"args"`
}

func (j JobsConfig) Enabled() bool {
	return strings.TrimSpace(j.Mode) != ""
}

// HopConfig is the file configuration of one hop process.
type HopConfig struct {
	Name       string   `toml:"name" yaml:"name"`
	ID         string   `toml:"id" yaml:"id"`
	Mode       string   `toml:"mode" yaml:"mode"`
	JobName    string   `toml:"job_name" yaml:"job_name"`
	NextArgs   []string `toml:"next_args" yaml:"next_args"`
	StatusAddr string   `toml:"status_addr" yaml:"status_addr"`
	// StatusToken, when set, is required as bearer token by the status
	// surface.
	StatusToken string `toml:"status_token" yaml:"status_token"`
	LogFile     string `toml:"log_file" yaml:"log_file"`
	// ResultDir holds results downloaded from remote hops.
	ResultDir string `toml:"result_dir" yaml:"result_dir"`

	Input        InputConfig         `toml:"input" yaml:"input"`
	Install      install.Config      `toml:"install" yaml:"install"`
	Jobs         JobsConfig          `toml:"jobs" yaml:"jobs"`
	SSH          transport.SSHConfig `toml:"ssh" yaml:"ssh"`
	PBS          pbs.Config          `toml:"pbs" yaml:"pbs"`
	Session      session.Config      `toml:"session" yaml:"session"`
	Communicator communicator.Config `toml:"communicator" yaml:"communicator"`
}

func DefaultHopConfig() HopConfig {
	return HopConfig{
		Name:         "hop",
		Mode:         string(transport.ModeExec),
		Input:        InputConfig{Kind: InputSocket, BasePort: 5000, MaxPorts: transport.DefaultMaxPorts},
		Install:      install.DefaultConfig(),
		SSH:          transport.DefaultConfig().SSH,
		PBS:          pbs.DefaultConfig(),
		Session:      session.DefaultConfig(),
		Communicator: communicator.DefaultConfig(),
	}
}

// HasOutput reports whether the hop starts a next hop.
func (c HopConfig) HasOutput() bool {
	return c.Mode != ModeNone
}

func (c HopConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" || strings.ContainsAny(c.Name, `/\`) {
		return fmt.Errorf("%w: name %q", ErrInvalidConfig, c.Name)
	}
	switch c.Input.Kind {
	case InputSocket, InputStd, InputNone:
	default:
		return fmt.Errorf("%w: input.kind %q", ErrInvalidConfig, c.Input.Kind)
	}
	if c.Input.Kind == InputSocket && (c.Input.BasePort <= 0 || c.Input.BasePort > 65535) {
		return fmt.Errorf("%w: input.base_port %d", ErrInvalidConfig, c.Input.BasePort)
	}
	if c.Jobs.Enabled() {
		if err := c.validateJobs(); err != nil {
			return err
		}
	}
	if !c.HasOutput() {
		return nil
	}
	mode, err := transport.ParseMode(c.Mode)
	if err != nil {
		return err
	}
	if strings.TrimSpace(c.Install.TargetRoot) == "" {
		return fmt.Errorf("%w: install.target_root is required", ErrInvalidConfig)
	}
	switch mode {
	case transport.ModeSSH:
		if strings.TrimSpace(c.SSH.Host) == "" {
			return fmt.Errorf("%w: ssh.host is required", ErrInvalidConfig)
		}
	case transport.ModePBS:
		if err := c.PBS.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c HopConfig) validateJobs() error {
	if c.HasOutput() {
		return fmt.Errorf("%w: jobs need mode %q", ErrInvalidConfig, ModeNone)
	}
	mode, err := transport.ParseMode(c.Jobs.Mode)
	if err != nil {
		return err
	}
	if mode == transport.ModeSSH {
		return fmt.Errorf("%w: jobs.mode %q is not supported", ErrInvalidConfig, c.Jobs.Mode)
	}
	if strings.TrimSpace(c.Install.TargetRoot) == "" {
		return fmt.Errorf("%w: install.target_root is required for jobs", ErrInvalidConfig)
	}
	if mode == transport.ModePBS {
		return c.PBS.Validate()
	}
	return nil
}

// JobDirName is the job name of the next hop's installation.
func (c HopConfig) JobDirName() string {
	if c.JobName != "" {
		return c.JobName
	}
	if c.ID != "" {
		return c.Name + "_" + c.ID
	}
	return c.Name
}

// Transport builds the output transport config.
func (c HopConfig) Transport() (transport.Config, error) {
	mode, err := transport.ParseMode(c.Mode)
	if err != nil {
		return transport.Config{}, err
	}
	cfg := transport.DefaultConfig()
	cfg.Mode = mode
	cfg.Name = c.Name
	cfg.JobName = c.JobDirName()
	cfg.Install = c.Install
	cfg.SSH = c.SSH
	cfg.PBS = c.PBS.Clone()
	cfg.Session = c.Session
	cfg.LocalResultDir = c.ResultDir
	return cfg.WithDefaults(), nil
}

// JobTransport is the output config of job id: the jobs transport with a
// job directory of its own.
func (c HopConfig) JobTransport(id string) (transport.Config, error) {
	jc := c
	jc.Mode = c.Jobs.Mode
	jc.Name = c.Name + "_" + id
	jc.JobName = c.JobDirName() + "_" + id
	return jc.Transport()
}

// CommunicatorConfig is the communicator tuning with the hop identity.
func (c HopConfig) CommunicatorConfig() communicator.Config {
	cfg := c.Communicator
	cfg.Name = c.Name
	cfg.ID = c.ID
	if len(c.NextArgs) > 0 {
		cfg.NextArgs = append([]string(nil), c.NextArgs...)
	}
	cfg.Session = c.Session
	return cfg.WithDefaults()
}

// SocketInputConfig is the listening side of the hop, with environment
// overrides applied first.
func (c HopConfig) SocketInputConfig(out io.Writer) transport.SocketInputConfig {
	cfg := transport.SocketInputConfigFromEnv(c.Name, c.Input.BasePort)
	if c.Input.BindHost != "" {
		cfg.BindHost = c.Input.BindHost
	}
	if c.Input.AdvertiseHost != "" && cfg.AdvertiseHost == "" {
		cfg.AdvertiseHost = c.Input.AdvertiseHost
	}
	if c.Input.MaxPorts > 0 {
		cfg.MaxPorts = c.Input.MaxPorts
	}
	if out != nil {
		cfg.Out = out
	}
	cfg.Session = c.Session.WithDefaults()
	return cfg
}

// NodeConfig is the file configuration of one service node process.
type NodeConfig struct {
	ID          string         `toml:"id" yaml:"id"`
	ListenAddr  string         `toml:"listen_addr" yaml:"listen_addr"`
	StatusAddr  string         `toml:"status_addr" yaml:"status_addr"`
	StatusToken string         `toml:"status_token" yaml:"status_token"`
	LogFile     string         `toml:"log_file" yaml:"log_file"`
	Children    []string       `toml:"children" yaml:"children"`
	Service     service.Config `toml:"service" yaml:"service"`
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ID:      service.DefaultConfig().ID,
		Service: service.DefaultConfig(),
	}
}

func (c NodeConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" || strings.ContainsAny(c.ID, "/ \t") {
		return fmt.Errorf("%w: id %q", ErrInvalidConfig, c.ID)
	}
	for i, addr := range c.Children {
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("%w: children[%d] is empty", ErrInvalidConfig, i)
		}
	}
	return nil
}

// ServiceConfig is the node loop config with the node identity.
func (c NodeConfig) ServiceConfig() service.Config {
	cfg := c.Service
	cfg.ID = c.ID
	cfg.ListenAddr = c.ListenAddr
	return cfg.WithDefaults()
}

// LoadHop reads a hop config over DefaultHopConfig.
func LoadHop(path string) (HopConfig, error) {
	cfg := DefaultHopConfig()
	if err := decodeFile(path, &cfg); err != nil {
		return HopConfig{}, err
	}
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.Input.Kind = strings.ToLower(strings.TrimSpace(cfg.Input.Kind))
	if err := cfg.Validate(); err != nil {
		return HopConfig{}, fmt.Errorf("hop config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadNode reads a node config over DefaultNodeConfig.
func LoadNode(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if err := decodeFile(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return NodeConfig{}, fmt.Errorf("node config %s: %w", path, err)
	}
	return cfg, nil
}

// decodeFile decodes path over out, choosing TOML or YAML by extension.
// Unknown keys are rejected.
func decodeFile(path string, out any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, out)
		if err != nil {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
		}
		return nil
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("config load failed (%s): %w", path, err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}
