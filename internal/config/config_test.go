package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/jobrelay/internal/transport"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestTemplatesLoad(t *testing.T) {
	dir := t.TempDir()
	hopPath := filepath.Join(dir, "hop.toml")
	if err := WriteTemplate(hopPath, KindHop, false); err != nil {
		t.Fatalf("write hop template: %v", err)
	}
	if err := WriteTemplate(hopPath, KindHop, false); err == nil {
		t.Fatalf("expected existing template to be kept")
	}
	hop, err := LoadHop(hopPath)
	if err != nil {
		t.Fatalf("load hop template: %v", err)
	}
	tc, err := hop.Transport()
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	if tc.Mode != transport.ModeExec || tc.JobName != "hop" || tc.Install.TargetRoot != "/tmp/jobrelay" {
		t.Fatalf("unexpected transport config: mode=%s job=%s root=%s", tc.Mode, tc.JobName, tc.Install.TargetRoot)
	}

	nodePath := filepath.Join(dir, "node.toml")
	if err := WriteTemplate(nodePath, KindNode, false); err != nil {
		t.Fatalf("write node template: %v", err)
	}
	node, err := LoadNode(nodePath)
	if err != nil {
		t.Fatalf("load node template: %v", err)
	}
	if sc := node.ServiceConfig(); sc.ID != "root" || sc.Tick != 50*time.Millisecond {
		t.Fatalf("unexpected service config: %+v", sc)
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestLoadHopDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, "hop.toml", `
name = "mj"
id = "3"
mode = "PBS"

[install]
target_root = "/scratch/relay"

[pbs]
dialect = "pbspro"
memory = "2GB"
walltime = "02:00:00"

[session]
answer_timeout = "3s"
`)
	cfg, err := LoadHop(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != "pbs" {
		t.Fatalf("mode not normalised: %q", cfg.Mode)
	}
	if cfg.Install.Executable != "bin/jobrelay" {
		t.Fatalf("install default lost: %q", cfg.Install.Executable)
	}
	if cfg.PBS.Nodes != 1 || cfg.PBS.Dialect != "pbspro" {
		t.Fatalf("unexpected pbs config: %+v", cfg.PBS)
	}
	if cfg.Session.AnswerTimeout != 3*time.Second || cfg.Session.ConnectTimeout != 5*time.Second {
		t.Fatalf("unexpected session config: %+v", cfg.Session)
	}
	if cfg.Input.Kind != InputSocket || cfg.Input.BasePort != 5000 {
		t.Fatalf("input defaults lost: %+v", cfg.Input)
	}

	cc := cfg.CommunicatorConfig()
	if cc.StatusName() != "mj_3" || cc.Session.AnswerTimeout != 3*time.Second {
		t.Fatalf("unexpected communicator config: name=%s session=%+v", cc.StatusName(), cc.Session)
	}
	tc, err := cfg.Transport()
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	if tc.Mode != transport.ModePBS || tc.JobName != "mj_3" || tc.PBS.Memory != "2GB" {
		t.Fatalf("unexpected transport config: %+v", tc)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "hop.toml", `
name = "hop"
mdoe = "exec"
[install]
target_root = "/tmp/x"
`)
	_, err := LoadHop(path)
	if !errors.Is(err, ErrInvalidConfig) || !strings.Contains(err.Error(), "mdoe") {
		t.Fatalf("expected unknown key error, got %v", err)
	}

	ypath := writeConfig(t, "node.yaml", "id: a\nlisten: \":1\"\n")
	if _, err := LoadNode(ypath); err == nil {
		t.Fatalf("expected unknown yaml field error")
	}
}

func TestLoadNodeYAML(t *testing.T) {
	path := writeConfig(t, "node.yml", `
id: mid
listen_addr: 127.0.0.1:7000
children:
  - 127.0.0.1:7001
service:
  max_drain: 8
  session:
    answer_timeout: 2s
`)
	cfg, err := LoadNode(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sc := cfg.ServiceConfig()
	if sc.ID != "mid" || sc.ListenAddr != "127.0.0.1:7000" || sc.MaxDrain != 8 {
		t.Fatalf("unexpected service config: %+v", sc)
	}
	if sc.Session.AnswerTimeout != 2*time.Second || sc.Tick != 50*time.Millisecond {
		t.Fatalf("defaults not applied: %+v", sc)
	}
	if len(cfg.Children) != 1 {
		t.Fatalf("unexpected children: %v", cfg.Children)
	}
}

func TestHopValidate(t *testing.T) {
	cfg := DefaultHopConfig()
	cfg.Install.TargetRoot = "/tmp/x"
	cfg.Mode = string(transport.ModeSSH)
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected missing ssh host error, got %v", err)
	}
	cfg.SSH.Host = "cluster"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate ssh: %v", err)
	}

	last := DefaultHopConfig()
	last.Mode = ModeNone
	if err := last.Validate(); err != nil {
		t.Fatalf("last hop needs no install root: %v", err)
	}
	if last.HasOutput() {
		t.Fatalf("last hop reports an output")
	}
	last.Input.Kind = "pipe"
	if err := last.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected bad input kind error, got %v", err)
	}
	last.Input.Kind = InputStd
	last.Name = "a/b"
	if err := last.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected bad name error, got %v", err)
	}
}

func TestUnsupportedExtension(t *testing.T) {
	path := writeConfig(t, "hop.json", "{}")
	if _, err := LoadHop(path); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
}

func TestJobsConfig(t *testing.T) {
	path := writeConfig(t, "hop.toml", `
name = "mj"
id = "3"
mode = "none"

[install]
target_root = "/scratch/relay"

[jobs]
mode = "exec"
args = ["--job", "{id}"]
`)
	cfg, err := LoadHop(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Jobs.Enabled() || len(cfg.Jobs.Args) != 2 {
		t.Fatalf("unexpected jobs config: %+v", cfg.Jobs)
	}
	tc, err := cfg.JobTransport("17")
	if err != nil {
		t.Fatalf("job transport: %v", err)
	}
	if tc.Mode != transport.ModeExec || tc.Name != "mj_17" || tc.JobName != "mj_3_17" {
		t.Fatalf("unexpected job transport: mode=%s name=%s job=%s", tc.Mode, tc.Name, tc.JobName)
	}

	withOutput := cfg
	withOutput.Mode = "exec"
	if err := withOutput.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected jobs with output error, got %v", err)
	}
	overSSH := cfg
	overSSH.Jobs.Mode = "ssh"
	if err := overSSH.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ssh jobs error, got %v", err)
	}
	noRoot := cfg
	noRoot.Install.TargetRoot = ""
	if err := noRoot.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected missing target root error, got %v", err)
	}
}
