package install

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	ErrInvalidConfig     = errors.New("install: invalid config")
	ErrSandboxViolation  = errors.New("install: sandbox violation")
	ErrLockTimeout       = errors.New("install: lock timeout")
	ErrNothingToInstall  = errors.New("install: no paths matched")
	ErrExecutableMissing = errors.New("install: executable not among copied paths")
)

const (
	jobsDir   = "jobs"
	statusDir = "status"
	resultDir = "res"
	logDir    = "log"
	lockFile  = ".install.lock"
)

// Environment is what a hop process needs around it on the target host.
type Environment struct {
	Interpreter  string            `toml:"interpreter" yaml:"interpreter" json:"interpreter"`
	LibPaths     []string          `toml:"lib_paths" yaml:"lib_paths" json:"lib_paths"`
	BatchEnv     map[string]string `toml:"batch_env" yaml:"batch_env" json:"batch_env"`
	LoadCommands []string          `toml:"load_commands" yaml:"load_commands" json:"load_commands"`
}

// Config describes the source tree and the target of one hop host.
type Config struct {
	// SourceRoot holds the files to ship; Include/Exclude are doublestar
	// patterns relative to it.
	SourceRoot string   `toml:"source_root" yaml:"source_root" json:"source_root"`
	Include    []string `toml:"include" yaml:"include" json:"include"`
	Exclude    []string `toml:"exclude" yaml:"exclude" json:"exclude"`
	// TargetRoot is the installation root on the hop host.
	TargetRoot string `toml:"target_root" yaml:"target_root" json:"target_root"`
	// Executable is the hop binary relative to SourceRoot.
	Executable  string      `toml:"executable" yaml:"executable" json:"executable"`
	Environment Environment `toml:"environment" yaml:"environment" json:"environment"`
}

func DefaultConfig() Config {
	return Config{
		Include:    []string{"bin/**"},
		Executable: "bin/jobrelay",
	}
}

// Installation is the derived layout of one job on one host. It is not
// persisted; Compute rebuilds it on every run.
type Installation struct {
	JobName     string
	SourceRoot  string
	TargetRoot  string
	Executable  string
	CopiedPaths []string
	Environment Environment
	remote      bool
}

// Compute resolves cfg for jobName. remote selects a target on another host,
// in which case TargetRoot is used verbatim as a remote path.
func Compute(cfg Config, jobName string, remote bool) (Installation, error) {
	jobName = strings.TrimSpace(jobName)
	if jobName == "" || strings.ContainsAny(jobName, `/\`) || jobName == "." || jobName == ".." {
		return Installation{}, fmt.Errorf("%w: job name %q", ErrInvalidConfig, jobName)
	}
	if strings.TrimSpace(cfg.TargetRoot) == "" {
		return Installation{}, fmt.Errorf("%w: missing target_root", ErrInvalidConfig)
	}
	target := cfg.TargetRoot
	if !remote {
		abs, err := filepath.Abs(target)
		if err != nil {
			return Installation{}, err
		}
		target = abs
	} else {
		target = path.Clean(target)
	}

	inst := Installation{
		JobName:     jobName,
		TargetRoot:  target,
		Executable:  filepath.ToSlash(strings.TrimSpace(cfg.Executable)),
		Environment: cfg.Environment,
		remote:      remote,
	}
	if strings.TrimSpace(cfg.SourceRoot) == "" {
		return inst, nil
	}
	src, err := filepath.Abs(cfg.SourceRoot)
	if err != nil {
		return Installation{}, err
	}
	inst.SourceRoot = src
	paths, err := matchPaths(src, cfg.Include, cfg.Exclude)
	if err != nil {
		return Installation{}, err
	}
	inst.CopiedPaths = paths
	return inst, nil
}

// matchPaths returns sorted slash-separated regular files under root that
// match any include pattern and no exclude pattern.
func matchPaths(root string, include, exclude []string) ([]string, error) {
	for _, p := range append(append([]string(nil), include...), exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: bad pattern %q", ErrInvalidConfig, p)
		}
	}
	fsys := os.DirFS(root)
	seen := make(map[string]struct{})
	for _, pattern := range include {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly(), doublestar.WithNoFollow())
		if err != nil {
			return nil, fmt.Errorf("match %q: %w", pattern, err)
		}
		for _, m := range matches {
			if excluded(m, exclude) {
				continue
			}
			info, err := fs.Stat(fsys, m)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func excluded(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

func (i Installation) join(elem ...string) string {
	if i.remote {
		return path.Join(append([]string{i.TargetRoot}, elem...)...)
	}
	return filepath.Join(append([]string{i.TargetRoot}, elem...)...)
}

func (i Installation) Remote() bool {
	return i.remote
}

// JobDir is <target>/jobs/<job name>; PBS scripts and outputs live here.
func (i Installation) JobDir() string {
	return i.join(jobsDir, i.JobName)
}

func (i Installation) StatusDir() string {
	return i.join(jobsDir, i.JobName, statusDir)
}

func (i Installation) ResultDir() string {
	return i.join(jobsDir, i.JobName, resultDir)
}

func (i Installation) LogDir() string {
	return i.join(jobsDir, i.JobName, logDir)
}

func (i Installation) LockPath() string {
	return i.join(lockFile)
}

// TargetPath maps a copied path to its location under the target root.
func (i Installation) TargetPath(rel string) string {
	return i.join(filepath.ToSlash(rel))
}

// ExecutablePath is the installed hop binary.
func (i Installation) ExecutablePath() string {
	return i.TargetPath(i.Executable)
}

// Command is the argv that starts the installed hop with args.
func (i Installation) Command(args ...string) []string {
	var out []string
	if i.Environment.Interpreter != "" {
		out = append(out, i.Environment.Interpreter)
	}
	out = append(out, i.ExecutablePath())
	return append(out, args...)
}

// ShellCommand is Command quoted for a POSIX shell, as used in SSH sessions.
func (i Installation) ShellCommand(args ...string) string {
	argv := i.Command(args...)
	quoted := make([]string, len(argv))
	for n, a := range argv {
		quoted[n] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// Env returns base extended with library paths and batch variables.
func (i Installation) Env(base []string) []string {
	out := append([]string(nil), base...)
	if len(i.Environment.LibPaths) > 0 {
		libs := strings.Join(i.Environment.LibPaths, string(os.PathListSeparator))
		out = appendPathVar(out, "LD_LIBRARY_PATH", libs)
	}
	keys := make([]string, 0, len(i.Environment.BatchEnv))
	for k := range i.Environment.BatchEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+i.Environment.BatchEnv[k])
	}
	return out
}

// ShellEnv renders the environment as export lines for job scripts and
// remote sessions.
func (i Installation) ShellEnv() []string {
	var out []string
	if len(i.Environment.LibPaths) > 0 {
		libs := strings.Join(i.Environment.LibPaths, ":")
		out = append(out, "export LD_LIBRARY_PATH="+shellQuote(libs)+"${LD_LIBRARY_PATH:+:$LD_LIBRARY_PATH}")
	}
	keys := make([]string, 0, len(i.Environment.BatchEnv))
	for k := range i.Environment.BatchEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, "export "+k+"="+shellQuote(i.Environment.BatchEnv[k]))
	}
	return append(out, i.Environment.LoadCommands...)
}

func appendPathVar(env []string, key, value string) []string {
	prefix := key + "="
	for n, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[n] = prefix + value + string(os.PathListSeparator) + strings.TrimPrefix(kv, prefix)
			return env
		}
	}
	return append(env, prefix+value)
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' || r == '=' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isWithin(p string, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(os.PathSeparator)) && rel != "..")
}
