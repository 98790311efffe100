package pbs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/danmuck/jobrelay/internal/protocol"
	"github.com/danmuck/jobrelay/internal/tools"
	"github.com/rs/zerolog/log"
)

const (
	scriptFile    = "com.qsub"
	handshakeFile = "pbs_handshake"

	// EnvSubmitDir is set by the batch system to the directory qsub ran in.
	// A hop started by a job script mirrors its handshake lines there.
	EnvSubmitDir = "PBS_O_WORKDIR"
)

var (
	ErrSubmitFailed     = errors.New("pbs: submit failed")
	ErrNoJobID          = errors.New("pbs: no job id in submit output")
	ErrHandshakeTimeout = errors.New("pbs: handshake not published in time")
)

var jobIDPattern = regexp.MustCompile(`^(\d+)(\.|$)`)

// Script is the command a job script runs.
type Script struct {
	Command      string
	Interpreter  string
	Args         []string
	LoadCommands []string
	LimitArgs    []string
}

// Job is one batch submission rooted at workDir.
type Job struct {
	workDir string
	cfg     Config
	dialect Dialect
	runner  tools.CommandRunner
}

// NewJob validates cfg and binds it to its dialect. The config is cloned.
func NewJob(workDir string, cfg Config, runner tools.CommandRunner) (*Job, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, err := Lookup(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	return &Job{workDir: workDir, cfg: cfg, dialect: d, runner: runner}, nil
}

func (j *Job) Config() Config {
	return j.cfg.Clone()
}

func (j *Job) Dialect() Dialect {
	return j.dialect
}

func (j *Job) WorkDir() string {
	return j.workDir
}

func (j *Job) ScriptPath() string {
	return filepath.Join(j.workDir, scriptFile)
}

func (j *Job) OutputPath() string {
	if p, ok := j.dialect.OutputOverride(j.workDir, j.cfg); ok {
		return p
	}
	return filepath.Join(j.workDir, outputFile)
}

func (j *Job) ErrorPath() string {
	if p, ok := j.dialect.OutputOverride(j.workDir, j.cfg); ok {
		return filepath.Join(filepath.Dir(p), errorFile)
	}
	return filepath.Join(j.workDir, errorFile)
}

// HandshakePath is the mirror file a hop writes under EnvSubmitDir.
func (j *Job) HandshakePath() string {
	return HandshakeMirrorPath(j.workDir)
}

func HandshakeMirrorPath(submitDir string) string {
	return filepath.Join(submitDir, handshakeFile)
}

// Render returns the job script text.
func (j *Job) Render(s Script) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("#\n")
	for _, line := range j.dialect.Directives(j.workDir, j.cfg) {
		b.WriteString(line + "\n")
	}
	b.WriteString("#\n")
	b.WriteString("\n")
	for _, line := range j.cfg.ExtraParams {
		b.WriteString(line + "\n")
	}
	if len(j.cfg.ExtraParams) > 0 {
		b.WriteString("\n")
	}
	for _, line := range s.LoadCommands {
		b.WriteString(line + "\n")
	}
	if len(s.LoadCommands) > 0 {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "cd %q\n\n", j.workDir)

	parts := append([]string(nil), s.LimitArgs...)
	if s.Interpreter != "" {
		parts = append(parts, s.Interpreter)
	}
	parts = append(parts, s.Command)
	parts = append(parts, s.Args...)
	b.WriteString(strings.Join(parts, " ") + "\n\n")
	return b.String()
}

// Prepare writes the job script and clears output left by a previous run.
func (j *Job) Prepare(s Script) error {
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("%w: empty command", ErrInvalidConfig)
	}
	if err := os.MkdirAll(j.workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	for _, stale := range []string{j.OutputPath(), j.ErrorPath(), j.HandshakePath()} {
		if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("clear %s: %w", stale, err)
		}
	}
	if err := os.WriteFile(j.ScriptPath(), []byte(j.Render(s)), 0o755); err != nil {
		return fmt.Errorf("write job script: %w", err)
	}
	return nil
}

// SubmitArgs is the full qsub argument list after the command name.
func (j *Job) SubmitArgs() []string {
	args := append([]string(nil), j.dialect.SubmitArgs()...)
	return append(args, j.ScriptPath())
}

// Submit runs qsub and returns the batch job id.
func (j *Job) Submit(ctx context.Context) (string, error) {
	args := j.SubmitArgs()
	log.Debug().Str("dialect", j.dialect.Name()).Strs("args", args).Msg("pbs.Job.Submit qsub")
	stdout, stderr, code, err := j.runner.Run(ctx, j.workDir, "qsub", args...)
	if err != nil || code != 0 {
		return "", fmt.Errorf("%w: code=%d err=%v output=%s", ErrSubmitFailed, code, err,
			strings.TrimSpace(string(stdout)+string(stderr)))
	}
	id, err := ParseJobID(string(stdout))
	if err != nil {
		return "", err
	}
	log.Info().Str("job_id", id).Str("dialect", j.dialect.Name()).Msg("pbs.Job.Submit queued")
	return id, nil
}

// ParseJobID reads the first token of qsub output. "1234.server" yields
// "1234"; a token without a numeric prefix is returned as is.
func ParseJobID(out string) (string, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", ErrNoJobID
	}
	tok := fields[0]
	if m := jobIDPattern.FindStringSubmatch(tok); m != nil {
		return m[1], nil
	}
	return tok, nil
}

// Cancel removes the job from the queue.
func (j *Job) Cancel(ctx context.Context, jobID string) error {
	stdout, stderr, code, err := j.runner.Run(ctx, j.workDir, "qdel", jobID)
	if err != nil || code != 0 {
		return fmt.Errorf("pbs: qdel %s: code=%d err=%v output=%s", jobID, code, err,
			strings.TrimSpace(string(stdout)+string(stderr)))
	}
	return nil
}

// IsQueued reports whether the batch system still knows the job.
func (j *Job) IsQueued(ctx context.Context, jobID string) bool {
	_, _, code, err := j.runner.Run(ctx, j.workDir, "qstat", jobID)
	return err == nil && code == 0
}

// Node asks qstat for the first execution node. ready is false while the
// batch system reports "--" (not yet scheduled).
func (j *Job) Node(ctx context.Context, jobID string) (node string, ready bool, err error) {
	stdout, _, code, err := j.runner.Run(ctx, j.workDir, "qstat", "-n", jobID)
	if err != nil || code != 0 {
		return "", false, fmt.Errorf("pbs: qstat -n %s: code=%d err=%v", jobID, code, err)
	}
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "--" {
		return "", false, nil
	}
	if last == "" || strings.ContainsAny(last, " \t") {
		return "", false, fmt.Errorf("pbs: unexpected qstat node line %q", last)
	}
	// node lines look like "n12/0*4" or "n12/0+n13/0"
	if i := strings.IndexAny(last, "/+"); i > 0 {
		last = last[:i]
	}
	return last, true, nil
}

// ReadOutput returns handshake-bearing lines from the mirror file and the
// batch output file, in that order.
func (j *Job) ReadOutput() []string {
	var lines []string
	for _, path := range []string{j.HandshakePath(), j.OutputPath()} {
		lines = append(lines, readLines(path)...)
	}
	return lines
}

// ReadErrors returns the trimmed batch error file, "" when absent or blank.
func (j *Job) ReadErrors() string {
	raw, err := os.ReadFile(j.ErrorPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// WaitHandshake polls the job output until a complete handshake appears.
// A handshake with only the PORT line is returned with an empty host once
// maxWait elapses, so callers can fall back to the qstat node name.
func (j *Job) WaitHandshake(ctx context.Context, interval, maxWait time.Duration) (protocol.Endpoint, error) {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var partial protocol.Handshake
	for {
		var h protocol.Handshake
		for _, line := range j.ReadOutput() {
			h.Feed(line)
		}
		if ep, ok := h.Endpoint(); ok {
			return ep, nil
		}
		partial = h

		select {
		case <-ctx.Done():
			return protocol.Endpoint{}, ctx.Err()
		case <-deadline.C:
			if port, ok := partial.Port(); ok {
				return protocol.Endpoint{Port: port}, nil
			}
			return protocol.Endpoint{}, fmt.Errorf("%w: after %s", ErrHandshakeTimeout, maxWait)
		case <-ticker.C:
		}
	}
}

func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}
