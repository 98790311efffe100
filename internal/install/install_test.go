package install

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/jobrelay/internal/testutil/testlog"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o755); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func TestComputeMatchesIncludeExclude(t *testing.T) {
	testlog.Start(t)
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"bin/jobrelay":       "binary",
		"lib/a.so":           "a",
		"lib/debug/a.so.dbg": "dbg",
		"README.md":          "docs",
	})
	cfg := Config{
		SourceRoot: src,
		Include:    []string{"bin/**", "lib/**"},
		Exclude:    []string{"**/*.dbg"},
		TargetRoot: t.TempDir(),
		Executable: "bin/jobrelay",
	}
	inst, err := Compute(cfg, "mj_1", false)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	want := []string{"bin/jobrelay", "lib/a.so"}
	if strings.Join(inst.CopiedPaths, ",") != strings.Join(want, ",") {
		t.Fatalf("copied=%v", inst.CopiedPaths)
	}
	if inst.StatusDir() != filepath.Join(cfg.TargetRoot, "jobs", "mj_1", "status") {
		t.Fatalf("status dir=%q", inst.StatusDir())
	}
}

func TestComputeRejectsBadJobName(t *testing.T) {
	testlog.Start(t)
	_, err := Compute(Config{TargetRoot: t.TempDir()}, "../x", false)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err=%v", err)
	}
}

func TestLocalInstallCopiesAndIsRepeatable(t *testing.T) {
	testlog.Start(t)
	src := t.TempDir()
	writeTree(t, src, map[string]string{"bin/jobrelay": "v1"})
	target := t.TempDir()
	inst, err := Compute(Config{SourceRoot: src, Include: []string{"bin/**"}, TargetRoot: target, Executable: "bin/jobrelay"}, "mj", false)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	for n := 0; n < 2; n++ {
		if err := inst.Local(context.Background(), time.Second); err != nil {
			t.Fatalf("install #%d: %v", n, err)
		}
	}
	got, err := os.ReadFile(filepath.Join(target, "bin", "jobrelay"))
	if err != nil || string(got) != "v1" {
		t.Fatalf("got=%q err=%v", got, err)
	}
	for _, dir := range []string{inst.StatusDir(), inst.ResultDir(), inst.LogDir()} {
		if _, err := os.Stat(dir); err != nil {
			t.Fatalf("missing %s: %v", dir, err)
		}
	}
	if err := inst.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(inst.JobDir()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("job dir still present")
	}
	if _, err := os.Stat(filepath.Join(target, "bin", "jobrelay")); err != nil {
		t.Fatalf("shared binary removed: %v", err)
	}
}

func TestMissingExecutableFails(t *testing.T) {
	testlog.Start(t)
	src := t.TempDir()
	writeTree(t, src, map[string]string{"lib/a.so": "a"})
	inst, err := Compute(Config{SourceRoot: src, Include: []string{"lib/**"}, TargetRoot: t.TempDir(), Executable: "bin/jobrelay"}, "mj", false)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if err := inst.Local(context.Background(), time.Second); !errors.Is(err, ErrExecutableMissing) {
		t.Fatalf("err=%v", err)
	}
}

func TestLockSerializes(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), ".install.lock")
	first, err := AcquireLock(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := AcquireLock(context.Background(), path, 100*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("second lock err=%v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := AcquireLock(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	_ = again.Release()
}

type memUploader struct {
	mu    sync.Mutex
	dirs  map[string]bool
	files map[string]string
}

func (m *memUploader) MkdirAll(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[dir] = true
	return nil
}

func (m *memUploader) WriteFile(dst string, r io.Reader, _ os.FileMode) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[dst] = buf.String()
	return nil
}

func TestUploadUsesRemotePaths(t *testing.T) {
	testlog.Start(t)
	src := t.TempDir()
	writeTree(t, src, map[string]string{"bin/jobrelay": "bin"})
	inst, err := Compute(Config{SourceRoot: src, Include: []string{"bin/*"}, TargetRoot: "/home/u/jobrelay", Executable: "bin/jobrelay"}, "mj", true)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	up := &memUploader{dirs: map[string]bool{}, files: map[string]string{}}
	if err := inst.Upload(context.Background(), up); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if up.files["/home/u/jobrelay/bin/jobrelay"] != "bin" {
		t.Fatalf("files=%v", up.files)
	}
	if !up.dirs["/home/u/jobrelay/jobs/mj/status"] {
		t.Fatalf("dirs=%v", up.dirs)
	}
	if got := inst.ShellCommand("hop", "--job", "a b"); got != "/home/u/jobrelay/bin/jobrelay hop --job 'a b'" {
		t.Fatalf("shell command=%q", got)
	}
}

func TestEnvAppendsLibraryPath(t *testing.T) {
	testlog.Start(t)
	inst := Installation{Environment: Environment{
		LibPaths: []string{"/opt/lib"},
		BatchEnv: map[string]string{"OMP_NUM_THREADS": "1"},
	}}
	env := inst.Env([]string{"LD_LIBRARY_PATH=/usr/lib", "HOME=/h"})
	if env[0] != "LD_LIBRARY_PATH=/opt/lib:/usr/lib" {
		t.Fatalf("env=%v", env)
	}
	if env[len(env)-1] != "OMP_NUM_THREADS=1" {
		t.Fatalf("env=%v", env)
	}
}
