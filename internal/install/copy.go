package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Uploader writes files on a remote host. The SSH transport implements it
// over SFTP.
type Uploader interface {
	MkdirAll(dir string) error
	WriteFile(dst string, r io.Reader, mode os.FileMode) error
}

// Lock is an exclusive advisory lock on a file.
type Lock struct {
	f *os.File
}

// AcquireLock takes an exclusive flock on path, polling until ctx ends or
// timeout elapses.
func AcquireLock(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock: %w", err)
	}
	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			_ = f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, path)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	defer func() { l.f = nil }()
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		_ = l.f.Close()
		return err
	}
	return l.f.Close()
}

// Local copies CopiedPaths into TargetRoot and creates the job directories.
// Concurrent installs into one target serialize on the install lock.
func (i Installation) Local(ctx context.Context, lockTimeout time.Duration) error {
	if i.remote {
		return fmt.Errorf("%w: local install of a remote installation", ErrInvalidConfig)
	}
	if err := i.checkExecutable(); err != nil {
		return err
	}
	lock, err := AcquireLock(ctx, i.LockPath(), lockTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	if i.SourceRoot != "" && filepath.Clean(i.SourceRoot) != filepath.Clean(i.TargetRoot) {
		for _, rel := range i.CopiedPaths {
			if err := ctx.Err(); err != nil {
				return err
			}
			dst := i.TargetPath(rel)
			if !isWithin(dst, i.TargetRoot) {
				return fmt.Errorf("%w: %q escapes target root", ErrSandboxViolation, rel)
			}
			src := filepath.Join(i.SourceRoot, filepath.FromSlash(rel))
			if err := copyFile(src, dst); err != nil {
				return fmt.Errorf("copy %s: %w", rel, err)
			}
		}
	}
	for _, dir := range []string{i.StatusDir(), i.ResultDir(), i.LogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	log.Info().Str("job", i.JobName).Str("target", i.TargetRoot).Int("files", len(i.CopiedPaths)).
		Msg("install.Installation.Local done")
	return nil
}

// Upload copies CopiedPaths to a remote TargetRoot through up.
func (i Installation) Upload(ctx context.Context, up Uploader) error {
	if err := i.checkExecutable(); err != nil {
		return err
	}
	if i.SourceRoot == "" {
		return fmt.Errorf("%w: upload needs source_root", ErrNothingToInstall)
	}
	for _, rel := range i.CopiedPaths {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(i.SourceRoot, filepath.FromSlash(rel))
		if err := uploadFile(up, src, i.TargetPath(rel)); err != nil {
			return fmt.Errorf("upload %s: %w", rel, err)
		}
	}
	for _, dir := range []string{i.StatusDir(), i.ResultDir(), i.LogDir()} {
		if err := up.MkdirAll(dir); err != nil {
			return err
		}
	}
	log.Info().Str("job", i.JobName).Str("target", i.TargetRoot).Int("files", len(i.CopiedPaths)).
		Msg("install.Installation.Upload done")
	return nil
}

// Delete removes the job directory. Shared installed files stay.
func (i Installation) Delete() error {
	if i.remote {
		return fmt.Errorf("%w: delete of a remote installation", ErrInvalidConfig)
	}
	dir := i.JobDir()
	if !isWithin(dir, i.TargetRoot) || dir == i.TargetRoot {
		return fmt.Errorf("%w: %q", ErrSandboxViolation, dir)
	}
	return os.RemoveAll(dir)
}

func (i Installation) checkExecutable() error {
	if i.SourceRoot == "" || i.Executable == "" {
		return nil
	}
	for _, p := range i.CopiedPaths {
		if p == i.Executable {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrExecutableMissing, i.Executable)
}

func uploadFile(up Uploader, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := up.MkdirAll(filepath.ToSlash(filepath.Dir(dst))); err != nil {
		return err
	}
	return up.WriteFile(dst, in, info.Mode().Perm())
}

func copyFile(src string, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: symlinks are not allowed: %s", ErrSandboxViolation, src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	// rename keeps a running binary intact while a new one is copied in
	return os.Rename(tmp, dst)
}
