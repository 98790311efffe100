package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/jobrelay/internal/install"
	"github.com/danmuck/jobrelay/internal/observability"
	"github.com/danmuck/jobrelay/internal/protocol"
	"github.com/danmuck/jobrelay/internal/status"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	remoteStdout = "hop.out"
	remoteStderr = "hop.err"
)

var ErrSSHConfig = errors.New("transport: invalid ssh config")

// SSHOutput starts the next hop inside a remote shell session and reaches it
// directly or through a local port-forward tunnel.
type SSHOutput struct {
	cfg  Config
	inst install.Installation

	links linkHolder

	mu       sync.Mutex
	client   *ssh.Client
	files    *sftp.Client
	tun      *tunnel
	endpoint protocol.Endpoint
	pid      int
	started  bool
}

func NewSSHOutput(cfg Config) (*SSHOutput, error) {
	cfg = cfg.WithDefaults()
	if strings.TrimSpace(cfg.SSH.Host) == "" {
		return nil, fmt.Errorf("%w: missing host", ErrSSHConfig)
	}
	inst, err := install.Compute(cfg.Install, cfg.JobName, true)
	if err != nil {
		return nil, err
	}
	return &SSHOutput{cfg: cfg, inst: inst}, nil
}

func (o *SSHOutput) Installation() install.Installation {
	return o.inst
}

func (o *SSHOutput) clientConfig() (*ssh.ClientConfig, error) {
	c := o.cfg.SSH
	var auth []ssh.AuthMethod
	if c.KeyFile != "" {
		pem, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read key: %v", ErrSSHConfig, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("%w: parse key: %v", ErrSSHConfig, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: no key_file or password", ErrSSHConfig)
	}
	var hostKey ssh.HostKeyCallback
	switch {
	case c.InsecureIgnoreHostKey:
		hostKey = ssh.InsecureIgnoreHostKey()
	default:
		file := c.KnownHostsFile
		if file == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("%w: known hosts: %v", ErrSSHConfig, err)
			}
			file = filepath.Join(home, ".ssh", "known_hosts")
		}
		cb, err := knownhosts.New(file)
		if err != nil {
			return nil, fmt.Errorf("%w: known hosts: %v", ErrSSHConfig, err)
		}
		hostKey = cb
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         o.cfg.Session.ConnectTimeout,
	}, nil
}

// ensureClient opens the ssh connection and its sftp channel once.
func (o *SSHOutput) ensureClient() (*ssh.Client, *sftp.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.client != nil {
		return o.client, o.files, nil
	}
	cc, err := o.clientConfig()
	if err != nil {
		return nil, nil, err
	}
	addr := net.JoinHostPort(o.cfg.SSH.Host, strconv.Itoa(o.cfg.SSH.Port))
	client, err := ssh.Dial("tcp", addr, cc)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ssh %s: %v", ErrNotConnected, addr, err)
	}
	files, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("sftp %s: %w", addr, err)
	}
	log.Info().Str("hop", o.cfg.Name).Str("addr", addr).Msg("transport.SSHOutput connected")
	o.client = client
	o.files = files
	return client, files, nil
}

func (o *SSHOutput) Install(ctx context.Context) error {
	_, files, err := o.ensureClient()
	if err != nil {
		return err
	}
	return o.inst.Upload(ctx, sftpUploader{c: files})
}

// run executes one command in a fresh session and returns its combined
// output and exit status.
func (o *SSHOutput) run(command string) (string, int, error) {
	client, _, err := o.ensureClient()
	if err != nil {
		return "", -1, err
	}
	sess, err := client.NewSession()
	if err != nil {
		return "", -1, err
	}
	defer sess.Close()
	out, err := sess.CombinedOutput(command)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return string(out), exitErr.ExitStatus(), nil
		}
		return string(out), -1, err
	}
	return string(out), 0, nil
}

// launchScript starts the hop detached so it survives the session, with
// stdout captured in the job dir for the handshake.
func (o *SSHOutput) launchScript(args []string) string {
	dir := o.inst.JobDir()
	parts := []string{
		"mkdir -p " + quote(dir),
		"cd " + quote(dir),
		"rm -f " + remoteStdout + " " + remoteStderr,
	}
	parts = append(parts, o.inst.ShellEnv()...)
	parts = append(parts,
		"nohup "+o.inst.ShellCommand(args...)+" >"+remoteStdout+" 2>"+remoteStderr+" </dev/null &",
		"echo $!",
	)
	return strings.Join(parts, "; ")
}

func (o *SSHOutput) Exec(ctx context.Context, args []string) error {
	started := time.Now()
	script := o.launchScript(args)
	out, code, err := o.run(script)
	if err != nil {
		return err
	}
	if code != 0 {
		return &StartError{Command: strings.Join(args, " "), Code: code, Output: out}
	}
	pid, err := strconv.Atoi(lastLine(out))
	if err != nil {
		return &StartError{Command: strings.Join(args, " "), Code: code, Output: out}
	}
	o.mu.Lock()
	o.pid = pid
	o.started = true
	o.mu.Unlock()

	ep, err := o.waitHandshake(ctx, pid)
	observability.RecordHandshake(string(ModeSSH), time.Since(started), err == nil)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.endpoint = ep
	o.mu.Unlock()
	log.Info().Str("hop", o.cfg.Name).Str("host", ep.Host).Int("port", ep.Port).Int("pid", pid).
		Msg("transport.SSHOutput.Exec handshake")
	return nil
}

func (o *SSHOutput) waitHandshake(ctx context.Context, pid int) (protocol.Endpoint, error) {
	_, files, err := o.ensureClient()
	if err != nil {
		return protocol.Endpoint{}, err
	}
	stdoutPath := path.Join(o.inst.JobDir(), remoteStdout)
	deadline := time.Now().Add(o.cfg.Session.HandshakeTimeout)
	grace := time.Now().Add(o.cfg.StartupGrace)
	for {
		if ep, ok := readRemoteHandshake(files, stdoutPath); ok {
			return ep, nil
		}
		if time.Now().After(grace) && !o.remoteAlive(pid) {
			stderr := readRemoteFile(files, path.Join(o.inst.JobDir(), remoteStderr))
			return protocol.Endpoint{}, &StartError{Command: o.inst.ExecutablePath(), Code: -1, Output: stderr}
		}
		if time.Now().After(deadline) {
			return protocol.Endpoint{}, fmt.Errorf("%w: after %s", ErrHandshake, o.cfg.Session.HandshakeTimeout)
		}
		select {
		case <-ctx.Done():
			return protocol.Endpoint{}, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (o *SSHOutput) remoteAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, code, err := o.run("kill -0 " + strconv.Itoa(pid))
	return err == nil && code == 0
}

func (o *SSHOutput) Connect(ctx context.Context) error {
	ep := o.Endpoint()
	if !ep.Valid() {
		return ErrNotStarted
	}
	client, _, err := o.ensureClient()
	if err != nil {
		return err
	}
	addr := ep.Address(o.cfg.SSH.Host)
	if o.cfg.SSH.Tunnel {
		o.mu.Lock()
		tun := o.tun
		o.mu.Unlock()
		if tun == nil {
			// the hop address as seen from the ssh server
			tun, err = openTunnel(client, o.cfg.SSH.TunnelBasePort, ep.Address("localhost"))
			if err != nil {
				return err
			}
			o.mu.Lock()
			o.tun = tun
			o.mu.Unlock()
		}
		addr = tun.localAddr()
	}
	l, err := dialLink(ctx, o.cfg.Name, addr, o.cfg.Session, o.cfg.ConnectAttempts)
	if err != nil {
		return err
	}
	o.links.set(l)
	return nil
}

// Disconnect closes the link, then the tunnel, then the ssh connection.
func (o *SSHOutput) Disconnect() error {
	err := o.links.drop()
	o.mu.Lock()
	tun, files, client := o.tun, o.files, o.client
	o.tun, o.files, o.client = nil, nil, nil
	o.mu.Unlock()
	if tun != nil {
		tun.close()
	}
	if files != nil {
		_ = files.Close()
	}
	if client != nil {
		if cerr := client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (o *SSHOutput) IsConnected() bool {
	return o.links.connected()
}

func (o *SSHOutput) Send(msg protocol.Message) error {
	return o.links.send(msg)
}

func (o *SSHOutput) Receive(timeout time.Duration) (protocol.Message, error) {
	return o.links.receive(timeout)
}

func (o *SSHOutput) Endpoint() protocol.Endpoint {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.endpoint
}

func (o *SSHOutput) SaveState() status.OutputState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return status.OutputState{
		Host:        o.endpoint.Host,
		Port:        o.endpoint.Port,
		Initialized: o.started,
		PID:         o.pid,
	}
}

func (o *SSHOutput) LoadState(st status.OutputState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.endpoint = protocol.Endpoint{Host: st.Host, Port: st.Port}
	o.started = st.Initialized
	o.pid = st.PID
}

func (o *SSHOutput) IsRunningNext(context.Context) bool {
	o.mu.Lock()
	pid := o.pid
	o.mu.Unlock()
	return o.remoteAlive(pid)
}

func (o *SSHOutput) KillNext(ctx context.Context) error {
	o.mu.Lock()
	pid := o.pid
	o.mu.Unlock()
	if !o.IsRunningNext(ctx) {
		return nil
	}
	out, code, err := o.run("kill -TERM " + strconv.Itoa(pid))
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("kill remote hop pid=%d: code=%d %s", pid, code, strings.TrimSpace(out))
	}
	return nil
}

// DownloadResults copies the remote result dir into LocalResultDir.
func (o *SSHOutput) DownloadResults(ctx context.Context) error {
	if o.cfg.LocalResultDir == "" {
		log.Warn().Str("hop", o.cfg.Name).Msg("transport.SSHOutput.DownloadResults no local result dir configured")
		return nil
	}
	_, files, err := o.ensureClient()
	if err != nil {
		return err
	}
	root := o.inst.ResultDir()
	walker := files.Walk(root)
	count := 0
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := walker.Err(); err != nil {
			return fmt.Errorf("walk %s: %w", walker.Path(), err)
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), root), "/")
		if rel == "" {
			continue
		}
		local := filepath.Join(o.cfg.LocalResultDir, filepath.FromSlash(rel))
		if walker.Stat().IsDir() {
			if err := os.MkdirAll(local, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := downloadFile(files, walker.Path(), local); err != nil {
			return fmt.Errorf("download %s: %w", rel, err)
		}
		count++
	}
	log.Info().Str("hop", o.cfg.Name).Int("files", count).Msg("transport.SSHOutput.DownloadResults done")
	return nil
}

// Purge removes the remote job directory through sftp.
func (o *SSHOutput) Purge(ctx context.Context) error {
	_, files, err := o.ensureClient()
	if err != nil {
		return err
	}
	dir := o.inst.JobDir()
	if dir == o.inst.TargetRoot || !strings.HasPrefix(dir, o.inst.TargetRoot+"/") {
		return fmt.Errorf("%w: refusing to remove %q", install.ErrSandboxViolation, dir)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := files.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove remote job dir %s: %w", dir, err)
	}
	log.Info().Str("hop", o.cfg.Name).Str("dir", dir).Msg("transport.SSHOutput.Purge done")
	return nil
}

func downloadFile(files *sftp.Client, remote, local string) error {
	in, err := files.Open(remote)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	out, err := os.Create(local)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func readRemoteFile(files *sftp.Client, p string) string {
	f, err := files.Open(p)
	if err != nil {
		return ""
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, maxCapturedOutput))
	if err != nil {
		return ""
	}
	return string(raw)
}

func readRemoteHandshake(files *sftp.Client, p string) (protocol.Endpoint, bool) {
	text := readRemoteFile(files, p)
	if text == "" {
		return protocol.Endpoint{}, false
	}
	return protocol.ParseHandshake(text)
}

// sftpUploader adapts an sftp client to install.Uploader.
type sftpUploader struct {
	c *sftp.Client
}

func (u sftpUploader) MkdirAll(dir string) error {
	return u.c.MkdirAll(dir)
}

func (u sftpUploader) WriteFile(dst string, r io.Reader, mode os.FileMode) error {
	tmp := dst + ".part"
	f, err := u.c.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := u.c.Chmod(tmp, mode); err != nil {
		return err
	}
	return u.c.PosixRename(tmp, dst)
}

// tunnel forwards connections on a local port through the ssh connection.
type tunnel struct {
	ln     net.Listener
	port   int
	client *ssh.Client
	remote string
	wg     sync.WaitGroup
}

func openTunnel(client *ssh.Client, basePort int, remote string) (*tunnel, error) {
	ln, port, err := listenSuccessive(net.Listen, "127.0.0.1", basePort, DefaultMaxPorts)
	if err != nil {
		return nil, err
	}
	t := &tunnel{ln: ln, port: port, client: client, remote: remote}
	t.wg.Add(1)
	go t.serve()
	log.Info().Int("local_port", port).Str("remote", remote).Msg("transport.tunnel opened")
	return t, nil
}

func (t *tunnel) localAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(t.port))
}

func (t *tunnel) serve() {
	defer t.wg.Done()
	for {
		local, err := t.ln.Accept()
		if err != nil {
			return
		}
		go t.forward(local)
	}
}

func (t *tunnel) forward(local net.Conn) {
	remote, err := t.client.Dial("tcp", t.remote)
	if err != nil {
		log.Warn().Err(err).Str("remote", t.remote).Msg("transport.tunnel.forward dial failed")
		_ = local.Close()
		return
	}
	done := make(chan struct{}, 2)
	pipe := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		_ = dst.Close()
		done <- struct{}{}
	}
	go pipe(remote, local)
	go pipe(local, remote)
	<-done
	<-done
}

func (t *tunnel) close() {
	_ = t.ln.Close()
	t.wg.Wait()
	log.Info().Int("local_port", t.port).Msg("transport.tunnel closed")
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

var _ OutputComm = (*SSHOutput)(nil)
