package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/jobrelay/internal/install"
	"github.com/danmuck/jobrelay/internal/observability"
	"github.com/danmuck/jobrelay/internal/pbs"
	"github.com/danmuck/jobrelay/internal/protocol"
	"github.com/danmuck/jobrelay/internal/status"
	"github.com/rs/zerolog/log"
)

// PBSOutput submits the next hop as a batch job. With PBS.WithSocket unset
// the job runs detached and there is no message link.
type PBSOutput struct {
	cfg  Config
	inst install.Installation
	job  *pbs.Job

	links linkHolder

	mu       sync.Mutex
	endpoint protocol.Endpoint
	jobID    string
	started  bool
	warning  string
}

func NewPBSOutput(cfg Config) (*PBSOutput, error) {
	cfg = cfg.WithDefaults()
	inst, err := install.Compute(cfg.Install, cfg.JobName, false)
	if err != nil {
		return nil, err
	}
	jobCfg := cfg.PBS.Clone()
	if jobCfg.Name == "" {
		jobCfg.Name = cfg.JobName
	}
	job, err := pbs.NewJob(inst.JobDir(), jobCfg, cfg.Runner)
	if err != nil {
		return nil, err
	}
	return &PBSOutput{cfg: cfg, inst: inst, job: job}, nil
}

func (o *PBSOutput) Installation() install.Installation {
	return o.inst
}

func (o *PBSOutput) Install(ctx context.Context) error {
	return o.inst.Local(ctx, o.cfg.LockTimeout)
}

// Exec writes the job script, submits it and, for socket jobs, waits for
// the handshake in the batch output. A missing host falls back to the first
// execution node reported by qstat.
func (o *PBSOutput) Exec(ctx context.Context, args []string) error {
	started := time.Now()
	if err := o.job.Prepare(pbs.Script{
		Command:      o.inst.ShellCommand(args...),
		LoadCommands: o.inst.ShellEnv(),
	}); err != nil {
		return err
	}
	jobID, err := o.job.Submit(ctx)
	observability.RecordBatchSubmit(o.job.Dialect().Name(), err == nil)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.jobID = jobID
	o.started = true
	o.mu.Unlock()

	if !o.job.Config().WithSocket {
		return nil
	}
	ep, err := o.job.WaitHandshake(ctx, o.cfg.BatchPollInterval, o.cfg.BatchMaxWait)
	observability.RecordHandshake(string(ModePBS), time.Since(started), err == nil)
	if err != nil {
		return err
	}
	if ep.Host == "" {
		node, err := o.lookupNode(ctx, jobID)
		if err != nil {
			return err
		}
		ep.Host = node
	}
	o.mu.Lock()
	o.endpoint = ep
	o.mu.Unlock()
	log.Info().Str("hop", o.cfg.Name).Str("job_id", jobID).Str("host", ep.Host).Int("port", ep.Port).
		Msg("transport.PBSOutput.Exec handshake")
	return nil
}

func (o *PBSOutput) lookupNode(ctx context.Context, jobID string) (string, error) {
	var lastErr error
	for i := 0; i < o.cfg.NodeLookupTries; i++ {
		node, ready, err := o.job.Node(ctx, jobID)
		if err == nil && ready {
			return node, nil
		}
		if err != nil {
			lastErr = err
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(o.cfg.NodeLookupDelay):
		}
	}
	return "", fmt.Errorf("%w: no host for job %s: %v", ErrHandshake, jobID, lastErr)
}

func (o *PBSOutput) Connect(ctx context.Context) error {
	if !o.job.Config().WithSocket {
		return nil
	}
	ep := o.Endpoint()
	if !ep.Valid() {
		return ErrNotStarted
	}
	l, err := dialLink(ctx, o.cfg.Name, ep.Address("localhost"), o.cfg.Session, o.cfg.ConnectAttempts)
	if err != nil {
		return err
	}
	o.links.set(l)
	return nil
}

// Disconnect closes the link. A non-empty batch error file is kept as a
// warning; it does not fail the disconnect.
func (o *PBSOutput) Disconnect() error {
	err := o.links.drop()
	if msg := o.job.ReadErrors(); msg != "" {
		log.Warn().Str("hop", o.cfg.Name).Str("pbs_error", msg).Msg("transport.PBSOutput.Disconnect error output is not empty")
		o.mu.Lock()
		o.warning = msg
		o.mu.Unlock()
	}
	return err
}

// Warning is the batch error output seen at the last disconnect.
func (o *PBSOutput) Warning() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.warning
}

func (o *PBSOutput) IsConnected() bool {
	if !o.job.Config().WithSocket {
		return false
	}
	return o.links.connected()
}

func (o *PBSOutput) Send(msg protocol.Message) error {
	if !o.job.Config().WithSocket {
		return ErrNoLink
	}
	return o.links.send(msg)
}

func (o *PBSOutput) Receive(timeout time.Duration) (protocol.Message, error) {
	if !o.job.Config().WithSocket {
		return protocol.Message{}, ErrNoLink
	}
	return o.links.receive(timeout)
}

func (o *PBSOutput) Endpoint() protocol.Endpoint {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.endpoint
}

func (o *PBSOutput) JobID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.jobID
}

func (o *PBSOutput) SaveState() status.OutputState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return status.OutputState{
		Host:        o.endpoint.Host,
		Port:        o.endpoint.Port,
		Initialized: o.started,
		BatchJobID:  o.jobID,
		Warning:     o.warning,
	}
}

func (o *PBSOutput) LoadState(st status.OutputState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.endpoint = protocol.Endpoint{Host: st.Host, Port: st.Port}
	o.started = st.Initialized
	o.jobID = st.BatchJobID
	o.warning = st.Warning
}

func (o *PBSOutput) IsRunningNext(ctx context.Context) bool {
	id := o.JobID()
	if id == "" {
		return false
	}
	return o.job.IsQueued(ctx, id)
}

func (o *PBSOutput) KillNext(ctx context.Context) error {
	id := o.JobID()
	if id == "" || !o.IsRunningNext(ctx) {
		return nil
	}
	return o.job.Cancel(ctx, id)
}

// DownloadResults is a no-op: batch jobs write to the shared file system.
func (o *PBSOutput) DownloadResults(context.Context) error {
	return nil
}

func (o *PBSOutput) Purge(context.Context) error {
	return o.inst.Delete()
}

var _ OutputComm = (*PBSOutput)(nil)
