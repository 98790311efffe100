package communicator

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/jobrelay/internal/protocol"
	"github.com/danmuck/jobrelay/internal/tools"
	"github.com/rs/zerolog/log"
)

const connPrefix = "conn_"

// ConnectionPath is the record of the live link to the next hop, written as
// handshake lines so it can be read back with protocol.ParseHandshake.
func (c *Communicator) ConnectionPath() string {
	id := c.cfg.ID
	if id == "" {
		id = "main"
	}
	return c.connectionPathOf(id)
}

// connectionPathOf is the record of the link named id: the next hop or one
// job.
func (c *Communicator) connectionPathOf(id string) string {
	return filepath.Join(c.store.Dir(), connPrefix+id)
}

func (c *Communicator) recordConnection() {
	if c.output == nil {
		return
	}
	writeConnection(c.ConnectionPath(), c.output.Endpoint())
}

func (c *Communicator) deleteConnection() {
	removeConnection(c.ConnectionPath())
}

func writeConnection(path string, ep protocol.Endpoint) {
	if !ep.Valid() {
		return
	}
	if ep.Host == "" {
		ep.Host = "localhost"
	}
	var buf bytes.Buffer
	if err := protocol.WriteHandshake(&buf, ep); err != nil {
		log.Warn().Err(err).Msg("communicator.writeConnection encode failed")
		return
	}
	if err := tools.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("communicator.writeConnection write failed")
	}
}

func removeConnection(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("communicator.removeConnection failed")
	}
}

// TerminateConnections sends destroy to every hop recorded in a conn_ file
// of the status dir, removes the records, then kills the next hop and the
// jobs. Failures are logged; a hop that cannot be reached is presumed gone.
func (c *Communicator) TerminateConnections(ctx context.Context) {
	dir := c.store.Dir()
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("dir", dir).Msg("communicator.TerminateConnections read dir failed")
	}
	log.Info().Str("communicator", c.Name()).Msg("communicator.TerminateConnections destroying recorded hops")
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), connPrefix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err == nil {
			if ep, ok := protocol.ParseHandshake(string(raw)); ok && ep.Port > 0 {
				c.destroyAt(ctx, ep)
			}
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("communicator.TerminateConnections remove record failed")
		}
	}
	if c.output != nil {
		if err := c.output.KillNext(ctx); err != nil {
			log.Warn().Err(err).Str("communicator", c.Name()).Msg("communicator.TerminateConnections kill next failed")
		}
	}
	if c.jobs != nil {
		c.jobs.killAll(ctx)
	}
}

func (c *Communicator) destroyAt(ctx context.Context, ep protocol.Endpoint) {
	addr := ep.Address("localhost")
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DestroyTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		log.Debug().Err(err).Str("addr", addr).Msg("communicator.destroyAt hop unreachable")
		return
	}
	defer conn.Close()
	if deadline, ok := dctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := protocol.WriteMessage(conn, protocol.ActionDestroy.Message()); err != nil {
		log.Debug().Err(err).Str("addr", addr).Msg("communicator.destroyAt send failed")
		return
	}
	log.Info().Str("host", ep.Host).Int("port", ep.Port).Msg("communicator.destroyAt hop destroyed")
}
