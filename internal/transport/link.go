package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/jobrelay/internal/observability"
	"github.com/danmuck/jobrelay/internal/protocol"
	"github.com/danmuck/jobrelay/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// link carries newline-delimited messages over one connection.
type link struct {
	name         string
	conn         net.Conn
	r            *bufio.Reader
	writeTimeout time.Duration

	mu          sync.Mutex
	pending     string
	interrupted bool
}

func newLink(name string, conn net.Conn, writeTimeout time.Duration) *link {
	return &link{
		name:         name,
		conn:         conn,
		r:            bufio.NewReader(conn),
		writeTimeout: writeTimeout,
	}
}

func (l *link) send(msg protocol.Message) error {
	if l.writeTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	}
	if err := protocol.WriteMessage(l.conn, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	observability.RecordMessage(l.name, "out", msg.Type.String())
	return nil
}

// receive reads until one valid message arrives or timeout elapses. Lines
// that fail validation are logged and skipped.
func (l *link) receive(timeout time.Duration) (protocol.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	_ = l.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		chunk, err := l.r.ReadString('\n')
		l.pending += chunk
		if len(l.pending) > protocol.MaxMessageBytes {
			l.pending = ""
			observability.RecordDiscarded(l.name, "too_large")
			return protocol.Message{}, protocol.ErrMessageTooLarge
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return protocol.Message{}, ErrTimeout
			}
			if errors.Is(err, io.EOF) {
				l.interrupted = true
				return protocol.Message{}, ErrEmptyRead
			}
			return protocol.Message{}, err
		}
		line := l.pending
		l.pending = ""
		l.interrupted = false
		if len(line) <= 1 {
			continue
		}
		msg, perr := protocol.ParseMessage(line)
		if perr != nil {
			log.Warn().Err(perr).Str("link", l.name).Msg("transport.link.receive discarded message")
			observability.RecordDiscarded(l.name, "invalid")
			continue
		}
		observability.RecordMessage(l.name, "in", msg.Type.String())
		return msg, nil
	}
}

func (l *link) isInterrupted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interrupted
}

func (l *link) close() error {
	return l.conn.Close()
}

// dialLink connects to addr, retrying with backoff up to attempts times.
func dialLink(ctx context.Context, name, addr string, cfg session.Config, attempts int) (*link, error) {
	if attempts <= 0 {
		attempts = 1
	}
	backoff := session.NewBackoff(cfg.Backoff, nil)
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			log.Info().Str("link", name).Str("addr", addr).Int("attempt", attempt).Msg("transport.dialLink connected")
			return newLink(name, conn, cfg.WriteTimeout), nil
		}
		lastErr = err
		log.Warn().Err(err).Str("link", name).Str("addr", addr).Int("attempt", attempt).Msg("transport.dialLink failed")
		if attempt == attempts {
			break
		}
		if err := backoff.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrNotConnected, addr, lastErr)
}

// linkHolder is the connected-link slot shared by outputs.
type linkHolder struct {
	mu sync.Mutex
	l  *link
}

func (h *linkHolder) get() *link {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.l
}

func (h *linkHolder) set(l *link) {
	h.mu.Lock()
	old := h.l
	h.l = l
	h.mu.Unlock()
	if old != nil && old != l {
		_ = old.close()
	}
}

func (h *linkHolder) drop() error {
	h.mu.Lock()
	old := h.l
	h.l = nil
	h.mu.Unlock()
	if old == nil {
		return nil
	}
	return old.close()
}

func (h *linkHolder) send(msg protocol.Message) error {
	l := h.get()
	if l == nil {
		return ErrNotConnected
	}
	return l.send(msg)
}

func (h *linkHolder) receive(timeout time.Duration) (protocol.Message, error) {
	l := h.get()
	if l == nil {
		return protocol.Message{}, ErrNotConnected
	}
	return l.receive(timeout)
}

func (h *linkHolder) connected() bool {
	l := h.get()
	return l != nil && !l.isInterrupted()
}

// processAlive reports whether pid exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}
