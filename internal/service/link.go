package service

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/danmuck/jobrelay/internal/observability"
	"github.com/danmuck/jobrelay/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// inbound is one envelope read from a link.
type inbound struct {
	env  session.Envelope
	link *Link
}

// Link is one JSON-line connection between two nodes. A reader goroutine
// feeds every valid envelope into the sink it was created with.
type Link struct {
	name         string
	conn         net.Conn
	writeTimeout time.Duration

	wmu       sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newLink(name string, conn net.Conn, sink chan<- inbound, writeTimeout time.Duration) *Link {
	l := &Link{
		name:         name,
		conn:         conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	go l.readLoop(sink)
	return l
}

// dialLink connects to a node listening at addr.
func dialLink(ctx context.Context, name, addr string, sink chan<- inbound, cfg session.Config) (*Link, error) {
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newLink(name, conn, sink, cfg.WriteTimeout), nil
}

func (l *Link) readLoop(sink chan<- inbound) {
	defer l.Close()
	r := bufio.NewReader(l.conn)
	for {
		env, err := session.ReadEnvelope(r)
		if errors.Is(err, session.ErrInvalidEnvelope) {
			observability.RecordDiscarded(l.name, "invalid_envelope")
			log.Warn().Err(err).Str("link", l.name).Msg("service.Link.readLoop discarded line")
			continue
		}
		if err != nil {
			select {
			case <-l.done:
			default:
				log.Debug().Err(err).Str("link", l.name).Msg("service.Link.readLoop closed")
			}
			return
		}
		select {
		case sink <- inbound{env: env, link: l}:
		case <-l.done:
			return
		}
	}
}

func (l *Link) Send(env session.Envelope) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if l.writeTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	}
	return session.WriteEnvelope(l.conn, env)
}

// Closed reports whether the peer went away or Close was called.
func (l *Link) Closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Link) Done() <-chan struct{} {
	return l.done
}

func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})
	return err
}

func (l *Link) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}
