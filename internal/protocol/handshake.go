package protocol

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

const (
	hostMarker = "HOST:--"
	portMarker = "PORT:--"
	markerEnd  = "--"
)

// Endpoint is a discovered host/port pair. An empty Host means the peer runs
// on the same machine as the reader.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Address joins the endpoint into a dial address. fallbackHost is used when
// Host is empty.
func (e Endpoint) Address(fallbackHost string) string {
	host := strings.TrimSpace(e.Host)
	if host == "" {
		host = fallbackHost
	}
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

func (e Endpoint) Valid() bool {
	return e.Port > 0 && e.Port < 65536
}

func HostLine(host string) string {
	return hostMarker + host + markerEnd + "\n"
}

func PortLine(port int) string {
	return portMarker + strconv.Itoa(port) + markerEnd + "\n"
}

// WriteHost writes the HOST line and flushes when w supports it.
func WriteHost(w io.Writer, host string) error {
	return writeFlushed(w, HostLine(host))
}

// WritePort writes the PORT line and flushes when w supports it.
func WritePort(w io.Writer, port int) error {
	return writeFlushed(w, PortLine(port))
}

// WriteHandshake writes both handshake lines, host first.
func WriteHandshake(w io.Writer, ep Endpoint) error {
	if err := WriteHost(w, ep.Host); err != nil {
		return err
	}
	return WritePort(w, ep.Port)
}

type flusher interface {
	Flush() error
}

type syncer interface {
	Sync() error
}

func writeFlushed(w io.Writer, line string) error {
	if _, err := io.WriteString(w, line); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	switch f := w.(type) {
	case flusher:
		return f.Flush()
	case syncer:
		// Sync on a terminal or pipe reports EINVAL; that is not a write failure.
		_ = f.Sync()
	}
	return nil
}

// Handshake accumulates lines until both markers have been seen.
type Handshake struct {
	host    string
	port    int
	hasHost bool
	hasPort bool
}

// Feed inspects one line of child output. Lines without a marker (banners,
// shell noise) are ignored.
func (h *Handshake) Feed(line string) {
	if v, ok := markerValue(line, hostMarker); ok && !h.hasHost {
		h.host = v
		h.hasHost = true
	}
	if v, ok := markerValue(line, portMarker); ok && !h.hasPort {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil && port > 0 && port < 65536 {
			h.port = port
			h.hasPort = true
		}
	}
}

// Endpoint reports the parsed endpoint once both lines were seen.
func (h *Handshake) Endpoint() (Endpoint, bool) {
	if !h.hasHost || !h.hasPort {
		return Endpoint{}, false
	}
	return Endpoint{Host: h.host, Port: h.port}, true
}

// Port reports the PORT value when it was seen, with or without HOST.
func (h *Handshake) Port() (int, bool) {
	return h.port, h.hasPort
}

// ParseHandshake scans text for the HOST and PORT markers.
func ParseHandshake(text string) (Endpoint, bool) {
	var h Handshake
	for _, line := range strings.Split(text, "\n") {
		h.Feed(line)
	}
	return h.Endpoint()
}

// ScanHandshake reads r line by line until both markers are found or r ends.
// Lines that were consumed are passed to seen when it is not nil.
func ScanHandshake(r io.Reader, seen func(string)) (Endpoint, bool) {
	var h Handshake
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if seen != nil {
			seen(line)
		}
		h.Feed(line)
		if ep, ok := h.Endpoint(); ok {
			return ep, true
		}
	}
	return Endpoint{}, false
}

func markerValue(line, marker string) (string, bool) {
	start := strings.Index(line, marker)
	if start < 0 {
		return "", false
	}
	rest := line[start+len(marker):]
	end := strings.Index(rest, markerEnd)
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}
