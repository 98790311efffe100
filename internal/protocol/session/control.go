package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxEnvelopeBytes bounds one JSON envelope line.
const MaxEnvelopeBytes = 1 << 20

var (
	ErrInvalidEnvelope  = errors.New("session: invalid envelope")
	ErrEnvelopeTooLarge = errors.New("session: envelope too large")
)

// Envelope is one message between service nodes. ID is the correlation id
// of a request and its answer; Sender and Target name the nodes.
type Envelope struct {
	ID     string         `json:"id"`
	Sender string         `json:"sender"`
	Target string         `json:"target"`
	Data   map[string]any `json:"data"`
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(e.Sender) == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidEnvelope)
	}
	return nil
}

// Str returns Data[key] when it is a string.
func (e Envelope) Str(key string) string {
	if e.Data == nil {
		return ""
	}
	v, _ := e.Data[key].(string)
	return v
}

// WriteEnvelope writes env as one JSON line.
func WriteEnvelope(w io.Writer, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if len(payload) > MaxEnvelopeBytes {
		return ErrEnvelopeTooLarge
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

// ReadEnvelope reads the next non-empty JSON line.
func ReadEnvelope(r *bufio.Reader) (Envelope, error) {
	for {
		line, err := readBoundedLine(r)
		if err != nil {
			return Envelope{}, err
		}
		if strings.TrimSpace(string(line)) == "" {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		if err := env.Validate(); err != nil {
			return Envelope{}, err
		}
		return env, nil
	}
}

func readBoundedLine(r *bufio.Reader) ([]byte, error) {
	var out []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		if len(out)+len(chunk) > MaxEnvelopeBytes {
			return nil, ErrEnvelopeTooLarge
		}
		out = append(out, chunk...)
		if !isPrefix {
			return out, nil
		}
	}
}
