package protocol

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
)

const (
	// EndToken terminates every packed message.
	EndToken = "-xXx-"

	headerLen       = 12
	MaxMessageBytes = 4 * 1024 * 1024
)

// Message is the wire form of one Action: action type plus its JSON data.
//
// Packed layout before base64: len u32 | crc32 u32 | type u32 | json, where
// len counts everything after itself and crc32 covers type and json.
type Message struct {
	Type ActionType
	JSON []byte
}

func (m Message) String() string {
	return fmt.Sprintf("type:%s data:%s", m.Type, string(m.JSON))
}

// Pack returns the single-line text form of m including the end token.
func (m Message) Pack() string {
	body := make([]byte, headerLen+len(m.JSON))
	binary.BigEndian.PutUint32(body[8:12], uint32(m.Type))
	copy(body[headerLen:], m.JSON)
	binary.BigEndian.PutUint32(body[4:8], crc32.ChecksumIEEE(body[8:]))
	binary.BigEndian.PutUint32(body[0:4], uint32(len(body)-4))
	return base64.StdEncoding.EncodeToString(body) + EndToken
}

// Action decodes the JSON data of m.
func (m Message) Action() (Action, error) {
	if !m.Type.Valid() {
		return Action{}, fmt.Errorf("%w: %d", ErrUnknownActionType, uint32(m.Type))
	}
	data, err := decodeObject(m.JSON)
	if err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return Action{Type: m.Type, Data: data}, nil
}

// ParseMessage validates and unpacks one text line.
func ParseMessage(line string) (Message, error) {
	line = strings.TrimSpace(line)
	if len(line) < len(EndToken) {
		return Message{}, fmt.Errorf("%w: message length %d", ErrInvalidMessage, len(line))
	}
	if !strings.HasSuffix(line, EndToken) {
		return Message{}, ErrInvalidEndToken
	}
	body, err := base64.StdEncoding.DecodeString(strings.TrimSuffix(line, EndToken))
	if err != nil {
		return Message{}, fmt.Errorf("%w: base64: %v", ErrInvalidMessage, err)
	}
	if len(body) < headerLen {
		return Message{}, fmt.Errorf("%w: short header", ErrInvalidMessage)
	}
	if int(binary.BigEndian.Uint32(body[0:4])) != len(body)-4 {
		return Message{}, ErrInvalidLength
	}
	t := ActionType(binary.BigEndian.Uint32(body[8:12]))
	if !t.Valid() {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownActionType, uint32(t))
	}
	if crc32.ChecksumIEEE(body[8:]) != binary.BigEndian.Uint32(body[4:8]) {
		return Message{}, ErrInvalidChecksum
	}
	return Message{Type: t, JSON: body[headerLen:]}, nil
}

// ParseAction is ParseMessage followed by Message.Action.
func ParseAction(line string) (Action, error) {
	msg, err := ParseMessage(line)
	if err != nil {
		return Action{}, err
	}
	return msg.Action()
}

// IsProtocolError reports whether err came from message validation.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, ErrInvalidEndToken) ||
		errors.Is(err, ErrInvalidChecksum) ||
		errors.Is(err, ErrInvalidLength) ||
		errors.Is(err, ErrUnknownActionType) ||
		errors.Is(err, ErrMessageTooLarge)
}

// WriteMessage writes m as one newline-terminated line.
func WriteMessage(w io.Writer, m Message) error {
	_, err := io.WriteString(w, m.Pack()+"\n")
	return err
}

// ReadLine reads one newline-terminated line bounded by MaxMessageBytes.
// The trailing newline is stripped.
func ReadLine(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		if sb.Len()+len(chunk) > MaxMessageBytes {
			return "", ErrMessageTooLarge
		}
		sb.Write(chunk)
		if !isPrefix {
			return sb.String(), nil
		}
	}
}
