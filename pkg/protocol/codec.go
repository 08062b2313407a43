package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Wire framing: fields separated by the ASCII unit separator, frames
// terminated by the ASCII record separator. Names and data must not contain
// either byte.
const (
	fieldSep byte = 0x1F
	frameSep byte = 0x1E
)

var (
	ErrEmptyFrame   = errors.New("empty frame")
	ErrBadFrame     = errors.New("malformed frame")
	ErrUnknownTopic = errors.New("unknown topic")
)

// Encode renders a message into a single wire frame.
func Encode(m *Message) []byte {
	fields := make([][]byte, 0, 4+len(m.Names))
	fields = append(fields, []byte(m.Topic), []byte(m.Action))

	switch {
	case m.OriginalAction != "":
		fields = append(fields, []byte(m.OriginalAction))
		if m.CorrelationID != "" {
			fields = append(fields, []byte(m.CorrelationID))
		} else {
			fields = append(fields, []byte(m.Name))
		}
	case len(m.Names) > 0:
		fields = append(fields, []byte(m.CorrelationID))
		for _, name := range m.Names {
			fields = append(fields, []byte(name))
		}
	default:
		fields = append(fields, []byte(m.Name))
		if len(m.Data) > 0 {
			fields = append(fields, m.Data)
		}
	}

	out := bytes.Join(fields, []byte{fieldSep})
	return append(out, frameSep)
}

// Decode parses one frame (without its trailing frame separator) into a
// message. It understands the client-to-server shapes; replies built by the
// server are encoded but never decoded locally.
func Decode(frame []byte) (*Message, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	fields := bytes.Split(frame, []byte{fieldSep})
	if len(fields) < 3 {
		return nil, fmt.Errorf("%w: %d fields", ErrBadFrame, len(fields))
	}

	topic := Topic(fields[0])
	if !topic.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, fields[0])
	}

	m := &Message{
		Topic:  topic,
		Action: Action(fields[1]),
	}

	switch m.Action {
	case ActionSubscribeBulk, ActionUnsubscribeBulk:
		m.CorrelationID = string(fields[2])
		for _, f := range fields[3:] {
			if len(f) == 0 {
				continue
			}
			m.Names = append(m.Names, string(f))
		}
		if len(m.Names) == 0 {
			return nil, fmt.Errorf("%w: bulk frame without names", ErrBadFrame)
		}
	default:
		m.Name = string(fields[2])
		if m.Name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrBadFrame)
		}
		if len(fields) > 3 {
			m.Data = bytes.Clone(fields[3])
		}
	}

	return m, nil
}

// NewScanner returns a scanner that yields one frame per Scan, with the
// frame separator stripped.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.IndexByte(data, frameSep); i >= 0 {
			return i + 1, data[:i], nil
		}
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, nil
	})
	return sc
}
