package cluster

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/sambigeara/ripple/pkg/state"
)

// Kind discriminates cluster envelopes.
type Kind uint8

const (
	KindHello Kind = iota + 1
	KindSnapshot
	KindUpdate
	KindBroadcast
)

// Broadcast carries one client message across the cluster bus.
type Broadcast struct {
	Topic  string `cbor:"t"`
	Action string `cbor:"a"`
	Name   string `cbor:"n"`
	Data   []byte `cbor:"d,omitempty"`
}

// Envelope is the unit of exchange between servers. Server always names the
// originating server.
type Envelope struct {
	Kind      Kind             `cbor:"k"`
	Server    string           `cbor:"s"`
	Update    *state.Update    `cbor:"u,omitempty"`
	Snapshots []state.Snapshot `cbor:"ss,omitempty"`
	Broadcast *Broadcast       `cbor:"b,omitempty"`
}

const (
	lenPrefixSize = 4
	// maxEnvelopeSize bounds a single envelope on the wire; a full
	// snapshot batch for all topics stays far below this.
	maxEnvelopeSize = 8 * 1024 * 1024
)

// WriteEnvelope writes one length-prefixed cbor-encoded envelope.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	payload, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(payload) > maxEnvelopeSize {
		return fmt.Errorf("envelope too large: %d bytes", len(payload))
	}

	buf := make([]byte, lenPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:lenPrefixSize], uint32(len(payload)))
	copy(buf[lenPrefixSize:], payload)

	_, err = w.Write(buf)
	return err
}

// ReadEnvelope reads one length-prefixed envelope.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var prefix [lenPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 || size > maxEnvelopeSize {
		return nil, fmt.Errorf("invalid envelope size: %d", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	env := &Envelope{}
	if err := cbor.Unmarshal(payload, env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}
