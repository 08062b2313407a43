package protocol

import "sync"

// Message is one client-protocol frame. The zero value of the optional
// fields is omitted on the wire.
//
// A message rendered for fanout is built exactly once: Bytes caches the wire
// form, so a broadcast to N subscribers serializes the message a single time.
type Message struct {
	Topic          Topic
	Action         Action
	OriginalAction Action
	Name           string
	CorrelationID  string
	Names          []string
	Data           []byte

	buildOnce sync.Once
	built     []byte
}

// Bytes returns the cached wire representation, building it on first use.
func (m *Message) Bytes() []byte {
	m.buildOnce.Do(func() {
		m.built = Encode(m)
	})
	return m.built
}

// Ack builds the acknowledgement for a request, echoing its topic, action
// and either its name or, for bulk requests, its correlation id.
func Ack(of *Message) *Message {
	ack := &Message{
		Topic:          of.Topic,
		Action:         ActionAck,
		OriginalAction: of.Action,
		Name:           of.Name,
	}
	if len(of.Names) > 0 {
		ack.Name = ""
		ack.CorrelationID = of.CorrelationID
	}
	return ack
}
