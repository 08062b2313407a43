package connection

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sambigeara/ripple/pkg/protocol"
	"go.uber.org/zap"
)

const (
	// Batched writes are flushed when the buffer crosses this size or when
	// the flush timer fires, whichever comes first.
	flushThreshold = 16 * 1024
	flushInterval  = 2 * time.Millisecond
)

// TCPEndpoint is an Endpoint over a stream connection. Writes are batched
// into a buffer flushed on a short timer; backpressure stays in the kernel
// socket buffer, never in the registry.
type TCPEndpoint struct {
	conn net.Conn
	id   string
	user string
	log  *zap.SugaredLogger

	wmu     sync.Mutex
	wbuf    []byte
	timer   *time.Timer
	writeOK bool

	omu       sync.Mutex
	observers []CloseObserver
	closeOnce sync.Once
}

var _ Endpoint = (*TCPEndpoint)(nil)

func NewTCPEndpoint(conn net.Conn, user string) *TCPEndpoint {
	return &TCPEndpoint{
		conn:    conn,
		id:      uuid.NewString(),
		user:    user,
		log:     zap.S().Named("connection"),
		writeOK: true,
	}
}

func (e *TCPEndpoint) ID() string   { return e.id }
func (e *TCPEndpoint) User() string { return e.user }

func (e *TCPEndpoint) BuildMessage(m *protocol.Message) []byte {
	return m.Bytes()
}

func (e *TCPEndpoint) SendBuiltMessage(b []byte, allowBatch bool) {
	e.wmu.Lock()
	defer e.wmu.Unlock()

	if !e.writeOK {
		return
	}

	e.wbuf = append(e.wbuf, b...)
	if !allowBatch || len(e.wbuf) >= flushThreshold {
		e.flushLocked()
		return
	}
	if e.timer == nil {
		e.timer = time.AfterFunc(flushInterval, e.Flush)
	}
}

func (e *TCPEndpoint) Send(m *protocol.Message) {
	e.SendBuiltMessage(m.Bytes(), false)
}

func (e *TCPEndpoint) SendAck(m *protocol.Message) {
	e.Send(protocol.Ack(m))
}

// Flush writes out any batched bytes immediately.
func (e *TCPEndpoint) Flush() {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	e.flushLocked()
}

func (e *TCPEndpoint) flushLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if len(e.wbuf) == 0 || !e.writeOK {
		return
	}
	if _, err := e.conn.Write(e.wbuf); err != nil {
		e.writeOK = false
		e.log.Debugw("write failed", "endpoint", e.id, "err", err)
	}
	e.wbuf = e.wbuf[:0]
}

func (e *TCPEndpoint) OnClose(o CloseObserver) {
	e.omu.Lock()
	defer e.omu.Unlock()
	for _, existing := range e.observers {
		if existing == o {
			return
		}
	}
	e.observers = append(e.observers, o)
}

func (e *TCPEndpoint) RemoveOnClose(o CloseObserver) {
	e.omu.Lock()
	defer e.omu.Unlock()
	for i, existing := range e.observers {
		if existing == o {
			e.observers = append(e.observers[:i], e.observers[i+1:]...)
			return
		}
	}
}

// Close tears down the connection and fires close observers exactly once.
// Safe to call from any goroutine and idempotent.
func (e *TCPEndpoint) Close() {
	e.closeOnce.Do(func() {
		e.wmu.Lock()
		e.flushLocked()
		e.writeOK = false
		e.wmu.Unlock()

		_ = e.conn.Close()

		e.omu.Lock()
		observers := make([]CloseObserver, len(e.observers))
		copy(observers, e.observers)
		e.observers = nil
		e.omu.Unlock()

		for _, o := range observers {
			o.EndpointClosed(e)
		}
	})
}
