package cluster

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	mrand "math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

const (
	alpnProtocol = "ripple/1"

	certSerialBits = 128
	certValidity   = 10 * 365 * 24 * time.Hour

	dialTimeout      = 5 * time.Second
	redialBase       = 2 * time.Second
	redialJitter     = 0.5
	helloTimeout     = 5 * time.Second
	eventBufSize     = 256
	streamErrGoodbye = 0
)

// QUICTransport is a Transport over QUIC streams. Each connected pair of
// servers keeps one bidirectional stream carrying length-prefixed
// envelopes; the canonical connection for a pair is the one initiated by
// the lower server id, so symmetric peer configs converge without churn.
type QUICTransport struct {
	serverID string
	port     int
	peerAddr []string
	cert     tls.Certificate
	events   chan Event

	mu       sync.Mutex
	listener *quic.Listener
	conns    map[string]*peerStream
	addrs    map[string]string

	log *zap.SugaredLogger
}

type peerStream struct {
	server   string
	conn     *quic.Conn
	stream   *quic.Stream
	outbound bool
	wmu      sync.Mutex
}

func (p *peerStream) write(env *Envelope) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return WriteEnvelope(p.stream, env)
}

func (p *peerStream) close() {
	_ = p.conn.CloseWithError(streamErrGoodbye, "replaced")
}

var _ Transport = (*QUICTransport)(nil)

// NewQUICTransport creates a transport listening on port and dialling the
// given peer addresses. Identity on the wire is the server id exchanged in
// the hello; the TLS layer only provides transport encryption.
func NewQUICTransport(serverID string, port int, peers []string) (*QUICTransport, error) {
	cert, err := generateIdentityCert()
	if err != nil {
		return nil, fmt.Errorf("generate identity cert: %w", err)
	}

	return &QUICTransport{
		serverID: serverID,
		port:     port,
		peerAddr: peers,
		cert:     cert,
		events:   make(chan Event, eventBufSize),
		conns:    make(map[string]*peerStream),
		addrs:    make(map[string]string),
		log:      zap.S().Named("cluster.quic"),
	}, nil
}

func (t *QUICTransport) Start(ctx context.Context) error {
	ln, err := quic.ListenAddr(fmt.Sprintf(":%d", t.port), t.serverTLSConfig(), &quic.Config{})
	if err != nil {
		return fmt.Errorf("quic listen: %w", err)
	}

	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	go t.acceptLoop(ctx)
	for _, addr := range t.peerAddr {
		go t.dialLoop(ctx, addr)
	}
	return nil
}

func (t *QUICTransport) Events() <-chan Event {
	return t.events
}

func (t *QUICTransport) Send(server string, env *Envelope) error {
	t.mu.Lock()
	ps := t.conns[server]
	t.mu.Unlock()

	if ps == nil {
		return fmt.Errorf("server not connected: %s", server)
	}
	return ps.write(env)
}

func (t *QUICTransport) Broadcast(env *Envelope) {
	t.mu.Lock()
	targets := make([]*peerStream, 0, len(t.conns))
	for _, ps := range t.conns {
		targets = append(targets, ps)
	}
	t.mu.Unlock()

	for _, ps := range targets {
		if err := ps.write(env); err != nil {
			t.log.Debugw("broadcast send failed", "server", ps.server, "err", err)
		}
	}
}

func (t *QUICTransport) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.conns))
	for server := range t.conns {
		out = append(out, server)
	}
	sort.Strings(out)
	return out
}

func (t *QUICTransport) Close() error {
	t.mu.Lock()
	ln := t.listener
	conns := make([]*peerStream, 0, len(t.conns))
	for _, ps := range t.conns {
		conns = append(conns, ps)
	}
	t.mu.Unlock()

	for _, ps := range conns {
		_ = ps.conn.CloseWithError(streamErrGoodbye, "shutdown")
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (t *QUICTransport) acceptLoop(ctx context.Context) {
	for {
		qc, err := t.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Debugw("accept failed", "err", err)
			continue
		}
		go t.handleInbound(ctx, qc)
	}
}

func (t *QUICTransport) handleInbound(ctx context.Context, qc *quic.Conn) {
	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	stream, err := qc.AcceptStream(helloCtx)
	cancel()
	if err != nil {
		_ = qc.CloseWithError(streamErrGoodbye, "no stream")
		return
	}

	hello, err := ReadEnvelope(stream)
	if err != nil || hello.Kind != KindHello || hello.Server == "" {
		_ = qc.CloseWithError(streamErrGoodbye, "bad hello")
		return
	}

	ps := &peerStream{server: hello.Server, conn: qc, stream: stream}
	if err := ps.write(&Envelope{Kind: KindHello, Server: t.serverID}); err != nil {
		_ = qc.CloseWithError(streamErrGoodbye, "hello reply failed")
		return
	}

	if !t.register(ps) {
		ps.close()
		return
	}
	t.serve(ctx, ps)
}

func (t *QUICTransport) dialLoop(ctx context.Context, addr string) {
	for {
		if server, ok := t.serverAt(addr); !ok || !t.connected(server) {
			t.dialOnce(ctx, addr)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitteredBackoff()):
		}
	}
}

func (t *QUICTransport) dialOnce(ctx context.Context, addr string) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	qc, err := quic.DialAddr(dialCtx, addr, t.clientTLSConfig(), &quic.Config{})
	cancel()
	if err != nil {
		t.log.Debugw("dial failed", "addr", addr, "err", err)
		return
	}

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(streamErrGoodbye, "stream open failed")
		return
	}

	ps := &peerStream{conn: qc, stream: stream, outbound: true}
	if err := ps.write(&Envelope{Kind: KindHello, Server: t.serverID}); err != nil {
		_ = qc.CloseWithError(streamErrGoodbye, "hello failed")
		return
	}

	hello, err := ReadEnvelope(stream)
	if err != nil || hello.Kind != KindHello || hello.Server == "" {
		_ = qc.CloseWithError(streamErrGoodbye, "bad hello")
		return
	}
	ps.server = hello.Server

	t.mu.Lock()
	t.addrs[addr] = hello.Server
	t.mu.Unlock()

	if !t.register(ps) {
		ps.close()
		return
	}
	t.serve(ctx, ps)
}

// register installs a freshly-handshaken stream. When both directions race,
// the stream initiated by the lower server id wins.
func (t *QUICTransport) register(ps *peerStream) bool {
	initiator := func(p *peerStream) string {
		if p.outbound {
			return t.serverID
		}
		return p.server
	}

	t.mu.Lock()
	old := t.conns[ps.server]
	if old == nil {
		t.conns[ps.server] = ps
		t.mu.Unlock()
		t.emit(PeerUp{Server: ps.server})
		return true
	}
	if initiator(ps) < initiator(old) {
		t.conns[ps.server] = ps
		t.mu.Unlock()
		old.close()
		return true
	}
	t.mu.Unlock()
	return false
}

func (t *QUICTransport) unregister(ps *peerStream) {
	t.mu.Lock()
	down := t.conns[ps.server] == ps
	if down {
		delete(t.conns, ps.server)
	}
	t.mu.Unlock()

	if down {
		t.emit(PeerDown{Server: ps.server})
	}
}

func (t *QUICTransport) serve(ctx context.Context, ps *peerStream) {
	defer t.unregister(ps)

	for {
		env, err := ReadEnvelope(ps.stream)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				t.log.Debugw("peer stream closed", "server", ps.server, "err", err)
			}
			return
		}
		select {
		case t.events <- Received{From: ps.server, Env: env}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *QUICTransport) emit(ev Event) {
	t.events <- ev
}

func (t *QUICTransport) serverAt(addr string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	server, ok := t.addrs[addr]
	return server, ok
}

func (t *QUICTransport) connected(server string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[server]
	return ok
}

func jitteredBackoff() time.Duration {
	delta := time.Duration(float64(redialBase) * redialJitter)
	return redialBase + mrand.N(delta*2) - delta //nolint:gosec
}

func (t *QUICTransport) serverTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{t.cert},
		NextProtos:   []string{alpnProtocol},
	}
}

func (t *QUICTransport) clientTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		Certificates:       []tls.Certificate{t.cert},
		InsecureSkipVerify: true, //nolint:gosec
		NextProtos:         []string{alpnProtocol},
	}
}

func generateIdentityCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), certSerialBits))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "ripple-server"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certValidity),

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}
