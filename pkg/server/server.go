// Package server accepts client connections, frames the inbound protocol
// stream, and routes each message to the per-topic subscription registry.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sambigeara/ripple/pkg/connection"
	"github.com/sambigeara/ripple/pkg/protocol"
	"github.com/sambigeara/ripple/pkg/subscription"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	registries map[protocol.Topic]*subscription.Registry
	log        *zap.SugaredLogger

	mu        sync.Mutex
	listener  net.Listener
	endpoints map[*connection.TCPEndpoint]struct{}
}

func New(registries map[protocol.Topic]*subscription.Registry) *Server {
	return &Server{
		registries: registries,
		endpoints:  make(map[*connection.TCPEndpoint]struct{}),
		log:        zap.S().Named("server"),
	}
}

// Start listens on addr and serves until ctx is cancelled. It returns once
// the listener and every endpoint have shut down.
func (s *Server) Start(ctx context.Context, addr string) error {
	l, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.log.Infow("listening for clients", "addr", l.Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		_ = l.Close()
		s.closeEndpoints()
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			go s.serveConn(conn)
		}
	})

	return g.Wait()
}

// Addr returns the bound listen address, for tests that listen on :0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) serveConn(conn net.Conn) {
	ep := connection.NewTCPEndpoint(conn, "")

	s.mu.Lock()
	s.endpoints[ep] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.endpoints, ep)
		s.mu.Unlock()
		ep.Close()
	}()

	sc := protocol.NewScanner(conn)
	for sc.Scan() {
		frame := sc.Bytes()
		if len(frame) == 0 {
			continue
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			s.log.Warnw("dropping malformed frame", "endpoint", ep.ID(), "err", err)
			continue
		}
		s.dispatch(msg, ep)
	}
	if err := sc.Err(); err != nil {
		s.log.Debugw("client read loop ended", "endpoint", ep.ID(), "err", err)
	}
}

func (s *Server) dispatch(msg *protocol.Message, ep *connection.TCPEndpoint) {
	reg, ok := s.registries[msg.Topic]
	if !ok {
		s.log.Warnw("message for unhandled topic", "topic", msg.Topic)
		return
	}

	switch msg.Action {
	case protocol.ActionSubscribe, protocol.ActionListen:
		reg.Subscribe(msg.Name, msg, ep, false)
	case protocol.ActionUnsubscribe, protocol.ActionUnlisten:
		reg.Unsubscribe(msg.Name, msg, ep, false)
	case protocol.ActionSubscribeBulk:
		reg.SubscribeBulk(msg, ep, false)
	case protocol.ActionUnsubscribeBulk:
		reg.UnsubscribeBulk(msg, ep, false)
	case protocol.ActionPublish:
		reg.SendToSubscribers(msg.Name, msg, false, ep, false)
	default:
		s.log.Warnw("unhandled action", "topic", msg.Topic, "action", msg.Action)
	}
}

func (s *Server) closeEndpoints() {
	s.mu.Lock()
	endpoints := make([]*connection.TCPEndpoint, 0, len(s.endpoints))
	for ep := range s.endpoints {
		endpoints = append(endpoints, ep)
	}
	s.mu.Unlock()

	for _, ep := range endpoints {
		ep.Close()
	}
}
