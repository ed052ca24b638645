// Package cluster provides point-to-point RPC between nodes: one
// length-prefixed canonical JSON envelope out, one back, over TCP. Both
// replication modules ride on it. Peer failures are the caller's problem and
// are always treated as transient.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lodestardb/lodestar/internal/wire"
)

// HandlerFunc processes one inbound message body and returns the response
// value to marshal back.
type HandlerFunc func(body []byte) (any, error)

// Server accepts inter-node connections and dispatches envelopes by type.
type Server struct {
	mu       sync.RWMutex
	addr     string
	ln       net.Listener
	handlers map[string]HandlerFunc
	wg       sync.WaitGroup
	closed   bool
}

// NewServer creates a server that will listen on addr once started.
func NewServer(addr string) *Server {
	return &Server{addr: addr, handlers: make(map[string]HandlerFunc)}
}

// Handle registers a handler for a message type. Must be called before Start.
func (s *Server) Handle(msgType string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[msgType] = fn
	s.mu.Unlock()
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("cluster: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound address (useful with :0 in tests).
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if !closed {
				slog.Warn("cluster: accept failed", slog.Any("error", err))
			}
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn answers envelopes in order on one connection until it drops.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	for {
		var env wire.Envelope
		if err := wire.ReadMessage(conn, &env); err != nil {
			return
		}
		s.mu.RLock()
		fn := s.handlers[env.Type]
		s.mu.RUnlock()

		var out wire.Envelope
		out.Type = env.Type
		if fn == nil {
			out.Err = fmt.Sprintf("unknown message type '%s'", env.Type)
		} else if result, err := fn(env.Body); err != nil {
			out.Err = err.Error()
		} else if result != nil {
			b, err := wire.Marshal(result)
			if err != nil {
				out.Err = err.Error()
			} else {
				out.Body = b
			}
		}
		if err := wire.WriteMessage(conn, &out); err != nil {
			return
		}
	}
}

// Close stops the listener and waits for in-flight connections to finish.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	// Connections end when their peers disconnect; don't block shutdown on
	// them longer than a beat.
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}

// Call performs one request/response exchange with the node at addr. Each
// call dials fresh: connections are cheap at this message rate and a partition
// never wedges a pooled socket.
func Call(ctx context.Context, addr, msgType string, req, resp any) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("cluster: dial %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	body, err := wire.Marshal(req)
	if err != nil {
		return err
	}
	if err := wire.WriteMessage(conn, &wire.Envelope{Type: msgType, Body: body}); err != nil {
		return fmt.Errorf("cluster: send to %s: %w", addr, err)
	}
	var env wire.Envelope
	if err := wire.ReadMessage(conn, &env); err != nil {
		return fmt.Errorf("cluster: recv from %s: %w", addr, err)
	}
	if env.Err != "" {
		return errors.New(env.Err)
	}
	if resp != nil && env.Body != nil {
		return wire.Unmarshal(env.Body, resp)
	}
	return nil
}
