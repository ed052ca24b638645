// Package server hosts the client-facing TCP endpoint. Each connection gets
// its own goroutine running a read-dispatch-respond loop over length-prefixed
// JSON frames; the connection dies on the first framing error.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lodestardb/lodestar/internal/logging"
	"github.com/lodestardb/lodestar/internal/raft"
	"github.com/lodestardb/lodestar/internal/storage"
	"github.com/lodestardb/lodestar/internal/wire"
)

// Server accepts client connections and dispatches commands to the service.
type Server struct {
	mu     sync.Mutex
	addr   string
	svc    Service
	ln     net.Listener
	wg     sync.WaitGroup
	closed bool
}

// New builds a server for svc listening on addr once started.
func New(addr string, svc Service) *Server {
	return &Server{addr: addr, svc: svc}
}

// Start binds the listener and begins accepting clients.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	slog.Info("client server listening", slog.String("addr", ln.Addr().String()))
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
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
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				slog.Warn("server: accept failed", slog.Any("error", err))
			}
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	logging.VInfo("client", "connection opened", slog.String("remote", remote))
	for {
		var req wire.Request
		if err := wire.ReadMessage(conn, &req); err != nil {
			logging.VInfo("client", "connection closed", slog.String("remote", remote))
			return
		}
		resp := s.dispatch(&req)
		if err := wire.WriteMessage(conn, &resp); err != nil {
			return
		}
	}
}

// dispatch executes one command. Every path returns a response; protocol
// errors never kill the process.
func (s *Server) dispatch(req *wire.Request) wire.Response {
	switch req.Cmd {
	case wire.CmdPing:
		return wire.OKResponse()
	case wire.CmdGet:
		v, ok := s.svc.Get(req.Key)
		if !ok {
			return wire.ErrorResponse(fmt.Sprintf("key not found '%s'", req.Key))
		}
		resp := wire.OKResponse()
		resp.Value = &v
		return resp
	case wire.CmdSet:
		return s.writeResponse(s.svc.Set(req.Key, req.Value))
	case wire.CmdDelete:
		if err := s.svc.Delete(req.Key); err != nil {
			if errors.Is(err, storage.ErrKeyNotFound) {
				return wire.ErrorResponse(fmt.Sprintf("key not found '%s'", req.Key))
			}
			return s.writeResponse(err)
		}
		return wire.OKResponse()
	case wire.CmdBulkSet:
		return s.writeResponse(s.svc.BulkSet(req.Items))
	case wire.CmdVClock:
		vs, ok := s.svc.(VersionedService)
		if !ok {
			return wire.ErrorResponse("VCLOCK requires masterless mode")
		}
		clk, found := vs.VClock(req.Key)
		if !found {
			return wire.ErrorResponse(fmt.Sprintf("key not found '%s'", req.Key))
		}
		resp := wire.OKResponse()
		resp.Clock = clk
		return resp
	case wire.CmdConflicts:
		vs, ok := s.svc.(VersionedService)
		if !ok {
			return wire.ErrorResponse("CONFLICTS requires masterless mode")
		}
		resp := wire.OKResponse()
		resp.Conflicts = vs.Conflicts()
		return resp
	default:
		return wire.ErrorResponse(fmt.Sprintf("unknown command '%s'", req.Cmd))
	}
}

// writeResponse maps a write-path error to the protocol. Raft rejections
// carry the leader hint so the client can redirect.
func (s *Server) writeResponse(err error) wire.Response {
	if err == nil {
		return wire.OKResponse()
	}
	var nle *raft.NotLeaderError
	if errors.As(err, &nle) {
		resp := wire.ErrorResponse(nle.Error())
		resp.Leader = nle.LeaderID
		return resp
	}
	return wire.ErrorResponse(err.Error())
}

// Close stops accepting and waits briefly for in-flight connections.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
