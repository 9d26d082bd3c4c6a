package core

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"torrentd/internal/rpc"
)

// RPCServer runs the rpc server on a TCP listener for as long as the
// component is started.
type RPCServer struct {
	server *rpc.Server
	addr   string
	logger *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc
	done   chan error
}

func NewRPCServer(server *rpc.Server, addr string, logger *slog.Logger) *RPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RPCServer{server: server, addr: addr, logger: logger}
}

func (s *RPCServer) Server() *rpc.Server { return s.server }

// Addr returns the bound address while started.
func (s *RPCServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *RPCServer) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen %s: %w", s.addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	s.mu.Lock()
	s.ln, s.cancel, s.done = ln, cancel, done
	s.mu.Unlock()

	go func() { done <- s.server.Serve(ctx, ln) }()
	return nil
}

// Stop closes the listener and every session opened through it.
func (s *RPCServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.ln, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown waits for every session goroutine to finish.
func (s *RPCServer) Shutdown(context.Context) error {
	return s.server.Close()
}
