package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"insiderwatch/internal/config"
	"insiderwatch/internal/model"
	"insiderwatch/internal/normalize"
)

// TCPStream accepts newline-delimited producer records over TCP.
type TCPStream struct {
	cfg    *config.Manager
	out    chan<- model.ActivityEvent
	logger *slog.Logger

	mu   sync.Mutex
	addr net.Addr
}

func NewTCPStream(cfg *config.Manager, out chan<- model.ActivityEvent, logger *slog.Logger) *TCPStream {
	return &TCPStream{cfg: cfg, out: out, logger: logger}
}

// Addr is the bound listener address, nil until Serve is listening.
func (s *TCPStream) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *TCPStream) Serve(ctx context.Context) error {
	addr := s.cfg.Get().Ingest.TCPStream.Addr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp stream listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	}

	var wg sync.WaitGroup
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				wg.Wait()
				return ctx.Err()
			}
			if s.logger != nil {
				s.logger.Warn("tcp stream accept error", "err", err)
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *TCPStream) String() string { return "ingest-tcp" }

func (s *TCPStream) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		fields, err := ParseLine(scanner.Text())
		if err != nil || fields == nil {
			continue
		}
		ev, err := normalize.Normalize(*fields, "tcp_stream")
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("tcp stream normalize error", "err", err)
			}
			continue
		}
		SendNonBlocking(ctx, s.out, ev, s.logger)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && s.logger != nil {
		s.logger.Warn("tcp stream scanner error", "err", err)
	}
}
