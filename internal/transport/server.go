// Package transport implements the primary bidirectional frame transport:
// TCP listen, WebSocket upgrade (gobwas/ws), and a per-connection
// read/write loop. Each inbound frame is handed to the dispatcher, and its
// reply is written back on the same connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/adred-codev/chat-interceptor/internal/dispatcher"
	"github.com/adred-codev/chat-interceptor/internal/metrics"
	"github.com/adred-codev/chat-interceptor/internal/session"
)

// Server handles TCP listening and WebSocket upgrades for the intercept
// protocol.
type Server struct {
	addr       string
	logger     *zap.Logger
	hub        *session.Hub
	dispatcher *dispatcher.Dispatcher
	metrics    *metrics.Registry
	listener   net.Listener
	wg         sync.WaitGroup
}

// NewServer builds a transport server bound to addr.
func NewServer(addr string, logger *zap.Logger, hub *session.Hub, d *dispatcher.Dispatcher, metricsRegistry *metrics.Registry) *Server {
	return &Server{addr: addr, logger: logger, hub: hub, dispatcher: d, metrics: metricsRegistry}
}

// Start begins listening and accepting connections in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("transport already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("transport listening", zap.String("addr", s.addr))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	return nil
}

// Listening reports whether the transport has an active listener.
func (s *Server) Listening() bool {
	return s.listener != nil
}

// Stop closes the listener and waits for all connections to finish.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("accept error", zap.Error(err))
			return
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConnection(parent context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		s.logger.Debug("set deadline", zap.Error(err))
	}

	if _, err := ws.Upgrade(conn); err != nil {
		s.metrics.Messages.AcceptErrors.Inc()
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	_ = conn.SetDeadline(time.Time{})

	registration := s.hub.Register(conn)
	if registration == nil {
		return
	}
	defer s.hub.Unregister(registration)

	connCtx, cancel := context.WithCancel(parent)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(connCtx, registration, conn)
	}()

	s.readLoop(connCtx, registration, conn)
	cancel()
	<-done
}

// readLoop parses each inbound frame, hands it to the dispatcher, and
// enqueues the reply on the same connection's send queue. Frames on a
// single connection are handled to completion in arrival order, so
// replies are never reordered relative to their requests.
func (s *Server) readLoop(ctx context.Context, conn *session.Connection, rwc net.Conn) {
	reader := wsutil.NewReader(rwc, ws.StateServerSide)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("read frame error", zap.Error(err))
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			_ = wsutil.WriteServerMessage(rwc, ws.OpClose, nil)
			return
		case ws.OpPing:
			if err := wsutil.WriteServerMessage(rwc, ws.OpPong, nil); err != nil {
				s.logger.Debug("write pong error", zap.Error(err))
				return
			}
		case ws.OpText, ws.OpBinary:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				s.logger.Debug("read message data error", zap.Error(err))
				return
			}
			reply := s.dispatcher.HandleFrame(ctx, payload)
			select {
			case conn.SendQueue <- reply:
			default:
				s.logger.Warn("send queue full, dropping reply")
			}
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				s.logger.Debug("drain frame data error", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, connState *session.Connection, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-connState.SendQueue:
			if !ok {
				return
			}
			if err := wsutil.WriteServerMessage(conn, ws.OpText, payload); err != nil {
				s.logger.Debug("write message error", zap.Error(err))
				return
			}
		}
	}
}
