// Package simulator provides a loopback DTU that answers real-time data
// requests with generated telemetry.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/hms-mqtt-publish/internal/domain"
	"github.com/resident-x/hms-mqtt-publish/internal/protocol"
)

// Generator produces the record answered for a request.
type Generator func(h protocol.Header) *domain.RealData

// Server is a fake DTU speaking the HM protocol.
type Server struct {
	addr      string
	generator Generator
	listener  net.Listener
	clients   map[string]net.Conn
	mutex     sync.Mutex
	wg        sync.WaitGroup
	done      chan struct{}
	logger    zerolog.Logger

	// failing makes the server hang up without answering
	failing  atomic.Bool
	requests atomic.Int64
	rejected atomic.Int64
}

// NewServer creates a simulator listening on addr once started.
func NewServer(addr string, generator Generator) *Server {
	if generator == nil {
		generator = StaticGenerator(&domain.RealData{})
	}

	return &Server{
		addr:      addr,
		generator: generator,
		clients:   make(map[string]net.Conn),
		done:      make(chan struct{}),
		logger:    log.With().Str("component", "simulator").Logger(),
	}
}

// Start begins listening and serving connections.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start listener on %s: %w", s.addr, err)
	}
	s.listener = listener

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Simulator started")

	s.wg.Add(1)
	go s.acceptConnections(ctx)

	return nil
}

// Addr returns the address the simulator listens on.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// SetFailing toggles hanging up on every request without a reply.
func (s *Server) SetFailing(failing bool) {
	s.failing.Store(failing)
}

// Requests returns the number of well-formed requests received.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// Rejected returns the number of malformed requests received.
func (s *Server) Rejected() int64 {
	return s.rejected.Load()
}

// Stop closes the listener and all client connections.
func (s *Server) Stop() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mutex.Lock()
	for id, conn := range s.clients {
		if cerr := conn.Close(); cerr != nil {
			s.logger.Debug().Str("client", id).Err(cerr).Msg("Failed to close client connection")
		}
	}
	s.mutex.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptConnections(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("Failed to accept connection")
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	clientAddr := conn.RemoteAddr().String()
	s.mutex.Lock()
	s.clients[clientAddr] = conn
	s.mutex.Unlock()

	defer func() {
		s.mutex.Lock()
		delete(s.clients, clientAddr)
		s.mutex.Unlock()
		conn.Close()
	}()

	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to set deadline")
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		s.logger.Debug().Str("client", clientAddr).Err(err).Msg("Read failed")
		return
	}

	h, _, err := protocol.ParseResponse(buf[:n], true)
	if err != nil {
		s.rejected.Add(1)
		s.logger.Warn().
			Str("client", clientAddr).
			Str("frame", protocol.FormatFrameHex(buf[:n])).
			Err(err).
			Msg("Rejected malformed request")
		return
	}
	s.requests.Add(1)

	if s.failing.Load() {
		return
	}

	frame, err := protocol.Encode(h.Command, protocol.MarshalRealData(s.generator(h)), h.Sequence)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
		return
	}

	if _, err := conn.Write(frame); err != nil {
		s.logger.Debug().Str("client", clientAddr).Err(err).Msg("Write failed")
		return
	}

	s.logger.Debug().
		Str("client", clientAddr).
		Uint16("sequence", h.Sequence).
		Int("bytes", len(frame)).
		Msg("Answered real data request")
}
