// Package session provides the request/response transport to HMS DTUs.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/hms-mqtt-publish/internal/protocol"
)

// Default transport limits.
const (
	DefaultConnectTimeout = 500 * time.Millisecond
	DefaultIOTimeout      = 5 * time.Second
	ReadBufferSize        = 1024
)

// Kind classifies transport failures.
type Kind int

const (
	KindResolve Kind = iota
	KindConnect
	KindWrite
	KindRead
)

// String returns the string representation of the failure kind.
func (k Kind) String() string {
	switch k {
	case KindResolve:
		return "resolve"
	case KindConnect:
		return "connect"
	case KindWrite:
		return "write"
	case KindRead:
		return "read"
	default:
		return "unknown"
	}
}

// Error is a failed exchange with a device.
type Error struct {
	Kind Kind
	Addr string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was caused by an expired deadline.
func (e *Error) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) || errors.Is(e.Err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// Config holds the transport limits of a session. Zero values select the defaults.
type Config struct {
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
}

// Session represents the transport to one device. Every exchange opens a
// fresh connection which is closed before Exchange returns.
type Session struct {
	Addr string

	connectTimeout time.Duration
	ioTimeout      time.Duration
	resolver       *net.Resolver
	logger         zerolog.Logger

	exchanges       int64
	bytesReceived   int64
	bytesSent       int64
	packetsReceived int64
	packetsSent     int64
	errorCount      int64
	lastActivity    time.Time
	lastError       string
	mutex           sync.RWMutex
}

// Address returns host joined with the DTU port unless host already carries a port.
func Address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(protocol.DefaultPort))
}

// NewSession creates a session for a device host.
func NewSession(host string, cfg Config) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}

	addr := Address(host)
	return &Session{
		Addr:           addr,
		connectTimeout: cfg.ConnectTimeout,
		ioTimeout:      cfg.IOTimeout,
		resolver:       net.DefaultResolver,
		logger:         log.With().Str("component", "session").Str("addr", addr).Logger(),
	}
}

// Exchange sends one request frame and returns the bytes of a single read.
func (s *Session) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	host, port, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return nil, s.fail(KindResolve, err)
	}

	ips, err := s.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, s.fail(KindResolve, err)
	}
	if len(ips) == 0 {
		return nil, s.fail(KindResolve, fmt.Errorf("no addresses for %s", host))
	}

	dialer := net.Dialer{Timeout: s.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ips[0].IP.String(), port))
	if err != nil {
		return nil, s.fail(KindConnect, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(s.ioTimeout)
	if err := conn.SetWriteDeadline(deadline); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to set write deadline")
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to set read deadline")
	}

	if _, err := conn.Write(frame); err != nil {
		return nil, s.fail(KindWrite, err)
	}
	s.addBytesSent(int64(len(frame)))

	buf := make([]byte, ReadBufferSize)
	n, err := conn.Read(buf)
	if n == 0 && err != nil {
		return nil, s.fail(KindRead, err)
	}
	s.addBytesReceived(int64(n))

	s.logger.Trace().
		Str("sent", protocol.FormatFrameHex(frame)).
		Str("received", protocol.FormatFrameHex(buf[:n])).
		Msg("Exchange complete")

	return buf[:n], nil
}

func (s *Session) fail(kind Kind, err error) *Error {
	e := &Error{Kind: kind, Addr: s.Addr, Err: err}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.exchanges++
	s.errorCount++
	s.lastError = e.Error()
	s.lastActivity = time.Now()

	return e
}

func (s *Session) addBytesSent(bytes int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.bytesSent += bytes
	s.packetsSent++
	s.lastActivity = time.Now()
}

func (s *Session) addBytesReceived(bytes int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.exchanges++
	s.bytesReceived += bytes
	s.packetsReceived++
	s.lastActivity = time.Now()
}

// Stats is a snapshot of the session counters for external consumption.
type Stats struct {
	Addr            string    `json:"addr"`
	Exchanges       int64     `json:"exchanges"`
	BytesReceived   int64     `json:"bytes_received"`
	BytesSent       int64     `json:"bytes_sent"`
	PacketsReceived int64     `json:"packets_received"`
	PacketsSent     int64     `json:"packets_sent"`
	ErrorCount      int64     `json:"error_count"`
	LastActivity    time.Time `json:"last_activity"`
	LastError       string    `json:"last_error,omitempty"`
}

// GetStats returns a copy of the session statistics.
func (s *Session) GetStats() Stats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return Stats{
		Addr:            s.Addr,
		Exchanges:       s.exchanges,
		BytesReceived:   s.bytesReceived,
		BytesSent:       s.bytesSent,
		PacketsReceived: s.packetsReceived,
		PacketsSent:     s.packetsSent,
		ErrorCount:      s.errorCount,
		LastActivity:    s.lastActivity,
		LastError:       s.lastError,
	}
}
