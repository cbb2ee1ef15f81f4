package core

// server.go – the role listener and TLS layer: one plain-TCP listener
// per role, TLS 1.2 on the encrypted roles, no peer-certificate validation
// (identity is proven in-band by the conversation handshake), and one
// long-lived goroutine per accepted connection.

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Role identifies one of the four listening roles.
type Role int

const (
	RolePrimary Role = iota
	RoleNonCustomerClient
	RoleCustomerClient
	RoleSrNeighbor
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleNonCustomerClient:
		return "non-customer-client"
	case RoleCustomerClient:
		return "customer-client"
	case RoleSrNeighbor:
		return "sr-neighbor"
	default:
		return "unknown-role"
	}
}

// RoleEncrypted reports whether a role's listener requires TLS.
func RoleEncrypted(r Role) bool { return r != RolePrimary }

const (
	tlsHandshakeTimeout  = 10 * time.Second
	defaultUnauthIdle    = 60 * time.Second
	defaultAuthenticated = 10 * time.Minute
	drainGrace           = 5 * time.Second
)

// RoleListenSpec is one role's bind address.
type RoleListenSpec struct {
	Role    Role
	Address string
}

// Connection is one accepted, possibly-TLS, socket plus the per-connection
// state the framing layer needs: a serializing sender lock and a server-initiated request
// id builder.
type Connection struct {
	Role     Role
	RemoteID string

	conn   net.Conn
	sender *SenderLock
	reqIDs *RequestIDBuilder
	logger *logrus.Entry

	// evicted is set by the hosting manager when a newer CheckIn displaces
	// this connection's customer session; the read loop answers the next
	// request with ErrorBadConversationState and closes the socket.
	evicted atomic.Bool
}

func newConnection(role Role, conn net.Conn, logger *logrus.Logger) *Connection {
	return &Connection{
		Role:     role,
		RemoteID: conn.RemoteAddr().String(),
		conn:     conn,
		sender:   NewSenderLock(conn),
		reqIDs:   &RequestIDBuilder{},
		logger:   logger.WithField("role", role.String()).WithField("remote", conn.RemoteAddr().String()),
	}
}

// SetIdleTimeout resets the read deadline. Callers re-arm it before every
// read so the deadline tracks inactivity rather than connection age.
func (c *Connection) SetIdleTimeout(d time.Duration) {
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
}

// ReadFrame reads one length-prefixed frame.
func (c *Connection) ReadFrame() ([]byte, error) { return ReadFrame(c.conn) }

// Send writes one length-prefixed frame under the connection's sender lock.
func (c *Connection) Send(payload []byte) error { return c.sender.Send(payload) }

// NextServerRequestID returns the next id for a server-initiated push.
func (c *Connection) NextServerRequestID() uint32 { return c.reqIDs.Next() }

func (c *Connection) Close() error { return c.conn.Close() }

// ConnHandler processes one accepted connection until it closes or ctx is
// cancelled. Implemented by core/conversation.go.
type ConnHandler func(ctx context.Context, conn *Connection)

// RoleServer binds one net.Listener per role and hands each accepted
// connection to a ConnHandler on its own goroutine.
type RoleServer struct {
	logger    *logrus.Logger
	tlsConfig *tls.Config

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
	closing   bool
}

// NewRoleServer loads the single TLS certificate shared by every encrypted
// role.
func NewRoleServer(certPEMPath, keyPEMPath string, logger *logrus.Logger) (*RoleServer, error) {
	cert, err := tls.LoadX509KeyPair(certPEMPath, keyPEMPath)
	if err != nil {
		return nil, fmt.Errorf("role server: load certificate: %w", err)
	}
	return &RoleServer{
		logger: logger,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			MaxVersion:   tls.VersionTLS12,
			ClientAuth:   tls.NoClientCert,
		},
	}, nil
}

// ListenAndServe binds every role's listener and starts its accept loop. It
// returns once all listeners are bound; accept loops run in the background
// until Shutdown.
func (s *RoleServer) ListenAndServe(ctx context.Context, specs []RoleListenSpec, handler ConnHandler) error {
	for _, spec := range specs {
		ln, err := net.Listen("tcp", spec.Address)
		if err != nil {
			return fmt.Errorf("role server: listen %s (%s): %w", spec.Role, spec.Address, err)
		}
		if RoleEncrypted(spec.Role) {
			ln = tls.NewListener(ln, s.tlsConfig)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()
		s.logger.WithField("role", spec.Role.String()).Infof("listening on %s", spec.Address)
		s.wg.Add(1)
		go s.acceptLoop(ctx, spec.Role, ln, handler)
	}
	return nil
}

func (s *RoleServer) acceptLoop(ctx context.Context, role Role, ln net.Listener, handler ConnHandler) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			s.logger.WithError(err).WithField("role", role.String()).Warn("accept failed")
			continue
		}
		s.wg.Add(1)
		go s.serve(ctx, role, conn, handler)
	}
}

func (s *RoleServer) serve(ctx context.Context, role Role, conn net.Conn, handler ConnHandler) {
	defer s.wg.Done()
	defer conn.Close()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		hctx, cancel := context.WithTimeout(ctx, tlsHandshakeTimeout)
		err := tlsConn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			s.logger.WithError(err).WithField("role", role.String()).Warn("TLS handshake failed")
			return
		}
	}

	c := newConnection(role, conn, s.logger)
	c.SetIdleTimeout(defaultUnauthIdle)

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler(ctx, c)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = conn.SetDeadline(time.Now().Add(drainGrace))
		<-done
	}
}

// Shutdown closes every listener so accept loops stop, then waits up to
// grace for in-flight connections to drain.
func (s *RoleServer) Shutdown(grace time.Duration) error {
	s.mu.Lock()
	s.closing = true
	var firstErr error
	for _, ln := range s.listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.mu.Unlock()

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(grace):
		s.logger.Warn("role server: shutdown grace period elapsed with connections still draining")
	}
	return firstErr
}

// DefaultIdleTimeout returns the read-idle timeout for a conversation state
// (60s unauthenticated, 10m authenticated).
func DefaultIdleTimeout(authenticated bool) time.Duration {
	if authenticated {
		return defaultAuthenticated
	}
	return defaultUnauthIdle
}
