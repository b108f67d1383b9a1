package gateway

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/pushline/internal/shared/types"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var ErrSessionClosed = errors.New("gateway: session closed")

// State is the lifecycle position of a session
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session is one client socket. The read loop owns reads; writes from the
// read loop and from push streams are serialized by writeMu.
type Session struct {
	id          int64
	key         types.ConnectionKey
	clientIP    string
	conn        net.Conn
	connectedAt time.Time

	state        atomic.Int32
	writeMu      sync.Mutex
	writeTimeout time.Duration

	// last heartbeat server time, read loop only
	lastServerMs int64

	closeOnce sync.Once
}

func newSession(id int64, clientIP string, writeTimeout time.Duration) *Session {
	return &Session{
		id:           id,
		clientIP:     clientIP,
		writeTimeout: writeTimeout,
	}
}

func (s *Session) ID() int64                { return s.id }
func (s *Session) Key() types.ConnectionKey { return s.key }
func (s *Session) State() State             { return State(s.state.Load()) }

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// WriteBinary writes one binary frame within the write timeout
func (s *Session) WriteBinary(data []byte) error {
	return s.write(ws.OpBinary, data)
}

func (s *Session) write(op ws.OpCode, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.State() == StateClosed {
		return ErrSessionClosed
	}

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return wsutil.WriteServerMessage(s.conn, op, data)
}

// goingAway asks the client to close
func (s *Session) goingAway() error {
	return s.closeWith(ws.StatusGoingAway, "server shutdown")
}

// closeWith sends a close frame; the socket itself is closed by Close
func (s *Session) closeWith(code ws.StatusCode, reason string) error {
	return s.write(ws.OpClose, ws.NewCloseFrameBody(code, reason))
}

// Close moves the session to CLOSED and closes the socket once
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.setState(StateClosed)
		s.writeMu.Unlock()

		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// nextServerMs returns the current time in ms, never below a previous result
func (s *Session) nextServerMs() int64 {
	now := time.Now().UnixMilli()
	if now < s.lastServerMs {
		now = s.lastServerMs
	}
	s.lastServerMs = now
	return now
}

// lockedConn routes the control-frame replies of wsutil's reader (pongs,
// close echoes) through writeMu
type lockedConn struct {
	s *Session
}

func (c lockedConn) Read(p []byte) (int, error) {
	return c.s.conn.Read(p)
}

func (c lockedConn) Write(p []byte) (int, error) {
	c.s.writeMu.Lock()
	defer c.s.writeMu.Unlock()
	if c.s.writeTimeout > 0 {
		c.s.conn.SetWriteDeadline(time.Now().Add(c.s.writeTimeout))
	}
	return c.s.conn.Write(p)
}
