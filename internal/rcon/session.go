package rcon

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/yourusername/game-server-manager/internal/errdefs"
)

// State tracks the session through its life. Failed is terminal and
// reachable from Connecting and Authenticating only.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Session owns one RCON connection. Commands are strictly sequential:
// Execute must not be called again until the previous call returned,
// since response correlation relies on id ordering and the protocol has
// no multiplexing guarantee. Callers wanting concurrency open more
// sessions.
type Session struct {
	conn   net.Conn
	state  State
	buf    []byte
	lastID int32
}

// Dial opens the transport connection to host:port. Transport failures
// (refused, timeout, DNS) wrap errdefs.ErrConnection.
func Dial(host string, port int, timeout time.Duration) (*Session, error) {
	s := &Session{state: StateConnecting}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		s.state = StateFailed
		return nil, fmt.Errorf("%w: dialing %s: %v", errdefs.ErrConnection, addr, err)
	}

	s.conn = conn
	s.state = StateAuthenticating
	return s, nil
}

// State reports the current session state.
func (s *Session) State() State {
	return s.state
}

// Close releases the transport. Idempotent: safe on every exit path.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	if s.state != StateFailed {
		s.state = StateClosed
	}
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Authenticate performs the password handshake. Many server
// implementations precede the genuine auth response with an empty
// ResponseValue packet; those are discarded while waiting, bounded by
// the same timeout. Success requires the response id to match the
// request id; an id of -1 means the credential was rejected, any other
// id means the stream is desynchronized. Both cases close the transport
// and leave the session Failed.
func (s *Session) Authenticate(password string, timeout time.Duration) error {
	if s.state != StateAuthenticating {
		return fmt.Errorf("%w: authenticate called in state %s", errdefs.ErrAuthentication, s.state)
	}

	reqID := s.nextID()
	if err := s.send(Packet{ID: reqID, Type: TypeAuth, Body: password}); err != nil {
		s.fail()
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		pkt, err := s.readPacket(deadline)
		if err != nil {
			s.fail()
			return err
		}

		if pkt.Type == TypeResponseValue && pkt.Body == "" {
			// Pre-auth-response filler packet, not the answer.
			continue
		}

		if pkt.Type != TypeAuthResponse {
			s.fail()
			return fmt.Errorf("%w: unexpected packet type %d during auth", errdefs.ErrAuthentication, pkt.Type)
		}

		switch pkt.ID {
		case reqID:
			s.state = StateReady
			return nil
		case -1:
			s.fail()
			return fmt.Errorf("%w: password rejected by server", errdefs.ErrAuthentication)
		default:
			s.fail()
			return fmt.Errorf("%w: auth response id %d does not match request id %d", errdefs.ErrAuthentication, pkt.ID, reqID)
		}
	}
}

// Execute sends command and returns the full response body. A large
// response may be split across several ResponseValue packets, so an
// empty follow-up packet with a distinct id is sent right after the
// command; its echo marks end of stream. The bodies of every
// ResponseValue carrying the command id are concatenated in order.
func (s *Session) Execute(command string, timeout time.Duration) (string, error) {
	if s.state != StateReady {
		return "", fmt.Errorf("%w: execute called in state %s", errdefs.ErrConnection, s.state)
	}

	cmdID := s.nextID()
	termID := s.nextID()

	if err := s.send(Packet{ID: cmdID, Type: TypeExecCommand, Body: command}); err != nil {
		return "", err
	}
	if err := s.send(Packet{ID: termID, Type: TypeExecCommand}); err != nil {
		return "", err
	}

	var body []byte
	deadline := time.Now().Add(timeout)
	for {
		pkt, err := s.readPacket(deadline)
		if err != nil {
			return "", err
		}

		if pkt.Type != TypeResponseValue {
			continue
		}

		switch pkt.ID {
		case cmdID:
			body = append(body, pkt.Body...)
		case termID:
			return string(body), nil
		}
	}
}

func (s *Session) nextID() int32 {
	s.lastID++
	return s.lastID
}

func (s *Session) fail() {
	s.state = StateFailed
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) send(p Packet) error {
	if _, err := s.conn.Write(Encode(p)); err != nil {
		return fmt.Errorf("%w: writing packet: %v", errdefs.ErrConnection, err)
	}
	return nil
}

// readPacket blocks until a whole frame is buffered or the deadline
// passes. Bytes left over after one frame stay buffered for the next
// call, since reads may deliver coalesced packets.
func (s *Session) readPacket(deadline time.Time) (Packet, error) {
	for {
		pkt, consumed, err := Decode(s.buf)
		if err != nil {
			return Packet{}, err
		}
		if consumed > 0 {
			s.buf = s.buf[consumed:]
			return pkt, nil
		}

		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return Packet{}, fmt.Errorf("%w: %v", errdefs.ErrConnection, err)
		}

		chunk := make([]byte, 4096)
		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return Packet{}, fmt.Errorf("%w: no response before deadline", errdefs.ErrTimeout)
			}
			return Packet{}, fmt.Errorf("%w: reading packet: %v", errdefs.ErrConnection, err)
		}
	}
}
