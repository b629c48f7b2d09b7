package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/pairchat/internal/peer"
)

type State int32

const (
	StateIdle State = iota
	StateWaiting
	StateMatched
	StateNegotiating
	StateConnected
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateMatched:
		return "matched"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// live reports whether the state belongs to a matched session.
func (s State) live() bool {
	return s == StateMatched || s == StateNegotiating || s == StateConnected
}

type Role int

const (
	RoleResponder Role = iota
	RoleInitiator
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// DecideRole returns the role of self in a pairing with partner. The
// lexicographically smaller identifier sends the offer, so for distinct ids
// exactly one side is the Initiator.
func DecideRole(self, partner string) Role {
	if self < partner {
		return RoleInitiator
	}
	return RoleResponder
}

// Reason says why a session ended.
type Reason string

const (
	ReasonFailed              Reason = "failed"
	ReasonPartnerLeft         Reason = "partner-left"
	ReasonPartnerDisconnected Reason = "partner-disconnected"
	ReasonPeerClosed          Reason = "peer-closed"
	ReasonStopped             Reason = "stopped"
	ReasonSkipped             Reason = "skipped"
	ReasonTransport           Reason = "transport"
)

var (
	// ErrTransport wraps relay channel failures. The machine returns to
	// Idle and does not rejoin.
	ErrTransport = errors.New("session: relay transport unavailable")
	// ErrNotConnected is returned by chat sends outside Connected. Callers
	// are expected to ignore it.
	ErrNotConnected = errors.New("session: not connected")
	// ErrTooManyFailures is surfaced when the reconnect policy gives up.
	ErrTooManyFailures = errors.New("session: too many consecutive failures")
	// ErrMachineStopped is returned by commands once Run has exited.
	ErrMachineStopped = errors.New("session: machine not running")
)

// ServerError carries an "error" event from the relay verbatim.
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string {
	return "relay: " + e.Msg
}

type Direction int

const (
	Sent Direction = iota
	Received
)

func (d Direction) String() string {
	if d == Received {
		return "received"
	}
	return "sent"
}

type ChatMessage struct {
	Text      string
	Direction Direction
	At        time.Time
}

// Status is delivered to OnStatusChanged handlers.
type Status struct {
	State   State
	Partner string
	// QueuePosition is set while waiting if the relay reported one.
	QueuePosition *int
	// Detail is a short human readable note, e.g. "peer disconnected".
	Detail string
}

// Session is the unit of pairing. It only exists between matched and
// teardown and is owned by the machine goroutine.
type Session struct {
	Partner string
	Role    Role

	handle peer.Handle
	// early holds partner candidates that arrived before a handle existed.
	early []webrtc.ICECandidateInit
}

func (s *Session) Handle() peer.Handle { return s.handle }
