package session

import "time"

const DefaultRejoinDelay = time.Second

// Decision is the outcome of a ReconnectPolicy. Err, when set, is surfaced
// to OnError handlers.
type Decision struct {
	Rejoin bool
	Delay  time.Duration
	Err    error
}

// ReconnectPolicy decides whether the machine re-enters the queue after a
// session ends. consecutiveFailures counts failed sessions since the last
// successful connection, including the one that just ended.
type ReconnectPolicy interface {
	Decide(reason Reason, consecutiveFailures int) Decision
}

// FixedDelay rejoins after Delay for every reason except the local user's
// own stop or skip and a lost relay connection.
type FixedDelay struct {
	Delay time.Duration
	// MaxConsecutiveFailures stops rejoining after that many failed
	// sessions in a row. Zero means never.
	MaxConsecutiveFailures int
}

func (p FixedDelay) Decide(reason Reason, consecutiveFailures int) Decision {
	switch reason {
	case ReasonStopped, ReasonSkipped, ReasonTransport:
		return Decision{}
	}
	if reason == ReasonFailed && p.MaxConsecutiveFailures > 0 && consecutiveFailures > p.MaxConsecutiveFailures {
		return Decision{Err: ErrTooManyFailures}
	}
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultRejoinDelay
	}
	return Decision{Rejoin: true, Delay: delay}
}
