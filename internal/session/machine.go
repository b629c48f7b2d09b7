// Package session drives one participant through matchmaking, negotiation
// and teardown. A Machine owns the current Session and its peer handle and
// mutates them only on its own goroutine (Run); transport events, peer
// events, timers and API calls are all funneled into that loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/pairchat/internal/models"
	"github.com/mossy-p/pairchat/internal/peer"
	"github.com/mossy-p/pairchat/internal/signaling"
	"github.com/mossy-p/pairchat/internal/transport"
)

// Transport is the relay channel. *transport.Client implements it.
type Transport interface {
	Connect(ctx context.Context) error
	SelfID() string
	Emit(event string, payload any) error
	Events() <-chan transport.Event
	Close() error
}

// PeerManager owns the direct connection. *peer.Manager implements it.
type PeerManager interface {
	Events() <-chan peer.Event
	Create(tracks []webrtc.TrackLocal) (peer.Handle, error)
	CreateOffer(h peer.Handle) (webrtc.SessionDescription, error)
	ApplyRemoteOffer(h peer.Handle, offer webrtc.SessionDescription) (peer.Handle, webrtc.SessionDescription, error)
	ApplyRemoteAnswer(h peer.Handle, answer webrtc.SessionDescription) error
	AddRemoteCandidate(h peer.Handle, candidate webrtc.ICECandidateInit) error
	Close(h peer.Handle) error
}

const (
	DefaultSkipDelay   = 100 * time.Millisecond
	maxEarlyCandidates = 64
)

var errPeerFailed = errors.New("peer connection failed")

type Config struct {
	Transport Transport
	Peers     PeerManager
	// LocalTracks supplies the tracks published by the Initiator.
	LocalTracks func() []webrtc.TrackLocal
	// Policy defaults to FixedDelay{Delay: DefaultRejoinDelay}.
	Policy    ReconnectPolicy
	SkipDelay time.Duration
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Machine struct {
	transport   Transport
	peers       PeerManager
	localTracks func() []webrtc.TrackLocal
	policy      ReconnectPolicy
	skipDelay   time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	hooks hooks
	chat  *ChatRelay

	inbox   chan func()
	nested  chan func()
	done    chan struct{}
	running atomic.Bool
	state   atomic.Int32

	// Everything below is owned by the Run goroutine.
	runCtx   context.Context
	active   bool
	gen      uint64
	sess     *Session
	failures int
	timer    *clock.Timer
	timerSeq uint64
	// hooks queued by the current transition, run by flushHooks.
	pendingHooks []func()
}

func New(cfg Config) (*Machine, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if cfg.Peers == nil {
		return nil, errors.New("session: peer manager is required")
	}
	policy := cfg.Policy
	if policy == nil {
		policy = FixedDelay{Delay: DefaultRejoinDelay}
	}
	skipDelay := cfg.SkipDelay
	if skipDelay <= 0 {
		skipDelay = DefaultSkipDelay
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Machine{
		transport:   cfg.Transport,
		peers:       cfg.Peers,
		localTracks: cfg.LocalTracks,
		policy:      policy,
		skipDelay:   skipDelay,
		clock:       clk,
		logger:      logger.With("component", "session"),
		inbox:       make(chan func()),
		nested:      make(chan func()),
		done:        make(chan struct{}),
	}
	m.chat = newChatRelay(m.transport.Emit, func() bool {
		return m.sess != nil && m.State() == StateConnected
	}, clk)
	return m, nil
}

// State is safe to call from any goroutine.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Run processes events until ctx is cancelled, then stops the machine.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("session: Run called twice")
	}
	defer close(m.done)
	m.runCtx = ctx

	for {
		select {
		case <-ctx.Done():
			m.stop()
			m.flushHooks()
			return ctx.Err()
		case ev := <-m.transport.Events():
			m.handleTransport(ev)
		case ev := <-m.peers.Events():
			m.handlePeer(ev)
		case fn := <-m.inbox:
			fn()
		}
		m.flushHooks()
	}
}

// Start connects to the relay if needed and joins the queue.
func (m *Machine) Start(ctx context.Context) error {
	return m.do(ctx, m.start)
}

// Skip ends the current session, if any, and rejoins the queue after a
// short delay.
func (m *Machine) Skip(ctx context.Context) error {
	return m.do(ctx, m.skip)
}

// Stop leaves the queue, ends the session and closes the relay connection.
// Nothing is rejoined until the next Start.
func (m *Machine) Stop(ctx context.Context) error {
	return m.do(ctx, m.stop)
}

// SendChat returns ErrNotConnected outside Connected.
func (m *Machine) SendChat(ctx context.Context, text string) error {
	return m.do(ctx, func() error { return m.chat.Send(text) })
}

func (m *Machine) ChatHistory(ctx context.Context) ([]ChatMessage, error) {
	var out []ChatMessage
	err := m.do(ctx, func() error {
		out = m.chat.Messages()
		return nil
	})
	return out, err
}

// do runs fn on the loop and waits for its result. Called from the loop
// itself it returns once fn's hooks have run; called from inside a hook it
// is served while that hook is still running.
func (m *Machine) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	queued := func() {
		err := fn()
		m.queueHook(func() { result <- err })
	}
	select {
	case m.inbox <- queued:
	case m.nested <- func() { result <- fn() }:
	case <-m.done:
		return ErrMachineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-result
}

// post queues fn from a background goroutine without waiting.
func (m *Machine) post(fn func()) {
	select {
	case m.inbox <- fn:
	case <-m.done:
	}
}

func (m *Machine) start() error {
	if m.active {
		return nil
	}
	m.active = true
	m.gen++
	m.failures = 0

	if m.transport.SelfID() != "" {
		m.join()
		return nil
	}

	m.notify(StateIdle, "connecting")
	gen, ctx := m.gen, m.runCtx
	go func() {
		err := m.transport.Connect(ctx)
		m.post(func() { m.connectDone(gen, err) })
	}()
	return nil
}

func (m *Machine) connectDone(gen uint64, err error) {
	if gen != m.gen || !m.active {
		m.logger.Debug("discarding stale relay connect result", "err", err)
		if err == nil && !m.active {
			_ = m.transport.Close()
		}
		return
	}
	if err != nil {
		m.transportLost(err)
		return
	}
	m.join()
}

func (m *Machine) join() {
	m.setState(StateWaiting, "")
	if err := m.transport.Emit(models.EventJoin, nil); err != nil {
		m.transportLost(err)
	}
}

func (m *Machine) skip() error {
	if !m.active {
		return m.start()
	}
	if m.transport.SelfID() == "" {
		// Still connecting; the pending connect joins.
		return nil
	}

	m.cancelTimer()
	ended := m.teardown()
	m.setState(StateIdle, "")
	if err := m.transport.Emit(models.EventLeave, nil); err != nil {
		m.transportLost(err)
		return nil
	}
	if ended {
		m.fireEnded(ReasonSkipped)
	}
	m.scheduleJoin(m.skipDelay)
	return nil
}

func (m *Machine) stop() error {
	wasActive := m.active
	m.active = false
	m.gen++
	m.cancelTimer()
	ended := m.teardown()

	connected := m.transport.SelfID() != ""
	if !wasActive && !ended && !connected {
		return nil
	}

	m.setState(StateIdle, "")
	if connected {
		if err := m.transport.Emit(models.EventLeave, nil); err != nil {
			m.logger.Debug("leave not sent", "err", err)
		}
	}
	if err := m.transport.Close(); err != nil {
		m.logger.Warn("closing relay connection failed", "err", err)
	}
	if ended {
		m.fireEnded(ReasonStopped)
	}
	return nil
}

func (m *Machine) transportLost(err error) {
	if !m.active {
		return
	}
	m.active = false
	m.gen++
	m.cancelTimer()
	ended := m.teardown()
	m.setState(StateIdle, "relay disconnected")
	if ended {
		m.fireEnded(ReasonTransport)
	}
	m.logger.Warn("relay transport lost", "err", err)
	m.fireError(fmt.Errorf("%w: %v", ErrTransport, err))
}

func (m *Machine) handleTransport(ev transport.Event) {
	if ev.Name == transport.EventDisconnect {
		m.transportLost(ev.Err)
		return
	}
	if !m.active {
		m.logger.Debug("relay event ignored while inactive", "event", ev.Name)
		return
	}

	switch ev.Name {
	case models.EventStatus:
		var p models.StatusPayload
		if err := ev.Decode(&p); err != nil {
			m.logger.Warn("bad status payload", "err", err)
			return
		}
		if m.State() == StateWaiting {
			m.fireStatus(Status{State: StateWaiting, QueuePosition: p.QueuePosition, Detail: p.Msg})
		}

	case models.EventMatched:
		var p models.MatchedPayload
		if err := ev.Decode(&p); err != nil {
			m.logger.Warn("bad matched payload", "err", err)
			return
		}
		m.onMatched(p.Peer)

	case models.EventSignal:
		var p models.SignalPayload
		if err := ev.Decode(&p); err != nil {
			m.logger.Warn("bad signal payload", "err", err)
			return
		}
		m.onSignal(p)

	case models.EventChatMessage:
		var p models.ChatPayload
		if err := ev.Decode(&p); err != nil {
			m.logger.Warn("bad chat payload", "err", err)
			return
		}
		if m.sess == nil || p.Message == "" {
			return
		}
		m.fireChat(m.chat.receive(p.Message))

	case models.EventPartnerLeft:
		m.partnerGone(ev, ReasonPartnerLeft)

	case models.EventPartnerDisconnected:
		m.partnerGone(ev, ReasonPartnerDisconnected)

	case models.EventError:
		var p models.MessagePayload
		if err := ev.Decode(&p); err != nil {
			m.logger.Warn("bad error payload", "err", err)
			return
		}
		m.fireError(&ServerError{Msg: p.Msg})

	case models.EventLeft, models.EventConnected:

	default:
		m.logger.Debug("unhandled relay event", "event", ev.Name)
	}
}

// partnerGone ends the session unless the notice names someone other than
// the current partner, which happens when an earlier pair is dissolved late.
func (m *Machine) partnerGone(ev transport.Event, reason Reason) {
	var p models.PartnerPayload
	if err := ev.Decode(&p); err != nil {
		m.logger.Warn("bad partner payload", "event", ev.Name, "err", err)
		return
	}
	if m.sess == nil {
		return
	}
	if p.Peer != "" && p.Peer != m.sess.Partner {
		m.logger.Debug("departure notice for a former partner ignored", "event", ev.Name, "peer", p.Peer)
		return
	}
	m.end(reason)
}

func (m *Machine) onMatched(partner string) {
	self := m.transport.SelfID()
	if partner == "" || partner == self {
		m.logger.Warn("ignoring matched with unusable partner", "partner", partner)
		return
	}
	if m.sess != nil {
		m.logger.Warn("matched while a session is live, tearing it down",
			"old_partner", m.sess.Partner, "partner", partner)
		m.teardown()
	}
	m.cancelTimer()

	role := DecideRole(self, partner)
	m.sess = &Session{Partner: partner, Role: role}
	m.setState(StateMatched, "")
	m.logger.Info("matched", "partner", partner, "role", role.String())

	if role == RoleInitiator {
		m.sendOffer()
	}
}

func (m *Machine) sendOffer() {
	var tracks []webrtc.TrackLocal
	if m.localTracks != nil {
		tracks = m.localTracks()
	}
	h, err := m.peers.Create(tracks)
	if err != nil {
		m.fail(err)
		return
	}
	m.sess.handle = h

	offer, err := m.peers.CreateOffer(h)
	if err != nil {
		m.fail(err)
		return
	}
	msg, err := signaling.NewOffer(m.sess.Partner, offer)
	if err != nil {
		m.fail(err)
		return
	}
	m.setState(StateNegotiating, "")
	m.sendSignal(msg)
}

func (m *Machine) onSignal(p models.SignalPayload) {
	msg, err := signaling.Decode(p)
	if err != nil {
		m.logger.Warn("dropping invalid signal", "err", err)
		return
	}
	s := m.sess
	if s == nil || msg.From != s.Partner {
		m.logger.Debug("dropping signal from non-partner", "from", msg.From, "type", msg.Type)
		return
	}

	switch msg.Type {
	case models.SignalTypeOffer:
		if s.Role == RoleInitiator {
			m.logger.Warn("initiator ignoring inbound offer", "partner", s.Partner)
			return
		}
		h, answer, err := m.peers.ApplyRemoteOffer(s.handle, *msg.SDP)
		if h != 0 {
			s.handle = h
		}
		if err != nil {
			m.fail(err)
			return
		}
		m.flushEarly(s)
		reply, err := signaling.NewAnswer(s.Partner, answer)
		if err != nil {
			m.fail(err)
			return
		}
		if m.State() == StateMatched {
			m.setState(StateNegotiating, "")
		}
		m.sendSignal(reply)

	case models.SignalTypeAnswer:
		if s.Role != RoleInitiator || m.State() != StateNegotiating {
			m.logger.Debug("unexpected answer dropped", "state", m.State().String())
			return
		}
		if err := m.peers.ApplyRemoteAnswer(s.handle, *msg.SDP); err != nil {
			m.fail(err)
		}

	case models.SignalTypeICE:
		if s.handle == 0 {
			if len(s.early) >= maxEarlyCandidates {
				m.logger.Warn("early ice candidate dropped", "partner", s.Partner)
				return
			}
			s.early = append(s.early, *msg.Candidate)
			return
		}
		_ = m.peers.AddRemoteCandidate(s.handle, *msg.Candidate)
	}
}

func (m *Machine) flushEarly(s *Session) {
	early := s.early
	s.early = nil
	for _, c := range early {
		_ = m.peers.AddRemoteCandidate(s.handle, c)
	}
}

func (m *Machine) sendSignal(msg signaling.Message) {
	if err := m.transport.Emit(models.EventSignal, msg.Payload()); err != nil {
		m.logger.Warn("signal not sent", "type", msg.Type, "err", err)
	}
}

func (m *Machine) handlePeer(ev peer.Event) {
	s := m.sess
	if s == nil || s.handle == 0 || ev.Handle != s.handle {
		m.logger.Debug("dropping event from stale peer handle", "handle", ev.Handle, "kind", ev.Kind.String())
		return
	}

	switch ev.Kind {
	case peer.EventLocalCandidate:
		if !m.State().live() {
			return
		}
		msg, err := signaling.NewCandidate(s.Partner, ev.Candidate)
		if err != nil {
			m.logger.Debug("local candidate not forwarded", "err", err)
			return
		}
		m.sendSignal(msg)

	case peer.EventRemoteTrack:
		if ev.Track != nil {
			m.fireTrack(ev.Track)
		}
		m.markConnected()

	case peer.EventConnectionState:
		m.logger.Debug("peer connection state", "handle", ev.Handle, "state", string(ev.State))
		switch ev.State {
		case peer.StateConnected:
			m.markConnected()
		case peer.StateFailed:
			m.fail(errPeerFailed)
		case peer.StateClosed:
			m.end(ReasonPeerClosed)
		case peer.StateDisconnected:
			m.notify(m.State(), "peer disconnected")
		}
	}
}

func (m *Machine) markConnected() {
	if m.State() != StateNegotiating {
		return
	}
	m.failures = 0
	m.setState(StateConnected, "")
	m.fireConnected(m.sess.Partner)
}

func (m *Machine) fail(err error) {
	if m.sess == nil {
		return
	}
	if errors.Is(err, peer.ErrResourceConflict) {
		m.logger.Error("second peer connection requested", "err", err)
	} else {
		m.logger.Warn("session failed", "partner", m.sess.Partner, "err", err)
	}
	m.failures++
	m.finish(StateFailed, ReasonFailed)
}

func (m *Machine) end(reason Reason) {
	if m.sess == nil {
		return
	}
	m.logger.Info("session ended", "partner", m.sess.Partner, "reason", string(reason))
	m.finish(StateEnded, reason)
}

// finish passes through the terminal state, cleans up and lands in Idle.
func (m *Machine) finish(terminal State, reason Reason) {
	m.state.Store(int32(terminal))
	m.teardown()
	m.setState(StateIdle, string(reason))
	m.fireEnded(reason)

	d := m.policy.Decide(reason, m.failures)
	if d.Err != nil {
		m.active = false
		m.gen++
		m.fireError(d.Err)
		return
	}
	if d.Rejoin {
		m.scheduleJoin(d.Delay)
	}
}

// teardown releases the session and its handle. It reports whether there
// was a session.
func (m *Machine) teardown() bool {
	s := m.sess
	if s == nil {
		return false
	}
	m.sess = nil
	if s.handle != 0 {
		if err := m.peers.Close(s.handle); err != nil {
			m.logger.Warn("closing peer connection failed", "handle", s.handle, "err", err)
		}
	}
	m.chat.Clear()
	return true
}

func (m *Machine) scheduleJoin(delay time.Duration) {
	m.cancelTimer()
	seq := m.timerSeq
	m.timer = m.clock.AfterFunc(delay, func() {
		m.post(func() {
			if seq != m.timerSeq || !m.active || m.sess != nil || m.State() != StateIdle {
				return
			}
			m.timer = nil
			m.join()
		})
	})
}

func (m *Machine) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

func (m *Machine) setState(s State, detail string) {
	m.state.Store(int32(s))
	m.notify(s, detail)
}

func (m *Machine) notify(s State, detail string) {
	st := Status{State: s, Detail: detail}
	if m.sess != nil {
		st.Partner = m.sess.Partner
	}
	m.fireStatus(st)
}

func (m *Machine) queueHook(call func()) {
	m.pendingHooks = append(m.pendingHooks, call)
}

// flushHooks runs the handlers queued by the last transition, in order.
// Each runs on its own goroutine while the loop keeps serving commands the
// handler issues, so a handler may call Skip, Stop or Start.
func (m *Machine) flushHooks() {
	for len(m.pendingHooks) > 0 {
		call := m.pendingHooks[0]
		m.pendingHooks = m.pendingHooks[1:]

		done := make(chan struct{})
		go func() {
			defer close(done)
			call()
		}()
		for running := true; running; {
			select {
			case <-done:
				running = false
			case fn := <-m.nested:
				fn()
			}
		}
	}
}

func (m *Machine) fireStatus(st Status) {
	m.queueHook(func() { fire(&m.hooks.mu, &m.hooks.status, st) })
}

func (m *Machine) fireEnded(r Reason) {
	m.queueHook(func() { fire(&m.hooks.mu, &m.hooks.ended, r) })
}

func (m *Machine) fireError(err error) {
	m.queueHook(func() { fire(&m.hooks.mu, &m.hooks.errs, err) })
}

func (m *Machine) fireConnected(partner string) {
	m.queueHook(func() { fire(&m.hooks.mu, &m.hooks.connected, partner) })
}

func (m *Machine) fireChat(msg ChatMessage) {
	m.queueHook(func() { fire(&m.hooks.mu, &m.hooks.chat, msg) })
}

func (m *Machine) fireTrack(track *webrtc.TrackRemote) {
	m.queueHook(func() { fire(&m.hooks.mu, &m.hooks.remoteTrack, track) })
}
