// Package signaling validates and converts the negotiation payloads carried
// by "signal" events between the relay wire format and pion types.
package signaling

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/pairchat/internal/models"
)

// ErrInvalidMessage is wrapped by every validation failure.
var ErrInvalidMessage = errors.New("invalid signal message")

// Message is a validated signal addressed to (outbound) or received from
// (inbound) a partner.
type Message struct {
	To   string
	From string
	Type models.SignalType

	// SDP is set for offers and answers.
	SDP *webrtc.SessionDescription
	// Candidate is set for ice messages.
	Candidate *webrtc.ICECandidateInit
}

func NewOffer(to string, desc webrtc.SessionDescription) (Message, error) {
	m := Message{To: to, Type: models.SignalTypeOffer, SDP: &desc}
	return m, m.Validate()
}

func NewAnswer(to string, desc webrtc.SessionDescription) (Message, error) {
	m := Message{To: to, Type: models.SignalTypeAnswer, SDP: &desc}
	return m, m.Validate()
}

func NewCandidate(to string, c webrtc.ICECandidateInit) (Message, error) {
	m := Message{To: to, Type: models.SignalTypeICE, Candidate: &c}
	return m, m.Validate()
}

// Validate checks that the payload matches the message type. Outbound
// messages need To, inbound ones need From; at least one must be present.
func (m Message) Validate() error {
	if m.To == "" && m.From == "" {
		return fmt.Errorf("%w: missing to/from", ErrInvalidMessage)
	}

	switch m.Type {
	case models.SignalTypeOffer, models.SignalTypeAnswer:
		if m.SDP == nil {
			return fmt.Errorf("%w: %s missing sdp", ErrInvalidMessage, m.Type)
		}
		if m.Candidate != nil {
			return fmt.Errorf("%w: %s has unexpected candidate", ErrInvalidMessage, m.Type)
		}
		want := webrtc.SDPTypeOffer
		if m.Type == models.SignalTypeAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if m.SDP.Type != want {
			return fmt.Errorf("%w: %s has sdp.type=%q", ErrInvalidMessage, m.Type, m.SDP.Type)
		}
		if strings.TrimSpace(m.SDP.SDP) == "" {
			return fmt.Errorf("%w: %s has empty sdp", ErrInvalidMessage, m.Type)
		}
	case models.SignalTypeICE:
		if m.Candidate == nil {
			return fmt.Errorf("%w: ice missing candidate", ErrInvalidMessage)
		}
		if m.SDP != nil {
			return fmt.Errorf("%w: ice has unexpected sdp", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// Payload converts the message to its wire form.
func (m Message) Payload() models.SignalPayload {
	p := models.SignalPayload{
		To:   m.To,
		From: m.From,
		Data: models.SignalData{Type: m.Type},
	}
	if m.SDP != nil {
		p.Data.SDP = &models.SessionDescription{Type: m.SDP.Type.String(), SDP: m.SDP.SDP}
	}
	if m.Candidate != nil {
		p.Data.Candidate = &models.ICECandidate{
			Candidate:        m.Candidate.Candidate,
			SDPMid:           m.Candidate.SDPMid,
			SDPMLineIndex:    m.Candidate.SDPMLineIndex,
			UsernameFragment: m.Candidate.UsernameFragment,
		}
	}
	return p
}

// Decode validates a wire payload and converts it to a Message.
func Decode(p models.SignalPayload) (Message, error) {
	m := Message{To: p.To, From: p.From, Type: p.Data.Type}

	if p.Data.SDP != nil {
		var t webrtc.SDPType
		switch p.Data.SDP.Type {
		case "offer":
			t = webrtc.SDPTypeOffer
		case "answer":
			t = webrtc.SDPTypeAnswer
		default:
			return Message{}, fmt.Errorf("%w: unsupported sdp type %q", ErrInvalidMessage, p.Data.SDP.Type)
		}
		m.SDP = &webrtc.SessionDescription{Type: t, SDP: p.Data.SDP.SDP}
	}
	if c := p.Data.Candidate; c != nil {
		m.Candidate = &webrtc.ICECandidateInit{
			Candidate:        c.Candidate,
			SDPMid:           c.SDPMid,
			SDPMLineIndex:    c.SDPMLineIndex,
			UsernameFragment: c.UsernameFragment,
		}
	}

	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
