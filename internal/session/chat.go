package session

import (
	"strings"

	"github.com/benbjohnson/clock"

	"github.com/mossy-p/pairchat/internal/models"
)

type emitFunc func(event string, payload any) error

// ChatRelay is the text side channel of a session. It is only used from the
// machine goroutine.
type ChatRelay struct {
	emit      emitFunc
	connected func() bool
	clock     clock.Clock

	messages []ChatMessage
}

func newChatRelay(emit emitFunc, connected func() bool, clk clock.Clock) *ChatRelay {
	return &ChatRelay{emit: emit, connected: connected, clock: clk}
}

// Send forwards text to the partner and records it. Blank text is ignored.
// There is no delivery acknowledgement.
func (c *ChatRelay) Send(text string) error {
	if !c.connected() {
		return ErrNotConnected
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if err := c.emit(models.EventChatMessage, models.ChatPayload{Message: text}); err != nil {
		return err
	}
	c.record(text, Sent)
	return nil
}

func (c *ChatRelay) receive(text string) ChatMessage {
	return c.record(text, Received)
}

func (c *ChatRelay) record(text string, dir Direction) ChatMessage {
	msg := ChatMessage{Text: text, Direction: dir, At: c.clock.Now()}
	c.messages = append(c.messages, msg)
	return msg
}

// Messages returns a copy of the current session's history.
func (c *ChatRelay) Messages() []ChatMessage {
	out := make([]ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *ChatRelay) Clear() {
	c.messages = nil
}
