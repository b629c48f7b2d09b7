package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/pairchat/internal/logging"
	"github.com/mossy-p/pairchat/internal/models"
)

// fakeRelay greets each connection with sid and hands the server side of
// the socket to the test.
type fakeRelay struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeRelay(t *testing.T, sid string) *fakeRelay {
	t.Helper()
	r := &fakeRelay{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		env, _ := models.NewEnvelope(models.EventConnected, models.ConnectedPayload{SID: sid})
		if err := ws.WriteJSON(env); err != nil {
			ws.Close()
			return
		}
		r.conns <- ws
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *fakeRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-r.conns:
		t.Cleanup(func() { ws.Close() })
		return ws
	case <-time.After(5 * time.Second):
		t.Fatal("relay never saw a connection")
		return nil
	}
}

func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestClient_ConnectEmitReceive(t *testing.T) {
	relay := newFakeRelay(t, "a1")
	c := New(Config{URL: relay.url(), Logger: logging.Discard()})

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "a1", c.SelfID())
	ws := relay.accept(t)

	require.NoError(t, c.Emit(models.EventJoin, nil))
	var env models.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, models.EventJoin, env.Event)
	assert.Empty(t, env.Data)

	out, err := models.NewEnvelope(models.EventMatched, models.MatchedPayload{Peer: "b2"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(out))

	ev := nextEvent(t, c)
	assert.Equal(t, models.EventMatched, ev.Name)
	var matched models.MatchedPayload
	require.NoError(t, ev.Decode(&matched))
	assert.Equal(t, "b2", matched.Peer)
}

func TestClient_RemoteCloseDeliversDisconnect(t *testing.T) {
	relay := newFakeRelay(t, "a1")
	c := New(Config{URL: relay.url(), Logger: logging.Discard()})
	require.NoError(t, c.Connect(context.Background()))

	ws := relay.accept(t)
	require.NoError(t, ws.Close())

	ev := nextEvent(t, c)
	assert.Equal(t, EventDisconnect, ev.Name)
	assert.Error(t, ev.Err)
	assert.Eventually(t, func() bool { return c.SelfID() == "" }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, c.Emit(models.EventJoin, nil), ErrNotConnected)
}

func TestClient_LocalCloseFlushesAndStaysQuiet(t *testing.T) {
	relay := newFakeRelay(t, "a1")
	c := New(Config{URL: relay.url(), Logger: logging.Discard()})
	require.NoError(t, c.Connect(context.Background()))
	ws := relay.accept(t)

	require.NoError(t, c.Emit(models.EventLeave, nil))
	require.NoError(t, c.Close())

	var env models.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, models.EventLeave, env.Event)

	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event after local close: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
	assert.ErrorIs(t, c.Emit(models.EventJoin, nil), ErrNotConnected)
}

func TestClient_ReconnectAfterClose(t *testing.T) {
	relay := newFakeRelay(t, "a1")
	c := New(Config{URL: relay.url(), Logger: logging.Discard()})

	require.NoError(t, c.Connect(context.Background()))
	relay.accept(t)
	require.NoError(t, c.Close())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "a1", c.SelfID())
	relay.accept(t)
}

func TestClient_RejectsGreetingWithoutSID(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteMessage(websocket.TextMessage, json.RawMessage(`{"event":"connected","data":{}}`))
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Logger: logging.Discard()})
	require.Error(t, c.Connect(context.Background()))
	assert.Equal(t, "", c.SelfID())
}
