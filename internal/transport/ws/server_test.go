package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aixgo-dev/stagecraft/internal/hub"
	"github.com/aixgo-dev/stagecraft/internal/llm/provider"
	"github.com/aixgo-dev/stagecraft/internal/session"
	"github.com/aixgo-dev/stagecraft/pkg/protocol"
	"github.com/aixgo-dev/stagecraft/pkg/scenario"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lobby = `
id: lobby
title: Lobby
opening:
  - {speaker: AI, text: Welcome aboard.}
variables:
  calm: {type: number, initial: 1, min: 0, max: 1}
phases:
  - name: only
characters:
  - {id: ai, name: AI, persona: A calm ship computer.}
`

func newServer(t *testing.T, cfg Config) (*httptest.Server, *hub.Hub) {
	t.Helper()
	sc, err := scenario.Load([]byte(lobby))
	require.NoError(t, err)
	cat, err := scenario.NewCatalog(sc)
	require.NoError(t, err)
	h, err := hub.New(hub.Config{
		Scenarios: cat,
		Provider:  provider.NewMockProvider("Noted."),
		Template: session.Config{
			Gap:              time.Millisecond,
			TickInterval:     -1,
			DirectorInterval: -1,
		},
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/ws", NewServer(h, cfg).Handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		_ = h.Close(context.Background())
	})
	return srv, h
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// readUntil reads frames until match accepts one and returns it along
// with everything read before it.
func readUntil(t *testing.T, c *websocket.Conn, match func(protocol.Outbound) bool) (protocol.Outbound, []protocol.Outbound) {
	t.Helper()
	var seen []protocol.Outbound
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg protocol.Outbound
		require.NoError(t, c.ReadJSON(&msg))
		if match(msg) {
			return msg, seen
		}
		seen = append(seen, msg)
	}
}

func ofType(typ string) func(protocol.Outbound) bool {
	return func(m protocol.Outbound) bool { return m.Type == typ }
}

func TestServer_Conversation(t *testing.T) {
	srv, h := newServer(t, Config{})
	c := dial(t, srv, "scenario=lobby&user=u1")

	_, before := readUntil(t, c, ofType(protocol.TypeInputEnabled))
	require.NotEmpty(t, before)
	assert.Equal(t, protocol.TypeWelcome, before[0].Type)
	assert.Equal(t, "lobby", before[0].Scenario)
	assert.Equal(t, 1, h.Len())

	require.NoError(t, c.WriteJSON(protocol.Inbound{Type: protocol.TypeMessage, Text: "hello"}))
	reply, _ := readUntil(t, c, ofType(protocol.TypeDialogue))
	assert.Equal(t, "Noted.", reply.Text)
	assert.Equal(t, "AI", reply.Speaker)
}

func TestServer_BadFrames(t *testing.T) {
	srv, _ := newServer(t, Config{})
	c := dial(t, srv, "scenario=lobby")
	readUntil(t, c, ofType(protocol.TypeInputEnabled))

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	msg, _ := readUntil(t, c, ofType(protocol.TypeError))
	assert.Equal(t, protocol.ErrBadRequest, msg.Code)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	msg, _ = readUntil(t, c, ofType(protocol.TypeError))
	assert.Equal(t, protocol.ErrBadRequest, msg.Code)
}

func TestServer_RateLimited(t *testing.T) {
	srv, _ := newServer(t, Config{EventRate: 0.01, EventBurst: 1})
	c := dial(t, srv, "scenario=lobby")
	readUntil(t, c, ofType(protocol.TypeInputEnabled))

	require.NoError(t, c.WriteJSON(protocol.Inbound{Type: protocol.TypeMessage, Text: "one"}))
	require.NoError(t, c.WriteJSON(protocol.Inbound{Type: protocol.TypeMessage, Text: "two"}))
	msg, _ := readUntil(t, c, ofType(protocol.TypeRejected))
	assert.Equal(t, protocol.ReasonRateLimited, msg.Reason)
}

func TestServer_UnknownScenario(t *testing.T) {
	srv, h := newServer(t, Config{})
	c := dial(t, srv, "scenario=nowhere")

	msg, _ := readUntil(t, c, ofType(protocol.TypeError))
	assert.Equal(t, protocol.ErrNotFound, msg.Code)
	assert.Equal(t, 0, h.Len())
}

func TestServer_MissingScenario(t *testing.T) {
	srv, _ := newServer(t, Config{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_DisconnectStopsSession(t *testing.T) {
	srv, h := newServer(t, Config{})
	c := dial(t, srv, "scenario=lobby")
	readUntil(t, c, ofType(protocol.TypeInputEnabled))
	require.Equal(t, 1, h.Len())

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return h.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	s := &Server{cfg: Config{AllowedOrigins: []string{"https://play.example"}}}
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://play.example")
	assert.True(t, s.checkOrigin(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, s.checkOrigin(r))
}
