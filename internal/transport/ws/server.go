// Package ws carries sessions over websocket connections: one connection
// is one session. Frames written by the session go out as JSON text
// messages; text messages read from the client are decoded as inbound
// events.
package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/aixgo-dev/stagecraft/internal/hub"
	"github.com/aixgo-dev/stagecraft/internal/session"
	"github.com/aixgo-dev/stagecraft/pkg/protocol"
	"github.com/aixgo-dev/stagecraft/pkg/scenario"
	"github.com/aixgo-dev/stagecraft/pkg/security"
	"github.com/gorilla/websocket"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultReadTimeout  = 2 * time.Minute
	DefaultEventRate    = 2.0
	DefaultEventBurst   = 4
	maxFrameBytes       = 16 * 1024
)

// Config tunes the websocket endpoint. Zero values take defaults.
type Config struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	EventRate    float64
	EventBurst   int
	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string
}

// Server upgrades connections and binds each one to a hub session.
type Server struct {
	hub      *hub.Hub
	cfg      Config
	limiter  *security.EventLimiter
	upgrader websocket.Upgrader
}

// NewServer creates a server that starts sessions on h.
func NewServer(h *hub.Hub, cfg Config) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.EventRate <= 0 {
		cfg.EventRate = DefaultEventRate
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = DefaultEventBurst
	}
	s := &Server{
		hub:     h,
		cfg:     cfg,
		limiter: security.NewEventLimiter(cfg.EventRate, cfg.EventBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// conn is the session's outbound channel. Writes come from the session
// goroutine and from the reader (rate limit and decode errors), so they
// are serialized.
type conn struct {
	ws      *websocket.Conn
	mu      sync.Mutex
	timeout time.Duration
}

func (c *conn) Send(_ context.Context, msg protocol.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.ws.WriteJSON(msg)
}

func (c *conn) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	_ = c.ws.Close()
}

// Handler serves /ws?scenario=..&character=..&user=..
func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := hub.StartOptions{
			Scenario:  q.Get("scenario"),
			Character: q.Get("character"),
			UserID:    q.Get("user"),
		}
		if opts.Scenario == "" {
			http.Error(rw, "missing scenario", http.StatusBadRequest)
			return
		}

		ws, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		ws.SetReadLimit(maxFrameBytes)
		c := &conn{ws: ws, timeout: s.cfg.WriteTimeout}
		opts.Sink = c

		sess, err := s.hub.Start(opts)
		if err != nil {
			log.Printf("[ws] start %s: %v", opts.Scenario, err)
			code := protocol.ErrInternal
			if errors.Is(err, scenario.ErrUnknownScenario) || errors.Is(err, session.ErrUnknownCharacter) {
				code = protocol.ErrNotFound
			}
			_ = c.Send(r.Context(), protocol.Error(code, err.Error()))
			c.close(websocket.ClosePolicyViolation, "session not started")
			return
		}
		defer s.limiter.Forget(sess.ID())

		// Close the socket once the session is over, which also ends the
		// reader below.
		go func() {
			<-sess.Done()
			c.close(websocket.CloseNormalClosure, "session over")
		}()

		s.read(r.Context(), c, sess)
		if err := s.hub.Stop(sess.ID()); err != nil && !errors.Is(err, hub.ErrSessionNotFound) {
			log.Printf("[ws] stop %s: %v", sess.ID(), err)
		}
	}
}

func (s *Server) read(ctx context.Context, c *conn, sess *session.Session) {
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if !s.limiter.Allow(sess.ID()) {
			_ = c.Send(ctx, protocol.Rejected(protocol.ReasonRateLimited))
			continue
		}
		in, err := protocol.DecodeInbound(data)
		if err != nil {
			_ = c.Send(ctx, protocol.Error(protocol.ErrBadRequest, err.Error()))
			continue
		}
		if err := sess.Handle(ctx, in); err != nil {
			if errors.Is(err, session.ErrSessionClosed) {
				return
			}
			log.Printf("[ws] session %s: %v", sess.ID(), err)
		}
	}
}
