package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/DeclanJeon/ponswarp-signaling/internal/metrics"
	"github.com/DeclanJeon/ponswarp-signaling/internal/ratelimit"
	"github.com/DeclanJeon/ponswarp-signaling/internal/rooms"
)

const wsWriteWait = 1 * time.Second

// Config bounds a single signaling connection.
type Config struct {
	// IdleTimeout closes connections that produce no frames (including pongs)
	// for this long.
	IdleTimeout time.Duration
	// PingInterval is how often the server pings the client to keep the idle
	// deadline honest across quiet periods.
	PingInterval time.Duration
	// MaxMessageBytes is the WebSocket read limit for a single message.
	MaxMessageBytes int64
	// MessagesPerSecond caps the sustained inbound message rate; the bucket
	// allows an equal-sized burst.
	MessagesPerSecond int64
	// SendQueueBytes bounds the outbound queue; a connection that lets it
	// overflow is closed.
	SendQueueBytes int
}

func (c Config) WithDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 90 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 50
	}
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = 1 << 20
	}
	return c
}

// Server implements GET /ws, the WebSocket signaling endpoint. Each accepted
// connection gets a server-assigned peer ID, a Connected greeting, and a
// Session that drives the room protocol until the socket closes.
type Server struct {
	cfg      Config
	log      *slog.Logger
	registry *rooms.Registry
	router   *Router
	metrics  *metrics.Metrics

	newPeerID func() string
	clock     ratelimit.Clock
	upgrader  websocket.Upgrader
}

func NewServer(cfg Config, registry *rooms.Registry, router *Router, m *metrics.Metrics, checkOrigin func(*http.Request) bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv := &Server{
		cfg:       cfg.WithDefaults(),
		log:       logger,
		registry:  registry,
		router:    router,
		metrics:   m,
		newPeerID: uuid.NewString,
		clock:     ratelimit.RealClock{},
		upgrader:  websocket.Upgrader{},
	}
	if checkOrigin != nil {
		srv.upgrader.CheckOrigin = checkOrigin
	}
	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.Inc(metrics.EventConnectionOpened)

	peerID := s.newPeerID()
	queue := newSendQueue(s.cfg.SendQueueBytes)

	// WriteControl is safe to call concurrently with the writer goroutine's
	// WriteMessage, so no mutex is needed here.
	closeConn := func(code int, reason string) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
		_ = conn.Close()
	}

	sess := newSession(peerID, s.log, s.registry, s.router, s.metrics, queue, func() {
		closeConn(websocket.ClosePolicyViolation, "send queue overflow")
	})
	defer sess.Finish()

	s.log.Info("connection opened", "peer_id", peerID, "remote_addr", r.RemoteAddr)

	// Writer pump: sole caller of WriteMessage for this connection.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			msg, ok := queue.Dequeue()
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()
	defer func() {
		queue.Close()
		<-writerDone
	}()

	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-readerDone:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	sess.TrySend(encodeServerMessage(messageTypeConnected, connectedPayload{PeerID: peerID}))

	limiter := ratelimit.NewTokenBucket(s.clock, s.cfg.MessagesPerSecond, s.cfg.MessagesPerSecond)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.metrics.Inc(metrics.EventInvalidPayload)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		if msgType != websocket.TextMessage {
			closeConn(websocket.CloseUnsupportedData, "expected text message")
			break
		}
		if !limiter.Allow() {
			s.metrics.Inc(metrics.EventRateLimited)
			closeConn(websocket.ClosePolicyViolation, "message rate limit exceeded")
			break
		}

		sess.HandleMessage(msg)
	}

	sess.Finish()
	s.log.Info("connection reader stopped", "peer_id", peerID, "remote_addr", r.RemoteAddr)
}
