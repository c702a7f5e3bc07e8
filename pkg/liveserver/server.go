package liveserver

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	websocketActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "funding_arb_ws_active_connections",
		Help: "Current number of dashboard WebSocket connections",
	})

	websocketRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "funding_arb_ws_rejected_total",
		Help: "Total number of rejected dashboard WebSocket connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(websocketActiveConnections)
	prometheus.MustRegister(websocketRejectedTotal)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Options tunes connection admission
type Options struct {
	AllowedOrigins []string
	// Production rejects the "*" origin
	Production     bool
	MaxConnections int
	RateLimit      float64 // new connections per second per IP
	RateBurst      int
}

// Server streams hub messages to dashboards over WebSocket. It does not
// listen on its own; mount Handler on an existing mux.
type Server struct {
	hub      *Hub
	logger   Logger
	upgrader websocket.Upgrader
	opts     Options

	origins  map[string]bool
	wildcard bool

	connSemaphore chan struct{}
	limiters      *ipLimiters
}

// NewServer creates a new Server
func NewServer(hub *Hub, logger Logger, opts Options) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 100
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}

	s := &Server{
		hub:           hub,
		logger:        logger,
		opts:          opts,
		origins:       make(map[string]bool),
		connSemaphore: make(chan struct{}, opts.MaxConnections),
		limiters:      newIPLimiters(rate.Limit(opts.RateLimit), opts.RateBurst),
	}
	for _, o := range opts.AllowedOrigins {
		if o == "*" {
			s.wildcard = true
			continue
		}
		if n, ok := normalizeOrigin(o); ok {
			s.origins[n] = true
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the /ws endpoint
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWebSocket)
}

// Broadcast wraps data in a typed message and sends it to every client
func (s *Server) Broadcast(msgType string, data interface{}) {
	s.hub.Broadcast(NewMessage(msgType, data))
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) warn(msg string, kv ...interface{}) {
	if s.logger != nil {
		s.logger.Warn(msg, kv...)
	}
}

// normalizeOrigin reduces an origin to lowercase scheme://host[:port]
func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), true
}

// checkOrigin admits listed origins. "*" admits any origin outside
// production; a missing Origin header is always rejected.
func (s *Server) checkOrigin(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	origin, ok := normalizeOrigin(raw)
	switch {
	case !ok:
		s.reject("missing_origin", "Rejected WebSocket connection without a valid Origin", "origin", raw, "remote_addr", r.RemoteAddr)
		return false
	case s.origins[origin]:
		return true
	case s.wildcard && !s.opts.Production:
		return true
	}
	s.reject("origin", "Rejected WebSocket connection from unlisted origin", "origin", raw, "remote_addr", r.RemoteAddr)
	return false
}

func (s *Server) reject(reason, msg string, kv ...interface{}) {
	websocketRejectedTotal.WithLabelValues(reason).Inc()
	s.warn(msg, kv...)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Limits apply before the upgrade allocates anything.
	ip := remoteIP(r)
	if !s.limiters.allow(ip, time.Now()) {
		s.reject("rate_limit", "IP rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	topics, err := parseTopics(r.URL.Query().Get("types"))
	if err != nil {
		s.reject("bad_request", "Rejected WebSocket subscription", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
		websocketActiveConnections.Inc()
		defer func() {
			<-s.connSemaphore
			websocketActiveConnections.Dec()
		}()
	default:
		s.reject("connection_limit", "Max connections reached", "limit", s.opts.MaxConnections)
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := NewClient(uuid.New().String(), topics...)
	s.hub.Register(client)
	if s.logger != nil {
		s.logger.Info("Dashboard connected", "client_id", client.id, "remote_addr", r.RemoteAddr)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readPump(conn, client)
	}()
	s.writePump(conn, client)
	conn.Close()
	<-done

	s.hub.Unregister(client)
	if s.logger != nil {
		s.logger.Info("Dashboard disconnected", "client_id", client.id)
	}
}

// writePump returns when the client channel closes or a write fails
func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.GetSendChan():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.warn("Write error", "client_id", client.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; dashboards never send data
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.warn("Read error", "client_id", client.id, "error", err)
			}
			return
		}
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

const (
	limiterIdle   = 10 * time.Minute
	limiterMaxIPs = 4096
)

// ipLimiters holds one token bucket per client IP. Idle entries are
// swept once the table grows past limiterMaxIPs.
type ipLimiters struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*ipEntry
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiters(limit rate.Limit, burst int) *ipLimiters {
	return &ipLimiters{limit: limit, burst: burst, entries: make(map[string]*ipEntry)}
}

func (l *ipLimiters) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[ip]
	if !ok {
		if len(l.entries) >= limiterMaxIPs {
			l.sweep(now)
		}
		e = &ipEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *ipLimiters) sweep(now time.Time) {
	for ip, e := range l.entries {
		if now.Sub(e.lastSeen) > limiterIdle {
			delete(l.entries, ip)
		}
	}
}
