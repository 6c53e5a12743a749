// Package signaling brokers WebRTC offer/answer/candidate exchange and
// presence among table clients over a reliable JSON websocket channel,
// the way the teacher's internal/ws package brokers its own presence and
// channel protocol.
package signaling

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	// DefaultPendingAuthTimeout is how long an unauthenticated socket may
	// stay open before the router drops it.
	DefaultPendingAuthTimeout = 60 * time.Second
	// DefaultIdleTimeout prunes sockets that have gone quiet (no ping/pong,
	// no routed traffic) for this long.
	DefaultIdleTimeout = 90 * time.Second
	writeTimeout       = 5 * time.Second
	sendBuf            = 64
)

// Router is the single process acting as host for one table: it validates
// the shared table password, assigns client ids, and routes offer/answer/
// candidate envelopes between authenticated clients.
type Router struct {
	password           string
	pendingAuthTimeout time.Duration
	idleTimeout        time.Duration
	upgrader           websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client

	now func() time.Time

	pruneTicker *time.Ticker
	pruneDone   chan struct{}
}

type client struct {
	id            string
	username      string
	conn          *websocket.Conn
	send          chan Envelope
	authenticated bool
	lastActivity  time.Time
	authTimer     *time.Timer
	closeOnce     sync.Once
}

// New constructs a Router that authenticates clients against password.
func New(password string) *Router {
	r := &Router{
		password:           password,
		pendingAuthTimeout: DefaultPendingAuthTimeout,
		idleTimeout:        DefaultIdleTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		now:     time.Now,
	}
	r.pruneTicker = time.NewTicker(r.idleTimeout / 3)
	r.pruneDone = make(chan struct{})
	go r.pruneLoop()
	return r
}

// Close stops the idle-pruning goroutine. It does not close live sockets.
func (r *Router) Close() {
	r.pruneTicker.Stop()
	close(r.pruneDone)
}

// Register binds the websocket and health routes on an Echo router.
func (r *Router) Register(e *echo.Echo) {
	e.GET("/ws", r.HandleWebSocket)
	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
}

// HandleWebSocket upgrades one request and serves the signaling socket
// until the client disconnects.
func (r *Router) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	conn, err := r.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("signaling upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	r.serveConn(conn, remoteAddr)
	return nil
}

func (r *Router) serveConn(conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()

	cl := &client{
		conn:         conn,
		send:         make(chan Envelope, sendBuf),
		lastActivity: r.now(),
	}
	cl.authTimer = time.AfterFunc(r.pendingAuthTimeout, func() {
		if !r.isAuthenticated(cl) {
			slog.Debug("signaling pending-auth timeout", "remote", remoteAddr)
			r.writeDirect(conn, Envelope{Type: TypeClose, Reason: "auth timeout"})
			conn.Close()
		}
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for env := range cl.send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(env); err != nil {
				slog.Debug("signaling write error", "client_id", cl.id, "err", err)
				return
			}
		}
	}()

	defer func() {
		cl.authTimer.Stop()
		r.remove(cl)
		<-writerDone
	}()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("signaling unexpected close", "client_id", cl.id, "err", err)
			}
			return
		}
		r.touch(cl)
		r.handleInbound(cl, env)
	}
}

func (r *Router) isAuthenticated(cl *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cl.authenticated
}

func (r *Router) touch(cl *client) {
	r.mu.Lock()
	cl.lastActivity = r.now()
	r.mu.Unlock()
}

func (r *Router) handleInbound(cl *client, env Envelope) {
	if !r.isAuthenticated(cl) {
		if env.Type != TypeAuth {
			slog.Debug("signaling frame before auth", "type", env.Type)
			r.sendTo(cl, Envelope{Type: TypeClose, Reason: "must authenticate first"})
			return
		}
		r.handleAuth(cl, env)
		return
	}

	switch env.Type {
	case TypePing:
		r.sendTo(cl, Envelope{Type: TypePong, TS: env.TS})

	case TypeOffer, TypeAnswer, TypeCandidate:
		env.From = cl.id
		r.route(cl, env)

	case TypePeerDisconnect, TypeServerDisconnect:
		env.From = cl.id
		r.broadcast(env, cl.id)

	case TypeAuth:
		// Already authenticated; re-auth attempts are ignored.

	default:
		slog.Warn("signaling unknown message type", "client_id", cl.id, "type", env.Type)
	}
}

func (r *Router) handleAuth(cl *client, env Envelope) {
	if env.Token != r.password {
		slog.Warn("signaling auth rejected", "username", env.Username)
		r.writeDirect(cl.conn, Envelope{Type: TypeAuthResponse, OK: false, Reason: "invalid token"})
		cl.conn.Close()
		return
	}

	r.mu.Lock()
	cl.id = uuid.NewString()
	cl.username = env.Username
	cl.authenticated = true
	snapshot := make([]ClientInfo, 0, len(r.clients))
	for _, other := range r.clients {
		if other.authenticated {
			snapshot = append(snapshot, ClientInfo{ClientID: other.id, Username: other.username})
		}
	}
	r.clients[cl.id] = cl
	r.mu.Unlock()

	slog.Info("signaling client authenticated", "client_id", cl.id, "username", cl.username)

	r.sendTo(cl, Envelope{
		Type:     TypeAuthResponse,
		OK:       true,
		ClientID: cl.id,
		Username: cl.username,
		Clients:  snapshot,
	})
	r.broadcast(Envelope{Type: TypePresence, Event: "join", ClientID: cl.id, Username: cl.username}, cl.id)
}

// route targets env.To when set and the target is authenticated, otherwise
// broadcasts to every authenticated client except the sender.
func (r *Router) route(cl *client, env Envelope) {
	if env.To == "" {
		r.broadcast(env, cl.id)
		return
	}
	r.mu.Lock()
	target, ok := r.clients[env.To]
	r.mu.Unlock()
	if !ok || !target.authenticated {
		slog.Debug("signaling route target missing", "to", env.To, "type", env.Type)
		return
	}
	r.sendTo(target, env)
}

func (r *Router) broadcast(env Envelope, exceptClientID string) {
	r.mu.Lock()
	targets := make([]*client, 0, len(r.clients))
	for id, c := range r.clients {
		if id == exceptClientID || !c.authenticated {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.Unlock()
	for _, t := range targets {
		r.sendTo(t, env)
	}
}

// sendTo enqueues env for delivery. It recovers from a send on a channel
// that remove() already closed, since a broadcast can race a disconnect.
func (r *Router) sendTo(cl *client, env Envelope) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case cl.send <- env:
		return true
	default:
		slog.Warn("signaling send buffer full, dropping socket", "client_id", cl.id)
		cl.conn.Close()
		return false
	}
}

func (r *Router) writeDirect(conn *websocket.Conn, env Envelope) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(env)
}

func (r *Router) remove(cl *client) {
	r.mu.Lock()
	_, existed := r.clients[cl.id]
	delete(r.clients, cl.id)
	close(cl.send)
	r.mu.Unlock()
	if existed {
		slog.Info("signaling client disconnected", "client_id", cl.id)
		r.broadcast(Envelope{Type: TypePresence, Event: "leave", ClientID: cl.id}, cl.id)
	}
}

func (r *Router) pruneLoop() {
	for {
		select {
		case <-r.pruneDone:
			return
		case <-r.pruneTicker.C:
			r.pruneIdle()
		}
	}
}

func (r *Router) pruneIdle() {
	cutoff := r.now().Add(-r.idleTimeout)
	r.mu.Lock()
	var stale []*client
	for _, c := range r.clients {
		if c.lastActivity.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	r.mu.Unlock()
	for _, c := range stale {
		slog.Debug("signaling pruning idle socket", "client_id", c.id)
		r.writeDirect(c.conn, Envelope{Type: TypeClose, Reason: "idle timeout"})
		c.conn.Close()
	}
}
