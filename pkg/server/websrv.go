package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crystal-mush/worldtune/pkg/access"
	"github.com/crystal-mush/worldtune/pkg/events"
)

// WebServer is the operator console: a JSON API over the surface and a
// WebSocket feed of registry events.
type WebServer struct {
	srv       *Server
	httpSrv   *http.Server
	mux       *http.ServeMux
	auth      *AuthService
	rl        *rateLimiter
	upgrader  websocket.Upgrader
	startTime time.Time
}

// NewWebServer builds the console for s. Nothing listens until Start.
func NewWebServer(s *Server) *WebServer {
	c := s.Conf
	ws := &WebServer{
		srv:       s,
		mux:       http.NewServeMux(),
		auth:      s.Auth,
		rl:        newRateLimiter(c.WebRateLimit),
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(c.WebCORSOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, o := range c.WebCORSOrigins {
					if strings.EqualFold(o, origin) {
						return true
					}
				}
				return false
			},
		},
	}
	ws.registerRoutes()

	handler := http.Handler(ws.mux)
	handler = authMiddleware(ws.auth, handler)
	handler = rateLimitMiddleware(ws.rl, handler)
	handler = corsMiddleware(c.WebCORSOrigins, handler)
	ws.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", c.WebHost, c.WebPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ws
}

// Handler returns the console's full middleware chain.
func (ws *WebServer) Handler() http.Handler { return ws.httpSrv.Handler }

func (ws *WebServer) registerRoutes() {
	ws.mux.HandleFunc("GET /health", ws.handleHealth)
	ws.mux.Handle("GET /metrics", ws.srv.Metrics.Handler())
	ws.mux.HandleFunc("GET /ws", ws.handleWebSocket)
	ws.mux.HandleFunc("POST /api/v1/auth/login", ws.handleAuthLogin)
	ws.mux.HandleFunc("POST /api/v1/auth/refresh", ws.handleAuthRefresh)
	ws.registerRESTRoutes()
}

// Start serves until ctx is done or Stop is called. HTTPS is used when a
// TLS source can be set up; otherwise it falls back to plain HTTP.
func (ws *WebServer) Start(ctx context.Context) error {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ws.sweep()
			}
		}
	}()

	c := ws.srv.Conf
	result, err := SetupTLS(c)
	if err != nil {
		log.Printf("web: TLS setup failed (%v), falling back to HTTP", err)
		log.Printf("web: console listening on %s (HTTP)", ws.httpSrv.Addr)
		return ignoreClosed(ws.httpSrv.ListenAndServe())
	}
	ws.httpSrv.TLSConfig = result.Config

	if result.AutocertMgr != nil {
		acme := &http.Server{Addr: ":80", Handler: result.AutocertMgr.HTTPHandler(nil), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Printf("web: ACME challenge listener on :80")
			if err := ignoreClosed(acme.ListenAndServe()); err != nil {
				log.Printf("web: ACME listener: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			acme.Close()
		}()
	}

	log.Printf("web: console listening on %s (HTTPS)", ws.httpSrv.Addr)
	return ignoreClosed(ws.httpSrv.ListenAndServeTLS("", ""))
}

// sweep drops expired rate-limit buckets and closed feed subscribers.
func (ws *WebServer) sweep() {
	ws.rl.cleanup()
	if n := ws.srv.Bus.Prune(); n > 0 {
		DebugLog("web: pruned %d closed subscribers", n)
	}
}

func ignoreClosed(err error) error {
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the console.
func (ws *WebServer) Stop(ctx context.Context) error {
	return ws.httpSrv.Shutdown(ctx)
}

// --- WebSocket event feed ---

// WSMessage is one frame on the event feed.
type WSMessage struct {
	Type   string         `json:"type"`
	Name   string         `json:"name,omitempty"`
	Old    string         `json:"old,omitempty"`
	New    string         `json:"new,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Caller string         `json:"caller,omitempty"`
	Time   time.Time      `json:"time"`
	Seq    uint64         `json:"seq,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

const wsQueue = 64

// wsConn is one feed connection. Receive runs on the writer's goroutine
// inside Bus.Emit, so it only queues; a slow client loses events rather
// than stalling registry writes.
type wsConn struct {
	conn    *websocket.Conn
	caller  access.Caller
	visible func(events.Event, access.Caller) bool
	mu      sync.Mutex
	out     chan WSMessage
	closed  atomic.Bool
	dropped atomic.Uint64
}

func (wc *wsConn) Receive(ev events.Event) {
	if wc.closed.Load() || !wc.visible(ev, wc.caller) {
		return
	}
	msg := WSMessage{
		Type:   ev.Type.String(),
		Name:   ev.Name,
		Old:    ev.Old,
		New:    ev.New,
		Reason: ev.Reason,
		Caller: ev.Caller.ID,
		Time:   ev.Time,
		Seq:    ev.Seq,
		Data:   ev.Data,
	}
	select {
	case wc.out <- msg:
	default:
		wc.dropped.Add(1)
	}
}

func (wc *wsConn) Closed() bool { return wc.closed.Load() }

func (wc *wsConn) sendJSON(msg any) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return wc.conn.WriteJSON(msg)
}

// visibleTo reports whether caller may see ev on the feed: property events
// follow the property's read floor, rejections are shown to the rejected
// caller and to administrators, and the rest need Operator.
func (ws *WebServer) visibleTo(ev events.Event, caller access.Caller) bool {
	switch ev.Type {
	case events.EvTunableSet, events.EvFlagSet, events.EvFlagCleared:
		_, err := ws.srv.Surface.Read(ev.Name, caller)
		return err == nil
	case events.EvWriteRejected:
		return ev.Caller.ID == caller.ID || caller.Level.AtLeast(access.Administrator)
	default:
		return caller.Level.AtLeast(access.Operator)
	}
}

func (ws *WebServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	caller := CallerFromContext(r.Context())
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade: %v", err)
		return
	}
	wc := &wsConn{conn: conn, caller: caller, visible: ws.visibleTo, out: make(chan WSMessage, wsQueue)}
	bus := ws.srv.Bus
	bus.SubscribeGlobal(wc)
	DebugLog("web: feed opened for %s from %s", caller, r.RemoteAddr)

	wc.sendJSON(WSMessage{Type: "hello", Caller: caller.ID, Time: time.Now(),
		Data: map[string]any{"level": caller.Level.String(), "version": Version}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			// The feed is one-way; reads only notice the close.
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("web: feed %s: %v", caller, err)
				}
				return
			}
		}
	}()

	defer func() {
		wc.closed.Store(true)
		bus.UnsubscribeGlobal(wc)
		conn.Close()
		if n := wc.dropped.Load(); n > 0 {
			log.Printf("web: feed for %s dropped %d events", caller, n)
		}
		DebugLog("web: feed closed for %s", caller)
	}()
	for {
		select {
		case <-done:
			return
		case msg := <-wc.out:
			if err := wc.sendJSON(msg); err != nil {
				return
			}
		}
	}
}

// --- Auth ---

func (ws *WebServer) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if ws.srv.Logins.Len() == 0 {
		writeError(w, http.StatusNotFound, "no operators configured; use a token from the session system")
		return
	}
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := ws.srv.Logins.Authenticate(req.Name, req.Password)
	if !ok {
		log.Printf("web: failed login for %q from %s", req.Name, r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid name or password")
		return
	}
	tok, err := ws.auth.MintToken(caller.ID, caller.Level)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	DebugLog("web: %s logged in", caller)
	writeJSON(w, http.StatusOK, map[string]string{"token": tok, "level": caller.Level.String()})
}

func (ws *WebServer) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	tok, _ := bearerToken(r)
	newToken, err := ws.auth.RefreshToken(tok)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": newToken})
}

// --- Health ---

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        Version,
		"uptime_seconds": time.Since(ws.startTime).Seconds(),
		"save_format":    ws.srv.Saver.Format(),
		"subscribers":    ws.srv.Bus.GlobalSubscribers(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
