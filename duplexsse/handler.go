// duplexsse/handler.go
package duplexsse

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mpetrov/duplexsse/pantry/errors"
	"github.com/mpetrov/duplexsse/pantry/ratelimit"
	"go.uber.org/zap"
)

// Config configures a ServerHandler: the mount path it answers on and
// the keep-alive window new connections are created with. The
// embedding application picks one ServerHandler per logical endpoint.
type Config struct {
	// Path is the single mount point the handler answers on; any other
	// path reaching ServeHTTP is a 404 (the handler is meant to be
	// routed to directly, e.g. r.Handle(cfg.Path, handler)).
	Path string

	// KeepAlive is the window a connection survives a dropped sink
	// before closing. Zero disables keep-alive entirely.
	KeepAlive time.Duration

	// ClientBufferSize bounds each connection's inbound channel.
	ClientBufferSize int

	// PostRateLimitRPS/PostRateLimitBurst, when RPS > 0, cap the rate of
	// accepted POST deliveries across the whole handler. Over-limit
	// POSTs are logged and dropped, never rejected with a non-200
	// status, so a bad actor can never destabilize the client pipeline.
	PostRateLimitRPS   float64
	PostRateLimitBurst int

	Logger *zap.Logger
}

// ServerHandler is the HTTP-level dispatcher: it routes SSE GETs to
// subscription setup and POSTs to inbound delivery, and owns the
// id → ServerConnection registry.
//
// Grounded on pantry/sse.Broker's ServeHTTP/HandleRequest dispatch and
// registry pattern, generalized to add a GET/POST method split (the
// broker only ever handled GET) and the manual
// Origin-echo-or-Host-fallback CORS the broker didn't need.
type ServerHandler struct {
	path       string
	keepAlive  time.Duration
	bufferSize int
	logger     *zap.Logger
	limiter    *ratelimit.Limiter

	mu          sync.Mutex
	connections map[ClientId]*ServerConnection

	newConns chan *ServerConnection

	onRegistryChange func(count int)
}

// New constructs a ServerHandler ready to be mounted at cfg.Path.
func New(cfg Config) *ServerHandler {
	bufSize := cfg.ClientBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	h := &ServerHandler{
		path:        cfg.Path,
		keepAlive:   cfg.KeepAlive,
		bufferSize:  bufSize,
		logger:      cfg.Logger,
		connections: make(map[ClientId]*ServerConnection),
		newConns:    make(chan *ServerConnection, 64),
	}
	if cfg.PostRateLimitRPS > 0 {
		burst := cfg.PostRateLimitBurst
		if burst <= 0 {
			burst = int(cfg.PostRateLimitRPS)
			if burst <= 0 {
				burst = 1
			}
		}
		h.limiter = ratelimit.New(cfg.PostRateLimitRPS, burst)
	}
	return h
}

// OnRegistryChange registers a callback invoked with the new registry
// size every time a connection is added or removed. Used to drive the
// duplexsse_connected_clients gauge without coupling this package to
// the metrics package.
func (h *ServerHandler) OnRegistryChange(fn func(count int)) {
	h.mu.Lock()
	h.onRegistryChange = fn
	h.mu.Unlock()
}

// Connections returns the non-restartable stream of newly-created
// ServerConnections, the application's entry point for per-client
// work.
func (h *ServerHandler) Connections() <-chan *ServerConnection {
	return h.newConns
}

// NumberOfClients returns the current registry cardinality.
func (h *ServerHandler) NumberOfClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// ServeHTTP implements the GET/POST dispatch table.
func (h *ServerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != h.path {
		errors.Write(w, errors.NotFound("the requested resource was not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
			errors.Write(w, errors.NotFound("the requested resource was not found"))
			return
		}
		h.handleGet(w, r)
	case http.MethodPost:
		h.handlePost(w, r)
	default:
		errors.Write(w, errors.NotFound("the requested resource was not found"))
	}
}

func (h *ServerHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sseClientId")
	if id == "" {
		errors.Write(w, errors.BadRequest("missing sseClientId"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		errors.Write(w, errors.Internal("streaming unsupported"))
		return
	}

	sink := &httpSink{w: w, flusher: flusher, done: make(chan struct{})}
	origin := resolveOrigin(r)
	writePreamble(w, origin)

	conn := h.attachOrCreate(id, sink)

	select {
	case <-sink.done:
	case <-r.Context().Done():
		conn.detach(sink)
	case <-conn.Done():
	}
}

// attachOrCreate implements the reference tie-break policy: reattach
// iff the registered connection is currently in KEEP_ALIVE; otherwise
// evict (drop the registry entry, leaving the orphaned connection to
// close on its own next sink drop) and create new.
func (h *ServerHandler) attachOrCreate(id ClientId, sink Sink) *ServerConnection {
	h.mu.Lock()
	existing, ok := h.connections[id]
	if ok && existing.IsInKeepAlivePeriod() {
		h.mu.Unlock()
		existing.attach(sink)
		return existing
	}

	conn := newServerConnection(id, h.keepAlive, h.bufferSize, h.logger, h.onConnectionClosed)
	h.connections[id] = conn
	count := len(h.connections)
	cb := h.onRegistryChange
	h.mu.Unlock()

	if cb != nil {
		cb(count)
	}
	select {
	case h.newConns <- conn:
	default:
		if h.logger != nil {
			h.logger.Warn("duplexsse: connections stream full, new connection not published", zap.String("client_id", id))
		}
	}

	conn.attach(sink)
	return conn
}

// onConnectionClosed is the registry-eviction hook passed to every
// ServerConnection as onClose: the registry holds a connection iff it
// is not closed.
func (h *ServerHandler) onConnectionClosed(c *ServerConnection) {
	h.mu.Lock()
	if cur, ok := h.connections[c.id]; ok && cur == c {
		delete(h.connections, c.id)
	}
	count := len(h.connections)
	cb := h.onRegistryChange
	h.mu.Unlock()

	if cb != nil {
		cb(count)
	}
}

func (h *ServerHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sseClientId")
	origin := resolveOrigin(r)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.Header().Set("Access-Control-Allow-Origin", origin)

	// The decode/lookup path is intentionally error-swallowing: any
	// failure here is logged and the response is still 200, so a
	// malformed or late POST can never destabilize the client's
	// outbound pipeline.
	func() {
		defer func() {
			if rec := recover(); rec != nil && h.logger != nil {
				h.logger.Error("duplexsse: panic handling POST", zap.Any("recover", rec), zap.String("client_id", id))
			}
		}()

		if id == "" {
			if h.logger != nil {
				h.logger.Warn("duplexsse: POST missing sseClientId")
			}
			return
		}

		if h.limiter != nil && !h.limiter.Allow() {
			if h.logger != nil {
				h.logger.Warn("duplexsse: POST dropped by rate limit", zap.String("client_id", id))
			}
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			if h.logger != nil {
				h.logger.Warn("duplexsse: failed reading POST body", zap.Error(err), zap.String("client_id", id))
			}
			return
		}

		var msg string
		if err := json.Unmarshal(body, &msg); err != nil {
			if h.logger != nil {
				h.logger.Warn("duplexsse: malformed POST body, dropping", zap.Error(err), zap.String("client_id", id))
			}
			return
		}

		h.mu.Lock()
		conn, ok := h.connections[id]
		h.mu.Unlock()
		if !ok {
			// Unknown sseClientId: respond 200 and allocate nothing.
			if h.logger != nil {
				h.logger.Debug("duplexsse: POST for unknown client id, dropping", zap.String("client_id", id))
			}
			return
		}

		conn.deliver(msg)
	}()

	w.WriteHeader(http.StatusOK)
}

// httpSink adapts a live HTTP response writer to the Sink interface.
// Close signals the blocked ServeHTTP goroutine (handleGet) to return,
// which is this transport's equivalent of "closing" a streamed
// response: net/http gives no lower-level handle once headers are
// sent without a literal hijack, and a literal hijack would forgo the
// header/flush handling net/http already does correctly for us.
type httpSink struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	done      chan struct{}
	closeOnce sync.Once
}

func (s *httpSink) Write(p []byte) error {
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *httpSink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
