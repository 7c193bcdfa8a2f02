package fibaro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Listener constants.
const (
	// maxPushBodySize bounds a single push notification body.
	maxPushBodySize = 64 << 10

	// listenerShutdownTimeout bounds how long Close waits for in-flight
	// notifications.
	listenerShutdownTimeout = 5 * time.Second

	requestIDHeader = "X-Request-ID"
)

type contextKey string

const ctxKeyRequestID contextKey = "request_id"

// ListenerConfig configures the push notification endpoint.
type ListenerConfig struct {
	Host string
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Addr returns host:port.
func (c ListenerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ListenerOptions holds dependencies for NewListener.
type ListenerOptions struct {
	Config ListenerConfig

	// OnUpdate receives every decoded notification. Required.
	OnUpdate func(ctx context.Context, u Update)

	// Metrics is optional; when set /metrics is served.
	Metrics *Metrics

	// Health is optional; its result is served as JSON on /health.
	Health func() any

	Logger Logger
}

// pushPayload is the body the hub's push scene posts.
type pushPayload struct {
	ID       DeviceID        `json:"id"`
	Property string          `json:"property"`
	Value    json.RawMessage `json:"value"`
}

// Listener is an HTTP server receiving push notifications from the hub.
// Each request is served on its own goroutine; a malformed notification is
// answered with 400 and dropped.
type Listener struct {
	logSink

	cfg      ListenerConfig
	onUpdate func(ctx context.Context, u Update)
	metrics  *Metrics
	health   func() any

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
	done   chan struct{}
}

// NewListener creates a listener. Call Start to bind and serve.
func NewListener(opts ListenerOptions) (*Listener, error) {
	if opts.OnUpdate == nil {
		return nil, fmt.Errorf("update callback is required")
	}
	l := &Listener{
		cfg:      opts.Config,
		onUpdate: opts.OnUpdate,
		metrics:  opts.Metrics,
		health:   opts.Health,
	}
	l.SetLogger(opts.Logger)
	return l, nil
}

// Handler returns the router. Exposed for tests.
func (l *Listener) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(l.requestIDMiddleware, l.loggingMiddleware, l.recoveryMiddleware)

	r.Get("/health", l.handleHealth)
	if l.metrics != nil {
		r.Method(http.MethodGet, "/metrics", l.metrics.Handler())
	}
	r.Post("/", l.handlePush)
	r.Post("/*", l.handlePush)

	return r
}

// Start binds the port and serves in the background. Bind errors are
// returned synchronously.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.server != nil {
		return fmt.Errorf("listener already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.cfg.Addr())
	if err != nil {
		return fmt.Errorf("binding push listener on %s: %w", l.cfg.Addr(), err)
	}

	l.server = &http.Server{
		Handler:           l.Handler(),
		ReadTimeout:       l.cfg.ReadTimeout,
		ReadHeaderTimeout: l.cfg.ReadTimeout,
		WriteTimeout:      l.cfg.WriteTimeout,
		IdleTimeout:       l.cfg.IdleTimeout,
	}
	l.addr = ln.Addr()
	l.done = make(chan struct{})

	srv, done := l.server, l.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logError("push listener stopped", err)
		}
	}()

	l.logInfo("push listener started", "address", l.addr.String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// Close stops accepting notifications and waits for in-flight ones.
func (l *Listener) Close() error {
	l.mu.Lock()
	srv, done := l.server, l.done
	l.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), listenerShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	<-done
	if err != nil {
		return fmt.Errorf("shutting down push listener: %w", err)
	}
	l.logInfo("push listener stopped")
	return nil
}

func (l *Listener) handlePush(w http.ResponseWriter, r *http.Request) {
	u, err := decodePush(http.MaxBytesReader(w, r.Body, maxPushBodySize))
	if err != nil {
		l.metrics.pushReceived(pushMalformed)
		l.logWarn("dropping malformed push notification",
			"error", err,
			"remote", r.RemoteAddr,
			"request_id", r.Context().Value(ctxKeyRequestID))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	l.metrics.pushReceived(pushAccepted)
	l.onUpdate(r.Context(), u)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// decodePush parses one notification body into an Update.
func decodePush(body io.Reader) (Update, error) {
	var p pushPayload
	dec := json.NewDecoder(body)
	if err := dec.Decode(&p); err != nil {
		return Update{}, fmt.Errorf("%w: push body: %v", ErrDecode, err)
	}
	if !p.ID.Valid() {
		return Update{}, fmt.Errorf("%w: push id %d", ErrDecode, p.ID)
	}
	if p.Property == "" {
		return Update{}, fmt.Errorf("%w: push property is empty", ErrDecode)
	}
	if p.Value == nil {
		return Update{}, fmt.Errorf("%w: push value is missing", ErrDecode)
	}
	value, err := RawString(p.Value)
	if err != nil {
		return Update{}, fmt.Errorf("%w: push value: %v", ErrDecode, err)
	}
	return Update{DeviceID: p.ID, Property: p.Property, Value: value}, nil
}

func (l *Listener) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if l.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, l.health())
}

func (l *Listener) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (l *Listener) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		l.logDebug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
	})
}

func (l *Listener) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				l.logError("panic recovered in push handler", fmt.Errorf("%v", rec),
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", r.Context().Value(ctxKeyRequestID),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}
