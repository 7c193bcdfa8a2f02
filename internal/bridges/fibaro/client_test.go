package fibaro

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-fibaro/internal/cache"
)

// hubRecorder captures requests made to a fake hub.
type hubRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	User   string
	Pass   string
}

func (h *hubRecorder) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	user, pass, _ := r.BasicAuth()
	h.mu.Lock()
	h.requests = append(h.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Body:   string(body),
		User:   user,
		Pass:   pass,
	})
	h.mu.Unlock()
}

func (h *hubRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

func (h *hubRecorder) last() recordedRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.requests) == 0 {
		return recordedRequest{}
	}
	return h.requests[len(h.requests)-1]
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		Address:  url,
		Username: "admin",
		Password: "secret",
		Timeout:  2 * time.Second,
		Cache:    cache.Config{TTL: 10 * time.Second, MaxSize: 100},
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// deviceServer serves GET /api/devices/{id} with a fixed property bag.
func deviceServer(t *testing.T, rec *hubRecorder) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		if !strings.HasPrefix(r.URL.Path, "/api/devices/") {
			http.NotFound(w, r)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/api/devices/")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":`+id+`,"name":"dev","type":"com.fibaro.binarySwitch","enabled":true,"properties":{"value":"true","power":12.5}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
	}{
		{"missing address", ClientConfig{Username: "u"}},
		{"missing username", ClientConfig{Address: "10.0.0.2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewClient(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(ClientConfig{Address: "10.0.0.2/", Username: "u"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if c.baseURL != "http://10.0.0.2" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
	if c.cfg.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", c.cfg.Timeout, DefaultTimeout)
	}
	if cap(c.slots) != DefaultMaxConcurrent {
		t.Errorf("slots = %d, want %d", cap(c.slots), DefaultMaxConcurrent)
	}
}

func TestClientConfig_RedactsPassword(t *testing.T) {
	cfg := ClientConfig{Address: "hub", Username: "admin", Password: "hunter2"}

	if strings.Contains(cfg.String(), "hunter2") {
		t.Errorf("String() leaks password: %s", cfg.String())
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Errorf("MarshalJSON leaks password: %s", data)
	}
}

func TestClient_SendActionPercent(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantErr    bool
		wantReason string
	}{
		{"ok", http.StatusOK, false, ""},
		{"accepted", http.StatusAccepted, false, ""},
		{"server error", http.StatusInternalServerError, true, "Internal Server Error"},
		{"not found", http.StatusNotFound, true, "Not Found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &hubRecorder{}
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				rec.record(r)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL)
			action, err := EncodeCommand(Percent(75))
			if err != nil {
				t.Fatalf("EncodeCommand() error = %v", err)
			}

			err = c.SendAction(context.Background(), 7, action)

			req := rec.last()
			if req.Method != http.MethodPost {
				t.Errorf("method = %s, want POST", req.Method)
			}
			if req.Path != "/api/devices/7/action/setValue" {
				t.Errorf("path = %s", req.Path)
			}
			if req.Body != `{"args":[75]}` {
				t.Errorf("body = %s, want {\"args\":[75]}", req.Body)
			}
			if req.User != "admin" || req.Pass != "secret" {
				t.Errorf("basic auth = %q/%q", req.User, req.Pass)
			}

			if (err != nil) != tt.wantErr {
				t.Fatalf("SendAction() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			if !errors.Is(err, ErrRequestFailed) {
				t.Errorf("error = %v, want ErrRequestFailed", err)
			}
			var rfe *RequestFailedError
			if !errors.As(err, &rfe) {
				t.Fatalf("error %T is not *RequestFailedError", err)
			}
			if rfe.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", rfe.StatusCode, tt.status)
			}
			if rfe.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", rfe.Reason, tt.wantReason)
			}
		})
	}
}

func TestClient_SendActionWithoutArgs(t *testing.T) {
	rec := &hubRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	action, _ := EncodeCommand(On)
	if err := c.SendAction(context.Background(), 3, action); err != nil {
		t.Fatalf("SendAction() error = %v", err)
	}

	req := rec.last()
	if req.Path != "/api/devices/3/action/turnOn" {
		t.Errorf("path = %s", req.Path)
	}
	if req.Body != "" {
		t.Errorf("body = %q, want empty", req.Body)
	}
}

func TestClient_SendActionRejectsLocally(t *testing.T) {
	rec := &hubRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	if err := c.SendAction(context.Background(), 3, Action{Refresh: true}); !errors.Is(err, ErrUnsupportedCommand) {
		t.Errorf("refresh action error = %v, want ErrUnsupportedCommand", err)
	}
	if err := c.SendAction(context.Background(), 0, Action{Name: ActionTurnOn}); !errors.Is(err, ErrInvalidDeviceID) {
		t.Errorf("invalid id error = %v, want ErrInvalidDeviceID", err)
	}
	if rec.count() != 0 {
		t.Errorf("hub received %d requests, want 0", rec.count())
	}
}

func TestClient_UnauthorizedReasonNamesRealm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("WWW-Authenticate", `Basic realm="fibaro"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Info(context.Background())

	var rfe *RequestFailedError
	if !errors.As(err, &rfe) {
		t.Fatalf("error = %v, want *RequestFailedError", err)
	}
	if !strings.Contains(rfe.Reason, `realm "fibaro"`) {
		t.Errorf("Reason = %q, want realm", rfe.Reason)
	}
	if strings.Contains(err.Error(), "secret") {
		t.Errorf("error leaks password: %v", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{Address: srv.URL, Username: "u", Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer c.Close()

	err = c.Call(context.Background(), http.MethodGet, "/api/devices/1", nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if got := c.Stats().Timeouts; got != 1 {
		t.Errorf("Timeouts = %d, want 1", got)
	}
}

func TestClient_CallerCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := c.Call(ctx, http.MethodGet, "/api/devices/1", nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("cancellation should not be reported as a timeout")
	}
}

func TestClient_DecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<html>not json</html>")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.FetchDevice(context.Background(), 5)
	if !errors.Is(err, ErrDecode) {
		t.Errorf("error = %v, want ErrDecode", err)
	}
}

func TestClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url)
	err := c.Call(context.Background(), http.MethodGet, "/api/devices/1", nil, nil)
	if !errors.Is(err, ErrRequestFailed) {
		t.Errorf("error = %v, want ErrRequestFailed", err)
	}
}

func TestClient_FetchDeviceReadThrough(t *testing.T) {
	rec := &hubRecorder{}
	srv := deviceServer(t, rec)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	d1, err := c.FetchDevice(ctx, 42)
	if err != nil {
		t.Fatalf("FetchDevice() error = %v", err)
	}
	d2, err := c.FetchDevice(ctx, 42)
	if err != nil {
		t.Fatalf("FetchDevice() error = %v", err)
	}

	if rec.count() != 1 {
		t.Errorf("hub requests = %d, want 1", rec.count())
	}
	if d1.ID != 42 || d2.Properties["power"] != "12.5" {
		t.Errorf("unexpected device: %+v", d2)
	}

	stats := c.Stats()
	if stats.CacheHits != 1 || stats.CacheMisses != 1 {
		t.Errorf("cache hits/misses = %d/%d, want 1/1", stats.CacheHits, stats.CacheMisses)
	}
}

func TestClient_FetchDeviceReturnsCopies(t *testing.T) {
	rec := &hubRecorder{}
	srv := deviceServer(t, rec)
	c := newTestClient(t, srv.URL)

	d, _ := c.FetchDevice(context.Background(), 1)
	d.Properties["value"] = "mutated"

	again, _ := c.FetchDevice(context.Background(), 1)
	if again.Properties["value"] != "true" {
		t.Error("caller mutation leaked into the cache")
	}
}

func TestClient_FetchDeviceErrorNotCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"id":9,"properties":{}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.FetchDevice(context.Background(), 9); !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("first fetch error = %v, want ErrRequestFailed", err)
	}
	if _, err := c.FetchDevice(context.Background(), 9); err != nil {
		t.Fatalf("second fetch error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("hub requests = %d, want 2", calls.Load())
	}
}

func TestClient_InvalidateForcesRefetch(t *testing.T) {
	rec := &hubRecorder{}
	srv := deviceServer(t, rec)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, _ = c.FetchDevice(ctx, 42)
	c.Invalidate(42)
	_, _ = c.FetchDevice(ctx, 42)

	if rec.count() != 2 {
		t.Errorf("hub requests = %d, want 2", rec.count())
	}
}

func TestClient_InvalidateNeverCachedID(t *testing.T) {
	rec := &hubRecorder{}
	srv := deviceServer(t, rec)
	c := newTestClient(t, srv.URL)

	c.Invalidate(77)
	if _, err := c.FetchDevice(context.Background(), 77); err != nil {
		t.Fatalf("FetchDevice() error = %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("hub requests = %d, want 1", rec.count())
	}
}

func TestClient_InvalidateDuringFetchDiscardsResult(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		_, _ = io.WriteString(w, `{"id":5,"properties":{"value":"0"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.FetchDevice(ctx, 5)
		done <- err
	}()

	<-entered
	c.Invalidate(5)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("in-flight fetch error = %v", err)
	}

	if _, err := c.FetchDevice(ctx, 5); err != nil {
		t.Fatalf("FetchDevice() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("hub requests = %d, want 2 (stale result must not be cached)", calls.Load())
	}
}

func TestClient_ConcurrentMissesShareRequest(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		_, _ = io.WriteString(w, `{"id":8,"properties":{}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.FetchDevice(context.Background(), 8); err != nil {
				t.Errorf("FetchDevice() error = %v", err)
			}
		}()
	}

	<-entered
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("hub requests = %d, want 1", calls.Load())
	}
}

func TestClient_FetchDeviceInvalidID(t *testing.T) {
	c, _ := NewClient(ClientConfig{Address: "127.0.0.1:1", Username: "u"})
	defer c.Close()

	if _, err := c.FetchDevice(context.Background(), -1); !errors.Is(err, ErrInvalidDeviceID) {
		t.Errorf("error = %v, want ErrInvalidDeviceID", err)
	}
}

func TestClient_SerialisesCalls(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(id DeviceID) {
			defer wg.Done()
			if err := c.SendAction(context.Background(), id, Action{Name: ActionTurnOff}); err != nil {
				t.Errorf("SendAction() error = %v", err)
			}
		}(DeviceID(i))
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Errorf("peak concurrent hub calls = %d, want 1", peak.Load())
	}
}

func TestClient_Info(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/settings/info" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"serialNumber":"HC2-001234","hcName":"Home","softVersion":"4.600"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	info, err := c.Info(context.Background())
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.SerialNumber != "HC2-001234" || info.SoftVersion != "4.600" {
		t.Errorf("Info() = %+v", info)
	}
	if c.Stats().LastSuccess.IsZero() {
		t.Error("LastSuccess should be set")
	}
}
