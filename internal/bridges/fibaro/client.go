package fibaro

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/gray-logic-fibaro/internal/cache"
)

// Client constants.
const (
	// Realm is the Basic auth realm the hub challenges with.
	Realm = "fibaro"

	// DefaultTimeout bounds a single hub call, including time spent
	// waiting for a free request slot.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxConcurrent is the number of hub calls allowed in flight.
	// The hub is a small embedded box and copes best with one at a time.
	DefaultMaxConcurrent = 1

	// maxResponseBytes caps how much of a hub response is read.
	maxResponseBytes = 4 << 20

	// settingsInfoPath answers cheaply and requires valid credentials.
	settingsInfoPath = "/api/settings/info"
)

// ClientConfig configures a hub Client.
type ClientConfig struct {
	// Address is the hub host, host:port or base URL. A missing scheme
	// defaults to http.
	Address string

	Username string

	// WARNING: Never log this value. Use String() method for safe logging.
	Password string

	// Timeout bounds each call. Default: 5s.
	Timeout time.Duration

	// MaxConcurrent bounds in-flight calls. Default: 1.
	MaxConcurrent int

	// Cache configures the device snapshot cache.
	Cache cache.Config
}

// String returns a string representation with password masked.
func (c ClientConfig) String() string {
	password := ""
	if c.Password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("ClientConfig{Address:%q, Username:%q, Password:%s, Timeout:%s, MaxConcurrent:%d}",
		c.Address, c.Username, password, c.Timeout, c.MaxConcurrent)
}

// MarshalJSON implements json.Marshaler to redact password in JSON output.
func (c ClientConfig) MarshalJSON() ([]byte, error) {
	type redacted ClientConfig
	safe := redacted(c)
	if safe.Password != "" {
		safe.Password = "[REDACTED]"
	}
	return json.Marshal(safe)
}

// ClientStats holds operational statistics.
type ClientStats struct {
	Requests      uint64
	Failures      uint64
	Timeouts      uint64
	CacheHits     uint64
	CacheMisses   uint64
	CachedDevices int
	LastSuccess   time.Time
	LastFailure   time.Time
}

// HubInfo is the subset of /api/settings/info the bridge reports.
type HubInfo struct {
	SerialNumber string `json:"serialNumber"`
	HCName       string `json:"hcName"`
	SoftVersion  string `json:"softVersion"`
}

// Client performs authenticated calls against the hub REST API and keeps a
// short-lived cache of device snapshots.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	logSink

	cfg     ClientConfig
	baseURL string

	// Transport is created on first use.
	httpMu sync.Mutex
	hc     *http.Client

	slots chan struct{}

	devices *cache.TTLCache[DeviceID, Device]
	fetches singleflight.Group

	// generations tracks invalidations per device id. A fetch only stores
	// its result if no invalidation happened since it started.
	genMu       sync.Mutex
	generations map[DeviceID]uint64

	requests    atomic.Uint64
	failures    atomic.Uint64
	timeouts    atomic.Uint64
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
	lastSuccess atomic.Int64
	lastFailure atomic.Int64
}

// NewClient creates a hub client. Call Start to run the cache sweeper.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := normaliseAddress(cfg.Address)
	if err != nil {
		return nil, err
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("hub username is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}

	return &Client{
		cfg:         cfg,
		baseURL:     base,
		slots:       make(chan struct{}, cfg.MaxConcurrent),
		devices:     cache.New[DeviceID, Device](cfg.Cache),
		generations: make(map[DeviceID]uint64),
	}, nil
}

func normaliseAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("hub address is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/"), nil
}

// Start launches the cache sweeper.
func (c *Client) Start(ctx context.Context) {
	c.devices.Start(ctx)
}

// Close stops the cache sweeper and releases idle connections.
func (c *Client) Close() {
	c.devices.Stop()

	c.httpMu.Lock()
	if c.hc != nil {
		c.hc.CloseIdleConnections()
	}
	c.httpMu.Unlock()
}

// transport returns the HTTP client, creating it on first use.
func (c *Client) transport() *http.Client {
	c.httpMu.Lock()
	defer c.httpMu.Unlock()

	if c.hc == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.MaxIdleConnsPerHost = c.cfg.MaxConcurrent
		c.hc = &http.Client{Transport: t}
		c.logDebug("hub transport started", "address", c.baseURL)
	}
	return c.hc
}

// Call performs one hub request.
//
// body is JSON-encoded when non-nil; result, when non-nil, receives the
// decoded JSON response. Statuses other than 200 and 202 return a
// *RequestFailedError. A call that exceeds the client timeout returns an
// error wrapping ErrTimeout.
func (c *Client) Call(ctx context.Context, method, path string, body, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	c.requests.Add(1)
	err := c.do(ctx, method, path, body, result)
	if err != nil {
		c.failures.Add(1)
		c.lastFailure.Store(time.Now().UnixNano())
		if errors.Is(err, ErrTimeout) {
			c.timeouts.Add(1)
		}
		return err
	}
	c.lastSuccess.Store(time.Now().UnixNano())
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	select {
	case c.slots <- struct{}{}:
		defer func() { <-c.slots }()
	case <-ctx.Done():
		return c.contextError(ctx, method, path)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("fibaro: encode %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("fibaro: build %s %s: %w", method, path, err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.transport().Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return c.contextError(ctx, method, path)
		}
		return &RequestFailedError{Method: method, Path: path, Reason: unwrapURLError(err).Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return &RequestFailedError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Reason:     statusReason(resp),
		}
	}

	if result == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(result); err != nil {
		if ctx.Err() != nil {
			return c.contextError(ctx, method, path)
		}
		return fmt.Errorf("%w: %s %s: %v", ErrDecode, method, path, err)
	}
	return nil
}

func (c *Client) contextError(ctx context.Context, method, path string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("fibaro: %s %s: %w", method, path, context.Canceled)
	}
	return fmt.Errorf("%w: %s %s after %s", ErrTimeout, method, path, c.cfg.Timeout)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// unwrapURLError strips the *url.Error wrapper, whose text repeats the URL.
func unwrapURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

func statusReason(resp *http.Response) string {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		reason = fmt.Sprintf("%s (realm %q)", reason, Realm)
	}
	return reason
}

// FetchDevice returns the device snapshot, reading through the cache.
//
// Concurrent misses for the same id share one hub request. A fetch that
// started before an Invalidate for the id never populates the cache.
// The shared request runs under the context of the caller that started it.
func (c *Client) FetchDevice(ctx context.Context, id DeviceID) (Device, error) {
	if !id.Valid() {
		return Device{}, fmt.Errorf("%w: %d", ErrInvalidDeviceID, id)
	}

	if d, ok := c.devices.Get(id); ok {
		c.cacheHits.Add(1)
		return d.Clone(), nil
	}
	c.cacheMisses.Add(1)

	gen := c.generation(id)
	key := id.String() + "/" + strconv.FormatUint(gen, 10)

	v, err, _ := c.fetches.Do(key, func() (any, error) {
		var d Device
		if err := c.Call(ctx, http.MethodGet, DevicePath(id), nil, &d); err != nil {
			return Device{}, err
		}
		if d.ID == 0 {
			d.ID = id
		}
		c.storeIfCurrent(id, gen, d)
		return d, nil
	})
	if err != nil {
		return Device{}, err
	}
	return v.(Device).Clone(), nil
}

// generation returns the current invalidation count for id, registering
// the id so later invalidations are tracked.
func (c *Client) generation(id DeviceID) uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()

	gen, ok := c.generations[id]
	if !ok {
		c.generations[id] = 0
	}
	return gen
}

func (c *Client) storeIfCurrent(id DeviceID, gen uint64, d Device) {
	c.genMu.Lock()
	defer c.genMu.Unlock()

	if c.generations[id] == gen {
		c.devices.Put(id, d)
	}
}

// Invalidate drops the cached snapshot for id. In-flight fetches that
// started earlier will not store their result.
func (c *Client) Invalidate(id DeviceID) {
	c.genMu.Lock()
	defer c.genMu.Unlock()

	if _, ok := c.generations[id]; ok {
		c.generations[id]++
	}
	c.devices.Remove(id)
}

// SendAction invokes a device action on the hub.
func (c *Client) SendAction(ctx context.Context, id DeviceID, action Action) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidDeviceID, id)
	}
	if action.Refresh || action.Name == "" {
		return fmt.Errorf("%w: action has no hub call", ErrUnsupportedCommand)
	}

	payload, err := action.Payload()
	if err != nil {
		return fmt.Errorf("fibaro: encode action %s: %w", action.Name, err)
	}

	var body any
	if payload != nil {
		body = json.RawMessage(payload)
	}

	path := ActionPath(id, action.Name)
	if err := c.Call(ctx, http.MethodPost, path, body, nil); err != nil {
		return err
	}
	c.logDebug("hub action sent", "device_id", int(id), "action", action.Name)
	return nil
}

// Info reads the hub's identity. It needs valid credentials, so a
// successful call also verifies the configured username and password.
func (c *Client) Info(ctx context.Context) (HubInfo, error) {
	var info HubInfo
	if err := c.Call(ctx, http.MethodGet, settingsInfoPath, nil, &info); err != nil {
		return HubInfo{}, err
	}
	return info, nil
}

// Stats returns current operational statistics.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Requests:      c.requests.Load(),
		Failures:      c.failures.Load(),
		Timeouts:      c.timeouts.Load(),
		CacheHits:     c.cacheHits.Load(),
		CacheMisses:   c.cacheMisses.Load(),
		CachedDevices: c.devices.Len(),
		LastSuccess:   unixNanoTime(c.lastSuccess.Load()),
		LastFailure:   unixNanoTime(c.lastFailure.Load()),
	}
}

func unixNanoTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
