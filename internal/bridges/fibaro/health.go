package fibaro

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultHealthInterval is how often health is published when no interval
// is configured.
const DefaultHealthInterval = 30 * time.Second

// healthCheckTimeout bounds each dependency check.
const healthCheckTimeout = 5 * time.Second

// HealthCheck probes one infrastructure dependency, such as the MQTT
// session or the audit database.
type HealthCheck func(ctx context.Context) error

// HealthPublisher publishes health messages. Typically the MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// StatsSource reports hub client counters.
type StatsSource interface {
	Stats() ClientStats
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// HubAddress is reported in health messages.
	HubAddress string

	// Interval defaults to DefaultHealthInterval.
	Interval time.Duration

	Publisher HealthPublisher
	Stats     StatsSource

	// Checks are run on every report; the first failure, in name order,
	// degrades the status.
	Checks map[string]HealthCheck
}

// HealthReporter publishes the bridge's health to MQTT on a ticker.
type HealthReporter struct {
	logSink

	bridgeID   string
	version    string
	hubAddress string
	startTime  time.Time
	interval   time.Duration
	publisher  HealthPublisher
	stats      StatsSource
	checks     map[string]HealthCheck
	checkNames []string

	mu          sync.RWMutex
	deviceCount int
	hubInfo     HubInfo

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHealthReporter creates a reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	names := make([]string, 0, len(cfg.Checks))
	for name := range cfg.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return &HealthReporter{
		bridgeID:   cfg.BridgeID,
		version:    cfg.Version,
		hubAddress: cfg.HubAddress,
		startTime:  time.Now(),
		interval:   interval,
		publisher:  cfg.Publisher,
		stats:      cfg.Stats,
		checks:     cfg.Checks,
		checkNames: names,
		done:       make(chan struct{}),
	}
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		if err := h.publishStatus(HealthStopping, ""); err != nil {
			h.logDebug("final health publish failed", "error", err)
		}
	})
}

// SetDeviceCount updates the managed device count.
func (h *HealthReporter) SetDeviceCount(count int) {
	h.mu.Lock()
	h.deviceCount = count
	h.mu.Unlock()
}

// SetHubInfo records the hub identity reported in health messages.
func (h *HealthReporter) SetHubInfo(info HubInfo) {
	h.mu.Lock()
	h.hubInfo = info
	h.mu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// Snapshot returns the message PublishNow would send.
func (h *HealthReporter) Snapshot() HealthMessage {
	status, reason := h.determineStatus()
	return h.buildMessage(status, reason)
}

// LWTPayload returns the Last Will payload to register with the broker.
func (h *HealthReporter) LWTPayload() ([]byte, error) {
	return json.Marshal(NewLWTMessage(h.bridgeID))
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus is degraded when MQTT is down, the most recent hub
// request failed or a dependency check fails.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.stats != nil {
		s := h.stats.Stats()
		if !s.LastFailure.IsZero() && s.LastFailure.After(s.LastSuccess) {
			return HealthDegraded, "hub unreachable"
		}
	}
	if err := h.runChecks(); err != nil {
		return HealthDegraded, err.Error()
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) runChecks() error {
	for _, name := range h.checkNames {
		ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		err := h.checks[name](ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (h *HealthReporter) buildMessage(status HealthStatus, reason string) HealthMessage {
	h.mu.RLock()
	deviceCount := h.deviceCount
	info := h.hubInfo
	h.mu.RUnlock()

	var stats ClientStats
	if h.stats != nil {
		stats = h.stats.Stats()
	}

	msg := NewHealthMessage(h.bridgeID, h.version, h.hubAddress, status, stats, deviceCount, h.startTime)
	msg.Hub.Name = info.HCName
	msg.Hub.Serial = info.SerialNumber
	msg.Hub.SoftVersion = info.SoftVersion
	msg.Reason = reason
	return msg
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}
	payload, err := json.Marshal(h.buildMessage(status, reason))
	if err != nil {
		return err
	}
	return h.publisher.Publish(HealthTopic(), payload, 1, true)
}
