package fibaro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Bridge operation constants.
const (
	// DefaultCommandTimeout bounds one command including hub round-trips.
	DefaultCommandTimeout = 10 * time.Second

	// initialRefreshTimeout bounds the start-up fetch of a single device.
	initialRefreshTimeout = 10 * time.Second

	// hubCheckTimeout bounds the start-up hub identity check.
	hubCheckTimeout = 10 * time.Second

	// telemetryMeasurement is the InfluxDB measurement for channel states.
	telemetryMeasurement = "fibaro_channel"

	defaultVersion = "dev"
)

// MQTTClient is the part of the MQTT client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// HubClient is the hub access the bridge needs. *Client implements it.
type HubClient interface {
	Hub
	StatsSource
	Info(ctx context.Context) (HubInfo, error)
	Invalidate(id DeviceID)
	Start(ctx context.Context)
	Close()
}

// Telemetry receives numeric channel states. Optional.
type Telemetry interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
}

// CommandRecord is one handled command, as kept in the audit log.
type CommandRecord struct {
	CommandID string
	DeviceID  DeviceID
	Channel   string
	Command   string
	Value     any
	Source    string
	UserID    string
	Status    AckStatus
	ErrorCode string
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// CommandAuditor records command outcomes. Optional.
type CommandAuditor interface {
	RecordCommand(ctx context.Context, rec CommandRecord) error
}

// BridgeConfig holds bridge-level settings.
type BridgeConfig struct {
	// ID identifies this bridge instance in health messages.
	ID string

	// Version is reported in health messages.
	Version string

	// HubAddress is reported in health messages.
	HubAddress string

	HealthInterval time.Duration
	CommandTimeout time.Duration

	Listener ListenerConfig
}

// BridgeOptions holds dependencies for NewBridge.
type BridgeOptions struct {
	Config BridgeConfig

	// Devices are the configured hub devices.
	Devices []DeviceConfig

	// MQTTClient connects the bridge to Gray Logic Core. Required.
	MQTTClient MQTTClient

	// Client talks to the hub. Required.
	Client HubClient

	// Metrics, Telemetry and Auditor are optional.
	Metrics   *Metrics
	Telemetry Telemetry
	Auditor   CommandAuditor

	// HealthChecks are infrastructure probes folded into health reports,
	// keyed by dependency name. Optional.
	HealthChecks map[string]HealthCheck

	Logger Logger
}

// Bridge connects a Fibaro hub to Gray Logic Core over MQTT.
//
// It owns the device registry, the push listener and health reporting.
// Push notifications are dispatched to device handlers; commands arriving
// on MQTT are executed against the hub and acknowledged.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	logSink

	cfg       BridgeConfig
	devices   []DeviceConfig
	names     map[DeviceID]string
	mqtt      MQTTClient
	client    HubClient
	registry  *Registry
	listener  *Listener
	health    *HealthReporter
	metrics   *Metrics
	telemetry Telemetry
	auditor   CommandAuditor

	// stopMu orders command intake against Stop so wg.Add never races
	// wg.Wait.
	stopMu   sync.Mutex
	stopping bool
	wg       sync.WaitGroup
	stopOnce sync.Once

	ctx       context.Context
	ctxCancel context.CancelFunc
}

// Ensure Bridge is the sink for every handler it creates.
var _ ChannelSink = (*Bridge)(nil)

// NewBridge creates a bridge. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("hub client is required")
	}

	cfg := opts.Config
	if cfg.ID == "" {
		cfg.ID = "fibaro-bridge"
	}
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:       cfg,
		devices:   opts.Devices,
		names:     make(map[DeviceID]string, len(opts.Devices)),
		mqtt:      opts.MQTTClient,
		client:    opts.Client,
		registry:  NewRegistry(),
		metrics:   opts.Metrics,
		telemetry: opts.Telemetry,
		auditor:   opts.Auditor,
		ctx:       ctx,
		ctxCancel: ctxCancel,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:   cfg.ID,
		Version:    cfg.Version,
		HubAddress: cfg.HubAddress,
		Interval:   cfg.HealthInterval,
		Publisher:  opts.MQTTClient,
		Stats:      opts.Client,
		Checks:     opts.HealthChecks,
	})

	listener, err := NewListener(ListenerOptions{
		Config:   cfg.Listener,
		OnUpdate: b.handlePush,
		Metrics:  opts.Metrics,
		Health:   func() any { return b.health.Snapshot() },
	})
	if err != nil {
		ctxCancel()
		return nil, err
	}
	b.listener = listener

	if c, ok := opts.Client.(*Client); ok {
		opts.Metrics.BindClient(c)
	}
	opts.Metrics.BindRegistry(b.registry)

	b.SetLogger(opts.Logger)
	return b, nil
}

// SetLogger sets the logger for the bridge and the parts it owns.
func (b *Bridge) SetLogger(logger Logger) {
	b.logSink.SetLogger(logger)
	b.registry.SetLogger(logger)
	b.listener.SetLogger(logger)
	b.health.SetLogger(logger)
}

// Start builds the device handlers, publishes initial states, subscribes to
// commands and starts the push listener.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.client.Start(b.ctx)
	b.checkHub(ctx)

	if err := b.registerDevices(); err != nil {
		return err
	}
	b.health.SetDeviceCount(b.registry.Len())

	b.refreshAll(ctx)

	topic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(topic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", topic)

	if err := b.listener.Start(ctx); err != nil {
		return err
	}

	b.health.Start(b.ctx)

	b.logInfo("bridge started",
		"bridge_id", b.cfg.ID,
		"devices", b.registry.Len())
	return nil
}

// Stop shuts the bridge down: the listener first, then in-flight commands,
// then health reporting and the cache sweeper. Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if err := b.listener.Close(); err != nil {
			b.logError("failed to stop push listener", err)
		}

		b.stopMu.Lock()
		b.stopping = true
		b.stopMu.Unlock()

		b.ctxCancel()
		b.wg.Wait()

		b.health.Stop()
		b.client.Close()

		b.logInfo("bridge stopped")
	})
}

// PublishHealth publishes the current health immediately, for example
// after the MQTT session is re-established and the will has fired.
func (b *Bridge) PublishHealth() {
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", err)
	}
}

// Registry returns the device registry.
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// ListenerAddr returns the bound push listener address, or "" before Start.
func (b *Bridge) ListenerAddr() string {
	if addr := b.listener.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// checkHub reads the hub identity once so bad credentials or a wrong
// address show up at start. Failure is logged, not fatal: devices are
// reported offline individually by the initial refresh.
func (b *Bridge) checkHub(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, hubCheckTimeout)
	defer cancel()

	info, err := b.client.Info(cctx)
	if err != nil {
		b.logWarn("hub check failed", "address", b.cfg.HubAddress, "error", err)
		return
	}
	b.health.SetHubInfo(info)
	b.logInfo("hub reachable",
		"name", info.HCName,
		"serial", info.SerialNumber,
		"version", info.SoftVersion)
}

func (b *Bridge) registerDevices() error {
	for _, dc := range b.devices {
		h, err := NewHandler(dc, b.client, b)
		if err != nil {
			return fmt.Errorf("device %d: %w", dc.ID, err)
		}
		if l, ok := h.(interface{ SetLogger(Logger) }); ok {
			l.SetLogger(b.current())
		}
		if b.registry.Register(h) {
			b.logWarn("device registered twice, keeping the last", "device_id", int(dc.ID))
		}
		b.names[dc.ID] = dc.Name
	}
	return nil
}

// refreshAll fetches every device once, publishing its channel states and
// an availability status.
func (b *Bridge) refreshAll(ctx context.Context) {
	for _, id := range b.registry.IDs() {
		h, ok := b.registry.Lookup(id)
		if !ok {
			continue
		}

		rctx, cancel := context.WithTimeout(ctx, initialRefreshTimeout)
		err := h.Refresh(rctx)
		cancel()

		if err != nil {
			b.logWarn("device not reachable on hub", "device", b.deviceLabel(id), "error", err)
			b.publishStatus(id, DeviceOffline, err.Error())
			continue
		}
		b.publishStatus(id, DeviceOnline, "")
	}
}

func (b *Bridge) publishStatus(id DeviceID, status DeviceStatus, reason string) {
	msg := DeviceStatusMessage{
		DeviceID:  id,
		Name:      b.names[id],
		Status:    status,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal device status", err)
		return
	}
	if err := b.mqtt.Publish(StatusTopic(id), payload, 1, true); err != nil {
		b.logError("failed to publish device status", err, "device_id", int(id))
	}
}

// handlePush routes a decoded notification and drops the device's cached
// snapshot, which is now stale.
func (b *Bridge) handlePush(_ context.Context, u Update) {
	defer b.client.Invalidate(u.DeviceID)

	err := b.registry.Dispatch(u)
	switch {
	case errors.Is(err, ErrUnknownDevice):
		b.metrics.dispatched(dispatchUnknownDevice)
	case err != nil:
		b.logError("dispatch failed", err, "device_id", int(u.DeviceID))
	default:
		b.metrics.dispatched(dispatchHandled)
	}
}

// UpdateChannel publishes a channel state to Core and telemetry.
func (b *Bridge) UpdateChannel(id DeviceID, channel ChannelID, state State) {
	msg := NewStateMessage(id, channel, state)

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}
	if err := b.mqtt.Publish(StateTopic(id, channel), payload, 1, true); err != nil {
		b.logError("failed to publish state", err,
			"device_id", int(id), "channel", string(channel))
		return
	}
	b.metrics.channelUpdated(channel)

	if b.telemetry != nil {
		if v, ok := numericValue(state); ok {
			b.telemetry.WritePointWithTime(telemetryMeasurement,
				map[string]string{
					"device_id": id.String(),
					"channel":   string(channel),
					"kind":      state.Kind().String(),
				},
				map[string]any{"value": v},
				msg.Timestamp)
		}
	}

	b.logDebug("channel updated",
		"device_id", int(id), "channel", string(channel), "state", state.Raw())
}

func numericValue(s State) (float64, bool) {
	switch v := s.(type) {
	case OnOff:
		if v {
			return 1, true
		}
		return 0, true
	case Percent:
		return float64(v), true
	case Decimal:
		return float64(v), true
	default:
		return 0, false
	}
}

// handleMQTTMessage receives commands from Core. Each command runs on its
// own tracked goroutine so a slow hub does not stall the MQTT client.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	topicID, err := DeviceIDFromTopic(topic)
	if err != nil {
		b.logError("invalid command topic", err)
		return
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err, "topic", topic)
		b.publishAckError(CommandMessage{DeviceID: topicID}, ErrCodeInvalidCommand, err.Error())
		return
	}
	if cmd.DeviceID == 0 {
		cmd.DeviceID = topicID
	}
	if cmd.DeviceID != topicID {
		msg := fmt.Sprintf("device_id %d does not match topic device %d", cmd.DeviceID, topicID)
		cmd.DeviceID = topicID
		b.publishAckError(cmd, ErrCodeInvalidCommand, msg)
		return
	}

	b.stopMu.Lock()
	if b.stopping {
		b.stopMu.Unlock()
		b.publishAckError(cmd, ErrCodeBridgeError, "bridge stopping")
		return
	}
	b.wg.Add(1)
	b.stopMu.Unlock()

	go func() {
		defer b.wg.Done()
		b.handleCommand(cmd)
	}()
}

func (b *Bridge) handleCommand(msg CommandMessage) {
	b.logInfo("received command",
		"command_id", msg.ID,
		"device_id", int(msg.DeviceID),
		"channel", msg.Channel,
		"command", msg.Command)

	start := time.Now()
	err := b.executeCommand(msg)
	duration := time.Since(start)

	rec := CommandRecord{
		CommandID: msg.ID,
		DeviceID:  msg.DeviceID,
		Channel:   msg.Channel,
		Command:   msg.Command,
		Value:     msg.Value,
		Source:    msg.Source,
		UserID:    msg.UserID,
		Duration:  duration,
		Timestamp: start.UTC(),
	}

	if err != nil {
		code := errorCode(err)
		b.logError("command failed", err,
			"command_id", msg.ID,
			"device_id", int(msg.DeviceID),
			"code", code)
		b.metrics.commandHandled(msg.Command, commandFailed)
		ack := b.publishAckError(msg, code, err.Error())
		rec.Status, rec.ErrorCode, rec.Error = ack.Status, code, err.Error()
	} else {
		b.metrics.commandHandled(msg.Command, commandSucceeded)
		b.publishAck(NewAckMessage(msg))
		rec.Status = AckAccepted
	}

	b.audit(rec)
}

// executeCommand resolves the handler, channel and command, then runs it
// under the bridge context so shutdown aborts it.
func (b *Bridge) executeCommand(msg CommandMessage) error {
	h, ok := b.registry.Lookup(msg.DeviceID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, msg.DeviceID)
	}
	channel, err := ParseChannelID(msg.Channel)
	if err != nil {
		return err
	}
	cmd, err := ParseCommand(msg.Command, msg.Value)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.CommandTimeout)
	defer cancel()

	return h.HandleCommand(ctx, channel, cmd)
}

func (b *Bridge) audit(rec CommandRecord) {
	if b.auditor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CommandTimeout)
	defer cancel()
	if err := b.auditor.RecordCommand(ctx, rec); err != nil {
		b.logError("failed to record command", err, "command_id", rec.CommandID)
	}
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(ack.DeviceID), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err, "command_id", ack.CommandID)
	}
}

func (b *Bridge) publishAckError(cmd CommandMessage, code, message string) AckMessage {
	ack := NewAckError(cmd, code, message)
	b.publishAck(ack)
	return ack
}

// deviceLabel renders "name (id)" for log fields.
func (b *Bridge) deviceLabel(id DeviceID) string {
	if name := b.names[id]; name != "" {
		return name + " (" + strconv.Itoa(int(id)) + ")"
	}
	return id.String()
}
