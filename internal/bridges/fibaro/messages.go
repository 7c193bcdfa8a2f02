package fibaro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MQTT messages exchanged between Gray Logic Core and the Fibaro bridge.

// Protocol is the protocol identifier carried in messages.
const Protocol = "fibaro"

// CommandMessage is sent from Core to the bridge to command a device channel.
// Topic: graylogic/command/fibaro/{device_id}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the hub device id.
	DeviceID DeviceID `json:"device_id"`

	// Channel is the target channel, e.g. "dimmer".
	Channel string `json:"channel"`

	// Command is one of refresh, on, off, increase, decrease, percent, decimal.
	Command string `json:"command"`

	// Value carries the argument for percent and decimal commands.
	Value any `json:"value,omitempty"`

	// Source indicates where the command originated.
	// Values: "api", "automation", "voice", "scene"
	Source string `json:"source"`

	// UserID is the user who triggered the command (if applicable).
	UserID string `json:"user_id,omitempty"`
}

// MarshalJSON writes the timestamp as RFC3339 UTC.
func (m *CommandMessage) MarshalJSON() ([]byte, error) {
	type Alias CommandMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON accepts a missing timestamp.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the hub accepted the command.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the hub did not answer within the timeout.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is sent from the bridge to Core to acknowledge a command.
// Topic: graylogic/ack/fibaro/{device_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  DeviceID  `json:"device_id"`
	Channel   string    `json:"channel,omitempty"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// errorCode classifies a command error for acknowledgments.
func errorCode(err error) string {
	var rfe *RequestFailedError
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, ErrUnsupportedCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrUnknownDevice), errors.Is(err, ErrUnknownChannel):
		return ErrCodeNotConfigured
	case errors.Is(err, context.Canceled):
		return ErrCodeBridgeError
	case errors.As(err, &rfe) && rfe.StatusCode == 0:
		return ErrCodeDeviceUnreachable
	case errors.Is(err, ErrRequestFailed), errors.Is(err, ErrDecode):
		return ErrCodeProtocolError
	default:
		return ErrCodeBridgeError
	}
}

// NewAckMessage builds a success acknowledgment.
func NewAckMessage(cmd CommandMessage) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Channel:   cmd.Channel,
		Status:    AckAccepted,
		Protocol:  Protocol,
	}
}

// NewAckError builds a failure acknowledgment. Timeouts get AckTimeout.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	ack := NewAckMessage(cmd)
	ack.Status = status
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// StateMessage is sent from the bridge to Core when a channel state changes.
// Topic: graylogic/state/fibaro/{device_id}/{channel}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  DeviceID  `json:"device_id"`
	Channel   ChannelID `json:"channel"`
	State     any       `json:"state"`
	Raw       string    `json:"raw"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Protocol  string    `json:"protocol"`
}

// NewStateMessage builds a state message for one channel.
func NewStateMessage(id DeviceID, channel ChannelID, state State) StateMessage {
	return StateMessage{
		DeviceID:  id,
		Channel:   channel,
		State:     state.Value(),
		Raw:       state.Raw(),
		Kind:      state.Kind().String(),
		Timestamp: time.Now().UTC(),
		Protocol:  Protocol,
	}
}

// DeviceStatus is the availability of a single hub device.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// DeviceStatusMessage reports whether a configured device could be reached
// on the hub.
// Topic: graylogic/status/fibaro/{device_id}
// QoS: 1, Retained: Yes
type DeviceStatusMessage struct {
	DeviceID  DeviceID     `json:"device_id"`
	Name      string       `json:"name,omitempty"`
	Status    DeviceStatus `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/fibaro
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string         `json:"bridge"`
	Timestamp      time.Time      `json:"timestamp"`
	Status         HealthStatus   `json:"status"`
	Version        string         `json:"version"`
	UptimeSeconds  int64          `json:"uptime_seconds"`
	Hub            *HubStatus     `json:"hub,omitempty"`
	Statistics     *HubStatistics `json:"statistics,omitempty"`
	DevicesManaged int            `json:"devices_managed"`
	Reason         string         `json:"reason,omitempty"`
}

// HubStatus describes the hub identity and its last known reachability.
type HubStatus struct {
	Address     string     `json:"address,omitempty"`
	Name        string     `json:"name,omitempty"`
	Serial      string     `json:"serial,omitempty"`
	SoftVersion string     `json:"soft_version,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
}

// HubStatistics mirrors ClientStats for health reporting.
type HubStatistics struct {
	Requests      uint64 `json:"requests"`
	Failures      uint64 `json:"failures"`
	Timeouts      uint64 `json:"timeouts"`
	CacheHits     uint64 `json:"cache_hits"`
	CacheMisses   uint64 `json:"cache_misses"`
	CachedDevices int    `json:"cached_devices"`
}

// NewHealthMessage builds a health message from client statistics.
func NewHealthMessage(bridgeID, version, address string, status HealthStatus, stats ClientStats, deviceCount int, startTime time.Time) HealthMessage {
	hub := &HubStatus{Address: address}
	if !stats.LastSuccess.IsZero() {
		t := stats.LastSuccess.UTC()
		hub.LastSuccess = &t
	}
	if !stats.LastFailure.IsZero() {
		t := stats.LastFailure.UTC()
		hub.LastFailure = &t
	}

	return HealthMessage{
		Bridge:        bridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Hub:           hub,
		Statistics: &HubStatistics{
			Requests:      stats.Requests,
			Failures:      stats.Failures,
			Timeouts:      stats.Timeouts,
			CacheHits:     stats.CacheHits,
			CacheMisses:   stats.CacheMisses,
			CachedDevices: stats.CachedDevices,
		},
		DevicesManaged: deviceCount,
	}
}

// NewLWTMessage builds the Last Will message the broker publishes if the
// bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// ─── Topics ───────────────────────────────────────────────────────

// TopicPrefix is the root of all Gray Logic topics.
const TopicPrefix = "graylogic"

// CommandTopic returns the command topic for a device.
func CommandTopic(id DeviceID) string {
	return fmt.Sprintf("%s/command/%s/%d", TopicPrefix, Protocol, id)
}

// CommandSubscribeTopic matches commands for every device.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, Protocol)
}

// AckTopic returns the acknowledgment topic for a device.
func AckTopic(id DeviceID) string {
	return fmt.Sprintf("%s/ack/%s/%d", TopicPrefix, Protocol, id)
}

// StateTopic returns the retained state topic for a device channel.
func StateTopic(id DeviceID, channel ChannelID) string {
	return fmt.Sprintf("%s/state/%s/%d/%s", TopicPrefix, Protocol, id, channel)
}

// StatusTopic returns the device availability topic.
func StatusTopic(id DeviceID) string {
	return fmt.Sprintf("%s/status/%s/%d", TopicPrefix, Protocol, id)
}

// HealthTopic returns the bridge health topic.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// DeviceIDFromTopic extracts the device id from a per-device topic such as
// graylogic/command/fibaro/7.
func DeviceIDFromTopic(topic string) (DeviceID, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != TopicPrefix || parts[2] != Protocol {
		return 0, fmt.Errorf("%w: topic %q", ErrInvalidDeviceID, topic)
	}
	n, err := strconv.Atoi(parts[3])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: topic %q", ErrInvalidDeviceID, topic)
	}
	return DeviceID(n), nil
}
