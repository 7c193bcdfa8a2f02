package fibaro

import (
	"context"
	"errors"
	"fmt"
)

// DeviceType selects the handler variant for a device.
type DeviceType string

const (
	// DeviceTypeActor handles any channel set and every command kind.
	DeviceTypeActor DeviceType = "actor"

	// DeviceTypeBinarySwitch handles on/off channels and accepts only
	// OnOff and Refresh commands.
	DeviceTypeBinarySwitch DeviceType = "binary-switch"
)

// Valid reports whether t names a known handler variant.
func (t DeviceType) Valid() bool {
	return t == DeviceTypeActor || t == DeviceTypeBinarySwitch
}

// DeviceHandler owns the channels of one hub device.
type DeviceHandler interface {
	// DeviceID returns the hub id this handler serves.
	DeviceID() DeviceID

	// Channels returns the exposed channels in configuration order.
	Channels() []ChannelID

	// HandleUpdate applies a push update. Updates for channels the device
	// does not expose are dropped.
	HandleUpdate(u Update)

	// HandleCommand carries out a command addressed to one channel.
	HandleCommand(ctx context.Context, channel ChannelID, cmd Command) error

	// Refresh re-reads the device from the hub and republishes every
	// exposed channel.
	Refresh(ctx context.Context) error
}

// Hub is the part of Client used by handlers.
type Hub interface {
	FetchDevice(ctx context.Context, id DeviceID) (Device, error)
	SendAction(ctx context.Context, id DeviceID, action Action) error
}

// ChannelSink receives channel states produced by handlers.
type ChannelSink interface {
	UpdateChannel(id DeviceID, channel ChannelID, state State)
}

// Ensure both variants implement DeviceHandler.
var (
	_ DeviceHandler = (*ActorHandler)(nil)
	_ DeviceHandler = (*BinarySwitchHandler)(nil)
)

// handlerBase holds what every variant shares: identity, channel set and
// the inbound mapping.
type handlerBase struct {
	logSink

	id       DeviceID
	name     string
	channels []ChannelID
	exposed  map[ChannelID]bool
	hub      Hub
	sink     ChannelSink
}

func (h *handlerBase) init(cfg DeviceConfig, channels []ChannelID, hub Hub, sink ChannelSink) {
	h.id = cfg.ID
	h.name = cfg.Name
	h.channels = channels
	h.exposed = make(map[ChannelID]bool, len(channels))
	for _, ch := range channels {
		h.exposed[ch] = true
	}
	h.hub = hub
	h.sink = sink
}

func (h *handlerBase) DeviceID() DeviceID { return h.id }

func (h *handlerBase) Channels() []ChannelID {
	out := make([]ChannelID, len(h.channels))
	copy(out, h.channels)
	return out
}

// Exposes reports whether the device has the channel.
func (h *handlerBase) Exposes(ch ChannelID) bool {
	return h.exposed[ch]
}

func (h *handlerBase) HandleUpdate(u Update) {
	updates, err := TranslateUpdate(u.Property, u.Value)
	if errors.Is(err, ErrUnknownProperty) {
		h.logDebug("update for unmapped property",
			"device_id", int(h.id), "property", u.Property)
		return
	}
	if err != nil {
		h.logDebug("some channels could not decode update",
			"device_id", int(h.id), "property", u.Property, "value", u.Value, "error", err)
	}
	h.apply(updates)
}

func (h *handlerBase) Refresh(ctx context.Context) error {
	d, err := h.hub.FetchDevice(ctx, h.id)
	if err != nil {
		return fmt.Errorf("refresh device %d: %w", h.id, err)
	}

	updates, err := TranslateDevice(d)
	if err != nil {
		h.logDebug("some properties could not decode on refresh",
			"device_id", int(h.id), "error", err)
	}
	h.apply(updates)
	return nil
}

func (h *handlerBase) apply(updates []ChannelUpdate) {
	for _, u := range updates {
		if !h.Exposes(u.Channel) {
			continue
		}
		h.sink.UpdateChannel(h.id, u.Channel, u.State)
	}
}

func (h *handlerBase) checkChannel(ch ChannelID) error {
	if !h.Exposes(ch) {
		return fmt.Errorf("%w: device %d has no channel %q", ErrUnknownChannel, h.id, ch)
	}
	return nil
}

// execute encodes cmd and either refreshes or calls the hub.
func (h *handlerBase) execute(ctx context.Context, cmd Command) error {
	action, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if action.Refresh {
		return h.Refresh(ctx)
	}
	return h.hub.SendAction(ctx, h.id, action)
}

// ActorHandler drives dimmers, outlets, thermostats and other actuators.
// It accepts every command kind on any exposed channel.
type ActorHandler struct {
	handlerBase
}

// HandleCommand encodes the command and sends it to the hub.
func (h *ActorHandler) HandleCommand(ctx context.Context, channel ChannelID, cmd Command) error {
	if err := h.checkChannel(channel); err != nil {
		return err
	}
	return h.execute(ctx, cmd)
}

// BinarySwitchHandler drives plain on/off switches.
type BinarySwitchHandler struct {
	handlerBase
}

// HandleCommand accepts OnOff and Refresh only. Anything else fails with
// ErrUnsupportedCommand before the hub is contacted.
func (h *BinarySwitchHandler) HandleCommand(ctx context.Context, channel ChannelID, cmd Command) error {
	if err := h.checkChannel(channel); err != nil {
		return err
	}
	switch cmd.(type) {
	case OnOff, Refresh:
		return h.execute(ctx, cmd)
	default:
		return fmt.Errorf("%w: binary switch cannot handle %T", ErrUnsupportedCommand, cmd)
	}
}

// NewHandler builds the handler variant selected by cfg.Type.
func NewHandler(cfg DeviceConfig, hub Hub, sink ChannelSink) (DeviceHandler, error) {
	if hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("channel sink is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	channels, err := cfg.channelIDs()
	if err != nil {
		return nil, err
	}

	switch cfg.Type {
	case DeviceTypeBinarySwitch:
		h := &BinarySwitchHandler{}
		h.init(cfg, channels, hub, sink)
		return h, nil
	default:
		h := &ActorHandler{}
		h.init(cfg, channels, hub, sink)
		return h, nil
	}
}
