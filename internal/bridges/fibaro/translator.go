package fibaro

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Hub property names with a channel mapping.
const (
	PropertyBattery = "battery"
	PropertyDead    = "dead"
	PropertyEnergy  = "energy"
	PropertyPower   = "power"
	PropertyValue   = "value"
)

// Hub action names.
const (
	ActionTurnOn   = "turnOn"
	ActionTurnOff  = "turnOff"
	ActionIncrease = "increase"
	ActionDecrease = "decrease"
	ActionSetValue = "setValue"
)

// propertyChannels lists the channels each property feeds. "value" is the
// hub's generic property and is broadcast to every channel it could mean.
var propertyChannels = map[string][]ChannelID{
	PropertyBattery: {ChannelBattery},
	PropertyDead:    {ChannelDead},
	PropertyEnergy:  {ChannelEnergy},
	PropertyPower:   {ChannelPower},
	PropertyValue: {
		ChannelAlarm,
		ChannelDimmer,
		ChannelPowerOutlet,
		ChannelSwitch,
		ChannelThermostat,
	},
}

// Update is one decoded push notification.
type Update struct {
	DeviceID DeviceID
	Property string
	Value    string
}

// ChannelUpdate is a typed state for one channel.
type ChannelUpdate struct {
	Channel ChannelID
	State   State
}

// TranslateUpdate maps a hub property and raw value to channel updates.
//
// Unknown properties yield no updates and ErrUnknownProperty. When some
// channels of a fan-out fail to decode, the others are still returned along
// with an error wrapping ErrDecode.
func TranslateUpdate(property, raw string) ([]ChannelUpdate, error) {
	channels, ok := propertyChannels[property]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProperty, property)
	}

	updates := make([]ChannelUpdate, 0, len(channels))
	var errs []error
	for _, ch := range channels {
		st, err := DecodeState(ch.Kind(), raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
			continue
		}
		updates = append(updates, ChannelUpdate{Channel: ch, State: st})
	}
	return updates, errors.Join(errs...)
}

// TranslateDevice maps every known property of a fetched device to channel
// updates, in property name order. Unknown properties are skipped; decode
// failures are joined into the returned error.
func TranslateDevice(d Device) ([]ChannelUpdate, error) {
	names := make([]string, 0, len(d.Properties))
	for name := range d.Properties {
		if _, ok := propertyChannels[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var (
		updates []ChannelUpdate
		errs    []error
	)
	for _, name := range names {
		u, err := TranslateUpdate(name, d.Properties[name])
		updates = append(updates, u...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return updates, errors.Join(errs...)
}

// DecodeState parses a raw hub value as the given kind.
//
// OnOff never fails: "true"/"false" in any case, numbers are on when
// non-zero, anything else is off. Percent truncates and clamps to 0..100.
func DecodeState(kind Kind, raw string) (State, error) {
	s := strings.TrimSpace(raw)

	switch kind {
	case KindOnOff:
		return decodeOnOff(s), nil

	case KindPercent:
		f, err := parseNumber(s)
		if err != nil {
			return nil, err
		}
		return percentOf(f), nil

	case KindDecimal:
		f, err := parseNumber(s)
		if err != nil {
			return nil, err
		}
		return Decimal(f), nil

	default:
		return nil, fmt.Errorf("%w: unsupported kind %s", ErrDecode, kind)
	}
}

func decodeOnOff(s string) OnOff {
	switch {
	case strings.EqualFold(s, "true"):
		return On
	case strings.EqualFold(s, "false"):
		return Off
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) {
		return OnOff(f != 0)
	}
	return Off
}

func parseNumber(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: not a number: %q", ErrDecode, s)
	}
	return f, nil
}

// Action is a hub call derived from a Command.
//
// When Refresh is set there is no hub action: the caller re-fetches the
// device and applies its properties.
type Action struct {
	Name    string
	Args    []any
	Refresh bool
}

// Payload returns the JSON request body, or nil for actions without
// arguments.
func (a Action) Payload() ([]byte, error) {
	if len(a.Args) == 0 {
		return nil, nil
	}
	return json.Marshal(actionArgs{Args: a.Args})
}

type actionArgs struct {
	Args []any `json:"args"`
}

// EncodeCommand maps a command to the hub action that carries it out.
func EncodeCommand(cmd Command) (Action, error) {
	switch c := cmd.(type) {
	case Refresh:
		return Action{Refresh: true}, nil

	case OnOff:
		if c {
			return Action{Name: ActionTurnOn}, nil
		}
		return Action{Name: ActionTurnOff}, nil

	case IncreaseDecrease:
		switch c {
		case Increase:
			return Action{Name: ActionIncrease}, nil
		case Decrease:
			return Action{Name: ActionDecrease}, nil
		}
		return Action{}, fmt.Errorf("%w: %s", ErrUnsupportedCommand, c)

	case Percent:
		return Action{Name: ActionSetValue, Args: []any{int(c.clamp())}}, nil

	case Decimal:
		f := float64(c)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Action{}, fmt.Errorf("%w: decimal %v", ErrUnsupportedCommand, f)
		}
		return Action{Name: ActionSetValue, Args: []any{f}}, nil

	default:
		return Action{}, fmt.Errorf("%w: %T", ErrUnsupportedCommand, cmd)
	}
}

// DevicePath is the REST path of a device.
func DevicePath(id DeviceID) string {
	return "/api/devices/" + id.String()
}

// ActionPath is the REST path of a device action.
func ActionPath(id DeviceID, action string) string {
	return DevicePath(id) + "/action/" + action
}
