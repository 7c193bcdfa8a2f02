package fibaro

import "fmt"

// ChannelID names a semantic channel a device may expose.
type ChannelID string

// Known channels.
const (
	ChannelAlarm           ChannelID = "alarm"
	ChannelBattery         ChannelID = "battery"
	ChannelBlinds          ChannelID = "blinds"
	ChannelColorLight      ChannelID = "color-light"
	ChannelElectricCurrent ChannelID = "electric-current"
	ChannelDead            ChannelID = "dead"
	ChannelDimmer          ChannelID = "dimmer"
	ChannelDoor            ChannelID = "door"
	ChannelEnergy          ChannelID = "energy"
	ChannelHeat            ChannelID = "heat"
	ChannelIlluminance     ChannelID = "illuminance"
	ChannelLastBreached    ChannelID = "last-breached"
	ChannelMotion          ChannelID = "motion"
	ChannelPower           ChannelID = "power"
	ChannelPowerOutlet     ChannelID = "power-outlet"
	ChannelSmoke           ChannelID = "smoke"
	ChannelSwitch          ChannelID = "switch"
	ChannelTemperature     ChannelID = "temperature"
	ChannelThermostat      ChannelID = "thermostat"
	ChannelVoltage         ChannelID = "voltage"
	ChannelWindow          ChannelID = "window"
)

// Kind is the value type a channel carries.
type Kind int

const (
	// KindOnOff channels carry OnOff states.
	KindOnOff Kind = iota + 1
	// KindPercent channels carry Percent states (0..100).
	KindPercent
	// KindDecimal channels carry Decimal states.
	KindDecimal
)

func (k Kind) String() string {
	switch k {
	case KindOnOff:
		return "onoff"
	case KindPercent:
		return "percent"
	case KindDecimal:
		return "decimal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var channelKinds = map[ChannelID]Kind{
	ChannelAlarm:           KindOnOff,
	ChannelBattery:         KindDecimal,
	ChannelBlinds:          KindPercent,
	ChannelColorLight:      KindPercent,
	ChannelElectricCurrent: KindDecimal,
	ChannelDead:            KindOnOff,
	ChannelDimmer:          KindPercent,
	ChannelDoor:            KindOnOff,
	ChannelEnergy:          KindDecimal,
	ChannelHeat:            KindDecimal,
	ChannelIlluminance:     KindDecimal,
	ChannelLastBreached:    KindDecimal,
	ChannelMotion:          KindOnOff,
	ChannelPower:           KindDecimal,
	ChannelPowerOutlet:     KindOnOff,
	ChannelSmoke:           KindOnOff,
	ChannelSwitch:          KindOnOff,
	ChannelTemperature:     KindDecimal,
	ChannelThermostat:      KindDecimal,
	ChannelVoltage:         KindDecimal,
	ChannelWindow:          KindOnOff,
}

// ParseChannelID validates a channel name.
func ParseChannelID(s string) (ChannelID, error) {
	id := ChannelID(s)
	if _, ok := channelKinds[id]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, s)
	}
	return id, nil
}

// Kind returns the value type of the channel, or zero for unknown ids.
func (c ChannelID) Kind() Kind {
	return channelKinds[c]
}

// Valid reports whether c is one of the known channels.
func (c ChannelID) Valid() bool {
	_, ok := channelKinds[c]
	return ok
}
