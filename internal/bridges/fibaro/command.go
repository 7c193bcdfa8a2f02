package fibaro

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Command is an instruction for a device channel. The set of variants is
// closed: Refresh, OnOff, Percent, Decimal and IncreaseDecrease.
type Command interface {
	isCommand()
}

// State is a typed channel value. The set of variants is closed: OnOff,
// Percent and Decimal.
type State interface {
	isState()

	// Kind reports which channel kind the state belongs to.
	Kind() Kind

	// Raw returns the hub's string form of the value.
	Raw() string

	// Value returns the value as a plain Go type for JSON encoding.
	Value() any
}

// Refresh asks for the device to be re-read from the hub.
type Refresh struct{}

// OnOff is a binary state or command.
type OnOff bool

// Convenience values.
const (
	On  OnOff = true
	Off OnOff = false
)

// Percent is a level in 0..100.
type Percent int

// Decimal is an arbitrary numeric value.
type Decimal float64

// IncreaseDecrease steps a level up or down by the device's own increment.
type IncreaseDecrease int

// Step directions.
const (
	Increase IncreaseDecrease = iota + 1
	Decrease
)

func (Refresh) isCommand()          {}
func (OnOff) isCommand()            {}
func (Percent) isCommand()          {}
func (Decimal) isCommand()          {}
func (IncreaseDecrease) isCommand() {}

func (OnOff) isState()   {}
func (Percent) isState() {}
func (Decimal) isState() {}

func (OnOff) Kind() Kind   { return KindOnOff }
func (Percent) Kind() Kind { return KindPercent }
func (Decimal) Kind() Kind { return KindDecimal }

func (o OnOff) Raw() string {
	return strconv.FormatBool(bool(o))
}

func (p Percent) Raw() string {
	return strconv.Itoa(int(p))
}

func (d Decimal) Raw() string {
	return strconv.FormatFloat(float64(d), 'f', -1, 64)
}

func (o OnOff) Value() any   { return bool(o) }
func (p Percent) Value() any { return int(p) }
func (d Decimal) Value() any { return float64(d) }

func (o OnOff) String() string {
	if o {
		return "on"
	}
	return "off"
}

func (s IncreaseDecrease) String() string {
	switch s {
	case Increase:
		return "increase"
	case Decrease:
		return "decrease"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// clamp restricts a percent level to 0..100.
func (p Percent) clamp() Percent {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// percentOf truncates f toward zero and clamps it to 0..100. The clamp is
// applied to the float so values beyond the int range cannot wrap.
func percentOf(f float64) Percent {
	switch {
	case f <= 0:
		return 0
	case f >= 100:
		return 100
	default:
		return Percent(int(math.Trunc(f)))
	}
}

// Command names accepted by ParseCommand.
const (
	CommandRefresh  = "refresh"
	CommandOn       = "on"
	CommandOff      = "off"
	CommandIncrease = "increase"
	CommandDecrease = "decrease"
	CommandPercent  = "percent"
	CommandDecimal  = "decimal"
)

// ParseCommand builds a Command from a command name and optional value as
// carried in MQTT command messages. Percent values are truncated toward zero
// and clamped to 0..100.
func ParseCommand(name string, value any) (Command, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case CommandRefresh:
		return Refresh{}, nil
	case CommandOn:
		return On, nil
	case CommandOff:
		return Off, nil
	case CommandIncrease:
		return Increase, nil
	case CommandDecrease:
		return Decrease, nil
	case CommandPercent:
		f, err := toFloat(value)
		if err != nil {
			return nil, fmt.Errorf("%w: percent: %v", ErrUnsupportedCommand, err)
		}
		return percentOf(f), nil
	case CommandDecimal:
		f, err := toFloat(value)
		if err != nil {
			return nil, fmt.Errorf("%w: decimal: %v", ErrUnsupportedCommand, err)
		}
		return Decimal(f), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCommand, name)
	}
}

func toFloat(value any) (float64, error) {
	var f float64
	switch v := value.(type) {
	case nil:
		return 0, fmt.Errorf("missing value")
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid value %q", v)
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q", v)
		}
		f = n
	default:
		return 0, fmt.Errorf("unsupported value type %T", value)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value out of range")
	}
	return f, nil
}
