package fibaro

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// DeviceID identifies a device on the hub. Valid ids are positive.
type DeviceID int

// Valid reports whether the id can address a hub device.
func (id DeviceID) Valid() bool {
	return id > 0
}

func (id DeviceID) String() string {
	return strconv.Itoa(int(id))
}

// ParseDeviceID parses a decimal device id and checks it is positive.
func ParseDeviceID(s string) (DeviceID, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDeviceID, s)
	}
	id := DeviceID(n)
	if !id.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDeviceID, n)
	}
	return id, nil
}

// UnmarshalJSON accepts both numeric and quoted ids; the hub and its push
// scripts are not consistent about which they send.
func (id *DeviceID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidDeviceID, s)
		}
		*id = DeviceID(n)
		return nil
	}

	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDeviceID, data)
	}
	*id = DeviceID(n)
	return nil
}

// Properties is the hub's property bag for one device, flattened to strings.
//
// Scalars are stringified as the hub would print them ("true", "37.5").
// Nested objects and arrays are kept as compact JSON text.
type Properties map[string]string

// UnmarshalJSON decodes a JSON object, stringifying each value.
func (p *Properties) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make(Properties, len(raw))
	for k, v := range raw {
		s, err := RawString(v)
		if err != nil {
			return fmt.Errorf("property %q: %w", k, err)
		}
		out[k] = s
	}
	*p = out
	return nil
}

// RawString renders a JSON value the way the hub reports it in push
// payloads: strings unquoted, numbers and booleans verbatim, null as "",
// and composite values as compact JSON.
func RawString(v json.RawMessage) (string, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return "", nil
	}

	switch v[0] {
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return "", err
		}
		return buf.String(), nil
	case 'n':
		if string(v) == "null" {
			return "", nil
		}
	}

	if !json.Valid(v) {
		return "", fmt.Errorf("invalid JSON value %q", v)
	}
	return string(v), nil
}

// Device is an immutable snapshot of one hub device, produced by a
// successful fetch. Use Clone before handing it to code that may mutate it.
type Device struct {
	ID         DeviceID   `json:"id"`
	Name       string     `json:"name"`
	RoomID     int        `json:"roomID"`
	Type       string     `json:"type"`
	Enabled    bool       `json:"enabled"`
	Properties Properties `json:"properties"`
}

// Property returns the raw value of a property.
func (d Device) Property(name string) (string, bool) {
	v, ok := d.Properties[name]
	return v, ok
}

// Clone returns a deep copy of the device.
func (d Device) Clone() Device {
	out := d
	if d.Properties != nil {
		out.Properties = make(Properties, len(d.Properties))
		for k, v := range d.Properties {
			out.Properties[k] = v
		}
	}
	return out
}
