package fibaro

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DevicesFile is the on-disk list of hub devices the bridge serves.
type DevicesFile struct {
	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig declares one hub device and the channels it exposes.
type DeviceConfig struct {
	// ID is the hub device id. Must be positive.
	ID DeviceID `yaml:"id"`

	// Name is a human label used in logs and status messages.
	Name string `yaml:"name"`

	// Type selects the handler: actor or binary-switch.
	// Default: actor
	Type DeviceType `yaml:"type"`

	// Channels lists the exposed channel ids, e.g. switch, dimmer, power.
	// A binary-switch with no channels exposes switch.
	Channels []string `yaml:"channels"`
}

// Validate checks a single device declaration.
func (d DeviceConfig) Validate() error {
	errs := d.validate()
	if len(errs) > 0 {
		return fmt.Errorf("device %d: %s", d.ID, strings.Join(errs, "; "))
	}
	return nil
}

func (d DeviceConfig) validate() []string {
	var errs []string

	if !d.ID.Valid() {
		errs = append(errs, fmt.Sprintf("id must be larger than 0, got %d", d.ID))
	}
	if d.Type != "" && !d.Type.Valid() {
		errs = append(errs, fmt.Sprintf("type %q is not one of actor, binary-switch", d.Type))
	}
	if d.Type != DeviceTypeBinarySwitch && len(d.Channels) == 0 {
		errs = append(errs, "channels must have at least one entry")
	}

	for _, name := range d.Channels {
		ch, err := ParseChannelID(name)
		if err != nil {
			errs = append(errs, fmt.Sprintf("channel %q is unknown", name))
			continue
		}
		if d.Type == DeviceTypeBinarySwitch && ch.Kind() != KindOnOff {
			errs = append(errs, fmt.Sprintf("channel %q is not on/off and cannot belong to a binary-switch", name))
		}
	}

	return errs
}

// channelIDs returns the parsed channel list, applying the binary-switch
// default. Call Validate first.
func (d DeviceConfig) channelIDs() ([]ChannelID, error) {
	if len(d.Channels) == 0 && d.Type == DeviceTypeBinarySwitch {
		return []ChannelID{ChannelSwitch}, nil
	}

	out := make([]ChannelID, 0, len(d.Channels))
	seen := make(map[ChannelID]bool, len(d.Channels))
	for _, name := range d.Channels {
		ch, err := ParseChannelID(name)
		if err != nil {
			return nil, err
		}
		if seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out, nil
}

// LoadDevices reads and validates a devices file.
func LoadDevices(path string) ([]DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading devices file: %w", err)
	}
	return ParseDevices(data)
}

// ParseDevices decodes and validates devices YAML. Every problem is
// reported, not just the first.
func ParseDevices(data []byte) ([]DeviceConfig, error) {
	var file DevicesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing devices file: %w", err)
	}

	var errs []string
	seen := make(map[DeviceID]bool, len(file.Devices))
	for i := range file.Devices {
		dev := &file.Devices[i]
		if dev.Type == "" {
			dev.Type = DeviceTypeActor
		}
		for _, e := range dev.validate() {
			errs = append(errs, fmt.Sprintf("devices[%d].%s", i, e))
		}
		if dev.ID.Valid() && seen[dev.ID] {
			errs = append(errs, fmt.Sprintf("devices[%d].id %d is duplicate", i, dev.ID))
		}
		seen[dev.ID] = true
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("device configuration errors: %s", strings.Join(errs, "; "))
	}
	return file.Devices, nil
}
