package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Handlers records which tenant script handlers exist for one bus.
type Handlers struct {
	Receive        bool `json:"receive"`
	DeliveryReport bool `json:"delivery_report"`
}

// PlatformConfig is a tenant's handler-presence map keyed by bus id.
type PlatformConfig struct {
	Buses map[int64]Handlers
}

// Lookup returns the handlers registered for busID. A bus missing from the
// map is assumed to have both handlers so messages sent between credential
// creation and script initialisation are not dropped.
func (c PlatformConfig) Lookup(busID int64) Handlers {
	if h, ok := c.Buses[busID]; ok {
		return h
	}
	return Handlers{Receive: true, DeliveryReport: true}
}

// MarshalJSON encodes the config as {"<bus id>": {"receive":..,"delivery_report":..}}.
func (c PlatformConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]Handlers, len(c.Buses))
	for id, h := range c.Buses {
		out[strconv.FormatInt(id, 10)] = h
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (c *PlatformConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]Handlers
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrPlatformConfig, err)
	}
	c.Buses = make(map[int64]Handlers, len(raw))
	for key, h := range raw {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bus id %q", ErrPlatformConfig, key)
		}
		c.Buses[id] = h
	}
	return nil
}

// ParsePlatformConfig decodes a stored platform configuration document. An
// empty document is an empty config.
func ParsePlatformConfig(data []byte) (PlatformConfig, error) {
	var cfg PlatformConfig
	if len(data) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		if errors.Is(err, ErrPlatformConfig) {
			return PlatformConfig{}, err
		}
		return PlatformConfig{}, fmt.Errorf("%w: %v", ErrPlatformConfig, err)
	}
	return cfg, nil
}
