package config

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/rennerdo30/heimdall-proxy/internal/ratelimit"
)

// Rate is a transfer rate in bytes per second that can be unmarshaled
// from YAML or JSON. It accepts human-readable strings ("10Mbps",
// "1MB/s") and bare integers, which are taken as bytes per second.
// Zero means unlimited. It marshals as the integer form so a decoded
// value round-trips exactly.
type Rate int64

func (r *Rate) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		if n < 0 {
			return fmt.Errorf("rate must not be negative: %d", n)
		}
		*r = Rate(n)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	bps, err := ratelimit.ParseRate(s)
	if err != nil {
		return err
	}
	*r = Rate(bps)
	return nil
}

func (r Rate) MarshalYAML() (interface{}, error) {
	return int64(r), nil
}

func (r Rate) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(r))
}

func (r *Rate) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		if n < 0 {
			return fmt.Errorf("rate must not be negative: %d", n)
		}
		*r = Rate(n)
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("rate must be a string or a byte-per-second count: %w", err)
	}
	bps, err := ratelimit.ParseRate(s)
	if err != nil {
		return err
	}
	*r = Rate(bps)
	return nil
}

// BytesPerSecond reports the rate as a plain integer, zero meaning
// unlimited.
func (r Rate) BytesPerSecond() int64 {
	return int64(r)
}

// String renders the rate in the human-readable bit-oriented form.
func (r Rate) String() string {
	return ratelimit.FormatRate(int64(r))
}
