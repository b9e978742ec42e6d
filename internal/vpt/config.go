package vpt

import "gopkg.in/yaml.v3"

// GuestParams is the per-guest parameter block holding the current
// timer-mode selector, loaded from the guest's configuration document
// alongside its other static hardware parameters.
type GuestParams struct {
	TimerMode string `yaml:"timer_mode"`
	CpuKHz    int64  `yaml:"cpu_khz"`
}

// ParseGuestParams decodes a guest configuration fragment; malformed
// YAML returns the decoder's error. An absent or unrecognized
// timer_mode is not an error: Mode resolves it to ModeDefault via
// ParseMode.
func ParseGuestParams(doc []byte) (GuestParams, error) {
	var p GuestParams
	if err := yaml.Unmarshal(doc, &p); err != nil {
		return GuestParams{}, err
	}
	return p, nil
}

// Mode resolves the parsed timer_mode string to a Mode.
func (p GuestParams) Mode() Mode { return ParseMode(p.TimerMode) }
