package config

import (
	"fmt"
	"strconv"
)

// FloatingIPMode describes how a cloud hands out publicly reachable addresses.
type FloatingIPMode int

const (
	// FloatingIPNone: the first address is reachable (e.g. Rackspace).
	FloatingIPNone FloatingIPMode = iota
	// FloatingIPAutoAssigned: the provider appends a floating IP (e.g. HP).
	FloatingIPAutoAssigned
	// FloatingIPNeedsAssignment: a floating IP has to be assigned by the caller.
	FloatingIPNeedsAssignment
)

var floatingIPModeNames = []string{"none", "auto_assigned", "needs_assignment"}

func (m FloatingIPMode) String() string {
	if m >= 0 && int(m) < len(floatingIPModeNames) {
		return floatingIPModeNames[m]
	}
	return "FloatingIPMode(" + strconv.Itoa(int(m)) + ")"
}

// UsesFloatingIP reports whether the reachable address is a floating one.
func (m FloatingIPMode) UsesFloatingIP() bool {
	return m != FloatingIPNone
}

// ParseFloatingIPMode accepts a mode name or its number.
func ParseFloatingIPMode(s string) (FloatingIPMode, error) {
	for i, name := range floatingIPModeNames {
		if s == name {
			return FloatingIPMode(i), nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < len(floatingIPModeNames) {
		return FloatingIPMode(n), nil
	}
	return 0, fmt.Errorf("unknown floating_ip_mode %q", s)
}

// UnmarshalYAML accepts both `floating_ip_mode: auto_assigned` and `floating_ip_mode: 1`.
func (m *FloatingIPMode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	mode, err := ParseFloatingIPMode(raw)
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// MarshalYAML writes the mode name.
func (m FloatingIPMode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}
