package ncsi

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNoMAC is returned when no local MAC address is available for the
// Set MAC Address step.
var ErrNoMAC = errors.New("ncsi: no local MAC address")

// Transmitter hands a serialized control packet to the link layer.
type Transmitter interface {
	Transmit(frame []byte) error
}

// Timer is a single-slot timeout. Arming replaces any pending timeout;
// fn runs at most once per Arm unless cancelled first.
type Timer interface {
	Arm(d time.Duration, fn func())
	Cancel()
}

// MACSource supplies the address programmed into the selected channel.
type MACSource interface {
	LocalMAC() (net.HardwareAddr, bool)
}

// MACFunc adapts a function to MACSource.
type MACFunc func() (net.HardwareAddr, bool)

// LocalMAC calls f.
func (f MACFunc) LocalMAC() (net.HardwareAddr, bool) { return f() }

// StaticMAC is a MACSource that always returns the same address. A nil
// address reports absence.
type StaticMAC net.HardwareAddr

// LocalMAC returns the fixed address.
func (m StaticMAC) LocalMAC() (net.HardwareAddr, bool) {
	if len(m) == 0 {
		return nil, false
	}
	return net.HardwareAddr(m), true
}

// Reporter receives the outcome of a probe cycle. Exactly one of the two
// methods is called per cycle.
type Reporter interface {
	Ready(Selection)
	Failed(error)
}

// Selection identifies the configured channel.
type Selection struct {
	Package uint8   `json:"package"`
	Channel uint8   `json:"channel"`
	Info    Channel `json:"info"`
}

// ProbeError is reported when a phase cannot complete.
type ProbeError struct {
	Phase Phase
	Err   error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("ncsi: %s: %v", e.Phase, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Reasons a phase gives up.
var (
	ErrNoPackages    = errors.New("no packages discovered")
	ErrNotSelected   = errors.New("package did not accept selection")
	ErrNoLink        = errors.New("no channel found with link")
	ErrConfigTimeout = errors.New("configuration timed out")
)
