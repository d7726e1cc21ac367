// Package link carries NC-SI control packets between the engine and the
// network controller, either over a raw Ethernet interface (libpcap) or
// over a UART sideband bridge that tunnels Ethernet frames in HDLC framing.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// ErrClosed is returned by Transmit after Close.
var ErrClosed = errors.New("link: closed")

// Handler receives the NC-SI payload of each inbound frame (Ethernet header
// stripped). It is called from the link's receive goroutine.
type Handler func(payload []byte)

// Link is a bidirectional NC-SI transport.
type Link interface {
	// Transmit sends one NC-SI packet as a broadcast Ethernet frame.
	Transmit(payload []byte) error
	// Run delivers inbound NC-SI packets to h until ctx is cancelled or the
	// link fails.
	Run(ctx context.Context, h Handler) error
	// HardwareAddr is the local MAC address, or nil when unknown.
	HardwareAddr() net.HardwareAddr
	Close() error
}

// Config selects and configures a link.
type Config struct {
	Type      string `yaml:"type"` // pcap or serial
	Interface string `yaml:"interface"`
	Port      string `yaml:"port"`
	Baud      int    `yaml:"baud"`
	MAC       string `yaml:"mac"`
}

// Open creates the link described by cfg.
func Open(cfg Config, logger *slog.Logger) (Link, error) {
	var override net.HardwareAddr
	if cfg.MAC != "" {
		mac, err := net.ParseMAC(cfg.MAC)
		if err != nil {
			return nil, fmt.Errorf("link: mac %q: %w", cfg.MAC, err)
		}
		override = mac
	}
	switch cfg.Type {
	case "pcap", "":
		return OpenPcap(cfg.Interface, override, logger)
	case "serial":
		return OpenSerial(cfg.Port, cfg.Baud, override, logger)
	default:
		return nil, fmt.Errorf("link: unknown type %q", cfg.Type)
	}
}
