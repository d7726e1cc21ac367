package link

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// bpfFilter keeps only NC-SI control packets.
const bpfFilter = "ether proto 0x88f8"

const snapLen = 1600

// PcapLink sends and captures raw Ethernet frames on a network interface.
type PcapLink struct {
	iface  string
	mac    net.HardwareAddr
	handle *pcap.Handle
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// OpenPcap opens iface for capture and injection. mac overrides the
// interface's own address when non-nil.
func OpenPcap(iface string, mac net.HardwareAddr, logger *slog.Logger) (*PcapLink, error) {
	if iface == "" {
		return nil, fmt.Errorf("link: pcap: no interface configured")
	}
	if mac == nil {
		mac = InterfaceMAC(iface)
	}
	handle, err := pcap.OpenLive(iface, snapLen, true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("link: pcap open %s: %w", iface, err)
	}
	if err := handle.SetBPFFilter(bpfFilter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("link: pcap filter on %s: %w", iface, err)
	}
	return &PcapLink{
		iface:  iface,
		mac:    mac,
		handle: handle,
		logger: logger.With("component", "link", "iface", iface),
	}, nil
}

// Transmit sends payload as a broadcast NC-SI frame.
func (l *PcapLink) Transmit(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	b, err := encodeFrame(l.mac, payload)
	if err != nil {
		return err
	}
	if err := l.handle.WritePacketData(b); err != nil {
		return fmt.Errorf("link: pcap write: %w", err)
	}
	return nil
}

// Run decodes captured frames and hands NC-SI payloads to h.
func (l *PcapLink) Run(ctx context.Context, h Handler) error {
	src := gopacket.NewPacketSource(l.handle, l.handle.LinkType())
	packets := src.Packets()
	l.logger.Info("capturing", "filter", bpfFilter)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-packets:
			if !ok {
				l.mu.Lock()
				closed := l.closed
				l.mu.Unlock()
				if closed {
					return ErrClosed
				}
				return fmt.Errorf("link: pcap packet source on %s ended", l.iface)
			}
			ethLayer := pkt.Layer(layers.LayerTypeEthernet)
			if ethLayer == nil {
				continue
			}
			eth := ethLayer.(*layers.Ethernet)
			if uint16(eth.EthernetType) != uint16(etherType) {
				continue
			}
			if l.mac != nil && eth.SrcMAC.String() == l.mac.String() && isCommand(eth.Payload) {
				// Our own transmission looped back by the capture.
				continue
			}
			h(eth.Payload)
		}
	}
}

// HardwareAddr returns the interface or override MAC address.
func (l *PcapLink) HardwareAddr() net.HardwareAddr { return l.mac }

// Close stops capture.
func (l *PcapLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.handle.Close()
	return nil
}

// isCommand reports whether an NC-SI packet is a command (not a response
// or AEN).
func isCommand(p []byte) bool {
	return len(p) > 4 && p[4]&0x80 == 0
}

// InterfaceMAC returns the hardware address of a host interface, or nil.
func InterfaceMAC(name string) net.HardwareAddr {
	ifi, err := net.InterfaceByName(name)
	if err != nil || len(ifi.HardwareAddr) == 0 {
		return nil
	}
	return ifi.HardwareAddr
}

// Device describes a capture-capable interface.
type Device struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Addresses   []string `json:"addresses,omitempty"`
	MAC         string   `json:"mac,omitempty"`
}

// ListDevices enumerates interfaces libpcap can open.
func ListDevices() ([]Device, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("link: find devices: %w", err)
	}
	out := make([]Device, 0, len(devs))
	for _, d := range devs {
		dev := Device{Name: d.Name, Description: d.Description}
		for _, a := range d.Addresses {
			dev.Addresses = append(dev.Addresses, a.IP.String())
		}
		if mac := InterfaceMAC(d.Name); mac != nil {
			dev.MAC = mac.String()
		}
		out = append(out, dev)
	}
	return out, nil
}
