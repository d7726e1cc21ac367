package ncsi

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Fixed response lengths, counting the completion and reason codes.
const (
	simpleResponseLength       uint16 = 4
	linkStatusResponseLength   uint16 = 16
	versionResponseLength      uint16 = 40
	capabilitiesResponseLength uint16 = 32
)

// selectPackagePayload disables hardware arbitration.
func selectPackagePayload() []byte {
	return []byte{0, 0, 0, 1}
}

// setMACPayload programs unicast filter 1 with mac and enables it.
func setMACPayload(mac net.HardwareAddr) []byte {
	p := make([]byte, 8)
	copy(p[:6], mac)
	p[6] = 1
	p[7] = 0x01
	return p
}

func broadcastFilterPayload(mode uint32) []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, mode)
	return p
}

// enableAENPayload enables the AENs in mask. The management controller ID
// byte stays zero.
func enableAENPayload(mask uint32) []byte {
	p := make([]byte, 8)
	binary.BigEndian.PutUint32(p[4:], mask)
	return p
}

// LinkStatus is the body of a Get Link Status response.
type LinkStatus struct {
	Status uint32 `json:"status"`
	Other  uint32 `json:"other"`
	OEM    uint32 `json:"oem"`
}

// Up reports the link flag.
func (s LinkStatus) Up() bool { return s.Status&0x1 != 0 }

func parseLinkStatus(p []byte) (LinkStatus, error) {
	if len(p) < 12 {
		return LinkStatus{}, fmt.Errorf("%w: link status body %d bytes", ErrLength, len(p))
	}
	return LinkStatus{
		Status: binary.BigEndian.Uint32(p[0:4]),
		Other:  binary.BigEndian.Uint32(p[4:8]),
		OEM:    binary.BigEndian.Uint32(p[8:12]),
	}, nil
}

// Version is the body of a Get Version ID response.
type Version struct {
	NCSI           uint32    `json:"ncsi"`
	Alpha2         uint8     `json:"alpha2"`
	FirmwareName   string    `json:"firmware_name"`
	Firmware       uint32    `json:"firmware"`
	PCIIDs         [4]uint16 `json:"pci_ids"`
	ManufacturerID uint32    `json:"manufacturer_id"`
}

func parseVersion(p []byte) (Version, error) {
	if len(p) < 36 {
		return Version{}, fmt.Errorf("%w: version body %d bytes", ErrLength, len(p))
	}
	v := Version{
		NCSI:           binary.BigEndian.Uint32(p[0:4]),
		Alpha2:         p[7],
		FirmwareName:   cString(p[8:20]),
		Firmware:       binary.BigEndian.Uint32(p[20:24]),
		ManufacturerID: binary.BigEndian.Uint32(p[32:36]),
	}
	for i := range v.PCIIDs {
		v.PCIIDs[i] = binary.BigEndian.Uint16(p[24+2*i:])
	}
	return v, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Capabilities is the masked body of a Get Capabilities response.
type Capabilities struct {
	Generic   uint32 `json:"generic"`
	Broadcast uint32 `json:"broadcast"`
	Multicast uint32 `json:"multicast"`
	Buffering uint32 `json:"buffering"`
	AEN       uint32 `json:"aen"`
	VLANMode  uint8  `json:"vlan_mode"`

	VLANFilters      uint8 `json:"vlan_filters"`
	MixedFilters     uint8 `json:"mixed_filters"`
	MulticastFilters uint8 `json:"multicast_filters"`
	UnicastFilters   uint8 `json:"unicast_filters"`
	ChannelCount     uint8 `json:"channel_count"`
}

func parseCapabilities(p []byte) (Capabilities, error) {
	if len(p) < 28 {
		return Capabilities{}, fmt.Errorf("%w: capabilities body %d bytes", ErrLength, len(p))
	}
	return Capabilities{
		Generic:          binary.BigEndian.Uint32(p[0:4]) & capGenericMask,
		Broadcast:        binary.BigEndian.Uint32(p[4:8]) & capBroadcastMask,
		Multicast:        binary.BigEndian.Uint32(p[8:12]) & capMulticastMask,
		Buffering:        binary.BigEndian.Uint32(p[12:16]),
		AEN:              binary.BigEndian.Uint32(p[16:20]) & capAENMask,
		VLANFilters:      p[20],
		MixedFilters:     p[21],
		MulticastFilters: p[22],
		UnicastFilters:   p[23],
		VLANMode:         p[26] & capVLANMask,
		ChannelCount:     p[27],
	}, nil
}
