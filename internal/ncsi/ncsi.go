// Package ncsi implements the management-controller side of the DMTF
// Network Controller Sideband Interface: the packet codec, the discovered
// package/channel topology, and the probe/configure state machine that
// selects a channel with link and enables it.
//
// The engine performs no I/O of its own. Frames go out through a
// Transmitter, timeouts come from a Timer, and the outcome is reported
// through a Reporter; a host runtime serializes inbound frames and timer
// expiries into the engine's entry points.
package ncsi

import "fmt"

// EtherType is the registered EtherType for NC-SI control packets.
const EtherType = 0x88F8

// Header revision carried by every command, response and AEN.
const Revision uint8 = 0x01

// Addressing limits. Channel index 0x1F addresses the package itself.
const (
	MaxPackages     = 8
	MaxChannels     = 31
	ReservedChannel = 0x1F

	packageShift = 5
)

// Command opcodes. A response carries the opcode with the high bit set.
const (
	CmdClearInitialState    uint8 = 0x00
	CmdSelectPackage        uint8 = 0x01
	CmdDeselectPackage      uint8 = 0x02
	CmdEnableChannel        uint8 = 0x03
	CmdDisableChannel       uint8 = 0x04
	CmdResetChannel         uint8 = 0x05
	CmdEnableChannelNetTx   uint8 = 0x06
	CmdDisableChannelNetTx  uint8 = 0x07
	CmdEnableAEN            uint8 = 0x08
	CmdSetLink              uint8 = 0x09
	CmdGetLinkStatus        uint8 = 0x0A
	CmdSetVLANFilter        uint8 = 0x0B
	CmdEnableVLAN           uint8 = 0x0C
	CmdDisableVLAN          uint8 = 0x0D
	CmdSetMACAddress        uint8 = 0x0E
	CmdEnableBcastFilter    uint8 = 0x10
	CmdDisableBcastFilter   uint8 = 0x11
	CmdEnableMcastFilter    uint8 = 0x12
	CmdDisableMcastFilter   uint8 = 0x13
	CmdSetFlowControl       uint8 = 0x14
	CmdGetVersionInfo       uint8 = 0x15
	CmdGetCapabilities      uint8 = 0x16
	CmdGetParameters        uint8 = 0x17
	CmdGetControllerStats   uint8 = 0x18
	CmdGetNCSIStats         uint8 = 0x19
	CmdGetNCSIPassThruStats uint8 = 0x1A
	CmdGetPackageStatus     uint8 = 0x1B
)

const responseBit uint8 = 0x80

// Response types handled by the engine.
const (
	RspClearInitialState  = CmdClearInitialState | responseBit
	RspSelectPackage      = CmdSelectPackage | responseBit
	RspDeselectPackage    = CmdDeselectPackage | responseBit
	RspEnableChannel      = CmdEnableChannel | responseBit
	RspEnableChannelNetTx = CmdEnableChannelNetTx | responseBit
	RspEnableAEN          = CmdEnableAEN | responseBit
	RspGetLinkStatus      = CmdGetLinkStatus | responseBit
	RspSetMACAddress      = CmdSetMACAddress | responseBit
	RspEnableBcastFilter  = CmdEnableBcastFilter | responseBit
	RspGetVersionInfo     = CmdGetVersionInfo | responseBit
	RspGetCapabilities    = CmdGetCapabilities | responseBit
)

// TypeAEN marks an unsolicited asynchronous event notification.
const TypeAEN uint8 = 0xFF

// AEN subtypes.
const (
	AENLinkStateChange       uint8 = 0x00
	AENConfigurationRequired uint8 = 0x01
	AENHostDriverStatus      uint8 = 0x02
)

// commandLengths is the payload length each command carries on the wire.
var commandLengths = map[uint8]uint16{
	CmdClearInitialState:    0,
	CmdSelectPackage:        4,
	CmdDeselectPackage:      0,
	CmdEnableChannel:        0,
	CmdDisableChannel:       4,
	CmdResetChannel:         4,
	CmdEnableChannelNetTx:   0,
	CmdDisableChannelNetTx:  0,
	CmdEnableAEN:            8,
	CmdSetLink:              8,
	CmdGetLinkStatus:        0,
	CmdSetVLANFilter:        8,
	CmdEnableVLAN:           4,
	CmdDisableVLAN:          0,
	CmdSetMACAddress:        8,
	CmdEnableBcastFilter:    4,
	CmdDisableBcastFilter:   0,
	CmdEnableMcastFilter:    4,
	CmdDisableMcastFilter:   0,
	CmdSetFlowControl:       4,
	CmdGetVersionInfo:       0,
	CmdGetCapabilities:      0,
	CmdGetParameters:        0,
	CmdGetControllerStats:   0,
	CmdGetNCSIStats:         0,
	CmdGetNCSIPassThruStats: 0,
	CmdGetPackageStatus:     0,
}

// CommandLength returns the payload length for a command opcode.
func CommandLength(opcode uint8) (uint16, bool) {
	n, ok := commandLengths[opcode]
	return n, ok
}

// aenLengths is the declared length of each AEN subtype, including the
// reserved/type word that follows the common header.
var aenLengths = map[uint8]uint16{
	AENLinkStateChange:       12,
	AENConfigurationRequired: 4,
	AENHostDriverStatus:      4,
}

// Capability masks applied when recording a Get Capabilities response.
const (
	capGenericMask   = 0x7F
	capBroadcastMask = 0x0F
	capMulticastMask = 0x3F
	capAENMask       = 0x07
	capVLANMask      = 0x07
)

// Completion codes.
const (
	CompletionOK          uint16 = 0x0000
	CompletionFailed      uint16 = 0x0001
	CompletionUnavailable uint16 = 0x0002
	CompletionUnsupported uint16 = 0x0003
)

// OpcodeName returns a short human-readable name for a command, response or
// AEN type byte.
func OpcodeName(t uint8) string {
	if t == TypeAEN {
		return "AEN"
	}
	suffix := ""
	if t&responseBit != 0 {
		suffix = "_RSP"
	}
	switch t &^ responseBit {
	case CmdClearInitialState:
		return "CIS" + suffix
	case CmdSelectPackage:
		return "SP" + suffix
	case CmdDeselectPackage:
		return "DP" + suffix
	case CmdEnableChannel:
		return "EC" + suffix
	case CmdDisableChannel:
		return "DC" + suffix
	case CmdResetChannel:
		return "RC" + suffix
	case CmdEnableChannelNetTx:
		return "ECNT" + suffix
	case CmdDisableChannelNetTx:
		return "DCNT" + suffix
	case CmdEnableAEN:
		return "AE" + suffix
	case CmdSetLink:
		return "SL" + suffix
	case CmdGetLinkStatus:
		return "GLS" + suffix
	case CmdSetVLANFilter:
		return "SVF" + suffix
	case CmdEnableVLAN:
		return "EV" + suffix
	case CmdDisableVLAN:
		return "DV" + suffix
	case CmdSetMACAddress:
		return "SMA" + suffix
	case CmdEnableBcastFilter:
		return "EBF" + suffix
	case CmdDisableBcastFilter:
		return "DBF" + suffix
	case CmdEnableMcastFilter:
		return "EGMF" + suffix
	case CmdDisableMcastFilter:
		return "DGMF" + suffix
	case CmdSetFlowControl:
		return "SNFC" + suffix
	case CmdGetVersionInfo:
		return "GVI" + suffix
	case CmdGetCapabilities:
		return "GC" + suffix
	case CmdGetParameters:
		return "GP" + suffix
	case CmdGetControllerStats:
		return "GCPS" + suffix
	case CmdGetNCSIStats:
		return "GNS" + suffix
	case CmdGetNCSIPassThruStats:
		return "GNPTS" + suffix
	case CmdGetPackageStatus:
		return "GPS" + suffix
	default:
		return fmt.Sprintf("0x%02X", t)
	}
}

// AENName returns a human-readable name for an AEN subtype.
func AENName(subtype uint8) string {
	switch subtype {
	case AENLinkStateChange:
		return "link_state_change"
	case AENConfigurationRequired:
		return "configuration_required"
	case AENHostDriverStatus:
		return "host_driver_status_change"
	default:
		return fmt.Sprintf("0x%02X", subtype)
	}
}

// reasonName describes a response reason code.
func reasonName(reason uint16) string {
	switch reason {
	case 0x0000:
		return "no error"
	case 0x0001:
		return "interface initialization required"
	case 0x0002:
		return "parameter invalid"
	case 0x0003:
		return "channel not ready"
	case 0x0004:
		return "package not ready"
	case 0x0005:
		return "invalid payload length"
	case 0x7FFF:
		return "unknown command"
	default:
		return fmt.Sprintf("0x%04X", reason)
	}
}

// completionName describes a response completion code.
func completionName(code uint16) string {
	switch code {
	case CompletionOK:
		return "completed"
	case CompletionFailed:
		return "failed"
	case CompletionUnavailable:
		return "unavailable"
	case CompletionUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("0x%04X", code)
	}
}
