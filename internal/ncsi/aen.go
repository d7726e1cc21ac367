package ncsi

import (
	"encoding/binary"

	"ncsi-sideband/internal/events"
)

// handleAEN validates an asynchronous event. Link state changes and
// configuration-required notices restart discovery; other events are
// logged only.
func (e *Engine) handleAEN(frame []byte) {
	e.stats.AENs++
	aen, err := ValidateAEN(frame)
	if err != nil {
		h, _ := ParseHeader(frame)
		e.drop(h, err)
		return
	}

	data := map[string]any{
		"subtype": AENName(aen.Subtype),
		"package": aen.Package(),
		"channel": aen.ChannelIndex(),
	}
	if aen.Subtype == AENLinkStateChange && len(aen.Payload) >= 4 {
		data["link_status"] = binary.BigEndian.Uint32(aen.Payload)
	}
	e.bus.Emit(events.AEN, data)

	switch aen.Subtype {
	case AENLinkStateChange, AENConfigurationRequired:
		e.logger.Info("aen", "type", AENName(aen.Subtype),
			"package", aen.Package(), "channel", aen.ChannelIndex())
		e.reset(AENName(aen.Subtype))
	default:
		e.logger.Debug("aen ignored", "type", AENName(aen.Subtype),
			"package", aen.Package(), "channel", aen.ChannelIndex())
	}
}
