package link

import (
	"fmt"
	"net"

	"github.com/mdlayher/ethernet"

	"ncsi-sideband/internal/ncsi"
)

// etherType is the NC-SI EtherType.
const etherType ethernet.EtherType = ncsi.EtherType

// encodeFrame wraps an NC-SI packet in a broadcast Ethernet frame.
func encodeFrame(src net.HardwareAddr, payload []byte) ([]byte, error) {
	if src == nil {
		src = net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	}
	f := &ethernet.Frame{
		Destination: ethernet.Broadcast,
		Source:      src,
		EtherType:   etherType,
		Payload:     payload,
	}
	b, err := f.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("link: marshal frame: %w", err)
	}
	return b, nil
}

// decodeFrame returns the NC-SI payload of an Ethernet frame. ok is false
// for frames of another EtherType.
func decodeFrame(b []byte) (payload []byte, ok bool, err error) {
	var f ethernet.Frame
	if err := f.UnmarshalBinary(b); err != nil {
		return nil, false, fmt.Errorf("link: unmarshal frame: %w", err)
	}
	if f.EtherType != etherType {
		return nil, false, nil
	}
	return f.Payload, true, nil
}
