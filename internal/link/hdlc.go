package link

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sigurn/crc16"
)

const (
	hdlcFlag   = 0x7E
	hdlcEscape = 0x7D
	hdlcXor    = 0x20

	// maxHDLCFrame bounds an unescaped frame: a full Ethernet frame plus FCS.
	maxHDLCFrame = 1518 + 2
)

var (
	errFCS      = errors.New("link: hdlc fcs mismatch")
	errTooLarge = errors.New("link: hdlc frame too large")
)

var fcsTable = crc16.MakeTable(crc16.CRC16_X_25)

// hdlcEncode appends the FCS (little-endian), byte-stuffs the result and
// wraps it in flags.
func hdlcEncode(data []byte) []byte {
	fcs := crc16.Checksum(data, fcsTable)
	raw := binary.LittleEndian.AppendUint16(append([]byte(nil), data...), fcs)

	out := make([]byte, 0, len(raw)+len(raw)/8+2)
	out = append(out, hdlcFlag)
	for _, b := range raw {
		if b == hdlcFlag || b == hdlcEscape {
			out = append(out, hdlcEscape, b^hdlcXor)
			continue
		}
		out = append(out, b)
	}
	return append(out, hdlcFlag)
}

// hdlcDecode unstuffs the bytes between two flags and checks the FCS.
func hdlcDecode(inner []byte) ([]byte, error) {
	raw := make([]byte, 0, len(inner))
	for i := 0; i < len(inner); i++ {
		b := inner[i]
		if b == hdlcEscape {
			i++
			if i == len(inner) {
				return nil, fmt.Errorf("link: hdlc dangling escape")
			}
			b = inner[i] ^ hdlcXor
		}
		raw = append(raw, b)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("link: hdlc frame of %d bytes", len(raw))
	}
	data := raw[:len(raw)-2]
	got := binary.LittleEndian.Uint16(raw[len(raw)-2:])
	if want := crc16.Checksum(data, fcsTable); got != want {
		return nil, fmt.Errorf("%w: got 0x%04X, want 0x%04X", errFCS, got, want)
	}
	return data, nil
}

// readHDLCFrame returns the stuffed bytes of the next non-empty frame.
// Back-to-back flags are skipped.
func readHDLCFrame(r *bufio.Reader) ([]byte, error) {
	for {
		if _, err := r.ReadSlice(hdlcFlag); err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			return nil, err
		}
		var inner []byte
		for {
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			if b == hdlcFlag {
				break
			}
			if len(inner) >= 2*maxHDLCFrame {
				return nil, errTooLarge
			}
			inner = append(inner, b)
		}
		if len(inner) == 0 {
			// The closing flag of one frame may open the next.
			if err := r.UnreadByte(); err != nil {
				return nil, err
			}
			continue
		}
		if err := r.UnreadByte(); err != nil {
			return nil, err
		}
		return inner, nil
	}
}
