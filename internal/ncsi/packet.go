package ncsi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire sizes.
const (
	HeaderSize         = 16
	ResponseHeaderSize = 20
	AENHeaderSize      = 20
	ChecksumSize       = 4

	// Commands are padded so the area after the header is at least this
	// long before the checksum.
	minCommandBody = 26
)

var (
	ErrUndersized   = errors.New("ncsi: frame too short")
	ErrRevision     = errors.New("ncsi: unsupported header revision")
	ErrLength       = errors.New("ncsi: unexpected payload length")
	ErrChecksum     = errors.New("ncsi: checksum mismatch")
	ErrUnknownType  = errors.New("ncsi: unknown packet type")
	ErrUnknownEvent = errors.New("ncsi: unknown AEN type")
)

// CompletionError reports a response whose completion code was not zero.
type CompletionError struct {
	Type   uint8
	Code   uint16
	Reason uint16
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("ncsi: %s %s (reason %s)",
		OpcodeName(e.Type), completionName(e.Code), reasonName(e.Reason))
}

// Header is the 16-byte control packet header shared by commands,
// responses and AENs.
type Header struct {
	MCID     uint8
	Revision uint8
	ID       uint8
	Type     uint8
	Channel  uint8
	Length   uint16
}

// Package returns the package index addressed by the header.
func (h Header) Package() uint8 { return h.Channel >> packageShift }

// ChannelIndex returns the channel index within the package.
func (h Header) ChannelIndex() uint8 { return h.Channel & ReservedChannel }

// Selector combines a package and channel index into the header's
// channel byte.
func Selector(pkg, ch uint8) uint8 {
	return pkg<<packageShift | ch&ReservedChannel
}

// ParseHeader decodes the common header at the start of frame.
func ParseHeader(frame []byte) (Header, error) {
	if len(frame) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrUndersized, len(frame))
	}
	return Header{
		MCID:     frame[0],
		Revision: frame[1],
		ID:       frame[3],
		Type:     frame[4],
		Channel:  frame[5],
		Length:   binary.BigEndian.Uint16(frame[6:8]),
	}, nil
}

func putHeader(frame []byte, h Header) {
	frame[0] = h.MCID
	frame[1] = h.Revision
	frame[2] = 0
	frame[3] = h.ID
	frame[4] = h.Type
	frame[5] = h.Channel
	binary.BigEndian.PutUint16(frame[6:8], h.Length)
	clear(frame[8:HeaderSize])
}

// Checksum computes the control packet checksum: the 32-bit two's
// complement of the sum of big-endian 16-bit words. An odd trailing byte is
// taken as the high byte of a final word.
func Checksum(data []byte) uint32 {
	var sum uint32
	n := len(data) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i:]))
	}
	if len(data)&1 != 0 {
		sum += uint32(data[len(data)-1]) << 8
	}
	return ^sum + 1
}

// BuildCommand serializes a command packet: header, payload, checksum over
// both, then zero padding up to the minimum command size.
func BuildCommand(id, opcode, pkg, ch uint8, payload []byte) []byte {
	body := len(payload)
	if body < minCommandBody {
		body = minCommandBody
	}
	frame := make([]byte, HeaderSize+body+ChecksumSize)
	putHeader(frame, Header{
		Revision: Revision,
		ID:       id,
		Type:     opcode,
		Channel:  Selector(pkg, ch),
		Length:   uint16(len(payload)),
	})
	end := HeaderSize + copy(frame[HeaderSize:], payload)
	binary.BigEndian.PutUint32(frame[end:], Checksum(frame[:end]))
	return frame
}

// Response is a validated response packet.
type Response struct {
	Header
	Code   uint16
	Reason uint16
	// Payload holds the bytes after the completion and reason codes.
	Payload []byte
}

// AEN is a validated asynchronous event notification.
type AEN struct {
	Header
	Subtype uint8
	// Payload holds the event-specific bytes after the AEN type word.
	Payload []byte
}

// ValidateResponse checks a response frame against the payload length the
// engine expects for its type. Checks run in the order revision, completion
// code, declared length, checksum.
func ValidateResponse(frame []byte, expected uint16) (*Response, error) {
	if len(frame) < ResponseHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrUndersized, len(frame))
	}
	h, _ := ParseHeader(frame)
	if h.Revision != Revision {
		return nil, fmt.Errorf("%w: 0x%02X", ErrRevision, h.Revision)
	}
	rsp := &Response{
		Header: h,
		Code:   binary.BigEndian.Uint16(frame[16:18]),
		Reason: binary.BigEndian.Uint16(frame[18:20]),
	}
	if rsp.Code != CompletionOK {
		return nil, &CompletionError{Type: h.Type, Code: rsp.Code, Reason: rsp.Reason}
	}
	if err := verifyBody(frame, h, expected); err != nil {
		return nil, err
	}
	rsp.Payload = frame[ResponseHeaderSize : HeaderSize+int(expected)]
	return rsp, nil
}

// ValidateAEN checks an AEN frame against the declared length of its
// subtype.
func ValidateAEN(frame []byte) (*AEN, error) {
	if len(frame) < AENHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrUndersized, len(frame))
	}
	h, _ := ParseHeader(frame)
	if h.Revision != Revision {
		return nil, fmt.Errorf("%w: 0x%02X", ErrRevision, h.Revision)
	}
	subtype := frame[19]
	expected, ok := aenLengths[subtype]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownEvent, subtype)
	}
	if err := verifyBody(frame, h, expected); err != nil {
		return nil, err
	}
	return &AEN{
		Header:  h,
		Subtype: subtype,
		Payload: frame[AENHeaderSize : HeaderSize+int(expected)],
	}, nil
}

// verifyBody checks the declared length and the trailing checksum. A zero
// checksum on the wire means the sender did not compute one.
func verifyBody(frame []byte, h Header, expected uint16) error {
	if h.Length != expected {
		return fmt.Errorf("%w: %s declares %d, want %d",
			ErrLength, OpcodeName(h.Type), h.Length, expected)
	}
	end := HeaderSize + int(expected)
	if len(frame) < end+ChecksumSize {
		return fmt.Errorf("%w: %d bytes, need %d", ErrUndersized, len(frame), end+ChecksumSize)
	}
	got := binary.BigEndian.Uint32(frame[end:])
	if got == 0 {
		return nil
	}
	if want := Checksum(frame[:end]); got != want {
		return fmt.Errorf("%w: got 0x%08X, want 0x%08X", ErrChecksum, got, want)
	}
	return nil
}
