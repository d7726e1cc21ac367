package ncsi

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildPacket serializes a response or AEN frame with an exact declared
// length and a valid checksum.
func buildPacket(h Header, body []byte) []byte {
	h.Length = uint16(len(body))
	frame := make([]byte, HeaderSize+len(body)+ChecksumSize)
	putHeader(frame, h)
	end := HeaderSize + copy(frame[HeaderSize:], body)
	binary.BigEndian.PutUint32(frame[end:], Checksum(frame[:end]))
	return frame
}

// response builds a successful response with the given body after the
// completion and reason codes.
func response(typ, pkg, ch, id uint8, body []byte) []byte {
	full := append(make([]byte, 4), body...)
	return buildPacket(Header{Revision: Revision, ID: id, Type: typ, Channel: Selector(pkg, ch)}, full)
}

func aenFrame(subtype, pkg, ch uint8, body []byte) []byte {
	full := append([]byte{0, 0, 0, subtype}, body...)
	return buildPacket(Header{Revision: Revision, Type: TypeAEN, Channel: Selector(pkg, ch)}, full)
}

type fakeTx struct {
	frames  [][]byte
	failOn  map[uint8]bool
	failAll bool
}

var errLinkDown = errors.New("link down")

func (f *fakeTx) Transmit(frame []byte) error {
	if f.failAll || f.failOn[frame[4]] {
		return errLinkDown
	}
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return nil
}

func (f *fakeTx) opcodes() []string {
	out := make([]string, 0, len(f.frames))
	for _, fr := range f.frames {
		out = append(out, OpcodeName(fr[4]))
	}
	return out
}

type fakeTimer struct {
	armed bool
	fn    func()
	d     time.Duration
	arms  int
}

func (t *fakeTimer) Arm(d time.Duration, fn func()) {
	t.armed, t.fn, t.d = true, fn, d
	t.arms++
}

func (t *fakeTimer) Cancel() { t.armed = false }

// fire delivers the pending timeout, if any.
func (t *fakeTimer) fire() bool {
	if !t.armed {
		return false
	}
	t.armed = false
	t.fn()
	return true
}

type fakeReporter struct {
	ready  []Selection
	failed []error
}

func (r *fakeReporter) Ready(s Selection) { r.ready = append(r.ready, s) }
func (r *fakeReporter) Failed(err error)  { r.failed = append(r.failed, err) }

// fakeNIC answers commands for a fixed set of packages. Each package maps
// channel IDs to their link state. A nil reply means the command times out.
type fakeNIC struct {
	packages map[uint8]map[uint8]bool
	// mangle, when set, may rewrite a response before delivery.
	mangle func(cmd Header, rsp []byte) []byte
}

func (n *fakeNIC) reply(cmd []byte) []byte {
	h, _ := ParseHeader(cmd)
	pkg, ch := h.Package(), h.ChannelIndex()
	chans, ok := n.packages[pkg]
	if !ok {
		return nil
	}
	typ := h.Type | responseBit
	var rsp []byte
	switch h.Type {
	case CmdSelectPackage, CmdDeselectPackage:
		rsp = response(typ, pkg, ReservedChannel, h.ID, nil)
	default:
		link, ok := chans[ch]
		if !ok {
			return nil
		}
		switch h.Type {
		case CmdGetLinkStatus:
			body := make([]byte, 12)
			if link {
				binary.BigEndian.PutUint32(body, 0x00000041)
			}
			rsp = response(typ, pkg, ch, h.ID, body)
		case CmdGetVersionInfo:
			body := make([]byte, 36)
			binary.BigEndian.PutUint32(body[0:], 0xF1F0F000)
			copy(body[8:], "test-nic")
			binary.BigEndian.PutUint32(body[20:], 0x01020304)
			binary.BigEndian.PutUint32(body[32:], 0x8086)
			rsp = response(typ, pkg, ch, h.ID, body)
		case CmdGetCapabilities:
			body := make([]byte, 28)
			binary.BigEndian.PutUint32(body[0:], 0xFFFFFFFF)
			binary.BigEndian.PutUint32(body[4:], 0xFFFFFFFF)
			binary.BigEndian.PutUint32(body[8:], 0xFFFFFFFF)
			binary.BigEndian.PutUint32(body[16:], 0xFFFFFFFF)
			body[26] = 0xFF
			body[27] = 2
			rsp = response(typ, pkg, ch, h.ID, body)
		default:
			rsp = response(typ, pkg, ch, h.ID, nil)
		}
	}
	if n.mangle != nil {
		rsp = n.mangle(h, rsp)
	}
	return rsp
}

var testMAC = net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x20, 0x30}

type harness struct {
	engine *Engine
	tx     *fakeTx
	timer  *fakeTimer
	rep    *fakeReporter
	nic    *fakeNIC
	next   int
}

func newHarness(nic *fakeNIC, cfg Config) *harness {
	h := &harness{tx: &fakeTx{}, timer: &fakeTimer{}, rep: &fakeReporter{}, nic: nic}
	h.engine = New(h.tx, h.timer, StaticMAC(testMAC), h.rep, nil, cfg, quietLogger())
	return h
}

// drive answers every command the engine sends until the cycle ends.
func (h *harness) drive(t *testing.T) {
	t.Helper()
	for i := 0; !h.engine.Phase().Terminal(); i++ {
		if i > 1000 {
			t.Fatalf("engine did not finish, phase %s", h.engine.Phase())
		}
		if h.next >= len(h.tx.frames) {
			t.Fatalf("engine idle in phase %s", h.engine.Phase())
		}
		cmd := h.tx.frames[h.next]
		h.next++
		if rsp := h.nic.reply(cmd); rsp != nil {
			h.engine.HandleFrame(rsp)
		} else if !h.timer.fire() {
			t.Fatalf("no response and no timer armed after %s", OpcodeName(cmd[4]))
		}
	}
}

// sent returns the headers of commands with the given opcode.
func (h *harness) sent(opcode uint8) []Header {
	var out []Header
	for _, fr := range h.tx.frames {
		hdr, _ := ParseHeader(fr)
		if hdr.Type == opcode {
			out = append(out, hdr)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
