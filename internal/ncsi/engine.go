package ncsi

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ncsi-sideband/internal/events"
)

// Phase is the engine's position in the probe/configure sequence.
type Phase int

const (
	PhaseProbePackageSelect Phase = iota
	PhaseProbePackageDeselect
	PhaseProbeChannelSelect
	PhaseProbeChannel
	PhaseConfigure
	PhaseReady
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseProbePackageSelect:   "probe_package_select",
	PhaseProbePackageDeselect: "probe_package_deselect",
	PhaseProbeChannelSelect:   "probe_channel_select",
	PhaseProbeChannel:         "probe_channel",
	PhaseConfigure:            "configure",
	PhaseReady:                "ready",
	PhaseFailed:               "failed",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Terminal reports whether the probe cycle has ended.
func (p Phase) Terminal() bool { return p == PhaseReady || p == PhaseFailed }

// Cursor values meaning nothing is selected.
const (
	NoPackage uint8 = MaxPackages
	NoChannel uint8 = MaxChannels
)

// DefaultTimeout bounds the wait for each response.
const DefaultTimeout = time.Second

// Config tunes the engine.
type Config struct {
	// Timeout is the response timeout re-armed on every waited send.
	Timeout time.Duration
	// EnableAEN appends an Enable AEN step after Enable Channel Network TX,
	// carrying the channel's AEN capability mask. It is off by default, and
	// then the configure chain ends at Enable Channel Network TX.
	EnableAEN bool
}

// Command is one control packet to send.
type Command struct {
	Opcode  uint8
	Package uint8
	Channel uint8
	Payload []byte
	// Wait counts the command as outstanding and arms the timeout.
	Wait bool
}

type eventKind int

const (
	evStart eventKind = iota
	evFrame
	evTimeout
	evTransmitFailed
	evRestart
)

type event struct {
	kind  eventKind
	frame []byte
}

// Engine is the NC-SI state machine. It is not safe for concurrent use:
// every entry point must be called from the same goroutine, which is also
// where the Timer must deliver its callback.
type Engine struct {
	tx       Transmitter
	timer    Timer
	mac      MACSource
	reporter Reporter
	bus      *events.Bus
	cfg      Config
	logger   *slog.Logger

	topo    Topology
	phase   Phase
	pkg     uint8
	ch      uint8
	pending int
	lastID  uint8
	cycle   uint64
	stats   Stats

	queue []event
	busy  bool
}

// New creates an engine in the package-select phase with nothing selected.
// bus may be nil.
func New(tx Transmitter, timer Timer, mac MACSource, reporter Reporter, bus *events.Bus, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Engine{
		tx:       tx,
		timer:    timer,
		mac:      mac,
		reporter: reporter,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With("component", "ncsi"),
		phase:    PhaseProbePackageSelect,
		pkg:      NoPackage,
		ch:       NoChannel,
	}
}

// Start sends the first Select Package.
func (e *Engine) Start() { e.post(event{kind: evStart}) }

// HandleFrame processes one received NC-SI packet (Ethernet header
// already stripped).
func (e *Engine) HandleFrame(frame []byte) { e.post(event{kind: evFrame, frame: frame}) }

// HandleTimeout processes a response timeout.
func (e *Engine) HandleTimeout() { e.post(event{kind: evTimeout}) }

// Restart discards the topology and probes again from package 0.
func (e *Engine) Restart() { e.post(event{kind: evRestart}) }

// post queues ev and drains the queue unless a drain is already running
// further up the stack.
func (e *Engine) post(ev event) {
	e.queue = append(e.queue, ev)
	if e.busy {
		return
	}
	e.busy = true
	defer func() { e.busy = false }()
	for len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.step(next)
	}
}

func (e *Engine) step(ev event) {
	switch ev.kind {
	case evStart:
		e.probe()
	case evFrame:
		e.receive(ev.frame)
	case evTimeout:
		if e.phase.Terminal() {
			e.logger.Debug("timeout after probe cycle ended", "phase", e.phase)
			return
		}
		e.stats.Timeouts++
		e.retire()
		if e.pending > 0 {
			e.timer.Arm(e.cfg.Timeout, e.HandleTimeout)
		}
		e.logger.Debug("response timeout", "phase", e.phase, "pending", e.pending)
		e.transition(0, true)
	case evTransmitFailed:
		e.transition(0, true)
	case evRestart:
		e.reset("restart")
	}
}

// Send transmits cmd with the next request ID. A waited command raises the
// outstanding count and re-arms the timeout once the link accepted it.
func (e *Engine) Send(cmd Command) error {
	e.lastID++
	frame := BuildCommand(e.lastID, cmd.Opcode, cmd.Package, cmd.Channel, cmd.Payload)
	if err := e.tx.Transmit(frame); err != nil {
		e.stats.TransmitErrors++
		e.logger.Error("transmit failed",
			"cmd", OpcodeName(cmd.Opcode), "package", cmd.Package, "channel", cmd.Channel, "error", err)
		return fmt.Errorf("ncsi: send %s: %w", OpcodeName(cmd.Opcode), err)
	}
	e.stats.FramesSent++
	e.logger.Debug("tx",
		"cmd", OpcodeName(cmd.Opcode), "id", e.lastID, "package", cmd.Package, "channel", cmd.Channel)
	if cmd.Wait {
		e.pending++
		e.timer.Arm(e.cfg.Timeout, e.HandleTimeout)
	}
	return nil
}

// retire accounts for one arrival or timeout. The timer stays armed; only
// the end of a cycle or a reset cancels it.
func (e *Engine) retire() {
	if e.pending > 0 {
		e.pending--
	}
}

func (e *Engine) receive(frame []byte) {
	e.stats.FramesReceived++

	var h Header
	if len(frame) >= HeaderSize {
		h, _ = ParseHeader(frame)
	}
	// AENs are unsolicited and never answer an outstanding request.
	if len(frame) >= HeaderSize && h.Type == TypeAEN {
		e.handleAEN(frame)
		return
	}
	e.retire()

	if len(frame) < ResponseHeaderSize+ChecksumSize {
		e.drop(h, fmt.Errorf("%w: %d bytes", ErrUndersized, len(frame)))
		e.transition(h.Type, false)
		return
	}

	handler, ok := responseHandlers[h.Type]
	if !ok {
		e.drop(h, fmt.Errorf("%w: 0x%02X", ErrUnknownType, h.Type))
		e.transition(h.Type, false)
		return
	}
	if h.ID != e.lastID {
		e.logger.Debug("request id mismatch", "rsp", OpcodeName(h.Type), "id", h.ID, "want", e.lastID)
	}

	timeout := false
	rsp, err := ValidateResponse(frame, handler.length)
	if err != nil {
		e.drop(h, err)
	} else {
		e.stats.Dispatched++
		e.logger.Debug("rx", "rsp", OpcodeName(h.Type), "id", h.ID,
			"package", h.Package(), "channel", h.ChannelIndex())
		if next := handler.handle(e, rsp); next != nil {
			if err := e.Send(*next); err != nil && next.Wait {
				timeout = true
			}
		}
	}
	e.transition(h.Type, timeout)
}

// drop counts and logs a discarded frame.
func (e *Engine) drop(h Header, err error) {
	var cerr *CompletionError
	switch {
	case errors.As(err, &cerr):
		e.stats.CompletionErrors++
	case errors.Is(err, ErrUndersized):
		e.stats.Undersized++
	case errors.Is(err, ErrRevision):
		e.stats.BadRevision++
	case errors.Is(err, ErrLength):
		e.stats.BadLength++
	case errors.Is(err, ErrChecksum):
		e.stats.BadChecksum++
	case errors.Is(err, ErrUnknownType), errors.Is(err, ErrUnknownEvent):
		e.stats.UnknownTypes++
	}
	e.logger.Warn("frame dropped", "type", OpcodeName(h.Type),
		"package", h.Package(), "channel", h.ChannelIndex(), "error", err)
	e.bus.Emit(events.FrameDropped, map[string]any{
		"type":  OpcodeName(h.Type),
		"error": err.Error(),
	})
}

// transition advances the state machine after a response (timeout false)
// or a timeout.
func (e *Engine) transition(rspType uint8, timeout bool) {
	switch e.phase {
	case PhaseProbePackageSelect:
		if !timeout && e.pkg+1 < MaxPackages {
			e.pkg++
			e.probe()
			return
		}
		e.setPhase(PhaseProbePackageDeselect)
		if len(e.topo.Packages) == 0 {
			e.fail(ErrNoPackages)
			return
		}
		e.pkg = e.topo.Packages[0].ID
		e.probe()

	case PhaseProbePackageDeselect:
		if !timeout {
			if next, ok := e.topo.after(e.pkg); ok {
				e.pkg = next
				e.probe()
				return
			}
		}
		e.pkg = e.topo.Packages[0].ID
		e.ch = 0
		e.setPhase(PhaseProbeChannelSelect)
		e.probe()

	case PhaseProbeChannelSelect:
		if !timeout && rspType == RspSelectPackage {
			e.setPhase(PhaseProbeChannel)
			e.probe()
			return
		}
		e.fail(ErrNotSelected)

	case PhaseProbeChannel:
		if e.pending != 0 {
			return
		}
		if c := e.topo.Channel(e.pkg, e.ch); c != nil && c.HasLink {
			e.setPhase(PhaseConfigure)
			e.probe()
			return
		}
		if e.ch+1 < MaxChannels {
			e.ch++
			e.probe()
			return
		}
		e.fail(ErrNoLink)

	case PhaseConfigure:
		if timeout {
			e.fail(ErrConfigTimeout)
			return
		}
		if e.pending == 0 {
			e.succeed()
		}

	default:
		e.logger.Debug("event after probe cycle ended", "phase", e.phase,
			"rsp", OpcodeName(rspType), "timeout", timeout)
	}
}

// probe sends the command that opens the current phase or advances its
// cursor. A waited send the link rejects is handled like a timeout.
func (e *Engine) probe() {
	var cmd Command
	switch e.phase {
	case PhaseProbePackageSelect:
		if e.pkg >= MaxPackages {
			e.pkg = 0
		}
		cmd = Command{Opcode: CmdSelectPackage, Package: e.pkg, Channel: ReservedChannel,
			Payload: selectPackagePayload(), Wait: true}
	case PhaseProbePackageDeselect:
		cmd = Command{Opcode: CmdDeselectPackage, Package: e.pkg, Channel: ReservedChannel, Wait: true}
	case PhaseProbeChannelSelect:
		cmd = Command{Opcode: CmdSelectPackage, Package: e.pkg, Channel: ReservedChannel,
			Payload: selectPackagePayload(), Wait: true}
	case PhaseProbeChannel:
		cmd = Command{Opcode: CmdClearInitialState, Package: e.pkg, Channel: e.ch, Wait: true}
	case PhaseConfigure:
		p, c := e.topo.FirstWithLink()
		if c == nil {
			e.fail(ErrNoLink)
			return
		}
		mac, ok := e.mac.LocalMAC()
		if !ok || len(mac) != 6 {
			e.fail(ErrNoMAC)
			return
		}
		e.pkg, e.ch = p.ID, c.ID
		cmd = Command{Opcode: CmdSetMACAddress, Package: e.pkg, Channel: e.ch,
			Payload: setMACPayload(mac), Wait: true}
	default:
		return
	}
	if err := e.Send(cmd); err != nil && cmd.Wait {
		e.queue = append(e.queue, event{kind: evTransmitFailed})
	}
}

func (e *Engine) setPhase(p Phase) {
	if p == e.phase {
		return
	}
	from := e.phase
	e.phase = p
	e.logger.Info("phase", "from", from, "to", p, "package", e.pkg, "channel", e.ch)
	e.bus.Emit(events.Phase, map[string]any{"from": from.String(), "to": p.String()})
}

func (e *Engine) succeed() {
	sel := Selection{Package: e.pkg, Channel: e.ch}
	if c := e.topo.Channel(e.pkg, e.ch); c != nil {
		sel.Info = *c
	}
	e.timer.Cancel()
	e.setPhase(PhaseReady)
	e.logger.Info("channel configured", "package", sel.Package, "channel", sel.Channel)
	e.bus.Emit(events.Ready, sel)
	if e.reporter != nil {
		e.reporter.Ready(sel)
	}
}

func (e *Engine) fail(err error) {
	if e.phase.Terminal() {
		return
	}
	perr := &ProbeError{Phase: e.phase, Err: err}
	e.timer.Cancel()
	e.setPhase(PhaseFailed)
	e.logger.Error("probe failed", "phase", perr.Phase, "error", err)
	e.bus.Emit(events.Failed, map[string]any{"phase": perr.Phase.String(), "error": err.Error()})
	if e.reporter != nil {
		e.reporter.Failed(perr)
	}
}

// reset abandons outstanding requests and the topology and starts a new
// probe cycle from package 0.
func (e *Engine) reset(reason string) {
	e.stats.Resets++
	e.cycle++
	e.pending = 0
	e.timer.Cancel()
	e.topo.Reset()
	e.pkg, e.ch = NoPackage, NoChannel
	e.logger.Info("re-probing", "reason", reason, "cycle", e.cycle)
	e.bus.Emit(events.Reset, map[string]any{"reason": reason, "cycle": e.cycle})
	e.setPhase(PhaseProbePackageSelect)
	e.probe()
}

// Snapshot is a copy of the engine's observable state.
type Snapshot struct {
	Phase    Phase    `json:"phase"`
	Package  uint8    `json:"package"`
	Channel  uint8    `json:"channel"`
	Pending  int      `json:"pending"`
	LastID   uint8    `json:"last_request_id"`
	Cycle    uint64   `json:"cycle"`
	Topology Topology `json:"topology"`
	Stats    Stats    `json:"stats"`
}

// Snapshot copies the current state.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Phase:    e.phase,
		Package:  e.pkg,
		Channel:  e.ch,
		Pending:  e.pending,
		LastID:   e.lastID,
		Cycle:    e.cycle,
		Topology: e.topo.Clone(),
		Stats:    e.stats,
	}
}

// Phase returns the current phase.
func (e *Engine) Phase() Phase { return e.phase }

// Pending returns the number of outstanding waited requests.
func (e *Engine) Pending() int { return e.pending }

// Topology returns the live topology. Callers must not retain it across
// engine calls.
func (e *Engine) Topology() *Topology { return &e.topo }

// Stats returns the counters.
func (e *Engine) Stats() Stats { return e.stats }
