// Package sideband hosts the NC-SI engine: it owns the link, serializes
// received frames, timer expiries and operator requests onto one goroutine,
// and records each probe cycle's outcome.
package sideband

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"ncsi-sideband/internal/events"
	"ncsi-sideband/internal/link"
	"ncsi-sideband/internal/ncsi"
	"ncsi-sideband/internal/store"
)

// ErrStopped is returned by requests made after the runner exited.
var ErrStopped = errors.New("sideband: runner stopped")

// Run modes.
const (
	ModeOneshot = "oneshot"
	ModeDaemon  = "daemon"
)

const queueSize = 64

// Options configures a Runner.
type Options struct {
	Mode     string
	LinkName string
	Engine   ncsi.Config
	// JournalKeep bounds the probe journal; zero keeps everything.
	JournalKeep int
}

// Outcome is the result of the most recent probe cycle.
type Outcome struct {
	Ready     bool            `json:"ready"`
	Selection *ncsi.Selection `json:"selection,omitempty"`
	Phase     string          `json:"phase,omitempty"`
	Error     string          `json:"error,omitempty"`
	At        time.Time       `json:"at"`
	err       error
}

// Status is a point-in-time view of the runner.
type Status struct {
	Mode    string        `json:"mode"`
	Link    string        `json:"link"`
	MAC     string        `json:"mac,omitempty"`
	Started time.Time     `json:"started"`
	Engine  ncsi.Snapshot `json:"engine"`
	Outcome *Outcome      `json:"outcome,omitempty"`
}

// Runner drives one engine over one link.
type Runner struct {
	link    link.Link
	bus     *events.Bus
	journal store.Store
	opts    Options
	logger  *slog.Logger

	engine *ncsi.Engine
	timer  *queueTimer
	queue  chan func()
	done   chan struct{}
	once   sync.Once

	started    time.Time
	cycleStart time.Time
	trigger    string
	outcome    *Outcome
	finished   bool
}

// New wires an engine to l. journal may be nil; a nil bus gets a private
// one.
func New(l link.Link, bus *events.Bus, journal store.Store, opts Options, logger *slog.Logger) *Runner {
	if opts.Mode == "" {
		opts.Mode = ModeOneshot
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	r := &Runner{
		link:    l,
		bus:     bus,
		journal: journal,
		opts:    opts,
		logger:  logger.With("component", "sideband"),
		queue:   make(chan func(), queueSize),
		done:    make(chan struct{}),
		trigger: "start",
	}
	r.timer = newQueueTimer(r.post)
	r.engine = ncsi.New(l, r.timer, ncsi.MACFunc(r.localMAC), r, bus, opts.Engine, logger)
	bus.On(events.Reset, r.onReset)
	return r
}

// localMAC is the address sent in Set MAC Address. A configured link.mac
// override is already applied by the link.
func (r *Runner) localMAC() (net.HardwareAddr, bool) {
	mac := r.link.HardwareAddr()
	return mac, len(mac) > 0
}

// post queues fn for the runner goroutine. It reports false once the
// runner has exited.
func (r *Runner) post(fn func()) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.queue <- fn:
		return true
	case <-r.done:
		return false
	}
}

// Run starts probing and serves the queue. In oneshot mode it returns when
// the first cycle ends: nil when a channel was configured, the probe error
// otherwise. In daemon mode it runs until ctx is cancelled or the link
// fails.
func (r *Runner) Run(ctx context.Context) error {
	defer r.once.Do(func() { close(r.done) })
	defer r.timer.Cancel()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	linkErr := make(chan error, 1)
	go func() {
		linkErr <- r.link.Run(ctx, func(p []byte) {
			frame := append([]byte(nil), p...)
			r.post(func() { r.engine.HandleFrame(frame) })
		})
	}()

	r.started = time.Now()
	r.cycleStart = r.started
	r.logger.Info("starting", "mode", r.opts.Mode, "link", r.opts.LinkName)
	r.engine.Start()

	for {
		if r.finished && r.opts.Mode == ModeOneshot {
			return r.outcome.err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-linkErr:
			if err == nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			return fmt.Errorf("sideband: link: %w", err)
		case fn := <-r.queue:
			fn()
		}
	}
}

// Restart requests a new probe cycle.
func (r *Runner) Restart() error {
	if !r.post(func() {
		r.trigger = "restart"
		r.engine.Restart()
	}) {
		return ErrStopped
	}
	return nil
}

// Status returns a snapshot taken on the runner goroutine.
func (r *Runner) Status(ctx context.Context) (Status, error) {
	ch := make(chan Status, 1)
	if !r.post(func() { ch <- r.status() }) {
		return Status{}, ErrStopped
	}
	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case <-r.done:
		return Status{}, ErrStopped
	}
}

func (r *Runner) status() Status {
	st := Status{
		Mode:    r.opts.Mode,
		Link:    r.opts.LinkName,
		Started: r.started,
		Engine:  r.engine.Snapshot(),
	}
	if mac, ok := r.localMAC(); ok {
		st.MAC = mac.String()
	}
	if r.outcome != nil {
		o := *r.outcome
		st.Outcome = &o
	}
	return st
}

// Events returns the bus the engine publishes on.
func (r *Runner) Events() *events.Bus { return r.bus }

// History lists journaled probe cycles, newest first.
func (r *Runner) History(limit int) ([]*store.ProbeRecord, error) {
	if r.journal == nil {
		return nil, nil
	}
	return r.journal.ListProbes(limit)
}

// onReset runs synchronously inside the engine when a new cycle begins.
func (r *Runner) onReset(e events.Event) {
	if data, ok := e.Data.(map[string]any); ok {
		if reason, ok := data["reason"].(string); ok && reason != "restart" {
			r.trigger = reason
		}
	}
	r.cycleStart = time.Now()
	r.finished = false
}

// Ready implements ncsi.Reporter.
func (r *Runner) Ready(sel ncsi.Selection) {
	r.outcome = &Outcome{Ready: true, Selection: &sel, At: time.Now()}
	r.finished = true
	r.logger.Info("sideband ready", "package", sel.Package, "channel", sel.Channel)

	p, c := sel.Package, sel.Channel
	r.record(&store.ProbeRecord{Outcome: store.OutcomeReady, Package: &p, Channel: &c})
	if r.journal != nil {
		state := &store.SelectionState{Link: r.opts.LinkName, Selection: sel, At: r.outcome.At}
		if mac, ok := r.localMAC(); ok {
			state.MAC = mac.String()
		}
		if err := r.journal.SaveSelection(state); err != nil {
			r.logger.Warn("save selection failed", "err", err)
		}
	}
}

// Failed implements ncsi.Reporter.
func (r *Runner) Failed(err error) {
	o := &Outcome{Error: err.Error(), At: time.Now(), err: err}
	var perr *ncsi.ProbeError
	if errors.As(err, &perr) {
		o.Phase = perr.Phase.String()
	}
	r.outcome = o
	r.finished = true
	r.logger.Error("sideband failed", "err", err)
	r.record(&store.ProbeRecord{Outcome: store.OutcomeFailed, Phase: o.Phase, Error: o.Error})
}

func (r *Runner) record(rec *store.ProbeRecord) {
	if r.journal == nil {
		return
	}
	snap := r.engine.Snapshot()
	rec.Cycle = snap.Cycle
	rec.Trigger = r.trigger
	rec.Started = r.cycleStart
	rec.Finished = time.Now()
	rec.Topology = snap.Topology
	rec.Stats = snap.Stats
	if err := r.journal.AppendProbe(rec); err != nil {
		r.logger.Warn("journal append failed", "err", err)
		return
	}
	if r.opts.JournalKeep > 0 {
		if err := r.journal.PruneProbes(r.opts.JournalKeep); err != nil {
			r.logger.Warn("journal prune failed", "err", err)
		}
	}
}
