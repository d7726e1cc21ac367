package store

import (
	"time"

	"ncsi-sideband/internal/ncsi"
)

// Outcomes recorded in a ProbeRecord.
const (
	OutcomeReady  = "ready"
	OutcomeFailed = "failed"
)

// ProbeRecord is one finished probe cycle.
type ProbeRecord struct {
	ID       uint64        `json:"id"`
	Cycle    uint64        `json:"cycle"`
	Trigger  string        `json:"trigger,omitempty"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Outcome  string        `json:"outcome"`
	Phase    string        `json:"phase,omitempty"`
	Error    string        `json:"error,omitempty"`
	Package  *uint8        `json:"package,omitempty"`
	Channel  *uint8        `json:"channel,omitempty"`
	Topology ncsi.Topology `json:"topology"`
	Stats    ncsi.Stats    `json:"stats"`
}

// Duration is how long the cycle took.
func (r *ProbeRecord) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// SelectionState is the channel most recently configured.
type SelectionState struct {
	Link      string         `json:"link"`
	MAC       string         `json:"mac,omitempty"`
	Selection ncsi.Selection `json:"selection"`
	At        time.Time      `json:"at"`
}
