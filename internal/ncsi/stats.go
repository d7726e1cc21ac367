package ncsi

// Stats counts engine traffic and drop reasons.
type Stats struct {
	FramesSent       uint64 `json:"frames_sent"`
	FramesReceived   uint64 `json:"frames_received"`
	Dispatched       uint64 `json:"dispatched"`
	Undersized       uint64 `json:"undersized"`
	BadRevision      uint64 `json:"bad_revision"`
	BadLength        uint64 `json:"bad_length"`
	BadChecksum      uint64 `json:"bad_checksum"`
	CompletionErrors uint64 `json:"completion_errors"`
	UnknownTypes     uint64 `json:"unknown_types"`
	AENs             uint64 `json:"aens"`
	Timeouts         uint64 `json:"timeouts"`
	TransmitErrors   uint64 `json:"transmit_errors"`
	Resets           uint64 `json:"resets"`
}

// Dropped returns the number of received frames that were discarded.
func (s Stats) Dropped() uint64 {
	return s.Undersized + s.BadRevision + s.BadLength + s.BadChecksum +
		s.CompletionErrors + s.UnknownTypes
}
