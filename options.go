package imdn

import (
	"github.com/opd-ai/imdn/interfaces"
	"github.com/opd-ai/imdn/tracker"
)

// Options contains configuration for creating a Dispatcher.
type Options struct {
	// LocalDevice identifies this endpoint. Outbound notifications carry
	// its participant address as the recipient-uri.
	LocalDevice tracker.Device

	// Transport sends serialized notification documents to peers.
	// Required.
	Transport interfaces.Transport

	// Membership resolves a participant's current device set when a
	// message is sent. Optional; without it only the recipient devices
	// named by the caller are tracked.
	Membership interfaces.Membership

	// JournalPath enables the SQLite disposition journal when non-empty.
	// Journaled state is reloaded by New.
	JournalPath string

	// TimeProvider overrides the clock used for record timestamps.
	// Optional; defaults to the system clock.
	TimeProvider tracker.TimeProvider
}

// NewOptions creates an Options struct with default values.
func NewOptions() *Options {
	return &Options{}
}
