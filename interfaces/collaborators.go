package interfaces

import "github.com/opd-ai/imdn/tracker"

// Transport delivers serialized disposition documents to peer devices.
// Implementations may be asynchronous with arbitrary delay, reordering,
// or loss; the dispatcher treats every send as fire-and-forget and never
// retries.
type Transport interface {
	// SendNotification sends one IMDN document to a peer device.
	SendNotification(peer tracker.Device, document []byte) error
}

// Membership is the conversation roster source of truth.
type Membership interface {
	// CurrentDevices returns the device identifiers currently registered
	// for a participant.
	CurrentDevices(participant string) []string
}
