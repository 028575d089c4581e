// Package imdn implements the message-disposition subsystem of a
// SIP-based instant-messaging client.
//
// The subsystem tracks, per chat message, per recipient participant,
// and per recipient device, whether the message was delivered to a
// device, delivered to a user, and displayed by a user, and it produces
// and consumes the IMDN documents (RFC 5438) that carry this
// information between peers.
//
// Example:
//
//	options := imdn.NewOptions()
//	options.LocalDevice = tracker.Device{Participant: "sip:alice@example.com", ID: "alice-phone"}
//	options.Transport = sipTransport
//	options.Membership = conferenceRoster
//
//	disp, err := imdn.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer disp.Close()
//
//	disp.OnDispositionChanged(func(messageID string, device tracker.Device, state tracker.State) {
//	    fmt.Printf("message %s on %s: %s\n", messageID, device, state)
//	})
//
//	// Local user sends a message.
//	disp.MessageSent(messageID, time.Now(), recipients)
//
//	// The transport hands over a received notification document.
//	if err := disp.ReceiveNotification(peerDevice, document); err != nil {
//	    log.Printf("dropped notification: %v", err)
//	}
//
//	// Local user reads the conversation.
//	disp.MarkAsRead(messageIDs...)
//
// Disposition tracking is advisory: every malformed, stale, or
// out-of-order input is recovered locally by discarding it, and the only
// user-visible effect of an error is a disposition that fails to
// advance. Nothing in this package blocks on network I/O; sending is
// delegated to the transport collaborator and treated as
// fire-and-forget.
package imdn
