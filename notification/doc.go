// Package notification implements the IMDN (Instant Message Disposition
// Notification) document model for the disposition subsystem.
//
// # Overview
//
// An IMDN document reports what happened to one chat message on one peer:
// it was delivered to a device, displayed to the user, or handled by an
// intermediary. The package provides a single typed [Notification] value,
// a validating constructor, and a parse/serialize pair for the RFC 5438
// wire format.
//
// The codec is pure: [Parse] and [Notification.Serialize] perform no I/O
// and hold no state across calls. Routing decisions, state tracking, and
// transport are the caller's concern.
//
// # Wire Format
//
// Documents use the urn:ietf:params:xml:ns:imdn namespace with an <imdn>
// root element:
//
//	<?xml version="1.0" encoding="UTF-8"?>
//	<imdn xmlns="urn:ietf:params:xml:ns:imdn">
//	  <message-id>34jk324j</message-id>
//	  <datetime>2008-04-04T12:16:49-05:00</datetime>
//	  <delivery-notification>
//	    <status><delivered/></status>
//	  </delivery-notification>
//	</imdn>
//
// Child elements the codec does not recognize are preserved verbatim in
// [Notification.Extensions] and re-emitted unchanged on serialization,
// but never interpreted.
//
// # Usage
//
//	n, err := notification.New(notification.KindDelivery,
//	    notification.StatusDelivered, messageID, datetime)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	wire := n.Serialize()
//
//	parsed, err := notification.Parse(wire)
//	if err != nil {
//	    var pe *notification.ParseError
//	    if errors.As(err, &pe) {
//	        log.Printf("dropping document: %v", pe)
//	    }
//	}
//
// # Round-Trip Guarantee
//
// For every value constructible through [New] (optionally extended with
// the setter methods), Parse(n.Serialize()) yields a value equal to n.
// Extension content round-trips verbatim when it was captured by [Parse];
// caller-supplied extension blobs are re-emitted through the XML writer
// and may be re-quoted without changing meaning.
package notification
