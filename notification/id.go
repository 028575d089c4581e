package notification

import "github.com/google/uuid"

// NewMessageID generates an opaque message-id token suitable for the
// message-id element of an IMDN document and for the IMDN header of an
// outgoing message.
func NewMessageID() string {
	return uuid.NewString()
}
