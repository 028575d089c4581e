package notification

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Kind identifies which disposition a notification reports.
type Kind uint8

const (
	// KindNone means the document carried no notification body.
	// The codec accepts such documents; the dispatcher rejects them.
	KindNone Kind = iota
	// KindDelivery reports delivery (or non-delivery) to a device.
	KindDelivery
	// KindDisplay reports that the user displayed the message.
	KindDisplay
	// KindProcessing reports handling by an intermediary.
	KindProcessing
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDelivery:
		return "delivery"
	case KindDisplay:
		return "display"
	case KindProcessing:
		return "processing"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Status is the outcome reported by a notification body. Which values
// are legal depends on the Kind; see ValidStatus.
type Status uint8

const (
	// StatusNone is the zero value, legal only together with KindNone.
	StatusNone Status = iota
	// StatusDelivered means the message reached the device.
	StatusDelivered
	// StatusDisplayed means the user displayed the message.
	StatusDisplayed
	// StatusProcessed means an intermediary processed the message.
	StatusProcessed
	// StatusStored means an intermediary stored the message for later delivery.
	StatusStored
	// StatusFailed means delivery failed.
	StatusFailed
	// StatusForbidden means the recipient refused to report disposition.
	StatusForbidden
	// StatusError means an internal error prevented a definite answer.
	StatusError
)

// String returns the wire-level status token.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusDelivered:
		return "delivered"
	case StatusDisplayed:
		return "displayed"
	case StatusProcessed:
		return "processed"
	case StatusStored:
		return "stored"
	case StatusFailed:
		return "failed"
	case StatusForbidden:
		return "forbidden"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ValidStatus reports whether status is legal under kind.
func ValidStatus(kind Kind, status Status) bool {
	switch kind {
	case KindDelivery:
		return status == StatusDelivered || status == StatusFailed ||
			status == StatusForbidden || status == StatusError
	case KindDisplay:
		return status == StatusDisplayed || status == StatusForbidden ||
			status == StatusError
	case KindProcessing:
		return status == StatusProcessed || status == StatusStored ||
			status == StatusForbidden || status == StatusError
	case KindNone:
		return status == StatusNone
	default:
		return false
	}
}

// Validation errors returned by New and the setter methods.
var (
	ErrMissingMessageID = errors.New("notification requires a message-id")
	ErrMissingDateTime  = errors.New("notification requires a datetime")
	ErrInvalidStatus    = errors.New("status is not legal for notification kind")
	ErrInvalidReason    = errors.New("reason is only legal with a failed or error status")
)

// Notification is one parsed (or to-be-serialized) IMDN document.
//
// MessageID and DateTime are required; DateTime echoes the referenced
// message's own timestamp as an ISO-8601 string and is treated as opaque
// by the codec. Exactly one notification body (Kind plus Status) is
// carried in normal use; KindNone marks a document that had none.
type Notification struct {
	MessageID            string
	DateTime             string
	RecipientURI         string
	OriginalRecipientURI string
	Subject              string
	Kind                 Kind
	Status               Status
	Reason               string

	// Extensions holds unrecognized child elements of the root,
	// serialized verbatim. They are re-emitted on serialization and
	// never interpreted.
	Extensions []string
}

// New creates a validated Notification. Validation happens here, at
// construction time, so that Serialize never fails: every combination
// New accepts produces a well-formed document.
func New(kind Kind, status Status, messageID, datetime string) (*Notification, error) {
	if messageID == "" {
		return nil, ErrMissingMessageID
	}
	if datetime == "" {
		return nil, ErrMissingDateTime
	}
	if kind == KindNone || !ValidStatus(kind, status) {
		return nil, fmt.Errorf("%w: %v under %v", ErrInvalidStatus, status, kind)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"kind":       kind.String(),
		"status":     status.String(),
		"message_id": messageID,
	}).Debug("Creating disposition notification")

	return &Notification{
		MessageID: messageID,
		DateTime:  datetime,
		Kind:      kind,
		Status:    status,
	}, nil
}

// SetReason attaches a human-readable failure reason. Only failed and
// error statuses may carry one.
func (n *Notification) SetReason(reason string) error {
	if reason != "" && n.Status != StatusFailed && n.Status != StatusError {
		return ErrInvalidReason
	}
	n.Reason = reason
	return nil
}

// SetRecipient records the recipient URI, and optionally the original
// recipient URI when the message was re-targeted.
func (n *Notification) SetRecipient(uri, originalURI string) {
	n.RecipientURI = uri
	n.OriginalRecipientURI = originalURI
}

// Equal reports whether two notifications carry the same content,
// including extension blobs.
func (n *Notification) Equal(other *Notification) bool {
	if n == nil || other == nil {
		return n == other
	}
	if n.MessageID != other.MessageID ||
		n.DateTime != other.DateTime ||
		n.RecipientURI != other.RecipientURI ||
		n.OriginalRecipientURI != other.OriginalRecipientURI ||
		n.Subject != other.Subject ||
		n.Kind != other.Kind ||
		n.Status != other.Status ||
		n.Reason != other.Reason ||
		len(n.Extensions) != len(other.Extensions) {
		return false
	}
	for i := range n.Extensions {
		if n.Extensions[i] != other.Extensions[i] {
			return false
		}
	}
	return true
}
