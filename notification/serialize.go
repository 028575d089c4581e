package notification

import (
	"github.com/beevik/etree"
	"github.com/sirupsen/logrus"
)

// bodyTag returns the wire element name for a notification kind.
func bodyTag(kind Kind) string {
	switch kind {
	case KindDelivery:
		return "delivery-notification"
	case KindDisplay:
		return "display-notification"
	case KindProcessing:
		return "processing-notification"
	default:
		return ""
	}
}

// Serialize encodes the notification as an IMDN document.
//
// Serialization cannot fail for a value built through New: all
// validation happens at construction time. message-id and datetime are
// always emitted as the first two children.
func (n *Notification) Serialize() []byte {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement(rootTag)
	root.CreateAttr("xmlns", Namespace)

	root.CreateElement("message-id").SetText(n.MessageID)
	root.CreateElement("datetime").SetText(n.DateTime)

	if n.RecipientURI != "" {
		root.CreateElement("recipient-uri").SetText(n.RecipientURI)
	}
	if n.OriginalRecipientURI != "" {
		root.CreateElement("original-recipient-uri").SetText(n.OriginalRecipientURI)
	}
	if n.Subject != "" {
		root.CreateElement("subject").SetText(n.Subject)
	}

	if tag := bodyTag(n.Kind); tag != "" {
		body := root.CreateElement(tag)
		status := body.CreateElement("status")
		status.CreateElement(n.Status.String())
		if n.Reason != "" {
			status.CreateElement("reason").SetText(n.Reason)
		}
	}

	for _, ext := range n.Extensions {
		extDoc := etree.NewDocument()
		if err := extDoc.ReadFromString(ext); err != nil || extDoc.Root() == nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Serialize",
				"message_id": n.MessageID,
			}).Warn("Dropping unparseable extension blob")
			continue
		}
		root.AddChild(extDoc.Root().Copy())
	}

	out, err := doc.WriteToBytes()
	if err != nil {
		// Writing to an in-memory buffer cannot fail.
		return nil
	}
	return out
}
