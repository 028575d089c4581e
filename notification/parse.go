package notification

import (
	"errors"
	"fmt"

	"github.com/beevik/etree"
	"github.com/sirupsen/logrus"
)

// Namespace is the fixed IMDN XML namespace (RFC 5438).
const Namespace = "urn:ietf:params:xml:ns:imdn"

// rootTag is the fixed root element name of every IMDN document.
const rootTag = "imdn"

// Parse failure categories. Each is wrapped in a *ParseError carrying
// detail; match with errors.Is.
var (
	// ErrMalformedDocument means the document is not well-formed XML or
	// a required field (message-id, datetime, status) is absent.
	ErrMalformedDocument = errors.New("malformed disposition document")
	// ErrUnknownRootElement means the root element name or namespace is
	// not the IMDN one.
	ErrUnknownRootElement = errors.New("unknown root element")
	// ErrInconsistentBody means the document carries notification bodies
	// of conflicting kinds, or a status that does not belong to its
	// body's kind.
	ErrInconsistentBody = errors.New("inconsistent notification body")
)

// ParseError is the error type returned by Parse. It wraps one of the
// package's category sentinels and carries document-specific detail.
type ParseError struct {
	Category error
	Detail   string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Detail == "" {
		return e.Category.Error()
	}
	return fmt.Sprintf("%v: %s", e.Category, e.Detail)
}

// Unwrap exposes the category sentinel for errors.Is matching.
func (e *ParseError) Unwrap() error {
	return e.Category
}

func parseError(category error, format string, args ...interface{}) *ParseError {
	return &ParseError{Category: category, Detail: fmt.Sprintf(format, args...)}
}

// bodyKind maps a body element tag to its notification kind.
func bodyKind(tag string) (Kind, bool) {
	switch tag {
	case "delivery-notification":
		return KindDelivery, true
	case "display-notification":
		return KindDisplay, true
	case "processing-notification":
		return KindProcessing, true
	default:
		return KindNone, false
	}
}

// statusForTag maps a wire status token to its Status value.
func statusForTag(tag string) (Status, bool) {
	switch tag {
	case "delivered":
		return StatusDelivered, true
	case "displayed":
		return StatusDisplayed, true
	case "processed":
		return StatusProcessed, true
	case "stored":
		return StatusStored, true
	case "failed":
		return StatusFailed, true
	case "forbidden":
		return StatusForbidden, true
	case "error":
		return StatusError, true
	default:
		return StatusNone, false
	}
}

// Parse decodes an IMDN document into a Notification.
//
// A document with no notification body parses successfully with
// Kind=KindNone; whether that is acceptable is the caller's decision.
// Unrecognized child elements are captured verbatim in Extensions.
func Parse(data []byte) (*Notification, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, parseError(ErrMalformedDocument, "xml: %v", err)
	}

	root := doc.Root()
	if root == nil {
		return nil, parseError(ErrMalformedDocument, "document has no root element")
	}
	if root.Tag != rootTag || root.NamespaceURI() != Namespace {
		return nil, parseError(ErrUnknownRootElement, "<%s> in namespace %q",
			root.Tag, root.NamespaceURI())
	}

	n := &Notification{Kind: KindNone, Status: StatusNone}
	for _, child := range root.ChildElements() {
		if child.NamespaceURI() != Namespace {
			n.Extensions = append(n.Extensions, elementString(child))
			continue
		}
		switch child.Tag {
		case "message-id":
			n.MessageID = child.Text()
		case "datetime":
			n.DateTime = child.Text()
		case "recipient-uri":
			n.RecipientURI = child.Text()
		case "original-recipient-uri":
			n.OriginalRecipientURI = child.Text()
		case "subject":
			n.Subject = child.Text()
		case "delivery-notification", "display-notification", "processing-notification":
			if err := parseBody(n, child); err != nil {
				return nil, err
			}
		default:
			// In-namespace but unrecognized: preserved, never interpreted.
			n.Extensions = append(n.Extensions, elementString(child))
		}
	}

	if n.MessageID == "" {
		return nil, parseError(ErrMalformedDocument, "missing message-id")
	}
	if n.DateTime == "" {
		return nil, parseError(ErrMalformedDocument, "missing datetime")
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Parse",
		"message_id": n.MessageID,
		"kind":       n.Kind.String(),
		"status":     n.Status.String(),
	}).Debug("Parsed disposition notification")

	return n, nil
}

// parseBody decodes one notification body element into n.
//
// The grammar allows only one body per document in normal use. A second
// body of the same kind is preserved as extension content; a body of a
// different kind fails the parse.
func parseBody(n *Notification, body *etree.Element) error {
	kind, _ := bodyKind(body.Tag)

	if n.Kind != KindNone {
		if n.Kind == kind {
			n.Extensions = append(n.Extensions, elementString(body))
			return nil
		}
		return parseError(ErrInconsistentBody, "%v body after %v body",
			kind, n.Kind)
	}

	var statusEl *etree.Element
	for _, child := range body.ChildElements() {
		if child.NamespaceURI() != Namespace {
			continue
		}
		switch child.Tag {
		case "status":
			statusEl = child
		case "reason":
			n.Reason = child.Text()
		}
	}
	if statusEl == nil {
		return parseError(ErrMalformedDocument, "%s has no status", body.Tag)
	}

	status := StatusNone
	for _, child := range statusEl.ChildElements() {
		if child.NamespaceURI() != Namespace {
			continue
		}
		if child.Tag == "reason" {
			n.Reason = child.Text()
			continue
		}
		s, ok := statusForTag(child.Tag)
		if !ok {
			return parseError(ErrMalformedDocument, "unknown status value <%s>", child.Tag)
		}
		status = s
	}
	if status == StatusNone {
		return parseError(ErrMalformedDocument, "%s has an empty status", body.Tag)
	}
	if !ValidStatus(kind, status) {
		return parseError(ErrInconsistentBody, "status %v is not legal under %v",
			status, kind)
	}

	n.Kind = kind
	n.Status = status
	return nil
}

// elementString serializes one element (and its subtree) standalone.
// Namespace declarations inherited from ancestors are copied onto the
// blob root, so a prefix bound on the document root stays resolvable
// inside the fragment.
func elementString(e *etree.Element) string {
	root := e.Copy()

	declared := make(map[string]bool)
	for _, attr := range root.Attr {
		if isNamespaceDecl(attr) {
			declared[attr.FullKey()] = true
		}
	}
	for parent := e.Parent(); parent != nil; parent = parent.Parent() {
		for _, attr := range parent.Attr {
			if !isNamespaceDecl(attr) || declared[attr.FullKey()] {
				continue
			}
			declared[attr.FullKey()] = true
			root.CreateAttr(attr.FullKey(), attr.Value)
		}
	}

	doc := etree.NewDocument()
	doc.SetRoot(root)
	s, err := doc.WriteToString()
	if err != nil {
		// WriteToString only fails on writer errors, which a string
		// builder cannot produce.
		return ""
	}
	return s
}

func isNamespaceDecl(attr etree.Attr) bool {
	return attr.Space == "xmlns" || (attr.Space == "" && attr.Key == "xmlns")
}
