package imdn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/imdn/interfaces"
	"github.com/opd-ai/imdn/notification"
	"github.com/opd-ai/imdn/storage"
	"github.com/opd-ai/imdn/tracker"
)

// Dispatcher errors. None of them is fatal: every offending input is
// recovered locally by discarding it.
var (
	// ErrUnknownMessage means a notification referenced a message absent
	// from local state, e.g. one already expired or deleted. Dropped,
	// non-fatal.
	ErrUnknownMessage = errors.New("notification references an unknown message")
	// ErrProtocolViolation means a notification was structurally valid
	// but semantically illegal, e.g. no body or a status outside its
	// kind's vocabulary. Dropped, logged at higher severity.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrNilTransport is returned by New when no transport is configured.
	ErrNilTransport = errors.New("transport collaborator is required")
)

// DispositionCallback is invoked when a device's disposition for a
// message changes.
type DispositionCallback func(messageID string, device tracker.Device, state tracker.State)

// AggregateCallback is invoked with the recomputed participant aggregate
// after each constituent device change.
type AggregateCallback func(messageID, participant string, state tracker.ParticipantState)

// messageEntry is the local registry row for one tracked message.
type messageEntry struct {
	origin      tracker.Device
	dateTime    string
	displaySent bool
	outbound    bool
}

// Dispatcher mediates between the IMDN codec, the disposition tracker,
// and the external transport, membership, and encryption collaborators.
//
// Safe for concurrent use: the protocol thread and the UI thread may
// call into it simultaneously for the same message.
type Dispatcher struct {
	localDevice tracker.Device
	transport   interfaces.Transport
	membership  interfaces.Membership
	tracker     *tracker.Tracker
	aggregator  *tracker.Aggregator
	journal     *storage.Journal

	mu       sync.RWMutex
	messages map[string]*messageEntry

	callbackMu    sync.RWMutex
	dispositionCb DispositionCallback
	aggregateCb   AggregateCallback
}

// New creates a Dispatcher from options. When a journal path is
// configured, previously persisted disposition state is reloaded before
// the dispatcher accepts events.
func New(options *Options) (*Dispatcher, error) {
	if options == nil {
		return nil, errors.New("options are required")
	}
	if options.Transport == nil {
		return nil, ErrNilTransport
	}

	tr := tracker.NewWithTimeProvider(options.TimeProvider)
	d := &Dispatcher{
		localDevice: options.LocalDevice,
		transport:   options.Transport,
		membership:  options.Membership,
		tracker:     tr,
		aggregator:  tracker.NewAggregator(tr),
		messages:    make(map[string]*messageEntry),
	}

	if options.JournalPath != "" {
		journal, err := storage.Open(options.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("open disposition journal: %w", err)
		}
		d.journal = journal
		if err := d.restore(); err != nil {
			journal.Close()
			return nil, fmt.Errorf("restore disposition journal: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":     "New",
		"local_device": d.localDevice.String(),
		"journaled":    d.journal != nil,
	}).Info("Disposition dispatcher created")

	return d, nil
}

// restore reloads the message registry and device records.
func (d *Dispatcher) restore() error {
	messages, err := d.journal.LoadMessages()
	if err != nil {
		return err
	}
	for _, m := range messages {
		d.messages[m.ID] = &messageEntry{
			origin:      m.Origin,
			dateTime:    m.DateTime,
			displaySent: m.Displayed,
			outbound:    m.Outbound,
		}
	}

	records, err := d.journal.LoadRecords()
	if err != nil {
		return err
	}
	for _, r := range records {
		d.tracker.Restore(r.MessageID, r.Device, r.State, r.Reason, r.UpdatedAt)
		d.aggregator.TrackMessage(r.MessageID, []string{r.Device.Participant})
	}

	logrus.WithFields(logrus.Fields{
		"function": "restore",
		"messages": len(messages),
		"records":  len(records),
	}).Info("Restored disposition state")
	return nil
}

// Close releases the journal, if any.
func (d *Dispatcher) Close() error {
	if d.journal != nil {
		return d.journal.Close()
	}
	return nil
}

// OnDispositionChanged registers the device-level change callback.
func (d *Dispatcher) OnDispositionChanged(cb DispositionCallback) {
	d.callbackMu.Lock()
	d.dispositionCb = cb
	d.callbackMu.Unlock()
}

// OnAggregateChanged registers the participant-level change callback.
func (d *Dispatcher) OnAggregateChanged(cb AggregateCallback) {
	d.callbackMu.Lock()
	d.aggregateCb = cb
	d.callbackMu.Unlock()
}

// ReceiveNotification handles one inbound notification document from a
// peer device. Parse failures, unknown messages, and protocol violations
// are reported to the caller and otherwise dropped; this layer never
// retries.
func (d *Dispatcher) ReceiveNotification(peer tracker.Device, document []byte) error {
	n, err := notification.Parse(document)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ReceiveNotification",
			"peer":     peer.String(),
			"error":    err.Error(),
		}).Warn("Dropping unparseable notification document")
		return err
	}

	if n.Kind == notification.KindNone {
		logrus.WithFields(logrus.Fields{
			"function":   "ReceiveNotification",
			"peer":       peer.String(),
			"message_id": n.MessageID,
		}).Error("Notification document carries no body")
		return fmt.Errorf("%w: notification has no body", ErrProtocolViolation)
	}
	if !notification.ValidStatus(n.Kind, n.Status) {
		logrus.WithFields(logrus.Fields{
			"function":   "ReceiveNotification",
			"peer":       peer.String(),
			"message_id": n.MessageID,
			"kind":       n.Kind.String(),
			"status":     n.Status.String(),
		}).Error("Notification status illegal for its kind")
		return fmt.Errorf("%w: status %v under %v", ErrProtocolViolation, n.Status, n.Kind)
	}

	d.mu.RLock()
	_, known := d.messages[n.MessageID]
	d.mu.RUnlock()
	if !known {
		logrus.WithFields(logrus.Fields{
			"function":   "ReceiveNotification",
			"peer":       peer.String(),
			"message_id": n.MessageID,
		}).Info("Notification references a message not in local state")
		return fmt.Errorf("%w: %s", ErrUnknownMessage, n.MessageID)
	}

	var state tracker.State
	var changed bool
	switch n.Kind {
	case notification.KindDelivery, notification.KindProcessing:
		state, changed = d.tracker.RecordDelivery(n.MessageID, peer, n.Status, n.Reason)
	case notification.KindDisplay:
		if n.Status != notification.StatusDisplayed {
			// A forbidden or errored display report carries no state:
			// it neither confirms display nor contradicts delivery.
			logrus.WithFields(logrus.Fields{
				"function":   "ReceiveNotification",
				"message_id": n.MessageID,
				"status":     n.Status.String(),
			}).Debug("Ignoring non-displayed display notification")
			return nil
		}
		state, changed = d.tracker.RecordDisplay(n.MessageID, peer)
	}

	if changed {
		d.persistRecord(n.MessageID, peer)
		d.fireChange(n.MessageID, peer, state)
	}
	return nil
}

// MessageSent registers a locally sent message and creates Sent records
// for every currently-known recipient device. When a membership
// collaborator is configured, each recipient participant's device set is
// expanded through it.
func (d *Dispatcher) MessageSent(messageID string, sentAt time.Time, recipients []tracker.Device) error {
	if messageID == "" {
		return errors.New("message id is required")
	}

	devices := d.expandRecipients(recipients)
	participants := make(map[string]bool)
	for _, dev := range devices {
		participants[dev.Participant] = true
	}
	required := make([]string, 0, len(participants))
	for p := range participants {
		required = append(required, p)
	}

	entry := &messageEntry{
		origin:   d.localDevice,
		dateTime: sentAt.Format(time.RFC3339),
		outbound: true,
	}
	// Journal the snapshot before the entry is shared, so any later
	// displayed-flag update lands strictly after this upsert.
	d.saveMessage(registryMeta(messageID, entry))
	d.mu.Lock()
	d.messages[messageID] = entry
	d.mu.Unlock()

	d.aggregator.TrackMessage(messageID, required)

	for _, dev := range devices {
		d.aggregator.DeviceAdded(dev.Participant, dev.ID)
		if state, changed := d.tracker.RecordSent(messageID, dev); changed {
			d.persistRecord(messageID, dev)
			d.fireChange(messageID, dev, state)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "MessageSent",
		"message_id": messageID,
		"devices":    len(devices),
	}).Debug("Tracking dispositions for sent message")
	return nil
}

// expandRecipients merges the caller-named devices with the membership
// roster's current device set for each named participant.
func (d *Dispatcher) expandRecipients(recipients []tracker.Device) []tracker.Device {
	seen := make(map[tracker.Device]bool)
	devices := make([]tracker.Device, 0, len(recipients))
	add := func(dev tracker.Device) {
		if dev.Participant == "" || seen[dev] {
			return
		}
		seen[dev] = true
		devices = append(devices, dev)
	}

	for _, dev := range recipients {
		add(dev)
		if d.membership == nil {
			continue
		}
		for _, id := range d.membership.CurrentDevices(dev.Participant) {
			add(tracker.Device{Participant: dev.Participant, ID: id})
		}
	}
	return devices
}

// MessageReceived registers an inbound message and reports delivery back
// to its originating device with a delivery-notification document.
func (d *Dispatcher) MessageReceived(messageID string, sentAt time.Time, origin tracker.Device) error {
	if messageID == "" {
		return errors.New("message id is required")
	}

	entry := &messageEntry{
		origin:   origin,
		dateTime: sentAt.Format(time.RFC3339),
	}
	d.saveMessage(registryMeta(messageID, entry))
	d.mu.Lock()
	d.messages[messageID] = entry
	d.mu.Unlock()

	d.sendNotification(origin, notification.KindDelivery, notification.StatusDelivered,
		messageID, entry.dateTime, "")
	return nil
}

// MarkAsRead reports the given messages as displayed to their senders.
// Idempotent: each message produces at most one outbound display
// notification, no matter how often the user re-reads the conversation.
// Messages absent from local state are skipped.
func (d *Dispatcher) MarkAsRead(messageIDs ...string) {
	type pending struct {
		id       string
		origin   tracker.Device
		dateTime string
	}
	var toSend []pending

	d.mu.Lock()
	for _, id := range messageIDs {
		entry, ok := d.messages[id]
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function":   "MarkAsRead",
				"message_id": id,
			}).Info("Skipping unknown message")
			continue
		}
		if entry.displaySent || entry.outbound {
			continue
		}
		entry.displaySent = true
		toSend = append(toSend, pending{id: id, origin: entry.origin, dateTime: entry.dateTime})
	}
	d.mu.Unlock()

	for _, p := range toSend {
		d.sendNotification(p.origin, notification.KindDisplay, notification.StatusDisplayed,
			p.id, p.dateTime, "")
		if d.journal != nil {
			if err := d.journal.MarkDisplayed(p.id); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "MarkAsRead",
					"message_id": p.id,
					"error":      err.Error(),
				}).Warn("Failed to journal displayed flag")
			}
		}
	}
}

// NotifyDecryptionFailure records that a device could not decrypt the
// message and reports the failure to the message's originating device as
// a failed delivery notification.
func (d *Dispatcher) NotifyDecryptionFailure(messageID string, dev tracker.Device, reason string) error {
	d.mu.RLock()
	entry, ok := d.messages[messageID]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}

	state, changed := d.tracker.RecordDecryptionFailure(messageID, dev, reason)
	if changed {
		d.persistRecord(messageID, dev)
		d.fireChange(messageID, dev, state)
	}

	if reason == "" {
		reason = "decryption failure"
	}
	d.sendNotification(entry.origin, notification.KindDelivery, notification.StatusFailed,
		messageID, entry.dateTime, reason)
	return nil
}

// DeviceAdded records a new device for a participant. The device starts
// at Unknown for every tracked message.
func (d *Dispatcher) DeviceAdded(participant, deviceID string) {
	d.aggregator.DeviceAdded(participant, deviceID)
}

// DeviceRemoved excludes a device from aggregation from this moment on.
func (d *Dispatcher) DeviceRemoved(participant, deviceID string) {
	d.aggregator.DeviceRemoved(participant, deviceID)
}

// ParticipantRemoved excludes a participant from every message aggregate.
func (d *Dispatcher) ParticipantRemoved(participant string) {
	d.aggregator.ParticipantRemoved(participant)
}

// DeviceState returns the disposition of one message on one device.
func (d *Dispatcher) DeviceState(messageID string, dev tracker.Device) tracker.State {
	return d.tracker.State(messageID, dev)
}

// ParticipantAggregate returns the participant-level disposition of a
// message.
func (d *Dispatcher) ParticipantAggregate(messageID, participant string) tracker.ParticipantState {
	return d.aggregator.Participant(messageID, participant)
}

// MessageAggregate returns the message-level disposition: the
// least-advanced participant aggregate. Advisory, for UI purposes only.
func (d *Dispatcher) MessageAggregate(messageID string) tracker.ParticipantState {
	return d.aggregator.Message(messageID)
}

// MessageReport returns every participant aggregate plus the message
// aggregate in one consistent read.
func (d *Dispatcher) MessageReport(messageID string) tracker.MessageReport {
	return d.aggregator.Report(messageID)
}

// ForgetMessage drops all disposition state for a message. Called when
// the message leaves local history.
func (d *Dispatcher) ForgetMessage(messageID string) {
	d.mu.Lock()
	delete(d.messages, messageID)
	d.mu.Unlock()

	d.tracker.ForgetMessage(messageID)
	d.aggregator.ForgetMessage(messageID)
	if d.journal != nil {
		if err := d.journal.DeleteMessage(messageID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "ForgetMessage",
				"message_id": messageID,
				"error":      err.Error(),
			}).Warn("Failed to delete journaled message")
		}
	}
}

// sendNotification builds, serializes, and dispatches one outbound
// notification. Fire-and-forget: failures are logged and never surface
// as tracker state.
func (d *Dispatcher) sendNotification(peer tracker.Device, kind notification.Kind, status notification.Status, messageID, dateTime, reason string) {
	n, err := notification.New(kind, status, messageID, dateTime)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "sendNotification",
			"message_id": messageID,
			"error":      err.Error(),
		}).Error("Failed to construct outbound notification")
		return
	}
	n.SetRecipient(d.localDevice.Participant, "")
	if reason != "" {
		if err := n.SetReason(reason); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "sendNotification",
				"message_id": messageID,
				"error":      err.Error(),
			}).Error("Failed to attach reason to outbound notification")
			return
		}
	}

	if err := d.transport.SendNotification(peer, n.Serialize()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "sendNotification",
			"peer":       peer.String(),
			"message_id": messageID,
			"kind":       kind.String(),
			"status":     status.String(),
			"error":      err.Error(),
		}).Warn("Transport failed to send notification")
	}
}

// persistRecord journals the current record for (messageID, dev).
func (d *Dispatcher) persistRecord(messageID string, dev tracker.Device) {
	if d.journal == nil {
		return
	}
	rec, ok := d.tracker.Lookup(messageID, dev)
	if !ok {
		return
	}
	err := d.journal.SaveRecord(storage.RecordRow{
		MessageID: messageID,
		Device:    dev,
		State:     rec.State,
		Reason:    rec.FailureReason,
		UpdatedAt: rec.LastUpdate,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "persistRecord",
			"message_id": messageID,
			"device":     dev.String(),
			"error":      err.Error(),
		}).Warn("Failed to journal disposition record")
	}
}

// registryMeta snapshots a registry entry for journaling. The caller
// must hold d.mu or still be the entry's only owner.
func registryMeta(messageID string, entry *messageEntry) storage.MessageMeta {
	return storage.MessageMeta{
		ID:        messageID,
		Origin:    entry.origin,
		DateTime:  entry.dateTime,
		Displayed: entry.displaySent,
		Outbound:  entry.outbound,
	}
}

// saveMessage journals one message registry snapshot.
func (d *Dispatcher) saveMessage(meta storage.MessageMeta) {
	if d.journal == nil {
		return
	}
	if err := d.journal.SaveMessage(meta); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "saveMessage",
			"message_id": meta.ID,
			"error":      err.Error(),
		}).Warn("Failed to journal message registry entry")
	}
}

// fireChange invokes the registered callbacks outside all locks.
func (d *Dispatcher) fireChange(messageID string, dev tracker.Device, state tracker.State) {
	d.callbackMu.RLock()
	dispositionCb := d.dispositionCb
	aggregateCb := d.aggregateCb
	d.callbackMu.RUnlock()

	if dispositionCb != nil {
		dispositionCb(messageID, dev, state)
	}
	if aggregateCb != nil {
		aggregateCb(messageID, dev.Participant, d.aggregator.Participant(messageID, dev.Participant))
	}
}
