package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/imdn/notification"
)

// State is the disposition of one message on one device.
type State uint8

const (
	// StateUnknown means no disposition information exists yet.
	StateUnknown State = iota
	// StateSent means the message was dispatched toward the device.
	StateSent
	// StateDelivered means the device acknowledged delivery.
	StateDelivered
	// StateDisplayed means the user displayed the message on the device.
	StateDisplayed
	// StateNotDelivered means the device reported a delivery failure.
	// Absorbing: only reachable before the device succeeds.
	StateNotDelivered
	// StateDecryptionFailed means the device could not decrypt the
	// message. Absorbing, and reported to the peer as a failed delivery.
	StateDecryptionFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateDisplayed:
		return "displayed"
	case StateNotDelivered:
		return "not_delivered"
	case StateDecryptionFailed:
		return "decryption_failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// progress returns the record's position on the forward chain.
// The failure states share the Sent tier: they terminate a record that
// never advanced past dispatch.
func (s State) progress() int {
	switch s {
	case StateUnknown:
		return 0
	case StateSent, StateNotDelivered, StateDecryptionFailed:
		return 1
	case StateDelivered:
		return 2
	case StateDisplayed:
		return 3
	default:
		return 0
	}
}

// failed reports whether s is one of the absorbing failure states.
func (s State) failed() bool {
	return s == StateNotDelivered || s == StateDecryptionFailed
}

// Device identifies one concrete endpoint of a conversation participant.
// Participant is the member's SIP address; ID distinguishes the member's
// devices (typically the instance identifier from the contact GRUU).
type Device struct {
	Participant string
	ID          string
}

// String formats the device for logging.
func (d Device) String() string {
	return d.Participant + "/" + d.ID
}

// Record is a snapshot of the disposition of one (message, device) pair.
type Record struct {
	State         State
	LastUpdate    time.Time
	FailureReason string
}

// record is the live, lock-guarded unit of truth behind each Record.
type record struct {
	mu            sync.Mutex
	state         State
	lastUpdate    time.Time
	failureReason string
}

// snapshot returns a copy of the record's current values.
func (r *record) snapshot() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Record{State: r.state, LastUpdate: r.lastUpdate, FailureReason: r.failureReason}
}

// Tracker owns the per-(message, device) disposition records.
//
// Records are created lazily: the first event referencing a pair creates
// it, whether that event is a local send or an inbound notification from
// a device the roster never mentioned. Records live until the owning
// message is forgotten.
type Tracker struct {
	mu           sync.RWMutex
	records      map[string]map[Device]*record
	timeProvider TimeProvider

	// transitionHook observes every applied transition, including
	// restored records. The aggregator registers itself here so success
	// marks are latched the moment they happen, not when next read.
	transitionHook func(messageID string, dev Device, state State)
}

// New creates an empty tracker using the system clock.
func New() *Tracker {
	return NewWithTimeProvider(nil)
}

// NewWithTimeProvider creates an empty tracker with a custom clock.
func NewWithTimeProvider(tp TimeProvider) *Tracker {
	if tp == nil {
		tp = defaultTimeProvider
	}
	return &Tracker{
		records:      make(map[string]map[Device]*record),
		timeProvider: tp,
	}
}

// record returns the record for (messageID, dev), creating it at
// StateUnknown if absent.
func (t *Tracker) record(messageID string, dev Device) *record {
	t.mu.RLock()
	if byDevice, ok := t.records[messageID]; ok {
		if r, ok := byDevice[dev]; ok {
			t.mu.RUnlock()
			return r
		}
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	byDevice, ok := t.records[messageID]
	if !ok {
		byDevice = make(map[Device]*record)
		t.records[messageID] = byDevice
	}
	r, ok := byDevice[dev]
	if !ok {
		r = &record{state: StateUnknown}
		byDevice[dev] = r
	}
	return r
}

// transition atomically applies next to the record if the forward-only
// rule allows it. It returns the record's state after the call and
// whether it changed.
func (t *Tracker) transition(messageID string, dev Device, next State, reason string) (State, bool) {
	r := t.record(messageID, dev)

	r.mu.Lock()
	current := r.state
	allowed := allowedTransition(current, next)
	if allowed {
		r.state = next
		r.lastUpdate = t.timeProvider.Now()
		if next.failed() {
			r.failureReason = reason
		}
	}
	r.mu.Unlock()

	entry := logrus.WithFields(logrus.Fields{
		"function":   "transition",
		"message_id": messageID,
		"device":     dev.String(),
		"from":       current.String(),
		"to":         next.String(),
	})
	if allowed {
		entry.Debug("Applied disposition transition")
		t.notifyTransition(messageID, dev, next)
		return next, current != next
	}
	entry.Debug("Discarded regressive disposition update")
	return current, false
}

// setTransitionHook registers the applied-transition observer.
func (t *Tracker) setTransitionHook(hook func(messageID string, dev Device, state State)) {
	t.mu.Lock()
	t.transitionHook = hook
	t.mu.Unlock()
}

// notifyTransition invokes the transition hook outside all locks.
func (t *Tracker) notifyTransition(messageID string, dev Device, state State) {
	t.mu.RLock()
	hook := t.transitionHook
	t.mu.RUnlock()
	if hook != nil {
		hook(messageID, dev, state)
	}
}

// allowedTransition implements the forward-only rule.
func allowedTransition(current, next State) bool {
	if current == next {
		return false
	}
	switch {
	case current == StateDisplayed:
		// Terminal on the success chain; nothing overrides it.
		return false
	case current.failed():
		// Absorbing, except that a decryption failure may refine a
		// plain non-delivery.
		return current == StateNotDelivered && next == StateDecryptionFailed
	case next == StateDecryptionFailed:
		return true
	case next == StateNotDelivered:
		// Failures only land on records that never reached Delivered.
		return current.progress() < StateDelivered.progress()
	default:
		return next.progress() > current.progress()
	}
}

// RecordSent marks the message as dispatched toward dev.
// Idempotent: a no-op once the record is past Unknown.
func (t *Tracker) RecordSent(messageID string, dev Device) (State, bool) {
	return t.transition(messageID, dev, StateSent, "")
}

// RecordDelivery applies an inbound delivery (or processing) status.
// Delivered, Processed and Stored advance the record to Delivered;
// Failed, Forbidden and Error mark it NotDelivered unless the device
// already succeeded, in which case the stale failure is discarded.
func (t *Tracker) RecordDelivery(messageID string, dev Device, status notification.Status, reason string) (State, bool) {
	switch status {
	case notification.StatusDelivered, notification.StatusProcessed, notification.StatusStored:
		return t.transition(messageID, dev, StateDelivered, "")
	case notification.StatusFailed, notification.StatusForbidden, notification.StatusError:
		if reason == "" {
			reason = status.String()
		}
		return t.transition(messageID, dev, StateNotDelivered, reason)
	default:
		return t.State(messageID, dev), false
	}
}

// RecordDisplay marks the message displayed on dev. A display arriving
// before any delivery acknowledgement implies delivery, so the record
// moves straight to Displayed.
func (t *Tracker) RecordDisplay(messageID string, dev Device) (State, bool) {
	return t.transition(messageID, dev, StateDisplayed, "")
}

// RecordDecryptionFailure marks the message undecryptable on dev.
// Forward-only: it never overrides Displayed.
func (t *Tracker) RecordDecryptionFailure(messageID string, dev Device, reason string) (State, bool) {
	if reason == "" {
		reason = "decryption failure"
	}
	return t.transition(messageID, dev, StateDecryptionFailed, reason)
}

// State returns the current state for (messageID, dev). Pairs that were
// never created report StateUnknown, not an error.
func (t *Tracker) State(messageID string, dev Device) State {
	t.mu.RLock()
	byDevice, ok := t.records[messageID]
	if !ok {
		t.mu.RUnlock()
		return StateUnknown
	}
	r, ok := byDevice[dev]
	t.mu.RUnlock()
	if !ok {
		return StateUnknown
	}
	return r.snapshot().State
}

// Lookup returns a copy of the record for (messageID, dev).
func (t *Tracker) Lookup(messageID string, dev Device) (Record, bool) {
	t.mu.RLock()
	byDevice, ok := t.records[messageID]
	if !ok {
		t.mu.RUnlock()
		return Record{}, false
	}
	r, ok := byDevice[dev]
	t.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	return r.snapshot(), true
}

// DeviceStates returns a snapshot of every record for messageID, keyed
// by device. The snapshot reflects the most recent completed updates.
func (t *Tracker) DeviceStates(messageID string) map[Device]State {
	t.mu.RLock()
	byDevice := t.records[messageID]
	devices := make([]Device, 0, len(byDevice))
	records := make([]*record, 0, len(byDevice))
	for dev, r := range byDevice {
		devices = append(devices, dev)
		records = append(records, r)
	}
	t.mu.RUnlock()

	states := make(map[Device]State, len(devices))
	for i, r := range records {
		states[devices[i]] = r.snapshot().State
	}
	return states
}

// Restore installs a previously persisted record, bypassing transition
// checks. Used when reloading a disposition journal at startup; it never
// overwrites a live record.
func (t *Tracker) Restore(messageID string, dev Device, state State, reason string, updated time.Time) {
	t.mu.Lock()
	byDevice, ok := t.records[messageID]
	if !ok {
		byDevice = make(map[Device]*record)
		t.records[messageID] = byDevice
	}
	if _, exists := byDevice[dev]; exists {
		t.mu.Unlock()
		return
	}
	byDevice[dev] = &record{state: state, failureReason: reason, lastUpdate: updated}
	t.mu.Unlock()

	t.notifyTransition(messageID, dev, state)
}

// ForgetMessage drops every record for messageID. Records are never
// destroyed individually; they are garbage-collected with the message.
func (t *Tracker) ForgetMessage(messageID string) {
	t.mu.Lock()
	delete(t.records, messageID)
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "ForgetMessage",
		"message_id": messageID,
	}).Debug("Dropped disposition records")
}
