package tracker

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ParticipantState is the aggregate disposition of one message for one
// conversation participant, derived from that participant's device
// records. The declaration order is the advancement order used for the
// message-level minimum:
//
//	NotDelivered < Sent < Delivered <= DeliveredToUser < Displayed
type ParticipantState uint8

const (
	// ParticipantNotDelivered means every device of the participant
	// failed and none succeeded.
	ParticipantNotDelivered ParticipantState = iota
	// ParticipantSent means the message was dispatched but no device
	// has acknowledged it yet.
	ParticipantSent
	// ParticipantDelivered means delivery reached the transport tier.
	// At participant granularity it collapses into DeliveredToUser; the
	// value exists for the device/transport tier of reporting and shares
	// DeliveredToUser's rank in the message-level minimum.
	ParticipantDelivered
	// ParticipantDeliveredToUser means at least one of the participant's
	// devices reached Delivered or better.
	ParticipantDeliveredToUser
	// ParticipantDisplayed means at least one device displayed the
	// message.
	ParticipantDisplayed
)

// String returns a human-readable aggregate name.
func (s ParticipantState) String() string {
	switch s {
	case ParticipantNotDelivered:
		return "not_delivered"
	case ParticipantSent:
		return "sent"
	case ParticipantDelivered:
		return "delivered"
	case ParticipantDeliveredToUser:
		return "delivered_to_user"
	case ParticipantDisplayed:
		return "displayed"
	default:
		return fmt.Sprintf("participant_state(%d)", uint8(s))
	}
}

// MessageReport is one consistent read of a message's aggregates.
type MessageReport struct {
	Message      ParticipantState
	Participants map[string]ParticipantState
}

// messageRoster tracks which participants a message still requires.
type messageRoster struct {
	required map[string]bool
}

type messageParticipant struct {
	messageID   string
	participant string
}

// Aggregator derives participant and message aggregates from tracker
// records. It is computed state, never authoritative: the per-device
// records remain the unit of truth.
//
// The aggregator also carries the conversation roster. Devices reported
// removed are excluded from every computation from that moment on;
// participants reported removed stop being required by any message.
type Aggregator struct {
	mu       sync.Mutex
	tracker  *Tracker
	messages map[string]*messageRoster
	// removed devices per participant, consulted when filtering records.
	removed map[string]map[string]bool
	// roster devices per participant, merged with record devices.
	devices map[string]map[string]bool
	// success-tier high-water mark, latched on device transitions, so
	// neither roster changes nor read timing can downgrade an aggregate
	// that already reached DeliveredToUser.
	highWater map[messageParticipant]ParticipantState
}

// NewAggregator creates an aggregator reading from t. It registers
// itself as t's transition observer to latch success marks as they
// happen.
func NewAggregator(t *Tracker) *Aggregator {
	a := &Aggregator{
		tracker:   t,
		messages:  make(map[string]*messageRoster),
		removed:   make(map[string]map[string]bool),
		devices:   make(map[string]map[string]bool),
		highWater: make(map[messageParticipant]ParticipantState),
	}
	t.setTransitionHook(a.deviceTransition)
	return a
}

// deviceTransition latches the success-tier high-water mark the moment a
// device record advances. Latching here, rather than when the aggregate
// is read, keeps the answer independent of read history: a device may
// succeed and leave the conversation with no query in between.
func (a *Aggregator) deviceTransition(messageID string, dev Device, state State) {
	var reached ParticipantState
	switch state {
	case StateDelivered:
		reached = ParticipantDeliveredToUser
	case StateDisplayed:
		reached = ParticipantDisplayed
	default:
		return
	}

	a.mu.Lock()
	key := messageParticipant{messageID: messageID, participant: dev.Participant}
	if reached > a.highWater[key] {
		a.highWater[key] = reached
	}
	a.mu.Unlock()
}

// TrackMessage registers the recipients a message requires. Aggregates
// for the message are computed over exactly these participants until
// they are removed from the conversation.
func (a *Aggregator) TrackMessage(messageID string, participants []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	roster, ok := a.messages[messageID]
	if !ok {
		roster = &messageRoster{required: make(map[string]bool)}
		a.messages[messageID] = roster
	}
	for _, p := range participants {
		roster.required[p] = true
	}
}

// DeviceAdded records a new device for a participant. The device starts
// at Unknown for every tracked message.
func (a *Aggregator) DeviceAdded(participant, deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	set, ok := a.devices[participant]
	if !ok {
		set = make(map[string]bool)
		a.devices[participant] = set
	}
	set[deviceID] = true
	if rem, ok := a.removed[participant]; ok {
		delete(rem, deviceID)
	}
}

// DeviceRemoved excludes a device from all aggregate computations from
// this moment on, regardless of its last known state.
func (a *Aggregator) DeviceRemoved(participant, deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if set, ok := a.devices[participant]; ok {
		delete(set, deviceID)
	}
	rem, ok := a.removed[participant]
	if !ok {
		rem = make(map[string]bool)
		a.removed[participant] = rem
	}
	rem[deviceID] = true

	logrus.WithFields(logrus.Fields{
		"function":    "DeviceRemoved",
		"participant": participant,
		"device_id":   deviceID,
	}).Debug("Device excluded from aggregation")
}

// ParticipantRemoved stops requiring the participant for every tracked
// message.
func (a *Aggregator) ParticipantRemoved(participant string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, roster := range a.messages {
		delete(roster.required, participant)
	}
	delete(a.devices, participant)
	delete(a.removed, participant)
}

// Participant computes the aggregate disposition of messageID for one
// participant.
func (a *Aggregator) Participant(messageID, participant string) ParticipantState {
	states := a.tracker.DeviceStates(messageID)

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.participantLocked(messageID, participant, states)
}

// participantLocked applies the aggregation rules over the participant's
// device set: roster devices plus devices with records, minus removed
// devices. Caller holds a.mu.
func (a *Aggregator) participantLocked(messageID, participant string, states map[Device]State) ParticipantState {
	removed := a.removed[participant]

	deviceStates := make(map[string]State)
	for id := range a.devices[participant] {
		deviceStates[id] = StateUnknown
	}
	for dev, state := range states {
		if dev.Participant != participant {
			continue
		}
		if removed[dev.ID] {
			continue
		}
		deviceStates[dev.ID] = state
	}
	for id := range removed {
		delete(deviceStates, id)
	}

	computed := deriveParticipant(deviceStates)

	// The map only ever holds DeliveredToUser or Displayed.
	key := messageParticipant{messageID: messageID, participant: participant}
	if hw, ok := a.highWater[key]; ok && computed < hw {
		computed = hw
	}
	return computed
}

// deriveParticipant applies the spec'd precedence over one device set.
func deriveParticipant(deviceStates map[string]State) ParticipantState {
	anyDisplayed := false
	anyDelivered := false
	allFailed := len(deviceStates) > 0
	for _, s := range deviceStates {
		switch s {
		case StateDisplayed:
			anyDisplayed = true
		case StateDelivered:
			anyDelivered = true
		}
		if !s.failed() {
			allFailed = false
		}
	}

	switch {
	case anyDisplayed:
		return ParticipantDisplayed
	case anyDelivered:
		// One device at Delivered already implies the user got the
		// message: Delivered collapses to DeliveredToUser here.
		return ParticipantDeliveredToUser
	case allFailed:
		return ParticipantNotDelivered
	default:
		return ParticipantSent
	}
}

// Message computes the message-level aggregate: the least-advanced
// participant aggregate across all currently-required recipients.
// Advisory for UI purposes only, never for protocol decisions.
func (a *Aggregator) Message(messageID string) ParticipantState {
	report := a.Report(messageID)
	return report.Message
}

// Report computes every participant aggregate for the message plus the
// message-level minimum in one consistent pass.
func (a *Aggregator) Report(messageID string) MessageReport {
	states := a.tracker.DeviceStates(messageID)

	a.mu.Lock()
	defer a.mu.Unlock()

	roster := a.messages[messageID]
	report := MessageReport{
		Message:      ParticipantSent,
		Participants: make(map[string]ParticipantState),
	}
	if roster == nil || len(roster.required) == 0 {
		return report
	}

	first := true
	for p := range roster.required {
		ps := a.participantLocked(messageID, p, states)
		report.Participants[p] = ps
		if first || ps < report.Message {
			report.Message = ps
			first = false
		}
	}
	return report
}

// ForgetMessage drops the roster and high-water marks for messageID.
func (a *Aggregator) ForgetMessage(messageID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.messages, messageID)
	for key := range a.highWater {
		if key.messageID == messageID {
			delete(a.highWater, key)
		}
	}
}
