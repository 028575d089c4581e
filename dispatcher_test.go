package imdn

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/imdn/notification"
	"github.com/opd-ai/imdn/tracker"
)

var (
	localDevice = tracker.Device{Participant: "sip:alice@example.com", ID: "alice-phone"}
	bobPhone    = tracker.Device{Participant: "sip:bob@example.com", ID: "bob-phone"}
	bobDesktop  = tracker.Device{Participant: "sip:bob@example.com", ID: "bob-desktop"}
)

var testSentAt = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestDispatcher(t *testing.T) (*Dispatcher, *mockTransport) {
	t.Helper()
	transport := &mockTransport{}
	options := NewOptions()
	options.LocalDevice = localDevice
	options.Transport = transport

	d, err := New(options)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, transport
}

// notificationDocument builds an inbound wire document for tests.
func notificationDocument(t *testing.T, kind notification.Kind, status notification.Status, messageID, reason string) []byte {
	t.Helper()
	n, err := notification.New(kind, status, messageID, testSentAt.Format(time.RFC3339))
	require.NoError(t, err)
	if reason != "" {
		require.NoError(t, n.SetReason(reason))
	}
	return n.Serialize()
}

func TestNew_RequiresTransport(t *testing.T) {
	_, err := New(NewOptions())
	assert.ErrorIs(t, err, ErrNilTransport)

	_, err = New(nil)
	assert.Error(t, err)
}

func TestDispatcher_InboundDeliveryFlow(t *testing.T) {
	d, _ := newTestDispatcher(t)

	require.NoError(t, d.MessageSent("m-1", testSentAt, []tracker.Device{bobPhone, bobDesktop}))
	assert.Equal(t, tracker.StateSent, d.DeviceState("m-1", bobPhone))

	err := d.ReceiveNotification(bobPhone,
		notificationDocument(t, notification.KindDelivery, notification.StatusDelivered, "m-1", ""))
	require.NoError(t, err)

	assert.Equal(t, tracker.StateDelivered, d.DeviceState("m-1", bobPhone))
	assert.Equal(t, tracker.ParticipantDeliveredToUser,
		d.ParticipantAggregate("m-1", bobPhone.Participant))
}

func TestDispatcher_InboundDisplayImpliesDelivery(t *testing.T) {
	d, _ := newTestDispatcher(t)
	require.NoError(t, d.MessageSent("m-2", testSentAt, []tracker.Device{bobPhone}))

	// Scenario C: display arrives with no prior delivery notification.
	err := d.ReceiveNotification(bobPhone,
		notificationDocument(t, notification.KindDisplay, notification.StatusDisplayed, "m-2", ""))
	require.NoError(t, err)

	assert.Equal(t, tracker.StateDisplayed, d.DeviceState("m-2", bobPhone))
	assert.Equal(t, tracker.ParticipantDisplayed, d.MessageAggregate("m-2"))
}

func TestDispatcher_StaleFailureAfterDisplay(t *testing.T) {
	d, _ := newTestDispatcher(t)
	require.NoError(t, d.MessageSent("m-3", testSentAt, []tracker.Device{bobPhone}))

	require.NoError(t, d.ReceiveNotification(bobPhone,
		notificationDocument(t, notification.KindDisplay, notification.StatusDisplayed, "m-3", "")))

	// Scenario D: a retransmitted failure arrives after success.
	require.NoError(t, d.ReceiveNotification(bobPhone,
		notificationDocument(t, notification.KindDelivery, notification.StatusFailed, "m-3", "stale")))

	assert.Equal(t, tracker.StateDisplayed, d.DeviceState("m-3", bobPhone))
}

func TestDispatcher_UnknownMessage(t *testing.T) {
	d, _ := newTestDispatcher(t)

	err := d.ReceiveNotification(bobPhone,
		notificationDocument(t, notification.KindDelivery, notification.StatusDelivered, "never-sent", ""))
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestDispatcher_ProtocolViolations(t *testing.T) {
	d, _ := newTestDispatcher(t)
	require.NoError(t, d.MessageSent("m-4", testSentAt, []tracker.Device{bobPhone}))

	t.Run("No body", func(t *testing.T) {
		document := []byte(`<imdn xmlns="urn:ietf:params:xml:ns:imdn">` +
			`<message-id>m-4</message-id><datetime>2024-06-01T12:00:00Z</datetime></imdn>`)
		err := d.ReceiveNotification(bobPhone, document)
		assert.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("Parse error propagates", func(t *testing.T) {
		err := d.ReceiveNotification(bobPhone, []byte("not xml"))
		assert.ErrorIs(t, err, notification.ErrMalformedDocument)
	})

	t.Run("State unaffected", func(t *testing.T) {
		assert.Equal(t, tracker.StateSent, d.DeviceState("m-4", bobPhone))
	})
}

func TestDispatcher_MembershipExpandsRecipients(t *testing.T) {
	transport := &mockTransport{}
	options := NewOptions()
	options.LocalDevice = localDevice
	options.Transport = transport
	options.Membership = &mockMembership{devices: map[string][]string{
		"sip:bob@example.com": {"bob-phone", "bob-desktop", "bob-tablet"},
	}}

	d, err := New(options)
	require.NoError(t, err)
	defer d.Close()

	// Naming one device is enough; the roster supplies the rest.
	require.NoError(t, d.MessageSent("m-5", testSentAt, []tracker.Device{bobPhone}))

	tablet := tracker.Device{Participant: "sip:bob@example.com", ID: "bob-tablet"}
	assert.Equal(t, tracker.StateSent, d.DeviceState("m-5", bobDesktop))
	assert.Equal(t, tracker.StateSent, d.DeviceState("m-5", tablet))
}

func TestDispatcher_MarkAsReadIdempotent(t *testing.T) {
	d, transport := newTestDispatcher(t)

	require.NoError(t, d.MessageReceived("m-6", testSentAt, bobPhone))
	// MessageReceived itself reports delivery to the sender.
	require.Len(t, transport.sentDocuments(), 1)

	d.MarkAsRead("m-6")
	d.MarkAsRead("m-6")
	d.MarkAsRead("m-6", "m-6")

	sent := transport.sentDocuments()
	require.Len(t, sent, 2, "repeat mark-as-read must not produce more traffic")

	display, err := notification.Parse(sent[1].document)
	require.NoError(t, err)
	assert.Equal(t, notification.KindDisplay, display.Kind)
	assert.Equal(t, notification.StatusDisplayed, display.Status)
	assert.Equal(t, "m-6", display.MessageID)
	assert.Equal(t, localDevice.Participant, display.RecipientURI)
	assert.Equal(t, bobPhone, sent[1].peer)
}

func TestDispatcher_MarkAsReadSkipsUnknownAndOutbound(t *testing.T) {
	d, transport := newTestDispatcher(t)

	require.NoError(t, d.MessageSent("m-out", testSentAt, []tracker.Device{bobPhone}))
	d.MarkAsRead("m-out", "m-unknown")

	assert.Empty(t, transport.sentDocuments(),
		"neither outbound nor unknown messages produce display notifications")
}

func TestDispatcher_MessageReceivedReportsDelivery(t *testing.T) {
	d, transport := newTestDispatcher(t)

	require.NoError(t, d.MessageReceived("m-7", testSentAt, bobPhone))

	sent := transport.sentDocuments()
	require.Len(t, sent, 1)
	n, err := notification.Parse(sent[0].document)
	require.NoError(t, err)
	assert.Equal(t, notification.KindDelivery, n.Kind)
	assert.Equal(t, notification.StatusDelivered, n.Status)
	assert.Equal(t, "m-7", n.MessageID)
	assert.Equal(t, bobPhone, sent[0].peer)
}

func TestDispatcher_DecryptionFailure(t *testing.T) {
	d, transport := newTestDispatcher(t)

	require.NoError(t, d.MessageReceived("m-8", testSentAt, bobPhone))
	require.NoError(t, d.NotifyDecryptionFailure("m-8", localDevice, "no session key"))

	assert.Equal(t, tracker.StateDecryptionFailed, d.DeviceState("m-8", localDevice))

	sent := transport.sentDocuments()
	require.Len(t, sent, 2)
	n, err := notification.Parse(sent[1].document)
	require.NoError(t, err)
	assert.Equal(t, notification.KindDelivery, n.Kind)
	assert.Equal(t, notification.StatusFailed, n.Status)
	assert.Equal(t, "no session key", n.Reason)
	assert.Equal(t, bobPhone, sent[1].peer, "failure goes to the originating device")

	assert.ErrorIs(t, d.NotifyDecryptionFailure("m-missing", localDevice, ""), ErrUnknownMessage)
}

func TestDispatcher_ScenarioMixedDeviceOutcomes(t *testing.T) {
	d, _ := newTestDispatcher(t)
	require.NoError(t, d.MessageSent("m-9", testSentAt, []tracker.Device{bobPhone, bobDesktop}))

	// Scenario A: one device delivers, the other fails.
	require.NoError(t, d.ReceiveNotification(bobPhone,
		notificationDocument(t, notification.KindDelivery, notification.StatusDelivered, "m-9", "")))
	require.NoError(t, d.ReceiveNotification(bobDesktop,
		notificationDocument(t, notification.KindDelivery, notification.StatusFailed, "m-9", "offline")))

	assert.Equal(t, tracker.ParticipantDeliveredToUser,
		d.ParticipantAggregate("m-9", bobPhone.Participant))

	// Scenario B on a second message: every device fails.
	require.NoError(t, d.MessageSent("m-10", testSentAt, []tracker.Device{bobPhone, bobDesktop}))
	require.NoError(t, d.ReceiveNotification(bobPhone,
		notificationDocument(t, notification.KindDelivery, notification.StatusFailed, "m-10", "offline")))
	require.NoError(t, d.ReceiveNotification(bobDesktop,
		notificationDocument(t, notification.KindDelivery, notification.StatusForbidden, "m-10", "")))

	assert.Equal(t, tracker.ParticipantNotDelivered, d.MessageAggregate("m-10"))
}

func TestDispatcher_RosterEvents(t *testing.T) {
	d, _ := newTestDispatcher(t)
	require.NoError(t, d.MessageSent("m-11", testSentAt, []tracker.Device{bobPhone, bobDesktop}))

	require.NoError(t, d.ReceiveNotification(bobDesktop,
		notificationDocument(t, notification.KindDelivery, notification.StatusFailed, "m-11", "offline")))

	// Scenario E: the silent device leaves the conversation; only the
	// failed one remains.
	assert.Equal(t, tracker.ParticipantSent, d.ParticipantAggregate("m-11", bobPhone.Participant))
	d.DeviceRemoved(bobPhone.Participant, bobPhone.ID)
	assert.Equal(t, tracker.ParticipantNotDelivered, d.ParticipantAggregate("m-11", bobPhone.Participant))

	d.ParticipantRemoved(bobPhone.Participant)
	report := d.MessageReport("m-11")
	assert.Empty(t, report.Participants)
}

func TestDispatcher_Callbacks(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var mu sync.Mutex
	var deviceStates []tracker.State
	var aggregates []tracker.ParticipantState
	d.OnDispositionChanged(func(messageID string, device tracker.Device, state tracker.State) {
		mu.Lock()
		deviceStates = append(deviceStates, state)
		mu.Unlock()
	})
	d.OnAggregateChanged(func(messageID, participant string, state tracker.ParticipantState) {
		mu.Lock()
		aggregates = append(aggregates, state)
		mu.Unlock()
	})

	require.NoError(t, d.MessageSent("m-12", testSentAt, []tracker.Device{bobPhone}))
	require.NoError(t, d.ReceiveNotification(bobPhone,
		notificationDocument(t, notification.KindDelivery, notification.StatusDelivered, "m-12", "")))
	// A stale repeat changes nothing and fires nothing.
	require.NoError(t, d.ReceiveNotification(bobPhone,
		notificationDocument(t, notification.KindDelivery, notification.StatusDelivered, "m-12", "")))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []tracker.State{tracker.StateSent, tracker.StateDelivered}, deviceStates)
	require.Equal(t, []tracker.ParticipantState{
		tracker.ParticipantSent, tracker.ParticipantDeliveredToUser,
	}, aggregates)
}

func TestDispatcher_ForgetMessage(t *testing.T) {
	d, _ := newTestDispatcher(t)
	require.NoError(t, d.MessageSent("m-13", testSentAt, []tracker.Device{bobPhone}))

	d.ForgetMessage("m-13")

	assert.Equal(t, tracker.StateUnknown, d.DeviceState("m-13", bobPhone))
	err := d.ReceiveNotification(bobPhone,
		notificationDocument(t, notification.KindDelivery, notification.StatusDelivered, "m-13", ""))
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestDispatcher_JournalPersistsAcrossRestart(t *testing.T) {
	journalPath := filepath.Join(t.TempDir(), "dispositions.db")

	build := func() *Dispatcher {
		options := NewOptions()
		options.LocalDevice = localDevice
		options.Transport = &mockTransport{}
		options.JournalPath = journalPath
		d, err := New(options)
		require.NoError(t, err)
		return d
	}

	d := build()
	require.NoError(t, d.MessageSent("m-14", testSentAt, []tracker.Device{bobPhone}))
	require.NoError(t, d.ReceiveNotification(bobPhone,
		notificationDocument(t, notification.KindDelivery, notification.StatusDelivered, "m-14", "")))
	require.NoError(t, d.MessageReceived("m-15", testSentAt, bobPhone))
	d.MarkAsRead("m-15")
	require.NoError(t, d.Close())

	restored := build()
	defer restored.Close()

	assert.Equal(t, tracker.StateDelivered, restored.DeviceState("m-14", bobPhone))

	// The success mark survives the restart: even when the device leaves
	// before the aggregate is first read, the answer does not regress.
	restored.DeviceRemoved(bobPhone.Participant, bobPhone.ID)
	assert.Equal(t, tracker.ParticipantDeliveredToUser,
		restored.ParticipantAggregate("m-14", bobPhone.Participant))

	// The displayed flag survives: re-reading produces no new traffic.
	transport := &mockTransport{}
	restored.transport = transport
	restored.MarkAsRead("m-15")
	assert.Empty(t, transport.sentDocuments())
}

// TestDispatcher_ConcurrentReceiveAndMarkAsRead races message arrival
// against the user reading the conversation, with the journal enabled so
// both paths touch the same registry entry.
func TestDispatcher_ConcurrentReceiveAndMarkAsRead(t *testing.T) {
	transport := &mockTransport{}
	options := NewOptions()
	options.LocalDevice = localDevice
	options.Transport = transport
	options.JournalPath = filepath.Join(t.TempDir(), "dispositions.db")

	d, err := New(options)
	require.NoError(t, err)
	defer d.Close()

	const messages = 10
	for i := 0; i < messages; i++ {
		id := fmt.Sprintf("m-cc-%d", i)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = d.MessageReceived(id, testSentAt, bobPhone)
		}()
		go func() {
			defer wg.Done()
			d.MarkAsRead(id)
		}()
		wg.Wait()
		d.MarkAsRead(id)
	}

	// One delivery report plus exactly one display report per message,
	// no matter how the goroutines interleaved.
	assert.Len(t, transport.sentDocuments(), 2*messages)
}

// TestDispatcher_ConcurrentInboundAndLocalEvents races an inbound
// display notification for one device against local decryption-failure
// reports for another device of the same message.
func TestDispatcher_ConcurrentInboundAndLocalEvents(t *testing.T) {
	d, _ := newTestDispatcher(t)
	require.NoError(t, d.MessageSent("m-16", testSentAt, []tracker.Device{bobPhone, bobDesktop}))

	display := notificationDocument(t, notification.KindDisplay, notification.StatusDisplayed, "m-16", "")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = d.ReceiveNotification(bobPhone, display)
	}()
	go func() {
		defer wg.Done()
		_ = d.NotifyDecryptionFailure("m-16", bobDesktop, "bad ciphertext")
	}()
	wg.Wait()

	assert.Equal(t, tracker.StateDisplayed, d.DeviceState("m-16", bobPhone))
	assert.Equal(t, tracker.StateDecryptionFailed, d.DeviceState("m-16", bobDesktop))
	assert.Equal(t, tracker.ParticipantDisplayed,
		d.ParticipantAggregate("m-16", bobPhone.Participant))
}
