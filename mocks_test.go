package imdn

import (
	"errors"
	"sync"

	"github.com/opd-ai/imdn/tracker"
)

// sentDocument captures one outbound notification handed to the mock
// transport.
type sentDocument struct {
	peer     tracker.Device
	document []byte
}

// mockTransport records outbound notifications for inspection.
type mockTransport struct {
	mu   sync.Mutex
	sent []sentDocument
	fail bool
}

func (m *mockTransport) SendNotification(peer tracker.Device, document []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("mock transport failure")
	}
	m.sent = append(m.sent, sentDocument{peer: peer, document: document})
	return nil
}

func (m *mockTransport) sentDocuments() []sentDocument {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentDocument, len(m.sent))
	copy(out, m.sent)
	return out
}

// mockMembership serves a fixed participant-to-devices roster.
type mockMembership struct {
	devices map[string][]string
}

func (m *mockMembership) CurrentDevices(participant string) []string {
	return m.devices[participant]
}
