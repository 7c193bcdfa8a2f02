package fibaro

import (
	"context"
	"strings"
	"sync"
)

// MockHub implements Hub for handler tests.
type MockHub struct {
	mu       sync.Mutex
	devices  map[DeviceID]Device
	fetchErr error
	sendErr  error
	fetches  []DeviceID
	actions  []sentAction
}

type sentAction struct {
	ID     DeviceID
	Action Action
}

func NewMockHub() *MockHub {
	return &MockHub{devices: make(map[DeviceID]Device)}
}

func (m *MockHub) SetDevice(d Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = d
}

func (m *MockHub) FetchDevice(_ context.Context, id DeviceID) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches = append(m.fetches, id)
	if m.fetchErr != nil {
		return Device{}, m.fetchErr
	}
	d, ok := m.devices[id]
	if !ok {
		return Device{}, &RequestFailedError{Method: "GET", Path: DevicePath(id), StatusCode: 404, Reason: "Not Found"}
	}
	return d.Clone(), nil
}

func (m *MockHub) SendAction(_ context.Context, id DeviceID, action Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.actions = append(m.actions, sentAction{ID: id, Action: action})
	return nil
}

func (m *MockHub) Actions() []sentAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentAction(nil), m.actions...)
}

func (m *MockHub) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fetches)
}

// MockSink records channel updates.
type MockSink struct {
	mu      sync.Mutex
	updates []sinkUpdate
}

type sinkUpdate struct {
	ID      DeviceID
	Channel ChannelID
	State   State
}

func (m *MockSink) UpdateChannel(id DeviceID, channel ChannelID, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, sinkUpdate{ID: id, Channel: channel, State: state})
}

func (m *MockSink) Updates() []sinkUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sinkUpdate(nil), m.updates...)
}

// ByChannel returns the last state recorded per channel.
func (m *MockSink) ByChannel() map[ChannelID]State {
	out := make(map[ChannelID]State)
	for _, u := range m.Updates() {
		out[u.Channel] = u.State
	}
	return out
}

// MockMQTTClient implements MQTTClient for bridge tests.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []mockSubscription
	connected     bool
	handlers      map[string]func(topic string, payload []byte)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

// PublishedTo returns messages whose topic starts with prefix.
func (m *MockMQTTClient) PublishedTo(prefix string) []mockPublish {
	var out []mockPublish
	for _, p := range m.GetPublished() {
		if strings.HasPrefix(p.Topic, prefix) {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockMQTTClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockSubscription(nil), m.subscriptions...)
}

// SimulateMessage delivers payload to every handler whose filter matches
// topic, honouring + and # wildcards.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	var matched []func(string, []byte)
	for filter, h := range m.handlers {
		if topicMatches(filter, topic) {
			matched = append(matched, h)
		}
	}
	m.mu.Unlock()

	for _, h := range matched {
		h(topic, payload)
	}
}

func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
