package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarunm/consolestream/internal/codec"
	"github.com/tarunm/consolestream/internal/stomptest"
)

func TestManagerConnectsOnFirstRegister(t *testing.T) {
	broker := stomptest.NewBroker(t)
	m := newTestManager(t, broker)
	assert.Equal(t, StateDisconnected, m.State())

	rec := &messageRecorder{}
	m.Register("/topic/servers/srv-1/console", rec.handle)

	waitConnected(t, m)
	waitSubscribed(t, broker, "/topic/servers/srv-1/console")

	assert.Equal(t, 1, broker.Publish("/topic/servers/srv-1/console", []byte(`"hello"`)))
	require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{`"hello"`}, rec.bodies())
}

func TestManagerResubscribesAfterDrop(t *testing.T) {
	broker := stomptest.NewBroker(t)
	m := newTestManager(t, broker)
	states := &stateRecorder{}
	m.OnStateChange(states.record)

	topics := []string{"/topic/servers/srv-1/console", "/topic/servers/srv-1/status"}
	for _, topic := range topics {
		m.Register(topic, func(Message) {})
	}
	waitConnected(t, m)
	for _, topic := range topics {
		waitSubscribed(t, broker, topic)
	}

	broker.DropConnections()

	require.Eventually(t, func() bool { return broker.ConnectCount() >= 2 && m.Connected() }, 3*time.Second, 10*time.Millisecond)
	for _, topic := range topics {
		waitSubscribed(t, broker, topic)
		assert.Equal(t, 2, broker.SubscribeCount(topic), "one SUBSCRIBE per connection for %s", topic)
	}
	require.Eventually(t, func() bool { return len(broker.Subscriptions()) == len(topics) }, 2*time.Second, 10*time.Millisecond,
		"no duplicate subscriptions on the new connection")
	require.Eventually(t, func() bool { return states.count(StateConnected) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, states.count(StateDisconnected), 1)

	// the new connection serves messages without any caller action
	rec := &messageRecorder{}
	m.Register(topics[0], rec.handle)
	broker.Publish(topics[0], []byte(`"after"`))
	require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestManagerDisconnectBeforeHandshake(t *testing.T) {
	broker := stomptest.NewBroker(t, stomptest.WithHandshakeDelay(300*time.Millisecond))
	m := newTestManager(t, broker)
	states := &stateRecorder{}
	m.OnStateChange(states.record)

	rec := &messageRecorder{}
	m.Register("/topic/servers/srv-1/console", rec.handle)
	assert.Equal(t, StateConnecting, m.State())

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 0, states.count(StateConnected), "no connected signal after disconnect")
	assert.Equal(t, 0, broker.Connections())
	assert.Equal(t, 0, rec.len())
}

func TestManagerDisconnectIsIdempotent(t *testing.T) {
	broker := stomptest.NewBroker(t)
	m := newTestManager(t, broker)
	states := &stateRecorder{}
	m.OnStateChange(states.record)

	m.Connect()
	waitConnected(t, m)

	m.Disconnect()
	m.Disconnect()
	assert.Equal(t, 1, states.count(StateDisconnected))
	require.Eventually(t, func() bool { return broker.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestManagerNoDeliveryAfterDisconnect(t *testing.T) {
	broker := stomptest.NewBroker(t)
	m := newTestManager(t, broker)

	rec := &messageRecorder{}
	m.Connect()
	m.Register("/topic/servers/srv-1/console", rec.handle)
	waitSubscribed(t, broker, "/topic/servers/srv-1/console")

	m.Disconnect()
	broker.Publish("/topic/servers/srv-1/console", []byte(`"late"`))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.len())
}

func TestManagerLastUnregisterDisconnects(t *testing.T) {
	broker := stomptest.NewBroker(t)
	m := newTestManager(t, broker)

	first := m.Register("/topic/servers/srv-1/console", func(Message) {})
	second := m.Register("/topic/servers/srv-1/console", func(Message) {})
	waitSubscribed(t, broker, "/topic/servers/srv-1/console")

	m.Unregister(first)
	assert.True(t, m.Connected(), "topic still has a registration")
	assert.True(t, broker.Subscribed("/topic/servers/srv-1/console"))

	m.Unregister(second)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Empty(t, m.Topics())
	require.Eventually(t, func() bool { return broker.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestManagerUnsubscribesLastTopicWhenPinned(t *testing.T) {
	broker := stomptest.NewBroker(t)
	m := newTestManager(t, broker)
	m.Connect()

	keep := m.Register("/topic/servers/srv-1/status", func(Message) {})
	drop := m.Register("/topic/servers/srv-1/console", func(Message) {})
	waitSubscribed(t, broker, "/topic/servers/srv-1/console")
	waitSubscribed(t, broker, "/topic/servers/srv-1/status")

	m.Unregister(drop)
	require.Eventually(t, func() bool { return !broker.Subscribed("/topic/servers/srv-1/console") }, 2*time.Second, 10*time.Millisecond)

	m.Unregister(keep)
	assert.True(t, m.Connected(), "Connect pins the connection")
	assert.Empty(t, m.LiveSubscriptions())
}

func TestManagerRetriesRejectedConnect(t *testing.T) {
	broker := stomptest.NewBroker(t, stomptest.WithRejectConnect())
	m := newTestManager(t, broker)
	m.Connect()

	require.Eventually(t, func() bool { return broker.ConnectCount() >= 2 }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, m.Connected())

	broker.SetRejectConnect(false)
	waitConnected(t, m)
}

func TestManagerErrorFrameReconnects(t *testing.T) {
	broker := stomptest.NewBroker(t)
	m := newTestManager(t, broker)
	states := &stateRecorder{}
	m.OnStateChange(states.record)

	m.Register("/topic/servers/srv-1/status", func(Message) {})
	waitSubscribed(t, broker, "/topic/servers/srv-1/status")

	broker.SendError("boom")
	require.Eventually(t, func() bool { return states.count(StateDisconnected) >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return states.count(StateConnected) >= 2 }, 3*time.Second, 10*time.Millisecond)
	waitSubscribed(t, broker, "/topic/servers/srv-1/status")
}

func TestManagerSilentBrokerReconnects(t *testing.T) {
	// the broker promises heart-beats every 50ms and never sends any
	broker := stomptest.NewBroker(t, stomptest.WithHeartBeat("50,0"))
	cfg := newTestConfig(broker.URL)
	cfg.hbIn = 50 * time.Millisecond
	m := NewManager(cfg, NewWebSocketDialer(nil), testLogger(t))
	t.Cleanup(m.Disconnect)

	m.Connect()
	waitConnected(t, m)
	require.Eventually(t, func() bool { return broker.ConnectCount() >= 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestManagerSendRequiresConnection(t *testing.T) {
	m := newOfflineManager(t)

	err := m.Send(codec.Disconnect())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPublisherNotConnected(t *testing.T) {
	broker := stomptest.NewBroker(t)
	m := newTestManager(t, broker)
	p := NewPublisher(m, codec.DefaultDestinations, testLogger(t))

	outcome := p.Publish("srv-1", "say hi")
	assert.Equal(t, OutcomeNotConnected, outcome)
	assert.False(t, outcome.Sent())
	assert.Empty(t, broker.Sent())
}

func TestPublisherSendsCommand(t *testing.T) {
	broker := stomptest.NewBroker(t)
	m := newTestManager(t, broker)
	p := NewPublisher(m, codec.DefaultDestinations, testLogger(t))

	assert.Equal(t, OutcomeRejected, p.Publish("srv-1", "   "))

	m.Connect()
	waitConnected(t, m)
	require.Equal(t, OutcomeSent, p.Publish("srv-1", "say hi"))

	require.Eventually(t, func() bool { return len(broker.Sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	sent := broker.Sent()[0]
	assert.Equal(t, "/app/servers/srv-1/command", sent.Header.Get("destination"))
	assert.JSONEq(t, `{"command":"say hi"}`, string(sent.Body))
}

func TestReconnectPolicyDefault(t *testing.T) {
	assert.Equal(t, DefaultReconnectDelay, ReconnectPolicy{}.Next(1))
	assert.Equal(t, time.Second, ReconnectPolicy{Delay: time.Second}.Next(7))
}
