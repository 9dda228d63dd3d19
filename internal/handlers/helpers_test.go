package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tarunm/consolestream/config"
	"github.com/tarunm/consolestream/internal/auth"
	"github.com/tarunm/consolestream/internal/codec"
	"github.com/tarunm/consolestream/internal/models"
	"github.com/tarunm/consolestream/internal/stomptest"
	"github.com/tarunm/consolestream/internal/stream"
	"go.uber.org/zap"
)

// testBridge is a bridge server wired to an in-process broker
type testBridge struct {
	URL     string
	WSURL   string
	Broker  *stomptest.Broker
	Manager *stream.Manager
	Hub     *stream.Hub
}

type bridgeOption func(*config.Config)

func withAuth(keys ...string) bridgeOption {
	return func(c *config.Config) {
		c.AuthEnabled = true
		c.APIKeys = keys
	}
}

func withCommandRate(perSec float64, burst int) bridgeOption {
	return func(c *config.Config) {
		c.CommandRate = perSec
		c.CommandBurst = burst
	}
}

func newTestBridge(t *testing.T, opts ...bridgeOption) *testBridge {
	t.Helper()

	broker := stomptest.NewBroker(t)
	cfg := &config.Config{
		Endpoint:         broker.URL,
		Host:             "localhost",
		ReconnectDelay:   50 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		WriteWait:        time.Second,
		SendQueue:        64,
		TopicPrefix:      "/topic",
		AppPrefix:        "/app",
		ConsoleCapacity:  500,
		MetricsHistory:   1,
		ViewerQueue:      100,
		ViewerPingPeriod: 30 * time.Second,
		ViewerPongWait:   60 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	logger := zap.NewNop()
	manager := stream.NewManager(cfg, stream.NewWebSocketDialer(nil), logger)
	publisher := stream.NewPublisher(manager, codec.DefaultDestinations, logger)
	hub := stream.NewHub(manager, publisher, stream.OptionsFromConfig(cfg), logger)
	validator := auth.NewAPIKeyValidator(cfg.APIKeys, cfg.AuthEnabled)
	limiter := NewCommandLimiter(cfg.CommandRate, cfg.CommandBurst)

	gin.SetMode(gin.TestMode)
	rest := NewRESTHandler(hub, limiter, logger)
	ws := NewWebSocketHandler(hub, cfg, validator, limiter, logger)
	router := NewRouter(rest, ws, validator, nil, logger)

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.CloseClientConnections()
		server.Close()
		rest.Close()
		hub.Close()
		manager.Disconnect()
	})

	return &testBridge{
		URL:     server.URL,
		WSURL:   "ws" + strings.TrimPrefix(server.URL, "http"),
		Broker:  broker,
		Manager: manager,
		Hub:     hub,
	}
}

func (b *testBridge) do(t *testing.T, method, path, apiKey string, body interface{}) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, b.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// dialViewer opens a viewer socket for serverID
func (b *testBridge) dialViewer(t *testing.T, serverID string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(b.WSURL+"/ws/servers/"+serverID, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads bridge messages until match returns true
func readUntil(t *testing.T, conn *websocket.Conn, match func(models.BridgeMessage) bool) models.BridgeMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var msg models.BridgeMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func ofType(typ string) func(models.BridgeMessage) bool {
	return func(m models.BridgeMessage) bool { return m.Type == typ }
}

func (b *testBridge) waitWatched(t *testing.T, serverID string) {
	t.Helper()
	dests := codec.DefaultDestinations
	for _, kind := range models.Kinds {
		topic := dests.Topic(serverID, kind)
		require.Eventually(t, func() bool { return b.Broker.Subscribed(topic) }, 3*time.Second, 10*time.Millisecond,
			"broker never saw SUBSCRIBE for %s", topic)
	}
}
