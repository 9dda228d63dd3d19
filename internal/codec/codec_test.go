package codec

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarunm/consolestream/internal/models"
)

func TestDestinations(t *testing.T) {
	d := DefaultDestinations

	assert.Equal(t, "/topic/servers/srv-1/console", d.Topic("srv-1", models.KindConsole))
	assert.Equal(t, "/topic/servers/srv-1/status", d.Topic("srv-1", models.KindStatus))
	assert.Equal(t, "/topic/servers/srv-1/metrics", d.Topic("srv-1", models.KindMetrics))
	assert.Equal(t, "/app/servers/srv-1/command", d.Command("srv-1"))

	id, kind, ok := d.ParseTopic("/topic/servers/srv-1/metrics")
	require.True(t, ok)
	assert.Equal(t, "srv-1", id)
	assert.Equal(t, models.KindMetrics, kind)

	for _, bad := range []string{"/app/servers/srv-1/console", "/topic/servers/srv-1/logs", "/topic/servers//console", "/topic/servers/console"} {
		_, _, ok := d.ParseTopic(bad)
		assert.False(t, ok, bad)
	}
}

func TestCommandFrameRoundTrip(t *testing.T) {
	f, err := Command(DefaultDestinations, "srv-1", "say hi")
	require.NoError(t, err)

	data, err := Marshal(f)
	require.NoError(t, err)

	parsed, err := Unmarshal(data)
	require.NoError(t, err)
	require.NotNil(t, parsed)

	assert.Equal(t, frame.SEND, parsed.Command)
	assert.Equal(t, "/app/servers/srv-1/command", parsed.Header.Get(frame.Destination))
	assert.Equal(t, ContentTypeJSON, parsed.Header.Get(frame.ContentType))

	var body map[string]string
	require.NoError(t, json.Unmarshal(parsed.Body, &body))
	assert.Equal(t, map[string]string{"command": "say hi"}, body)
}

func TestConnectFrame(t *testing.T) {
	f := Connect(ConnectOptions{
		Host:              "broker",
		Login:             "admin",
		Passcode:          "secret",
		HeartbeatOutgoing: 10 * time.Second,
		HeartbeatIncoming: 5 * time.Second,
	})

	assert.Equal(t, frame.CONNECT, f.Command)
	assert.Equal(t, "1.2", f.Header.Get(frame.AcceptVersion))
	assert.Equal(t, "broker", f.Header.Get(frame.Host))
	assert.Equal(t, "10000,5000", f.Header.Get(frame.HeartBeat))
	assert.Equal(t, "admin", f.Header.Get(frame.Login))
	assert.NotContains(t, Describe(f), "secret")

	anonymous := Connect(ConnectOptions{Host: "broker"})
	_, ok := anonymous.Header.Contains(frame.Login)
	assert.False(t, ok)
}

func TestUnmarshalHeartBeat(t *testing.T) {
	for _, data := range [][]byte{[]byte("\n"), []byte("\r\n"), []byte("\n\n")} {
		f, err := Unmarshal(data)
		assert.NoError(t, err)
		assert.Nil(t, f)
	}

	data, err := Marshal(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("\n"), data)
}

func TestUnmarshalGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("MESSAGE\nno-colon-header\n\nbody"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestNegotiateHeartBeat(t *testing.T) {
	tests := []struct {
		name        string
		cx, cy      time.Duration
		server      string
		wantSend    time.Duration
		wantReceive time.Duration
	}{
		{"both sides", 10 * time.Second, 10 * time.Second, "5000,20000", 20 * time.Second, 10 * time.Second},
		{"server disables", 10 * time.Second, 10 * time.Second, "0,0", 0, 0},
		{"client sends only", 10 * time.Second, 0, "10000,10000", 10 * time.Second, 0},
		{"no header", 10 * time.Second, 10 * time.Second, "", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send, receive, err := NegotiateHeartBeat(tt.cx, tt.cy, tt.server)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSend, send)
			assert.Equal(t, tt.wantReceive, receive)
		})
	}

	_, _, err := NegotiateHeartBeat(time.Second, time.Second, "soon")
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestDecodeConsole(t *testing.T) {
	now := time.Now()
	tests := []struct {
		body string
		want string
	}{
		{`"[Server] Done (3.2s)!"`, "[Server] Done (3.2s)!"},
		{`{"line":"joined the game","level":"INFO"}`, "joined the game"},
		{`{"message":"from message"}`, "from message"},
		{`{"level":"INFO", "count": 2}`, `{"level":"INFO","count":2}`},
		{`42`, `42`},
	}

	for _, tt := range tests {
		ev, err := DecodeEvent(models.KindConsole, "/topic/servers/a/console", []byte(tt.body), now)
		require.NoError(t, err, tt.body)
		assert.Equal(t, tt.want, ev.Line)
		assert.Equal(t, models.KindConsole, ev.Kind)
		assert.Equal(t, now, ev.ReceivedAt)
	}
}

func TestDecodeStatus(t *testing.T) {
	ev, err := DecodeEvent(models.KindStatus, "t", []byte(`{"status":"running"}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, ev.Status)

	for _, body := range []string{`{"status":"EXPLODED"}`, `{"state":"RUNNING"}`, `"RUNNING"`, `{"status":`, ``} {
		ev, err := DecodeEvent(models.KindStatus, "t", []byte(body), time.Now())
		assert.True(t, errors.Is(err, ErrMalformed), body)
		assert.Equal(t, models.Event{}, ev)
	}
}

func TestDecodeMetrics(t *testing.T) {
	received := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ev, err := DecodeEvent(models.KindMetrics, "t", []byte(`{"cpuUsage":12.5,"playerCount":3,"serverId":"srv-1","recordedAt":"2026-02-03T04:05:06Z"}`), received)
	require.NoError(t, err)
	require.NotNil(t, ev.Metrics)
	assert.Equal(t, 12.5, ev.Metrics.Values["cpuUsage"])
	assert.Equal(t, 3.0, ev.Metrics.Values["playerCount"])
	assert.NotContains(t, ev.Metrics.Values, "serverId")
	assert.Equal(t, time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC), ev.Metrics.SampledAt)

	ev, err = DecodeEvent(models.KindMetrics, "t", []byte(`{"tps":19.9,"timestamp":1767225600000}`), received)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1767225600000).UTC(), ev.Metrics.SampledAt)

	ev, err = DecodeEvent(models.KindMetrics, "t", []byte(`{"tps":20}`), received)
	require.NoError(t, err)
	assert.Equal(t, received, ev.Metrics.SampledAt)

	for _, body := range []string{`[1,2,3]`, `null`, `not json`} {
		_, err := DecodeEvent(models.KindMetrics, "t", []byte(body), received)
		assert.True(t, errors.Is(err, ErrMalformed), body)
	}
}
