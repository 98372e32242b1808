package httpapi

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/videorelay-broker/internal/broker"
)

// fakeTranscoder writes an executable shell script standing in for the
// transcoder binary; it never connects out on its own, so tests act as
// the producer by dialing the leased port directly, the same technique
// the broker package's own pipeline tests use.
func fakeTranscoder(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-transcoder.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 5\n"), 0o755))
	return path
}

func newTestBroker(t *testing.T, portStart, portEnd int) *broker.Broker {
	t.Helper()
	cfg := broker.DefaultBrokerConfig()
	cfg.TranscoderBinary = fakeTranscoder(t)
	cfg.PortRangeStart = portStart
	cfg.PortRangeEnd = portEnd
	cfg.StartupProbeDelay = 20 * time.Millisecond

	b, err := broker.NewBroker(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(b.ShutdownAll)
	return b
}

func startChannel(t *testing.T, srv *httptest.Server, callerSourceID string) startResponse {
	t.Helper()
	body, err := json.Marshal(startRequest{
		CallerSourceID: callerSourceID,
		Host:           "10.0.0.9",
		Port:           554,
		ChannelNo:      1,
		StreamType:     1,
		Width:          640,
		Height:         360,
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/control/start", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out startResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestRouter_ControlStart_CreatesAndDedupsChannel(t *testing.T) {
	b := newTestBroker(t, 24000, 24010)
	srv := httptest.NewServer(NewRouter(b, nil, nil))
	t.Cleanup(srv.Close)

	first := startChannel(t, srv, "caller-a")
	require.NotEmpty(t, first.ChannelKey)
	require.False(t, first.Reused)

	second := startChannel(t, srv, "caller-b")
	require.True(t, second.Reused)
	require.Equal(t, first.ChannelKey, second.ChannelKey)
}

func TestRouter_ControlInspect_ReturnsSnapshot(t *testing.T) {
	b := newTestBroker(t, 24010, 24020)
	srv := httptest.NewServer(NewRouter(b, nil, nil))
	t.Cleanup(srv.Close)

	started := startChannel(t, srv, "caller-a")

	resp, err := http.Get(srv.URL + "/control/channels/" + started.ChannelKey)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap snapshotResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Equal(t, started.ChannelKey, snap.ChannelKey)
}

func TestRouter_ControlInspect_UnknownChannelReturns404(t *testing.T) {
	b := newTestBroker(t, 24020, 24030)
	srv := httptest.NewServer(NewRouter(b, nil, nil))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/control/channels/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_ControlStop_UnbindsWithoutTeardown(t *testing.T) {
	b := newTestBroker(t, 24030, 24040)
	srv := httptest.NewServer(NewRouter(b, nil, nil))
	t.Cleanup(srv.Close)

	started := startChannel(t, srv, "caller-a")

	body, err := json.Marshal(stopRequest{CallerSourceID: "caller-a"})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/control/stop", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	snap := b.Inspect(broker.ChannelKey(started.ChannelKey))
	require.NotNil(t, snap, "Stop must never tear down the channel itself")
}

func TestRouter_StreamEndpoint_BroadcastsProducerBytesToSubscriber(t *testing.T) {
	b := newTestBroker(t, 24040, 24050)
	srv := httptest.NewServer(NewRouter(b, nil, nil))
	t.Cleanup(srv.Close)

	started := startChannel(t, srv, "caller-a")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/streams/" + started.ChannelKey
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.Eventually(t, func() bool {
		snap := b.Inspect(broker.ChannelKey(started.ChannelKey))
		return snap != nil && snap.SubscriberCount == 1
	}, time.Second, 10*time.Millisecond, "attach must register the websocket subscriber")

	producer, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(started.LocalPort)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = producer.Close() })

	_, err = producer.Write([]byte("mpegts-payload"))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, payload, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)
	require.Equal(t, []byte("mpegts-payload"), payload)
}

func TestRouter_StreamEndpoint_UnknownChannelClosesConnection(t *testing.T) {
	b := newTestBroker(t, 24050, 24060)
	srv := httptest.NewServer(NewRouter(b, nil, nil))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/streams/does-not-exist"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, _, err = client.ReadMessage()
	require.Error(t, err, "attach rejection must close the connection")
}
