package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meridian-orchestrator/meridian/internal/common"
	"github.com/meridian-orchestrator/meridian/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(common.NewSilentLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	return hub, srv
}

func TestBroadcast_DeliversToConnectedClient(t *testing.T) {
	hub, srv := newTestHub(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	hub.Broadcast(models.JobEvent{Type: "job_started", RunID: "run-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event models.JobEvent
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, "job_started", event.Type)
	assert.Equal(t, "run-1", event.RunID)
	assert.False(t, event.Timestamp.IsZero(), "broadcast stamps the event time")
}

func TestBroadcast_NoClientsDoesNotBlock(t *testing.T) {
	hub, _ := newTestHub(t)

	for i := 0; i < 300; i++ {
		hub.Broadcast(models.JobEvent{Type: "job_started", RunID: "run-1"})
	}
	assert.Equal(t, 0, hub.ClientCount())
}
