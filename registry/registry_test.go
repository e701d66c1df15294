package registry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- c
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	serverConn := <-serverConnCh
	return serverConn, clientConn, func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}
}

func TestRegisterUnregister(t *testing.T) {
	serverConn, _, cleanup := dialPair(t)
	defer cleanup()

	reg := New(20*time.Second, 30*time.Second)
	reg.Register("s1", serverConn)
	assert.Equal(t, 1, reg.Count())

	reg.Unregister("s1")
	assert.Equal(t, 0, reg.Count())

	// Unregistering twice is a no-op, not a panic.
	reg.Unregister("s1")
}

func TestPingEvictsStaleSession(t *testing.T) {
	serverConn, clientConn, cleanup := dialPair(t)
	defer cleanup()

	reg := New(20*time.Millisecond, 40*time.Millisecond)
	reg.Register("s1", serverConn)

	_, _, err := clientConn.ReadMessage()
	require.NoError(t, err, "should receive at least one ping before eviction")

	assert.Eventually(t, func() bool {
		return reg.Count() == 0
	}, time.Second, 10*time.Millisecond, "session missing pong past PONG_TIMEOUT must be evicted")
}

func TestBroadcastDeliversToAllSessions(t *testing.T) {
	serverConnA, clientConnA, cleanupA := dialPair(t)
	defer cleanupA()
	serverConnB, clientConnB, cleanupB := dialPair(t)
	defer cleanupB()

	reg := New(time.Hour, time.Hour)
	reg.Register("a", serverConnA)
	reg.Register("b", serverConnB)

	reg.Broadcast(map[string]string{"type": "queue_state"})

	_, rawA, err := clientConnA.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(rawA), "queue_state")

	_, rawB, err := clientConnB.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(rawB), "queue_state")
}
