package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dial(t *testing.T, m *Manager) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := m.HandleConnection(w, r, "signer@example.com")
		if err != nil {
			t.Logf("upgrade failed: %v", err)
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForConnections(t *testing.T, m *Manager, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return m.ConnectionCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestPublishReachesSubscribers(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	defer m.Close()

	all := dial(t, m)
	scoped := dial(t, m)
	waitForConnections(t, m, 2)

	require.NoError(t, scoped.WriteJSON(Message{Type: TypeSubscribe, BatchID: "batch-1"}))
	var ack Message
	require.NoError(t, scoped.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, scoped.ReadJSON(&ack))
	assert.Equal(t, TypeSubscribed, ack.Type)

	require.NoError(t, m.Publish(Message{Type: TypeBatchProgress, BatchID: "batch-2", Data: map[string]int{"completed": 1}}))
	require.NoError(t, m.Publish(Message{Type: TypeBatchProgress, BatchID: "batch-1", Data: map[string]int{"completed": 2}}))

	var got Message
	require.NoError(t, all.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, "batch-2", got.BatchID)
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, "batch-1", got.BatchID)

	// the scoped client only sees its batch
	require.NoError(t, scoped.ReadJSON(&got))
	assert.Equal(t, "batch-1", got.BatchID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestConnectionsUnregisterOnClose(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	defer m.Close()

	conn := dial(t, m)
	waitForConnections(t, m, 1)
	conn.Close()
	waitForConnections(t, m, 0)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://admin.example.com"})
	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/ws/batches", nil)

	req.Header.Set("Origin", "https://admin.example.com")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))
	req.Header.Set("Origin", "http://api.example.com")
	assert.True(t, check(req))
}

func TestPublishAfterClose(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	m.Close()
	m.Close()
	assert.Error(t, m.Publish(Message{Type: TypeBatchProgress}))
	assert.Equal(t, 0, m.ConnectionCount())
}
