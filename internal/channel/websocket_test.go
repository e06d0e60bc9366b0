package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/internal/config"
	"roomchat/internal/room"
)

func TestWebSocket_PostAndReceiveSnapshots(t *testing.T) {
	f := newWebFixture(t, config.WebAuth{})
	ws := NewWebSocketChannel(WSConfig{Rooms: f.rooms, Live: f.live, Logger: testLogger()})
	f.web.ws = ws

	rm, err := f.rooms.CreateRoom(context.Background(), room.CreateRoomInput{Title: "Socket", CreatedBy: "alice"})
	require.NoError(t, err)

	srv := httptest.NewServer(f.web.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?room=" + rm.ID + "&user=dave"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first WSMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "snapshot", first.Type)
	assert.Empty(t, first.Messages)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "message", Content: "over the wire"}))

	var next WSMessage
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, "snapshot", next.Type)
	require.Len(t, next.Messages, 1)
	assert.Equal(t, "over the wire", next.Messages[0].Text)
	assert.Equal(t, "dave", next.Messages[0].SenderID)
}

func TestWebSocket_RequiresRoomAndUser(t *testing.T) {
	f := newWebFixture(t, config.WebAuth{})
	ws := NewWebSocketChannel(WSConfig{Rooms: f.rooms, Live: f.live, Logger: testLogger()})

	rec := httptest.NewRecorder()
	ws.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?room=r1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	ws.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?room=missing&user=u", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://chat.example/ws", nil)

	req.Header.Set("Origin", "http://chat.example")
	assert.True(t, checkOrigin(nil)(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, checkOrigin(nil)(req))
	assert.True(t, checkOrigin([]string{"http://evil.example"})(req))
	assert.True(t, checkOrigin([]string{"*"})(req))
}
