package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hoalng/chat-service/internal/event"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub, conversationID uuid.UUID) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", func(c *gin.Context) {
		hub.HandleWS(c, conversationID)
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubEmitDeliversToSubscribers(t *testing.T) {
	hub := NewHub()
	convID := uuid.New()
	conn := dialHub(t, hub, convID)

	require.Eventually(t, func() bool {
		return hub.Subscribers(convID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sent := event.Payload{
		Kind:           event.KindReceiveMessage,
		ConversationID: convID,
		MessageID:      uuid.New(),
		ActorMemberID:  uuid.New(),
		Timestamp:      time.Now().UTC(),
	}
	hub.Emit(context.Background(), sent)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got event.Payload
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, event.KindReceiveMessage, got.Kind)
	require.Equal(t, sent.MessageID, got.MessageID)
}

func TestHubEmitScopesToConversation(t *testing.T) {
	hub := NewHub()
	convID := uuid.New()
	conn := dialHub(t, hub, convID)

	require.Eventually(t, func() bool {
		return hub.Subscribers(convID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Emit(context.Background(), event.Payload{
		Kind:           event.KindReceiveMessage,
		ConversationID: uuid.New(),
		MessageID:      uuid.New(),
	})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestHubEmitWithoutSubscribers(t *testing.T) {
	hub := NewHub()
	hub.Emit(context.Background(), event.Payload{
		Kind:           event.KindReceiveMessage,
		ConversationID: uuid.New(),
	})
	require.Equal(t, 0, hub.Subscribers(uuid.New()))
}

func TestHubSubscriberLeaves(t *testing.T) {
	hub := NewHub()
	convID := uuid.New()
	conn := dialHub(t, hub, convID)

	require.Eventually(t, func() bool {
		return hub.Subscribers(convID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return hub.Subscribers(convID) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
