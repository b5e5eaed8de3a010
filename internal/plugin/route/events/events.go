package events

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hoalng/chat-service/internal/event/ws"
	registrystore "github.com/hoalng/chat-service/internal/registry/store"
	"github.com/hoalng/chat-service/internal/security"
)

// MountRoutes mounts the realtime event subscription endpoint. Membership is
// verified before the connection is upgraded.
func MountRoutes(r *gin.Engine, hub *ws.Hub, store registrystore.MessageStore, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.GET("/conversations/:conversationId/events", func(c *gin.Context) {
		userID := security.GetUserID(c)
		convID, err := uuid.Parse(c.Param("conversationId"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
			return
		}

		if _, err := store.GetMemberByConversationAndUser(c.Request.Context(), convID, userID); err != nil {
			var nf *registrystore.NotFoundError
			if errors.As(err, &nf) {
				c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": "forbidden"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}

		hub.HandleWS(c, convID)
	})
}
