package messages

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hoalng/chat-service/internal/model"
	registrystore "github.com/hoalng/chat-service/internal/registry/store"
	"github.com/hoalng/chat-service/internal/security"
	"github.com/hoalng/chat-service/internal/service"
)

// MountRoutes mounts message routes.
func MountRoutes(r *gin.Engine, history *service.History, messages *service.Messages, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/conversations/:conversationId/messages", func(c *gin.Context) {
		createMessage(c, messages)
	})
	g.GET("/conversations/:conversationId/messages", func(c *gin.Context) {
		listConversationMessages(c, history)
	})
	g.GET("/conversations/:conversationId/messages/unread-count", func(c *gin.Context) {
		unreadCount(c, history)
	})
	g.GET("/channels/:channelId/messages", func(c *gin.Context) {
		listChannelMessages(c, history)
	})
	g.GET("/messages/:messageId", func(c *gin.Context) {
		getMessage(c, history)
	})
	g.POST("/messages/:messageId/reacts", func(c *gin.Context) {
		react(c, messages)
	})
	g.DELETE("/messages/:messageId/reacts", func(c *gin.Context) {
		unreact(c, messages)
	})
	g.DELETE("/messages/:messageId/only-me", func(c *gin.Context) {
		deleteForMe(c, messages)
	})
	g.DELETE("/messages/:messageId", func(c *gin.Context) {
		recall(c, messages)
	})
}

type createMessageBody struct {
	ChannelID      *uuid.UUID                       `json:"channelId"`
	Content        string                           `json:"content"`
	Type           model.MessageType                `json:"type"`
	ReplyMessageID *uuid.UUID                       `json:"replyMessageId"`
	Tags           []uuid.UUID                      `json:"tags"`
	TagPositions   []model.TagPosition              `json:"tagPositions"`
	FileName       string                           `json:"fileName"`
	FileSize       int64                            `json:"fileSize"`
	Location       *model.Location                  `json:"location"`
	Poll           *registrystore.CreatePollRequest `json:"poll"`
}

func createMessage(c *gin.Context, messages *service.Messages) {
	userID := security.GetUserID(c)
	convID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
		return
	}

	var body createMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Type == "" {
		body.Type = model.TypeText
	}

	msg, err := messages.Create(c.Request.Context(), userID, service.CreateInput{
		ConversationID: convID,
		ChannelID:      body.ChannelID,
		Content:        body.Content,
		Type:           body.Type,
		ReplyMessageID: body.ReplyMessageID,
		Tags:           body.Tags,
		TagPositions:   body.TagPositions,
		FileName:       body.FileName,
		FileSize:       body.FileSize,
		Location:       body.Location,
		Poll:           body.Poll,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func listConversationMessages(c *gin.Context, history *service.History) {
	convID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
		return
	}
	listMessages(c, history, service.ListRequest{ConversationID: convID})
}

func listChannelMessages(c *gin.Context, history *service.History) {
	channelID, err := uuid.Parse(c.Param("channelId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "channel not found"})
		return
	}
	listMessages(c, history, service.ListRequest{ChannelID: &channelID})
}

func listMessages(c *gin.Context, history *service.History, req service.ListRequest) {
	req.UserID = security.GetUserID(c)
	req.Skip = queryInt(c, "skip", 0)
	req.Limit = queryInt(c, "limit", 0)

	if raw := c.Query("before"); raw != "" {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "before must be a unix millisecond timestamp"})
			return
		}
		before := time.UnixMilli(millis).UTC()
		req.Before = &before
	}

	msgs, err := history.List(c.Request.Context(), req)
	if err != nil {
		handleError(c, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"data": msgs})
}

func unreadCount(c *gin.Context, history *service.History) {
	userID := security.GetUserID(c)
	convID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
		return
	}
	millis, err := strconv.ParseInt(c.Query("since"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a unix millisecond timestamp"})
		return
	}

	count, err := history.UnreadCount(c.Request.Context(), userID, convID, time.UnixMilli(millis).UTC())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func getMessage(c *gin.Context, history *service.History) {
	userID := security.GetUserID(c)
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "message not found"})
		return
	}
	msg, err := history.Get(c.Request.Context(), userID, messageID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func react(c *gin.Context, messages *service.Messages) {
	userID := security.GetUserID(c)
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "message not found"})
		return
	}
	var body struct {
		Kind model.ReactKind `json:"kind"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := messages.React(c.Request.Context(), userID, messageID, body.Kind)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func unreact(c *gin.Context, messages *service.Messages) {
	userID := security.GetUserID(c)
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "message not found"})
		return
	}
	msg, err := messages.Unreact(c.Request.Context(), userID, messageID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func deleteForMe(c *gin.Context, messages *service.Messages) {
	userID := security.GetUserID(c)
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "message not found"})
		return
	}
	if err := messages.DeleteForMe(c.Request.Context(), userID, messageID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func recall(c *gin.Context, messages *service.Messages) {
	userID := security.GetUserID(c)
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "message not found"})
		return
	}
	msg, err := messages.Recall(c.Request.Context(), userID, messageID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError
	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
