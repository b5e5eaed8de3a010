package polls

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	registrystore "github.com/hoalng/chat-service/internal/registry/store"
	"github.com/hoalng/chat-service/internal/security"
	"github.com/hoalng/chat-service/internal/service"
)

// MountRoutes mounts vote routes.
func MountRoutes(r *gin.Engine, polls *service.Polls, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/messages/:messageId/options", func(c *gin.Context) {
		addOption(c, polls)
	})
	g.DELETE("/messages/:messageId/options/:optionId", func(c *gin.Context) {
		removeOption(c, polls)
	})
	g.POST("/messages/:messageId/options/:optionId/select", func(c *gin.Context) {
		selectOption(c, polls)
	})
	g.DELETE("/messages/:messageId/options/:optionId/select", func(c *gin.Context) {
		deselectOption(c, polls)
	})
	g.POST("/messages/:messageId/lock", func(c *gin.Context) {
		lock(c, polls)
	})
}

func pathIDs(c *gin.Context) (messageID, optionID uuid.UUID, ok bool) {
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "message not found"})
		return uuid.Nil, uuid.Nil, false
	}
	if raw := c.Param("optionId"); raw != "" {
		optionID, err = uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "option not found"})
			return uuid.Nil, uuid.Nil, false
		}
	}
	return messageID, optionID, true
}

func addOption(c *gin.Context, polls *service.Polls) {
	userID := security.GetUserID(c)
	messageID, _, ok := pathIDs(c)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := polls.AddOption(c.Request.Context(), userID, messageID, body.Name)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func removeOption(c *gin.Context, polls *service.Polls) {
	userID := security.GetUserID(c)
	messageID, optionID, ok := pathIDs(c)
	if !ok {
		return
	}
	msg, err := polls.RemoveOption(c.Request.Context(), userID, messageID, optionID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func selectOption(c *gin.Context, polls *service.Polls) {
	userID := security.GetUserID(c)
	messageID, optionID, ok := pathIDs(c)
	if !ok {
		return
	}
	msg, err := polls.Select(c.Request.Context(), userID, messageID, optionID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func deselectOption(c *gin.Context, polls *service.Polls) {
	userID := security.GetUserID(c)
	messageID, optionID, ok := pathIDs(c)
	if !ok {
		return
	}
	msg, err := polls.Deselect(c.Request.Context(), userID, messageID, optionID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func lock(c *gin.Context, polls *service.Polls) {
	userID := security.GetUserID(c)
	messageID, _, ok := pathIDs(c)
	if !ok {
		return
	}
	msg, err := polls.Lock(c.Request.Context(), userID, messageID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
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
