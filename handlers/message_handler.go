package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/models"
	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/services"
	"github.com/labstack/echo/v4"
)

type MessageHandler struct {
	messages *services.MessageService
}

func NewMessageHandler(messages *services.MessageService) *MessageHandler {
	return &MessageHandler{messages: messages}
}

// GetMessages 获取对当前用户可见的历史消息（最新在前，offset 分页）
func (h *MessageHandler) GetMessages(c echo.Context) error {
	user := c.Get("user").(*models.User)
	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid conversation ID"})
	}

	limit := 50
	offset := 0
	if c.QueryParam("limit") != "" {
		fmt.Sscanf(c.QueryParam("limit"), "%d", &limit)
	}
	if c.QueryParam("offset") != "" {
		fmt.Sscanf(c.QueryParam("offset"), "%d", &offset)
	}

	messages, err := h.messages.GetVisible(conversationID, user.ID, limit, offset)
	if err != nil {
		return h.mapError(c, err, "failed to fetch messages")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversation_id": conversationID,
		"messages":        messages,
		"count":           len(messages),
	})
}

// MarkConversationRead 整会话标记已读，返回可撤销窗口
func (h *MessageHandler) MarkConversationRead(c echo.Context) error {
	user := c.Get("user").(*models.User)
	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid conversation ID"})
	}

	count, err := h.messages.MarkConversationRead(c.Request().Context(), conversationID, user.ID)
	if err != nil {
		return h.mapError(c, err, "failed to mark messages read")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"marked": count,
	})
}

// UndoMarkRead 撤销全部已读（单次，10秒窗口）
func (h *MessageHandler) UndoMarkRead(c echo.Context) error {
	user := c.Get("user").(*models.User)
	count, err := h.messages.UndoMarkRead(c.Request().Context(), user.ID)
	if err != nil {
		if errors.Is(err, services.ErrUndoExpired) {
			return c.JSON(http.StatusGone, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to undo"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"restored": count,
	})
}

// SoftDelete 对我删除（可批量，幂等并集）
func (h *MessageHandler) SoftDelete(c echo.Context) error {
	user := c.Get("user").(*models.User)
	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid conversation ID"})
	}

	var req struct {
		MessageIDs []uint `json:"message_ids"`
	}
	if err := c.Bind(&req); err != nil || len(req.MessageIDs) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	if err := h.messages.SoftDelete(c.Request().Context(), conversationID, user.ID, req.MessageIDs); err != nil {
		return h.mapError(c, err, "failed to delete messages")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"deleted": len(req.MessageIDs),
	})
}

// UndoDelete 撤销删除（单次，30秒窗口）
func (h *MessageHandler) UndoDelete(c echo.Context) error {
	user := c.Get("user").(*models.User)
	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid conversation ID"})
	}

	restored, err := h.messages.UndoDelete(c.Request().Context(), conversationID, user.ID)
	if err != nil {
		if errors.Is(err, services.ErrUndoExpired) {
			return c.JSON(http.StatusGone, map[string]string{"error": err.Error()})
		}
		return h.mapError(c, err, "failed to undo delete")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"restored": restored,
	})
}

// RemainingUndoTime 删除撤销窗口剩余秒数
func (h *MessageHandler) RemainingUndoTime(c echo.Context) error {
	user := c.Get("user").(*models.User)
	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid conversation ID"})
	}

	seconds, err := h.messages.RemainingUndoTime(c.Request().Context(), conversationID, user.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to fetch undo time"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"remaining_seconds": seconds,
	})
}

// Recall 对所有人删除：整批校验，失败原因可区分
func (h *MessageHandler) Recall(c echo.Context) error {
	user := c.Get("user").(*models.User)
	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid conversation ID"})
	}

	var req struct {
		MessageIDs []uint `json:"message_ids"`
	}
	if err := c.Bind(&req); err != nil || len(req.MessageIDs) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	if err := h.messages.Recall(conversationID, user.ID, req.MessageIDs); err != nil {
		switch {
		case errors.Is(err, services.ErrRecallNotSender):
			return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
		case errors.Is(err, services.ErrRecallWindowPassed), errors.Is(err, services.ErrAlreadyRecalled):
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			return h.mapError(c, err, "failed to recall messages")
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"recalled": len(req.MessageIDs),
	})
}

func (h *MessageHandler) mapError(c echo.Context, err error, fallback string) error {
	switch {
	case errors.Is(err, services.ErrConversationNotFound), errors.Is(err, services.ErrMessageNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, services.ErrNotParticipant):
		return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidState):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": fallback})
	}
}
