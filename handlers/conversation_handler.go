package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/models"
	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/services"
	"github.com/labstack/echo/v4"
)

type ConversationHandler struct {
	conversations *services.ConversationService
}

func NewConversationHandler(conversations *services.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

// CreateFromBooking 预约确认后创建会话（幂等）
func (h *ConversationHandler) CreateFromBooking(c echo.Context) error {
	bookingID64, err := strconv.ParseUint(c.Param("bookingId"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid booking ID"})
	}

	conv, err := h.conversations.CreateFromBooking(uint(bookingID64))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrBookingNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		case errors.Is(err, services.ErrBookingNotConfirmed):
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create conversation"})
		}
	}
	return c.JSON(http.StatusCreated, conv)
}

// CreateAdminConversation 管理员与目标用户的会话（幂等）
func (h *ConversationHandler) CreateAdminConversation(c echo.Context) error {
	user := c.Get("user").(*models.User)

	var req struct {
		TargetUserID   uint   `json:"target_user_id"`
		InitialMessage string `json:"initial_message"`
	}
	if err := c.Bind(&req); err != nil || req.TargetUserID == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	conv, err := h.conversations.CreateAdminConversation(user, req.TargetUserID, req.InitialMessage)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrAdminRequired):
			return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create conversation"})
		}
	}
	return c.JSON(http.StatusCreated, conv)
}

// GetConversation 获取单个会话（仅参与者）
func (h *ConversationHandler) GetConversation(c echo.Context) error {
	user := c.Get("user").(*models.User)
	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid conversation ID"})
	}

	conv, err := h.conversations.GetByID(conversationID)
	if err != nil {
		if errors.Is(err, services.ErrConversationNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to fetch conversation"})
	}
	if _, ok := conv.RoleOf(user.ID); !ok && !user.IsAdmin() {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "not a participant"})
	}
	return c.JSON(http.StatusOK, conv)
}

// ListMyConversations 当前用户参与的会话列表
func (h *ConversationHandler) ListMyConversations(c echo.Context) error {
	user := c.Get("user").(*models.User)
	convs, err := h.conversations.ListForUser(user.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to fetch conversations"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversations": convs,
		"total":         len(convs),
	})
}

// Extend 延长进行中的会话
func (h *ConversationHandler) Extend(c echo.Context) error {
	user := c.Get("user").(*models.User)
	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid conversation ID"})
	}

	var req struct {
		AdditionalMinutes int `json:"additional_minutes"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	conv, err := h.conversations.Extend(conversationID, user.ID, req.AdditionalMinutes)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrConversationNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		case errors.Is(err, services.ErrNotParticipant):
			return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
		case errors.Is(err, services.ErrInvalidState), errors.Is(err, services.ErrInvalidMinutes):
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to extend conversation"})
		}
	}
	return c.JSON(http.StatusOK, conv)
}

// End 手动提前结束会话
func (h *ConversationHandler) End(c echo.Context) error {
	user := c.Get("user").(*models.User)
	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid conversation ID"})
	}

	if err := h.conversations.End(conversationID, user.ID); err != nil {
		switch {
		case errors.Is(err, services.ErrConversationNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		case errors.Is(err, services.ErrNotParticipant):
			return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
		case errors.Is(err, services.ErrInvalidState):
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to end conversation"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "conversation ended"})
}

// ListByStatus 管理端按状态查询会话
func (h *ConversationHandler) ListByStatus(c echo.Context) error {
	status := c.QueryParam("status") // waiting, active, ended, cancelled
	convs, err := h.conversations.ListByStatus(status)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to fetch conversations"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversations": convs,
		"total":         len(convs),
	})
}
