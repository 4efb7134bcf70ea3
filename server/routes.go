package server

import (
	"github.com/labstack/echo/v4"
)

func (s *Server) SetupRoutes(authMiddleware, adminMiddleware, rateLimitMiddleware echo.MiddlewareFunc) {
	e := s.Echo
	api := e.Group("/api/v1")
	// Auth routes (unprotected)
	auth := api.Group("/auth")
	{
		auth.POST("/register", s.AuthHandler.Register)
		auth.POST("/login", s.AuthHandler.Login)
		auth.POST("/refresh", s.AuthHandler.RefreshToken)
	}
	// 需要认证
	protected := api.Group("")
	protected.Use(authMiddleware)
	{
		// User routes
		protected.GET("/user", s.AuthHandler.GetCurrentUser)
		// Conversation routes
		conversations := protected.Group("/conversations")
		{
			conversations.POST("/booking/:bookingId", s.ConversationHandler.CreateFromBooking) // 预约确认后创建会话
			conversations.POST("/admin", s.ConversationHandler.CreateAdminConversation)        // 管理员会话
			conversations.GET("", s.ConversationHandler.ListMyConversations)                   // 我参与的会话
			conversations.GET("/:id", s.ConversationHandler.GetConversation)                   // 单个会话
			conversations.POST("/:id/extend", s.ConversationHandler.Extend)                    // 延长会话
			conversations.POST("/:id/end", s.ConversationHandler.End)                          // 提前结束

			// Message routes
			conversations.GET("/:id/messages", s.MessageHandler.GetMessages)                    // 历史消息（可见过滤）
			conversations.POST("/:id/messages/read", s.MessageHandler.MarkConversationRead)     // 全部已读
			conversations.POST("/:id/messages/delete", s.MessageHandler.SoftDelete, rateLimitMiddleware) // 对我删除
			conversations.POST("/:id/messages/undo-delete", s.MessageHandler.UndoDelete)        // 撤销删除
			conversations.GET("/:id/messages/undo-remaining", s.MessageHandler.RemainingUndoTime)
			conversations.POST("/:id/messages/recall", s.MessageHandler.Recall, rateLimitMiddleware) // 对所有人删除

			conversations.GET("/:id/online-users", s.ChatWebSocketHandler.GetOnlineUsers) // 在线用户列表
			conversations.GET("/:id/ws", s.ChatWebSocketHandler.HandleWebSocket)          // 实时通道
		}
		protected.POST("/messages/undo-read", s.MessageHandler.UndoMarkRead) // 撤销全部已读

		admin := e.Group("/admin")
		admin.Use(authMiddleware, adminMiddleware)
		admin.GET("/conversations", s.ConversationHandler.ListByStatus) // 按状态查询会话
	}
}
