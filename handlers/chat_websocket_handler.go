package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/limiter"
	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/models"
	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/services"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// 消息结构
type BroadcastMessage struct {
	Data      map[string]interface{} // 要广播的消息数据
	ExceptIDs map[string]bool        // 排除的客户端ID（不发送给这些客户端）
}

// 用户信息结构（用于在线列表）
type UserInfo struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// 聊天客户端 代表一个 WebSocket 连接的客户端
type ChatClient struct {
	ID       string                      // 客户端唯一标识（UUID）
	UserID   uint                        // 用户数据库ID
	Username string                      // 用户名
	Role     models.ParticipantRole      // join 时解析一次的角色
	Conn     *websocket.Conn             // WebSocket连接
	Room     *ChatRoom                   // 所属会话房间
	Send     chan map[string]interface{} // 发送消息队列（缓冲256条）
	ctx      context.Context
	cancel   context.CancelFunc
}

// ChatRoom 每个会话 id 对应一个逻辑房间，管理连接与消息分发
type ChatRoom struct {
	ConversationID uint
	Clients        map[string]*ChatClient
	mu             sync.RWMutex
	Broadcast      chan *BroadcastMessage
	Register       chan *ChatClient
	Unregister     chan *ChatClient
	ctx            context.Context
	cancel         context.CancelFunc
	redis          *redis.Client
}

// 房间管理器
type ChatRoomManager struct {
	rooms map[uint]*ChatRoom
	mu    sync.RWMutex
	redis *redis.Client
}

func NewChatRoomManager(redisClient *redis.Client) *ChatRoomManager {
	return &ChatRoomManager{
		rooms: make(map[uint]*ChatRoom),
		redis: redisClient,
	}
}

func (m *ChatRoomManager) GetOrCreateRoom(conversationID uint) *ChatRoom {
	m.mu.Lock()
	defer m.mu.Unlock()

	if room, exists := m.rooms[conversationID]; exists {
		return room
	}

	ctx, cancel := context.WithCancel(context.Background())
	room := &ChatRoom{
		ConversationID: conversationID,
		Clients:        make(map[string]*ChatClient),
		Broadcast:      make(chan *BroadcastMessage, 256),
		Register:       make(chan *ChatClient, 16),
		Unregister:     make(chan *ChatClient, 16),
		ctx:            ctx,
		cancel:         cancel,
		redis:          m.redis,
	}
	m.rooms[conversationID] = room

	go room.run()

	return room
}

// Broadcast 实现 services.Broadcaster：生命周期事件推给已连接成员。
// 房间不存在说明无人在线，事件直接丢弃。
func (m *ChatRoomManager) Broadcast(conversationID uint, event map[string]interface{}) {
	m.mu.RLock()
	room, exists := m.rooms[conversationID]
	m.mu.RUnlock()
	if !exists {
		return
	}
	select {
	case room.Broadcast <- &BroadcastMessage{Data: event}:
	default:
		log.Printf("Broadcast channel full for conversation %d, dropping event", conversationID)
	}
}

// 房间的核心消息分发循环
func (room *ChatRoom) run() {
	for {
		select {
		case <-room.ctx.Done():
			return

		case client := <-room.Register:
			room.mu.Lock()
			room.Clients[client.ID] = client
			room.mu.Unlock()

			// 添加用户到Redis在线列表
			room.addUserToRedis(client)

		case client := <-room.Unregister:
			room.mu.Lock()
			if _, ok := room.Clients[client.ID]; ok {
				delete(room.Clients, client.ID)
				close(client.Send)
			}
			room.mu.Unlock()

			// 从Redis在线列表移除用户
			room.removeUserFromRedis(client)

		case message := <-room.Broadcast:
			room.mu.RLock()
			clients := make([]*ChatClient, 0, len(room.Clients))
			for _, client := range room.Clients {
				clients = append(clients, client)
			}
			room.mu.RUnlock()

			for _, client := range clients {
				if message.ExceptIDs != nil && message.ExceptIDs[client.ID] {
					continue
				}

				select {
				case client.Send <- message.Data:
				default:
					log.Printf("Client %s send buffer full, disconnecting", client.ID)
					room.Unregister <- client
				}
			}
		}
	}
}

func (room *ChatRoom) onlineKey() string {
	return fmt.Sprintf("chat:room:%d:online_users", room.ConversationID)
}

// 添加用户到Redis在线列表
func (room *ChatRoom) addUserToRedis(client *ChatClient) {
	if room.redis == nil {
		return
	}
	ctx := context.Background()

	userInfo := UserInfo{
		UserID:   client.UserID,
		Username: client.Username,
		Role:     string(client.Role),
	}

	data, err := json.Marshal(userInfo)
	if err != nil {
		log.Printf("Failed to marshal user info: %v", err)
		return
	}

	// Hash存储，field为user_id，value为用户信息JSON
	field := fmt.Sprintf("%d", client.UserID)
	if err := room.redis.HSet(ctx, room.onlineKey(), field, data).Err(); err != nil {
		log.Printf("Failed to add user to Redis: %v", err)
		return
	}

	// 设置过期时间（24小时）
	room.redis.Expire(ctx, room.onlineKey(), 24*time.Hour)
}

// 从Redis在线列表移除用户
func (room *ChatRoom) removeUserFromRedis(client *ChatClient) {
	if room.redis == nil {
		return
	}
	ctx := context.Background()

	// 检查是否还有其他连接使用同一个user_id
	room.mu.RLock()
	hasOtherConnection := false
	for _, c := range room.Clients {
		if c.UserID == client.UserID && c.ID != client.ID {
			hasOtherConnection = true
			break
		}
	}
	room.mu.RUnlock()

	// 只有在没有其他连接时才从Redis删除
	if !hasOtherConnection {
		field := fmt.Sprintf("%d", client.UserID)
		if err := room.redis.HDel(ctx, room.onlineKey(), field).Err(); err != nil {
			log.Printf("Failed to remove user from Redis: %v", err)
		}
	}
}

// 从Redis获取房间当前在线用户列表
func (room *ChatRoom) GetOnlineUsersFromRedis() ([]UserInfo, error) {
	if room.redis == nil {
		return []UserInfo{}, nil
	}
	ctx := context.Background()

	result, err := room.redis.HGetAll(ctx, room.onlineKey()).Result()
	if err != nil {
		return nil, err
	}

	users := make([]UserInfo, 0, len(result))
	for _, data := range result {
		var userInfo UserInfo
		if err := json.Unmarshal([]byte(data), &userInfo); err != nil {
			log.Printf("Failed to unmarshal user info: %v", err)
			continue
		}
		users = append(users, userInfo)
	}

	return users, nil
}

type ChatWebSocketHandler struct {
	redis         *redis.Client
	roomManager   *ChatRoomManager
	conversations *services.ConversationService
	messages      *services.MessageService
	limiter       *limiter.Manager
}

func NewChatWebSocketHandler(redisClient *redis.Client, conversations *services.ConversationService, messages *services.MessageService, lim *limiter.Manager) *ChatWebSocketHandler {
	return &ChatWebSocketHandler{
		redis:         redisClient,
		roomManager:   NewChatRoomManager(redisClient),
		conversations: conversations,
		messages:      messages,
		limiter:       lim,
	}
}

// RoomManager 暴露给 server 装配阶段注入为 Broadcaster
func (h *ChatWebSocketHandler) RoomManager() *ChatRoomManager {
	return h.roomManager
}

// HandleWebSocket 房间准入：升级连接之前先由生命周期确认参与资格并记录加入时间。
// Join 与准入在同一请求内完成，非参与者或终态会话拿不到连接。
func (h *ChatWebSocketHandler) HandleWebSocket(c echo.Context) error {
	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid conversation ID"})
	}
	user := c.Get("user").(*models.User)

	role, err := h.conversations.Join(conversationID, user.ID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrConversationNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		case errors.Is(err, services.ErrNotParticipant):
			return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
		case errors.Is(err, services.ErrInvalidState):
			return c.JSON(http.StatusConflict, map[string]string{"error": "conversation is closed"})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to join conversation"})
		}
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &ChatClient{
		ID:       uuid.New().String(),
		UserID:   user.ID,
		Username: user.Username,
		Role:     role,
		Conn:     ws,
		Send:     make(chan map[string]interface{}, 256),
		ctx:      ctx,
		cancel:   cancel,
	}

	room := h.roomManager.GetOrCreateRoom(conversationID)
	client.Room = room

	// 注册到房间
	room.Register <- client

	// 发送初始化数据
	h.sendInitData(client, room)

	// 广播用户加入（通知其他用户）
	h.broadcastUserJoined(room, client)

	// 启动写入goroutine
	go h.writePump(client)

	// 当前goroutine处理读取
	h.readPump(client)

	return nil
}

// 读取客户端消息
func (h *ChatWebSocketHandler) readPump(client *ChatClient) {
	defer func() {
		client.cancel()
		client.Room.Unregister <- client
		client.Conn.Close()

		// 广播用户离开
		h.broadcastUserLeft(client.Room, client)
	}()

	client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg map[string]interface{}
		err := client.Conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		h.handleMessage(client, msg)
	}
}

// 向客户端写入消息
func (h *ChatWebSocketHandler) writePump(client *ChatClient) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case <-client.ctx.Done():
			return

		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Conn.WriteJSON(message); err != nil {
				log.Printf("WriteJSON error: %v", err)
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// 发送初始化数据（从Redis获取在线用户列表）
func (h *ChatWebSocketHandler) sendInitData(client *ChatClient, room *ChatRoom) {
	users, err := room.GetOnlineUsersFromRedis()
	if err != nil {
		log.Printf("Failed to get online users from Redis: %v", err)
		users = []UserInfo{}
	}

	initMsg := map[string]interface{}{
		"type": "init",
		"payload": map[string]interface{}{
			"users": users,
		},
	}

	client.Send <- initMsg
}

// 消息类型分发
func (h *ChatWebSocketHandler) handleMessage(client *ChatClient, msg map[string]interface{}) {
	msgType, ok := msg["type"].(string)
	if !ok {
		return
	}

	payload, _ := msg["payload"].(map[string]interface{})

	switch msgType {
	case "message":
		h.handleChatMessage(client, payload)
	case "read":
		h.handleRead(client, payload)
	case "typing":
		h.handleTyping(client, payload)
	}
}

// handleChatMessage 每条消息都重新走参与者与状态校验——
// 会话可能在连接存续期间被取消或结束，准入时的判定不可信。
func (h *ChatWebSocketHandler) handleChatMessage(client *ChatClient, payload map[string]interface{}) {
	content, ok := payload["content"].(string)
	if !ok || content == "" {
		return
	}
	mediaURL, _ := payload["media_url"].(string)

	// 单用户发送频率限制
	if h.limiter != nil {
		key := fmt.Sprintf("limiter:ws:send:%d", client.UserID)
		allowed, err := h.limiter.Allow(client.ctx, key, 30, 10*time.Second)
		if err == nil && !allowed {
			h.sendError(client, "too many messages")
			return
		}
	}

	message, err := h.messages.Send(client.Room.ConversationID, client.UserID, content, mediaURL)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidState):
			h.sendError(client, "conversation is not active")
		case errors.Is(err, services.ErrNotParticipant):
			h.sendError(client, "not a participant")
		default:
			log.Printf("Failed to persist message: %v", err)
			h.sendError(client, "failed to send message")
		}
		return
	}

	broadcastMsg := map[string]interface{}{
		"type": "receive_message",
		"payload": map[string]interface{}{
			"id":              message.ID,
			"conversation_id": message.ConversationID,
			"sender_id":       client.UserID,
			"username":        client.Username,
			"role":            string(client.Role),
			"content":         content,
			"media_url":       mediaURL,
			"message_type":    message.Type,
			"created_at":      message.CreatedAt,
		},
	}

	client.Room.Broadcast <- &BroadcastMessage{
		Data: broadcastMsg,
	}
}

// handleRead 已读回执。payload 带 message_id 时只标记单条，
// 否则标记整个会话；两种都广播给其他成员。
func (h *ChatWebSocketHandler) handleRead(client *ChatClient, payload map[string]interface{}) {
	if raw, ok := payload["message_id"].(float64); ok {
		messageID := uint(raw)
		if err := h.messages.MarkRead(messageID, client.UserID); err != nil {
			return
		}
		client.Room.Broadcast <- &BroadcastMessage{
			Data: map[string]interface{}{
				"type": "message_read",
				"payload": map[string]interface{}{
					"conversation_id": client.Room.ConversationID,
					"message_id":      messageID,
					"user_id":         client.UserID,
				},
			},
			ExceptIDs: map[string]bool{client.ID: true},
		}
		return
	}

	count, err := h.messages.MarkConversationRead(client.ctx, client.Room.ConversationID, client.UserID)
	if err != nil || count == 0 {
		return
	}

	client.Room.Broadcast <- &BroadcastMessage{
		Data: map[string]interface{}{
			"type": "user_read",
			"payload": map[string]interface{}{
				"conversation_id": client.Room.ConversationID,
				"user_id":         client.UserID,
				"count":           count,
			},
		},
		ExceptIDs: map[string]bool{client.ID: true},
	}
}

func (h *ChatWebSocketHandler) handleTyping(client *ChatClient, payload map[string]interface{}) {
	isTyping, ok := payload["is_typing"].(bool)
	if !ok {
		return
	}

	typingMsg := map[string]interface{}{
		"type": "typing",
		"payload": map[string]interface{}{
			"user_id":   client.UserID,
			"username":  client.Username,
			"is_typing": isTyping,
		},
	}

	client.Room.Broadcast <- &BroadcastMessage{
		Data:      typingMsg,
		ExceptIDs: map[string]bool{client.ID: true},
	}
}

func (h *ChatWebSocketHandler) sendError(client *ChatClient, reason string) {
	select {
	case client.Send <- map[string]interface{}{
		"type": "error",
		"payload": map[string]interface{}{
			"reason": reason,
		},
	}:
	default:
	}
}

// 广播用户加入
func (h *ChatWebSocketHandler) broadcastUserJoined(room *ChatRoom, client *ChatClient) {
	msg := map[string]interface{}{
		"type": "user_joined",
		"payload": map[string]interface{}{
			"user_id":  client.UserID,
			"username": client.Username,
			"role":     string(client.Role),
		},
	}

	room.Broadcast <- &BroadcastMessage{
		Data:      msg,
		ExceptIDs: map[string]bool{client.ID: true},
	}
}

// 广播用户离开
func (h *ChatWebSocketHandler) broadcastUserLeft(room *ChatRoom, client *ChatClient) {
	msg := map[string]interface{}{
		"type": "user_left",
		"payload": map[string]interface{}{
			"user_id":  client.UserID,
			"username": client.Username,
		},
	}

	room.Broadcast <- &BroadcastMessage{
		Data: msg,
	}
}

// HTTP接口：获取房间在线用户列表
func (h *ChatWebSocketHandler) GetOnlineUsers(c echo.Context) error {
	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid conversation ID"})
	}

	ctx := context.Background()
	key := fmt.Sprintf("chat:room:%d:online_users", conversationID)

	result, err := h.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to fetch online users",
		})
	}
	users := make([]UserInfo, 0, len(result))
	for _, data := range result {
		var userInfo UserInfo
		if err := json.Unmarshal([]byte(data), &userInfo); err != nil {
			log.Printf("Failed to unmarshal user info: %v", err)
			continue
		}
		users = append(users, userInfo)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversation_id": conversationID,
		"count":           len(users),
		"users":           users,
	})
}

func parseConversationID(c echo.Context) (uint, error) {
	id64, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(id64), nil
}
