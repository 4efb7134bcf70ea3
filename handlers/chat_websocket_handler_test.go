package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/config"
	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/models"
	appredis "github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/redis"
	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/services"
	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type wsTestEnv struct {
	db       *gorm.DB
	handler  *ChatWebSocketHandler
	customer *models.User
	seer     *models.User
	conv     *models.Conversation
}

func newWSTestEnv(t *testing.T) *wsTestEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrateAll(db))

	mr := miniredis.RunT(t)
	cache := appredis.NewUndoCache(&appredis.RedisClient{
		Client: goredis.NewClient(&goredis.Options{Addr: mr.Addr()}),
	})

	cfg := &config.SessionConfig{}
	cfg.ApplyDefaults()
	policy := services.NewVisibilityPolicy(cfg.RecallWindowMinutes)
	messages := services.NewMessageService(db, policy, cache, cfg)
	conversations := services.NewConversationService(db, cfg, services.NewBookingService(db), messages)
	handler := NewChatWebSocketHandler(nil, conversations, messages, nil)

	customer := &models.User{Email: "alice@example.com", Username: "alice", Type: "customer"}
	seer := &models.User{Email: "luna@example.com", Username: "luna", Type: "seer"}
	require.NoError(t, db.Create(customer).Error)
	require.NoError(t, db.Create(seer).Error)
	pkg := &models.ServicePackage{SeerID: seer.ID, Title: "塔罗 60 分钟", DurationMinutes: 60, Price: 99}
	require.NoError(t, db.Create(pkg).Error)
	booking := &models.Booking{
		CustomerID:    customer.ID,
		PackageID:     pkg.ID,
		Status:        models.BookingStatusConfirmed,
		ScheduledTime: time.Now().Add(-time.Minute),
	}
	require.NoError(t, db.Create(booking).Error)
	conv, err := conversations.CreateFromBooking(booking.ID)
	require.NoError(t, err)

	return &wsTestEnv{db: db, handler: handler, customer: customer, seer: seer, conv: conv}
}

// connect 直接向房间注册一个客户端，绕过网络层
func (env *wsTestEnv) connect(t *testing.T, user *models.User, clientID string) *ChatClient {
	t.Helper()
	room := env.handler.roomManager.GetOrCreateRoom(env.conv.ID)
	ctx, cancel := context.WithCancel(context.Background())
	client := &ChatClient{
		ID:       clientID,
		UserID:   user.ID,
		Username: user.Username,
		Room:     room,
		Send:     make(chan map[string]interface{}, 8),
		ctx:      ctx,
		cancel:   cancel,
	}
	room.Register <- client
	require.Eventually(t, func() bool {
		room.mu.RLock()
		defer room.mu.RUnlock()
		_, ok := room.Clients[clientID]
		return ok
	}, time.Second, 5*time.Millisecond)
	return client
}

func expectEvent(t *testing.T, client *ChatClient, eventType string) map[string]interface{} {
	t.Helper()
	select {
	case event := <-client.Send:
		require.Equal(t, eventType, event["type"])
		return event
	case <-time.After(time.Second):
		t.Fatalf("expected %s event, got none", eventType)
		return nil
	}
}

func expectSilence(t *testing.T, client *ChatClient) {
	t.Helper()
	select {
	case event := <-client.Send:
		t.Fatalf("unexpected event: %v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

// read 事件带 message_id：单条标记已读，回执广播给其他成员
func TestHandleReadSingleMessage(t *testing.T) {
	env := newWSTestEnv(t)
	msg, err := env.handler.messages.Send(env.conv.ID, env.seer.ID, "牌面已备好", "")
	require.NoError(t, err)

	reader := env.connect(t, env.customer, "reader")
	peer := env.connect(t, env.seer, "peer")

	env.handler.handleRead(reader, map[string]interface{}{"message_id": float64(msg.ID)})

	var loaded models.Message
	require.NoError(t, env.db.First(&loaded, msg.ID).Error)
	assert.True(t, loaded.IsRead)

	event := expectEvent(t, peer, "message_read")
	payload := event["payload"].(map[string]interface{})
	assert.Equal(t, msg.ID, payload["message_id"])
	assert.Equal(t, env.customer.ID, payload["user_id"])
	expectSilence(t, reader)
}

// read 事件不带 message_id：整会话标记已读
func TestHandleReadWholeConversation(t *testing.T) {
	env := newWSTestEnv(t)
	_, err := env.handler.messages.Send(env.conv.ID, env.seer.ID, "一", "")
	require.NoError(t, err)
	_, err = env.handler.messages.Send(env.conv.ID, env.seer.ID, "二", "")
	require.NoError(t, err)

	reader := env.connect(t, env.customer, "reader")
	peer := env.connect(t, env.seer, "peer")

	env.handler.handleRead(reader, nil)

	var unread int64
	require.NoError(t, env.db.Model(&models.Message{}).
		Where("conversation_id = ? AND is_read = ?", env.conv.ID, false).Count(&unread).Error)
	assert.EqualValues(t, 0, unread)

	event := expectEvent(t, peer, "user_read")
	payload := event["payload"].(map[string]interface{})
	assert.EqualValues(t, 3, payload["count"]) // 两条消息 + 系统宣告
	expectSilence(t, reader)
}
