package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedActiveConversation(t *testing.T, db *gorm.DB, conversations *ConversationService, f fixtures) *models.Conversation {
	t.Helper()
	booking := seedBooking(t, db, f, models.BookingStatusConfirmed, time.Now().Add(-time.Minute))
	conv, err := conversations.CreateFromBooking(booking.ID)
	require.NoError(t, err)
	require.Equal(t, models.ConversationStatusActive, conv.Status)
	return conv
}

func TestSendRules(t *testing.T) {
	db, conversations, messages, _ := newTestServices(t)
	f := seedUsers(t, db)
	conv := seedActiveConversation(t, db, conversations, f)

	msg, err := messages.Send(conv.ID, f.customer.ID, "你好", "")
	require.NoError(t, err)
	assert.Equal(t, models.MessageTypeUser, msg.Type)
	require.NotNil(t, msg.SenderID)
	assert.Equal(t, f.customer.ID, *msg.SenderID)

	stranger := &models.User{Email: "bob@example.com", Username: "bob", Type: "customer"}
	require.NoError(t, db.Create(stranger).Error)
	_, err = messages.Send(conv.ID, stranger.ID, "hi", "")
	assert.ErrorIs(t, err, ErrNotParticipant)

	require.NoError(t, conversations.End(conv.ID, f.customer.ID))
	_, err = messages.Send(conv.ID, f.customer.ID, "too late", "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestMarkReadRules(t *testing.T) {
	db, conversations, messages, _ := newTestServices(t)
	f := seedUsers(t, db)
	conv := seedActiveConversation(t, db, conversations, f)

	msg, err := messages.Send(conv.ID, f.seer.ID, "牌面已备好", "")
	require.NoError(t, err)

	// 自己发的消息不标记
	require.NoError(t, messages.MarkRead(msg.ID, f.seer.ID))
	var loaded models.Message
	require.NoError(t, db.First(&loaded, msg.ID).Error)
	assert.False(t, loaded.IsRead)

	require.NoError(t, messages.MarkRead(msg.ID, f.customer.ID))
	require.NoError(t, db.First(&loaded, msg.ID).Error)
	assert.True(t, loaded.IsRead)
	require.NotNil(t, loaded.ReadAt)
	firstReadAt := *loaded.ReadAt

	// 重复标记幂等，时间戳不动
	require.NoError(t, messages.MarkRead(msg.ID, f.customer.ID))
	require.NoError(t, db.First(&loaded, msg.ID).Error)
	assert.True(t, loaded.ReadAt.Equal(firstReadAt))

	assert.ErrorIs(t, messages.MarkRead(9999, f.customer.ID), ErrMessageNotFound)
}

func TestSoftDeleteUndoRoundTrip(t *testing.T) {
	db, conversations, messages, _ := newTestServices(t)
	ctx := context.Background()
	f := seedUsers(t, db)
	conv := seedActiveConversation(t, db, conversations, f)

	msg, err := messages.Send(conv.ID, f.seer.ID, "抽一张牌", "")
	require.NoError(t, err)

	require.NoError(t, messages.SoftDelete(ctx, conv.ID, f.customer.ID, []uint{msg.ID}))

	// 删除只对请求者生效
	visible, err := messages.GetVisible(conv.ID, f.customer.ID, 50, 0)
	require.NoError(t, err)
	assert.NotContains(t, messageIDs(visible), msg.ID)
	visible, err = messages.GetVisible(conv.ID, f.seer.ID, 50, 0)
	require.NoError(t, err)
	assert.Contains(t, messageIDs(visible), msg.ID)

	restored, err := messages.UndoDelete(ctx, conv.ID, f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{msg.ID}, restored)

	visible, err = messages.GetVisible(conv.ID, f.customer.ID, 50, 0)
	require.NoError(t, err)
	assert.Contains(t, messageIDs(visible), msg.ID)

	// 条目已消费，二次撤销失败
	_, err = messages.UndoDelete(ctx, conv.ID, f.customer.ID)
	assert.ErrorIs(t, err, ErrUndoExpired)
}

func TestSoftDeleteMergeRefreshesWindow(t *testing.T) {
	db, conversations, messages, mr := newTestServices(t)
	ctx := context.Background()
	f := seedUsers(t, db)
	conv := seedActiveConversation(t, db, conversations, f)

	a, err := messages.Send(conv.ID, f.seer.ID, "a", "")
	require.NoError(t, err)
	b, err := messages.Send(conv.ID, f.seer.ID, "b", "")
	require.NoError(t, err)
	c, err := messages.Send(conv.ID, f.seer.ID, "c", "")
	require.NoError(t, err)

	require.NoError(t, messages.SoftDelete(ctx, conv.ID, f.customer.ID, []uint{a.ID, b.ID}))
	mr.FastForward(20 * time.Second)

	// 窗口内追加删除：条目合并，TTL 重置回完整窗口
	require.NoError(t, messages.SoftDelete(ctx, conv.ID, f.customer.ID, []uint{c.ID}))
	remaining, err := messages.RemainingUndoTime(ctx, conv.ID, f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, remaining)

	mr.FastForward(20 * time.Second)
	restored, err := messages.UndoDelete(ctx, conv.ID, f.customer.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{a.ID, b.ID, c.ID}, restored)
}

func TestUndoDeleteExpires(t *testing.T) {
	db, conversations, messages, mr := newTestServices(t)
	ctx := context.Background()
	f := seedUsers(t, db)
	conv := seedActiveConversation(t, db, conversations, f)

	msg, err := messages.Send(conv.ID, f.seer.ID, "稍纵即逝", "")
	require.NoError(t, err)
	require.NoError(t, messages.SoftDelete(ctx, conv.ID, f.customer.ID, []uint{msg.ID}))

	mr.FastForward(31 * time.Second)

	_, err = messages.UndoDelete(ctx, conv.ID, f.customer.ID)
	assert.ErrorIs(t, err, ErrUndoExpired)

	// 窗口过后删除保持生效
	visible, err := messages.GetVisible(conv.ID, f.customer.ID, 50, 0)
	require.NoError(t, err)
	assert.NotContains(t, messageIDs(visible), msg.ID)

	remaining, err := messages.RemainingUndoTime(ctx, conv.ID, f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

// 首删优先：上个窗口已删除的消息再次出现在批量里时，
// 撤销不会把它恢复出来
func TestSoftDeleteFirstDeleteWins(t *testing.T) {
	db, conversations, messages, mr := newTestServices(t)
	ctx := context.Background()
	f := seedUsers(t, db)
	conv := seedActiveConversation(t, db, conversations, f)

	a, err := messages.Send(conv.ID, f.seer.ID, "a", "")
	require.NoError(t, err)
	b, err := messages.Send(conv.ID, f.seer.ID, "b", "")
	require.NoError(t, err)

	require.NoError(t, messages.SoftDelete(ctx, conv.ID, f.customer.ID, []uint{a.ID}))
	mr.FastForward(31 * time.Second) // 第一个窗口过期

	require.NoError(t, messages.SoftDelete(ctx, conv.ID, f.customer.ID, []uint{a.ID, b.ID}))
	restored, err := messages.UndoDelete(ctx, conv.ID, f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{b.ID}, restored)

	visible, err := messages.GetVisible(conv.ID, f.customer.ID, 50, 0)
	require.NoError(t, err)
	assert.NotContains(t, messageIDs(visible), a.ID)
	assert.Contains(t, messageIDs(visible), b.ID)
}

// 删除集合必须以 JSON 数组落库：双方删除同一条消息后原始列可反序列化，
// 且两边的撤销互不影响
func TestSoftDeletePersistsUserSetAsJSON(t *testing.T) {
	db, conversations, messages, _ := newTestServices(t)
	ctx := context.Background()
	f := seedUsers(t, db)
	conv := seedActiveConversation(t, db, conversations, f)

	msg, err := messages.Send(conv.ID, f.seer.ID, "只此一条", "")
	require.NoError(t, err)

	require.NoError(t, messages.SoftDelete(ctx, conv.ID, f.customer.ID, []uint{msg.ID}))
	require.NoError(t, messages.SoftDelete(ctx, conv.ID, f.seer.ID, []uint{msg.ID}))

	var raw string
	require.NoError(t, db.Raw("SELECT deleted_by_user_ids FROM messages WHERE id = ?", msg.ID).Scan(&raw).Error)
	var ids []uint
	require.NoError(t, json.Unmarshal([]byte(raw), &ids), "raw column must hold a JSON array, got %q", raw)
	assert.ElementsMatch(t, []uint{f.customer.ID, f.seer.ID}, ids)

	// 客户撤销只恢复客户的可见性
	restored, err := messages.UndoDelete(ctx, conv.ID, f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{msg.ID}, restored)

	visible, err := messages.GetVisible(conv.ID, f.customer.ID, 50, 0)
	require.NoError(t, err)
	assert.Contains(t, messageIDs(visible), msg.ID)
	visible, err = messages.GetVisible(conv.ID, f.seer.ID, 50, 0)
	require.NoError(t, err)
	assert.NotContains(t, messageIDs(visible), msg.ID)
}

// 撤回的消息不占分页名额；负 offset 收敛为 0
func TestGetVisiblePagingSkipsRecalled(t *testing.T) {
	db, conversations, messages, _ := newTestServices(t)
	f := seedUsers(t, db)
	conv := seedActiveConversation(t, db, conversations, f)

	m1, err := messages.Send(conv.ID, f.customer.ID, "一", "")
	require.NoError(t, err)
	m2, err := messages.Send(conv.ID, f.customer.ID, "二", "")
	require.NoError(t, err)
	m3, err := messages.Send(conv.ID, f.customer.ID, "三", "")
	require.NoError(t, err)
	require.NoError(t, messages.Recall(conv.ID, f.customer.ID, []uint{m3.ID}))

	visible, err := messages.GetVisible(conv.ID, f.seer.ID, 2, -3)
	require.NoError(t, err)
	require.Len(t, visible, 2)
	assert.Equal(t, m2.ID, visible[0].ID)
	assert.Equal(t, m1.ID, visible[1].ID)
}

func TestSoftDeleteRejectsForeignMessages(t *testing.T) {
	db, conversations, messages, _ := newTestServices(t)
	ctx := context.Background()
	f := seedUsers(t, db)
	conv := seedActiveConversation(t, db, conversations, f)
	other, err := conversations.CreateAdminConversation(f.admin, f.customer.ID, "hi")
	require.NoError(t, err)

	var foreign models.Message
	require.NoError(t, db.Where("conversation_id = ?", other.ID).First(&foreign).Error)

	err = messages.SoftDelete(ctx, conv.ID, f.customer.ID, []uint{foreign.ID})
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestRecallAllOrNothing(t *testing.T) {
	db, conversations, messages, _ := newTestServices(t)
	f := seedUsers(t, db)
	conv := seedActiveConversation(t, db, conversations, f)

	mine, err := messages.Send(conv.ID, f.customer.ID, "说错了", "")
	require.NoError(t, err)
	theirs, err := messages.Send(conv.ID, f.seer.ID, "无妨", "")
	require.NoError(t, err)

	err = messages.Recall(conv.ID, f.customer.ID, []uint{mine.ID, theirs.ID})
	assert.ErrorIs(t, err, ErrRecallNotSender)

	// 混合批量整批失败，自己那条也不撤回
	var loaded models.Message
	require.NoError(t, db.First(&loaded, mine.ID).Error)
	assert.False(t, loaded.IsRecalled)

	require.NoError(t, messages.Recall(conv.ID, f.customer.ID, []uint{mine.ID}))
	require.NoError(t, db.First(&loaded, mine.ID).Error)
	assert.True(t, loaded.IsRecalled)
	require.NotNil(t, loaded.RecalledBy)
	assert.Equal(t, f.customer.ID, *loaded.RecalledBy)

	// 撤回不可逆
	err = messages.Recall(conv.ID, f.customer.ID, []uint{mine.ID})
	assert.ErrorIs(t, err, ErrAlreadyRecalled)
}

func TestRecallWindowEnforced(t *testing.T) {
	db, conversations, messages, _ := newTestServices(t)
	f := seedUsers(t, db)
	conv := seedActiveConversation(t, db, conversations, f)

	msg, err := messages.Send(conv.ID, f.customer.ID, "旧消息", "")
	require.NoError(t, err)
	past := time.Now().Add(-16 * time.Minute)
	require.NoError(t, db.Model(&models.Message{}).Where("id = ?", msg.ID).
		Update("created_at", past).Error)

	err = messages.Recall(conv.ID, f.customer.ID, []uint{msg.ID})
	assert.ErrorIs(t, err, ErrRecallWindowPassed)
}

// 撤回对双方都不可见，且不受查看者的删除集合影响
func TestRecallDominatesVisibility(t *testing.T) {
	db, conversations, messages, _ := newTestServices(t)
	f := seedUsers(t, db)
	conv := seedActiveConversation(t, db, conversations, f)

	msg, err := messages.Send(conv.ID, f.customer.ID, "忘了这句", "")
	require.NoError(t, err)
	require.NoError(t, messages.Recall(conv.ID, f.customer.ID, []uint{msg.ID}))

	for _, viewer := range []uint{f.customer.ID, f.seer.ID} {
		visible, err := messages.GetVisible(conv.ID, viewer, 50, 0)
		require.NoError(t, err)
		assert.NotContains(t, messageIDs(visible), msg.ID)
	}
}

func TestMarkConversationReadUndo(t *testing.T) {
	db, conversations, messages, mr := newTestServices(t)
	ctx := context.Background()
	f := seedUsers(t, db)
	conv := seedActiveConversation(t, db, conversations, f)

	for _, content := range []string{"一", "二", "三"} {
		_, err := messages.Send(conv.ID, f.seer.ID, content, "")
		require.NoError(t, err)
	}
	mine, err := messages.Send(conv.ID, f.customer.ID, "收到", "")
	require.NoError(t, err)

	// 系统宣告消息也计入（sender 是占卜师）
	n, err := messages.MarkConversationRead(ctx, conv.ID, f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// 自己发的消息不动
	var loaded models.Message
	require.NoError(t, db.First(&loaded, mine.ID).Error)
	assert.False(t, loaded.IsRead)

	restored, err := messages.UndoMarkRead(ctx, f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, restored)

	var stillRead int64
	require.NoError(t, db.Model(&models.Message{}).
		Where("conversation_id = ? AND is_read = ?", conv.ID, true).Count(&stillRead).Error)
	assert.EqualValues(t, 0, stillRead)

	// 单次撤销
	_, err = messages.UndoMarkRead(ctx, f.customer.ID)
	assert.ErrorIs(t, err, ErrUndoExpired)

	// 窗口过期后同样失败
	n, err = messages.MarkConversationRead(ctx, conv.ID, f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	mr.FastForward(11 * time.Second)
	_, err = messages.UndoMarkRead(ctx, f.customer.ID)
	assert.ErrorIs(t, err, ErrUndoExpired)
}

func TestGetVisibleOrderAndPaging(t *testing.T) {
	db, conversations, messages, _ := newTestServices(t)
	f := seedUsers(t, db)
	conv := seedActiveConversation(t, db, conversations, f)

	var last *models.Message
	for _, content := range []string{"一", "二", "三"} {
		msg, err := messages.Send(conv.ID, f.customer.ID, content, "")
		require.NoError(t, err)
		last = msg
	}

	visible, err := messages.GetVisible(conv.ID, f.seer.ID, 2, 0)
	require.NoError(t, err)
	require.NotEmpty(t, visible)
	assert.Equal(t, last.ID, visible[0].ID) // 最新在前

	stranger := &models.User{Email: "bob@example.com", Username: "bob", Type: "customer"}
	require.NoError(t, db.Create(stranger).Error)
	_, err = messages.GetVisible(conv.ID, stranger.ID, 50, 0)
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func messageIDs(msgs []models.Message) []uint {
	ids := make([]uint, 0, len(msgs))
	for i := range msgs {
		ids = append(ids, msgs[i].ID)
	}
	return ids
}
