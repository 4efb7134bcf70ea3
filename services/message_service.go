package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/config"
	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/models"
	"gorm.io/gorm"
)

var (
	ErrMessageNotFound = errors.New("message not found in this conversation")
	ErrUndoExpired     = errors.New("nothing to undo or undo window expired")
)

// UndoStore 外部 TTL 键值缓存契约（Redis 实现）
type UndoStore interface {
	Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Delete(ctx context.Context, key string) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// 删除撤销条目：记录受影响的消息与删除前的成员状态。
// first-delete-wins：同一消息的快照以首次删除时为准。
type deleteUndoEntry struct {
	MessageIDs   []uint        `json:"message_ids"`
	PriorDeleted map[uint]bool `json:"prior_deleted"`
}

type readUndoEntry struct {
	MessageIDs []uint `json:"message_ids"`
}

// MessageService 消息的创建与可变可见性（软删除、撤回、恢复）。
// 可见性规则由 VisibilityPolicy 判定；撤销条目经 UndoStore 自动过期。
type MessageService struct {
	db        *gorm.DB
	policy    VisibilityPolicy
	cache     UndoStore
	cfg       *config.SessionConfig
	undoLocks sync.Map // "convID:userID" -> *sync.Mutex，串行化撤销条目的读改写
}

func NewMessageService(db *gorm.DB, policy VisibilityPolicy, cache UndoStore, cfg *config.SessionConfig) *MessageService {
	return &MessageService{
		db:     db,
		policy: policy,
		cache:  cache,
		cfg:    cfg,
	}
}

func deleteUndoKey(conversationID, userID uint) string {
	return fmt.Sprintf("undo:delete:%d:%d", conversationID, userID)
}

func readUndoKey(userID uint) string {
	return fmt.Sprintf("undo:read:%d", userID)
}

func (s *MessageService) undoLockFor(conversationID, userID uint) *sync.Mutex {
	key := fmt.Sprintf("%d:%d", conversationID, userID)
	v, _ := s.undoLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// loadConversation 消息操作在每次调用时重新校验会话与参与者，
// 不缓存连接建立时的判定（会话可能中途被取消）。
func (s *MessageService) loadConversation(conversationID uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.Preload("Booking.Customer").Preload("Booking.Package").First(&conv, conversationID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}

func (s *MessageService) requireParticipant(conversationID, userID uint) (*models.Conversation, error) {
	conv, err := s.loadConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if _, ok := conv.RoleOf(userID); !ok {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

// Send 发送前提：发送者是参与者且会话处于 ACTIVE（等待/已结束/已取消均拒收）
func (s *MessageService) Send(conversationID, senderID uint, content, mediaURL string) (*models.Message, error) {
	conv, err := s.requireParticipant(conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if conv.Status != models.ConversationStatusActive {
		return nil, ErrInvalidState
	}

	msg := models.Message{
		ConversationID: conversationID,
		SenderID:       &senderID,
		Content:        content,
		MediaURL:       mediaURL,
		Type:           models.MessageTypeUser,
		CreatedAt:      time.Now(),
	}
	if err := s.db.Create(&msg).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// CreateSystem 系统消息不受 ACTIVE 限制（生命周期事件也要落消息）
func (s *MessageService) CreateSystem(conversationID uint, attributedTo *uint, content string) (*models.Message, error) {
	msg := models.Message{
		ConversationID: conversationID,
		SenderID:       attributedTo,
		Content:        content,
		Type:           models.MessageTypeSystem,
		CreatedAt:      time.Now(),
	}
	if err := s.db.Create(&msg).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetVisible 分页返回对查看者可见的消息，最新在前。
// 排序按创建时间，id 兜底保证确定性。
// 撤回在查询里过滤，不占分页名额；每用户删除集合在内存判定。
func (s *MessageService) GetVisible(conversationID, viewerID uint, limit, offset int) ([]models.Message, error) {
	if _, err := s.requireParticipant(conversationID, viewerID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var messages []models.Message
	err := s.db.Where("conversation_id = ? AND is_recalled = ?", conversationID, false).
		Order("created_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	visible := make([]models.Message, 0, len(messages))
	for i := range messages {
		if s.policy.IsVisible(&messages[i], viewerID) {
			visible = append(visible, messages[i])
		}
	}
	return visible, nil
}

// MarkRead 只标记他人发来的消息；已读消息幂等跳过
func (s *MessageService) MarkRead(messageID, viewerID uint) error {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMessageNotFound
		}
		return err
	}
	if _, err := s.requireParticipant(msg.ConversationID, viewerID); err != nil {
		return err
	}
	if msg.SentBy(viewerID) || msg.IsRead {
		return nil
	}
	now := time.Now()
	return s.db.Model(&models.Message{}).Where("id = ?", msg.ID).Updates(map[string]interface{}{
		"is_read": true,
		"read_at": &now,
	}).Error
}

// MarkConversationRead 全部标记已读，写入短窗口撤销条目（可撤销一次）
func (s *MessageService) MarkConversationRead(ctx context.Context, conversationID, viewerID uint) (int, error) {
	if _, err := s.requireParticipant(conversationID, viewerID); err != nil {
		return 0, err
	}
	var ids []uint
	err := s.db.Model(&models.Message{}).
		Where("conversation_id = ? AND is_read = ? AND (sender_id IS NULL OR sender_id <> ?)",
			conversationID, false, viewerID).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	now := time.Now()
	err = s.db.Model(&models.Message{}).Where("id IN ?", ids).Updates(map[string]interface{}{
		"is_read": true,
		"read_at": &now,
	}).Error
	if err != nil {
		return 0, err
	}
	entry := readUndoEntry{MessageIDs: ids}
	ttl := time.Duration(s.cfg.ReadUndoSeconds) * time.Second
	if err := s.cache.Put(ctx, readUndoKey(viewerID), entry, ttl); err != nil {
		// 撤销条目是建议性的，写失败只放弃撤销能力
		return len(ids), nil
	}
	return len(ids), nil
}

// UndoMarkRead 单次撤销全部已读
func (s *MessageService) UndoMarkRead(ctx context.Context, viewerID uint) (int, error) {
	var entry readUndoEntry
	found, err := s.cache.Get(ctx, readUndoKey(viewerID), &entry)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrUndoExpired
	}
	err = s.db.Model(&models.Message{}).Where("id IN ?", entry.MessageIDs).Updates(map[string]interface{}{
		"is_read": false,
		"read_at": nil,
	}).Error
	if err != nil {
		return 0, err
	}
	_ = s.cache.Delete(ctx, readUndoKey(viewerID))
	return len(entry.MessageIDs), nil
}

// SoftDelete 对我删除：幂等并集 + 撤销条目。
// 合并语义：窗口内再次删除时新 id 追加进同一条目，已有快照保留
// （恢复数据以首次删除为准），TTL 刷新为完整窗口。
// 同一 (会话,用户) 的条目读改写加锁，防止并发批量删除丢更新。
func (s *MessageService) SoftDelete(ctx context.Context, conversationID, requesterID uint, messageIDs []uint) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if _, err := s.requireParticipant(conversationID, requesterID); err != nil {
		return err
	}

	mu := s.undoLockFor(conversationID, requesterID)
	mu.Lock()
	defer mu.Unlock()

	messages, err := s.loadConversationMessages(conversationID, messageIDs)
	if err != nil {
		return err
	}

	key := deleteUndoKey(conversationID, requesterID)
	entry := deleteUndoEntry{PriorDeleted: map[uint]bool{}}
	if _, err := s.cache.Get(ctx, key, &entry); err != nil {
		return err
	}
	if entry.PriorDeleted == nil {
		entry.PriorDeleted = map[uint]bool{}
	}

	for i := range messages {
		msg := &messages[i]
		prior := msg.DeletedByUserIDs.Contains(requesterID)
		if _, seen := entry.PriorDeleted[msg.ID]; !seen {
			entry.PriorDeleted[msg.ID] = prior
			entry.MessageIDs = append(entry.MessageIDs, msg.ID)
		}
		if !prior {
			msg.DeletedByUserIDs = msg.DeletedByUserIDs.Add(requesterID)
			if err := s.saveDeletedSet(msg); err != nil {
				return err
			}
		}
	}

	ttl := time.Duration(s.cfg.DeleteUndoSeconds) * time.Second
	if err := s.cache.Put(ctx, key, entry, ttl); err != nil {
		// 删除已生效，条目写失败只放弃撤销能力
		return nil
	}
	return nil
}

// UndoDelete 恢复到删除前的可见性，消费条目——第二次调用失败
func (s *MessageService) UndoDelete(ctx context.Context, conversationID, requesterID uint) ([]uint, error) {
	mu := s.undoLockFor(conversationID, requesterID)
	mu.Lock()
	defer mu.Unlock()

	key := deleteUndoKey(conversationID, requesterID)
	var entry deleteUndoEntry
	found, err := s.cache.Get(ctx, key, &entry)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrUndoExpired
	}

	restored := make([]uint, 0, len(entry.MessageIDs))
	for _, id := range entry.MessageIDs {
		// 删除前已在集合中的消息保持原状
		if entry.PriorDeleted[id] {
			continue
		}
		var msg models.Message
		if err := s.db.First(&msg, id).Error; err != nil {
			continue
		}
		msg.DeletedByUserIDs = msg.DeletedByUserIDs.Remove(requesterID)
		if err := s.saveDeletedSet(&msg); err != nil {
			return nil, err
		}
		restored = append(restored, id)
	}
	_ = s.cache.Delete(ctx, key)
	return restored, nil
}

// saveDeletedSet 集合字段声明了 json serializer，列级 Update 不经过它，
// 必须以结构体写入
func (s *MessageService) saveDeletedSet(msg *models.Message) error {
	return s.db.Model(&models.Message{ID: msg.ID}).
		Select("deleted_by_user_ids").
		Updates(&models.Message{DeletedByUserIDs: msg.DeletedByUserIDs}).Error
}

// RemainingUndoTime 删除撤销窗口剩余秒数，无条目返回 0
func (s *MessageService) RemainingUndoTime(ctx context.Context, conversationID, requesterID uint) (int, error) {
	ttl, err := s.cache.TTL(ctx, deleteUndoKey(conversationID, requesterID))
	if err != nil {
		return 0, err
	}
	return int(ttl.Seconds()), nil
}

// Recall 对所有人删除：整批全有或全无，任何一条不满足前提则整批失败。
// 撤回不可逆，没有撤销路径。
func (s *MessageService) Recall(conversationID, requesterID uint, messageIDs []uint) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if _, err := s.requireParticipant(conversationID, requesterID); err != nil {
		return err
	}
	messages, err := s.loadConversationMessages(conversationID, messageIDs)
	if err != nil {
		return err
	}
	now := time.Now()
	for i := range messages {
		if err := s.policy.CanRecall(&messages[i], requesterID, now); err != nil {
			return err
		}
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Model(&models.Message{}).Where("id IN ?", messageIDs).Updates(map[string]interface{}{
			"is_recalled": true,
			"recalled_at": &now,
			"recalled_by": requesterID,
		}).Error
	})
}

// loadConversationMessages 批量操作要求所有 id 都属于该会话
func (s *MessageService) loadConversationMessages(conversationID uint, messageIDs []uint) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.Where("conversation_id = ? AND id IN ?", conversationID, messageIDs).Find(&messages).Error
	if err != nil {
		return nil, err
	}
	if len(messages) != len(dedupe(messageIDs)) {
		return nil, ErrMessageNotFound
	}
	return messages, nil
}

func dedupe(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
