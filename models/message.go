package models

import "time"

const (
	MessageTypeUser   = "user"
	MessageTypeSystem = "system"
)

// UserIDSet 以 JSON 序列化存储的用户 id 集合
type UserIDSet []uint

func (s UserIDSet) Contains(userID uint) bool {
	for _, id := range s {
		if id == userID {
			return true
		}
	}
	return false
}

// Add 幂等并集
func (s UserIDSet) Add(userID uint) UserIDSet {
	if s.Contains(userID) {
		return s
	}
	return append(s, userID)
}

func (s UserIDSet) Remove(userID uint) UserIDSet {
	out := make(UserIDSet, 0, len(s))
	for _, id := range s {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

type Message struct {
	ID             uint   `json:"id" gorm:"primaryKey"`
	ConversationID uint   `json:"conversation_id" gorm:"index:idx_messages_conv_created"`
	SenderID       *uint  `json:"sender_id"` // null 表示系统消息本体无发送者
	Content        string `json:"content" gorm:"type:text"`
	MediaURL       string `json:"media_url,omitempty"`
	Type           string `json:"type" gorm:"default:'user'"`

	// 审核状态：撤回一旦置位即永久
	IsRecalled bool       `json:"is_recalled"`
	RecalledAt *time.Time `json:"recalled_at,omitempty"`
	RecalledBy *uint      `json:"recalled_by,omitempty"`
	// 每用户"对我删除"集合
	DeletedByUserIDs UserIDSet `json:"-" gorm:"serializer:json;type:text"`

	IsRead    bool       `json:"is_read"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at" gorm:"index:idx_messages_conv_created"`
}

// IsSystem 系统消息
func (m *Message) IsSystem() bool {
	return m.Type == MessageTypeSystem
}

// SentBy 是否由该用户发送
func (m *Message) SentBy(userID uint) bool {
	return m.SenderID != nil && *m.SenderID == userID
}
