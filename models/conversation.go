package models

import "time"

const (
	ConversationKindBooking = "booking_session"
	ConversationKindAdmin   = "admin_chat"
	ConversationKindSupport = "support"
)

const (
	ConversationStatusWaiting   = "waiting"
	ConversationStatusActive    = "active"
	ConversationStatusEnded     = "ended"
	ConversationStatusCancelled = "cancelled"
)

const (
	CanceledByCustomer = "customer"
	CanceledBySeer     = "seer"
	CanceledByBoth     = "both"
)

// ParticipantRole 参与者角色，join 时解析一次，后续显式传递
type ParticipantRole string

const (
	RoleCustomer ParticipantRole = "customer"
	RoleSeer     ParticipantRole = "seer"
	RoleAdmin    ParticipantRole = "admin"
	RoleTarget   ParticipantRole = "target"
)

type Conversation struct {
	ID   uint   `json:"id" gorm:"primaryKey"`
	Kind string `json:"kind" gorm:"index"`
	// booking_session：绑定唯一一条预约
	BookingID *uint `json:"booking_id,omitempty" gorm:"uniqueIndex"`
	// admin_chat：管理员与目标用户，无结束时间
	AdminID      *uint `json:"admin_id,omitempty" gorm:"index"`
	TargetUserID *uint `json:"target_user_id,omitempty" gorm:"index"`

	Status                  string     `json:"status" gorm:"index;default:'waiting'"`
	SessionStartTime        *time.Time `json:"session_start_time"`
	SessionEndTime          *time.Time `json:"session_end_time"`
	DurationMinutes         int        `json:"duration_minutes"`
	ExtendedMinutes         int        `json:"extended_minutes"`
	WarningNotificationSent bool       `json:"warning_notification_sent"`
	CanceledBy              string     `json:"canceled_by,omitempty"`
	CustomerJoinedAt        *time.Time `json:"customer_joined_at"`
	SeerJoinedAt            *time.Time `json:"seer_joined_at"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`

	// 关联：会话独占其消息，级联删除
	Booking  *Booking  `json:"booking,omitempty" gorm:"foreignKey:BookingID"`
	Messages []Message `json:"-" gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

// IsTerminal 终态不再迁移
func (c *Conversation) IsTerminal() bool {
	return c.Status == ConversationStatusEnded || c.Status == ConversationStatusCancelled
}

// RoleOf 解析用户在会话中的角色。要求 booking_session 已预加载 Booking.Package。
func (c *Conversation) RoleOf(userID uint) (ParticipantRole, bool) {
	switch c.Kind {
	case ConversationKindBooking:
		if c.Booking == nil || c.Booking.Package == nil {
			return "", false
		}
		if c.Booking.CustomerID == userID {
			return RoleCustomer, true
		}
		if c.Booking.Package.SeerID == userID {
			return RoleSeer, true
		}
	case ConversationKindAdmin, ConversationKindSupport:
		if c.AdminID != nil && *c.AdminID == userID {
			return RoleAdmin, true
		}
		if c.TargetUserID != nil && *c.TargetUserID == userID {
			return RoleTarget, true
		}
	}
	return "", false
}

// JoinedAt 返回指定角色的加入时间指针（仅预约会话跟踪加入时间）
func (c *Conversation) JoinedAt(role ParticipantRole) *time.Time {
	switch role {
	case RoleCustomer:
		return c.CustomerJoinedAt
	case RoleSeer:
		return c.SeerJoinedAt
	}
	return nil
}
