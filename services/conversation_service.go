package services

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/config"
	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/models"
	"gorm.io/gorm"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("user is not a participant of this conversation")
	ErrInvalidState         = errors.New("operation not allowed in current conversation state")
	ErrBookingNotConfirmed  = errors.New("booking is not confirmed")
	ErrAdminRequired        = errors.New("admin role required")
	ErrInvalidMinutes       = errors.New("additional minutes must be positive")
)

// Broadcaster 向会话房间推送事件（由 WebSocket 网关实现）
type Broadcaster interface {
	Broadcast(conversationID uint, event map[string]interface{})
}

// Notifier 外发通知，fire-and-forget
type Notifier interface {
	Notify(userID uint, kind string, conversationID uint, content string)
}

// DeadlineIndexer 调度器暴露的索引入口：会话创建/延长后重建其截止时间
type DeadlineIndexer interface {
	Index(conv *models.Conversation)
}

// ConversationService 会话状态机：创建、加入跟踪、时间驱动迁移、手动迁移。
// 同一会话上的所有状态迁移与加入时间写入经 per-id 锁串行化，
// 保证迁移决策基于一致的 status / joinedAt 读取。
type ConversationService struct {
	db          *gorm.DB
	cfg         *config.SessionConfig
	bookings    *BookingService
	messages    *MessageService
	broadcaster Broadcaster
	notifier    Notifier
	indexer     DeadlineIndexer
	locks       sync.Map // conversationID -> *sync.Mutex
}

func NewConversationService(db *gorm.DB, cfg *config.SessionConfig, bookings *BookingService, messages *MessageService) *ConversationService {
	return &ConversationService{
		db:       db,
		cfg:      cfg,
		bookings: bookings,
		messages: messages,
	}
}

// 网关、通知、调度器在 server 装配阶段注入，服务内部全部 nil 安全
func (s *ConversationService) SetBroadcaster(b Broadcaster)         { s.broadcaster = b }
func (s *ConversationService) SetNotifier(n Notifier)               { s.notifier = n }
func (s *ConversationService) SetDeadlineIndexer(i DeadlineIndexer) { s.indexer = i }

func (s *ConversationService) lockFor(id uint) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *ConversationService) broadcast(conversationID uint, event map[string]interface{}) {
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(conversationID, event)
	}
}

func (s *ConversationService) notify(userID uint, kind string, conversationID uint, content string) {
	if s.notifier != nil {
		s.notifier.Notify(userID, kind, conversationID, content)
	}
}

func (s *ConversationService) index(conv *models.Conversation) {
	if s.indexer != nil {
		s.indexer.Index(conv)
	}
}

// GetByID 带参与者解析所需的预加载
func (s *ConversationService) GetByID(id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.Preload("Booking.Customer").Preload("Booking.Package").First(&conv, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// CreateFromBooking 预约确认后创建会话。
// 幂等：同一预约已有会话时直接返回已有会话。
func (s *ConversationService) CreateFromBooking(bookingID uint) (*models.Conversation, error) {
	var existing models.Conversation
	err := s.db.Preload("Booking.Customer").Preload("Booking.Package").
		Where("booking_id = ?", bookingID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	booking, err := s.bookings.GetBooking(bookingID)
	if err != nil {
		return nil, err
	}
	if booking.Status != models.BookingStatusConfirmed {
		return nil, ErrBookingNotConfirmed
	}

	now := time.Now()
	status := models.ConversationStatusActive
	startTime := now
	// 预约时间严格在未来则先进入等待态
	if booking.ScheduledTime.After(now) {
		status = models.ConversationStatusWaiting
		startTime = booking.ScheduledTime
	}
	endTime := startTime.Add(time.Duration(booking.Package.DurationMinutes) * time.Minute)

	conv := models.Conversation{
		Kind:             models.ConversationKindBooking,
		BookingID:        &booking.ID,
		Status:           status,
		SessionStartTime: &startTime,
		SessionEndTime:   &endTime,
		DurationMinutes:  booking.Package.DurationMinutes,
	}
	if err := s.db.Create(&conv).Error; err != nil {
		// 与并发创建竞争时唯一索引兜底，回读已有会话
		var raced models.Conversation
		if qerr := s.db.Preload("Booking.Customer").Preload("Booking.Package").
			Where("booking_id = ?", bookingID).First(&raced).Error; qerr == nil {
			return &raced, nil
		}
		return nil, err
	}
	conv.Booking = booking

	// 系统消息宣告会话，归属于占卜师
	seerID := booking.Package.SeerID
	content := fmt.Sprintf("占卜会话已创建，时长 %d 分钟", booking.Package.DurationMinutes)
	if _, err := s.messages.CreateSystem(conv.ID, &seerID, content); err != nil {
		log.Printf("Failed to create session announcement for conversation %d: %v", conv.ID, err)
	}

	s.index(&conv)
	return &conv, nil
}

// CreateAdminConversation 管理员会话：立即激活，无结束时间，无时长上限。
// 幂等于 (admin, target) 对。
func (s *ConversationService) CreateAdminConversation(admin *models.User, targetUserID uint, initialMessage string) (*models.Conversation, error) {
	if !admin.IsAdmin() {
		return nil, ErrAdminRequired
	}

	var existing models.Conversation
	err := s.db.Where("kind = ? AND admin_id = ? AND target_user_id = ?",
		models.ConversationKindAdmin, admin.ID, targetUserID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	adminID := admin.ID
	conv := models.Conversation{
		Kind:         models.ConversationKindAdmin,
		AdminID:      &adminID,
		TargetUserID: &targetUserID,
		Status:       models.ConversationStatusActive,
	}
	if err := s.db.Create(&conv).Error; err != nil {
		return nil, err
	}

	if initialMessage != "" {
		if _, err := s.messages.Send(conv.ID, admin.ID, initialMessage, ""); err != nil {
			log.Printf("Failed to create initial admin message for conversation %d: %v", conv.ID, err)
		}
	}
	return &conv, nil
}

// Join 网关在房间准入前调用。
// 非参与者返回 ErrNotParticipant；终态会话拒绝准入。
// 加入时间先到先得：已置位的时间戳不会被重复加入重置。
func (s *ConversationService) Join(conversationID, userID uint) (models.ParticipantRole, error) {
	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := s.GetByID(conversationID)
	if err != nil {
		return "", err
	}
	role, ok := conv.RoleOf(userID)
	if !ok {
		return "", ErrNotParticipant
	}
	if conv.IsTerminal() {
		return "", ErrInvalidState
	}

	now := time.Now()
	updates := map[string]interface{}{}
	switch role {
	case models.RoleCustomer:
		if conv.CustomerJoinedAt == nil {
			conv.CustomerJoinedAt = &now
			updates["customer_joined_at"] = &now
		}
	case models.RoleSeer:
		if conv.SeerJoinedAt == nil {
			conv.SeerJoinedAt = &now
			updates["seer_joined_at"] = &now
		}
	}
	if len(updates) > 0 {
		if err := s.db.Model(&models.Conversation{}).Where("id = ?", conv.ID).Updates(updates).Error; err != nil {
			return "", err
		}
		// 通知对方参与者有人加入
		for _, pid := range s.participantIDs(conv) {
			if pid != userID {
				s.notify(pid, "user_joined", conv.ID, "对方已进入会话")
			}
		}
	}
	return role, nil
}

// CheckLateness 调度器触发，幂等。宽限期内任一方未加入则取消会话并回写预约状态。
func (s *ConversationService) CheckLateness(conversationID uint) error {
	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := s.GetByID(conversationID)
	if err != nil {
		return err
	}
	if conv.Kind != models.ConversationKindBooking || conv.IsTerminal() {
		return nil
	}
	if conv.SessionStartTime == nil {
		return nil
	}
	deadline := conv.SessionStartTime.Add(time.Duration(s.cfg.JoinGraceMinutes) * time.Minute)
	if time.Now().Before(deadline) {
		return nil
	}
	customerAbsent := conv.CustomerJoinedAt == nil
	seerAbsent := conv.SeerJoinedAt == nil
	if !customerAbsent && !seerAbsent {
		return nil
	}

	canceledBy := models.CanceledByBoth
	if customerAbsent && !seerAbsent {
		canceledBy = models.CanceledByCustomer
	} else if seerAbsent && !customerAbsent {
		canceledBy = models.CanceledBySeer
	}

	if err := s.transition(conv, models.ConversationStatusCancelled, map[string]interface{}{
		"canceled_by": canceledBy,
	}); err != nil {
		return err
	}
	conv.CanceledBy = canceledBy

	// 状态迁移是事实来源；预约状态传播失败只记日志，外部重试
	if conv.BookingID != nil {
		if err := s.bookings.SetBookingStatus(*conv.BookingID, models.BookingStatusCanceled); err != nil {
			log.Printf("Failed to propagate cancellation to booking %d: %v", *conv.BookingID, err)
		}
	}

	s.broadcast(conv.ID, map[string]interface{}{
		"type": "session_cancelled",
		"payload": map[string]interface{}{
			"conversation_id": conv.ID,
			"canceled_by":     canceledBy,
		},
	})
	for _, pid := range s.participantIDs(conv) {
		s.notify(pid, "session_cancelled", conv.ID, "会话因迟到未加入被取消")
	}
	return nil
}

// ActivateWaiting 到达开始时间时由调度器触发。仅 WAITING 合法，其余记日志跳过。
func (s *ConversationService) ActivateWaiting(conversationID uint) error {
	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := s.GetByID(conversationID)
	if err != nil {
		return err
	}
	if conv.Status != models.ConversationStatusWaiting {
		log.Printf("ActivateWaiting skipped for conversation %d in status %s", conv.ID, conv.Status)
		return nil
	}
	if err := s.transition(conv, models.ConversationStatusActive, nil); err != nil {
		return err
	}
	s.broadcast(conv.ID, map[string]interface{}{
		"type": "session_activated",
		"payload": map[string]interface{}{
			"conversation_id":  conv.ID,
			"session_end_time": conv.SessionEndTime,
		},
	})
	return nil
}

// SendWarning 接近结束时间时由调度器触发。
// warning_notification_sent 门闩保证单次会话窗口最多外发一次提醒。
func (s *ConversationService) SendWarning(conversationID uint) error {
	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := s.GetByID(conversationID)
	if err != nil {
		return err
	}
	if conv.Status != models.ConversationStatusActive || conv.WarningNotificationSent {
		return nil
	}
	// 延长会话后堆里可能残留旧的提醒截止项，未进入提醒窗口时跳过
	lead := time.Duration(s.cfg.WarningLeadMinutes) * time.Minute
	if conv.SessionEndTime == nil || time.Until(*conv.SessionEndTime) > lead {
		return nil
	}
	if err := s.db.Model(&models.Conversation{}).Where("id = ?", conv.ID).
		Update("warning_notification_sent", true).Error; err != nil {
		return err
	}
	conv.WarningNotificationSent = true

	s.broadcast(conv.ID, map[string]interface{}{
		"type": "session_warning",
		"payload": map[string]interface{}{
			"conversation_id":  conv.ID,
			"session_end_time": conv.SessionEndTime,
		},
	})
	content := fmt.Sprintf("会话将在 %d 分钟后结束", s.cfg.WarningLeadMinutes)
	for _, pid := range s.participantIDs(conv) {
		s.notify(pid, "session_warning", conv.ID, content)
	}
	return nil
}

// AutoEnd 到达结束时间时由调度器触发。仅 ACTIVE 合法；终态重复触发静默跳过，
// 调度器 at-least-once 投递不得产生重复副作用。
func (s *ConversationService) AutoEnd(conversationID uint) error {
	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := s.GetByID(conversationID)
	if err != nil {
		return err
	}
	if conv.Status != models.ConversationStatusActive {
		return nil
	}
	now := time.Now()
	// 延长后旧的结束截止项仍会触发，结束时间未到则跳过
	if conv.SessionEndTime != nil && conv.SessionEndTime.After(now) {
		return nil
	}
	updates := map[string]interface{}{}
	if conv.SessionEndTime == nil {
		updates["session_end_time"] = &now
		conv.SessionEndTime = &now
	}
	if err := s.transition(conv, models.ConversationStatusEnded, updates); err != nil {
		return err
	}
	s.completeBooking(conv)

	s.broadcast(conv.ID, map[string]interface{}{
		"type": "session_ended",
		"payload": map[string]interface{}{
			"conversation_id": conv.ID,
		},
	})
	for _, pid := range s.participantIDs(conv) {
		s.notify(pid, "session_ended", conv.ID, "会话已结束")
	}
	return nil
}

// Extend 手动延长，仅 ACTIVE 合法。重置提醒门闩，使延长后的窗口可以再次提醒。
func (s *ConversationService) Extend(conversationID, userID uint, additionalMinutes int) (*models.Conversation, error) {
	if additionalMinutes <= 0 {
		return nil, ErrInvalidMinutes
	}
	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := s.GetByID(conversationID)
	if err != nil {
		return nil, err
	}
	if _, ok := conv.RoleOf(userID); !ok {
		return nil, ErrNotParticipant
	}
	if conv.Status != models.ConversationStatusActive || conv.SessionEndTime == nil {
		return nil, ErrInvalidState
	}

	newEnd := conv.SessionEndTime.Add(time.Duration(additionalMinutes) * time.Minute)
	if err := s.db.Model(&models.Conversation{}).Where("id = ?", conv.ID).Updates(map[string]interface{}{
		"session_end_time":          &newEnd,
		"extended_minutes":          conv.ExtendedMinutes + additionalMinutes,
		"warning_notification_sent": false,
	}).Error; err != nil {
		return nil, err
	}
	conv.SessionEndTime = &newEnd
	conv.ExtendedMinutes += additionalMinutes
	conv.WarningNotificationSent = false

	s.index(conv)
	s.broadcast(conv.ID, map[string]interface{}{
		"type": "session_extended",
		"payload": map[string]interface{}{
			"conversation_id":    conv.ID,
			"additional_minutes": additionalMinutes,
			"session_end_time":   conv.SessionEndTime,
		},
	})
	return conv, nil
}

// End 手动提前结束，WAITING 或 ACTIVE 合法
func (s *ConversationService) End(conversationID, userID uint) error {
	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := s.GetByID(conversationID)
	if err != nil {
		return err
	}
	if _, ok := conv.RoleOf(userID); !ok {
		return ErrNotParticipant
	}
	if conv.Status != models.ConversationStatusActive && conv.Status != models.ConversationStatusWaiting {
		return ErrInvalidState
	}
	wasActive := conv.Status == models.ConversationStatusActive
	now := time.Now()
	if err := s.transition(conv, models.ConversationStatusEnded, map[string]interface{}{
		"session_end_time": &now,
	}); err != nil {
		return err
	}
	conv.SessionEndTime = &now
	if wasActive {
		s.completeBooking(conv)
	}

	s.broadcast(conv.ID, map[string]interface{}{
		"type": "session_ended",
		"payload": map[string]interface{}{
			"conversation_id": conv.ID,
			"ended_by":        userID,
		},
	})
	return nil
}

// ListForUser 当前用户参与的全部会话
func (s *ConversationService) ListForUser(userID uint) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.Preload("Booking.Customer").Preload("Booking.Package").
		Joins("LEFT JOIN bookings ON bookings.id = conversations.booking_id").
		Joins("LEFT JOIN service_packages ON service_packages.id = bookings.package_id").
		Where("bookings.customer_id = ? OR service_packages.seer_id = ? OR conversations.admin_id = ? OR conversations.target_user_id = ?",
			userID, userID, userID, userID).
		Order("conversations.updated_at DESC").
		Find(&convs).Error
	if err != nil {
		return nil, err
	}
	return convs, nil
}

// ListByStatus 管理端按状态查询会话列表
func (s *ConversationService) ListByStatus(status string) ([]models.Conversation, error) {
	var convs []models.Conversation
	query := s.db.Preload("Booking.Customer").Preload("Booking.Package").
		Order("updated_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&convs).Error; err != nil {
		return nil, err
	}
	return convs, nil
}

// transition 写入状态迁移。终态校验是最后防线，调用方已在锁内判定合法性。
func (s *ConversationService) transition(conv *models.Conversation, newStatus string, extra map[string]interface{}) error {
	if conv.IsTerminal() {
		log.Printf("Refusing transition %s -> %s for conversation %d", conv.Status, newStatus, conv.ID)
		return nil
	}
	updates := map[string]interface{}{"status": newStatus}
	for k, v := range extra {
		updates[k] = v
	}
	if err := s.db.Model(&models.Conversation{}).Where("id = ?", conv.ID).Updates(updates).Error; err != nil {
		return err
	}
	conv.Status = newStatus
	return nil
}

func (s *ConversationService) completeBooking(conv *models.Conversation) {
	if conv.BookingID == nil {
		return
	}
	if err := s.bookings.SetBookingStatus(*conv.BookingID, models.BookingStatusCompleted); err != nil {
		log.Printf("Failed to propagate completion to booking %d: %v", *conv.BookingID, err)
	}
}

func (s *ConversationService) participantIDs(conv *models.Conversation) []uint {
	var ids []uint
	switch conv.Kind {
	case models.ConversationKindBooking:
		if conv.Booking != nil {
			ids = append(ids, conv.Booking.CustomerID)
			if conv.Booking.Package != nil {
				ids = append(ids, conv.Booking.Package.SeerID)
			}
		}
	case models.ConversationKindAdmin, models.ConversationKindSupport:
		if conv.AdminID != nil {
			ids = append(ids, *conv.AdminID)
		}
		if conv.TargetUserID != nil {
			ids = append(ids, *conv.TargetUserID)
		}
	}
	return ids
}
