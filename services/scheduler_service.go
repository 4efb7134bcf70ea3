package services

import (
	"container/heap"
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/config"
	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/models"
	"gorm.io/gorm"
)

type deadlineKind int

const (
	deadlineActivate deadlineKind = iota // WAITING -> ACTIVE
	deadlineLateness                     // 迟到检查
	deadlineWarning                      // 结束前提醒
	deadlineEnd                          // 自动结束
)

type deadlineItem struct {
	conversationID uint
	kind           deadlineKind
	at             time.Time
}

// 按截止时间排序的最小堆
type deadlineQueue []*deadlineItem

func (q deadlineQueue) Len() int            { return len(q) }
func (q deadlineQueue) Less(i, j int) bool  { return q[i].at.Before(q[j].at) }
func (q deadlineQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *deadlineQueue) Push(x interface{}) { *q = append(*q, x.(*deadlineItem)) }
func (q *deadlineQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// SchedulerService 按会话截止时间索引的触发器。
// 不全表轮询：每个会话的下一批截止时间入堆，到期弹出并分发到
// 生命周期的幂等入口。重复投递无害，入口自行判定是否已满足。
type SchedulerService struct {
	db        *gorm.DB
	lifecycle *ConversationService
	cfg       *config.SessionConfig
	tick      time.Duration

	mu    sync.Mutex
	queue deadlineQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSchedulerService(db *gorm.DB, lifecycle *ConversationService, cfg *config.SessionConfig) *SchedulerService {
	s := &SchedulerService{
		db:        db,
		lifecycle: lifecycle,
		cfg:       cfg,
		tick:      time.Duration(cfg.SchedulerTickSeconds) * time.Second,
	}
	heap.Init(&s.queue)
	return s
}

// Index 为会话（重）建截止时间索引。Extend 后重新调用即可让新窗口生效。
func (s *SchedulerService) Index(conv *models.Conversation) {
	if conv.IsTerminal() {
		return
	}
	items := s.deadlinesFor(conv)
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		heap.Push(&s.queue, item)
	}
}

func (s *SchedulerService) deadlinesFor(conv *models.Conversation) []*deadlineItem {
	// 管理员会话无结束时间、无时长上限，不参与时间驱动迁移
	if conv.Kind != models.ConversationKindBooking {
		return nil
	}
	var items []*deadlineItem
	if conv.SessionStartTime != nil {
		if conv.Status == models.ConversationStatusWaiting {
			items = append(items, &deadlineItem{conv.ID, deadlineActivate, *conv.SessionStartTime})
		}
		grace := time.Duration(s.cfg.JoinGraceMinutes) * time.Minute
		items = append(items, &deadlineItem{conv.ID, deadlineLateness, conv.SessionStartTime.Add(grace)})
	}
	if conv.SessionEndTime != nil {
		lead := time.Duration(s.cfg.WarningLeadMinutes) * time.Minute
		items = append(items, &deadlineItem{conv.ID, deadlineWarning, conv.SessionEndTime.Add(-lead)})
		items = append(items, &deadlineItem{conv.ID, deadlineEnd, *conv.SessionEndTime})
	}
	return items
}

// RebuildFromDB 启动时为所有非终态会话重建索引
func (s *SchedulerService) RebuildFromDB() error {
	var convs []models.Conversation
	err := s.db.Where("status IN ?", []string{
		models.ConversationStatusWaiting,
		models.ConversationStatusActive,
	}).Find(&convs).Error
	if err != nil {
		return err
	}
	for i := range convs {
		s.Index(&convs[i])
	}
	log.Printf("Scheduler indexed %d conversations", len(convs))
	return nil
}

func (s *SchedulerService) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	log.Printf("Scheduler started with tick %v", s.tick)
}

func (s *SchedulerService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	log.Println("Scheduler stopped")
}

func (s *SchedulerService) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runDue(time.Now())
		}
	}
}

// runDue 弹出所有到期项，锁外分发。
// 分发失败的项退避一个 tick 重新入堆：入口幂等，重复投递无害，
// 瞬时故障不能永久丢失一次状态迁移。会话已不存在的项直接丢弃。
func (s *SchedulerService) runDue(now time.Time) {
	var due []*deadlineItem
	s.mu.Lock()
	for s.queue.Len() > 0 && !s.queue[0].at.After(now) {
		due = append(due, heap.Pop(&s.queue).(*deadlineItem))
	}
	s.mu.Unlock()

	var retry []*deadlineItem
	for _, item := range due {
		err := s.dispatch(item)
		if err == nil {
			continue
		}
		log.Printf("Scheduler dispatch failed for conversation %d (kind %d): %v", item.conversationID, item.kind, err)
		if errors.Is(err, ErrConversationNotFound) {
			continue
		}
		item.at = now.Add(s.tick)
		retry = append(retry, item)
	}
	if len(retry) > 0 {
		s.mu.Lock()
		for _, item := range retry {
			heap.Push(&s.queue, item)
		}
		s.mu.Unlock()
	}
}

func (s *SchedulerService) dispatch(item *deadlineItem) error {
	switch item.kind {
	case deadlineActivate:
		return s.lifecycle.ActivateWaiting(item.conversationID)
	case deadlineLateness:
		return s.lifecycle.CheckLateness(item.conversationID)
	case deadlineWarning:
		return s.lifecycle.SendWarning(item.conversationID)
	case deadlineEnd:
		return s.lifecycle.AutoEnd(item.conversationID)
	}
	return nil
}
