package services

import (
	"errors"
	"time"

	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/models"
)

// 审核失败必须可区分："不是你的消息" / "超过撤回窗口" / "已撤回"
var (
	ErrRecallNotSender    = errors.New("cannot recall a message sent by someone else")
	ErrRecallWindowPassed = errors.New("recall window has passed")
	ErrAlreadyRecalled    = errors.New("message is already recalled")
)

// VisibilityPolicy 纯逻辑，无 I/O：给定消息与查看者判定可见性，
// 给定撤回请求判定合法性。
type VisibilityPolicy struct {
	RecallWindow time.Duration
}

func NewVisibilityPolicy(recallWindowMinutes int) VisibilityPolicy {
	return VisibilityPolicy{RecallWindow: time.Duration(recallWindowMinutes) * time.Minute}
}

// IsVisible 不变式：visible(M,V) == !M.IsRecalled && V ∉ M.DeletedByUserIDs
// 撤回优先于每用户删除。
func (p VisibilityPolicy) IsVisible(m *models.Message, viewerID uint) bool {
	if m.IsRecalled {
		return false
	}
	return !m.DeletedByUserIDs.Contains(viewerID)
}

// CanRecall 逐条校验撤回前提：仅发送者本人、在窗口内、未被撤回过
func (p VisibilityPolicy) CanRecall(m *models.Message, requesterID uint, now time.Time) error {
	if m.IsRecalled {
		return ErrAlreadyRecalled
	}
	if !m.SentBy(requesterID) {
		return ErrRecallNotSender
	}
	if now.Sub(m.CreatedAt) > p.RecallWindow {
		return ErrRecallWindowPassed
	}
	return nil
}
