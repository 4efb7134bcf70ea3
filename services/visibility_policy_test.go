package services

import (
	"math/rand"
	"testing"
	"time"

	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/models"
	"github.com/stretchr/testify/assert"
)

func msgFrom(senderID uint, age time.Duration) *models.Message {
	sid := senderID
	return &models.Message{
		ID:        1,
		SenderID:  &sid,
		Type:      models.MessageTypeUser,
		CreatedAt: time.Now().Add(-age),
	}
}

func TestIsVisible(t *testing.T) {
	policy := NewVisibilityPolicy(15)

	m := msgFrom(1, time.Minute)
	assert.True(t, policy.IsVisible(m, 1))
	assert.True(t, policy.IsVisible(m, 2))

	m.DeletedByUserIDs = m.DeletedByUserIDs.Add(2)
	assert.True(t, policy.IsVisible(m, 1))
	assert.False(t, policy.IsVisible(m, 2))

	// 撤回优先于每用户删除
	m.IsRecalled = true
	assert.False(t, policy.IsVisible(m, 1))
	assert.False(t, policy.IsVisible(m, 2))
}

func TestCanRecall(t *testing.T) {
	policy := NewVisibilityPolicy(15)
	now := time.Now()

	tests := []struct {
		name      string
		msg       *models.Message
		requester uint
		wantErr   error
	}{
		{"own recent message", msgFrom(1, 5*time.Minute), 1, nil},
		{"not the sender", msgFrom(1, 5*time.Minute), 2, ErrRecallNotSender},
		{"window passed", msgFrom(1, 20*time.Minute), 1, ErrRecallWindowPassed},
		{"exactly at boundary", msgFrom(1, 15*time.Minute), 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.CanRecall(tt.msg, tt.requester, now)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	recalled := msgFrom(1, time.Minute)
	recalled.IsRecalled = true
	assert.ErrorIs(t, policy.CanRecall(recalled, 1, now), ErrAlreadyRecalled)
}

// 随机删除/撤回/恢复序列下可见性不变式必须始终成立：
// visible(M,V) == !recalled && V 不在删除集合中
func TestVisibilityInvariantRandomSequences(t *testing.T) {
	policy := NewVisibilityPolicy(15)
	rng := rand.New(rand.NewSource(42))
	viewers := []uint{1, 2, 3}

	for trial := 0; trial < 50; trial++ {
		m := msgFrom(1, time.Minute)
		deleted := map[uint]bool{}
		recalled := false

		for op := 0; op < 30; op++ {
			v := viewers[rng.Intn(len(viewers))]
			switch rng.Intn(3) {
			case 0: // 对我删除
				m.DeletedByUserIDs = m.DeletedByUserIDs.Add(v)
				deleted[v] = true
			case 1: // 撤销删除
				m.DeletedByUserIDs = m.DeletedByUserIDs.Remove(v)
				deleted[v] = false
			case 2: // 撤回（终态）
				m.IsRecalled = true
				recalled = true
			}

			for _, viewer := range viewers {
				want := !recalled && !deleted[viewer]
				assert.Equal(t, want, policy.IsVisible(m, viewer),
					"trial %d op %d viewer %d", trial, op, viewer)
			}
		}
	}
}
