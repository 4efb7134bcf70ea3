package kafka

import (
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
)

// 通知类型
const (
	NotificationUserJoined     = "user_joined"
	NotificationSessionCancel  = "session_cancelled"
	NotificationSessionWarning = "session_warning"
	NotificationSessionEnded   = "session_ended"
)

type NotificationMessage struct {
	UserID         uint   `json:"user_id"`
	Kind           string `json:"kind"`
	ConversationID uint   `json:"conversation_id"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
}

// Notifier 外发通知，fire-and-forget：投递机制由下游负责
type Notifier struct {
	producer *Producer
}

func NewNotifier(producer *Producer) *Notifier {
	return &Notifier{producer: producer}
}

// Notify 发送失败只记日志，绝不回滚已发生的状态迁移
func (n *Notifier) Notify(userID uint, kind string, conversationID uint, content string) {
	msg := NotificationMessage{
		UserID:         userID,
		Kind:           kind,
		ConversationID: conversationID,
		Content:        content,
		Timestamp:      time.Now().Unix(),
	}
	// 按用户分区保证单用户通知有序
	key := fmt.Sprintf("user:%d", userID)
	if err := n.producer.Emit(key, msg); err != nil {
		log.Printf("Failed to emit notification %s for user %d: %v", kind, userID, err)
	}
}

type NotificationInterceptor struct{}

func (i *NotificationInterceptor) OnSend(msg *sarama.ProducerMessage) {
	msg.Headers = append(msg.Headers, sarama.RecordHeader{
		Key:   []byte("source"),
		Value: []byte("isu-chat"),
	})
}

func NewNotificationInterceptor() *NotificationInterceptor {
	return &NotificationInterceptor{}
}
