package kafka

import (
	"encoding/json"
	"log"

	"github.com/IBM/sarama"
)

// Producer 通知主题的同步生产者。主题在构造时固定：
// 会话引擎只外发一类事件，不做多主题路由。
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

func NewProducer(brokers []string, topic string, config *sarama.Config) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return &Producer{producer: producer, topic: topic}, nil
}

// Emit 按 key 分区写入通知主题，同 key 的事件保持有序
func (p *Producer) Emit(key string, value interface{}) error {
	jsonValue, err := json.Marshal(value)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(jsonValue),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return err
	}

	log.Printf("Notification %s delivered to partition %d at offset %d", key, partition, offset)
	return nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
