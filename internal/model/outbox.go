package model

import (
	"encoding/json"
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// 事件类型，写入 payload 的 event 字段
const (
	EventTaskSubmitted     = "task.submitted"
	EventTaskCompleted     = "task.completed"
	EventTaskFailed        = "task.failed"
	EventLedgerOrphanDebit = "ledger.orphan_debit"
)

// OutboxMessage 本地消息表，与业务变更写在同一个事务里，由 OutboxSender 投递到 Kafka
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// OutboxEvent 投递到 Kafka 的消息体
type OutboxEvent struct {
	Event      string      `json:"event"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data"`
}

// NewOutboxMessage 构造一条待投递消息，key 决定 Kafka 分区
func NewOutboxMessage(topic, key, event string, data interface{}) (*OutboxMessage, error) {
	payload, err := json.Marshal(OutboxEvent{
		Event:      event,
		OccurredAt: time.Now(),
		Data:       data,
	})
	if err != nil {
		return nil, err
	}
	return &OutboxMessage{
		MessageKey: key,
		Topic:      topic,
		Payload:    string(payload),
		Status:     OutboxStatusPending,
	}, nil
}
