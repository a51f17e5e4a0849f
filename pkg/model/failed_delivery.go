package model

import "time"

// FailedDelivery 死信记录：重试耗尽的 outbox 消息或无法消费的入站事件
type FailedDelivery struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID      string    `gorm:"type:varchar(64);index" json:"order_id"`
	OutboxID     string    `gorm:"type:varchar(64)" json:"outbox_id"`
	Kind         string    `gorm:"type:varchar(32)" json:"kind"`
	OriginalJSON string    `gorm:"type:text" json:"original_json"`
	ErrorReason  string    `gorm:"type:varchar(255)" json:"error_reason"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (FailedDelivery) TableName() string {
	return "failed_deliveries"
}
