package model

import "time"

type NotificationType string

const (
	NotificationPayment  NotificationType = "payment"
	NotificationShipping NotificationType = "shipping"
	NotificationTracking NotificationType = "tracking"
	NotificationDelivery NotificationType = "delivery"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotificationPayment, NotificationShipping, NotificationTracking, NotificationDelivery:
		return true
	}
	return false
}

type Notification struct {
	ID        string           `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID    string           `gorm:"type:varchar(64);uniqueIndex:idx_user_dedupe,priority:1;index:idx_user_created,priority:1" json:"user_id"`
	OrderID   string           `gorm:"type:varchar(64);index" json:"order_id"`
	Type      NotificationType `gorm:"type:varchar(16)" json:"type"`
	Title     string           `gorm:"type:varchar(255)" json:"title"`
	Message   string           `gorm:"type:text" json:"message"`
	Link      string           `gorm:"type:varchar(255)" json:"link"`
	Read      bool             `gorm:"column:is_read;not null;default:false" json:"read"`
	DedupeKey string           `gorm:"type:varchar(191);uniqueIndex:idx_user_dedupe,priority:2" json:"-"`
	CreatedAt time.Time        `gorm:"index:idx_user_created,priority:2" json:"created_at"`
}

func (Notification) TableName() string {
	return "notifications"
}
