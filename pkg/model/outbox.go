package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type OutboxKind string

const (
	OutboxEmail        OutboxKind = "email"
	OutboxNotification OutboxKind = "notification"
	OutboxStatusEvent  OutboxKind = "status_event"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxDead    OutboxStatus = "dead"
)

// OutboxMessage is a side-effect intent written in the same transaction as the order change.
type OutboxMessage struct {
	ID            string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OrderID       string         `gorm:"type:varchar(64);index" json:"order_id"`
	Kind          OutboxKind     `gorm:"type:varchar(32)" json:"kind"`
	Payload       datatypes.JSON `gorm:"type:json" json:"payload"`
	Status        OutboxStatus   `gorm:"type:varchar(16);index:idx_outbox_due,priority:1" json:"status"`
	Attempts      int32          `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt time.Time      `gorm:"index:idx_outbox_due,priority:2" json:"next_attempt_at"`
	LastError     string         `gorm:"type:text" json:"last_error"`
	CreatedAt     time.Time      `json:"created_at"`
	SentAt        *time.Time     `json:"sent_at"`
}

func (OutboxMessage) TableName() string {
	return "order_outbox"
}

func NewOutboxMessage(orderID string, kind OutboxKind, payload any, now time.Time) (*OutboxMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &OutboxMessage{
		ID:            uuid.New().String(),
		OrderID:       orderID,
		Kind:          kind,
		Payload:       datatypes.JSON(data),
		Status:        OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

func (m *OutboxMessage) Clone() *OutboxMessage {
	c := *m
	c.Payload = append(datatypes.JSON(nil), m.Payload...)
	if m.SentAt != nil {
		t := *m.SentAt
		c.SentAt = &t
	}
	return &c
}

type EmailKind string

const (
	EmailPaymentReceived EmailKind = "payment_received"
	EmailOrderShipped    EmailKind = "order_shipped"
	EmailTrackingUpdate  EmailKind = "tracking_update"
)

type ShippingAddress struct {
	FullName   string `json:"fullName,omitempty"`
	Address    string `json:"address"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

// EmailData is the template payload handed to the email sender.
type EmailData struct {
	OrderID         string           `json:"orderId"`
	CustomerName    string           `json:"customerName,omitempty"`
	Total           int64            `json:"total"`
	USDTAmount      string           `json:"usdtAmount,omitempty"`
	Items           []OrderItem      `json:"items,omitempty"`
	TrackingNumber  string           `json:"trackingNumber,omitempty"`
	ShippingAddress *ShippingAddress `json:"shippingAddress,omitempty"`
	Tracking        *TrackingEvent   `json:"tracking,omitempty"`
}

type EmailIntent struct {
	Kind EmailKind `json:"kind"`
	To   string    `json:"to"`
	Data EmailData `json:"data"`
}

// OrderStatusEvent is published downstream for every status change.
type OrderStatusEvent struct {
	OrderID    string      `json:"order_id"`
	UserID     string      `json:"user_id"`
	From       OrderStatus `json:"from"`
	To         OrderStatus `json:"to"`
	Version    int64       `json:"version"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// NotificationIntent is the outbox payload for an inbox notification. Unlike Notification it
// carries the dedupe key on the wire.
type NotificationIntent struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	OrderID   string           `json:"order_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Link      string           `json:"link"`
	DedupeKey string           `json:"dedupe_key"`
	CreatedAt time.Time        `json:"created_at"`
}

func (i NotificationIntent) Notification() *Notification {
	return &Notification{
		ID:        i.ID,
		UserID:    i.UserID,
		OrderID:   i.OrderID,
		Type:      i.Type,
		Title:     i.Title,
		Message:   i.Message,
		Link:      i.Link,
		DedupeKey: i.DedupeKey,
		CreatedAt: i.CreatedAt,
	}
}
