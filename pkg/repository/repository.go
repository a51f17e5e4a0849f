package repository

import (
	"context"
	"time"

	"github.com/luxwatch/orderservice/pkg/model"
	"github.com/pkg/errors"
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrVersionConflict      = errors.New("order version conflict")
	ErrDuplicate            = errors.New("duplicate record")
	ErrNotificationNotFound = errors.New("notification not found")
)

// OrderChange lists the columns a lifecycle mutation may touch. Nil fields are left as is.
type OrderChange struct {
	Status          *model.OrderStatus
	PaymentStatus   *model.PaymentStatus
	TrackingNumber  *string
	TrackingHistory []model.TrackingEvent
	// UpdatedAt stamps the row; zero means the store's clock.
	UpdatedAt time.Time
}

func (c OrderChange) Empty() bool {
	return c.Status == nil && c.PaymentStatus == nil && c.TrackingNumber == nil && c.TrackingHistory == nil
}

func (c OrderChange) stamp() time.Time {
	if c.UpdatedAt.IsZero() {
		return time.Now()
	}
	return c.UpdatedAt
}

type OrderFilter struct {
	Status        model.OrderStatus
	CreatedBefore time.Time
	Limit         int
}

type ReviewFilter struct {
	OrderID string
	UserID  string
	Limit   int
}

type OrderRepo interface {
	CreateOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*model.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*model.Order, error)
	// ApplyOrderChange compare-and-swaps the order on expectedVersion and writes the
	// outbox messages in the same transaction.
	ApplyOrderChange(ctx context.Context, orderID string, expectedVersion int64, change OrderChange, outbox []*model.OutboxMessage) (*model.Order, error)
}

type NotificationRepo interface {
	InsertNotification(ctx context.Context, n *model.Notification) error
	ListNotificationsByUser(ctx context.Context, userID string, limit int) ([]*model.Notification, error)
	// MarkNotificationsRead marks the given ids read; an empty id list marks every notification of the user.
	MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int64, error)
}

type OutboxRepo interface {
	// ClaimDueOutbox leases up to limit pending messages due at now until leaseUntil.
	ClaimDueOutbox(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*model.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id string, sentAt time.Time) error
	MarkOutboxRetry(ctx context.Context, id string, attempts int32, nextAttemptAt time.Time, lastErr string) error
	MarkOutboxDead(ctx context.Context, id string, attempts int32, lastErr string) error
	InsertFailedDelivery(ctx context.Context, fd *model.FailedDelivery) error
}

type ReviewRepo interface {
	InsertReview(ctx context.Context, r *model.Review) error
	ListReviews(ctx context.Context, filter ReviewFilter) ([]*model.Review, error)
}

// Store is everything the service needs from persistence.
type Store interface {
	OrderRepo
	NotificationRepo
	OutboxRepo
	ReviewRepo
}
