package repository

import (
	"context"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/luxwatch/orderservice/pkg/model"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type mysqlRepo struct {
	db *gorm.DB
}

func NewMysqlRepo(db *gorm.DB) Store {
	return &mysqlRepo{db: db}
}

// AutoMigrate creates or updates every table the service owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Order{},
		&model.Notification{},
		&model.OutboxMessage{},
		&model.FailedDelivery{},
		&model.Review{},
	)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}

// 幂等性检查
func isDuplicateError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		if mysqlErr.Number == 1062 {
			return true
		}
	}
	return false
}

// [Checkout] 新订单落库
func (r *mysqlRepo) CreateOrder(ctx context.Context, order *model.Order) error {
	err := r.db.WithContext(ctx).Create(order).Error
	if isDuplicateError(err) {
		return ErrDuplicate
	}
	return errors.Wrap(err, "insert order")
}

func (r *mysqlRepo) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	var order model.Order
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, errors.Wrapf(err, "get order %s", orderID)
	}
	return &order, nil
}

// [Account] 用户订单列表
func (r *mysqlRepo) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(clampLimit(limit)).
		Find(&orders).Error
	return orders, errors.Wrap(err, "list orders by user")
}

// [Admin / PaymentExpiryWorker]
func (r *mysqlRepo) ListOrders(ctx context.Context, filter OrderFilter) ([]*model.Order, error) {
	var orders []*model.Order
	q := r.db.WithContext(ctx)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if !filter.CreatedBefore.IsZero() {
		q = q.Where("created_at < ?", filter.CreatedBefore)
	}
	err := q.Order("created_at DESC").Limit(clampLimit(filter.Limit)).Find(&orders).Error
	return orders, errors.Wrap(err, "list orders")
}

// [Lifecycle] CAS 更新订单 + 写入 outbox，同一事务
func (r *mysqlRepo) ApplyOrderChange(ctx context.Context, orderID string, expectedVersion int64, change OrderChange, outbox []*model.OutboxMessage) (*model.Order, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. Update order guarded by version
		res := tx.Model(&model.Order{}).
			Where("order_id = ? AND version = ?", orderID, expectedVersion).
			Updates(changeColumns(change))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&model.Order{}).Where("order_id = ?", orderID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrOrderNotFound
			}
			return ErrVersionConflict
		}

		// 2. Insert outbox intents
		if len(outbox) > 0 {
			if err := tx.Create(&outbox).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "apply change to order %s", orderID)
	}
	return r.GetOrder(ctx, orderID)
}

func changeColumns(change OrderChange) map[string]interface{} {
	cols := map[string]interface{}{
		"version":    gorm.Expr("version + 1"),
		"updated_at": change.stamp(),
	}
	if change.Status != nil {
		cols["status"] = *change.Status
	}
	if change.PaymentStatus != nil {
		cols["payment_status"] = *change.PaymentStatus
	}
	if change.TrackingNumber != nil {
		cols["tracking_number"] = *change.TrackingNumber
	}
	if change.TrackingHistory != nil {
		cols["tracking_history"] = datatypes.JSONSlice[model.TrackingEvent](change.TrackingHistory)
	}
	return cols
}

// [OutboxRelay] 重复投递按成功处理
func (r *mysqlRepo) InsertNotification(ctx context.Context, n *model.Notification) error {
	err := r.db.WithContext(ctx).Create(n).Error
	if isDuplicateError(err) {
		return ErrDuplicate
	}
	return errors.Wrap(err, "insert notification")
}

func (r *mysqlRepo) ListNotificationsByUser(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	var list []*model.Notification
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(clampLimit(limit)).
		Find(&list).Error
	return list, errors.Wrap(err, "list notifications")
}

func (r *mysqlRepo) MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Notification{}).Where("user_id = ?", userID)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	res := q.Update("is_read", true)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "mark notifications read")
	}
	return res.RowsAffected, nil
}

// [OutboxRelay] 先查后抢占，next_attempt_at 作为租约
func (r *mysqlRepo) ClaimDueOutbox(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*model.OutboxMessage, error) {
	var candidates []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", model.OutboxPending, now).
		Order("next_attempt_at").
		Limit(clampLimit(limit)).
		Find(&candidates).Error
	if err != nil {
		return nil, errors.Wrap(err, "find due outbox")
	}

	claimed := make([]*model.OutboxMessage, 0, len(candidates))
	for _, m := range candidates {
		res := r.db.WithContext(ctx).Model(&model.OutboxMessage{}).
			Where("id = ? AND status = ? AND next_attempt_at = ?", m.ID, model.OutboxPending, m.NextAttemptAt).
			Update("next_attempt_at", leaseUntil)
		if res.Error != nil {
			return claimed, errors.Wrapf(res.Error, "claim outbox %s", m.ID)
		}
		if res.RowsAffected == 1 {
			m.NextAttemptAt = leaseUntil
			claimed = append(claimed, m)
		}
	}
	return claimed, nil
}

func (r *mysqlRepo) MarkOutboxSent(ctx context.Context, id string, sentAt time.Time) error {
	return r.db.WithContext(ctx).Model(&model.OutboxMessage{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": model.OutboxSent, "sent_at": sentAt, "last_error": ""}).Error
}

func (r *mysqlRepo) MarkOutboxRetry(ctx context.Context, id string, attempts int32, nextAttemptAt time.Time, lastErr string) error {
	return r.db.WithContext(ctx).Model(&model.OutboxMessage{}).Where("id = ?", id).
		Updates(map[string]interface{}{"attempts": attempts, "next_attempt_at": nextAttemptAt, "last_error": lastErr}).Error
}

func (r *mysqlRepo) MarkOutboxDead(ctx context.Context, id string, attempts int32, lastErr string) error {
	return r.db.WithContext(ctx).Model(&model.OutboxMessage{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": model.OutboxDead, "attempts": attempts, "last_error": lastErr}).Error
}

// [DLQ Consumer] 逐消息插入
func (r *mysqlRepo) InsertFailedDelivery(ctx context.Context, fd *model.FailedDelivery) error {
	return r.db.WithContext(ctx).Create(fd).Error
}

func (r *mysqlRepo) InsertReview(ctx context.Context, rv *model.Review) error {
	return errors.Wrap(r.db.WithContext(ctx).Create(rv).Error, "insert review")
}

func (r *mysqlRepo) ListReviews(ctx context.Context, filter ReviewFilter) ([]*model.Review, error) {
	var reviews []*model.Review
	q := r.db.WithContext(ctx)
	if filter.OrderID != "" {
		q = q.Where("order_id = ?", filter.OrderID)
	}
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	err := q.Order("created_at DESC").Limit(clampLimit(filter.Limit)).Find(&reviews).Error
	return reviews, errors.Wrap(err, "list reviews")
}
