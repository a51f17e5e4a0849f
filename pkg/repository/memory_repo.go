package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/luxwatch/orderservice/pkg/model"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
)

// MemoryRepo keeps everything in process. Used by STORE_DRIVER=memory and by tests.
type MemoryRepo struct {
	mu            sync.Mutex
	orders        map[string]*model.Order
	notifications []*model.Notification
	dedupe        map[string]struct{}
	outbox        []*model.OutboxMessage
	failed        []*model.FailedDelivery
	reviews       []*model.Review
	faults        map[string]error
	nextFailedID  int64
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		orders: make(map[string]*model.Order),
		dedupe: make(map[string]struct{}),
		faults: make(map[string]error),
	}
}

// SetFault makes every call of op (method name) fail with err until cleared.
func (r *MemoryRepo) SetFault(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.faults, op)
		return
	}
	r.faults[op] = err
}

func (r *MemoryRepo) ClearFaults() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = make(map[string]error)
}

func (r *MemoryRepo) fault(op string) error {
	return r.faults[op]
}

func (r *MemoryRepo) CreateOrder(_ context.Context, order *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault("CreateOrder"); err != nil {
		return err
	}
	if _, ok := r.orders[order.OrderID]; ok {
		return ErrDuplicate
	}
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	if order.Version == 0 {
		order.Version = 1
	}
	r.orders[order.OrderID] = order.Clone()
	return nil
}

func (r *MemoryRepo) GetOrder(_ context.Context, orderID string) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault("GetOrder"); err != nil {
		return nil, err
	}
	o, ok := r.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (r *MemoryRepo) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*model.Order, error) {
	return r.listOrders(func(o *model.Order) bool { return o.UserID == userID }, limit)
}

func (r *MemoryRepo) ListOrders(_ context.Context, filter OrderFilter) ([]*model.Order, error) {
	return r.listOrders(func(o *model.Order) bool {
		if filter.Status != "" && o.Status != filter.Status {
			return false
		}
		if !filter.CreatedBefore.IsZero() && !o.CreatedAt.Before(filter.CreatedBefore) {
			return false
		}
		return true
	}, filter.Limit)
}

func (r *MemoryRepo) listOrders(match func(*model.Order) bool, limit int) ([]*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault("ListOrders"); err != nil {
		return nil, err
	}
	var out []*model.Order
	for _, o := range r.orders {
		if match(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if l := clampLimit(limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

func (r *MemoryRepo) ApplyOrderChange(_ context.Context, orderID string, expectedVersion int64, change OrderChange, outbox []*model.OutboxMessage) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault("ApplyOrderChange"); err != nil {
		return nil, errors.Wrapf(err, "apply change to order %s", orderID)
	}
	cur, ok := r.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if cur.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	next := cur.Clone()
	if change.Status != nil {
		next.Status = *change.Status
	}
	if change.PaymentStatus != nil {
		next.PaymentStatus = *change.PaymentStatus
	}
	if change.TrackingNumber != nil {
		tn := *change.TrackingNumber
		next.TrackingNumber = &tn
	}
	if change.TrackingHistory != nil {
		next.TrackingHistory = append(datatypes.JSONSlice[model.TrackingEvent]{}, change.TrackingHistory...)
	}
	next.Version++
	next.UpdatedAt = change.stamp()

	r.orders[orderID] = next
	for _, m := range outbox {
		r.outbox = append(r.outbox, m.Clone())
	}
	return next.Clone(), nil
}

func (r *MemoryRepo) InsertNotification(_ context.Context, n *model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault("InsertNotification"); err != nil {
		return err
	}
	if n.DedupeKey != "" {
		key := n.UserID + "|" + n.DedupeKey
		if _, ok := r.dedupe[key]; ok {
			return ErrDuplicate
		}
		r.dedupe[key] = struct{}{}
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	c := *n
	r.notifications = append(r.notifications, &c)
	return nil
}

func (r *MemoryRepo) ListNotificationsByUser(_ context.Context, userID string, limit int) ([]*model.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault("ListNotificationsByUser"); err != nil {
		return nil, err
	}
	var out []*model.Notification
	for i := len(r.notifications) - 1; i >= 0; i-- {
		n := r.notifications[i]
		if n.UserID == userID {
			c := *n
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if l := clampLimit(limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

func (r *MemoryRepo) MarkNotificationsRead(_ context.Context, userID string, ids []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault("MarkNotificationsRead"); err != nil {
		return 0, err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var n int64
	for _, x := range r.notifications {
		if x.UserID != userID || x.Read {
			continue
		}
		if len(ids) > 0 && !want[x.ID] {
			continue
		}
		x.Read = true
		n++
	}
	return n, nil
}

func (r *MemoryRepo) ClaimDueOutbox(_ context.Context, now, leaseUntil time.Time, limit int) ([]*model.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault("ClaimDueOutbox"); err != nil {
		return nil, err
	}
	var out []*model.OutboxMessage
	l := clampLimit(limit)
	for _, m := range r.outbox {
		if len(out) >= l {
			break
		}
		if m.Status != model.OutboxPending || m.NextAttemptAt.After(now) {
			continue
		}
		m.NextAttemptAt = leaseUntil
		out = append(out, m.Clone())
	}
	return out, nil
}

func (r *MemoryRepo) findOutbox(id string) (*model.OutboxMessage, error) {
	for _, m := range r.outbox {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, errors.Errorf("outbox message %s not found", id)
}

func (r *MemoryRepo) MarkOutboxSent(_ context.Context, id string, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault("MarkOutboxSent"); err != nil {
		return err
	}
	m, err := r.findOutbox(id)
	if err != nil {
		return err
	}
	m.Status = model.OutboxSent
	m.SentAt = &sentAt
	m.LastError = ""
	return nil
}

func (r *MemoryRepo) MarkOutboxRetry(_ context.Context, id string, attempts int32, nextAttemptAt time.Time, lastErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.findOutbox(id)
	if err != nil {
		return err
	}
	m.Attempts = attempts
	m.NextAttemptAt = nextAttemptAt
	m.LastError = lastErr
	return nil
}

func (r *MemoryRepo) MarkOutboxDead(_ context.Context, id string, attempts int32, lastErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.findOutbox(id)
	if err != nil {
		return err
	}
	m.Status = model.OutboxDead
	m.Attempts = attempts
	m.LastError = lastErr
	return nil
}

func (r *MemoryRepo) InsertFailedDelivery(_ context.Context, fd *model.FailedDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault("InsertFailedDelivery"); err != nil {
		return err
	}
	r.nextFailedID++
	fd.ID = r.nextFailedID
	if fd.CreatedAt.IsZero() {
		fd.CreatedAt = time.Now()
	}
	c := *fd
	r.failed = append(r.failed, &c)
	return nil
}

func (r *MemoryRepo) InsertReview(_ context.Context, rv *model.Review) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault("InsertReview"); err != nil {
		return err
	}
	if rv.CreatedAt.IsZero() {
		rv.CreatedAt = time.Now()
	}
	c := *rv
	r.reviews = append(r.reviews, &c)
	return nil
}

func (r *MemoryRepo) ListReviews(_ context.Context, filter ReviewFilter) ([]*model.Review, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Review
	for i := len(r.reviews) - 1; i >= 0; i-- {
		rv := r.reviews[i]
		if filter.OrderID != "" && rv.OrderID != filter.OrderID {
			continue
		}
		if filter.UserID != "" && rv.UserID != filter.UserID {
			continue
		}
		c := *rv
		out = append(out, &c)
	}
	if l := clampLimit(filter.Limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

// Outbox returns a snapshot of every outbox message in insertion order.
func (r *MemoryRepo) Outbox() []*model.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.OutboxMessage, 0, len(r.outbox))
	for _, m := range r.outbox {
		out = append(out, m.Clone())
	}
	return out
}

func (r *MemoryRepo) Notifications() []*model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.Notification, 0, len(r.notifications))
	for _, n := range r.notifications {
		c := *n
		out = append(out, &c)
	}
	return out
}

func (r *MemoryRepo) FailedDeliveries() []*model.FailedDelivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.FailedDelivery, 0, len(r.failed))
	for _, fd := range r.failed {
		c := *fd
		out = append(out, &c)
	}
	return out
}
