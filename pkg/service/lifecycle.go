package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/luxwatch/orderservice/pkg/lock"
	"github.com/luxwatch/orderservice/pkg/model"
	"github.com/luxwatch/orderservice/pkg/repository"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
)

const (
	maxCASRetries = 3
	lockTTL       = 5 * time.Second
	lockWait      = 2 * time.Second
)

type LifecycleService struct {
	orders repository.OrderRepo
	locker lock.Locker
	log    *logrus.Logger
	now    func() time.Time
	newID  func() string
	tracer trace.Tracer
}

type Option func(*LifecycleService)

func WithClock(now func() time.Time) Option {
	return func(s *LifecycleService) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *LifecycleService) { s.newID = newID }
}

func NewLifecycleService(orders repository.OrderRepo, locker lock.Locker, log *logrus.Logger, opts ...Option) *LifecycleService {
	s := &LifecycleService{
		orders: orders,
		locker: locker,
		log:    log,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		tracer: otel.Tracer("orderservice-lifecycle"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = lock.NoopLocker{}
	}
	return s
}

type StatusUpdate struct {
	OrderID        string
	Status         model.OrderStatus
	TrackingNumber *string
	// nil means send
	SendEmail *bool
}

type TrackingEventInput struct {
	Status      model.TrackingStatus
	Location    string
	Description string
	SendEmail   *bool
	// IgnoreRepeat drops the event when it equals the latest history entry. Set for redelivered carrier scans.
	IgnoreRepeat bool
}

type CreateOrderInput struct {
	UserID        string
	CustomerEmail string
	Items         []model.OrderItem
	Shipping      model.ShippingInfo
}

// decideFunc computes the change for a freshly fetched order. An empty change means nothing to write.
type decideFunc func(o *model.Order) (repository.OrderChange, []*model.OutboxMessage, error)

// 人工/事件触发的状态变更
func (s *LifecycleService) UpdateOrderStatus(ctx context.Context, u StatusUpdate) (*model.Order, error) {
	if strings.TrimSpace(u.OrderID) != "" && u.Status == "" {
		return nil, validationErrorf("status is required")
	}
	return s.ApplyOrderUpdate(ctx, OrderUpdate{
		OrderID:        u.OrderID,
		Status:         u.Status,
		TrackingNumber: u.TrackingNumber,
		SendEmail:      u.SendEmail,
	})
}

// 追加物流节点，并推导订单状态
func (s *LifecycleService) AppendTrackingEvent(ctx context.Context, orderID string, in TrackingEventInput) (*model.Order, error) {
	return s.ApplyOrderUpdate(ctx, OrderUpdate{
		OrderID:   orderID,
		Tracking:  &in,
		SendEmail: in.SendEmail,
	})
}

// SetTrackingNumber changes only the tracking number; no notification is produced.
func (s *LifecycleService) SetTrackingNumber(ctx context.Context, orderID, trackingNumber string) (*model.Order, error) {
	return s.ApplyOrderUpdate(ctx, OrderUpdate{OrderID: orderID, TrackingNumber: &trackingNumber})
}

// OrderUpdate combines a status change, a tracking number and a tracking event.
// Every present part is validated first and all of them land in one versioned write.
type OrderUpdate struct {
	OrderID        string
	Status         model.OrderStatus
	TrackingNumber *string
	Tracking       *TrackingEventInput
	// nil means send
	SendEmail *bool
}

func (s *LifecycleService) ApplyOrderUpdate(ctx context.Context, u OrderUpdate) (*model.Order, error) {
	// 1. 校验参数，不访问存储
	orderID := strings.TrimSpace(u.OrderID)
	if orderID == "" {
		return nil, validationErrorf("orderId is required")
	}
	if u.Status == "" && u.TrackingNumber == nil && u.Tracking == nil {
		return nil, validationErrorf("updates are required")
	}
	if u.Status != "" && !u.Status.Valid() {
		return nil, validationErrorf("unknown status %q", u.Status)
	}
	var trackingNumber *string
	if u.TrackingNumber != nil {
		tn := strings.TrimSpace(*u.TrackingNumber)
		if tn == "" {
			return nil, validationErrorf("tracking_number must not be empty")
		}
		if u.Status != "" && !acceptsTrackingNumber(u.Status) {
			return nil, validationErrorf("tracking_number can only be set on processing or shipped orders")
		}
		trackingNumber = &tn
	}
	var tracking *TrackingEventInput
	if u.Tracking != nil {
		in := *u.Tracking
		in.Location = strings.TrimSpace(in.Location)
		in.Description = strings.TrimSpace(in.Description)
		switch {
		case !in.Status.Valid():
			return nil, validationErrorf("unknown tracking status %q", in.Status)
		case in.Location == "":
			return nil, validationErrorf("tracking location is required")
		case in.Description == "":
			return nil, validationErrorf("tracking description is required")
		}
		tracking = &in
	}
	sendEmail := u.SendEmail == nil || *u.SendEmail

	attrs := []attribute.KeyValue{attribute.String("order.id", orderID)}
	if u.Status != "" {
		attrs = append(attrs, attribute.String("order.status", string(u.Status)))
	}
	if tracking != nil {
		attrs = append(attrs, attribute.String("tracking.status", string(tracking.Status)))
	}
	ctx, span := s.tracer.Start(ctx, "ApplyOrderUpdate", trace.WithAttributes(attrs...))
	defer span.End()

	// 2. CAS 更新 + outbox
	return s.mutate(ctx, orderID, func(o *model.Order) (repository.OrderChange, []*model.OutboxMessage, error) {
		var change repository.OrderChange
		prev := o.Status
		next := prev

		explicit := u.Status != "" && u.Status != prev
		if explicit {
			if !prev.CanTransitionTo(u.Status) {
				return change, nil, transitionErrorf("cannot move order from %s to %s", prev, u.Status)
			}
			next = u.Status
		}

		if trackingNumber != nil {
			if u.Status == "" && !acceptsTrackingNumber(prev) {
				return change, nil, validationErrorf("tracking_number can only be set on processing or shipped orders (order is %s)", prev)
			}
			if o.TrackingNumber == nil || *o.TrackingNumber != *trackingNumber {
				change.TrackingNumber = trackingNumber
			}
		}

		var ev *model.TrackingEvent
		if tracking != nil && !(tracking.IgnoreRepeat && repeatsLatest(o, *tracking)) {
			ev = &model.TrackingEvent{
				Status:      tracking.Status,
				Location:    tracking.Location,
				Description: tracking.Description,
				Timestamp:   s.now().UTC(),
			}
			history := make([]model.TrackingEvent, 0, len(o.TrackingHistory)+1)
			history = append(history, o.TrackingHistory...)
			change.TrackingHistory = append(history, *ev)
			next = DeriveStatus(next, ev.Status)
		}

		if next != prev {
			change.Status = &next
			if p, ok := model.PaymentStatusFor(next); ok && p != o.PaymentStatus {
				change.PaymentStatus = &p
			}
		}
		// 仅运单号变更不产生通知
		if change.Status == nil && ev == nil {
			return change, nil, nil
		}

		b := s.newIntents(project(o, change))
		if explicit {
			b.transition(prev, u.Status, sendEmail)
		}
		if ev != nil {
			b.tracking(*ev, sendEmail)
		}
		b.statusEvent(prev)
		outbox, err := b.build()
		if err != nil {
			return change, nil, err
		}
		return change, outbox, nil
	})
}

func acceptsTrackingNumber(st model.OrderStatus) bool {
	return st == model.OrderStatusProcessing || st == model.OrderStatusShipped
}

// repeatsLatest reports whether in matches the newest history entry.
func repeatsLatest(o *model.Order, in TrackingEventInput) bool {
	latest, ok := o.LatestTracking()
	return ok && latest.Status == in.Status && latest.Location == in.Location && latest.Description == in.Description
}

// DeriveStatus returns the order status implied by a tracking event. Derivation only moves forward.
func DeriveStatus(current model.OrderStatus, ts model.TrackingStatus) model.OrderStatus {
	implied, ok := ts.ImpliedOrderStatus()
	if !ok || current.Branch() {
		return current
	}
	switch implied {
	case model.OrderStatusCompleted:
		return model.OrderStatusCompleted
	case model.OrderStatusShipped:
		if implied.IsForwardOf(current) {
			return implied
		}
	}
	return current
}

// mutate runs decide against a fresh read and writes it with compare-and-swap, retrying on conflicts.
func (s *LifecycleService) mutate(ctx context.Context, orderID string, decide decideFunc) (*model.Order, error) {
	release := s.acquire(ctx, orderID)
	defer release()

	for attempt := 0; attempt <= maxCASRetries; attempt++ {
		o, err := s.orders.GetOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, repository.ErrOrderNotFound) {
				return nil, errors.Wrapf(ErrOrderNotFound, "order %s", orderID)
			}
			return nil, errors.Wrapf(err, "load order %s", orderID)
		}

		change, outbox, err := decide(o)
		if err != nil {
			return nil, err
		}
		if change.Empty() {
			return o, nil
		}

		change.UpdatedAt = s.now()
		updated, err := s.orders.ApplyOrderChange(ctx, orderID, o.Version, change, outbox)
		switch {
		case err == nil:
			s.logChange(o, updated, len(outbox))
			return updated, nil
		case errors.Is(err, repository.ErrVersionConflict):
			s.log.Warnf("[Lifecycle] version conflict on order %s (v%d), retry %d/%d", orderID, o.Version, attempt+1, maxCASRetries)
			continue
		case errors.Is(err, repository.ErrOrderNotFound):
			return nil, errors.Wrapf(ErrOrderNotFound, "order %s", orderID)
		default:
			return nil, errors.Wrapf(err, "persist order %s", orderID)
		}
	}
	return nil, ErrConcurrentUpdate
}

func (s *LifecycleService) acquire(ctx context.Context, orderID string) func() {
	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()

	release, err := s.locker.Acquire(lockCtx, orderID, lockTTL)
	if err != nil {
		// 锁只是优化，正确性由版本号 CAS 保证
		s.log.Warnf("[Lifecycle] lock for order %s not acquired: %v", orderID, err)
		return func() {}
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warnf("[Lifecycle] release lock for order %s: %v", orderID, err)
		}
	}
}

func (s *LifecycleService) logChange(before, after *model.Order, intents int) {
	entry := s.log.WithFields(logrus.Fields{
		"order_id": after.OrderID,
		"version":  after.Version,
		"intents":  intents,
	})
	if before.Status != after.Status {
		entry.Infof("[Lifecycle] order %s: %s -> %s", after.OrderID, before.Status, after.Status)
		return
	}
	entry.Debugf("[Lifecycle] order %s updated", after.OrderID)
}

// project applies change to a copy of o, giving the state the CAS will persist.
func project(o *model.Order, change repository.OrderChange) *model.Order {
	p := o.Clone()
	if change.Status != nil {
		p.Status = *change.Status
	}
	if change.PaymentStatus != nil {
		p.PaymentStatus = *change.PaymentStatus
	}
	if change.TrackingNumber != nil {
		tn := *change.TrackingNumber
		p.TrackingNumber = &tn
	}
	if change.TrackingHistory != nil {
		p.TrackingHistory = datatypes.JSONSlice[model.TrackingEvent](change.TrackingHistory)
	}
	p.Version = o.Version + 1
	return p
}

// 检查订单并计算金额
func (s *LifecycleService) CreateOrder(ctx context.Context, in CreateOrderInput) (*model.Order, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, validationErrorf("user id is required")
	}
	if len(in.Items) == 0 {
		return nil, validationErrorf("order must contain at least one item")
	}
	var total int64
	for i, it := range in.Items {
		if strings.TrimSpace(it.Name) == "" {
			return nil, validationErrorf("item %d: name is required", i)
		}
		if it.UnitPrice <= 0 || it.Quantity <= 0 {
			return nil, validationErrorf("item %d: price and quantity must be positive", i)
		}
		total += it.UnitPrice * int64(it.Quantity)
	}
	if strings.TrimSpace(in.Shipping.Address) == "" {
		return nil, validationErrorf("shipping address is required")
	}
	email := strings.TrimSpace(in.CustomerEmail)
	if email == "" {
		email = strings.TrimSpace(in.Shipping.Email)
	}

	now := s.now()
	o := &model.Order{
		OrderID:         s.newID(),
		UserID:          in.UserID,
		CustomerEmail:   email,
		Status:          model.OrderStatusAwaitingPayment,
		PaymentStatus:   model.PaymentStatusPending,
		Items:           datatypes.JSONSlice[model.OrderItem](in.Items),
		Total:           total,
		USDTAmount:      model.USDTFromCents(total),
		TrackingHistory: datatypes.JSONSlice[model.TrackingEvent]{},
		ShippingInfo:    datatypes.NewJSONType(in.Shipping),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.orders.CreateOrder(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}
	s.log.WithField("order_id", o.OrderID).Infof("[Lifecycle] order created for user %s, total %s", o.UserID, model.FormatCents(total))
	return o, nil
}

func (s *LifecycleService) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, validationErrorf("orderId is required")
	}
	o, err := s.orders.GetOrder(ctx, orderID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, errors.Wrapf(ErrOrderNotFound, "order %s", orderID)
	}
	return o, err
}

func (s *LifecycleService) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*model.Order, error) {
	if userID == "" {
		return nil, validationErrorf("user id is required")
	}
	return s.orders.ListOrdersByUser(ctx, userID, limit)
}

func (s *LifecycleService) ListOrders(ctx context.Context, filter repository.OrderFilter) ([]*model.Order, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, validationErrorf("unknown status %q", filter.Status)
	}
	return s.orders.ListOrders(ctx, filter)
}
