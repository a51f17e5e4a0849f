package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxwatch/orderservice/pkg/model"
	"github.com/luxwatch/orderservice/pkg/repository"
	"github.com/luxwatch/orderservice/pkg/service"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

type expiryOps interface {
	ListOrders(ctx context.Context, filter repository.OrderFilter) ([]*model.Order, error)
	UpdateOrderStatus(ctx context.Context, u service.StatusUpdate) (*model.Order, error)
}

// PaymentExpiryWorker cancels orders that stayed awaiting_payment for longer than the expiry.
type PaymentExpiryWorker struct {
	svc      expiryOps
	logger   *logrus.Logger
	expiry   time.Duration
	interval time.Duration
	batch    int
	now      func() time.Time

	expiredFoundTotal uint64
	cancelledTotal    uint64
	cancelFailTotal   uint64
}

func NewPaymentExpiryWorker(svc expiryOps, expiry, interval time.Duration, log *logrus.Logger) *PaymentExpiryWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	w := &PaymentExpiryWorker{
		svc:      svc,
		logger:   log,
		expiry:   expiry,
		interval: interval,
		batch:    50,
		now:      time.Now,
	}
	w.registerMetrics()
	return w
}

func (w *PaymentExpiryWorker) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("orderservice.payment_expiry")
	meter.Int64ObservableGauge("app_payment_expiry_total",
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&w.expiredFoundTotal)),
				metric.WithAttributes(attribute.String("action", "scan_expired")))
			obs.Observe(int64(atomic.LoadUint64(&w.cancelledTotal)),
				metric.WithAttributes(attribute.String("action", "cancel"), attribute.String("result", "success")))
			obs.Observe(int64(atomic.LoadUint64(&w.cancelFailTotal)),
				metric.WithAttributes(attribute.String("action", "cancel"), attribute.String("result", "failed")))
			return nil
		}),
	)
}

func (w *PaymentExpiryWorker) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	defer wg.Done()

	if w.expiry <= 0 {
		w.logger.Info("[PaymentExpiry] Disabled (PAYMENT_EXPIRY=0)")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Infof("[PaymentExpiry] Started polling for unpaid orders older than %s (every %s)", w.expiry, w.interval)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("[PaymentExpiry] Stopping...")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Errorf("[PaymentExpiry] %v", err)
			}
		}
	}
}

// RunOnce cancels one batch of expired orders and returns how many were cancelled.
func (w *PaymentExpiryWorker) RunOnce(ctx context.Context) (int, error) {
	// 1. 获得超时未支付订单
	orders, err := w.svc.ListOrders(ctx, repository.OrderFilter{
		Status:        model.OrderStatusAwaitingPayment,
		CreatedBefore: w.now().Add(-w.expiry),
		Limit:         w.batch,
	})
	if err != nil {
		return 0, errors.Wrap(err, "fetch expired orders")
	}
	if len(orders) == 0 {
		return 0, nil
	}

	w.logger.Infof("[PaymentExpiry] Found %d expired unpaid orders", len(orders))
	atomic.AddUint64(&w.expiredFoundTotal, uint64(len(orders)))

	// 2. 并发取消，单个失败不影响其他订单，下个周期重试
	var cancelled int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(10)
	for _, o := range orders {
		g.Go(func() error {
			_, err := w.svc.UpdateOrderStatus(gctx, service.StatusUpdate{
				OrderID: o.OrderID,
				Status:  model.OrderStatusCancelled,
			})
			switch {
			case err == nil:
				atomic.AddInt64(&cancelled, 1)
				atomic.AddUint64(&w.cancelledTotal, 1)
			case errors.Is(err, service.ErrInvalidTransition):
				// 支付在扫描之后到账
				w.logger.Infof("[PaymentExpiry] Order %s moved on before cancellation: %v", o.OrderID, err)
			default:
				atomic.AddUint64(&w.cancelFailTotal, 1)
				w.logger.Errorf("[PaymentExpiry] Failed to cancel order %s: %v. Will retry next tick.", o.OrderID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(cancelled), nil
}
