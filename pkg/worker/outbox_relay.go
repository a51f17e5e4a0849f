package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/luxwatch/orderservice/pkg/client"
	"github.com/luxwatch/orderservice/pkg/model"
	"github.com/luxwatch/orderservice/pkg/repository"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type OutboxStore interface {
	repository.OutboxRepo
	repository.NotificationRepo
}

type OutboxRelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int32
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	// claimed messages stay invisible to other relays for this long
	Lease time.Duration
}

func (c OutboxRelayConfig) withDefaults() OutboxRelayConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	return c
}

// permanentError marks a message that can never be delivered, e.g. a payload that does not decode.
type permanentError struct{ error }

// OutboxRelay drains order_outbox to the email sender, the notification inbox and the MQ.
type OutboxRelay struct {
	repo     OutboxStore
	email    client.EmailSender
	producer MQProducer
	logger   *logrus.Logger
	cfg      OutboxRelayConfig
	now      func() time.Time

	sentTotal  uint64
	retryTotal uint64
	deadTotal  uint64
}

func NewOutboxRelay(repo OutboxStore, email client.EmailSender, producer MQProducer, log *logrus.Logger, cfg OutboxRelayConfig) *OutboxRelay {
	r := &OutboxRelay{
		repo:     repo,
		email:    email,
		producer: producer,
		logger:   log,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
	r.registerMetrics()
	return r
}

func (r *OutboxRelay) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("orderservice.outbox")
	meter.Int64ObservableGauge("app_outbox_total",
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&r.sentTotal)), metric.WithAttributes(attribute.String("result", "sent")))
			obs.Observe(int64(atomic.LoadUint64(&r.retryTotal)), metric.WithAttributes(attribute.String("result", "retry")))
			obs.Observe(int64(atomic.LoadUint64(&r.deadTotal)), metric.WithAttributes(attribute.String("result", "dead")))
			return nil
		}),
	)
}

func (r *OutboxRelay) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	defer wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Infof("[OutboxRelay] Started (every %s, batch %d)", r.cfg.PollInterval, r.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("[OutboxRelay] Stopping...")
			return
		case <-ticker.C:
			// 一批满了就继续拉，直到清空
			for {
				n, err := r.RunOnce(ctx)
				if err != nil {
					r.logger.Errorf("[OutboxRelay] batch failed: %v", err)
					break
				}
				if n < r.cfg.BatchSize || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// RunOnce claims one batch of due messages and delivers them. Returns how many were claimed.
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	now := r.now()
	msgs, err := r.repo.ClaimDueOutbox(ctx, now, now.Add(r.cfg.Lease), r.cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "claim outbox")
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	tracer := otel.Tracer("orderservice-outbox")
	ctx, span := tracer.Start(ctx, "outbox_relay_batch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.Int("outbox.batch_size", len(msgs))),
	)
	defer span.End()

	for _, m := range msgs {
		r.process(ctx, m)
	}
	return len(msgs), nil
}

func (r *OutboxRelay) process(ctx context.Context, m *model.OutboxMessage) {
	log := r.logger.WithFields(logrus.Fields{
		"outbox_id": m.ID,
		"order_id":  m.OrderID,
		"kind":      m.Kind,
	})

	err := r.deliver(ctx, m)
	if err == nil {
		if err := r.repo.MarkOutboxSent(ctx, m.ID, r.now()); err != nil {
			// 已投递但标记失败，租约过期后会重投，下游需幂等
			log.Errorf("[OutboxRelay] mark sent failed: %v", err)
			return
		}
		atomic.AddUint64(&r.sentTotal, 1)
		return
	}

	attempts := m.Attempts + 1
	var perm permanentError
	if errors.As(err, &perm) || attempts >= r.cfg.MaxAttempts {
		log.Errorf("[OutboxRelay] giving up after %d attempts: %v", attempts, err)
		if markErr := r.repo.MarkOutboxDead(ctx, m.ID, attempts, err.Error()); markErr != nil {
			log.Errorf("[OutboxRelay] mark dead failed: %v", markErr)
			return
		}
		atomic.AddUint64(&r.deadTotal, 1)
		r.sendToDLQ(ctx, m, err.Error())
		return
	}

	next := r.now().Add(r.backoff(attempts))
	log.Warnf("[OutboxRelay] delivery failed (attempt %d/%d), retry at %s: %v", attempts, r.cfg.MaxAttempts, next.Format(time.RFC3339), err)
	if markErr := r.repo.MarkOutboxRetry(ctx, m.ID, attempts, next, err.Error()); markErr != nil {
		log.Errorf("[OutboxRelay] mark retry failed: %v", markErr)
		return
	}
	atomic.AddUint64(&r.retryTotal, 1)
}

// backoff is base * 2^(attempts-1), capped.
func (r *OutboxRelay) backoff(attempts int32) time.Duration {
	d := r.cfg.BaseBackoff
	for i := int32(1); i < attempts; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return d
}

func (r *OutboxRelay) deliver(ctx context.Context, m *model.OutboxMessage) error {
	switch m.Kind {
	case model.OutboxEmail:
		var intent model.EmailIntent
		if err := json.Unmarshal(m.Payload, &intent); err != nil {
			return permanentError{errors.Wrap(err, "decode email intent")}
		}
		return r.email.Send(ctx, intent)

	case model.OutboxNotification:
		var intent model.NotificationIntent
		if err := json.Unmarshal(m.Payload, &intent); err != nil {
			return permanentError{errors.Wrap(err, "decode notification intent")}
		}
		err := r.repo.InsertNotification(ctx, intent.Notification())
		if errors.Is(err, repository.ErrDuplicate) {
			// 幂等：同一 dedupe key 已写入
			return nil
		}
		return err

	case model.OutboxStatusEvent:
		if r.producer == nil {
			r.logger.Debugf("[OutboxRelay] no MQ producer, status event for %s dropped", m.OrderID)
			return nil
		}
		var ev model.OrderStatusEvent
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			return permanentError{errors.Wrap(err, "decode status event")}
		}
		msg := primitive.NewMessage(TopicOrderStatusEvents, []byte(m.Payload))
		msg.WithKeys([]string{m.OrderID})
		msg.WithTag(string(ev.To))
		res, err := r.producer.SendSync(ctx, msg)
		if err != nil {
			return errors.Wrap(err, "publish status event")
		}
		r.logger.Debugf("[OutboxRelay] Sent status event (%s) for order %s. MsgID: %s", ev.To, m.OrderID, res.MsgID)
		return nil
	}
	return permanentError{errors.Errorf("unknown outbox kind %q", m.Kind)}
}

func (r *OutboxRelay) sendToDLQ(ctx context.Context, m *model.OutboxMessage, reason string) {
	if r.producer == nil {
		return
	}
	body, err := json.Marshal(m)
	if err != nil {
		r.logger.Errorf("[OutboxRelay] encode dead letter %s: %v", m.ID, err)
		return
	}
	dlqMsg := primitive.NewMessage(TopicOutboxDLQ, body)
	dlqMsg.WithProperty("dlq_reason", reason)
	dlqMsg.WithProperty("source", "outbox_relay")
	dlqMsg.WithProperty("outbox_id", m.ID)
	dlqMsg.WithProperty("outbox_kind", string(m.Kind))
	dlqMsg.WithProperty("attempts", strconv.Itoa(int(m.Attempts)+1))
	dlqMsg.WithKeys([]string{m.OrderID})

	res, err := r.producer.SendSync(ctx, dlqMsg)
	if err != nil {
		r.logger.Errorf("CRITICAL: Failed to send outbox message to DLQ! OutboxID: %s, Error: %v", m.ID, err)
		return
	}
	r.logger.Infof("Sent outbox message to DLQ. OutboxID: %s, Reason: %s, DLQ_MsgID: %s", m.ID, reason, res.MsgID)
}
