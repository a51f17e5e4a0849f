package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/luxwatch/orderservice/pkg/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const dlqGroupName = "OrderDLQMonitorGroup"

// FailedDeliveryStore persists dead letters for manual follow-up.
type FailedDeliveryStore interface {
	InsertFailedDelivery(ctx context.Context, fd *model.FailedDelivery) error
}

type DLQConsumer struct {
	client rocketmq.PushConsumer
	repo   FailedDeliveryStore
	logger *logrus.Logger
	topics []string
}

func NewDLQConsumer(nameServers []string, lifecycleGroup string, repo FailedDeliveryStore, log *logrus.Logger) (*DLQConsumer, error) {
	c, err := rocketmq.NewPushConsumer(
		// 独立的 Group 消费死信，避免和业务 consumer 冲突
		consumer.WithGroupName(dlqGroupName),
		consumer.WithNsResolver(primitive.NewPassthroughResolver(nameServers)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create dlq consumer")
	}

	return &DLQConsumer{
		client: c,
		repo:   repo,
		logger: log,
		topics: []string{TopicOutboxDLQ, DLQTopic(lifecycleGroup)},
	}, nil
}

func (dc *DLQConsumer) Start(ctx context.Context, wg *sync.WaitGroup) error {
	// outbox 死信 + 入站 consumer 死信，共用同一个回调
	for _, topic := range dc.topics {
		if err := dc.client.Subscribe(topic, consumer.MessageSelector{}, dc.consume); err != nil {
			return errors.Wrapf(err, "failed to subscribe DLQ topic %s", topic)
		}
	}
	if err := dc.client.Start(); err != nil {
		return errors.Wrap(err, "failed to start dlq consumer")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		dc.Stop()
	}()
	return nil
}

func (dc *DLQConsumer) Stop() {
	if dc.client != nil {
		_ = dc.client.Shutdown()
	}
}

func (dc *DLQConsumer) consume(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	for _, msg := range msgs {
		fd := dc.toFailedDelivery(msg)

		// 1. 告警
		dc.logger.WithFields(logrus.Fields{
			"msg_id":    msg.MsgId,
			"topic":     msg.Topic,
			"order_id":  fd.OrderID,
			"outbox_id": fd.OutboxID,
			"reason":    fd.ErrorReason,
		}).Error("CRITICAL: DEAD LETTER MESSAGE DETECTED")

		// 2. 落库
		if err := dc.repo.InsertFailedDelivery(ctx, fd); err != nil {
			dc.logger.Errorf("Failed to persist failed delivery: %v", err)
			return consumer.ConsumeRetryLater, nil
		}
	}
	return consumer.ConsumeSuccess, nil
}

func (dc *DLQConsumer) toFailedDelivery(msg *primitive.MessageExt) *model.FailedDelivery {
	reason := msg.GetProperty("dlq_reason")
	if reason == "" {
		reason = "Unknown (Manual Dead Letter)"
	}
	if len(reason) > 255 {
		reason = reason[:255]
	}

	// body 可能本身就是坏的，解析失败时 order_id 留空
	var partial struct {
		OrderID string `json:"order_id"`
	}
	_ = json.Unmarshal(msg.Body, &partial)

	kind := msg.GetProperty("outbox_kind")
	if kind == "" {
		kind = msg.GetProperty("original_topic")
	}

	return &model.FailedDelivery{
		OrderID:      partial.OrderID,
		OutboxID:     msg.GetProperty("outbox_id"),
		Kind:         kind,
		OriginalJSON: string(msg.Body),
		ErrorReason:  reason,
		CreatedAt:    time.Now(),
	}
}
