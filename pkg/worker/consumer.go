package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/luxwatch/orderservice/pkg/model"
	"github.com/luxwatch/orderservice/pkg/service"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const maxReconsumeTimes = 3

// LifecycleOps is what the inbound consumers need from the lifecycle service.
type LifecycleOps interface {
	UpdateOrderStatus(ctx context.Context, u service.StatusUpdate) (*model.Order, error)
	AppendTrackingEvent(ctx context.Context, orderID string, in service.TrackingEventInput) (*model.Order, error)
}

// PaymentEvent is published by the payment gateway adapter.
type PaymentEvent struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// CarrierTrackingEvent is published by the carrier webhook adapter.
type CarrierTrackingEvent struct {
	OrderID     string               `json:"order_id"`
	Status      model.TrackingStatus `json:"status"`
	Location    string               `json:"location"`
	Description string               `json:"description"`
}

type EventConsumer struct {
	svc      LifecycleOps
	logger   *logrus.Logger
	client   rocketmq.PushConsumer
	producer MQProducer
	groupID  string
}

// 构造 consumer
func NewEventConsumer(nameServers []string, groupID string, producer MQProducer, svc LifecycleOps, log *logrus.Logger) (*EventConsumer, error) {
	c, err := rocketmq.NewPushConsumer(
		consumer.WithGroupName(groupID),
		consumer.WithNameServer(nameServers),
		consumer.WithMaxReconsumeTimes(maxReconsumeTimes),
		consumer.WithConsumerModel(consumer.Clustering),
		// 逐条确认，避免一条失败导致整批重投
		consumer.WithConsumeMessageBatchMaxSize(1),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create rocketmq consumer")
	}

	return &EventConsumer{
		svc:      svc,
		logger:   log,
		client:   c,
		producer: producer,
		groupID:  groupID,
	}, nil
}

// 启动 mq 入站 consumer
func (w *EventConsumer) Start(ctx context.Context, wg *sync.WaitGroup, topics ...string) {
	wg.Add(1)
	defer wg.Done()

	for _, topic := range topics {
		if err := w.client.Subscribe(topic, consumer.MessageSelector{}, w.handleMessage); err != nil {
			w.logger.Errorf("Failed to subscribe topic %s: %v", topic, err)
			return
		}
	}

	if err := w.client.Start(); err != nil {
		w.logger.Errorf("Failed to start rocketmq consumer: %v", err)
		return
	}
	w.logger.Infof("RocketMQ Consumer started on topics: %s", strings.Join(topics, ","))

	<-ctx.Done()

	w.logger.Info("Stopping RocketMQ consumer...")
	if err := w.client.Shutdown(); err != nil {
		w.logger.Errorf("Failed to shutdown consumer: %v", err)
	}
}

// 任一条需要重试则整批重投；支付状态重复无副作用，物流节点与最新一条相同时跳过
func (w *EventConsumer) handleMessage(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	shouldRetryBatch := false
	for _, msg := range msgs {
		if w.processMessage(ctx, msg) {
			shouldRetryBatch = true
		}
	}
	if shouldRetryBatch {
		return consumer.ConsumeRetryLater, nil
	}
	return consumer.ConsumeSuccess, nil
}

// processMessage returns true when the message should be redelivered.
func (w *EventConsumer) processMessage(ctx context.Context, msg *primitive.MessageExt) bool {
	var err error
	switch msg.Topic {
	case TopicPaymentEvents:
		err = w.handlePayment(ctx, msg)
	case TopicCarrierTracking:
		err = w.handleTracking(ctx, msg)
	default:
		w.logger.Warnf("Unknown topic %s, MsgID: %s", msg.Topic, msg.MsgId)
		return false
	}
	if err == nil {
		return false
	}

	var decodeErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &decodeErr), errors.As(err, &typeErr):
		w.logger.Errorf("Invalid JSON on %s: %v. Body: %s", msg.Topic, err, string(msg.Body))
		w.sendToDLQ(ctx, msg, fmt.Sprintf("json_unmarshal_error: %v", err))
		return false
	case errors.Is(err, service.ErrValidation):
		w.sendToDLQ(ctx, msg, fmt.Sprintf("validation_error: %v", err))
		return false
	case errors.Is(err, service.ErrOrderNotFound), errors.Is(err, service.ErrInvalidTransition):
		// 事件过期或重复，直接确认
		w.logger.Warnf("[Consumer] Skipping %s MsgID %s: %v", msg.Topic, msg.MsgId, err)
		return false
	}

	w.logger.Warnf("[Consumer] Processing failed. MsgID: %s, Error: %v, ReconsumeTimes: %d", msg.MsgId, err, msg.ReconsumeTimes)
	if msg.ReconsumeTimes >= maxReconsumeTimes {
		w.logger.Errorf("[Consumer] Max reconsume times reached for MsgID: %s. Sending to DLQ.", msg.MsgId)
		w.sendToDLQ(ctx, msg, fmt.Sprintf("lifecycle_error_max_retry: %v", err))
		return false
	}
	return true
}

func (w *EventConsumer) handlePayment(ctx context.Context, msg *primitive.MessageExt) error {
	var ev PaymentEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return err
	}

	var target model.OrderStatus
	switch strings.ToLower(ev.Status) {
	case "confirmed", "paid":
		target = model.OrderStatusPaymentReceived
	case "refunded":
		target = model.OrderStatusRefunded
	default:
		w.logger.Warnf("[Consumer] Unknown payment status %q for order %s", ev.Status, ev.OrderID)
		return nil
	}

	_, err := w.svc.UpdateOrderStatus(ctx, service.StatusUpdate{OrderID: ev.OrderID, Status: target})
	return err
}

func (w *EventConsumer) handleTracking(ctx context.Context, msg *primitive.MessageExt) error {
	var ev CarrierTrackingEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return err
	}
	_, err := w.svc.AppendTrackingEvent(ctx, ev.OrderID, service.TrackingEventInput{
		Status:       ev.Status,
		Location:     ev.Location,
		Description:  ev.Description,
		IgnoreRepeat: true,
	})
	return err
}

func (w *EventConsumer) sendToDLQ(ctx context.Context, originalMsg *primitive.MessageExt, reason string) {
	// 构造死信消息，发送到当前 Consumer Group 对应的 DLQ
	dlqMsg := primitive.NewMessage(DLQTopic(w.groupID), originalMsg.Body)
	dlqMsg.WithProperty("original_msg_id", originalMsg.MsgId)
	dlqMsg.WithProperty("original_topic", originalMsg.Topic)
	dlqMsg.WithProperty("dlq_reason", reason)
	dlqMsg.WithProperty("source", "rocketMQ_consumer")
	dlqMsg.WithKeys([]string{originalMsg.GetKeys()})

	res, err := w.producer.SendSync(ctx, dlqMsg)
	if err != nil {
		// DLQ发不出去，打印日志且直接返回success，防止卡死之后的消费者
		w.logger.Errorf("CRITICAL: Failed to send message to DLQ! MsgID: %s, Error: %v", originalMsg.MsgId, err)
	} else {
		w.logger.Infof("Sent message to DLQ. MsgID: %s, Reason: %s, DLQ_MsgID: %s", originalMsg.MsgId, reason, res.MsgID)
	}
}
