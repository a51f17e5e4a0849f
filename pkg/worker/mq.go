package worker

import (
	"context"

	"github.com/apache/rocketmq-client-go/v2/primitive"
)

const (
	TopicOrderStatusEvents = "order_status_events"
	TopicPaymentEvents     = "payment_events"
	TopicCarrierTracking   = "carrier_tracking_events"

	// outbox 重试耗尽后的死信
	TopicOutboxDLQ = "%DLQ%order_outbox"
)

type MQProducer interface {
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
}

func DLQTopic(groupID string) string {
	return "%DLQ%" + groupID
}
