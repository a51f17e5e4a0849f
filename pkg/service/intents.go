package service

import (
	"fmt"

	"github.com/luxwatch/orderservice/pkg/model"
	"github.com/pkg/errors"
)

// DedupeKey identifies one side effect of one order version.
func DedupeKey(orderID string, kind string, version int64) string {
	return fmt.Sprintf("%s:%s:v%d", orderID, kind, version)
}

func orderLink(orderID string) string {
	return "/account/orders/" + orderID
}

type intentBuilder struct {
	s     *LifecycleService
	order *model.Order
	msgs  []*model.OutboxMessage
	err   error
}

func (s *LifecycleService) newIntents(o *model.Order) *intentBuilder {
	return &intentBuilder{s: s, order: o}
}

func (b *intentBuilder) add(kind model.OutboxKind, payload interface{}) {
	if b.err != nil {
		return
	}
	m, err := model.NewOutboxMessage(b.order.OrderID, kind, payload, b.s.now())
	if err != nil {
		b.err = errors.Wrapf(err, "encode %s intent", kind)
		return
	}
	b.msgs = append(b.msgs, m)
}

func (b *intentBuilder) email(kind model.EmailKind, data model.EmailData) {
	if b.order.CustomerEmail == "" {
		return
	}
	b.add(model.OutboxEmail, model.EmailIntent{Kind: kind, To: b.order.CustomerEmail, Data: data})
}

func (b *intentBuilder) notify(typ model.NotificationType, title, message string) {
	if b.order.UserID == "" {
		return
	}
	b.add(model.OutboxNotification, model.NotificationIntent{
		ID:        b.s.newID(),
		UserID:    b.order.UserID,
		OrderID:   b.order.OrderID,
		Type:      typ,
		Title:     title,
		Message:   message,
		Link:      orderLink(b.order.OrderID),
		DedupeKey: DedupeKey(b.order.OrderID, string(typ), b.order.Version),
		CreatedAt: b.s.now(),
	})
}

func (b *intentBuilder) statusEvent(from model.OrderStatus) {
	if from == b.order.Status {
		return
	}
	b.add(model.OutboxStatusEvent, model.OrderStatusEvent{
		OrderID:    b.order.OrderID,
		UserID:     b.order.UserID,
		From:       from,
		To:         b.order.Status,
		Version:    b.order.Version,
		OccurredAt: b.s.now().UTC(),
	})
}

func (b *intentBuilder) build() ([]*model.OutboxMessage, error) {
	return b.msgs, b.err
}

// transition adds the side effects of an operator or payment move from prev to next.
func (b *intentBuilder) transition(prev, next model.OrderStatus, sendEmail bool) {
	o := b.order
	ref := model.ShortRef(o.OrderID)

	if prev != model.OrderStatusPaymentReceived && next == model.OrderStatusPaymentReceived {
		if sendEmail {
			b.email(model.EmailPaymentReceived, emailData(o))
		}
		b.notify(model.NotificationPayment, "Payment received",
			fmt.Sprintf("We received your payment for order #%s. Your watch is being prepared.", ref))
	}

	if prev != model.OrderStatusShipped && next == model.OrderStatusShipped {
		if sendEmail {
			b.email(model.EmailOrderShipped, emailData(o))
		}
		msg := fmt.Sprintf("Order #%s is on its way.", ref)
		if o.TrackingNumber != nil {
			msg += " Tracking number: " + *o.TrackingNumber + "."
		}
		b.notify(model.NotificationShipping, "Order shipped", msg)
	}

	if !prev.Finished() && next.Finished() {
		b.notify(model.NotificationDelivery, "Order delivered",
			fmt.Sprintf("Order #%s has been delivered. Enjoy your new watch.", ref))
	}
}

func (b *intentBuilder) tracking(ev model.TrackingEvent, sendEmail bool) {
	o := b.order
	if sendEmail {
		data := emailData(o)
		data.Tracking = &ev
		b.email(model.EmailTrackingUpdate, data)
	}
	b.notify(model.NotificationTracking, "Tracking update: "+ev.Status.Label(),
		fmt.Sprintf("Order #%s: %s (%s)", model.ShortRef(o.OrderID), ev.Description, ev.Location))
}

func emailData(o *model.Order) model.EmailData {
	si := o.Shipping()
	d := model.EmailData{
		OrderID:      o.OrderID,
		CustomerName: si.FullName,
		Total:        o.Total,
		USDTAmount:   o.USDTAmount,
		Items:        append([]model.OrderItem(nil), o.Items...),
	}
	if o.TrackingNumber != nil {
		d.TrackingNumber = *o.TrackingNumber
	}
	if si.Address != "" {
		d.ShippingAddress = &model.ShippingAddress{
			FullName:   si.FullName,
			Address:    si.Address,
			City:       si.City,
			PostalCode: si.PostalCode,
			Country:    si.Country,
		}
	}
	return d
}
