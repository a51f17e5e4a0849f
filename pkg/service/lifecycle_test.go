package service

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/luxwatch/orderservice/pkg/model"
	"github.com/luxwatch/orderservice/pkg/repository"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

func newTestService(t *testing.T, orders repository.OrderRepo) *LifecycleService {
	t.Helper()
	return NewLifecycleService(orders, nil, quietLogger(), WithClock(func() time.Time { return testNow }))
}

func seedOrder(t *testing.T, repo *repository.MemoryRepo, id string, status model.OrderStatus) *model.Order {
	t.Helper()
	o := &model.Order{
		OrderID:       id,
		UserID:        "user-1",
		CustomerEmail: "buyer@example.com",
		Status:        status,
		PaymentStatus: model.PaymentStatusPending,
		Items:         datatypes.JSONSlice[model.OrderItem]{{Name: "Nautilus 5711", Brand: "Patek Philippe", UnitPrice: 9500000, Quantity: 1}},
		Total:         9500000,
		USDTAmount:    "95000.00",
		ShippingInfo: datatypes.NewJSONType(model.ShippingInfo{
			FullName:   "Jane Doe",
			Email:      "buyer@example.com",
			Address:    "1 Rue de Berne",
			City:       "Geneva",
			PostalCode: "1201",
			Country:    "CH",
		}),
		CreatedAt: testNow.Add(-time.Hour),
	}
	require.NoError(t, repo.CreateOrder(context.Background(), o))
	return o
}

func outboxOf(repo *repository.MemoryRepo, kind model.OutboxKind) []*model.OutboxMessage {
	var out []*model.OutboxMessage
	for _, m := range repo.Outbox() {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func emailsOf(t *testing.T, repo *repository.MemoryRepo) []model.EmailIntent {
	t.Helper()
	var out []model.EmailIntent
	for _, m := range outboxOf(repo, model.OutboxEmail) {
		var e model.EmailIntent
		require.NoError(t, json.Unmarshal(m.Payload, &e))
		out = append(out, e)
	}
	return out
}

func notificationsOf(t *testing.T, repo *repository.MemoryRepo) []model.NotificationIntent {
	t.Helper()
	var out []model.NotificationIntent
	for _, m := range outboxOf(repo, model.OutboxNotification) {
		var n model.NotificationIntent
		require.NoError(t, json.Unmarshal(m.Payload, &n))
		out = append(out, n)
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func TestUpdateOrderStatus_PaymentReceived(t *testing.T) {
	repo := repository.NewMemoryRepo()
	seedOrder(t, repo, "order-1", model.OrderStatusAwaitingPayment)
	svc := newTestService(t, repo)

	o, err := svc.UpdateOrderStatus(context.Background(), StatusUpdate{OrderID: "order-1", Status: model.OrderStatusPaymentReceived})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaymentReceived, o.Status)
	assert.Equal(t, model.PaymentStatusConfirmed, o.PaymentStatus)
	assert.Equal(t, int64(2), o.Version)

	stored, err := repo.GetOrder(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaymentReceived, stored.Status)
	assert.Equal(t, model.PaymentStatusConfirmed, stored.PaymentStatus)

	emails := emailsOf(t, repo)
	require.Len(t, emails, 1)
	assert.Equal(t, model.EmailPaymentReceived, emails[0].Kind)
	assert.Equal(t, "buyer@example.com", emails[0].To)
	assert.Equal(t, "95000.00", emails[0].Data.USDTAmount)

	notes := notificationsOf(t, repo)
	require.Len(t, notes, 1)
	assert.Equal(t, model.NotificationPayment, notes[0].Type)
	assert.Equal(t, "user-1", notes[0].UserID)
	assert.Equal(t, "/account/orders/order-1", notes[0].Link)
	assert.Equal(t, "order-1:payment:v2", notes[0].DedupeKey)

	events := outboxOf(repo, model.OutboxStatusEvent)
	require.Len(t, events, 1)
	var ev model.OrderStatusEvent
	require.NoError(t, json.Unmarshal(events[0].Payload, &ev))
	assert.Equal(t, model.OrderStatusAwaitingPayment, ev.From)
	assert.Equal(t, model.OrderStatusPaymentReceived, ev.To)
	assert.Equal(t, int64(2), ev.Version)
}

func TestUpdateOrderStatus_RepeatedIsIdempotent(t *testing.T) {
	repo := repository.NewMemoryRepo()
	seedOrder(t, repo, "order-1", model.OrderStatusAwaitingPayment)
	svc := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.UpdateOrderStatus(ctx, StatusUpdate{OrderID: "order-1", Status: model.OrderStatusPaymentReceived})
	require.NoError(t, err)
	before := len(repo.Outbox())

	o, err := svc.UpdateOrderStatus(ctx, StatusUpdate{OrderID: "order-1", Status: model.OrderStatusPaymentReceived})
	require.NoError(t, err)
	assert.Equal(t, int64(2), o.Version, "same-status update must not write")
	assert.Len(t, repo.Outbox(), before)
	assert.Len(t, emailsOf(t, repo), 1)
	assert.Len(t, notificationsOf(t, repo), 1)
}

func TestUpdateOrderStatus_ShippedEmailPayload(t *testing.T) {
	repo := repository.NewMemoryRepo()
	seedOrder(t, repo, "order-1", model.OrderStatusProcessing)
	svc := newTestService(t, repo)

	o, err := svc.UpdateOrderStatus(context.Background(), StatusUpdate{
		OrderID:        "order-1",
		Status:         model.OrderStatusShipped,
		TrackingNumber: ptr("TRK123"),
	})
	require.NoError(t, err)
	require.NotNil(t, o.TrackingNumber)
	assert.Equal(t, "TRK123", *o.TrackingNumber)

	msgs := outboxOf(repo, model.OutboxEmail)
	require.Len(t, msgs, 1)
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &raw))
	data := raw["data"].(map[string]interface{})
	assert.Equal(t, "TRK123", data["trackingNumber"])
	addr := data["shippingAddress"].(map[string]interface{})
	assert.Equal(t, "1 Rue de Berne", addr["address"])
	assert.Equal(t, "Geneva", addr["city"])
	assert.Equal(t, "1201", addr["postalCode"])
	assert.Equal(t, "CH", addr["country"])

	notes := notificationsOf(t, repo)
	require.Len(t, notes, 1)
	assert.Equal(t, model.NotificationShipping, notes[0].Type)
	assert.Contains(t, notes[0].Message, "TRK123")
}

func TestUpdateOrderStatus_SendEmailFalse(t *testing.T) {
	repo := repository.NewMemoryRepo()
	seedOrder(t, repo, "order-1", model.OrderStatusAwaitingPayment)
	svc := newTestService(t, repo)

	_, err := svc.UpdateOrderStatus(context.Background(), StatusUpdate{
		OrderID:   "order-1",
		Status:    model.OrderStatusPaymentReceived,
		SendEmail: ptr(false),
	})
	require.NoError(t, err)
	assert.Empty(t, emailsOf(t, repo))
	assert.Len(t, notificationsOf(t, repo), 1)
}

func TestUpdateOrderStatus_NoCustomerEmail(t *testing.T) {
	repo := repository.NewMemoryRepo()
	require.NoError(t, repo.CreateOrder(context.Background(), &model.Order{
		OrderID: "order-2", UserID: "user-1", Status: model.OrderStatusAwaitingPayment,
	}))
	svc := newTestService(t, repo)

	_, err := svc.UpdateOrderStatus(context.Background(), StatusUpdate{OrderID: "order-2", Status: model.OrderStatusPaymentReceived})
	require.NoError(t, err)
	assert.Empty(t, emailsOf(t, repo))
	assert.Len(t, notificationsOf(t, repo), 1)
}

func TestUpdateOrderStatus_DeliverySideEffects(t *testing.T) {
	tests := []struct {
		name      string
		from, to  model.OrderStatus
		wantTypes []model.NotificationType
	}{
		{"shipped to completed", model.OrderStatusShipped, model.OrderStatusCompleted, []model.NotificationType{model.NotificationDelivery}},
		{"shipped to delivered", model.OrderStatusShipped, model.OrderStatusDelivered, []model.NotificationType{model.NotificationDelivery}},
		{"delivered to completed", model.OrderStatusDelivered, model.OrderStatusCompleted, nil},
		{"disputed to completed", model.OrderStatusDisputed, model.OrderStatusCompleted, []model.NotificationType{model.NotificationDelivery}},
		{"completed to disputed", model.OrderStatusCompleted, model.OrderStatusDisputed, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := repository.NewMemoryRepo()
			seedOrder(t, repo, "order-1", tt.from)
			svc := newTestService(t, repo)

			o, err := svc.UpdateOrderStatus(context.Background(), StatusUpdate{OrderID: "order-1", Status: tt.to})
			require.NoError(t, err)
			assert.Equal(t, tt.to, o.Status)

			var types []model.NotificationType
			for _, n := range notificationsOf(t, repo) {
				types = append(types, n.Type)
			}
			assert.Equal(t, tt.wantTypes, types)
			assert.Empty(t, emailsOf(t, repo))
			assert.Len(t, outboxOf(repo, model.OutboxStatusEvent), 1)
		})
	}
}

func TestUpdateOrderStatus_RefundSetsPaymentStatus(t *testing.T) {
	repo := repository.NewMemoryRepo()
	seedOrder(t, repo, "order-1", model.OrderStatusDisputed)
	svc := newTestService(t, repo)

	o, err := svc.UpdateOrderStatus(context.Background(), StatusUpdate{OrderID: "order-1", Status: model.OrderStatusRefunded})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusRefunded, o.PaymentStatus)
}

func TestUpdateOrderStatus_Validation(t *testing.T) {
	repo := repository.NewMemoryRepo()
	seedOrder(t, repo, "order-1", model.OrderStatusProcessing)
	// validation must happen before any storage access
	repo.SetFault("GetOrder", errors.New("storage must not be touched"))
	svc := newTestService(t, repo)

	tests := []struct {
		name string
		in   StatusUpdate
	}{
		{"missing order id", StatusUpdate{Status: model.OrderStatusShipped}},
		{"blank order id", StatusUpdate{OrderID: "  ", Status: model.OrderStatusShipped}},
		{"missing status", StatusUpdate{OrderID: "order-1"}},
		{"unknown status", StatusUpdate{OrderID: "order-1", Status: "teleported"}},
		{"empty tracking number", StatusUpdate{OrderID: "order-1", Status: model.OrderStatusShipped, TrackingNumber: ptr(" ")}},
		{"tracking number on completed", StatusUpdate{OrderID: "order-1", Status: model.OrderStatusCompleted, TrackingNumber: ptr("TRK1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateOrderStatus(context.Background(), tt.in)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Empty(t, repo.Outbox())
}

func TestUpdateOrderStatus_NotFound(t *testing.T) {
	repo := repository.NewMemoryRepo()
	svc := newTestService(t, repo)

	_, err := svc.UpdateOrderStatus(context.Background(), StatusUpdate{OrderID: "missing", Status: model.OrderStatusShipped})
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Empty(t, repo.Outbox())
}

func TestUpdateOrderStatus_InvalidTransition(t *testing.T) {
	tests := []struct {
		from, to model.OrderStatus
	}{
		{model.OrderStatusAwaitingPayment, model.OrderStatusShipped},
		{model.OrderStatusShipped, model.OrderStatusProcessing},
		{model.OrderStatusRefunded, model.OrderStatusCompleted},
		{model.OrderStatusCancelled, model.OrderStatusPaymentReceived},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			repo := repository.NewMemoryRepo()
			seedOrder(t, repo, "order-1", tt.from)
			svc := newTestService(t, repo)

			_, err := svc.UpdateOrderStatus(context.Background(), StatusUpdate{OrderID: "order-1", Status: tt.to})
			assert.ErrorIs(t, err, ErrInvalidTransition)

			o, err := repo.GetOrder(context.Background(), "order-1")
			require.NoError(t, err)
			assert.Equal(t, tt.from, o.Status)
			assert.Empty(t, repo.Outbox())
		})
	}
}

func TestUpdateOrderStatus_PersistenceFailureLeavesNoIntents(t *testing.T) {
	repo := repository.NewMemoryRepo()
	seedOrder(t, repo, "order-1", model.OrderStatusAwaitingPayment)
	repo.SetFault("ApplyOrderChange", errors.New("connection reset"))
	svc := newTestService(t, repo)

	_, err := svc.UpdateOrderStatus(context.Background(), StatusUpdate{OrderID: "order-1", Status: model.OrderStatusPaymentReceived})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "connection reset")

	assert.Empty(t, repo.Outbox())
	assert.Empty(t, repo.Notifications())
	o, err := repo.GetOrder(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusAwaitingPayment, o.Status)
}

// racingRepo lets another writer sneak in right before the first CAS.
type racingRepo struct {
	*repository.MemoryRepo
	interleave func()
	applies    int
	alwaysFail bool
}

func (r *racingRepo) ApplyOrderChange(ctx context.Context, orderID string, expectedVersion int64, change repository.OrderChange, outbox []*model.OutboxMessage) (*model.Order, error) {
	r.applies++
	if r.alwaysFail {
		return nil, repository.ErrVersionConflict
	}
	if r.interleave != nil {
		f := r.interleave
		r.interleave = nil
		f()
	}
	return r.MemoryRepo.ApplyOrderChange(ctx, orderID, expectedVersion, change, outbox)
}

func TestUpdateOrderStatus_ConcurrentWriterWins(t *testing.T) {
	mem := repository.NewMemoryRepo()
	seedOrder(t, mem, "order-1", model.OrderStatusAwaitingPayment)
	repo := &racingRepo{MemoryRepo: mem}
	repo.interleave = func() {
		status := model.OrderStatusPaymentReceived
		_, err := mem.ApplyOrderChange(context.Background(), "order-1", 1, repository.OrderChange{Status: &status}, nil)
		require.NoError(t, err)
	}
	svc := newTestService(t, repo)

	o, err := svc.UpdateOrderStatus(context.Background(), StatusUpdate{OrderID: "order-1", Status: model.OrderStatusPaymentReceived})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaymentReceived, o.Status)
	assert.Equal(t, 1, repo.applies, "retry must see the status already applied and skip the write")
	assert.Empty(t, mem.Outbox(), "losing writer must not emit side effects")
}

func TestUpdateOrderStatus_RetryAfterConflict(t *testing.T) {
	mem := repository.NewMemoryRepo()
	seedOrder(t, mem, "order-1", model.OrderStatusShipped)
	repo := &racingRepo{MemoryRepo: mem}
	repo.interleave = func() {
		tn := "TRK-OTHER"
		_, err := mem.ApplyOrderChange(context.Background(), "order-1", 1, repository.OrderChange{TrackingNumber: &tn}, nil)
		require.NoError(t, err)
	}
	svc := newTestService(t, repo)

	o, err := svc.UpdateOrderStatus(context.Background(), StatusUpdate{OrderID: "order-1", Status: model.OrderStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, 2, repo.applies)
	assert.Equal(t, int64(3), o.Version)
	require.Len(t, notificationsOf(t, mem), 1)
	assert.Equal(t, "order-1:delivery:v3", notificationsOf(t, mem)[0].DedupeKey)
}

func TestUpdateOrderStatus_GivesUpAfterRetries(t *testing.T) {
	mem := repository.NewMemoryRepo()
	seedOrder(t, mem, "order-1", model.OrderStatusAwaitingPayment)
	repo := &racingRepo{MemoryRepo: mem, alwaysFail: true}
	svc := newTestService(t, repo)

	_, err := svc.UpdateOrderStatus(context.Background(), StatusUpdate{OrderID: "order-1", Status: model.OrderStatusPaymentReceived})
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
	assert.Equal(t, maxCASRetries+1, repo.applies)
}

func TestSetTrackingNumber(t *testing.T) {
	repo := repository.NewMemoryRepo()
	seedOrder(t, repo, "processing", model.OrderStatusProcessing)
	seedOrder(t, repo, "pending", model.OrderStatusAwaitingPayment)
	svc := newTestService(t, repo)
	ctx := context.Background()

	o, err := svc.SetTrackingNumber(ctx, "processing", " TRK9 ")
	require.NoError(t, err)
	assert.Equal(t, "TRK9", *o.TrackingNumber)
	assert.Empty(t, repo.Outbox())

	// unchanged value does not write
	o, err = svc.SetTrackingNumber(ctx, "processing", "TRK9")
	require.NoError(t, err)
	assert.Equal(t, int64(2), o.Version)

	_, err = svc.SetTrackingNumber(ctx, "pending", "TRK9")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.SetTrackingNumber(ctx, "processing", "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.SetTrackingNumber(ctx, "missing", "TRK9")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCreateOrder(t *testing.T) {
	repo := repository.NewMemoryRepo()
	svc := NewLifecycleService(repo, nil, quietLogger(),
		WithClock(func() time.Time { return testNow }),
		WithIDGenerator(func() string { return "fixed-id" }),
	)

	o, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		UserID: "user-1",
		Items: []model.OrderItem{
			{Name: "Speedmaster", Brand: "Omega", UnitPrice: 699950, Quantity: 1},
			{Name: "Strap", Brand: "Omega", UnitPrice: 25025, Quantity: 2},
		},
		Shipping: model.ShippingInfo{FullName: "Jane Doe", Email: "jane@example.com", Address: "1 Rue de Berne"},
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", o.OrderID)
	assert.Equal(t, int64(750000), o.Total)
	assert.Equal(t, "7500.00", o.USDTAmount)
	assert.Equal(t, "jane@example.com", o.CustomerEmail)
	assert.Equal(t, model.OrderStatusAwaitingPayment, o.Status)
	assert.Equal(t, model.PaymentStatusPending, o.PaymentStatus)
	assert.Equal(t, int64(1), o.Version)

	stored, err := svc.GetOrder(context.Background(), "fixed-id")
	require.NoError(t, err)
	assert.Equal(t, "1 Rue de Berne", stored.Shipping().Address)

	bad := []CreateOrderInput{
		{Items: []model.OrderItem{{Name: "x", UnitPrice: 1, Quantity: 1}}, Shipping: model.ShippingInfo{Address: "a"}},
		{UserID: "u", Shipping: model.ShippingInfo{Address: "a"}},
		{UserID: "u", Items: []model.OrderItem{{Name: "x", UnitPrice: 0, Quantity: 1}}, Shipping: model.ShippingInfo{Address: "a"}},
		{UserID: "u", Items: []model.OrderItem{{Name: "x", UnitPrice: 1, Quantity: 1}}},
	}
	for _, in := range bad {
		_, err := svc.CreateOrder(context.Background(), in)
		assert.ErrorIs(t, err, ErrValidation)
	}
}

func TestListOrders_RejectsUnknownStatus(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryRepo())
	_, err := svc.ListOrders(context.Background(), repository.OrderFilter{Status: "lost"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestApplyOrderUpdate_StatusAndTrackingInOneWrite(t *testing.T) {
	repo := repository.NewMemoryRepo()
	seedOrder(t, repo, "order-1", model.OrderStatusProcessing)
	svc := newTestService(t, repo)

	tracking := inTransit()
	o, err := svc.ApplyOrderUpdate(context.Background(), OrderUpdate{
		OrderID:        "order-1",
		Status:         model.OrderStatusShipped,
		TrackingNumber: ptr("TRK123"),
		Tracking:       &tracking,
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusShipped, o.Status)
	assert.Equal(t, "TRK123", *o.TrackingNumber)
	assert.Len(t, o.TrackingHistory, 1)
	assert.Equal(t, int64(2), o.Version)
	assert.Equal(t, testNow, o.UpdatedAt)

	var kinds []model.EmailKind
	for _, e := range emailsOf(t, repo) {
		kinds = append(kinds, e.Kind)
	}
	assert.ElementsMatch(t, []model.EmailKind{model.EmailOrderShipped, model.EmailTrackingUpdate}, kinds)
	assert.Len(t, notificationsOf(t, repo), 2)
	assert.Len(t, outboxOf(repo, model.OutboxStatusEvent), 1)
}

func TestApplyOrderUpdate_InvalidTrackingChangesNothing(t *testing.T) {
	repo := repository.NewMemoryRepo()
	seedOrder(t, repo, "order-1", model.OrderStatusProcessing)
	svc := newTestService(t, repo)
	ctx := context.Background()

	tests := []struct {
		name     string
		tracking TrackingEventInput
	}{
		{"missing location", TrackingEventInput{Status: model.TrackingInTransit, Description: "Left facility"}},
		{"missing description", TrackingEventInput{Status: model.TrackingInTransit, Location: "Zurich"}},
		{"unknown status", TrackingEventInput{Status: "lost_at_sea", Location: "Zurich", Description: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracking := tt.tracking
			_, err := svc.ApplyOrderUpdate(ctx, OrderUpdate{
				OrderID:        "order-1",
				Status:         model.OrderStatusShipped,
				TrackingNumber: ptr("TRK123"),
				Tracking:       &tracking,
			})
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	o, err := repo.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusProcessing, o.Status)
	assert.Nil(t, o.TrackingNumber)
	assert.Equal(t, int64(1), o.Version)
	assert.Empty(t, repo.Outbox())
}

func TestApplyOrderUpdate_RequiresSomething(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryRepo())
	_, err := svc.ApplyOrderUpdate(context.Background(), OrderUpdate{OrderID: "order-1"})
	assert.ErrorIs(t, err, ErrValidation)
}
