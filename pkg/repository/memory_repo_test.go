package repository

import (
	"context"
	"testing"
	"time"

	"github.com/luxwatch/orderservice/pkg/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedOrder(t *testing.T, r *MemoryRepo, id string) *model.Order {
	t.Helper()
	o := &model.Order{
		OrderID:       id,
		UserID:        "u1",
		Status:        model.OrderStatusAwaitingPayment,
		PaymentStatus: model.PaymentStatusPending,
	}
	require.NoError(t, r.CreateOrder(context.Background(), o))
	return o
}

func TestMemoryRepo_ApplyOrderChangeCAS(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	seedOrder(t, r, "o1")

	status := model.OrderStatusPaymentReceived
	msg, err := model.NewOutboxMessage("o1", model.OutboxStatusEvent, map[string]string{"k": "v"}, time.Now())
	require.NoError(t, err)

	got, err := r.ApplyOrderChange(ctx, "o1", 1, OrderChange{Status: &status}, []*model.OutboxMessage{msg})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, status, got.Status)
	assert.Len(t, r.Outbox(), 1)

	// stale version
	_, err = r.ApplyOrderChange(ctx, "o1", 1, OrderChange{Status: &status}, nil)
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = r.ApplyOrderChange(ctx, "missing", 1, OrderChange{Status: &status}, nil)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestMemoryRepo_FaultLeavesNoOutbox(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	seedOrder(t, r, "o1")
	r.SetFault("ApplyOrderChange", errors.New("disk full"))

	status := model.OrderStatusPaymentReceived
	msg, err := model.NewOutboxMessage("o1", model.OutboxNotification, struct{}{}, time.Now())
	require.NoError(t, err)

	_, err = r.ApplyOrderChange(ctx, "o1", 1, OrderChange{Status: &status}, []*model.OutboxMessage{msg})
	require.Error(t, err)
	assert.Empty(t, r.Outbox())

	o, err := r.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusAwaitingPayment, o.Status)
}

func TestMemoryRepo_NotificationDedupe(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()

	n := &model.Notification{ID: "n1", UserID: "u1", DedupeKey: "o1:payment:v2"}
	require.NoError(t, r.InsertNotification(ctx, n))
	dup := &model.Notification{ID: "n2", UserID: "u1", DedupeKey: "o1:payment:v2"}
	assert.ErrorIs(t, r.InsertNotification(ctx, dup), ErrDuplicate)

	other := &model.Notification{ID: "n3", UserID: "u2", DedupeKey: "o1:payment:v2"}
	assert.NoError(t, r.InsertNotification(ctx, other))
}

func TestMemoryRepo_MarkNotificationsRead(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.InsertNotification(ctx, &model.Notification{ID: id, UserID: "u1"}))
	}
	require.NoError(t, r.InsertNotification(ctx, &model.Notification{ID: "x", UserID: "u2"}))

	n, err := r.MarkNotificationsRead(ctx, "u1", []string{"a", "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = r.MarkNotificationsRead(ctx, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	list, err := r.ListNotificationsByUser(ctx, "u2", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Read)
}

func TestMemoryRepo_ClaimDueOutboxLeases(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	seedOrder(t, r, "o1")
	now := time.Now()

	due, _ := model.NewOutboxMessage("o1", model.OutboxEmail, struct{}{}, now.Add(-time.Second))
	later, _ := model.NewOutboxMessage("o1", model.OutboxEmail, struct{}{}, now.Add(time.Hour))
	status := model.OrderStatusCancelled
	_, err := r.ApplyOrderChange(ctx, "o1", 1, OrderChange{Status: &status}, []*model.OutboxMessage{due, later})
	require.NoError(t, err)

	claimed, err := r.ClaimDueOutbox(ctx, now, now.Add(30*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)

	// leased messages are not handed out twice
	again, err := r.ClaimDueOutbox(ctx, now, now.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, r.MarkOutboxSent(ctx, due.ID, now))
	for _, m := range r.Outbox() {
		if m.ID == due.ID {
			assert.Equal(t, model.OutboxSent, m.Status)
			assert.NotNil(t, m.SentAt)
		}
	}
}

func TestMemoryRepo_ListOrdersFilter(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	old := &model.Order{OrderID: "old", UserID: "u1", Status: model.OrderStatusAwaitingPayment, CreatedAt: time.Now().Add(-2 * time.Hour)}
	fresh := &model.Order{OrderID: "fresh", UserID: "u2", Status: model.OrderStatusAwaitingPayment, CreatedAt: time.Now()}
	paid := &model.Order{OrderID: "paid", UserID: "u1", Status: model.OrderStatusProcessing, CreatedAt: time.Now().Add(-3 * time.Hour)}
	for _, o := range []*model.Order{old, fresh, paid} {
		require.NoError(t, r.CreateOrder(ctx, o))
	}

	got, err := r.ListOrders(ctx, OrderFilter{Status: model.OrderStatusAwaitingPayment, CreatedBefore: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "old", got[0].OrderID)

	mine, err := r.ListOrdersByUser(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "old", mine[0].OrderID)
}

func TestMemoryRepo_ApplyOrderChangeStampsUpdatedAt(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	seedOrder(t, r, "o1")

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	status := model.OrderStatusPaymentReceived
	got, err := r.ApplyOrderChange(ctx, "o1", 1, OrderChange{Status: &status, UpdatedAt: at}, nil)
	require.NoError(t, err)
	assert.Equal(t, at, got.UpdatedAt)

	stored, err := r.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, at, stored.UpdatedAt)
}
