package service

import (
	"context"
	"testing"

	"github.com/luxwatch/orderservice/pkg/model"
	"github.com/luxwatch/orderservice/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationService(t *testing.T) {
	repo := repository.NewMemoryRepo()
	svc := NewNotificationService(repo, quietLogger())
	ctx := context.Background()

	a, err := svc.Create(ctx, NotificationInput{UserID: "u1", Type: model.NotificationShipping, Title: "Shipped", OrderID: "o1"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, NotificationInput{UserID: "u1", Type: model.NotificationPayment, Title: "Paid"})
	require.NoError(t, err)

	list, err := svc.List(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	n, err := svc.MarkRead(ctx, "u1", []string{a.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = svc.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = svc.MarkRead(ctx, "u1", nil)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = svc.List(ctx, "", 10)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNotificationService_CreateValidation(t *testing.T) {
	svc := NewNotificationService(repository.NewMemoryRepo(), quietLogger())
	bad := []NotificationInput{
		{Type: model.NotificationPayment, Title: "x"},
		{UserID: "u1", Type: "promo", Title: "x"},
		{UserID: "u1", Type: model.NotificationPayment, Title: " "},
	}
	for _, in := range bad {
		_, err := svc.Create(context.Background(), in)
		assert.ErrorIs(t, err, ErrValidation)
	}
}

func TestReviewService(t *testing.T) {
	repo := repository.NewMemoryRepo()
	seedOrder(t, repo, "order-1", model.OrderStatusCompleted)
	svc := NewReviewService(repo, repo)
	ctx := context.Background()

	r, err := svc.Create(ctx, ReviewInput{UserID: "user-1", OrderID: "order-1", ProductName: "Nautilus 5711", Rating: 5, Comment: "Perfect"})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)

	_, err = svc.Create(ctx, ReviewInput{UserID: "user-2", OrderID: "order-1", ProductName: "Nautilus 5711", Rating: 4})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, ReviewInput{UserID: "user-1", OrderID: "nope", ProductName: "x", Rating: 4})
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = svc.Create(ctx, ReviewInput{UserID: "user-1", ProductName: "x", Rating: 6})
	assert.ErrorIs(t, err, ErrValidation)

	list, err := svc.List(ctx, repository.ReviewFilter{OrderID: "order-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int32(5), list[0].Rating)
}
