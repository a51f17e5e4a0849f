package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/luxwatch/orderservice/pkg/model"
	"github.com/luxwatch/orderservice/pkg/repository"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type NotificationService struct {
	repo repository.NotificationRepo
	log  *logrus.Logger
	now  func() time.Time
}

func NewNotificationService(repo repository.NotificationRepo, log *logrus.Logger) *NotificationService {
	return &NotificationService{repo: repo, log: log, now: time.Now}
}

type NotificationInput struct {
	UserID  string
	OrderID string
	Type    model.NotificationType
	Title   string
	Message string
	Link    string
}

func (s *NotificationService) List(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	if userID == "" {
		return nil, validationErrorf("user id is required")
	}
	return s.repo.ListNotificationsByUser(ctx, userID, limit)
}

func (s *NotificationService) MarkRead(ctx context.Context, userID string, ids []string) (int64, error) {
	if userID == "" {
		return 0, validationErrorf("user id is required")
	}
	if len(ids) == 0 {
		return 0, validationErrorf("ids must not be empty")
	}
	return s.repo.MarkNotificationsRead(ctx, userID, ids)
}

func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, validationErrorf("user id is required")
	}
	return s.repo.MarkNotificationsRead(ctx, userID, nil)
}

// Create inserts a notification directly; order transitions go through the outbox instead.
func (s *NotificationService) Create(ctx context.Context, in NotificationInput) (*model.Notification, error) {
	switch {
	case strings.TrimSpace(in.UserID) == "":
		return nil, validationErrorf("user id is required")
	case !in.Type.Valid():
		return nil, validationErrorf("unknown notification type %q", in.Type)
	case strings.TrimSpace(in.Title) == "":
		return nil, validationErrorf("title is required")
	}
	n := &model.Notification{
		ID:        uuid.New().String(),
		UserID:    in.UserID,
		OrderID:   in.OrderID,
		Type:      in.Type,
		Title:     strings.TrimSpace(in.Title),
		Message:   in.Message,
		Link:      in.Link,
		CreatedAt: s.now(),
	}
	n.DedupeKey = "manual:" + n.ID
	if err := s.repo.InsertNotification(ctx, n); err != nil {
		return nil, errors.Wrap(err, "create notification")
	}
	return n, nil
}
