package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/luxwatch/orderservice/pkg/model"
	"github.com/luxwatch/orderservice/pkg/repository"
	"github.com/pkg/errors"
)

const maxReviewComment = 2000

type ReviewService struct {
	reviews repository.ReviewRepo
	orders  repository.OrderRepo
	now     func() time.Time
}

func NewReviewService(reviews repository.ReviewRepo, orders repository.OrderRepo) *ReviewService {
	return &ReviewService{reviews: reviews, orders: orders, now: time.Now}
}

type ReviewInput struct {
	UserID      string
	OrderID     string
	ProductName string
	Rating      int32
	Comment     string
}

func (s *ReviewService) Create(ctx context.Context, in ReviewInput) (*model.Review, error) {
	switch {
	case in.UserID == "":
		return nil, validationErrorf("user id is required")
	case strings.TrimSpace(in.ProductName) == "":
		return nil, validationErrorf("product name is required")
	case in.Rating < 1 || in.Rating > 5:
		return nil, validationErrorf("rating must be between 1 and 5")
	case utf8.RuneCountInString(in.Comment) > maxReviewComment:
		return nil, validationErrorf("comment is too long")
	}

	// 订单归属校验
	if in.OrderID != "" {
		o, err := s.orders.GetOrder(ctx, in.OrderID)
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, errors.Wrapf(ErrOrderNotFound, "order %s", in.OrderID)
		}
		if err != nil {
			return nil, err
		}
		if o.UserID != in.UserID {
			return nil, validationErrorf("order %s does not belong to the reviewer", in.OrderID)
		}
	}

	r := &model.Review{
		ID:          uuid.New().String(),
		UserID:      in.UserID,
		OrderID:     in.OrderID,
		ProductName: strings.TrimSpace(in.ProductName),
		Rating:      in.Rating,
		Comment:     strings.TrimSpace(in.Comment),
		CreatedAt:   s.now(),
	}
	if err := s.reviews.InsertReview(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *ReviewService) List(ctx context.Context, filter repository.ReviewFilter) ([]*model.Review, error) {
	return s.reviews.ListReviews(ctx, filter)
}
