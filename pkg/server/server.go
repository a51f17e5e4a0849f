package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/luxwatch/orderservice/pkg/model"
	"github.com/luxwatch/orderservice/pkg/repository"
	"github.com/luxwatch/orderservice/pkg/service"
	"github.com/sirupsen/logrus"
)

type OrderOps interface {
	CreateOrder(ctx context.Context, in service.CreateOrderInput) (*model.Order, error)
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*model.Order, error)
	ListOrders(ctx context.Context, filter repository.OrderFilter) ([]*model.Order, error)
	ApplyOrderUpdate(ctx context.Context, u service.OrderUpdate) (*model.Order, error)
}

type NotificationOps interface {
	List(ctx context.Context, userID string, limit int) ([]*model.Notification, error)
	MarkRead(ctx context.Context, userID string, ids []string) (int64, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Create(ctx context.Context, in service.NotificationInput) (*model.Notification, error)
}

type ReviewOps interface {
	Create(ctx context.Context, in service.ReviewInput) (*model.Review, error)
	List(ctx context.Context, filter repository.ReviewFilter) ([]*model.Review, error)
}

// ReadyFunc reports whether backing stores are reachable.
type ReadyFunc func(ctx context.Context) error

type Server struct {
	orders        OrderOps
	notifications NotificationOps
	reviews       ReviewOps
	auth          *Authenticator
	limiter       *Limiter
	ready         ReadyFunc
	log           *logrus.Logger
}

type Options struct {
	Orders        OrderOps
	Notifications NotificationOps
	Reviews       ReviewOps
	Auth          *Authenticator
	// nil disables rate limiting
	Limiter *Limiter
	Ready   ReadyFunc
	Log     *logrus.Logger
}

func New(opts Options) *Server {
	return &Server{
		orders:        opts.Orders,
		notifications: opts.Notifications,
		reviews:       opts.Reviews,
		auth:          opts.Auth,
		limiter:       opts.Limiter,
		ready:         opts.Ready,
		log:           opts.Log,
	}
}

// Handler builds the routed handler wrapped in request logging and rate limiting.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthzHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.readyzHandler).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.auth.requireAuth)

	api.HandleFunc("/admin/orders", requireAdmin(s.adminUpdateOrderHandler)).Methods(http.MethodPatch)
	api.HandleFunc("/admin/orders", requireAdmin(s.adminListOrdersHandler)).Methods(http.MethodGet)

	api.HandleFunc("/orders", s.createOrderHandler).Methods(http.MethodPost)
	api.HandleFunc("/orders", s.listOrdersHandler).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", s.getOrderHandler).Methods(http.MethodGet)

	api.HandleFunc("/notifications", s.listNotificationsHandler).Methods(http.MethodGet)
	api.HandleFunc("/notifications", s.markNotificationsHandler).Methods(http.MethodPatch)
	api.HandleFunc("/notifications", requireAdmin(s.createNotificationHandler)).Methods(http.MethodPost)

	api.HandleFunc("/reviews", s.createReviewHandler).Methods(http.MethodPost)
	api.HandleFunc("/reviews", s.listReviewsHandler).Methods(http.MethodGet)

	var handler http.Handler = r
	if s.limiter != nil {
		handler = s.limiter.GlobalAndIPLimiter(handler)
	}
	return &logHandler{log: s.log, next: handler}
}

// NewHTTPServer wraps h with the timeouts used in production.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
