package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/luxwatch/orderservice/pkg/model"
	"github.com/luxwatch/orderservice/pkg/repository"
	"github.com/luxwatch/orderservice/pkg/service"
	"github.com/pkg/errors"
)

const maxBodyBytes = 1 << 20

type orderUpdates struct {
	Status         model.OrderStatus `json:"status"`
	TrackingNumber *string           `json:"tracking_number"`
}

type trackingUpdate struct {
	Status      model.TrackingStatus `json:"status"`
	Location    string               `json:"location"`
	Description string               `json:"description"`
}

type adminUpdateRequest struct {
	OrderID        string          `json:"orderId"`
	Updates        *orderUpdates   `json:"updates"`
	SendEmail      *bool           `json:"sendEmail"`
	TrackingUpdate *trackingUpdate `json:"trackingUpdate"`
}

type orderResponse struct {
	Success bool         `json:"success"`
	Order   *model.Order `json:"order"`
}

type createOrderRequest struct {
	CustomerEmail string             `json:"customer_email"`
	Items         []model.OrderItem  `json:"items"`
	Shipping      model.ShippingInfo `json:"shipping_info"`
}

type markNotificationsRequest struct {
	IDs []string `json:"ids"`
	All bool     `json:"all"`
}

type createNotificationRequest struct {
	UserID  string                 `json:"user_id"`
	OrderID string                 `json:"order_id"`
	Type    model.NotificationType `json:"type"`
	Title   string                 `json:"title"`
	Message string                 `json:"message"`
	Link    string                 `json:"link"`
}

type createReviewRequest struct {
	OrderID     string `json:"order_id"`
	ProductName string `json:"product_name"`
	Rating      int32  `json:"rating"`
	Comment     string `json:"comment"`
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			requestLogger(r).WithField("error", err).Warn("readiness check failed")
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// PATCH /admin/orders
func (s *Server) adminUpdateOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req adminUpdateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// 状态、运单号、物流节点一次写入
	u := service.OrderUpdate{OrderID: req.OrderID, SendEmail: req.SendEmail}
	if req.Updates != nil {
		u.Status = req.Updates.Status
		u.TrackingNumber = req.Updates.TrackingNumber
	}
	if req.TrackingUpdate != nil {
		u.Tracking = &service.TrackingEventInput{
			Status:      req.TrackingUpdate.Status,
			Location:    req.TrackingUpdate.Location,
			Description: req.TrackingUpdate.Description,
		}
	}
	order, err := s.orders.ApplyOrderUpdate(r.Context(), u)
	if err != nil {
		s.renderServiceError(w, r, err, "failed to update order")
		return
	}

	writeJSON(w, http.StatusOK, orderResponse{Success: true, Order: order})
}

// GET /admin/orders?status=&limit=
func (s *Server) adminListOrdersHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orders, err := s.orders.ListOrders(r.Context(), repository.OrderFilter{
		Status: model.OrderStatus(q.Get("status")),
		Limit:  queryLimit(r),
	})
	if err != nil {
		s.renderServiceError(w, r, err, "failed to list orders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

func (s *Server) createOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	order, err := s.orders.CreateOrder(r.Context(), service.CreateOrderInput{
		UserID:        identity(r).UserID,
		CustomerEmail: req.CustomerEmail,
		Items:         req.Items,
		Shipping:      req.Shipping,
	})
	if err != nil {
		s.renderServiceError(w, r, err, "failed to create order")
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse{Success: true, Order: order})
}

func (s *Server) listOrdersHandler(w http.ResponseWriter, r *http.Request) {
	orders, err := s.orders.ListOrdersByUser(r.Context(), identity(r).UserID, queryLimit(r))
	if err != nil {
		s.renderServiceError(w, r, err, "failed to list orders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

func (s *Server) getOrderHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	order, err := s.orders.GetOrder(r.Context(), id)
	if err != nil {
		s.renderServiceError(w, r, err, "failed to load order")
		return
	}
	// 非本人订单按不存在处理
	if caller := identity(r); !caller.IsAdmin() && order.UserID != caller.UserID {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Success: true, Order: order})
}

func (s *Server) listNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	notes, err := s.notifications.List(r.Context(), identity(r).UserID, queryLimit(r))
	if err != nil {
		s.renderServiceError(w, r, err, "failed to list notifications")
		return
	}
	unread := 0
	for _, n := range notes {
		if !n.Read {
			unread++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": notes, "unread": unread})
}

func (s *Server) markNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	var req markNotificationsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := identity(r).UserID
	var (
		n   int64
		err error
	)
	if req.All {
		n, err = s.notifications.MarkAllRead(r.Context(), userID)
	} else {
		n, err = s.notifications.MarkRead(r.Context(), userID, req.IDs)
	}
	if err != nil {
		s.renderServiceError(w, r, err, "failed to update notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "updated": n})
}

func (s *Server) createNotificationHandler(w http.ResponseWriter, r *http.Request) {
	var req createNotificationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.notifications.Create(r.Context(), service.NotificationInput{
		UserID:  req.UserID,
		OrderID: req.OrderID,
		Type:    req.Type,
		Title:   req.Title,
		Message: req.Message,
		Link:    req.Link,
	})
	if err != nil {
		s.renderServiceError(w, r, err, "failed to create notification")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "notification": n})
}

func (s *Server) createReviewHandler(w http.ResponseWriter, r *http.Request) {
	var req createReviewRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rv, err := s.reviews.Create(r.Context(), service.ReviewInput{
		UserID:      identity(r).UserID,
		OrderID:     req.OrderID,
		ProductName: req.ProductName,
		Rating:      req.Rating,
		Comment:     req.Comment,
	})
	if err != nil {
		s.renderServiceError(w, r, err, "failed to create review")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "review": rv})
}

func (s *Server) listReviewsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reviews, err := s.reviews.List(r.Context(), repository.ReviewFilter{
		OrderID: q.Get("order_id"),
		UserID:  q.Get("user_id"),
		Limit:   queryLimit(r),
	})
	if err != nil {
		s.renderServiceError(w, r, err, "failed to list reviews")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reviews": reviews})
}

// renderServiceError maps service sentinels to status codes. 500s hide the cause behind fallback.
func (s *Server) renderServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	log := requestLogger(r).WithField("error", err)
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrConcurrentUpdate):
		log.Info("request conflict")
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error("request error")
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errors.Wrap(err, "invalid request body")
	}
	return nil
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
