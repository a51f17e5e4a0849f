package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// OrderItem 下单时的商品快照，创建后不可修改
type OrderItem struct {
	Name      string `json:"name"`
	Brand     string `json:"brand"`
	UnitPrice int64  `json:"unit_price"` // cents
	ImageURL  string `json:"image_url"`
	Quantity  int32  `json:"quantity"`
}

type ShippingInfo struct {
	FullName   string `json:"full_name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type TrackingEvent struct {
	Status      TrackingStatus `json:"status"`
	Location    string         `json:"location"`
	Description string         `json:"description"`
	Timestamp   time.Time      `json:"timestamp"`
}

type Order struct {
	OrderID         string                             `gorm:"primaryKey;type:varchar(64)" json:"order_id"`
	UserID          string                             `gorm:"type:varchar(64);index" json:"user_id"`
	CustomerEmail   string                             `gorm:"type:varchar(255)" json:"customer_email"`
	Status          OrderStatus                        `gorm:"type:varchar(32);index:idx_status_created_at,priority:1" json:"status"`
	PaymentStatus   PaymentStatus                      `gorm:"type:varchar(32)" json:"payment_status"`
	Items           datatypes.JSONSlice[OrderItem]     `gorm:"type:json" json:"items"`
	Total           int64                              `gorm:"type:bigint;comment:minor units (cents)" json:"total"`
	USDTAmount      string                             `gorm:"column:usdt_amount;type:varchar(32)" json:"usdt_amount"`
	TrackingNumber  *string                            `gorm:"type:varchar(128)" json:"tracking_number"`
	TrackingHistory datatypes.JSONSlice[TrackingEvent] `gorm:"type:json" json:"tracking_history"`
	ShippingInfo    datatypes.JSONType[ShippingInfo]   `gorm:"type:json" json:"shipping_info"`
	Version         int64                              `gorm:"not null;default:1" json:"version"`
	CreatedAt       time.Time                          `gorm:"index:idx_status_created_at,priority:2" json:"created_at"`
	UpdatedAt       time.Time                          `json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

// Shipping returns the shipping snapshot taken at checkout.
func (o *Order) Shipping() ShippingInfo {
	return o.ShippingInfo.Data()
}

// LatestTracking returns the most recently appended tracking event, if any.
func (o *Order) LatestTracking() (TrackingEvent, bool) {
	if len(o.TrackingHistory) == 0 {
		return TrackingEvent{}, false
	}
	return o.TrackingHistory[len(o.TrackingHistory)-1], true
}

// Clone returns a deep copy so callers never share slices with a store.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append(datatypes.JSONSlice[OrderItem]{}, o.Items...)
	c.TrackingHistory = append(datatypes.JSONSlice[TrackingEvent]{}, o.TrackingHistory...)
	if o.TrackingNumber != nil {
		tn := *o.TrackingNumber
		c.TrackingNumber = &tn
	}
	c.ShippingInfo = datatypes.NewJSONType(o.ShippingInfo.Data())
	return &c
}

// ShortRef is the customer-facing order reference.
func ShortRef(orderID string) string {
	if len(orderID) > 8 {
		orderID = orderID[:8]
	}
	return strings.ToUpper(orderID)
}

func FormatCents(cents int64) string {
	return "$" + decimal.New(cents, -2).StringFixed(2)
}

// USDTFromCents derives the stablecoin amount quoted at checkout (1 USDT = 1 USD).
func USDTFromCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
