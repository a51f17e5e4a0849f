package model

import "time"

type Review struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID      string    `gorm:"type:varchar(64);index" json:"user_id"`
	OrderID     string    `gorm:"type:varchar(64);index" json:"order_id"`
	ProductName string    `gorm:"type:varchar(255)" json:"product_name"`
	Rating      int32     `gorm:"type:tinyint" json:"rating"`
	Comment     string    `gorm:"type:text" json:"comment"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Review) TableName() string {
	return "reviews"
}
