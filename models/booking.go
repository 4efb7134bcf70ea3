package models

import "time"

const (
	BookingStatusPending   = "pending"
	BookingStatusConfirmed = "confirmed"
	BookingStatusCanceled  = "canceled"
	BookingStatusCompleted = "completed"
)

// 占卜师发布的服务套餐
type ServicePackage struct {
	ID              uint      `json:"id" gorm:"primaryKey"`
	SeerID          uint      `json:"seer_id" gorm:"index"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	DurationMinutes int       `json:"duration_minutes"`
	Price           float64   `json:"price"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	// 关联
	Seer *User `json:"seer,omitempty" gorm:"foreignKey:SeerID"`
}

// Booking 归属预约子系统，会话引擎只读引用
type Booking struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	CustomerID    uint      `json:"customer_id" gorm:"index"`
	PackageID     uint      `json:"package_id" gorm:"index"`
	Status        string    `json:"status" gorm:"default:'pending'"`
	ScheduledTime time.Time `json:"scheduled_time"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	// 关联
	Customer *User           `json:"customer,omitempty" gorm:"foreignKey:CustomerID"`
	Package  *ServicePackage `json:"package,omitempty" gorm:"foreignKey:PackageID"`
}
