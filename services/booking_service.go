package services

import (
	"errors"

	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/models"
	"gorm.io/gorm"
)

var ErrBookingNotFound = errors.New("booking not found")

// BookingService 预约子系统的读取与状态回写入口。
// 会话引擎对 Booking 只读引用，状态传播失败不回滚会话迁移。
type BookingService struct {
	db *gorm.DB
}

func NewBookingService(db *gorm.DB) *BookingService {
	return &BookingService{db: db}
}

func (s *BookingService) GetBooking(id uint) (*models.Booking, error) {
	var booking models.Booking
	err := s.db.Preload("Customer").Preload("Package").First(&booking, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	return &booking, nil
}

// SetBookingStatus 状态传播（CANCELED / COMPLETED）
func (s *BookingService) SetBookingStatus(id uint, status string) error {
	result := s.db.Model(&models.Booking{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBookingNotFound
	}
	return nil
}
