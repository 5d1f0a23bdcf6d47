package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type UserRole string

const (
	UserRoleAdmin      UserRole = "Admin"
	UserRoleLogistics  UserRole = "Logistics"
	UserRoleProduction UserRole = "Production"
	UserRoleSeller     UserRole = "Seller"
	UserRoleDriver     UserRole = "Driver"
)

type User struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Username  string    `gorm:"size:100;uniqueIndex;not null" json:"username" binding:"required"`
	Name      string    `gorm:"size:255" json:"name"`
	Email     string    `gorm:"size:255" json:"email"`
	Role      UserRole  `gorm:"type:enum('Admin','Logistics','Production','Seller','Driver');not null;default:'Seller'" json:"role"`
	Active    *bool     `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (obj User) GetId() int {
	return obj.ID
}

// GetUserIdsByRoles returns the ids of active users holding any of the given
// roles. Used for notification fan-out to the logistics/production desks.
func GetUserIdsByRoles(ctx context.Context, tx *gorm.DB, roles ...UserRole) ([]int, error) {
	var ids []int
	err := tx.WithContext(ctx).Model(&User{}).
		Where("role IN ? AND active = 1", roles).
		Pluck("id", &ids).Error
	return ids, err
}
