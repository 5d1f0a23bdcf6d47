package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mobelwerk/logistics_backend/config"
	"bitbucket.org/mobelwerk/logistics_backend/utils"
	"gorm.io/gorm"
)

// DeliveryPlanLocation is one GPS ping of the truck driving a plan.
// Append only; pings are never updated or deleted individually.
type DeliveryPlanLocation struct {
	ID          int       `gorm:"primary_key" json:"id"`
	RoutePlanId int       `gorm:"not null;index:idx_plan_location" json:"route_plan_id" binding:"required"`
	Latitude    float64   `gorm:"not null" json:"latitude" binding:"required"`
	Longitude   float64   `gorm:"not null" json:"longitude" binding:"required"`
	RecordedAt  time.Time `gorm:"not null;index:idx_plan_location" json:"recorded_at"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewDeliveryPlanLocation struct {
	RoutePlanId int        `json:"route_plan_id"`
	Latitude    float64    `json:"latitude" binding:"required"`
	Longitude   float64    `json:"longitude" binding:"required"`
	RecordedAt  *time.Time `json:"recorded_at"`
}

// RecordPlanLocation stores a ping for a running plan.
func RecordPlanLocation(ctx context.Context, input *NewDeliveryPlanLocation) (*DeliveryPlanLocation, error) {
	db := config.GetDB()

	var plan RoutePlan
	if err := db.WithContext(ctx).Where("id = ?", input.RoutePlanId).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if plan.Status != RoutePlanStatusInProgress {
		return nil, errors.New("locations can only be recorded for plans in progress")
	}
	if input.Latitude < -90 || input.Latitude > 90 || input.Longitude < -180 || input.Longitude > 180 {
		return nil, errors.New("coordinates out of range")
	}

	recordedAt := time.Now()
	if input.RecordedAt != nil {
		recordedAt = *input.RecordedAt
	}
	location := DeliveryPlanLocation{
		RoutePlanId: input.RoutePlanId,
		Latitude:    input.Latitude,
		Longitude:   input.Longitude,
		RecordedAt:  recordedAt,
	}
	if err := db.WithContext(ctx).Create(&location).Error; err != nil {
		return nil, err
	}
	return &location, nil
}

// GetPlanLocations returns the ping trail of a plan, oldest first.
func GetPlanLocations(ctx context.Context, planId int, since *time.Time) ([]DeliveryPlanLocation, error) {
	db := config.GetDB()
	query := db.WithContext(ctx).Where("route_plan_id = ?", planId)
	if since != nil {
		query = query.Where("recorded_at > ?", *since)
	}
	var locations []DeliveryPlanLocation
	err := query.Order("recorded_at ASC").Find(&locations).Error
	return locations, err
}

// LatestPlanLocation returns the most recent ping, or nil when the truck has
// not reported yet.
func LatestPlanLocation(ctx context.Context, planId int) (*DeliveryPlanLocation, error) {
	db := config.GetDB()
	var location DeliveryPlanLocation
	err := db.WithContext(ctx).Where("route_plan_id = ?", planId).
		Order("recorded_at DESC").First(&location).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &location, nil
}
