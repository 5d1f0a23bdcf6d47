package workflow

import (
	"context"
	"errors"

	"bitbucket.org/mobelwerk/logistics_backend/config"
	"bitbucket.org/mobelwerk/logistics_backend/models"
	"bitbucket.org/mobelwerk/logistics_backend/utils"
	"gorm.io/gorm"
)

// MarkAllPlanItemsLoaded puts every non-missing item of the plan's
// deliveries on the truck with a single set-based UPDATE, then recomputes
// each delivery once and the plan once. Deliberately batched; flipping tens
// of items one by one would re-derive the same delivery over and over.
func MarkAllPlanItemsLoaded(ctx context.Context, planId int) (*models.RoutePlan, error) {
	db := config.GetDB()

	var plan models.RoutePlan
	if err := db.WithContext(ctx).Where("id = ?", planId).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	var deliveryIds []int
	if err := tx.WithContext(ctx).Model(&models.RoutePlanAssignment{}).
		Where("route_plan_id = ? AND status <> ?", planId, models.AssignmentStatusCancelled).
		Pluck("delivery_id", &deliveryIds).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if len(deliveryIds) == 0 {
		tx.Rollback()
		return nil, errors.New("plan has no deliveries to load")
	}

	err := tx.WithContext(ctx).Model(&models.DeliveryItem{}).
		Where("delivery_id IN ?", deliveryIds).
		Where("load_status <> ?", models.ItemLoadStatusMissing).
		Where("status NOT IN ?", []models.DeliveryItemStatus{
			models.DeliveryItemStatusRescheduled, models.DeliveryItemStatusCancelled,
		}).
		Update("load_status", models.ItemLoadStatusLoaded).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	for _, deliveryId := range deliveryIds {
		if err := models.RecalculateDeliveryLoadStatusInTx(ctx, tx, deliveryId); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := models.CheckDeliveryStatus(ctx, tx, deliveryId); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := models.RecalculatePlanLoadStatus(ctx, tx, planId); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	if err := db.WithContext(ctx).Where("id = ?", planId).First(&plan).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

// SetItemLoadStatus updates one item's loading state and rolls the change up
// to the plan the delivery is currently assigned to, if any.
func SetItemLoadStatus(ctx context.Context, itemId int, loadStatus models.ItemLoadStatus) (*models.DeliveryItem, error) {
	item, err := models.SetDeliveryItemLoadStatus(ctx, itemId, loadStatus)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	var planIds []int
	err = db.WithContext(ctx).Model(&models.RoutePlanAssignment{}).
		Where("delivery_id = ? AND status <> ?", item.DeliveryId, models.AssignmentStatusCancelled).
		Pluck("route_plan_id", &planIds).Error
	if err != nil {
		return nil, err
	}
	for _, planId := range utils.UniqueSlice(planIds) {
		tx := db.Begin()
		if err := models.RecalculatePlanLoadStatus(ctx, tx, planId); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
	}
	return item, nil
}
