package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mobelwerk/logistics_backend/config"
	"bitbucket.org/mobelwerk/logistics_backend/utils"
	"gorm.io/gorm"
)

type RoutePlan struct {
	ID         int             `gorm:"primary_key" json:"id"`
	Name       string          `gorm:"size:255" json:"name"`
	Week       int             `gorm:"not null;index:idx_plan_week" json:"week" binding:"required"`
	Year       int             `gorm:"not null;index:idx_plan_week" json:"year" binding:"required"`
	Status     RoutePlanStatus `gorm:"type:enum('Draft','SentToLogistics','RoutesCreated','InProgress','Completed','Aborted');not null;default:'Draft'" json:"status"`
	DriverId   *int            `gorm:"index" json:"driver_id"`
	Truck      TruckType       `gorm:"type:enum('Box','Trailer','Sprinter','External');not null;default:'Box'" json:"truck"`
	LoadStatus PlanLoadStatus  `gorm:"type:enum('Empty','Partial','AllLoaded','SomeMissing');not null;default:'Empty'" json:"load_status"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`

	Assignments []RoutePlanAssignment  `gorm:"foreignKey:RoutePlanId" json:"assignments"`
	Locations   []DeliveryPlanLocation `gorm:"foreignKey:RoutePlanId" json:"locations"`
}

type NewRoutePlan struct {
	Name  string    `json:"name"`
	Week  int       `json:"week" binding:"required"`
	Year  int       `json:"year" binding:"required"`
	Truck TruckType `json:"truck"`
}

func (obj RoutePlan) GetId() int {
	return obj.ID
}

func (obj RoutePlan) GetDisplayLabel() string {
	if obj.Name != "" {
		return obj.Name
	}
	return "route plan"
}

func CreateRoutePlan(ctx context.Context, input *NewRoutePlan) (*RoutePlan, error) {
	db := config.GetDB()

	if input.Week < 1 || input.Week > 53 {
		return nil, errors.New("week must be between 1 and 53")
	}
	if input.Year < 2000 {
		return nil, errors.New("year is not valid")
	}
	truck := input.Truck
	if truck == "" {
		truck = TruckTypeBox
	}

	plan := RoutePlan{
		Name:       input.Name,
		Week:       input.Week,
		Year:       input.Year,
		Status:     RoutePlanStatusDraft,
		Truck:      truck,
		LoadStatus: PlanLoadStatusEmpty,
	}
	if err := db.WithContext(ctx).Create(&plan).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

func GetRoutePlan(ctx context.Context, id int) (*RoutePlan, error) {
	db := config.GetDB()
	var plan RoutePlan
	err := db.WithContext(ctx).
		Preload("Assignments", func(db *gorm.DB) *gorm.DB { return db.Order("stop_order ASC") }).
		Where("id = ?", id).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	return &plan, err
}

// DerivePlanLoadStatus classifies a plan's loading progress from all item
// load states across its deliveries. Priority: SomeMissing > AllLoaded >
// Partial > Empty. Pure.
func DerivePlanLoadStatus(loads []ItemLoadStatus) PlanLoadStatus {
	if len(loads) == 0 {
		return PlanLoadStatusEmpty
	}
	var loaded, missing int
	for _, l := range loads {
		switch l {
		case ItemLoadStatusLoaded:
			loaded++
		case ItemLoadStatusMissing:
			missing++
		}
	}
	switch {
	case missing > 0:
		return PlanLoadStatusSomeMissing
	case loaded == len(loads):
		return PlanLoadStatusAllLoaded
	case loaded > 0:
		return PlanLoadStatusPartial
	default:
		return PlanLoadStatusEmpty
	}
}

// planItemLoads collects the load states of every non-historical item across
// the plan's deliveries with one join.
func planItemLoads(ctx context.Context, tx *gorm.DB, planId int) ([]ItemLoadStatus, error) {
	var loads []ItemLoadStatus
	err := tx.WithContext(ctx).Model(&DeliveryItem{}).
		Joins("JOIN route_plan_assignments rpa ON rpa.delivery_id = delivery_items.delivery_id").
		Where("rpa.route_plan_id = ? AND rpa.status <> ?", planId, AssignmentStatusCancelled).
		Where("delivery_items.status NOT IN ?",
			[]DeliveryItemStatus{DeliveryItemStatusRescheduled, DeliveryItemStatusCancelled}).
		Pluck("delivery_items.load_status", &loads).Error
	return loads, err
}

// RecalculatePlanLoadStatus re-derives the plan's load status and
// auto-completes the plan when everything is on the truck.
func RecalculatePlanLoadStatus(ctx context.Context, tx *gorm.DB, planId int) error {
	var plan RoutePlan
	if err := tx.WithContext(ctx).Where("id = ?", planId).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		return err
	}

	loads, err := planItemLoads(ctx, tx, planId)
	if err != nil {
		return err
	}

	newLoad := DerivePlanLoadStatus(loads)
	updates := map[string]interface{}{}
	if newLoad != plan.LoadStatus {
		updates["load_status"] = newLoad
	}
	if newLoad == PlanLoadStatusAllLoaded && plan.Status != RoutePlanStatusCompleted {
		updates["status"] = RoutePlanStatusCompleted
	}
	if len(updates) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Model(&RoutePlan{}).Where("id = ?", planId).
		Updates(updates).Error
}

// planAllDeliveriesConfirmed reports whether every assigned delivery has been
// confirmed by the vendor (ReadyToDeliver or beyond) or already sits in a
// plan.
func planAllDeliveriesConfirmed(ctx context.Context, tx *gorm.DB, planId int) (bool, error) {
	var unconfirmed int64
	err := tx.WithContext(ctx).Model(&RoutePlanAssignment{}).
		Joins("JOIN deliveries d ON d.id = route_plan_assignments.delivery_id").
		Where("route_plan_assignments.route_plan_id = ? AND route_plan_assignments.status <> ?", planId, AssignmentStatusCancelled).
		Where("d.status NOT IN ?", []DeliveryStatus{
			DeliveryStatusReadyToDeliver, DeliveryStatusInPlan, DeliveryStatusInRoute, DeliveryStatusDelivered,
		}).
		Count(&unconfirmed).Error
	if err != nil {
		return false, err
	}
	return unconfirmed == 0, nil
}

// SendPlanToLogistics hands the draft over to the logistics desk.
func SendPlanToLogistics(ctx context.Context, planId int) (*RoutePlan, error) {
	return transitionPlan(ctx, planId, RoutePlanStatusSentToLogistics, func(tx *gorm.DB, plan *RoutePlan) error {
		if plan.Status != RoutePlanStatusDraft {
			return errors.New("only draft plans can be sent to logistics")
		}
		ok, err := planAllDeliveriesConfirmed(ctx, tx, planId)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("not all deliveries are confirmed")
		}
		return nil
	})
}

// MarkPlanRoutesCreated records that logistics sequenced the stops.
func MarkPlanRoutesCreated(ctx context.Context, planId int) (*RoutePlan, error) {
	return transitionPlan(ctx, planId, RoutePlanStatusRoutesCreated, func(tx *gorm.DB, plan *RoutePlan) error {
		if plan.Status != RoutePlanStatusSentToLogistics && plan.Status != RoutePlanStatusDraft {
			return errors.New("routes can only be created for draft or sent plans")
		}
		ok, err := planAllDeliveriesConfirmed(ctx, tx, planId)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("not all deliveries are confirmed")
		}
		return nil
	})
}

// StartRoutePlan is idempotent: starting a running plan is a no-op.
func StartRoutePlan(ctx context.Context, planId int) (*RoutePlan, error) {
	db := config.GetDB()
	var plan RoutePlan
	if err := db.WithContext(ctx).Where("id = ?", planId).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if plan.Status == RoutePlanStatusInProgress {
		return &plan, nil
	}
	if plan.Status != RoutePlanStatusRoutesCreated {
		return nil, errors.New("plan routes must be created before starting")
	}
	if err := db.WithContext(ctx).Model(&RoutePlan{}).Where("id = ?", planId).
		Update("status", RoutePlanStatusInProgress).Error; err != nil {
		return nil, err
	}
	plan.Status = RoutePlanStatusInProgress
	return &plan, nil
}

// FinishRoutePlan completes the plan; every stop must be completed or
// cancelled first. Finishing a finished plan is a no-op.
func FinishRoutePlan(ctx context.Context, planId int) (*RoutePlan, error) {
	db := config.GetDB()
	var plan RoutePlan
	if err := db.WithContext(ctx).Where("id = ?", planId).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if plan.Status == RoutePlanStatusCompleted {
		return &plan, nil
	}
	if plan.Status != RoutePlanStatusInProgress {
		return nil, errors.New("only plans in progress can be finished")
	}

	var open int64
	if err := db.WithContext(ctx).Model(&RoutePlanAssignment{}).
		Where("route_plan_id = ? AND status NOT IN ?", planId,
			[]AssignmentStatus{AssignmentStatusCompleted, AssignmentStatusCancelled}).
		Count(&open).Error; err != nil {
		return nil, err
	}
	if open > 0 {
		return nil, errors.New("plan still has open stops")
	}
	if err := db.WithContext(ctx).Model(&RoutePlan{}).Where("id = ?", planId).
		Update("status", RoutePlanStatusCompleted).Error; err != nil {
		return nil, err
	}
	plan.Status = RoutePlanStatusCompleted
	return &plan, nil
}

func AbortRoutePlan(ctx context.Context, planId int) (*RoutePlan, error) {
	db := config.GetDB()
	var plan RoutePlan
	if err := db.WithContext(ctx).Where("id = ?", planId).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if plan.Status == RoutePlanStatusAborted {
		return &plan, nil
	}
	if plan.Status == RoutePlanStatusCompleted {
		return nil, errors.New("completed plans cannot be aborted")
	}
	if err := db.WithContext(ctx).Model(&RoutePlan{}).Where("id = ?", planId).
		Update("status", RoutePlanStatusAborted).Error; err != nil {
		return nil, err
	}
	plan.Status = RoutePlanStatusAborted
	return &plan, nil
}

// AssignPlanDriver sets or clears the plan's driver.
// Setting a driver auto-promotes the plan to RoutesCreated, but only when
// every assigned delivery is confirmed; otherwise the change is rejected.
// Clearing the driver of a sent plan reverts it to Draft.
func AssignPlanDriver(ctx context.Context, planId int, driverId *int) (*RoutePlan, error) {
	db := config.GetDB()
	var plan RoutePlan
	if err := db.WithContext(ctx).Where("id = ?", planId).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if plan.Status.Sealed() {
		return nil, errors.New("driver cannot be changed on a " + string(plan.Status) + " plan")
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	updates := map[string]interface{}{"driver_id": driverId}

	if driverId != nil {
		if err := utils.ValidateResourceId[User](ctx, *driverId); err != nil {
			tx.Rollback()
			return nil, errors.New("driver not found")
		}
		ok, err := planAllDeliveriesConfirmed(ctx, tx, planId)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if !ok {
			tx.Rollback()
			return nil, errors.New("cannot assign driver: not all deliveries are confirmed")
		}
		if plan.Status == RoutePlanStatusDraft || plan.Status == RoutePlanStatusSentToLogistics {
			updates["status"] = RoutePlanStatusRoutesCreated
		}
	} else if plan.Status == RoutePlanStatusSentToLogistics || plan.Status == RoutePlanStatusRoutesCreated {
		updates["status"] = RoutePlanStatusDraft
	}

	if err := tx.WithContext(ctx).Model(&RoutePlan{}).Where("id = ?", planId).
		Updates(updates).Error; err != nil {
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

// DestroyRoutePlan deletes the plan with its assignments (reverting the
// claimed deliveries) and tracking records. Sealed plans stay.
func DestroyRoutePlan(ctx context.Context, planId int) error {
	db := config.GetDB()
	var plan RoutePlan
	if err := db.WithContext(ctx).Where("id = ?", planId).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		return err
	}
	if plan.Status.Sealed() {
		return errors.New("plans in progress or finished cannot be destroyed")
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	var deliveryIds []int
	if err := tx.WithContext(ctx).Model(&RoutePlanAssignment{}).
		Where("route_plan_id = ?", planId).
		Pluck("delivery_id", &deliveryIds).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.WithContext(ctx).Where("route_plan_id = ?", planId).Delete(&RoutePlanAssignment{}).Error; err != nil {
		tx.Rollback()
		return err
	}
	for _, deliveryId := range deliveryIds {
		if err := CheckDeliveryStatus(ctx, tx, deliveryId); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.WithContext(ctx).Where("route_plan_id = ?", planId).Delete(&DeliveryPlanLocation{}).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.WithContext(ctx).Delete(&RoutePlan{}, planId).Error; err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

func transitionPlan(ctx context.Context, planId int, target RoutePlanStatus, guard func(tx *gorm.DB, plan *RoutePlan) error) (*RoutePlan, error) {
	db := config.GetDB()
	var plan RoutePlan
	if err := db.WithContext(ctx).Where("id = ?", planId).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if plan.Status == target {
		return &plan, nil
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := guard(tx, &plan); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.WithContext(ctx).Model(&RoutePlan{}).Where("id = ?", planId).
		Update("status", target).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	notify := NewNotificationInput{
		Roles:         []UserRole{UserRoleLogistics},
		Type:          NotificationTypePlanStatusChanged,
		ReferenceType: NotificationReferenceTypeRoutePlan,
		ReferenceId:   plan.ID,
		Message:       "Route plan " + plan.Name + " is now " + string(target),
	}
	if plan.DriverId != nil {
		notify.UserIds = []int{*plan.DriverId}
	}
	NotifyUsersInTx(ctx, tx, notify)

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	plan.Status = target
	return &plan, nil
}
