package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mobelwerk/logistics_backend/config"
	"bitbucket.org/mobelwerk/logistics_backend/utils"
	"gorm.io/gorm"
)

// RoutePlanAssignment is one stop of a route plan: the link between a plan
// and a delivery, carrying the stop sequence and the driver's progress.
type RoutePlanAssignment struct {
	ID          int              `gorm:"primary_key" json:"id"`
	RoutePlanId int              `gorm:"not null;index" json:"route_plan_id" binding:"required"`
	DeliveryId  int              `gorm:"not null;index" json:"delivery_id" binding:"required"`
	StopOrder   int              `gorm:"not null" json:"stop_order"`
	Status      AssignmentStatus `gorm:"type:enum('Pending','EnRoute','Completed','Cancelled');not null;default:'Pending'" json:"status"`
	StartedAt   *time.Time       `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at"`
	DriverNotes string           `gorm:"type:text" json:"driver_notes"`
	CreatedAt   time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time        `gorm:"autoUpdateTime" json:"updated_at"`

	RoutePlan *RoutePlan `gorm:"foreignKey:RoutePlanId" json:"route_plan,omitempty"`
	Delivery  *Delivery  `gorm:"foreignKey:DeliveryId" json:"delivery,omitempty"`
}

type NewRoutePlanAssignment struct {
	RoutePlanId int `json:"route_plan_id" binding:"required"`
	DeliveryId  int `json:"delivery_id" binding:"required"`
	StopOrder   int `json:"stop_order"`
}

func (obj RoutePlanAssignment) GetId() int {
	return obj.ID
}

// CreateRoutePlanAssignment adds a delivery as a stop of a plan and claims
// it: the delivery status is re-derived and moves to InPlan once all its
// items are settled. Unapproved (Scheduled) deliveries may only be collected
// into draft plans.
func CreateRoutePlanAssignment(ctx context.Context, input *NewRoutePlanAssignment) (*RoutePlanAssignment, error) {
	db := config.GetDB()

	var plan RoutePlan
	if err := db.WithContext(ctx).Where("id = ?", input.RoutePlanId).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("route plan not found")
		}
		return nil, err
	}
	if plan.Status.Sealed() {
		return nil, errors.New("stops cannot be added to a " + string(plan.Status) + " plan")
	}

	var delivery Delivery
	if err := db.WithContext(ctx).Where("id = ?", input.DeliveryId).First(&delivery).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("delivery not found")
		}
		return nil, err
	}
	if !delivery.Status.Active() {
		return nil, errors.New("delivery is " + string(delivery.Status) + " and cannot be planned")
	}
	// Draft plans may collect still-unapproved deliveries; everyone else
	// needs the approval flag.
	draftCollecting := plan.Status == RoutePlanStatusDraft && delivery.Status == DeliveryStatusScheduled
	if !draftCollecting && !utils.DereferencePtr(delivery.Approved) {
		return nil, errors.New("delivery not approved")
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	// A delivery belongs to at most one live plan.
	var claimed int64
	if err := tx.WithContext(ctx).Model(&RoutePlanAssignment{}).
		Where("delivery_id = ? AND status <> ?", input.DeliveryId, AssignmentStatusCancelled).
		Count(&claimed).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if claimed > 0 {
		tx.Rollback()
		return nil, errors.New("delivery is already assigned to a plan")
	}

	stopOrder := input.StopOrder
	if stopOrder <= 0 {
		var maxOrder int
		if err := tx.WithContext(ctx).Model(&RoutePlanAssignment{}).
			Where("route_plan_id = ?", input.RoutePlanId).
			Select("COALESCE(MAX(stop_order), 0)").Scan(&maxOrder).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
		stopOrder = maxOrder + 1
	}

	assignment := RoutePlanAssignment{
		RoutePlanId: input.RoutePlanId,
		DeliveryId:  input.DeliveryId,
		StopOrder:   stopOrder,
		Status:      AssignmentStatusPending,
	}
	if err := tx.WithContext(ctx).Create(&assignment).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := CheckDeliveryStatus(ctx, tx, input.DeliveryId); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &assignment, nil
}

func GetRoutePlanAssignment(ctx context.Context, id int) (*RoutePlanAssignment, error) {
	db := config.GetDB()
	var assignment RoutePlanAssignment
	err := db.WithContext(ctx).Preload("Delivery").Where("id = ?", id).First(&assignment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	return &assignment, err
}

// DestroyRoutePlanAssignment removes a stop from its plan and releases the
// delivery, which drops back from InPlan to ReadyToDeliver. Stops that were
// already driven stay.
func DestroyRoutePlanAssignment(ctx context.Context, id int) error {
	db := config.GetDB()
	var assignment RoutePlanAssignment
	if err := db.WithContext(ctx).Where("id = ?", id).First(&assignment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		return err
	}
	if assignment.Status.Terminal() {
		return errors.New("completed or cancelled stops cannot be removed")
	}

	var plan RoutePlan
	if err := db.WithContext(ctx).Where("id = ?", assignment.RoutePlanId).First(&plan).Error; err != nil {
		return err
	}
	if plan.Status.Sealed() {
		return errors.New("stops cannot be removed from a " + string(plan.Status) + " plan")
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := tx.WithContext(ctx).Delete(&RoutePlanAssignment{}, id).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := CheckDeliveryStatus(ctx, tx, assignment.DeliveryId); err != nil {
		tx.Rollback()
		return err
	}
	if err := compactStopOrder(ctx, tx, assignment.RoutePlanId); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

// StartAssignment puts the driver on the way to a stop. Items move to
// InRoute and the delivery follows. Starting an already running stop is a
// no-op.
func StartAssignment(ctx context.Context, id int) (*RoutePlanAssignment, error) {
	db := config.GetDB()
	var assignment RoutePlanAssignment
	if err := db.WithContext(ctx).Where("id = ?", id).First(&assignment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if assignment.Status == AssignmentStatusEnRoute {
		return &assignment, nil
	}
	if assignment.Status.Terminal() {
		return nil, errors.New("stop is already " + string(assignment.Status))
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	now := time.Now()
	if err := tx.WithContext(ctx).Model(&RoutePlanAssignment{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     AssignmentStatusEnRoute,
			"started_at": now,
		}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if _, err := bulkShiftDeliveryItems(ctx, tx, assignment.DeliveryId,
		[]DeliveryItemStatus{DeliveryItemStatusConfirmed}, DeliveryItemStatusInRoute); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := CheckDeliveryStatus(ctx, tx, assignment.DeliveryId); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	assignment.Status = AssignmentStatusEnRoute
	assignment.StartedAt = &now
	return &assignment, nil
}

// CompleteAssignment records a successful drop-off: every open item of the
// delivery is marked delivered and the stop is closed. Completing a
// completed stop is a no-op.
func CompleteAssignment(ctx context.Context, id int) (*RoutePlanAssignment, error) {
	db := config.GetDB()
	var assignment RoutePlanAssignment
	if err := db.WithContext(ctx).Where("id = ?", id).First(&assignment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if assignment.Status == AssignmentStatusCompleted {
		return &assignment, nil
	}
	if assignment.Status == AssignmentStatusCancelled {
		return nil, errors.New("cancelled stops cannot be completed")
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := MarkDeliveryAsDelivered(ctx, tx, assignment.DeliveryId); err != nil {
		tx.Rollback()
		return nil, err
	}
	now := time.Now()
	if err := tx.WithContext(ctx).Model(&RoutePlanAssignment{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       AssignmentStatusCompleted,
			"completed_at": now,
		}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	assignment.Status = AssignmentStatusCompleted
	assignment.CompletedAt = &now
	return &assignment, nil
}

// MarkAssignmentFailedInTx closes a stop after a failed drop-off attempt:
// every open item and the delivery itself move to Failed with the given
// reason, and the stop is cancelled so the plan can finish. Completed stops
// are left alone.
func MarkAssignmentFailedInTx(ctx context.Context, tx *gorm.DB, assignmentId int, reason string) (*RoutePlanAssignment, error) {
	var assignment RoutePlanAssignment
	if err := tx.WithContext(ctx).Where("id = ?", assignmentId).First(&assignment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if assignment.Status == AssignmentStatusCompleted {
		return nil, errors.New("completed stops cannot be failed")
	}

	affectedOrderItems, err := bulkShiftDeliveryItems(ctx, tx, assignment.DeliveryId,
		[]DeliveryItemStatus{DeliveryItemStatusPending, DeliveryItemStatusConfirmed, DeliveryItemStatusInRoute},
		DeliveryItemStatusFailed)
	if err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).Model(&Delivery{}).Where("id = ?", assignment.DeliveryId).
		Updates(map[string]interface{}{
			"status":         DeliveryStatusFailed,
			"failure_reason": reason,
		}).Error; err != nil {
		return nil, err
	}
	for _, orderItemId := range affectedOrderItems {
		if err := CheckOrderItemStatus(ctx, tx, orderItemId); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	if err := tx.WithContext(ctx).Model(&RoutePlanAssignment{}).Where("id = ?", assignmentId).
		Updates(map[string]interface{}{
			"status":       AssignmentStatusCancelled,
			"completed_at": now,
		}).Error; err != nil {
		return nil, err
	}
	assignment.Status = AssignmentStatusCancelled
	assignment.CompletedAt = &now
	return &assignment, nil
}

// AddDriverNote appends a timestamped free-text note from the driver.
func AddDriverNote(ctx context.Context, id int, note string) error {
	db := config.GetDB()
	var assignment RoutePlanAssignment
	if err := db.WithContext(ctx).Where("id = ?", id).First(&assignment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		return err
	}
	notes := assignment.DriverNotes
	if notes != "" {
		notes += "\n"
	}
	notes += note
	return db.WithContext(ctx).Model(&RoutePlanAssignment{}).Where("id = ?", id).
		Update("driver_notes", notes).Error
}

// compactStopOrder renumbers the remaining stops of a plan to a dense
// 1..N sequence, keeping their relative order.
func compactStopOrder(ctx context.Context, tx *gorm.DB, planId int) error {
	var assignments []RoutePlanAssignment
	if err := tx.WithContext(ctx).
		Where("route_plan_id = ?", planId).
		Order("stop_order ASC, id ASC").
		Find(&assignments).Error; err != nil {
		return err
	}
	for i, assignment := range assignments {
		if assignment.StopOrder == i+1 {
			continue
		}
		if err := tx.WithContext(ctx).Model(&RoutePlanAssignment{}).
			Where("id = ?", assignment.ID).
			Update("stop_order", i+1).Error; err != nil {
			return err
		}
	}
	return nil
}

// DestroyAssignmentsForDeliveryInTx drops every stop referencing the delivery and
// renumbers the affected plans. Used by cascading deletes.
func DestroyAssignmentsForDeliveryInTx(ctx context.Context, tx *gorm.DB, deliveryId int) error {
	var assignments []RoutePlanAssignment
	if err := tx.WithContext(ctx).Where("delivery_id = ?", deliveryId).Find(&assignments).Error; err != nil {
		return err
	}
	if len(assignments) == 0 {
		return nil
	}
	if err := tx.WithContext(ctx).Where("delivery_id = ?", deliveryId).
		Delete(&RoutePlanAssignment{}).Error; err != nil {
		return err
	}
	planIds := []int{}
	for _, assignment := range assignments {
		planIds = append(planIds, assignment.RoutePlanId)
	}
	for _, planId := range utils.UniqueSlice(planIds) {
		if err := compactStopOrder(ctx, tx, planId); err != nil {
			return err
		}
	}
	return nil
}
