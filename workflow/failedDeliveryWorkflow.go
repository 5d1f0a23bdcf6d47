package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mobelwerk/logistics_backend/config"
	"bitbucket.org/mobelwerk/logistics_backend/models"
	"bitbucket.org/mobelwerk/logistics_backend/utils"
	"gorm.io/gorm"
)

// FailDeliveryStop handles a failed drop-off attempt: the stop is cancelled,
// the delivery and its open items are marked Failed, and a retry clone is
// scheduled a configurable number of days later with fresh pending items.
// The clone deliberately does not consolidate into a pre-existing delivery
// on the retry date; failed deliveries always get their own retry record
// unless the consolidation flag is on.
// Failing a completed or already-cancelled stop is a no-op.
func FailDeliveryStop(ctx context.Context, assignmentId int, reason string) (*models.Delivery, error) {
	db := config.GetDB()

	var assignment models.RoutePlanAssignment
	if err := db.WithContext(ctx).Where("id = ?", assignmentId).First(&assignment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if assignment.Status == models.AssignmentStatusCompleted || assignment.Status == models.AssignmentStatusCancelled {
		return nil, nil
	}

	var source models.Delivery
	if err := db.WithContext(ctx).Preload("Items").Where("id = ?", assignment.DeliveryId).First(&source).Error; err != nil {
		return nil, err
	}

	// Snapshot before the bulk flip; these become the clone's items.
	openItems := []models.DeliveryItem{}
	for _, item := range source.Items {
		switch item.Status {
		case models.DeliveryItemStatusDelivered, models.DeliveryItemStatusCancelled, models.DeliveryItemStatusRescheduled:
		default:
			openItems = append(openItems, item)
		}
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	if err := AcquireOrderLock(tx, source.OrderId); err != nil {
		tx.Rollback()
		return nil, err
	}
	defer ReleaseOrderLock(tx, source.OrderId)

	if _, err := models.MarkAssignmentFailedInTx(ctx, tx, assignmentId, reason); err != nil {
		tx.Rollback()
		return nil, err
	}

	clone, err := createRetryCloneInTx(ctx, tx, &source, openItems, reason)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	notifyFailed(ctx, tx, &source, clone, reason)

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return clone, nil
}

func createRetryCloneInTx(ctx context.Context, tx *gorm.DB, source *models.Delivery, openItems []models.DeliveryItem, reason string) (*models.Delivery, error) {
	if len(openItems) == 0 {
		return nil, errors.New("delivery has no open items to retry")
	}
	retryDate := source.DeliveryDate.AddDate(0, 0, config.FailedRetryDays())

	notes := source.Notes
	if notes != "" {
		notes += "\n"
	}
	notes += fmt.Sprintf("Retry of delivery #%d, failed on %s: %s",
		source.ID, source.DeliveryDate.Format("2006-01-02"), reason)

	var clone *models.Delivery
	if config.ConsolidateFailedClones() {
		target, err := findOrCreateTargetDeliveryInTx(ctx, tx, source, retryDate)
		if err != nil {
			return nil, err
		}
		for _, item := range openItems {
			if err := migrateItemInTx(ctx, tx, item, target.ID); err != nil {
				return nil, err
			}
		}
		clone = target
	} else {
		clone = &models.Delivery{
			OrderId:           source.OrderId,
			AddressId:         source.AddressId,
			DeliveryDate:      retryDate,
			Status:            models.DeliveryStatusScheduled,
			DeliveryType:      source.DeliveryType,
			Approved:          utils.NewTrue(),
			LoadStatus:        models.ItemLoadStatusUnloaded,
			ContactName:       source.ContactName,
			ContactPhone:      source.ContactPhone,
			TimePreference:    source.TimePreference,
			Notes:             notes,
			RescheduledFromId: &source.ID,
		}
		for _, item := range openItems {
			serviceCase := item.ServiceCase
			if serviceCase == nil {
				serviceCase = utils.NewFalse()
			}
			clone.Items = append(clone.Items, models.DeliveryItem{
				OrderItemId:       item.OrderItemId,
				QuantityDelivered: item.QuantityDelivered,
				Status:            models.DeliveryItemStatusPending,
				ServiceCase:       serviceCase,
				LoadStatus:        models.ItemLoadStatusUnloaded,
				Live:              utils.NewTrue(),
				Notes:             item.Notes,
			})
		}
		if err := tx.WithContext(ctx).Create(clone).Error; err != nil {
			return nil, err
		}
	}

	// The failed flip already cascaded order item statuses; re-derive once
	// more now that pending retries exist.
	for _, item := range openItems {
		if err := models.CheckOrderItemStatus(ctx, tx, item.OrderItemId); err != nil {
			return nil, err
		}
	}
	return clone, nil
}

func notifyFailed(ctx context.Context, tx *gorm.DB, source, clone *models.Delivery, reason string) {
	input := models.NewNotificationInput{
		Roles:         []models.UserRole{models.UserRoleLogistics, models.UserRoleProduction},
		Type:          models.NotificationTypeDeliveryFailed,
		ReferenceType: models.NotificationReferenceTypeDelivery,
		ReferenceId:   source.ID,
		Message: fmt.Sprintf("Delivery on %s failed (%s); retry scheduled for %s",
			source.DeliveryDate.Format("2006-01-02"), reason, clone.DeliveryDate.Format("2006-01-02")),
		SendEmail: true,
	}

	models.NotifyUsersInTx(ctx, tx, input)

	// The seller gets their own copy, keyed to the order they know.
	var order models.Order
	if err := tx.WithContext(ctx).Where("id = ?", source.OrderId).First(&order).Error; err == nil && order.SellerId > 0 {
		models.NotifyUsersInTx(ctx, tx, models.NewNotificationInput{
			UserIds:       []int{order.SellerId},
			Type:          models.NotificationTypeDeliveryFailed,
			ReferenceType: models.NotificationReferenceTypeOrder,
			ReferenceId:   order.ID,
			Message: fmt.Sprintf("Delivery for order %s failed (%s); retry scheduled for %s",
				order.OrderNumber, reason, clone.DeliveryDate.Format("2006-01-02")),
			SendEmail: true,
		})
	}
}

// FailDelivery marks a delivery failed without a stop, for deliveries that
// never made it onto a plan.
func FailDelivery(ctx context.Context, deliveryId int, reason string) (*models.Delivery, error) {
	db := config.GetDB()

	var source models.Delivery
	if err := db.WithContext(ctx).Preload("Items").Where("id = ?", deliveryId).First(&source).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if !source.Status.Active() {
		return nil, errors.New("delivery is " + string(source.Status) + " and cannot be failed")
	}

	openItems := []models.DeliveryItem{}
	for _, item := range source.Items {
		switch item.Status {
		case models.DeliveryItemStatusDelivered, models.DeliveryItemStatusCancelled, models.DeliveryItemStatusRescheduled:
		default:
			openItems = append(openItems, item)
		}
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	if err := AcquireOrderLock(tx, source.OrderId); err != nil {
		tx.Rollback()
		return nil, err
	}
	defer ReleaseOrderLock(tx, source.OrderId)

	if err := markDeliveryFailedInTx(ctx, tx, &source, reason); err != nil {
		tx.Rollback()
		return nil, err
	}
	clone, err := createRetryCloneInTx(ctx, tx, &source, openItems, reason)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	notifyFailed(ctx, tx, &source, clone, reason)

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return clone, nil
}

func markDeliveryFailedInTx(ctx context.Context, tx *gorm.DB, source *models.Delivery, reason string) error {
	affected, err := models.BulkFailDeliveryItemsInTx(ctx, tx, source.ID)
	if err != nil {
		return err
	}
	if err := tx.WithContext(ctx).Model(&models.Delivery{}).Where("id = ?", source.ID).
		Updates(map[string]interface{}{
			"status":         models.DeliveryStatusFailed,
			"failure_reason": reason,
		}).Error; err != nil {
		return err
	}
	for _, orderItemId := range affected {
		if err := models.CheckOrderItemStatus(ctx, tx, orderItemId); err != nil {
			return err
		}
	}
	return nil
}
