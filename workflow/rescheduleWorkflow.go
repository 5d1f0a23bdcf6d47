package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mobelwerk/logistics_backend/config"
	"bitbucket.org/mobelwerk/logistics_backend/models"
	"bitbucket.org/mobelwerk/logistics_backend/utils"
	"gorm.io/gorm"
)

const rescheduleModule = "rescheduleWorkflow"

// RescheduleItemInput moves one delivery item to an explicit target delivery
// or to a new date on the same order and address.
type RescheduleItemInput struct {
	DeliveryItemId   int        `json:"delivery_item_id"`
	TargetDeliveryId *int       `json:"target_delivery_id"`
	NewDate          *time.Time `json:"new_date"`
	Reason           string     `json:"reason"`
}

// RescheduleDeliveryInput moves every movable item of a delivery at once.
type RescheduleDeliveryInput struct {
	DeliveryId       int        `json:"delivery_id"`
	TargetDeliveryId *int       `json:"target_delivery_id"`
	NewDate          *time.Time `json:"new_date"`
	Reason           string     `json:"reason"`
}

// RescheduleDeliveryItem moves a single item to another date, consolidating
// into an existing delivery for that order, address and date when one
// exists. The source item is flipped to Rescheduled and kept as audit trail.
func RescheduleDeliveryItem(ctx context.Context, input *RescheduleItemInput) (*models.Delivery, error) {
	db := config.GetDB()

	var item models.DeliveryItem
	if err := db.WithContext(ctx).Where("id = ?", input.DeliveryItemId).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	var source models.Delivery
	if err := db.WithContext(ctx).Where("id = ?", item.DeliveryId).First(&source).Error; err != nil {
		return nil, err
	}
	if err := validateMovableItem(item); err != nil {
		return nil, err
	}

	targetDate, err := resolveTargetDate(ctx, &source, input.TargetDeliveryId, input.NewDate)
	if err != nil {
		return nil, err
	}

	release, err := utils.DeliveryLock(ctx, source.OrderId, source.AddressId, targetDate, rescheduleModule, "RescheduleDeliveryItem")
	if err != nil {
		return nil, err
	}
	defer release()

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

	target, err := rescheduleItemsInTx(ctx, tx, &source, []models.DeliveryItem{item}, targetDate, input.Reason)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return target, nil
}

// RescheduleDelivery moves every movable item of the delivery to the new
// date. Items currently on a truck block the move; the stop has to complete
// or fail first.
func RescheduleDelivery(ctx context.Context, input *RescheduleDeliveryInput) (*models.Delivery, error) {
	db := config.GetDB()

	var source models.Delivery
	if err := db.WithContext(ctx).Preload("Items").Where("id = ?", input.DeliveryId).First(&source).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	movable := []models.DeliveryItem{}
	for _, item := range source.Items {
		if item.Status == models.DeliveryItemStatusInRoute {
			return nil, errors.New("delivery has items in route; complete or fail the stop first")
		}
		if item.Status.Movable() {
			movable = append(movable, item)
		}
	}
	if len(movable) == 0 {
		return nil, errors.New("delivery has no items that can be rescheduled")
	}

	targetDate, err := resolveTargetDate(ctx, &source, input.TargetDeliveryId, input.NewDate)
	if err != nil {
		return nil, err
	}

	release, err := utils.DeliveryLock(ctx, source.OrderId, source.AddressId, targetDate, rescheduleModule, "RescheduleDelivery")
	if err != nil {
		return nil, err
	}
	defer release()

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

	target, err := rescheduleItemsInTx(ctx, tx, &source, movable, targetDate, input.Reason)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return target, nil
}

func validateMovableItem(item models.DeliveryItem) error {
	if item.Status == models.DeliveryItemStatusRescheduled {
		return errors.New("delivery item is already rescheduled")
	}
	if item.Status == models.DeliveryItemStatusInRoute {
		return errors.New("delivery item is in route; complete or fail the stop first")
	}
	if !item.Status.Movable() {
		return errors.New("delivery item is " + string(item.Status) + " and cannot be rescheduled")
	}
	return nil
}

func resolveTargetDate(ctx context.Context, source *models.Delivery, targetDeliveryId *int, newDate *time.Time) (time.Time, error) {
	var targetDate time.Time
	if targetDeliveryId != nil {
		db := config.GetDB()
		var target models.Delivery
		if err := db.WithContext(ctx).Where("id = ?", *targetDeliveryId).First(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return targetDate, errors.New("target delivery not found")
			}
			return targetDate, err
		}
		if target.OrderId != source.OrderId || target.AddressId != source.AddressId {
			return targetDate, errors.New("target delivery belongs to a different order or address")
		}
		targetDate = target.DeliveryDate
	} else if newDate != nil {
		targetDate = *newDate
	} else {
		return targetDate, errors.New("either target_delivery_id or new_date is required")
	}

	if sameDay(targetDate, source.DeliveryDate) {
		return targetDate, errors.New("new date must differ from the current delivery date")
	}
	return targetDate, nil
}

func sameDay(a, b time.Time) bool {
	return a.Format("2006-01-02") == b.Format("2006-01-02")
}

// rescheduleItemsInTx is the consolidation core: find or create the target
// delivery, migrate every moving item with the three-way merge policy, flip
// the sources to Rescheduled, retire the emptied source delivery and
// re-derive both sides.
func rescheduleItemsInTx(ctx context.Context, tx *gorm.DB, source *models.Delivery, items []models.DeliveryItem, targetDate time.Time, reason string) (*models.Delivery, error) {
	target, err := findOrCreateTargetDeliveryInTx(ctx, tx, source, targetDate)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		if err := migrateItemInTx(ctx, tx, item, target.ID); err != nil {
			return nil, err
		}
		// Source flips last, inside the same transaction; a crash before
		// this line rolls back the migrated copy too.
		if _, err := models.UpdateDeliveryItemStatusInTx(ctx, tx, item.ID, models.DeliveryItemStatusRescheduled); err != nil {
			return nil, err
		}
	}

	if reason != "" {
		note := fmt.Sprintf("Rescheduled to %s: %s", targetDate.Format("2006-01-02"), reason)
		notes := source.Notes
		if notes != "" {
			notes += "\n"
		}
		notes += note
		if err := tx.WithContext(ctx).Model(&models.Delivery{}).Where("id = ?", source.ID).
			Update("notes", notes).Error; err != nil {
			return nil, err
		}
	}

	if err := cleanupSourceDeliveryInTx(ctx, tx, source.ID); err != nil {
		return nil, err
	}
	if err := models.CheckDeliveryStatus(ctx, tx, target.ID); err != nil {
		return nil, err
	}

	notifyRescheduled(ctx, tx, source, target, targetDate)
	return target, nil
}

// findOrCreateTargetDeliveryInTx resolves the consolidation target in
// priority order: a live delivery on the slot, a rescheduled one to revive,
// or a fresh delivery carrying the source's contact details.
func findOrCreateTargetDeliveryInTx(ctx context.Context, tx *gorm.DB, source *models.Delivery, targetDate time.Time) (*models.Delivery, error) {
	var candidates []models.Delivery
	err := tx.WithContext(ctx).
		Where("order_id = ? AND address_id = ? AND delivery_date = ?", source.OrderId, source.AddressId, targetDate).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	var revivable *models.Delivery
	for i := range candidates {
		if candidates[i].Status.Active() {
			return &candidates[i], nil
		}
		if candidates[i].Status == models.DeliveryStatusRescheduled && revivable == nil {
			revivable = &candidates[i]
		}
	}
	if revivable != nil {
		if err := tx.WithContext(ctx).Model(&models.Delivery{}).Where("id = ?", revivable.ID).
			Update("status", models.DeliveryStatusScheduled).Error; err != nil {
			return nil, err
		}
		revivable.Status = models.DeliveryStatusScheduled
		return revivable, nil
	}

	delivery := models.Delivery{
		OrderId:           source.OrderId,
		AddressId:         source.AddressId,
		DeliveryDate:      targetDate,
		Status:            models.DeliveryStatusScheduled,
		DeliveryType:      source.DeliveryType,
		Approved:          utils.NewFalse(),
		LoadStatus:        models.ItemLoadStatusUnloaded,
		ContactName:       source.ContactName,
		ContactPhone:      source.ContactPhone,
		TimePreference:    source.TimePreference,
		Notes:             source.Notes,
		RescheduledFromId: &source.ID,
	}
	if err := tx.WithContext(ctx).Create(&delivery).Error; err != nil {
		return nil, err
	}
	return &delivery, nil
}

// migrateItemInTx applies the three-way merge for one moving item:
// sum into a live twin, revive-and-replace a rescheduled twin, or create a
// fresh record when the twin is terminal or absent.
func migrateItemInTx(ctx context.Context, tx *gorm.DB, item models.DeliveryItem, targetDeliveryId int) error {
	var twins []models.DeliveryItem
	err := tx.WithContext(ctx).
		Where("delivery_id = ? AND order_item_id = ?", targetDeliveryId, item.OrderItemId).
		Find(&twins).Error
	if err != nil {
		return err
	}

	var live, rescheduled *models.DeliveryItem
	for i := range twins {
		switch {
		case twins[i].Status.Movable():
			live = &twins[i]
		case twins[i].Status == models.DeliveryItemStatusRescheduled && rescheduled == nil:
			rescheduled = &twins[i]
		}
	}

	switch {
	case live != nil:
		// Same product already waiting on the target date: sum, so the UI
		// shows one row instead of duplicates.
		newQty := live.QuantityDelivered.Add(item.QuantityDelivered)
		notes := live.Notes
		if item.Notes != "" {
			if notes != "" {
				notes += "\n"
			}
			notes += item.Notes
		}
		return tx.WithContext(ctx).Model(&models.DeliveryItem{}).Where("id = ?", live.ID).
			Updates(map[string]interface{}{
				"quantity_delivered": newQty,
				"notes":              notes,
			}).Error
	case rescheduled != nil:
		// The rescheduled twin's quantity is stale; replace, never sum.
		_, err := models.ReviveDeliveryItemInTx(ctx, tx, rescheduled.ID, item.QuantityDelivered, item.Notes)
		return err
	default:
		serviceCase := item.ServiceCase
		if serviceCase == nil {
			serviceCase = utils.NewFalse()
		}
		fresh := models.DeliveryItem{
			DeliveryId:        targetDeliveryId,
			OrderItemId:       item.OrderItemId,
			QuantityDelivered: item.QuantityDelivered,
			Status:            models.DeliveryItemStatusPending,
			ServiceCase:       serviceCase,
			LoadStatus:        models.ItemLoadStatusUnloaded,
			Live:              utils.NewTrue(),
			Notes:             item.Notes,
		}
		return tx.WithContext(ctx).Create(&fresh).Error
	}
}

// cleanupSourceDeliveryInTx retires the emptied source: once no open items
// remain, its plan assignments are destroyed and, when every item has
// settled, the delivery itself flips to Rescheduled.
func cleanupSourceDeliveryInTx(ctx context.Context, tx *gorm.DB, deliveryId int) error {
	var open int64
	err := tx.WithContext(ctx).Model(&models.DeliveryItem{}).
		Where("delivery_id = ? AND status NOT IN ?", deliveryId, []models.DeliveryItemStatus{
			models.DeliveryItemStatusDelivered,
			models.DeliveryItemStatusCancelled,
			models.DeliveryItemStatusRescheduled,
		}).
		Count(&open).Error
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}

	if err := models.DestroyAssignmentsForDeliveryInTx(ctx, tx, deliveryId); err != nil {
		return err
	}
	return tx.WithContext(ctx).Model(&models.Delivery{}).Where("id = ?", deliveryId).
		Update("status", models.DeliveryStatusRescheduled).Error
}

// notifyRescheduled fans out the reschedule notifications via the outbox.
// A second notification warns when the new date already falls in the current
// ISO week, so logistics can slot the stop into a running plan.
func notifyRescheduled(ctx context.Context, tx *gorm.DB, source, target *models.Delivery, targetDate time.Time) {
	roles := []models.UserRole{models.UserRoleLogistics, models.UserRoleProduction, models.UserRoleSeller}
	models.NotifyUsersInTx(ctx, tx, models.NewNotificationInput{
		Roles:         roles,
		Type:          models.NotificationTypeDeliveryRescheduled,
		ReferenceType: models.NotificationReferenceTypeDelivery,
		ReferenceId:   target.ID,
		Message: fmt.Sprintf("Delivery moved from %s to %s",
			source.DeliveryDate.Format("2006-01-02"), targetDate.Format("2006-01-02")),
	})
	if utils.SameISOWeek(targetDate, time.Now()) {
		models.NotifyUsersInTx(ctx, tx, models.NewNotificationInput{
			Roles:         []models.UserRole{models.UserRoleLogistics},
			Type:          models.NotificationTypeDeliveryThisWeek,
			ReferenceType: models.NotificationReferenceTypeDelivery,
			ReferenceId:   target.ID,
			Message:       "Rescheduled delivery lands in the current week: " + targetDate.Format("2006-01-02"),
			SendEmail:     true,
		})
	}
}
