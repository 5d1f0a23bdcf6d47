package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mobelwerk/logistics_backend/config"
	"bitbucket.org/mobelwerk/logistics_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// gorm session key that lets the reschedule engine revive a Rescheduled item.
// Every other write path hits the immutability guard.
const deliveryItemReviveKey = "logistics:reviveDeliveryItem"

type DeliveryItem struct {
	ID                int                `gorm:"primary_key" json:"id"`
	DeliveryId        int                `gorm:"index;index:idx_item_live,unique;not null" json:"delivery_id"`
	OrderItemId       int                `gorm:"index;index:idx_item_live,unique;not null" json:"order_item_id" binding:"required"`
	QuantityDelivered decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"quantity_delivered"`
	Status            DeliveryItemStatus `gorm:"type:enum('Pending','Confirmed','InRoute','Delivered','Rescheduled','Cancelled','Failed');not null;default:'Pending'" json:"status"`
	ServiceCase       *bool              `gorm:"not null;default:false" json:"service_case"`
	LoadStatus        ItemLoadStatus     `gorm:"type:enum('Unloaded','Loaded','Missing');not null;default:'Unloaded'" json:"load_status"`
	// Live is true for the single active row per (delivery, order item) and
	// NULL for retired rows, so the unique index only bites the live layer.
	Live      *bool     `gorm:"index:idx_item_live,unique" json:"live"`
	Notes     string    `gorm:"type:text" json:"notes"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (obj DeliveryItem) GetId() int {
	return obj.ID
}

// BeforeUpdate enforces the reschedule audit trail: a Rescheduled item is
// immutable. The reschedule engine's revive path opts out via the session key.
func (item *DeliveryItem) BeforeUpdate(tx *gorm.DB) error {
	if item.ID == 0 {
		return nil
	}
	if v, ok := tx.Get(deliveryItemReviveKey); ok {
		if allowed, _ := v.(bool); allowed {
			return nil
		}
	}
	var currentStatus DeliveryItemStatus
	if err := tx.Session(&gorm.Session{NewDB: true}).Model(&DeliveryItem{}).
		Where("id = ?", item.ID).Pluck("status", &currentStatus).Error; err != nil {
		return nil
	}
	if currentStatus == DeliveryItemStatusRescheduled {
		return errors.New("rescheduled delivery item cannot be modified")
	}
	return nil
}

// liveFlagFor keeps the partial-uniqueness column in sync with status.
func liveFlagFor(status DeliveryItemStatus) *bool {
	if status == DeliveryItemStatusRescheduled || status == DeliveryItemStatusCancelled {
		return nil
	}
	return utils.NewTrue()
}

// UpdateDeliveryItemStatusInTx transitions one item and synchronously
// re-derives first the order item, then the delivery, inside the caller's
// transaction.
func UpdateDeliveryItemStatusInTx(ctx context.Context, tx *gorm.DB, itemId int, newStatus DeliveryItemStatus) (*DeliveryItem, error) {
	var item DeliveryItem
	if err := tx.WithContext(ctx).Where("id = ?", itemId).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	if item.Status == DeliveryItemStatusRescheduled {
		return nil, errors.New("rescheduled delivery item cannot be modified")
	}
	if item.Status == newStatus {
		return &item, nil
	}

	if newStatus == DeliveryItemStatusConfirmed {
		// Confirming promises the client the product is on the truck soon;
		// production has to have finished it first.
		var orderItem OrderItem
		if err := tx.WithContext(ctx).Where("id = ?", item.OrderItemId).First(&orderItem).Error; err != nil {
			return nil, err
		}
		if orderItem.Status != OrderItemStatusReady && orderItem.Status != OrderItemStatusDelivered {
			return nil, errors.New("product not ready for delivery")
		}
	}

	item.Status = newStatus
	item.Live = liveFlagFor(newStatus)
	if err := tx.WithContext(ctx).Model(&item).
		Select("status", "live").Updates(map[string]interface{}{
		"status": newStatus,
		"live":   item.Live,
	}).Error; err != nil {
		return nil, err
	}

	if err := CheckOrderItemStatus(ctx, tx, item.OrderItemId); err != nil {
		return nil, err
	}
	if err := CheckDeliveryStatus(ctx, tx, item.DeliveryId); err != nil {
		return nil, err
	}
	return &item, nil
}

// UpdateDeliveryItemStatus is the request-scoped wrapper: one transaction per
// transition.
func UpdateDeliveryItemStatus(ctx context.Context, itemId int, newStatus DeliveryItemStatus) (*DeliveryItem, error) {
	db := config.GetDB()
	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	item, err := UpdateDeliveryItemStatusInTx(ctx, tx, itemId, newStatus)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return item, nil
}

// MarkDeliveryItemAsDelivered completes one item and promotes the order item
// to Delivered when every delivery item across all deliveries now is.
func MarkDeliveryItemAsDelivered(ctx context.Context, itemId int) (*DeliveryItem, error) {
	db := config.GetDB()
	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	item, err := UpdateDeliveryItemStatusInTx(ctx, tx, itemId, DeliveryItemStatusDelivered)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := checkOrderItemAllDelivered(ctx, tx, item.OrderItemId); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return item, nil
}

// SetDeliveryItemLoadStatus updates the drivers' loading state of one item
// and cascades the delivery-level load status.
func SetDeliveryItemLoadStatus(ctx context.Context, itemId int, loadStatus ItemLoadStatus) (*DeliveryItem, error) {
	db := config.GetDB()

	var item DeliveryItem
	if err := db.WithContext(ctx).Where("id = ?", itemId).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if item.Status == DeliveryItemStatusRescheduled {
		return nil, errors.New("rescheduled delivery item cannot be modified")
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := tx.WithContext(ctx).Model(&DeliveryItem{}).Where("id = ?", itemId).
		Update("load_status", loadStatus).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := recalculateDeliveryLoadStatus(ctx, tx, item.DeliveryId); err != nil {
		tx.Rollback()
		return nil, err
	}
	if loadStatus == ItemLoadStatusMissing {
		if err := CheckOrderItemStatus(ctx, tx, item.OrderItemId); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	item.LoadStatus = loadStatus
	return &item, nil
}

// bulkShiftDeliveryItems rewrites every item of one delivery currently in
// `from` to `to` with a single set-based UPDATE, then returns the affected
// order item ids for upstream re-derivation.
func bulkShiftDeliveryItems(ctx context.Context, tx *gorm.DB, deliveryId int, from []DeliveryItemStatus, to DeliveryItemStatus) ([]int, error) {
	var orderItemIds []int
	if err := tx.WithContext(ctx).Model(&DeliveryItem{}).
		Where("delivery_id = ? AND status IN ?", deliveryId, from).
		Pluck("order_item_id", &orderItemIds).Error; err != nil {
		return nil, err
	}
	if len(orderItemIds) == 0 {
		return nil, nil
	}
	err := tx.WithContext(ctx).Model(&DeliveryItem{}).
		Where("delivery_id = ? AND status IN ?", deliveryId, from).
		Updates(map[string]interface{}{"status": to, "live": liveFlagFor(to)}).Error
	if err != nil {
		return nil, err
	}
	return utils.UniqueSlice(orderItemIds), nil
}

// ReviveDeliveryItemInTx brings a Rescheduled item back to Pending and
// replaces its quantity with the moving quantity. The stale rescheduled
// quantity is never summed into the revived record. Only the reschedule
// engine calls this; every other write path keeps rescheduled items frozen.
func ReviveDeliveryItemInTx(ctx context.Context, tx *gorm.DB, itemId int, quantity decimal.Decimal, notes string) (*DeliveryItem, error) {
	var item DeliveryItem
	if err := tx.WithContext(ctx).Where("id = ?", itemId).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if item.Status != DeliveryItemStatusRescheduled {
		return nil, errors.New("only rescheduled delivery items can be revived")
	}

	item.Status = DeliveryItemStatusPending
	item.QuantityDelivered = quantity
	item.Live = utils.NewTrue()
	if notes != "" {
		if item.Notes != "" {
			item.Notes += "\n"
		}
		item.Notes += notes
	}
	err := tx.WithContext(ctx).Set(deliveryItemReviveKey, true).Model(&item).
		Select("status", "quantity_delivered", "live", "notes").
		Updates(map[string]interface{}{
			"status":             item.Status,
			"quantity_delivered": item.QuantityDelivered,
			"live":               item.Live,
			"notes":              item.Notes,
		}).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// BulkFailDeliveryItemsInTx flips every open item of a delivery to Failed
// with one UPDATE and returns the affected order item ids.
func BulkFailDeliveryItemsInTx(ctx context.Context, tx *gorm.DB, deliveryId int) ([]int, error) {
	return bulkShiftDeliveryItems(ctx, tx, deliveryId,
		[]DeliveryItemStatus{DeliveryItemStatusPending, DeliveryItemStatusConfirmed, DeliveryItemStatusInRoute},
		DeliveryItemStatusFailed)
}
