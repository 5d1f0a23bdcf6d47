package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mobelwerk/logistics_backend/config"
	"bitbucket.org/mobelwerk/logistics_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type OrderItem struct {
	ID          int             `gorm:"primary_key" json:"id"`
	OrderId     int             `gorm:"index:idx_order_product,unique;not null" json:"order_id"`
	ProductName string          `gorm:"size:255;index:idx_order_product,unique;not null" json:"product_name" binding:"required"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity" binding:"required"`
	Status      OrderItemStatus `gorm:"type:enum('InProduction','Ready','Delivered','Cancelled','Missing');not null;default:'InProduction'" json:"status"`
	Confirmed   *bool           `gorm:"not null;default:false" json:"confirmed"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (obj OrderItem) GetId() int {
	return obj.ID
}

// OrderItemChildState is the slice of delivery-item state the order item's
// status depends on.
type OrderItemChildState struct {
	Status DeliveryItemStatus
	Load   ItemLoadStatus
}

// DeriveOrderItemStatus recomputes an order item's status from its delivery
// items. Pure: callable from tests without storage. Rescheduled children are
// history and do not participate. Rule order is the policy; first match wins.
func DeriveOrderItemStatus(confirmed bool, children []OrderItemChildState) OrderItemStatus {
	var live, delivered, cancelled, missing, total int
	for _, child := range children {
		if child.Status == DeliveryItemStatusRescheduled {
			continue
		}
		total++
		if child.Status == DeliveryItemStatusCancelled {
			cancelled++
			continue
		}
		live++
		if child.Status == DeliveryItemStatusDelivered {
			delivered++
		}
		if child.Load == ItemLoadStatusMissing {
			missing++
		}
	}

	switch {
	case live > 0 && delivered == live:
		return OrderItemStatusDelivered
	case total > 0 && cancelled == total:
		return OrderItemStatusCancelled
	case missing > 0:
		return OrderItemStatusMissing
	case confirmed:
		return OrderItemStatusReady
	default:
		return OrderItemStatusInProduction
	}
}

// CheckOrderItemStatus re-derives and persists the order item's status inside
// the caller's transaction. Safe to call repeatedly; writes only on change.
func CheckOrderItemStatus(ctx context.Context, tx *gorm.DB, orderItemId int) error {
	var item OrderItem
	if err := tx.WithContext(ctx).Where("id = ?", orderItemId).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		return err
	}

	var children []OrderItemChildState
	if err := tx.WithContext(ctx).Model(&DeliveryItem{}).
		Where("order_item_id = ?", orderItemId).
		Select("status, load_status AS `load`").Scan(&children).Error; err != nil {
		return err
	}

	newStatus := DeriveOrderItemStatus(utils.DereferencePtr(item.Confirmed), children)
	if newStatus == item.Status {
		return nil
	}
	return tx.WithContext(ctx).Model(&OrderItem{}).Where("id = ?", orderItemId).
		Update("status", newStatus).Error
}

// checkOrderItemAllDelivered promotes the order item to Delivered only when
// every non-historical delivery item across all deliveries is delivered.
func checkOrderItemAllDelivered(ctx context.Context, tx *gorm.DB, orderItemId int) error {
	var counts struct {
		Total     int64
		Delivered int64
	}
	err := tx.WithContext(ctx).Model(&DeliveryItem{}).
		Where("order_item_id = ? AND status NOT IN ?", orderItemId,
			[]DeliveryItemStatus{DeliveryItemStatusRescheduled, DeliveryItemStatusCancelled, DeliveryItemStatusFailed}).
		Select("COUNT(*) as total, SUM(status = 'Delivered') as delivered").
		Scan(&counts).Error
	if err != nil {
		return err
	}
	if counts.Total == 0 || counts.Delivered != counts.Total {
		return nil
	}
	return tx.WithContext(ctx).Model(&OrderItem{}).Where("id = ?", orderItemId).
		Update("status", OrderItemStatusDelivered).Error
}

// ConfirmOrderItem marks a line as produced and ready for delivery.
func ConfirmOrderItem(ctx context.Context, orderItemId int) (*OrderItem, error) {
	return setOrderItemConfirmed(ctx, orderItemId, true)
}

func UnconfirmOrderItem(ctx context.Context, orderItemId int) (*OrderItem, error) {
	return setOrderItemConfirmed(ctx, orderItemId, false)
}

func setOrderItemConfirmed(ctx context.Context, orderItemId int, confirmed bool) (*OrderItem, error) {
	db := config.GetDB()

	var item OrderItem
	if err := db.WithContext(ctx).Where("id = ?", orderItemId).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if item.Status == OrderItemStatusDelivered || item.Status == OrderItemStatusCancelled {
		return nil, errors.New("order item is already " + strings.ToLower(string(item.Status)))
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	item.Confirmed = &confirmed
	if err := tx.WithContext(ctx).Model(&OrderItem{}).Where("id = ?", orderItemId).
		Update("confirmed", confirmed).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := CheckOrderItemStatus(ctx, tx, orderItemId); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	if err := db.WithContext(ctx).Where("id = ?", orderItemId).First(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// FindOrCreateOrderItem resolves by order + product name (the per-order
// uniqueness constraint); shared by delivery creation and import.
func FindOrCreateOrderItem(ctx context.Context, tx *gorm.DB, orderId int, productName string, quantity decimal.Decimal) (*OrderItem, error) {
	productName = strings.TrimSpace(productName)
	if productName == "" {
		return nil, errors.New("product name is required")
	}

	var item OrderItem
	err := tx.WithContext(ctx).
		Where("order_id = ? AND product_name = ?", orderId, productName).
		First(&item).Error
	if err == nil {
		return &item, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	item = OrderItem{
		OrderId:     orderId,
		ProductName: productName,
		Quantity:    quantity,
		Status:      OrderItemStatusInProduction,
		Confirmed:   utils.NewFalse(),
	}
	if err := tx.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}
