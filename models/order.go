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

type Order struct {
	ID          int        `gorm:"primary_key" json:"id"`
	ClientId    int        `gorm:"index;not null" json:"client_id" binding:"required"`
	SellerId    int        `gorm:"index" json:"seller_id"`
	OrderNumber string     `gorm:"size:100;uniqueIndex;not null" json:"order_number" binding:"required"`
	OrderDate   time.Time  `gorm:"not null" json:"order_date" binding:"required"`
	Notes       string     `gorm:"type:text" json:"notes"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	Items       []OrderItem `gorm:"foreignKey:OrderId" json:"items"`
}

type NewOrder struct {
	ClientId    int            `json:"client_id" binding:"required"`
	SellerId    int            `json:"seller_id"`
	OrderNumber string         `json:"order_number" binding:"required"`
	OrderDate   time.Time      `json:"order_date" binding:"required"`
	Notes       string         `json:"notes"`
	Items       []NewOrderItem `json:"items"`
}

type NewOrderItem struct {
	ProductName string          `json:"product_name" binding:"required"`
	Quantity    decimal.Decimal `json:"quantity" binding:"required"`
}

func (obj Order) GetId() int {
	return obj.ID
}

func (input NewOrder) validate(ctx context.Context) error {
	if err := utils.ValidateResourceId[Client](ctx, input.ClientId); err != nil {
		return errors.New("client not found")
	}
	if input.SellerId > 0 {
		if err := utils.ValidateResourceId[User](ctx, input.SellerId); err != nil {
			return errors.New("seller not found")
		}
	}
	if strings.TrimSpace(input.OrderNumber) == "" {
		return errors.New("order number is required")
	}
	seen := make(map[string]struct{}, len(input.Items))
	for _, item := range input.Items {
		name := strings.TrimSpace(item.ProductName)
		if name == "" {
			return errors.New("product name is required")
		}
		if !item.Quantity.IsPositive() {
			return errors.New("product quantity must be positive")
		}
		if _, ok := seen[name]; ok {
			return errors.New("duplicate product in order: " + name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func CreateOrder(ctx context.Context, input *NewOrder) (*Order, error) {
	db := config.GetDB()

	if err := input.validate(ctx); err != nil {
		return nil, err
	}
	if err := utils.ValidateUnique[Order](ctx, "order_number", input.OrderNumber, 0); err != nil {
		return nil, errors.New("order number already exists")
	}

	items := make([]OrderItem, 0, len(input.Items))
	for _, item := range input.Items {
		items = append(items, OrderItem{
			ProductName: strings.TrimSpace(item.ProductName),
			Quantity:    item.Quantity,
			Status:      OrderItemStatusInProduction,
			Confirmed:   utils.NewFalse(),
		})
	}

	order := Order{
		ClientId:    input.ClientId,
		SellerId:    input.SellerId,
		OrderNumber: strings.TrimSpace(input.OrderNumber),
		OrderDate:   input.OrderDate,
		Notes:       input.Notes,
		Items:       items,
	}
	if err := db.WithContext(ctx).Create(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func GetOrder(ctx context.Context, id int) (*Order, error) {
	db := config.GetDB()
	var order Order
	err := db.WithContext(ctx).Preload("Items").Where("id = ?", id).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	return &order, err
}

// DestroyOrder removes the order and everything hanging off it. Deliveries
// referencing the order (and their items) go too; route plans survive, their
// assignments for the removed deliveries are destroyed with compaction.
func DestroyOrder(ctx context.Context, id int) error {
	db := config.GetDB()

	var order Order
	if err := db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		return err
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	var deliveryIds []int
	if err := tx.WithContext(ctx).Model(&Delivery{}).Where("order_id = ?", id).Pluck("id", &deliveryIds).Error; err != nil {
		tx.Rollback()
		return err
	}
	for _, deliveryId := range deliveryIds {
		if err := DestroyAssignmentsForDeliveryInTx(ctx, tx, deliveryId); err != nil {
			tx.Rollback()
			return err
		}
	}
	if len(deliveryIds) > 0 {
		if err := tx.WithContext(ctx).Where("delivery_id IN ?", deliveryIds).Delete(&DeliveryItem{}).Error; err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.WithContext(ctx).Where("id IN ?", deliveryIds).Delete(&Delivery{}).Error; err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.WithContext(ctx).Where("order_id = ?", id).Delete(&OrderItem{}).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.WithContext(ctx).Delete(&Order{}, id).Error; err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

// FindOrCreateOrder resolves by order number; shared by direct creation and
// spreadsheet import.
func FindOrCreateOrder(ctx context.Context, tx *gorm.DB, input *NewOrder) (*Order, error) {
	var order Order
	err := tx.WithContext(ctx).Where("order_number = ?", strings.TrimSpace(input.OrderNumber)).First(&order).Error
	if err == nil {
		return &order, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	items := make([]OrderItem, 0, len(input.Items))
	for _, item := range input.Items {
		items = append(items, OrderItem{
			ProductName: strings.TrimSpace(item.ProductName),
			Quantity:    item.Quantity,
			Status:      OrderItemStatusInProduction,
			Confirmed:   utils.NewFalse(),
		})
	}
	order = Order{
		ClientId:    input.ClientId,
		SellerId:    input.SellerId,
		OrderNumber: strings.TrimSpace(input.OrderNumber),
		OrderDate:   input.OrderDate,
		Notes:       input.Notes,
		Items:       items,
	}
	if err := tx.WithContext(ctx).Create(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}
