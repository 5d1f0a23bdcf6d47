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

type Delivery struct {
	ID                int            `gorm:"primary_key" json:"id"`
	OrderId           int            `gorm:"index;index:idx_delivery_live,unique;not null" json:"order_id" binding:"required"`
	AddressId         int            `gorm:"index:idx_delivery_live,unique;not null" json:"address_id" binding:"required"`
	DeliveryDate      time.Time      `gorm:"index:idx_delivery_live,unique;not null" json:"delivery_date" binding:"required"`
	Status            DeliveryStatus `gorm:"type:enum('Scheduled','ReadyToDeliver','InPlan','InRoute','Delivered','Rescheduled','Cancelled','Failed','Archived');not null;default:'Scheduled';index:idx_delivery_live,unique" json:"status"`
	DeliveryType      DeliveryType   `gorm:"type:enum('Normal','Pickup','ReturnDelivery','OnsiteRepair','InternalDelivery');not null;default:'Normal'" json:"delivery_type"`
	Approved          *bool          `gorm:"not null;default:false" json:"approved"`
	LoadStatus        ItemLoadStatus `gorm:"type:enum('Unloaded','Loaded','Missing');not null;default:'Unloaded'" json:"load_status"`
	ContactName       string         `gorm:"size:255" json:"contact_name"`
	ContactPhone      string         `gorm:"size:50" json:"contact_phone"`
	TimePreference    string         `gorm:"size:100" json:"time_preference"`
	Notes             string         `gorm:"type:text" json:"notes"`
	FailureReason     string         `gorm:"type:text" json:"failure_reason"`
	RescheduledFromId *int           `gorm:"index" json:"rescheduled_from_id"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`

	Items []DeliveryItem `gorm:"foreignKey:DeliveryId" json:"items"`
}

type NewDelivery struct {
	OrderId        int                    `json:"order_id" binding:"required"`
	AddressId      int                    `json:"address_id" binding:"required"`
	DeliveryDate   time.Time              `json:"delivery_date" binding:"required"`
	DeliveryType   DeliveryType           `json:"delivery_type"`
	ContactName    string                 `json:"contact_name"`
	ContactPhone   string                 `json:"contact_phone"`
	TimePreference string                 `json:"time_preference"`
	Notes          string                 `json:"notes"`
	Items          []NewDeliveryItemInput `json:"items" binding:"required"`
}

type NewDeliveryItemInput struct {
	ProductName string          `json:"product_name" binding:"required"`
	Quantity    decimal.Decimal `json:"quantity" binding:"required"`
	ServiceCase *bool           `json:"service_case"`
	Notes       string          `json:"notes"`
}

func (obj Delivery) GetId() int {
	return obj.ID
}

// GetDisplayLabel implements the notifiable surface.
func (obj Delivery) GetDisplayLabel() string {
	return "delivery " + obj.DeliveryDate.Format("2006-01-02")
}

// DeliveryStatusInput is everything the delivery derivation depends on,
// decoupled from storage so the policy is testable as a pure function.
type DeliveryStatusInput struct {
	Current                DeliveryStatus
	ItemStatuses           []DeliveryItemStatus
	HasPlanAssignments     bool
	HasLivePlanAssignments bool
}

// DeriveDeliveryStatus recomputes a delivery's status bottom-up from its
// items. Returns (status, true) when a change should be written and
// (current, false) otherwise. Rules are evaluated strictly in order; ties
// break by rule order, never by majority.
func DeriveDeliveryStatus(in DeliveryStatusInput) (DeliveryStatus, bool) {
	// Archived deliveries never re-derive.
	if in.Current == DeliveryStatusArchived {
		return in.Current, false
	}
	if len(in.ItemStatuses) == 0 {
		return in.Current, false
	}

	var anyCancelled, anyRescheduled, anyInRoute bool
	allDelivered, allCancelled, allRescheduled := true, true, true
	allSettled, allOpen := true, true // settled: Rescheduled/Confirmed/Delivered; open: Pending/Confirmed
	for _, s := range in.ItemStatuses {
		switch s {
		case DeliveryItemStatusCancelled:
			anyCancelled = true
		case DeliveryItemStatusRescheduled:
			anyRescheduled = true
		case DeliveryItemStatusInRoute:
			anyInRoute = true
		}
		if s != DeliveryItemStatusDelivered {
			allDelivered = false
		}
		if s != DeliveryItemStatusCancelled {
			allCancelled = false
		}
		if s != DeliveryItemStatusRescheduled {
			allRescheduled = false
		}
		if s != DeliveryItemStatusRescheduled && s != DeliveryItemStatusConfirmed && s != DeliveryItemStatusDelivered {
			allSettled = false
		}
		if s != DeliveryItemStatusPending && s != DeliveryItemStatusConfirmed {
			allOpen = false
		}
	}

	// Plan-claimed suppression. The boolean is kept exactly as the dispatch
	// tool has always evaluated it; see the truth-table test before touching
	// this expression.
	if in.Current.PlanClaimed() &&
		((!anyCancelled && !anyRescheduled) || allDelivered) &&
		in.HasLivePlanAssignments {
		return in.Current, false
	}

	switch {
	case allDelivered:
		return changed(in.Current, DeliveryStatusDelivered)
	case allCancelled:
		return changed(in.Current, DeliveryStatusCancelled)
	case allRescheduled:
		return changed(in.Current, DeliveryStatusRescheduled)
	case allSettled:
		if in.HasPlanAssignments {
			return changed(in.Current, DeliveryStatusInPlan)
		}
		return changed(in.Current, DeliveryStatusReadyToDeliver)
	case anyInRoute:
		return changed(in.Current, DeliveryStatusInRoute)
	case allOpen:
		return changed(in.Current, DeliveryStatusScheduled)
	}

	// No rule matched: a bug, not a user error. Leave the status alone; the
	// next write re-derives from item state.
	config.LogWarn(config.GetLogger(), "delivery.go", "DeriveDeliveryStatus", "no derivation rule matched", in)
	return in.Current, false
}

func changed(current, next DeliveryStatus) (DeliveryStatus, bool) {
	return next, next != current
}

// CheckDeliveryStatus re-derives and persists the delivery's status inside
// the caller's transaction. Idempotent.
func CheckDeliveryStatus(ctx context.Context, tx *gorm.DB, deliveryId int) error {
	var delivery Delivery
	if err := tx.WithContext(ctx).Where("id = ?", deliveryId).First(&delivery).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		return err
	}

	var itemStatuses []DeliveryItemStatus
	if err := tx.WithContext(ctx).Model(&DeliveryItem{}).
		Where("delivery_id = ?", deliveryId).
		Pluck("status", &itemStatuses).Error; err != nil {
		return err
	}

	var planCount, livePlanCount int64
	if err := tx.WithContext(ctx).Model(&RoutePlanAssignment{}).
		Where("delivery_id = ?", deliveryId).Count(&planCount).Error; err != nil {
		return err
	}
	if err := tx.WithContext(ctx).Model(&RoutePlanAssignment{}).
		Where("delivery_id = ? AND status IN ?", deliveryId,
			[]AssignmentStatus{AssignmentStatusPending, AssignmentStatusEnRoute}).
		Count(&livePlanCount).Error; err != nil {
		return err
	}

	newStatus, ok := DeriveDeliveryStatus(DeliveryStatusInput{
		Current:                delivery.Status,
		ItemStatuses:           itemStatuses,
		HasPlanAssignments:     planCount > 0,
		HasLivePlanAssignments: livePlanCount > 0,
	})
	if !ok {
		return nil
	}
	return tx.WithContext(ctx).Model(&Delivery{}).Where("id = ?", deliveryId).
		Update("status", newStatus).Error
}

// MarkDeliveryAsDelivered force-completes the delivery: every non-terminal
// item flips to Delivered, the delivery follows, and each touched order item
// is checked for full completion. Runs inside the caller's transaction.
func MarkDeliveryAsDelivered(ctx context.Context, tx *gorm.DB, deliveryId int) error {
	var orderItemIds []int
	if err := tx.WithContext(ctx).Model(&DeliveryItem{}).
		Where("delivery_id = ? AND status NOT IN ?", deliveryId,
			[]DeliveryItemStatus{DeliveryItemStatusDelivered, DeliveryItemStatusCancelled, DeliveryItemStatusRescheduled, DeliveryItemStatusFailed}).
		Pluck("order_item_id", &orderItemIds).Error; err != nil {
		return err
	}

	if err := tx.WithContext(ctx).Model(&DeliveryItem{}).
		Where("delivery_id = ? AND status NOT IN ?", deliveryId,
			[]DeliveryItemStatus{DeliveryItemStatusDelivered, DeliveryItemStatusCancelled, DeliveryItemStatusRescheduled, DeliveryItemStatusFailed}).
		Update("status", DeliveryItemStatusDelivered).Error; err != nil {
		return err
	}

	if err := tx.WithContext(ctx).Model(&Delivery{}).Where("id = ?", deliveryId).
		Update("status", DeliveryStatusDelivered).Error; err != nil {
		return err
	}

	for _, orderItemId := range utils.UniqueSlice(orderItemIds) {
		if err := checkOrderItemAllDelivered(ctx, tx, orderItemId); err != nil {
			return err
		}
	}
	return nil
}

func (input NewDelivery) validate(ctx context.Context) error {
	if err := utils.ValidateResourceId[Order](ctx, input.OrderId); err != nil {
		return errors.New("order not found")
	}
	if err := utils.ValidateResourceId[Address](ctx, input.AddressId); err != nil {
		return errors.New("address not found")
	}
	if input.DeliveryDate.IsZero() {
		return errors.New("delivery date is required")
	}
	if len(input.Items) == 0 {
		return errors.New("delivery needs at least one item")
	}
	for _, item := range input.Items {
		if strings.TrimSpace(item.ProductName) == "" {
			return errors.New("product name is required")
		}
		if !item.Quantity.IsPositive() {
			return errors.New("product quantity must be positive")
		}
	}
	return nil
}

func CreateDelivery(ctx context.Context, input *NewDelivery) (*Delivery, error) {
	db := config.GetDB()

	if err := input.validate(ctx); err != nil {
		return nil, err
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	delivery, err := CreateDeliveryInTx(ctx, tx, input)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, translateDuplicateDelivery(err)
	}
	return delivery, nil
}

// CreateDeliveryInTx is the single creation path shared by direct creation,
// spreadsheet import, the reschedule engine and the failure clone.
func CreateDeliveryInTx(ctx context.Context, tx *gorm.DB, input *NewDelivery) (*Delivery, error) {
	deliveryType := input.DeliveryType
	if deliveryType == "" {
		deliveryType = DeliveryTypeNormal
	}

	delivery := Delivery{
		OrderId:        input.OrderId,
		AddressId:      input.AddressId,
		DeliveryDate:   input.DeliveryDate,
		Status:         DeliveryStatusScheduled,
		DeliveryType:   deliveryType,
		Approved:       utils.NewFalse(),
		LoadStatus:     ItemLoadStatusUnloaded,
		ContactName:    input.ContactName,
		ContactPhone:   input.ContactPhone,
		TimePreference: input.TimePreference,
		Notes:          input.Notes,
	}

	for _, itemInput := range input.Items {
		orderItem, err := FindOrCreateOrderItem(ctx, tx, input.OrderId, itemInput.ProductName, itemInput.Quantity)
		if err != nil {
			return nil, err
		}
		serviceCase := itemInput.ServiceCase
		if serviceCase == nil {
			serviceCase = utils.NewFalse()
		}
		delivery.Items = append(delivery.Items, DeliveryItem{
			OrderItemId:       orderItem.ID,
			QuantityDelivered: itemInput.Quantity,
			Status:            DeliveryItemStatusPending,
			ServiceCase:       serviceCase,
			LoadStatus:        ItemLoadStatusUnloaded,
			Live:              utils.NewTrue(),
			Notes:             itemInput.Notes,
		})
	}

	if err := tx.WithContext(ctx).Create(&delivery).Error; err != nil {
		return nil, translateDuplicateDelivery(err)
	}
	return &delivery, nil
}

func translateDuplicateDelivery(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "Duplicate entry") {
		return utils.ErrorDuplicateDelivery
	}
	return err
}

func GetDelivery(ctx context.Context, id int) (*Delivery, error) {
	db := config.GetDB()
	var delivery Delivery
	err := db.WithContext(ctx).Preload("Items").Where("id = ?", id).First(&delivery).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	return &delivery, err
}

// ApproveDelivery flags the delivery as cleared for route planning.
func ApproveDelivery(ctx context.Context, id int) (*Delivery, error) {
	db := config.GetDB()
	var delivery Delivery
	if err := db.WithContext(ctx).Where("id = ?", id).First(&delivery).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if !delivery.Status.Active() {
		return nil, errors.New("only active deliveries can be approved")
	}
	if err := db.WithContext(ctx).Model(&Delivery{}).Where("id = ?", id).
		Update("approved", true).Error; err != nil {
		return nil, err
	}
	delivery.Approved = utils.NewTrue()
	return &delivery, nil
}

// ArchiveDelivery freezes a terminal delivery; archived deliveries never
// re-derive their status.
func ArchiveDelivery(ctx context.Context, id int) error {
	db := config.GetDB()
	var delivery Delivery
	if err := db.WithContext(ctx).Where("id = ?", id).First(&delivery).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		return err
	}
	if delivery.Status.Active() {
		return errors.New("active deliveries cannot be archived")
	}
	return db.WithContext(ctx).Model(&Delivery{}).Where("id = ?", id).
		Update("status", DeliveryStatusArchived).Error
}

// recalculateDeliveryLoadStatus mirrors the item load states onto the
// delivery: Missing wins over Loaded wins over Unloaded.
func recalculateDeliveryLoadStatus(ctx context.Context, tx *gorm.DB, deliveryId int) error {
	var loads []ItemLoadStatus
	if err := tx.WithContext(ctx).Model(&DeliveryItem{}).
		Where("delivery_id = ? AND status NOT IN ?", deliveryId,
			[]DeliveryItemStatus{DeliveryItemStatusRescheduled, DeliveryItemStatusCancelled}).
		Pluck("load_status", &loads).Error; err != nil {
		return err
	}
	if len(loads) == 0 {
		return nil
	}

	status := ItemLoadStatusLoaded
	anyMissing := false
	for _, l := range loads {
		if l == ItemLoadStatusMissing {
			anyMissing = true
		}
		if l != ItemLoadStatusLoaded && l != ItemLoadStatusMissing {
			status = ItemLoadStatusUnloaded
		}
	}
	if anyMissing {
		status = ItemLoadStatusMissing
	}
	return tx.WithContext(ctx).Model(&Delivery{}).Where("id = ?", deliveryId).
		Update("load_status", status).Error
}

// RecalculateDeliveryLoadStatusInTx re-derives the delivery-level load
// status inside the caller's transaction.
func RecalculateDeliveryLoadStatusInTx(ctx context.Context, tx *gorm.DB, deliveryId int) error {
	return recalculateDeliveryLoadStatus(ctx, tx, deliveryId)
}
