package models

import (
	"errors"
)

type OrderItemStatus string

const (
	OrderItemStatusInProduction OrderItemStatus = "InProduction"
	OrderItemStatusReady        OrderItemStatus = "Ready"
	OrderItemStatusDelivered    OrderItemStatus = "Delivered"
	OrderItemStatusCancelled    OrderItemStatus = "Cancelled"
	OrderItemStatusMissing      OrderItemStatus = "Missing"
)

func (s *OrderItemStatus) UnmarshalText(b []byte) error {
	switch str := string(b); str {
	case "InProduction", "Ready", "Delivered", "Cancelled", "Missing":
		*s = OrderItemStatus(str)
		return nil
	default:
		return errors.New("invalid order item status")
	}
}

type DeliveryItemStatus string

const (
	DeliveryItemStatusPending     DeliveryItemStatus = "Pending"
	DeliveryItemStatusConfirmed   DeliveryItemStatus = "Confirmed"
	DeliveryItemStatusInRoute     DeliveryItemStatus = "InRoute"
	DeliveryItemStatusDelivered   DeliveryItemStatus = "Delivered"
	DeliveryItemStatusRescheduled DeliveryItemStatus = "Rescheduled"
	DeliveryItemStatusCancelled   DeliveryItemStatus = "Cancelled"
	DeliveryItemStatusFailed      DeliveryItemStatus = "Failed"
)

func (s *DeliveryItemStatus) UnmarshalText(b []byte) error {
	switch str := string(b); str {
	case "Pending", "Confirmed", "InRoute", "Delivered", "Rescheduled", "Cancelled", "Failed":
		*s = DeliveryItemStatus(str)
		return nil
	default:
		return errors.New("invalid delivery item status")
	}
}

// Terminal statuses keep their history: items in these states are never
// migrated, summed into, or edited by the reschedule engine.
func (s DeliveryItemStatus) Terminal() bool {
	return s == DeliveryItemStatusDelivered || s == DeliveryItemStatusCancelled || s == DeliveryItemStatusFailed
}

// Live reports whether the item still counts toward the order item's open
// quantity.
func (s DeliveryItemStatus) Live() bool {
	switch s {
	case DeliveryItemStatusPending, DeliveryItemStatusConfirmed, DeliveryItemStatusInRoute, DeliveryItemStatusDelivered:
		return true
	}
	return false
}

// Movable reports whether the reschedule engine may migrate the item to a
// different date. InRoute items must complete or fail first.
func (s DeliveryItemStatus) Movable() bool {
	switch s {
	case DeliveryItemStatusPending, DeliveryItemStatusConfirmed:
		return true
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryStatusScheduled      DeliveryStatus = "Scheduled"
	DeliveryStatusReadyToDeliver DeliveryStatus = "ReadyToDeliver"
	DeliveryStatusInPlan         DeliveryStatus = "InPlan"
	DeliveryStatusInRoute        DeliveryStatus = "InRoute"
	DeliveryStatusDelivered      DeliveryStatus = "Delivered"
	DeliveryStatusRescheduled    DeliveryStatus = "Rescheduled"
	DeliveryStatusCancelled      DeliveryStatus = "Cancelled"
	DeliveryStatusFailed         DeliveryStatus = "Failed"
	DeliveryStatusArchived       DeliveryStatus = "Archived"
)

// Active deliveries may still receive items from a reschedule.
func (s DeliveryStatus) Active() bool {
	switch s {
	case DeliveryStatusScheduled, DeliveryStatusReadyToDeliver, DeliveryStatusInPlan, DeliveryStatusInRoute:
		return true
	}
	return false
}

func (s DeliveryStatus) PlanClaimed() bool {
	return s == DeliveryStatusInPlan || s == DeliveryStatusInRoute
}

type DeliveryType string

const (
	DeliveryTypeNormal           DeliveryType = "Normal"
	DeliveryTypePickup           DeliveryType = "Pickup"
	DeliveryTypeReturnDelivery   DeliveryType = "ReturnDelivery"
	DeliveryTypeOnsiteRepair     DeliveryType = "OnsiteRepair"
	DeliveryTypeInternalDelivery DeliveryType = "InternalDelivery"
)

func (t *DeliveryType) UnmarshalText(b []byte) error {
	switch str := string(b); str {
	case "Normal", "Pickup", "ReturnDelivery", "OnsiteRepair", "InternalDelivery":
		*t = DeliveryType(str)
		return nil
	default:
		return errors.New("invalid delivery type")
	}
}

type ItemLoadStatus string

const (
	ItemLoadStatusUnloaded ItemLoadStatus = "Unloaded"
	ItemLoadStatusLoaded   ItemLoadStatus = "Loaded"
	ItemLoadStatusMissing  ItemLoadStatus = "Missing"
)

type PlanLoadStatus string

const (
	PlanLoadStatusEmpty       PlanLoadStatus = "Empty"
	PlanLoadStatusPartial     PlanLoadStatus = "Partial"
	PlanLoadStatusAllLoaded   PlanLoadStatus = "AllLoaded"
	PlanLoadStatusSomeMissing PlanLoadStatus = "SomeMissing"
)

type RoutePlanStatus string

const (
	RoutePlanStatusDraft           RoutePlanStatus = "Draft"
	RoutePlanStatusSentToLogistics RoutePlanStatus = "SentToLogistics"
	RoutePlanStatusRoutesCreated   RoutePlanStatus = "RoutesCreated"
	RoutePlanStatusInProgress      RoutePlanStatus = "InProgress"
	RoutePlanStatusCompleted       RoutePlanStatus = "Completed"
	RoutePlanStatusAborted         RoutePlanStatus = "Aborted"
)

// Sealed plans cannot be destroyed or structurally edited.
func (s RoutePlanStatus) Sealed() bool {
	return s == RoutePlanStatusInProgress || s == RoutePlanStatusCompleted || s == RoutePlanStatusAborted
}

type AssignmentStatus string

const (
	AssignmentStatusPending   AssignmentStatus = "Pending"
	AssignmentStatusEnRoute   AssignmentStatus = "EnRoute"
	AssignmentStatusCompleted AssignmentStatus = "Completed"
	AssignmentStatusCancelled AssignmentStatus = "Cancelled"
)

func (s AssignmentStatus) Terminal() bool {
	return s == AssignmentStatusCompleted || s == AssignmentStatusCancelled
}

type TruckType string

const (
	TruckTypeBox      TruckType = "Box"
	TruckTypeTrailer  TruckType = "Trailer"
	TruckTypeSprinter TruckType = "Sprinter"
	TruckTypeExternal TruckType = "External"
)

func (t *TruckType) UnmarshalText(b []byte) error {
	switch str := string(b); str {
	case "Box", "Trailer", "Sprinter", "External":
		*t = TruckType(str)
		return nil
	default:
		return errors.New("invalid truck type")
	}
}

type NotificationType string

const (
	NotificationTypeDeliveryRescheduled NotificationType = "DeliveryRescheduled"
	NotificationTypeDeliveryThisWeek    NotificationType = "DeliveryThisWeek"
	NotificationTypeDeliveryFailed      NotificationType = "DeliveryFailed"
	NotificationTypePlanStatusChanged   NotificationType = "PlanStatusChanged"
)

// NotificationReferenceType discriminates the polymorphic notifiable target.
type NotificationReferenceType string

const (
	NotificationReferenceTypeDelivery  NotificationReferenceType = "Delivery"
	NotificationReferenceTypeOrder     NotificationReferenceType = "Order"
	NotificationReferenceTypeRoutePlan NotificationReferenceType = "RoutePlan"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusPublished  = "PUBLISHED"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)
