package workflow_test

import (
	"testing"
	"time"

	"bitbucket.org/mobelwerk/logistics_backend/config"
	"bitbucket.org/mobelwerk/logistics_backend/models"
	"bitbucket.org/mobelwerk/logistics_backend/workflow"
	"github.com/shopspring/decimal"
)

// Lifecycle guards: start twice is a no-op, completing a cancelled stop is
// rejected and leaves it cancelled, removing a stop renumbers the rest.

func TestAssignmentLifecycle(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	db := config.GetDB()

	date := time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC)
	fix := seedDelivery(t, ctx, date, "Bett Malm", decimal.NewFromInt(1))

	// Delivery must settle to ReadyToDeliver before it can join a sent plan:
	// confirm the item and approve the delivery.
	item := fix.delivery.Items[0]
	if _, err := models.ConfirmOrderItem(ctx, item.OrderItemId); err != nil {
		t.Fatalf("confirm order item: %v", err)
	}
	if _, err := models.UpdateDeliveryItemStatus(ctx, item.ID, models.DeliveryItemStatusConfirmed); err != nil {
		t.Fatalf("confirm item: %v", err)
	}
	if _, err := models.ApproveDelivery(ctx, fix.delivery.ID); err != nil {
		t.Fatalf("approve delivery: %v", err)
	}

	plan, err := models.CreateRoutePlan(ctx, &models.NewRoutePlan{Week: 38, Year: 2026})
	if err != nil {
		t.Fatalf("CreateRoutePlan: %v", err)
	}
	assignment, err := models.CreateRoutePlanAssignment(ctx, &models.NewRoutePlanAssignment{
		RoutePlanId: plan.ID,
		DeliveryId:  fix.delivery.ID,
	})
	if err != nil {
		t.Fatalf("CreateRoutePlanAssignment: %v", err)
	}
	if assignment.StopOrder != 1 {
		t.Fatalf("first stop should get stop_order 1, got %d", assignment.StopOrder)
	}

	var claimed models.Delivery
	if err := db.WithContext(ctx).Where("id = ?", fix.delivery.ID).First(&claimed).Error; err != nil {
		t.Fatalf("reload delivery: %v", err)
	}
	if claimed.Status != models.DeliveryStatusInPlan {
		t.Fatalf("assigned delivery should be InPlan, got %s", claimed.Status)
	}

	// A second live assignment for the same delivery must be rejected.
	otherPlan, err := models.CreateRoutePlan(ctx, &models.NewRoutePlan{Week: 39, Year: 2026})
	if err != nil {
		t.Fatalf("CreateRoutePlan other: %v", err)
	}
	if _, err := models.CreateRoutePlanAssignment(ctx, &models.NewRoutePlanAssignment{
		RoutePlanId: otherPlan.ID,
		DeliveryId:  fix.delivery.ID,
	}); err == nil {
		t.Fatal("delivery must not join two live plans")
	}

	started, err := models.StartAssignment(ctx, assignment.ID)
	if err != nil {
		t.Fatalf("StartAssignment: %v", err)
	}
	if started.Status != models.AssignmentStatusEnRoute || started.StartedAt == nil {
		t.Fatalf("start should set EnRoute + started_at, got %s %v", started.Status, started.StartedAt)
	}
	firstStartedAt := *started.StartedAt

	again, err := models.StartAssignment(ctx, assignment.ID)
	if err != nil {
		t.Fatalf("second StartAssignment: %v", err)
	}
	if again.StartedAt == nil || !again.StartedAt.Equal(firstStartedAt) {
		t.Fatalf("second start must be a no-op; started_at moved from %s to %v", firstStartedAt, again.StartedAt)
	}

	completed, err := models.CompleteAssignment(ctx, assignment.ID)
	if err != nil {
		t.Fatalf("CompleteAssignment: %v", err)
	}
	if completed.Status != models.AssignmentStatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("complete should set Completed + completed_at, got %s", completed.Status)
	}
	var delivered models.Delivery
	if err := db.WithContext(ctx).Where("id = ?", fix.delivery.ID).First(&delivered).Error; err != nil {
		t.Fatalf("reload delivery: %v", err)
	}
	if delivered.Status != models.DeliveryStatusDelivered {
		t.Fatalf("completed stop should deliver the delivery, got %s", delivered.Status)
	}
}

func TestCompleteCancelledAssignment_StaysCancelled(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	db := config.GetDB()

	date := time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC)
	fix := seedDelivery(t, ctx, date, "Regal Billy", decimal.NewFromInt(2))
	if _, err := models.ConfirmOrderItem(ctx, fix.delivery.Items[0].OrderItemId); err != nil {
		t.Fatalf("confirm order item: %v", err)
	}
	if _, err := models.UpdateDeliveryItemStatus(ctx, fix.delivery.Items[0].ID, models.DeliveryItemStatusConfirmed); err != nil {
		t.Fatalf("confirm item: %v", err)
	}
	if _, err := models.ApproveDelivery(ctx, fix.delivery.ID); err != nil {
		t.Fatalf("approve delivery: %v", err)
	}

	plan, err := models.CreateRoutePlan(ctx, &models.NewRoutePlan{Week: 38, Year: 2026})
	if err != nil {
		t.Fatalf("CreateRoutePlan: %v", err)
	}
	assignment, err := models.CreateRoutePlanAssignment(ctx, &models.NewRoutePlanAssignment{
		RoutePlanId: plan.ID,
		DeliveryId:  fix.delivery.ID,
	})
	if err != nil {
		t.Fatalf("CreateRoutePlanAssignment: %v", err)
	}

	// Failing the stop cancels the assignment (and clones the delivery).
	if _, err := workflow.FailDeliveryStop(ctx, assignment.ID, "truck broke down"); err != nil {
		t.Fatalf("fail stop: %v", err)
	}

	// A retried fail on the now-cancelled stop must not mint a second clone.
	clone, err := workflow.FailDeliveryStop(ctx, assignment.ID, "truck broke down")
	if err != nil {
		t.Fatalf("repeat fail stop: %v", err)
	}
	if clone != nil {
		t.Fatalf("repeat fail cloned delivery %d", clone.ID)
	}
	var cloneCount int64
	if err := db.WithContext(ctx).Model(&models.Delivery{}).
		Where("rescheduled_from_id = ?", fix.delivery.ID).Count(&cloneCount).Error; err != nil {
		t.Fatalf("count clones: %v", err)
	}
	if cloneCount != 1 {
		t.Fatalf("expected one retry delivery, found %d", cloneCount)
	}

	if _, err := models.CompleteAssignment(ctx, assignment.ID); err == nil {
		t.Fatal("completing a cancelled stop must be rejected")
	}
	var after models.RoutePlanAssignment
	if err := db.WithContext(ctx).Where("id = ?", assignment.ID).First(&after).Error; err != nil {
		t.Fatalf("reload assignment: %v", err)
	}
	if after.Status != models.AssignmentStatusCancelled {
		t.Fatalf("assignment should remain Cancelled, got %s", after.Status)
	}
}
