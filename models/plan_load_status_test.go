package models

import "testing"

func TestDerivePlanLoadStatus(t *testing.T) {
	cases := []struct {
		name  string
		loads []ItemLoadStatus
		want  PlanLoadStatus
	}{
		{name: "no items", loads: nil, want: PlanLoadStatusEmpty},
		{
			name:  "all unloaded",
			loads: []ItemLoadStatus{ItemLoadStatusUnloaded, ItemLoadStatusUnloaded},
			want:  PlanLoadStatusEmpty,
		},
		{
			name:  "missing beats everything",
			loads: []ItemLoadStatus{ItemLoadStatusLoaded, ItemLoadStatusLoaded, ItemLoadStatusMissing},
			want:  PlanLoadStatusSomeMissing,
		},
		{
			name:  "all loaded",
			loads: []ItemLoadStatus{ItemLoadStatusLoaded, ItemLoadStatusLoaded},
			want:  PlanLoadStatusAllLoaded,
		},
		{
			name:  "some loaded",
			loads: []ItemLoadStatus{ItemLoadStatusLoaded, ItemLoadStatusUnloaded},
			want:  PlanLoadStatusPartial,
		},
		{
			name:  "single missing item",
			loads: []ItemLoadStatus{ItemLoadStatusMissing},
			want:  PlanLoadStatusSomeMissing,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DerivePlanLoadStatus(tc.loads); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestStatusPredicates(t *testing.T) {
	if !DeliveryItemStatusFailed.Terminal() || DeliveryItemStatusInRoute.Terminal() {
		t.Fatal("terminal predicate mismatch")
	}
	if !DeliveryItemStatusPending.Movable() || DeliveryItemStatusInRoute.Movable() {
		t.Fatal("movable predicate mismatch: InRoute items must not be movable")
	}
	if DeliveryItemStatusRescheduled.Live() || !DeliveryItemStatusDelivered.Live() {
		t.Fatal("live predicate mismatch")
	}
	if !DeliveryStatusInPlan.PlanClaimed() || DeliveryStatusReadyToDeliver.PlanClaimed() {
		t.Fatal("plan-claimed predicate mismatch")
	}
	if !RoutePlanStatusInProgress.Sealed() || RoutePlanStatusRoutesCreated.Sealed() {
		t.Fatal("sealed predicate mismatch")
	}
	if !AssignmentStatusCancelled.Terminal() || AssignmentStatusEnRoute.Terminal() {
		t.Fatal("assignment terminal predicate mismatch")
	}
}
