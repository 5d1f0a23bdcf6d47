package models

import "testing"

func child(s DeliveryItemStatus) OrderItemChildState {
	return OrderItemChildState{Status: s, Load: ItemLoadStatusUnloaded}
}

func TestDeriveOrderItemStatus(t *testing.T) {
	cases := []struct {
		name      string
		confirmed bool
		children  []OrderItemChildState
		want      OrderItemStatus
	}{
		{
			name: "no children unconfirmed stays in production",
			want: OrderItemStatusInProduction,
		},
		{
			name:      "no children confirmed is ready",
			confirmed: true,
			want:      OrderItemStatusReady,
		},
		{
			name:     "all live delivered",
			children: []OrderItemChildState{child(DeliveryItemStatusDelivered), child(DeliveryItemStatusDelivered)},
			want:     OrderItemStatusDelivered,
		},
		{
			name:     "delivered plus cancelled still counts as delivered",
			children: []OrderItemChildState{child(DeliveryItemStatusDelivered), child(DeliveryItemStatusCancelled)},
			want:     OrderItemStatusDelivered,
		},
		{
			name:     "all cancelled",
			children: []OrderItemChildState{child(DeliveryItemStatusCancelled), child(DeliveryItemStatusCancelled)},
			want:     OrderItemStatusCancelled,
		},
		{
			name:      "missing load beats confirmed",
			confirmed: true,
			children: []OrderItemChildState{
				{Status: DeliveryItemStatusConfirmed, Load: ItemLoadStatusMissing},
				child(DeliveryItemStatusPending),
			},
			want: OrderItemStatusMissing,
		},
		{
			name:      "open children confirmed is ready",
			confirmed: true,
			children:  []OrderItemChildState{child(DeliveryItemStatusPending), child(DeliveryItemStatusConfirmed)},
			want:      OrderItemStatusReady,
		},
		{
			name:     "open children unconfirmed is in production",
			children: []OrderItemChildState{child(DeliveryItemStatusPending)},
			want:     OrderItemStatusInProduction,
		},
		{
			name: "rescheduled children are history",
			children: []OrderItemChildState{
				child(DeliveryItemStatusRescheduled),
				child(DeliveryItemStatusDelivered),
			},
			want: OrderItemStatusDelivered,
		},
		{
			name:     "only rescheduled children behaves like no children",
			children: []OrderItemChildState{child(DeliveryItemStatusRescheduled)},
			want:     OrderItemStatusInProduction,
		},
		{
			name: "missing on a cancelled child is ignored",
			children: []OrderItemChildState{
				{Status: DeliveryItemStatusCancelled, Load: ItemLoadStatusMissing},
				child(DeliveryItemStatusPending),
			},
			want: OrderItemStatusInProduction,
		},
		{
			name:     "failed child keeps the item in production",
			children: []OrderItemChildState{child(DeliveryItemStatusFailed), child(DeliveryItemStatusPending)},
			want:     OrderItemStatusInProduction,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveOrderItemStatus(tc.confirmed, tc.children)
			if got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}
