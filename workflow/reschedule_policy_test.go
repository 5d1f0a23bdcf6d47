package workflow

import (
	"testing"
	"time"

	"bitbucket.org/mobelwerk/logistics_backend/models"
)

func TestValidateMovableItem(t *testing.T) {
	cases := []struct {
		status  models.DeliveryItemStatus
		wantErr bool
	}{
		{models.DeliveryItemStatusPending, false},
		{models.DeliveryItemStatusConfirmed, false},
		{models.DeliveryItemStatusInRoute, true},
		{models.DeliveryItemStatusDelivered, true},
		{models.DeliveryItemStatusRescheduled, true},
		{models.DeliveryItemStatusCancelled, true},
		{models.DeliveryItemStatusFailed, true},
	}
	for _, tc := range cases {
		err := validateMovableItem(models.DeliveryItem{Status: tc.status})
		if (err != nil) != tc.wantErr {
			t.Fatalf("status %s: got err=%v, wantErr=%v", tc.status, err, tc.wantErr)
		}
	}
}

func TestSameDay(t *testing.T) {
	d := func(y int, m time.Month, day, hour int) time.Time {
		return time.Date(y, m, day, hour, 0, 0, 0, time.UTC)
	}
	if !sameDay(d(2026, 3, 12, 8), d(2026, 3, 12, 22)) {
		t.Fatal("same calendar day with different clock times should match")
	}
	if sameDay(d(2026, 3, 12, 8), d(2026, 3, 13, 8)) {
		t.Fatal("consecutive days must not match")
	}
	if sameDay(d(2025, 3, 12, 8), d(2026, 3, 12, 8)) {
		t.Fatal("same day in a different year must not match")
	}
}
