package workflow

import (
	"math"
	"testing"
)

func ptr(f float64) *float64 { return &f }

func loc(id, order int, lat, lng float64) stopLocation {
	return stopLocation{AssignmentId: id, StopOrder: order, Latitude: ptr(lat), Longitude: ptr(lng)}
}

func TestHaversineMeters(t *testing.T) {
	// Berlin Brandenburg Gate -> Berlin TV tower, roughly 2.2km.
	d := haversineMeters(52.5163, 13.3777, 52.5208, 13.4094)
	if d < 2100 || d > 2300 {
		t.Fatalf("expected ~2.2km, got %.0fm", d)
	}
	if z := haversineMeters(48.1, 11.5, 48.1, 11.5); z != 0 {
		t.Fatalf("identical points should be 0, got %f", z)
	}
	// Symmetry.
	a := haversineMeters(52.5, 13.4, 48.1, 11.5)
	b := haversineMeters(48.1, 11.5, 52.5, 13.4)
	if math.Abs(a-b) > 1e-6 {
		t.Fatalf("not symmetric: %f vs %f", a, b)
	}
}

func TestGroupStopLocations_MergesWithinRadius(t *testing.T) {
	// Two addresses ~30m apart (0.0003 deg latitude is ~33m), third one far away.
	locations := []stopLocation{
		loc(1, 1, 52.5000, 13.4000),
		loc(2, 2, 52.5003, 13.4000),
		loc(3, 3, 52.6000, 13.4000),
	}
	groups := groupStopLocations(locations, 50)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if len(groups[0].AssignmentIds) != 2 || groups[0].AssignmentIds[0] != 1 || groups[0].AssignmentIds[1] != 2 {
		t.Fatalf("first group should hold assignments 1 and 2, got %v", groups[0].AssignmentIds)
	}
	if groups[0].StopNumber != 1 || groups[1].StopNumber != 2 {
		t.Fatalf("stop numbers must be dense starting at 1, got %d and %d", groups[0].StopNumber, groups[1].StopNumber)
	}
	if len(groups[1].AssignmentIds) != 1 || groups[1].AssignmentIds[0] != 3 {
		t.Fatalf("second group should be the lone assignment 3, got %v", groups[1].AssignmentIds)
	}
}

func TestGroupStopLocations_RespectsRadiusBoundary(t *testing.T) {
	// ~66m apart: inside a 100m radius, outside 50m.
	locations := []stopLocation{
		loc(1, 1, 52.5000, 13.4000),
		loc(2, 2, 52.5006, 13.4000),
	}
	if got := groupStopLocations(locations, 50); len(got) != 2 {
		t.Fatalf("50m radius should keep them apart, got %d groups", len(got))
	}
	if got := groupStopLocations(locations, 100); len(got) != 1 {
		t.Fatalf("100m radius should merge them, got %d groups", len(got))
	}
}

func TestGroupStopLocations_NilCoordinatesAreSingletons(t *testing.T) {
	locations := []stopLocation{
		{AssignmentId: 1, StopOrder: 1},
		{AssignmentId: 2, StopOrder: 2},
		loc(3, 3, 52.5, 13.4),
		loc(4, 4, 52.5, 13.4),
	}
	groups := groupStopLocations(locations, 50)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups (two singletons plus one merged pair), got %d", len(groups))
	}
	for _, g := range groups[:2] {
		if len(g.AssignmentIds) != 1 {
			t.Fatalf("ungeocoded assignments must never merge, got %v", g.AssignmentIds)
		}
	}
	if len(groups[2].AssignmentIds) != 2 {
		t.Fatalf("geocoded duplicates should merge, got %v", groups[2].AssignmentIds)
	}
}

func TestGroupStopLocations_DoesNotReorderRoute(t *testing.T) {
	// A far stop sits between two duplicates: the duplicates still merge into
	// the EARLIER stop, and the far stop keeps its place after it.
	locations := []stopLocation{
		loc(10, 1, 52.5000, 13.4000),
		loc(20, 2, 52.9000, 13.4000),
		loc(30, 3, 52.5001, 13.4000),
	}
	groups := groupStopLocations(locations, 50)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].AssignmentIds[0] != 10 || groups[0].AssignmentIds[1] != 30 {
		t.Fatalf("duplicates should merge into the earlier stop: %v", groups[0].AssignmentIds)
	}
	if groups[1].AssignmentIds[0] != 20 {
		t.Fatalf("intermediate stop misplaced: %v", groups[1].AssignmentIds)
	}
}

func TestGroupStopLocations_Empty(t *testing.T) {
	if groups := groupStopLocations(nil, 50); len(groups) != 0 {
		t.Fatalf("expected no groups, got %d", len(groups))
	}
}
