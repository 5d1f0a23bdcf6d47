package workflow

import (
	"context"
	"math"

	"bitbucket.org/mobelwerk/logistics_backend/config"
	"bitbucket.org/mobelwerk/logistics_backend/models"
)

const earthRadiusKm = 6371.0

// haversineMeters returns the great-circle distance in meters between two
// points specified in decimal degrees.
func haversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c * 1000
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// stopLocation is one assignment with the coordinates of its delivery
// address, ordered by the dispatcher's stop_order.
type stopLocation struct {
	AssignmentId int
	StopOrder    int
	Latitude     *float64
	Longitude    *float64
}

// StopGroup is one physical stop: one or more assignments whose addresses
// are within the grouping radius of each other.
type StopGroup struct {
	StopNumber    int     `json:"stop_number"`
	AssignmentIds []int   `json:"assignment_ids"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
}

// GroupPlanStops collapses assignments with effectively identical addresses
// into shared stop numbers. Numbers follow the dispatcher's stop_order, so
// grouping never reorders the route; only literal duplicates merge.
// Assignments without coordinates become singleton groups.
func GroupPlanStops(ctx context.Context, planId int) ([]StopGroup, error) {
	locations, err := planStopLocations(ctx, planId)
	if err != nil {
		return nil, err
	}
	return groupStopLocations(locations, float64(config.StopGroupingRadiusMeters())), nil
}

// groupStopLocations is the pure grouping pass: single sweep over the
// ordered assignments, greedily clustering each ungrouped one with every
// later one within the radius. O(n²), fine for routes of tens of stops.
func groupStopLocations(locations []stopLocation, radiusMeters float64) []StopGroup {
	groups := []StopGroup{}
	grouped := make([]bool, len(locations))

	for i, loc := range locations {
		if grouped[i] {
			continue
		}
		grouped[i] = true
		group := StopGroup{
			StopNumber:    len(groups) + 1,
			AssignmentIds: []int{loc.AssignmentId},
			Latitude:      loc.Latitude,
			Longitude:     loc.Longitude,
		}
		if loc.Latitude != nil && loc.Longitude != nil {
			for j := i + 1; j < len(locations); j++ {
				other := locations[j]
				if grouped[j] || other.Latitude == nil || other.Longitude == nil {
					continue
				}
				if haversineMeters(*loc.Latitude, *loc.Longitude, *other.Latitude, *other.Longitude) <= radiusMeters {
					grouped[j] = true
					group.AssignmentIds = append(group.AssignmentIds, other.AssignmentId)
				}
			}
		}
		groups = append(groups, group)
	}
	return groups
}

// FindStopForLocation returns the stop_order of any existing assignment of
// the plan whose delivery address lies within the grouping radius of the
// given point, or nil when the point is a new stop.
func FindStopForLocation(ctx context.Context, planId int, latitude, longitude float64) (*int, error) {
	locations, err := planStopLocations(ctx, planId)
	if err != nil {
		return nil, err
	}
	radius := float64(config.StopGroupingRadiusMeters())
	for _, loc := range locations {
		if loc.Latitude == nil || loc.Longitude == nil {
			continue
		}
		if haversineMeters(latitude, longitude, *loc.Latitude, *loc.Longitude) <= radius {
			stopOrder := loc.StopOrder
			return &stopOrder, nil
		}
	}
	return nil, nil
}

func planStopLocations(ctx context.Context, planId int) ([]stopLocation, error) {
	db := config.GetDB()
	var locations []stopLocation
	err := db.WithContext(ctx).Model(&models.RoutePlanAssignment{}).
		Select("route_plan_assignments.id AS assignment_id, route_plan_assignments.stop_order, a.latitude, a.longitude").
		Joins("JOIN deliveries d ON d.id = route_plan_assignments.delivery_id").
		Joins("JOIN addresses a ON a.id = d.address_id").
		Where("route_plan_assignments.route_plan_id = ? AND route_plan_assignments.status <> ?",
			planId, models.AssignmentStatusCancelled).
		Order("route_plan_assignments.stop_order ASC, route_plan_assignments.id ASC").
		Scan(&locations).Error
	return locations, err
}
