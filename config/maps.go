package config

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"googlemaps.github.io/maps"
)

// GeocodeResult is the narrow surface the address layer needs from the
// geocoding provider.
type GeocodeResult struct {
	Latitude          float64
	Longitude         float64
	NormalizedAddress string
	QualityScore      float64
}

// Geocoder resolves a Google place id to coordinates. Kept as an interface so
// tests can stub it without network access.
type Geocoder interface {
	Geocode(ctx context.Context, placeId string) (*GeocodeResult, error)
}

var (
	geocoder   Geocoder
	geocoderMu sync.Mutex
)

// GetGeocoder returns the configured geocoder, or nil when no MAPS_API_KEY is
// set. Callers must treat a nil geocoder as "geocoding disabled".
func GetGeocoder() Geocoder {
	geocoderMu.Lock()
	defer geocoderMu.Unlock()
	if geocoder != nil {
		return geocoder
	}
	apiKey := os.Getenv("MAPS_API_KEY")
	if apiKey == "" {
		return nil
	}
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		GetLogger().Errorf("failed to create maps client: %v", err)
		return nil
	}
	geocoder = &googleGeocoder{client: client}
	return geocoder
}

// SetGeocoder overrides the geocoder (tests).
func SetGeocoder(g Geocoder) {
	geocoderMu.Lock()
	defer geocoderMu.Unlock()
	geocoder = g
}

type googleGeocoder struct {
	client *maps.Client
}

func (g *googleGeocoder) Geocode(ctx context.Context, placeId string) (*GeocodeResult, error) {
	if placeId == "" {
		return nil, errors.New("place id is required")
	}

	// Place ids map to fixed coordinates; cache aggressively to save quota.
	cacheKey := "geocode:" + placeId
	var cached GeocodeResult
	if hit, err := GetRedisObject(cacheKey, &cached); err == nil && hit {
		return &cached, nil
	}

	resp, err := g.client.Geocode(ctx, &maps.GeocodingRequest{PlaceID: placeId})
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, errors.New("no geocode result for place id")
	}
	first := resp[0]
	score := 1.0
	if first.PartialMatch {
		score = 0.5
	}
	result := &GeocodeResult{
		Latitude:          first.Geometry.Location.Lat,
		Longitude:         first.Geometry.Location.Lng,
		NormalizedAddress: first.FormattedAddress,
		QualityScore:      score,
	}
	_ = SetRedisObject(cacheKey, result, 30*24*time.Hour)
	return result, nil
}
