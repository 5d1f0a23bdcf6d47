package config

import (
	"os"
	"strconv"
	"strings"
)

// ConsolidateFailedClones routes the failed-delivery retry clone through the
// reschedule engine's find-or-create instead of always creating a dedicated
// clone. Off by default: dispatchers rely on failed retries being their own
// delivery row.
//
// Set via env:
// - FAILED_CLONE_CONSOLIDATE=true
func ConsolidateFailedClones() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("FAILED_CLONE_CONSOLIDATE")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// FailedRetryDays is the offset applied to a failed delivery's date when
// cloning it forward. Defaults to one week.
//
// Set via env:
// - FAILED_RETRY_DAYS=7
func FailedRetryDays() int {
	raw := strings.TrimSpace(os.Getenv("FAILED_RETRY_DAYS"))
	if raw == "" {
		return 7
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 7
	}
	return n
}

// StopGroupingRadiusMeters is the haversine radius within which two delivery
// addresses collapse into the same stop.
//
// Set via env:
// - STOP_GROUPING_RADIUS_METERS=50
func StopGroupingRadiusMeters() float64 {
	raw := strings.TrimSpace(os.Getenv("STOP_GROUPING_RADIUS_METERS"))
	if raw == "" {
		return 50
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return 50
	}
	return f
}
