// README: Pure geographic helpers (haversine distance, ETA, coordinate checks).
package location

import (
	"fmt"
	"math"

	"dispatch/internal/apperr"
	"dispatch/internal/types"
)

const (
	earthRadiusKm = 6371.0
	// DefaultSpeedKmh is the assumed travel speed for ETA estimates.
	DefaultSpeedKmh = 30.0
)

// Distance returns the great-circle distance in kilometres between two points,
// rounded to two decimals.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	return roundTo(haversineKm(lat1, lng1, lat2, lng2), 2)
}

// DistanceBetween is Distance for two Points.
func DistanceBetween(a, b types.Point) float64 {
	return Distance(a.Lat, a.Lng, b.Lat, b.Lng)
}

// ETA returns whole minutes needed to cover distanceKm at speedKmh.
// A non-positive speed falls back to DefaultSpeedKmh.
func ETA(distanceKm, speedKmh float64) int {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	return int(math.Round(distanceKm / speedKmh * 60))
}

// ValidateCoordinate rejects non-finite or out-of-range coordinates.
func ValidateCoordinate(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return fmt.Errorf("%w: non-numeric coordinate", apperr.ErrInvalidCoordinate)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", apperr.ErrInvalidCoordinate, lat)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range", apperr.ErrInvalidCoordinate, lng)
	}
	return nil
}

// haversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// sortByDistance performs an insertion sort (fine for small N) ordering by
// distance, then by id so equal distances come out deterministically.
func sortByDistance[T any](items []T, dist func(T) float64, id func(T) types.ID) {
	less := func(a, b T) bool {
		da, db := dist(a), dist(b)
		if da != db {
			return da < db
		}
		return id(a) < id(b)
	}
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && less(key, items[j]) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}
