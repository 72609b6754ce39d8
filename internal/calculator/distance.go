// Package calculator provides GPS distance calculations using the Haversine formula
// to compute great-circle distances, bearings and compass labels between geographic
// coordinates.
package calculator

import (
	"math"
)

const (
	// EarthRadiusKM is the Earth's radius in kilometers
	EarthRadiusKM = 6371.0

	// EarthRadiusM is the Earth's radius in meters
	EarthRadiusM = 6371000.0
)

// DistanceMeters returns the great-circle distance between two points in whole meters,
// rounded to the nearest meter.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) int {
	return int(math.Round(EarthRadiusM * centralAngle(lat1, lon1, lat2, lon2)))
}

// Haversine calculates the great-circle distance between two points
// on the Earth's surface given their latitudes and longitudes in decimal degrees
//
// Formula:
// a = sin²(Δφ/2) + cos φ1 ⋅ cos φ2 ⋅ sin²(Δλ/2)
// c = 2 ⋅ atan2( √a, √(1−a) )
// d = R ⋅ c
//
// where:
// φ is latitude, λ is longitude, R is earth's radius (6371 km)
// Δφ is the difference in latitude, Δλ is the difference in longitude
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	// Distance in kilometers
	return EarthRadiusKM * centralAngle(lat1, lon1, lat2, lon2)
}

// centralAngle returns the angle c of the Haversine formula in radians
func centralAngle(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := degreesToRadians(lat1)
	lat2Rad := degreesToRadians(lat2)

	// Differences are taken in degrees first so that identical inputs give exactly zero
	deltaLat := degreesToRadians(lat2 - lat1)
	deltaLon := degreesToRadians(lon2 - lon1)

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)

	return 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// degreesToRadians converts degrees to radians
func degreesToRadians(degrees float64) float64 {
	return degrees * math.Pi / 180
}

// radiansToDegrees converts radians to degrees
func radiansToDegrees(radians float64) float64 {
	return radians * 180 / math.Pi
}
