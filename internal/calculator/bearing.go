package calculator

import "math"

var (
	cardinal8 = []string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

	cardinal16 = []string{
		"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE",
		"S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW",
	}
)

// BearingDegrees returns the initial bearing from point 1 to point 2, normalized into [0, 360).
// Identical points have no defined bearing and return 0.
func BearingDegrees(lat1, lon1, lat2, lon2 float64) float64 {
	if lat1 == lat2 && lon1 == lon2 {
		return 0
	}

	lat1Rad := degreesToRadians(lat1)
	lat2Rad := degreesToRadians(lat2)
	deltaLon := degreesToRadians(lon2 - lon1)

	y := math.Sin(deltaLon) * math.Cos(lat2Rad)
	x := math.Cos(lat1Rad)*math.Sin(lat2Rad) - math.Sin(lat1Rad)*math.Cos(lat2Rad)*math.Cos(deltaLon)

	return normalizeBearing(radiansToDegrees(math.Atan2(y, x)))
}

// CardinalLabel converts a bearing into a compass label using points equal sectors
// centered on each direction. Supported point counts are 8 and 16; anything else uses 8.
// A bearing exactly on a sector boundary goes to the following label clockwise.
func CardinalLabel(bearing float64, points int) string {
	labels := cardinal8
	if points == 16 {
		labels = cardinal16
	}

	if math.IsNaN(bearing) || math.IsInf(bearing, 0) {
		return ""
	}

	sector := 360.0 / float64(len(labels))
	index := int(math.Floor(normalizeBearing(bearing)/sector+0.5)) % len(labels)
	return labels[index]
}

// Cardinal8 returns the 8-point compass label for a bearing
func Cardinal8(bearing float64) string {
	return CardinalLabel(bearing, 8)
}

// Cardinal16 returns the 16-point compass label for a bearing
func Cardinal16(bearing float64) string {
	return CardinalLabel(bearing, 16)
}

func normalizeBearing(bearing float64) float64 {
	b := math.Mod(bearing, 360)
	if b < 0 {
		b += 360
	}
	// math.Mod of a tiny negative value can round up to exactly 360
	if b >= 360 {
		b = 0
	}
	return b
}
