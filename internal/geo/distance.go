package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used by Distance.
const EarthRadiusMeters = 6371000

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

// Distance returns the great-circle distance in metres between two points
// using the haversine formula.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// DistanceBetween is Distance over two coordinate sets.
func DistanceBetween(a, b Coords) float64 {
	return Distance(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// Offset moves a point by the given metres north and east. It uses a flat
// Earth approximation and is only meant for short distances.
func Offset(lat, lon, north, east float64) (float64, float64) {
	dLat := north / EarthRadiusMeters
	dLon := east / (EarthRadiusMeters * math.Cos(toRadians(lat)))
	return lat + dLat*180/math.Pi, lon + dLon*180/math.Pi
}
