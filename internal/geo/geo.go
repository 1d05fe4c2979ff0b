// Package geo resolves free-text locations into coordinates through a
// TTL-bounded, file-backed cache in front of the Nominatim API.
package geo

import (
	"context"
	"math"
	"strings"
)

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Geocoder performs the expensive external lookup. found=false is a valid
// negative result, not an error.
type Geocoder interface {
	Lookup(ctx context.Context, query string) (p Point, found bool, err error)
}

// NormalizeKey folds a raw location query into its cache key so
// semantically identical queries collide: trim, case-fold, collapse
// internal whitespace, suffix the country.
func NormalizeKey(raw, country string) string {
	q := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
	c := strings.Join(strings.Fields(strings.ToLower(country)), " ")
	if c == "" {
		return q
	}
	return q + "," + c
}

const earthRadiusKM = 6371

// Distance returns the great-circle distance between two points in km.
func Distance(a, b Point) float64 {
	dlat := radians(b.Lat - a.Lat)
	dlon := radians(b.Lon - a.Lon)
	h := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(radians(a.Lat))*math.Cos(radians(b.Lat))*math.Sin(dlon/2)*math.Sin(dlon/2)
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
