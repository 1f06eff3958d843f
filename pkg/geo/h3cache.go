package geo

import (
	"fmt"

	"github.com/uber/h3-go/v4"
)

// defaultH3Resolution matches config.GeoConfig's default: cells of roughly
// 5 km² (edge about 1.4 km), coarse enough that two photos taken a few dozen
// meters apart still land in the same cell and share a cache entry.
const defaultH3Resolution = 7

// cacheKeyFor buckets (lat,lon) into an H3 cell at the resolver's configured
// resolution rather than rounding the raw coordinates: two nearby lookups
// for the same landmark hit the same cache entry even when their GPS fixes
// differ by a few meters, which plain coordinate rounding would miss.
func cacheKeyFor(lat, lon, radiusKm float64, resolution int) string {
	cell, err := h3.LatLngToCell(h3.NewLatLng(lat, lon), resolution)
	if err != nil {
		return fmt.Sprintf("geo:%.6f:%.6f:%.2f", lat, lon, radiusKm)
	}
	return fmt.Sprintf("geo:%s:%.2f", cell.String(), radiusKm)
}
