package geo

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Maritime zone distance thresholds in meters
const (
	TerritorialWatersNM = 12   // 12 nautical miles
	EEZNM               = 200  // 200 nautical miles
	NMToMeters          = 1852 // 1 nautical mile = 1852 meters

	TerritorialWatersM = TerritorialWatersNM * NMToMeters // 22,224 meters
	EEZM               = EEZNM * NMToMeters               // 370,400 meters
)

// Zone constants
const (
	ZoneLand          = "land"
	ZoneTerritorial   = "territorial"
	ZoneEEZ           = "eez"
	ZoneInternational = "international"
)

// CountryResult represents the result of a country lookup.
type CountryResult struct {
	CountryCode string  // ISO 3166-1 Alpha-2 (e.g., "RU")
	CountryName string  // Full name (e.g., "Russia")
	Zone        string  // "land", "territorial", "eez", "international"
	DistanceM   float64 // Distance to nearest coast in meters (0 if on land)
}

type cacheEntry struct {
	result       CountryResult
	lastAccessed time.Time
}

// CountryService provides country boundary detection using GeoJSON polygons.
// Boundary data is one of the bulk geographic source files the importer
// pipeline is responsible for provisioning; if none has been provisioned
// yet, the service degrades to reporting "international" for every point
// rather than failing.
type CountryService struct {
	features *geojson.FeatureCollection

	// Cache for expensive lookups
	mu    sync.RWMutex
	cache map[string]*cacheEntry
}

// NewCountryService loads country boundaries from a GeoJSON file. An empty
// path or a missing file degrades to an empty boundary set rather than
// erroring (other read errors are returned),
// since country-polygon data is provisioned by the import pipeline and may
// not exist yet on a fresh install.
func NewCountryService(geojsonPath string) (*CountryService, error) {
	if geojsonPath == "" {
		return newCountryServiceFromData(nil)
	}
	data, err := os.ReadFile(geojsonPath)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("CountryService: no country boundary file provisioned, territory detection degraded", "path", geojsonPath)
			return newCountryServiceFromData(nil)
		}
		return nil, fmt.Errorf("failed to read countries GeoJSON: %w", err)
	}
	return newCountryServiceFromData(data)
}

func newCountryServiceFromData(data []byte) (*CountryService, error) {
	fc := geojson.NewFeatureCollection()
	if len(data) > 0 {
		parsed, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse countries GeoJSON: %w", err)
		}
		fc = parsed
	}

	slog.Info("CountryService: loaded country boundaries", "features", len(fc.Features))

	s := &CountryService{
		features: fc,
		cache:    make(map[string]*cacheEntry),
	}

	go s.startPruner()

	return s, nil
}

func (s *CountryService) startPruner() {
	ticker := time.NewTicker(30 * time.Second)
	for range ticker.C {
		s.pruneCache()
	}
}

func (s *CountryService) pruneCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	for key, entry := range s.cache {
		if now.Sub(entry.lastAccessed) > 30*time.Second {
			delete(s.cache, key)
			count++
		}
	}
	if count > 0 {
		slog.Debug("CountryService: pruned cache", "removed", count, "remaining", len(s.cache))
	}
}

// ReorderFeatures sorts the internal country list by proximity to the given point.
// This optimizes subsequent lookups by checking the most likely countries first.
func (s *CountryService) ReorderFeatures(lat, lon float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	point := orb.Point{lon, lat}

	getCenter := func(g orb.Geometry) orb.Point {
		b := g.Bound()
		return orb.Point{(b.Min[0] + b.Max[0]) / 2, (b.Min[1] + b.Max[1]) / 2}
	}

	sort.Slice(s.features.Features, func(i, j int) bool {
		c1 := getCenter(s.features.Features[i].Geometry)
		c2 := getCenter(s.features.Features[j].Geometry)

		d1 := planar.Distance(point, c1)
		d2 := planar.Distance(point, c2)

		return d1 < d2
	})

	logLimit := 5
	if len(s.features.Features) < logLimit {
		logLimit = len(s.features.Features)
	}
	topList := make([]string, 0, logLimit)
	for i := 0; i < logLimit; i++ {
		code := getISOCode(s.features.Features[i].Properties)
		topList = append(topList, code)
	}

	slog.Debug("CountryService: reordered features by proximity",
		"lat", lat,
		"lon", lon,
		"top_5", fmt.Sprintf("%v", topList))
}

// GetCountryAtPoint returns the country at the given coordinates.
// Results are cached using ~1km (0.01 degree) quantization and 30s TTL.
func (s *CountryService) GetCountryAtPoint(lat, lon float64) CountryResult {
	key := fmt.Sprintf("%.2f,%.2f", lat, lon)

	s.mu.RLock()
	if s.cache != nil {
		if entry, ok := s.cache[key]; ok {
			entry.lastAccessed = time.Now()
			result := entry.result
			s.mu.RUnlock()
			return result
		}
	}

	result := s.lookupCountry(lat, lon)
	s.mu.RUnlock()

	s.mu.Lock()
	if s.cache == nil {
		s.cache = make(map[string]*cacheEntry)
	}
	s.cache[key] = &cacheEntry{
		result:       result,
		lastAccessed: time.Now(),
	}
	s.mu.Unlock()
	return result
}

// ResetCache clears all entries from the cache.
func (s *CountryService) ResetCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*cacheEntry)
}

// GetCountryName returns the full name of a country given its ISO code.
func (s *CountryService) GetCountryName(code string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, feature := range s.features.Features {
		if getISOCode(feature.Properties) == code {
			return getStringProp(feature.Properties, "NAME")
		}
	}
	return ""
}

// lookupCountry performs the actual point-in-polygon and distance calculations.
func (s *CountryService) lookupCountry(lat, lon float64) CountryResult {
	point := orb.Point{lon, lat} // orb uses [lon, lat] order

	for _, feature := range s.features.Features {
		if containsPoint(feature.Geometry, point) {
			code := getISOCode(feature.Properties)
			name := getStringProp(feature.Properties, "NAME")
			return CountryResult{
				CountryCode: code,
				CountryName: name,
				Zone:        ZoneLand,
				DistanceM:   0,
			}
		}
	}

	if len(s.features.Features) == 0 {
		return CountryResult{Zone: ZoneInternational}
	}

	minDist := math.MaxFloat64
	var nearestCode, nearestName string

	for _, feature := range s.features.Features {
		dist := distanceToGeometry(point, feature.Geometry)
		if dist < minDist {
			minDist = dist
			nearestCode = getISOCode(feature.Properties)
			nearestName = getStringProp(feature.Properties, "NAME")
		}
	}

	distMeters := degreesToMeters(minDist, lat)

	var zone string
	switch {
	case distMeters <= TerritorialWatersM:
		zone = ZoneTerritorial
	case distMeters <= EEZM:
		zone = ZoneEEZ
	default:
		zone = ZoneInternational
		nearestCode = ""
		nearestName = ""
	}

	return CountryResult{
		CountryCode: nearestCode,
		CountryName: nearestName,
		Zone:        zone,
		DistanceM:   distMeters,
	}
}
