package geo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"captionlens/pkg/cache"
	"captionlens/pkg/db"
)

// culturalFeatureCodes are the geonames feature codes treated as cultural
// sites: museums, monuments, historic sites, castles, palaces, churches,
// mosques, temples, shrines.
var culturalFeatureCodes = map[string]bool{
	"MUS": true, "MNMT": true, "HSTS": true, "RUIN": true, "CSTL": true,
	"PAL": true, "CH": true, "MSQE": true, "TMPL": true, "SHRN": true,
}

// Importer resolves a coordinate pair to a country/territory code and
// makes sure the spatial store holds that country's data.
type Importer interface {
	EnsureCountryLoaded(ctx context.Context, lat, lon float64) (string, error)
}

// Resolver is the geographic context resolver: it fuses the local spatial
// store (geonames, unesco_sites, cultural_sites, osm_pois) with two
// external APIs, lazily triggering an import on first sight of a new
// region. Lookup never fails.
type Resolver struct {
	db       *db.DB
	cache    cache.Cacher
	importer Importer
	geocoder ReverseGeocoder
	places   PlacesAPI

	mu           sync.Mutex
	lastGeocode  time.Time
	geocodeGapMs time.Duration
	h3Resolution int
}

// NewResolver builds a Resolver. geocoder and places may be nil, in which
// case steps 6 and 7 of the lookup algorithm are skipped.
func NewResolver(d *db.DB, c cache.Cacher, importer Importer, geocoder ReverseGeocoder, places PlacesAPI) *Resolver {
	return &Resolver{
		db:           d,
		cache:        c,
		importer:     importer,
		geocoder:     geocoder,
		places:       places,
		geocodeGapMs: 1100 * time.Millisecond,
		h3Resolution: defaultH3Resolution,
	}
}

// SetH3Resolution overrides the H3 cell resolution used to bucket cache
// keys. A non-positive value is ignored.
func (r *Resolver) SetH3Resolution(resolution int) {
	if resolution > 0 {
		r.h3Resolution = resolution
	}
}

// ValidCoordinates reports whether lat/lon fall within the standard WGS84
// range: lat ∈ [-90,90], lon ∈ [-180,180].
func ValidCoordinates(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Lookup produces a ranked bundle of administrative, cultural, and
// touristic context for (lat,lon). On invalid coordinates it returns
// ErrInvalidCoordinates; on any other failure (DB, external API) it
// degrades to a minimal GeoLocation with confidence 0.1 rather than
// failing the caller.
func (r *Resolver) Lookup(ctx context.Context, lat, lon, radiusKm float64) (*GeoLocation, error) {
	if !ValidCoordinates(lat, lon) {
		return nil, ErrInvalidCoordinates
	}

	cacheKey := cacheKeyFor(lat, lon, radiusKm, r.h3Resolution)

	if r.cache != nil {
		if data, radiusM, found := r.cache.GetGeodataCache(ctx, cacheKey); found && radiusM == int(radiusKm*1000) {
			var loc GeoLocation
			if err := json.Unmarshal(data, &loc); err == nil {
				return &loc, nil
			}
		}
	}

	loc := r.lookupUncached(ctx, lat, lon, radiusKm)

	if r.cache != nil {
		if data, err := json.Marshal(loc); err == nil {
			_ = r.cache.SetGeodataCache(ctx, cacheKey, data, int(radiusKm*1000), lat, lon)
		}
	}
	return loc, nil
}

func (r *Resolver) lookupUncached(ctx context.Context, lat, lon, radiusKm float64) *GeoLocation {
	loc := &GeoLocation{Lat: lat, Lon: lon}

	if r.importer != nil {
		if _, err := r.importer.EnsureCountryLoaded(ctx, lat, lon); err != nil {
			slog.Warn("geo: country import failed, continuing with partial store", "error", err)
		}
	}

	if r.db == nil {
		loc.Confidence = 0.1
		return loc
	}

	places, err := r.queryPlaces(ctx, lat, lon, radiusKm)
	if err != nil {
		slog.Warn("geo: place query failed", "error", err)
		loc.Confidence = 0.1
		return loc
	}
	unesco, err := r.queryUnesco(ctx, lat, lon, radiusKm*2)
	if err != nil {
		slog.Warn("geo: unesco query failed", "error", err)
	}
	cultural, err := r.queryCultural(ctx, lat, lon, radiusKm)
	if err != nil {
		slog.Warn("geo: cultural query failed", "error", err)
	}
	osm, err := r.queryOSM(ctx, lat, lon, radiusKm)
	if err != nil {
		slog.Warn("geo: osm query failed", "error", err)
	}

	loc.RawPlaces = places
	loc.UnescoSites = unesco
	loc.CulturalSite = cultural
	loc.OSMPois = osm
	r.categorize(loc)

	var contributions float64
	if len(unesco) > 0 {
		loc.DataSources = append(loc.DataSources, "unesco")
		contributions += 0.4
	}
	if len(cultural) > 0 {
		loc.DataSources = append(loc.DataSources, "cultural")
		if len(unesco) > 0 {
			contributions += 0.2
		} else {
			contributions += 0.3
		}
	}
	if len(loc.MajorCities) > 0 {
		loc.DataSources = append(loc.DataSources, "cities")
		contributions += 0.4
	}

	if contributions < 0.8 || loc.Address == "" {
		if r.geocoder != nil {
			r.throttleGeocode()
			if res, err := r.geocoder.Reverse(lat, lon); err == nil && res != nil {
				r.mergeReverseGeocode(loc, res)
				loc.DataSources = append(loc.DataSources, "reverse_geocode")
				contributions += 0.2
			} else if err != nil {
				slog.Warn("geo: reverse geocode failed", "error", err)
			}
		}
	}

	poiCount := len(loc.NearbyPOIs) + len(loc.OSMPois)
	if poiCount < 5 && contributions < 0.9 && r.places != nil {
		if extra, err := r.places.NearbyPlaces(lat, lon, radiusKm/2); err == nil {
			added := r.mergeExternalPlaces(loc, extra)
			if added {
				loc.DataSources = append(loc.DataSources, "places")
				if poiCount == 0 {
					contributions += 0.2
				} else {
					contributions += 0.1
				}
			}
		} else {
			slog.Warn("geo: external places query failed", "error", err)
		}
	}

	r.dedupe(loc)
	loc.Address = r.formatAddress(loc)

	if contributions > 1.0 {
		contributions = 1.0
	}
	if contributions == 0 {
		contributions = 0.1
	}
	loc.Confidence = contributions
	return loc
}

func (r *Resolver) throttleGeocode() {
	r.mu.Lock()
	defer r.mu.Unlock()
	wait := r.geocodeGapMs - time.Since(r.lastGeocode)
	if wait > 0 {
		time.Sleep(wait)
	}
	r.lastGeocode = time.Now()
}

func (r *Resolver) queryPlaces(ctx context.Context, lat, lon, radiusKm float64) ([]PlaceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT geoname_id, name, lat, lon, country_code, admin1_code, population, feature_class, feature_code,
		       haversine_distance(lat, lon, ?, ?) AS dist
		FROM geonames
		WHERE dist <= ?
		ORDER BY dist ASC
		LIMIT 200
	`, lat, lon, radiusKm)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlaceRecord
	for rows.Next() {
		var p PlaceRecord
		if err := rows.Scan(&p.GeonameID, &p.Name, &p.Lat, &p.Lon, &p.CountryCode, &p.Admin1Code,
			&p.Population, &p.FeatureClass, &p.FeatureCode, &p.DistanceKm); err != nil {
			return nil, err
		}
		if p.FeatureClass == "P" {
			p.Score = float64(p.Population) * 1000 / (p.DistanceKm + 1)
		} else {
			p.Score = 1 / (p.DistanceKm + 0.1)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > 100 {
		out = out[:100]
	}
	return out, rows.Err()
}

func (r *Resolver) queryUnesco(ctx context.Context, lat, lon, radiusKm float64) ([]SiteRecord, error) {
	return r.querySites(ctx, `
		SELECT id, name, lat, lon, country_code, category,
		       haversine_distance(lat, lon, ?, ?) AS dist
		FROM unesco_sites
		WHERE dist <= ?
		ORDER BY dist ASC
		LIMIT 10
	`, "unesco", lat, lon, radiusKm)
}

func (r *Resolver) queryCultural(ctx context.Context, lat, lon, radiusKm float64) ([]SiteRecord, error) {
	return r.querySites(ctx, `
		SELECT id, name, lat, lon, country_code, category,
		       haversine_distance(lat, lon, ?, ?) AS dist
		FROM cultural_sites
		WHERE dist <= ?
		ORDER BY dist ASC
		LIMIT 20
	`, "cultural", lat, lon, radiusKm)
}

func (r *Resolver) queryOSM(ctx context.Context, lat, lon, radiusKm float64) ([]SiteRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, lat, lon, tag_category, tags,
		       haversine_distance(lat, lon, ?, ?) AS dist
		FROM osm_pois
		WHERE dist <= ?
		ORDER BY dist ASC
		LIMIT 100
	`, lat, lon, radiusKm)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SiteRecord
	for rows.Next() {
		var s SiteRecord
		var tagsJSON sql.NullString
		if err := rows.Scan(&s.ID, &s.Name, &s.Lat, &s.Lon, &s.Category, &tagsJSON, &s.DistanceKm); err != nil {
			return nil, err
		}
		s.Source = "osm"
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := osmCategoryRank(out[i].Category), osmCategoryRank(out[j].Category)
		if ri != rj {
			return ri < rj
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	if len(out) > 20 {
		out = out[:20]
	}
	return out, nil
}

func osmCategoryRank(category string) int {
	switch category {
	case "tourism":
		return 0
	case "historic":
		return 1
	case "amenity":
		return 2
	default:
		return 3
	}
}

func (r *Resolver) querySites(ctx context.Context, query, source string, lat, lon, radiusKm float64) ([]SiteRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, lat, lon, radiusKm)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SiteRecord
	for rows.Next() {
		var s SiteRecord
		if err := rows.Scan(&s.ID, &s.Name, &s.Lat, &s.Lon, &s.CountryCode, &s.Category, &s.DistanceKm); err != nil {
			return nil, err
		}
		s.Source = source
		out = append(out, s)
	}
	return out, rows.Err()
}

// categorize splits RawPlaces into MajorCities (feature-class P) and
// CulturalSite/NearbyPOIs by feature code.
func (r *Resolver) categorize(loc *GeoLocation) {
	for _, p := range loc.RawPlaces {
		switch {
		case p.FeatureClass == "P":
			loc.MajorCities = append(loc.MajorCities, p)
		case culturalFeatureCodes[p.FeatureCode]:
			loc.CulturalSite = append(loc.CulturalSite, SiteRecord{
				ID: strconv.FormatInt(p.GeonameID, 10), Name: p.Name, Lat: p.Lat, Lon: p.Lon,
				CountryCode: p.CountryCode, Category: p.FeatureCode, Source: "geonames", DistanceKm: p.DistanceKm,
			})
		case p.FeatureClass == "T" || p.FeatureClass == "H" || p.FeatureClass == "L" || p.FeatureClass == "S":
			loc.NearbyPOIs = append(loc.NearbyPOIs, SiteRecord{
				ID: strconv.FormatInt(p.GeonameID, 10), Name: p.Name, Lat: p.Lat, Lon: p.Lon,
				CountryCode: p.CountryCode, Category: p.FeatureClass, Source: "geonames", DistanceKm: p.DistanceKm,
			})
		}
	}
	if len(loc.MajorCities) > 0 {
		best := loc.MajorCities[0]
		for _, c := range loc.MajorCities {
			if c.DistanceKm < best.DistanceKm {
				best = c
			}
		}
		loc.City = best.Name
		loc.CountryCode = best.CountryCode
	}
}

func (r *Resolver) mergeReverseGeocode(loc *GeoLocation, res *ReverseGeocodeResult) {
	if loc.Address == "" {
		loc.Address = res.FormattedAddress
	}
	if loc.City == "" {
		loc.City = res.City
	}
	if loc.Region == "" {
		loc.Region = res.Region
	}
	if loc.Country == "" {
		loc.Country = res.Country
	}
	if loc.CountryCode == "" {
		loc.CountryCode = res.CountryCode
	}
}

// mergeExternalPlaces turns PlaceResult rows into SiteRecords, scoring
// relevance as tag-weight minus distance, capped to the top 3.
func (r *Resolver) mergeExternalPlaces(loc *GeoLocation, places []PlaceResult) bool {
	if len(places) == 0 {
		return false
	}
	type scored struct {
		rec SiteRecord
	}
	var extra []scored
	for _, p := range places {
		distKm := Distance(Point{Lat: loc.Lat, Lon: loc.Lon}, Point{Lat: p.Lat, Lon: p.Lon}) / 1000
		weight := tagWeight(p.Category)
		relevance := weight - distKm
		extra = append(extra, scored{SiteRecord{
			Name: p.Name, Lat: p.Lat, Lon: p.Lon, Category: p.Category, Source: "places_api",
			DistanceKm: distKm, Relevance: relevance,
		}})
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].rec.Relevance > extra[j].rec.Relevance })
	if len(extra) > 3 {
		extra = extra[:3]
	}
	for _, e := range extra {
		loc.NearbyPOIs = append(loc.NearbyPOIs, e.rec)
	}
	return true
}

func tagWeight(category string) float64 {
	switch category {
	case "tourism":
		return 10
	case "historic":
		return 8
	case "natural":
		return 5
	default:
		return 2
	}
}

// dedupe removes duplicate-named sites/POIs, keeping the first (closest)
// occurrence.
func (r *Resolver) dedupe(loc *GeoLocation) {
	loc.UnescoSites = dedupeSites(loc.UnescoSites)
	loc.CulturalSite = dedupeSites(loc.CulturalSite)
	loc.NearbyPOIs = dedupeSites(loc.NearbyPOIs)
	loc.OSMPois = dedupeSites(loc.OSMPois)
}

func dedupeSites(sites []SiteRecord) []SiteRecord {
	seen := make(map[string]bool, len(sites))
	out := sites[:0]
	for _, s := range sites {
		key := strings.ToLower(strings.TrimSpace(s.Name))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

// formatAddress finalizes the formatted address from available fields.
func (r *Resolver) formatAddress(loc *GeoLocation) string {
	if loc.Address != "" {
		return loc.Address
	}
	if len(loc.UnescoSites) > 0 {
		if loc.City != "" {
			return fmt.Sprintf("%s, %s", loc.UnescoSites[0].Name, loc.City)
		}
		return loc.UnescoSites[0].Name
	}
	if len(loc.CulturalSite) > 0 {
		if loc.City != "" {
			return fmt.Sprintf("%s, %s", loc.CulturalSite[0].Name, loc.City)
		}
		return loc.CulturalSite[0].Name
	}
	if loc.City != "" && loc.Country != "" {
		return fmt.Sprintf("%s, %s", loc.City, loc.Country)
	}
	if loc.City != "" {
		return loc.City
	}
	return fmt.Sprintf("%.4f, %.4f", loc.Lat, loc.Lon)
}

// SearchByName unions UNESCO and geonames rows by substring match, ordered
// UNESCO-first then by population.
func (r *Resolver) SearchByName(ctx context.Context, term string, countryCode string, limit int) ([]PlaceMatch, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + term + "%"

	var matches []PlaceMatch

	uq := `SELECT name, lat, lon, country_code FROM unesco_sites WHERE name LIKE ?`
	args := []any{like}
	if countryCode != "" {
		uq += " AND country_code = ?"
		args = append(args, countryCode)
	}
	uq += " LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, uq, args...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var m PlaceMatch
		if err := rows.Scan(&m.Name, &m.Lat, &m.Lon, &m.CountryCode); err != nil {
			rows.Close()
			return nil, err
		}
		m.Source = "unesco"
		matches = append(matches, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	gq := `SELECT name, lat, lon, country_code, population FROM geonames WHERE name LIKE ?`
	args = []any{like}
	if countryCode != "" {
		gq += " AND country_code = ?"
		args = append(args, countryCode)
	}
	gq += " ORDER BY population DESC LIMIT ?"
	args = append(args, limit)

	rows, err = r.db.QueryContext(ctx, gq, args...)
	if err != nil {
		return matches, err
	}
	defer rows.Close()
	for rows.Next() {
		var m PlaceMatch
		if err := rows.Scan(&m.Name, &m.Lat, &m.Lon, &m.CountryCode, &m.Population); err != nil {
			return matches, err
		}
		m.Source = "geonames"
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return matches, err
	}

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}
