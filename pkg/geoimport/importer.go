// Package geoimport implements the country/territory data importer:
// detecting the country/territory a coordinate falls in, fetching
// per-country geographic bulk data from external sources on first sight,
// and populating the spatial store the resolver queries.
package geoimport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"captionlens/pkg/config"
	"captionlens/pkg/db"
	"captionlens/pkg/geo"
	"captionlens/pkg/request"
)

// Importer implements geo.Importer: EnsureCountryLoaded detects the country
// for a coordinate and, on first sight, imports its geonames, cultural
// sites, UNESCO sites, and OSM points of interest.
type Importer struct {
	db       *db.DB
	client   *request.Client
	boundary *geo.CountryService
	detector *CountryDetector

	geonamesURL string
	unescoURL   string
	overpassURL string
}

// New builds an Importer from a database handle, a shared HTTP client, and
// the bulk-data source URLs configured in GeoConfig. It loads the local
// country-boundary GeoJSON named by cfg.CountryBoundariesPath (if any) so
// land coordinates can be resolved without a reverse-geocode round trip.
func New(d *db.DB, client *request.Client, cfg config.GeoConfig) *Importer {
	boundary, err := geo.NewCountryService(cfg.CountryBoundariesPath)
	if err != nil {
		slog.Warn("geoimport: failed to load country boundaries, falling back to reverse geocoding for every lookup", "error", err)
		boundary = nil
	}

	return &Importer{
		db:          d,
		client:      client,
		boundary:    boundary,
		detector:    NewCountryDetector(client, cfg.ReverseGeocodeURL),
		geonamesURL: cfg.GeonamesDumpURL,
		unescoURL:   cfg.UnescoListURL,
		overpassURL: cfg.OverpassURL,
	}
}

// detectCountry resolves the country/territory code for (lat, lon), trying
// the local boundary polygons first and falling back to reverse geocoding
// when no boundary file is loaded or the point falls outside every land
// polygon's territorial-waters/EEZ buffer (maritime zone "international").
func (im *Importer) detectCountry(ctx context.Context, lat, lon float64) (string, error) {
	if im.boundary != nil {
		if result := im.boundary.GetCountryAtPoint(lat, lon); result.CountryCode != "" {
			return result.CountryCode, nil
		}
	}
	return im.detector.Detect(ctx, lat, lon)
}

// EnsureCountryLoaded detects the country/territory for (lat, lon). If it is
// already recorded in country_imports, it returns immediately. Otherwise it
// runs the dataset imports in order (geonames, cultural, unesco, osm) and,
// only if at least one produced rows, records the names of those datasets
// and their combined row count (counts are not stored per dataset), so a
// wholly failed attempt can be retried on the next sighting.
func (im *Importer) EnsureCountryLoaded(ctx context.Context, lat, lon float64) (string, error) {
	code, err := im.detectCountry(ctx, lat, lon)
	if err != nil {
		return "", fmt.Errorf("ensure country loaded: %w", err)
	}
	if code == "" {
		return "", fmt.Errorf("ensure country loaded: could not determine country for %f,%f", lat, lon)
	}

	imported, err := im.alreadyImported(ctx, code)
	if err != nil {
		slog.Warn("geoimport: failed checking country_imports, proceeding with import attempt", "country", code, "error", err)
	}
	if imported {
		return code, nil
	}

	im.importCountryData(ctx, code, lat, lon)
	return code, nil
}

func (im *Importer) alreadyImported(ctx context.Context, code string) (bool, error) {
	var n int
	err := im.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM country_imports WHERE country_code = ?`, code).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// importCountryData runs every dataset importer for code, logging and
// continuing past individual failures, and records the aggregate result
// only if at least one dataset produced rows.
func (im *Importer) importCountryData(ctx context.Context, code string, lat, lon float64) {
	succeeded := make([]string, 0, 4)
	total := 0

	geonamesCount, err := importGeonames(ctx, im.client, im.db, im.geonamesURL, code)
	if err != nil {
		slog.Warn("geoimport: geonames import failed", "country", code, "error", err)
	} else if geonamesCount > 0 {
		succeeded = append(succeeded, "geonames")
		total += geonamesCount
	}

	culturalCount, err := deriveCulturalSites(ctx, im.db, code)
	if err != nil {
		slog.Warn("geoimport: cultural derivation failed", "country", code, "error", err)
	} else if culturalCount > 0 {
		succeeded = append(succeeded, "cultural")
		total += culturalCount
	}

	unescoCount, err := importUnesco(ctx, im.client, im.db, im.unescoURL, code, territoryKeywordFor(code))
	if err != nil {
		slog.Warn("geoimport: unesco import failed", "country", code, "error", err)
	} else if unescoCount > 0 {
		succeeded = append(succeeded, "unesco")
		total += unescoCount
	}

	osmCount, err := importOSM(ctx, im.client, im.db, im.overpassURL, code, lat, lon)
	if err != nil {
		slog.Warn("geoimport: osm import failed", "country", code, "error", err)
	} else if osmCount > 0 {
		succeeded = append(succeeded, "osm")
		total += osmCount
	}

	if len(succeeded) == 0 {
		slog.Warn("geoimport: no dataset succeeded, country left unmarked for retry", "country", code)
		return
	}

	if err := im.recordImport(ctx, code, succeeded, total); err != nil {
		slog.Error("geoimport: failed to record country import", "country", code, "error", err)
	}
}

func (im *Importer) recordImport(ctx context.Context, code string, succeeded []string, total int) error {
	source := strings.Join(succeeded, "+")
	token := fmt.Sprintf("%s:%d", source, total)

	_, err := im.db.ExecContext(ctx, `INSERT INTO country_imports
		(country_code, source, row_count, idempotency_token)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(country_code) DO UPDATE SET
			source=excluded.source, row_count=excluded.row_count, idempotency_token=excluded.idempotency_token,
			imported_at=CURRENT_TIMESTAMP`,
		code, source, total, token)
	return err
}

// territoryKeywordFor returns the lowercase territory name to search a
// heritage-list row's "states" field for, when code is itself a territory
// covered by territoryMapping rather than a UN member state.
func territoryKeywordFor(code string) string {
	for _, territories := range territoryMapping {
		for territoryCode, names := range territories {
			if territoryCode == code && len(names) > 0 {
				return names[0]
			}
		}
	}
	return ""
}
