package geoimport

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"captionlens/pkg/db"
	"captionlens/pkg/request"
)

// culturalFeatureCodes is the GeoNames feature-code allow-list used to
// derive cultural_sites rows from a country's places dump, mirroring the
// set the resolver uses to categorize a lookup's cultural_sites bucket.
var culturalFeatureCodes = map[string]bool{
	"MUS": true, "MNMT": true, "HSTS": true, "RUIN": true, "CSTL": true,
	"PAL": true, "CH": true, "MSQE": true, "TMPL": true, "SHRN": true,
}

// importGeonames fetches the per-country GeoNames places dump (a zipped,
// tab-separated 19-column file), stream-parses it, and upserts every row
// inside one transaction that is committed once at the end; rows are not
// committed in separate batches.
func importGeonames(ctx context.Context, client *request.Client, d *db.DB, baseURL, code string) (int, error) {
	u := fmt.Sprintf("%s/%s.zip", strings.TrimSuffix(baseURL, "/"), code)
	body, err := client.Get(ctx, u, "")
	if err != nil {
		return 0, fmt.Errorf("fetch geonames dump for %s: %w", code, err)
	}

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return 0, fmt.Errorf("open geonames zip for %s: %w", code, err)
	}

	var dataFile io.ReadCloser
	wantName := code + ".txt"
	for _, f := range zr.File {
		if f.Name == wantName {
			dataFile, err = f.Open()
			if err != nil {
				return 0, fmt.Errorf("open %s in geonames zip: %w", wantName, err)
			}
			break
		}
	}
	if dataFile == nil {
		return 0, fmt.Errorf("geonames zip for %s: %s not found", code, wantName)
	}
	defer dataFile.Close()

	r := csv.NewReader(dataFile)
	r.Comma = '\t'
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin geonames import tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO geonames
		(geoname_id, name, lat, lon, country_code, admin1_code, admin2_code, population, feature_class, feature_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(geoname_id) DO UPDATE SET
			name=excluded.name, lat=excluded.lat, lon=excluded.lon,
			country_code=excluded.country_code, admin1_code=excluded.admin1_code,
			admin2_code=excluded.admin2_code, population=excluded.population,
			feature_class=excluded.feature_class, feature_code=excluded.feature_code`)
	if err != nil {
		return 0, fmt.Errorf("prepare geonames upsert: %w", err)
	}
	defer stmt.Close()

	count := 0
	batch := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // malformed row: skip, keep streaming
		}
		row, ok := parseGeonamesRow(rec)
		if !ok {
			continue
		}
		if _, err := stmt.ExecContext(ctx, row.geonameID, row.name, row.lat, row.lon,
			row.countryCode, row.admin1, row.admin2, row.population, row.featureClass, row.featureCode); err != nil {
			return count, fmt.Errorf("insert geonames row %d: %w", row.geonameID, err)
		}
		count++
		batch++
		if batch >= 1000 {
			batch = 0
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit geonames import: %w", err)
	}
	return count, nil
}

type geonamesRow struct {
	geonameID    int64
	name         string
	lat, lon     float64
	countryCode  string
	admin1       string
	admin2       string
	population   int64
	featureClass string
	featureCode  string
}

// parseGeonamesRow reads the standard 19-column GeoNames dump format:
// geonameid, name, asciiname, alternatenames, latitude, longitude,
// feature class, feature code, country code, cc2, admin1 code, admin2
// code, admin3 code, admin4 code, population, elevation, dem, timezone,
// modification date.
func parseGeonamesRow(rec []string) (geonamesRow, bool) {
	if len(rec) < 15 {
		return geonamesRow{}, false
	}
	id, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return geonamesRow{}, false
	}
	lat, err := strconv.ParseFloat(rec[4], 64)
	if err != nil {
		return geonamesRow{}, false
	}
	lon, err := strconv.ParseFloat(rec[5], 64)
	if err != nil {
		return geonamesRow{}, false
	}
	pop, _ := strconv.ParseInt(rec[14], 10, 64)

	return geonamesRow{
		geonameID:    id,
		name:         rec[1],
		lat:          lat,
		lon:          lon,
		featureClass: rec[6],
		featureCode:  rec[7],
		countryCode:  rec[8],
		admin1:       rec[10],
		admin2:       rec[11],
		population:   pop,
	}, true
}

// deriveCulturalSites filters the country's just-imported geonames rows by
// the cultural feature-code allow-list and upserts them into cultural_sites.
func deriveCulturalSites(ctx context.Context, d *db.DB, code string) (int, error) {
	rows, err := d.QueryContext(ctx, `SELECT geoname_id, name, lat, lon, country_code, feature_code
		FROM geonames WHERE country_code = ?`, code)
	if err != nil {
		return 0, fmt.Errorf("query geonames for cultural derivation: %w", err)
	}
	defer rows.Close()

	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cultural derivation tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO cultural_sites
		(id, name, lat, lon, country_code, category, source)
		VALUES (?, ?, ?, ?, ?, ?, 'geonames_derived')
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, lat=excluded.lat, lon=excluded.lon,
			country_code=excluded.country_code, category=excluded.category`)
	if err != nil {
		return 0, fmt.Errorf("prepare cultural upsert: %w", err)
	}
	defer stmt.Close()

	count := 0
	for rows.Next() {
		var geonameID int64
		var name, countryCode, featureCode string
		var lat, lon float64
		if err := rows.Scan(&geonameID, &name, &lat, &lon, &countryCode, &featureCode); err != nil {
			continue
		}
		if !culturalFeatureCodes[featureCode] {
			continue
		}
		id := fmt.Sprintf("geonames:%d", geonameID)
		if _, err := stmt.ExecContext(ctx, id, name, lat, lon, countryCode, featureCode); err != nil {
			return count, fmt.Errorf("insert derived cultural site %s: %w", id, err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cultural derivation: %w", err)
	}
	return count, nil
}
