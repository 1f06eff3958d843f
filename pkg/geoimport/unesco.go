package geoimport

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"captionlens/pkg/db"
	"captionlens/pkg/request"
)

// unescoList is the root element of the World Heritage List XML export.
type unescoList struct {
	Rows []unescoRow `xml:"row"`
}

type unescoRow struct {
	ID          string `xml:"id_number"`
	Site        string `xml:"site"`
	States      string `xml:"states"`
	ISOCode     string `xml:"iso_code"`
	Latitude    string `xml:"latitude"`
	Longitude   string `xml:"longitude"`
	Category    string `xml:"category"`
}

// importUnesco fetches the global heritage-site XML list, keeps rows whose
// ISO code matches the target country (handling territory aliases by
// parent-country ISO code plus a territory-name keyword in the row's
// states), and upserts them.
func importUnesco(ctx context.Context, client *request.Client, d *db.DB, listURL, code, territoryKeyword string) (int, error) {
	body, err := client.Get(ctx, listURL, "unesco:full-list")
	if err != nil {
		return 0, fmt.Errorf("fetch unesco list: %w", err)
	}

	var list unescoList
	if err := xml.Unmarshal(body, &list); err != nil {
		return 0, fmt.Errorf("parse unesco list: %w", err)
	}

	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin unesco import tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO unesco_sites
		(id, name, lat, lon, country_code, category, description)
		VALUES (?, ?, ?, ?, ?, ?, '')
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, lat=excluded.lat, lon=excluded.lon,
			country_code=excluded.country_code, category=excluded.category`)
	if err != nil {
		return 0, fmt.Errorf("prepare unesco upsert: %w", err)
	}
	defer stmt.Close()

	count := 0
	for _, row := range list.Rows {
		if !unescoMatchesCountry(row, code, territoryKeyword) {
			continue
		}
		lat, err1 := strconv.ParseFloat(strings.TrimSpace(row.Latitude), 64)
		lon, err2 := strconv.ParseFloat(strings.TrimSpace(row.Longitude), 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if _, err := stmt.ExecContext(ctx, row.ID, row.Site, lat, lon, code, row.Category); err != nil {
			return count, fmt.Errorf("insert unesco site %s: %w", row.ID, err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit unesco import: %w", err)
	}
	return count, nil
}

// unescoMatchesCountry reports whether a heritage-list row belongs to the
// target country code. The world heritage list is keyed by country name
// rather than GeoNames codes and rarely lists dependent territories
// separately, so a territory match falls back to checking the parent
// country's ISO code plus the territory's own name as a keyword in the
// site's recorded states.
func unescoMatchesCountry(row unescoRow, code, territoryKeyword string) bool {
	isoCodes := strings.Split(strings.ToUpper(row.ISOCode), ",")
	for _, iso := range isoCodes {
		if strings.TrimSpace(iso) == code {
			return true
		}
	}
	if territoryKeyword == "" {
		return false
	}
	parentListed := false
	for parent, territories := range territoryMapping {
		if _, ok := territories[code]; !ok {
			continue
		}
		for _, iso := range isoCodes {
			if strings.TrimSpace(iso) == parent {
				parentListed = true
			}
		}
	}
	return parentListed && strings.Contains(strings.ToLower(row.States), territoryKeyword)
}
