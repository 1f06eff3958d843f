package geoimport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"captionlens/pkg/db"
	"captionlens/pkg/request"
)

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

type overpassElement struct {
	Type string            `json:"type"`
	ID   int64             `json:"id"`
	Lat  float64           `json:"lat"`
	Lon  float64           `json:"lon"`
	Tags map[string]string `json:"tags"`
}

// importOSM queries Overpass for nodes tagged tourism or historic within the
// country's admin-level-2 boundary. Dependencies and territories frequently
// lack an admin-level=2 relation, so a failed or empty area query falls
// back to a radius search centered on the detected coordinate.
func importOSM(ctx context.Context, client *request.Client, d *db.DB, overpassURL, code string, lat, lon float64) (int, error) {
	query := fmt.Sprintf(`[out:json][timeout:60];
area["ISO3166-1"="%s"][admin_level=2]->.a;
(
  node["tourism"](area.a);
  node["historic"](area.a);
);
out body;`, code)

	body, err := postOverpass(ctx, client, overpassURL, query)
	elements, err2 := parseOverpassElements(body, err)
	if err2 != nil || len(elements) == 0 {
		fallback := fmt.Sprintf(`[out:json][timeout:60];
(
  node["tourism"](around:50000,%f,%f);
  node["historic"](around:50000,%f,%f);
);
out body;`, lat, lon, lat, lon)
		body, err = postOverpass(ctx, client, overpassURL, fallback)
		elements, err2 = parseOverpassElements(body, err)
		if err2 != nil {
			return 0, err2
		}
	}

	return upsertOSMElements(ctx, d, elements)
}

func postOverpass(ctx context.Context, client *request.Client, overpassURL, query string) ([]byte, error) {
	form := url.Values{"data": {query}}.Encode()
	return client.PostWithHeaders(ctx, overpassURL, []byte(form), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	})
}

func parseOverpassElements(body []byte, fetchErr error) ([]overpassElement, error) {
	if fetchErr != nil {
		return nil, fmt.Errorf("query overpass: %w", fetchErr)
	}
	var resp overpassResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse overpass response: %w", err)
	}
	return resp.Elements, nil
}

func upsertOSMElements(ctx context.Context, d *db.DB, elements []overpassElement) (int, error) {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin osm import tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO osm_pois
		(id, name, lat, lon, tag_category, tags)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, lat=excluded.lat, lon=excluded.lon,
			tag_category=excluded.tag_category, tags=excluded.tags`)
	if err != nil {
		return 0, fmt.Errorf("prepare osm upsert: %w", err)
	}
	defer stmt.Close()

	count := 0
	for _, el := range elements {
		if el.Type != "node" {
			continue
		}
		name := el.Tags["name"]
		if name == "" {
			continue
		}
		category := osmCategory(el.Tags)
		tagsJSON, err := json.Marshal(el.Tags)
		if err != nil {
			continue
		}
		id := fmt.Sprintf("osm:node:%d", el.ID)
		if _, err := stmt.ExecContext(ctx, id, name, el.Lat, el.Lon, category, string(tagsJSON)); err != nil {
			return count, fmt.Errorf("insert osm poi %s: %w", id, err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit osm import: %w", err)
	}
	return count, nil
}

func osmCategory(tags map[string]string) string {
	if v, ok := tags["tourism"]; ok && v != "" {
		return "tourism"
	}
	if v, ok := tags["historic"]; ok && v != "" {
		return "historic"
	}
	if v, ok := tags["amenity"]; ok && v != "" {
		return "amenity"
	}
	return strings.Join(keys(tags), ",")
}

func keys(m map[string]string) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	return ks
}
