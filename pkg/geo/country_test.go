package geo

import (
	"encoding/json"
	"math"
	"os"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// writeTestGeoJSON writes a tiny two-country fixture and returns its path.
// One rectangle around (0,0)-(1,1) tagged "F1", one around (10,0)-(11,1)
// tagged "F2", far enough apart to exercise land/maritime-zone boundaries.
func writeTestGeoJSON(t *testing.T) string {
	t.Helper()
	f1 := geojson.NewFeature(orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}})
	f1.Properties["ISO_A2"] = "F1"
	f1.Properties["NAME"] = "Firstland"

	f2 := geojson.NewFeature(orb.Polygon{{{10, 0}, {11, 0}, {11, 1}, {10, 1}, {10, 0}}})
	f2.Properties["ISO_A2"] = "F2"
	f2.Properties["NAME"] = "Secondland"

	fc := geojson.NewFeatureCollection()
	fc.Features = []*geojson.Feature{f1, f2}

	data, err := fc.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}

	tmp, err := os.CreateTemp("", "countries-*.geojson")
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	if _, err := tmp.Write(data); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	tmp.Close()
	t.Cleanup(func() { os.Remove(tmp.Name()) })
	return tmp.Name()
}

func TestCountryService_Land(t *testing.T) {
	cs, err := NewCountryService(writeTestGeoJSON(t))
	if err != nil {
		t.Fatalf("NewCountryService: %v", err)
	}

	result := cs.GetCountryAtPoint(0.5, 0.5)
	if result.Zone != ZoneLand {
		t.Errorf("Zone = %v, want %v", result.Zone, ZoneLand)
	}
	if result.CountryCode != "F1" {
		t.Errorf("CountryCode = %v, want F1", result.CountryCode)
	}
	if result.CountryName != "Firstland" {
		t.Errorf("CountryName = %v, want Firstland", result.CountryName)
	}
}

func TestCountryService_MaritimeZones(t *testing.T) {
	cs, err := NewCountryService(writeTestGeoJSON(t))
	if err != nil {
		t.Fatalf("NewCountryService: %v", err)
	}

	tests := []struct {
		name     string
		lat, lon float64
		wantZone string
	}{
		{"just off Firstland coast", 0.5, 1.05, ZoneTerritorial},
		{"far out at sea", 5, 5, ZoneInternational},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs.ResetCache()
			result := cs.GetCountryAtPoint(tt.lat, tt.lon)
			if result.Zone != tt.wantZone {
				t.Errorf("Zone = %v, want %v (dist=%.0fm)", result.Zone, tt.wantZone, result.DistanceM)
			}
		})
	}
}

func TestCountryService_Cache(t *testing.T) {
	cs, err := NewCountryService(writeTestGeoJSON(t))
	if err != nil {
		t.Fatalf("NewCountryService: %v", err)
	}

	result1 := cs.GetCountryAtPoint(0.5, 0.5)
	result2 := cs.GetCountryAtPoint(0.501, 0.501)
	if result1.CountryCode != result2.CountryCode {
		t.Error("cached result differs from original")
	}

	cs.ResetCache()
	result3 := cs.GetCountryAtPoint(0.5, 0.5)
	if result3.CountryCode != "F1" {
		t.Error("lookup failed after cache reset")
	}
}

func TestCountryService_MissingFile(t *testing.T) {
	cs, err := NewCountryService("nonexistent.geojson")
	if err != nil {
		t.Fatalf("missing file should degrade gracefully, got error: %v", err)
	}
	result := cs.GetCountryAtPoint(0, 0)
	if result.Zone != ZoneInternational {
		t.Errorf("Zone = %v, want %v for empty boundary set", result.Zone, ZoneInternational)
	}
}

func TestNewCountryService_InvalidJSON(t *testing.T) {
	tmpFile, _ := os.CreateTemp("", "invalid.geojson")
	defer os.Remove(tmpFile.Name())
	_ = os.WriteFile(tmpFile.Name(), []byte("not json"), 0o644)

	_, err := NewCountryService(tmpFile.Name())
	if err == nil {
		t.Error("want error for invalid JSON, got nil")
	}
}

func TestContainsPoint(t *testing.T) {
	triangle := orb.Ring{{0, 0}, {10, 0}, {5, 10}, {0, 0}}
	poly := orb.Polygon{triangle}
	multiPoly := orb.MultiPolygon{poly}

	tests := []struct {
		name   string
		geom   orb.Geometry
		point  orb.Point
		inside bool
	}{
		{"Polygon Center", poly, orb.Point{5, 3}, true},
		{"Polygon Outside", poly, orb.Point{-1, 5}, false},
		{"MultiPolygon Center", multiPoly, orb.Point{5, 3}, true},
		{"MultiPolygon Outside", multiPoly, orb.Point{11, 5}, false},
		{"Point (unsupported)", orb.Point{0, 0}, orb.Point{0, 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := containsPoint(tt.geom, tt.point)
			if got != tt.inside {
				t.Errorf("%s: containsPoint() = %v, want %v", tt.name, got, tt.inside)
			}
		})
	}
}

func TestGetISOCode(t *testing.T) {
	tests := []struct {
		name     string
		props    map[string]interface{}
		wantCode string
	}{
		{"Standard ISO_A2", map[string]interface{}{"ISO_A2": "FR"}, "FR"},
		{"Fallback from -99", map[string]interface{}{"ISO_A2": "-99", "ISO_A2_EH": "KO"}, "KO"},
		{"Missing ISO_A2", map[string]interface{}{"ISO_A2_EH": "KO"}, "KO"},
		{"Empty", map[string]interface{}{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := getISOCode(tt.props)
			if got != tt.wantCode {
				t.Errorf("getISOCode() = %v, want %v", got, tt.wantCode)
			}
		})
	}
}

func TestGetStringProp(t *testing.T) {
	tests := []struct {
		name     string
		props    map[string]interface{}
		key      string
		wantCode string
	}{
		{"String value", map[string]interface{}{"NAME": "France"}, "NAME", "France"},
		{"Missing key", map[string]interface{}{"NAME": "France"}, "CODE", ""},
		{"Non-string value", map[string]interface{}{"ID": 123}, "ID", ""},
		{"JSON Number", map[string]interface{}{"ID": json.Number("123")}, "ID", "123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := getStringProp(tt.props, tt.key)
			if got != tt.wantCode {
				t.Errorf("getStringProp() = %v, want %v", got, tt.wantCode)
			}
		})
	}
}

func TestDistanceToGeometry(t *testing.T) {
	p := orb.Point{0, 5}
	poly := orb.Polygon{{{10, 0}, {10, 10}, {20, 10}, {20, 0}, {10, 0}}}
	multiPoly := orb.MultiPolygon{poly}

	d1 := distanceToGeometry(p, poly)
	if d1 != 10 {
		t.Errorf("Polygon distance = %v, want 10", d1)
	}

	d2 := distanceToGeometry(p, multiPoly)
	if d2 != 10 {
		t.Errorf("MultiPolygon distance = %v, want 10", d2)
	}

	d3 := distanceToGeometry(p, orb.Point{0, 0})
	if d3 != math.MaxFloat64 {
		t.Errorf("Unsupported distance = %v, want max", d3)
	}
}

func TestDistanceToSegment(t *testing.T) {
	p := orb.Point{5, 5}
	a := orb.Point{0, 0}
	b := orb.Point{10, 0}

	d1 := distanceToSegment(orb.Point{-5, 0}, a, b)
	if d1 != 5 {
		t.Errorf("Dist to start = %v, want 5", d1)
	}

	d2 := distanceToSegment(orb.Point{15, 0}, a, b)
	if d2 != 5 {
		t.Errorf("Dist to end = %v, want 5", d2)
	}

	d3 := distanceToSegment(p, a, b)
	if d3 != 5 {
		t.Errorf("Dist to segment = %v, want 5", d3)
	}

	d4 := distanceToSegment(p, a, a)
	if d4 != math.Sqrt(50) {
		t.Errorf("Dist to point segment = %v, want sqrt(50)", d4)
	}
}

func TestDegreesToMeters(t *testing.T) {
	m1 := degreesToMeters(1, 0)
	if math.Abs(m1-111320) > 100 {
		t.Errorf("degreesToMeters(1, 0) = %v, want ~111320", m1)
	}

	m2 := degreesToMeters(1, 60)
	if math.Abs(m2-55660) > 100 {
		t.Errorf("degreesToMeters(1, 60) = %v, want ~55660", m2)
	}
}

func TestReorderFeatures(t *testing.T) {
	f1 := geojson.NewFeature(orb.Polygon{{{0, 0}, {0.1, 0}, {0.1, 0.1}, {0, 0.1}, {0, 0}}})
	f1.Properties["ISO_A2"] = "F1"

	f2 := geojson.NewFeature(orb.Polygon{{{10, 0}, {10.1, 0}, {10.1, 0.1}, {10, 0.1}, {10, 0}}})
	f2.Properties["ISO_A2"] = "F2"

	f3 := geojson.NewFeature(orb.Polygon{{{5, 0}, {5.1, 0}, {5.1, 0.1}, {5, 0.1}, {5, 0}}})
	f3.Properties["ISO_A2"] = "F3"

	fc := geojson.NewFeatureCollection()
	fc.Features = []*geojson.Feature{f2, f3, f1}

	cs := &CountryService{
		features: fc,
		cache:    make(map[string]*cacheEntry),
	}

	cs.ReorderFeatures(0, 1)

	if len(cs.features.Features) != 3 {
		t.Fatalf("Features count = %d, want 3", len(cs.features.Features))
	}

	order := []string{}
	for _, f := range cs.features.Features {
		order = append(order, f.Properties["ISO_A2"].(string))
	}

	if order[0] != "F1" || order[1] != "F3" || order[2] != "F2" {
		t.Errorf("Order = %v, want [F1, F3, F2]", order)
	}
}
