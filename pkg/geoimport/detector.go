package geoimport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"captionlens/pkg/request"
)

// territoryMapping lists, per parent country code, the overseas/dependent
// territories that carry their own GeoNames file. A territory is detected
// by matching one of its names against the reverse-geocode response's
// display name, state, region, county, archipelago, or island fields.
var territoryMapping = map[string]map[string][]string{
	"FR": {
		"NC": {"nouvelle-calédonie", "new caledonia"},
		"PF": {"polynésie française", "french polynesia"},
		"WF": {"wallis-et-futuna", "wallis and futuna"},
		"GP": {"guadeloupe"},
		"MQ": {"martinique"},
		"RE": {"réunion", "reunion"},
		"YT": {"mayotte"},
		"GF": {"guyane française", "french guiana"},
		"PM": {"saint-pierre-et-miquelon"},
		"BL": {"saint-barthélemy"},
		"MF": {"saint-martin"},
	},
	"NL": {
		"AW": {"aruba"},
		"CW": {"curaçao", "curacao"},
		"SX": {"sint maarten"},
		"BQ": {"bonaire"},
	},
	"GB": {
		"GI": {"gibraltar"},
		"BM": {"bermuda"},
		"KY": {"cayman islands"},
		"TC": {"turks and caicos"},
		"VG": {"british virgin islands"},
		"AI": {"anguilla"},
		"MS": {"montserrat"},
		"FK": {"falkland islands"},
		"JE": {"jersey"},
		"GG": {"guernsey"},
		"IM": {"isle of man"},
	},
	"US": {
		"PR": {"puerto rico"},
		"VI": {"virgin islands"},
		"GU": {"guam"},
		"AS": {"american samoa"},
		"MP": {"northern mariana"},
	},
	"DK": {
		"FO": {"faroe islands", "færøerne"},
		"GL": {"greenland", "grønland"},
	},
	"NO": {
		"SJ": {"svalbard"},
	},
	"FI": {
		"AX": {"åland", "aland"},
	},
	"AU": {
		"NF": {"norfolk island"},
		"CX": {"christmas island"},
		"CC": {"cocos islands"},
	},
	"NZ": {
		"CK": {"cook islands"},
		"NU": {"niue"},
		"TK": {"tokelau"},
	},
}

// CountryDetector resolves a coordinate pair to a GeoNames-style country or
// territory code via reverse geocoding.
type CountryDetector struct {
	client      *request.Client
	nominatimURL string
}

// NewCountryDetector builds a CountryDetector against the given reverse
// geocoding endpoint (typically Nominatim-compatible).
func NewCountryDetector(client *request.Client, nominatimURL string) *CountryDetector {
	return &CountryDetector{client: client, nominatimURL: nominatimURL}
}

type nominatimAddress struct {
	CountryCode string `json:"country_code"`
	State       string `json:"state"`
	Region      string `json:"region"`
	County      string `json:"county"`
	Archipelago string `json:"archipelago"`
	Island      string `json:"island"`
}

type nominatimResponse struct {
	DisplayName string            `json:"display_name"`
	Address     nominatimAddress  `json:"address"`
}

// Detect returns the GeoNames-style country/territory code for a
// coordinate, or an error if the reverse-geocode lookup failed outright.
func (d *CountryDetector) Detect(ctx context.Context, lat, lon float64) (string, error) {
	u := fmt.Sprintf("%s?%s", d.nominatimURL, url.Values{
		"lat":             {fmt.Sprintf("%.6f", lat)},
		"lon":             {fmt.Sprintf("%.6f", lon)},
		"format":          {"json"},
		"addressdetails":  {"1"},
		"namedetails":     {"1"},
		"accept-language": {"en,fr"},
	}.Encode())

	body, err := d.client.Get(ctx, u, "")
	if err != nil {
		return "", fmt.Errorf("detect country: %w", err)
	}

	var resp nominatimResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("detect country: parsing response: %w", err)
	}

	code := strings.ToUpper(resp.Address.CountryCode)
	if code == "" {
		return "", nil
	}

	territories, ok := territoryMapping[code]
	if !ok {
		return code, nil
	}

	haystack := strings.ToLower(strings.Join([]string{
		resp.DisplayName,
		resp.Address.State,
		resp.Address.Region,
		resp.Address.County,
		resp.Address.Archipelago,
		resp.Address.Island,
	}, " "))

	for territoryCode, names := range territories {
		for _, name := range names {
			if strings.Contains(haystack, name) {
				return territoryCode, nil
			}
		}
	}

	return code, nil
}
