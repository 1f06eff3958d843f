// Package pipeline implements the caption-generation stage functions: pure
// operations over a typed context, each consuming a model provider and the
// shared prompt service and producing a typed extension. A stage never
// panics on a model failure; it degrades to a fallback value and lets the
// caller decide whether that is worth a warning.
package pipeline

import (
	"captionlens/pkg/geo"
)

// ContextBag is the merged variable set every later stage, and the final
// caption/hashtag templates, render against. Fields default to the empty
// string rather than being omitted, so templates never see a Go nil.
type ContextBag struct {
	ImageDescription  string
	LocationBasic     string
	LocationDetailed  string
	CulturalContext   string
	NearbyAttractions string
	TravelEnrichment  string
	CulturalEnrichment string
	GeographicContext string
}

// coalesce returns s, or def if s is empty. Used throughout the stages to
// turn a "no value" signal into the empty string templates expect rather
// than propagating a null-like sentinel into templates.
func coalesce(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// BuildGeoStrings derives LocationBasic/LocationDetailed/NearbyAttractions/
// GeographicContext from a resolved GeoLocation. LocationDetailed prefers the
// formatted address, then "city, country", then the country alone; raw
// coordinates are never used, so a location with none of these yields "".
func BuildGeoStrings(loc *geo.GeoLocation) (basic, detailed, nearby, geographic string) {
	if loc == nil {
		return "", "", "", ""
	}

	basic = loc.City
	if basic == "" {
		basic = loc.Country
	}

	detailed = loc.Address
	if detailed == "" {
		switch {
		case loc.City != "" && loc.Country != "":
			detailed = loc.City + ", " + loc.Country
		case loc.Country != "":
			detailed = loc.Country
		}
	}

	names := make([]string, 0, 8)
	for _, s := range loc.UnescoSites {
		names = append(names, s.Name)
	}
	for _, s := range loc.CulturalSite {
		names = append(names, s.Name)
	}
	for _, s := range loc.NearbyPOIs {
		names = append(names, s.Name)
	}
	nearby = joinTop(names, 8)

	if loc.Region != "" {
		geographic = loc.Region + ", " + loc.Country
	} else {
		geographic = loc.Country
	}

	return basic, detailed, nearby, geographic
}

func joinTop(names []string, max int) string {
	if len(names) > max {
		names = names[:max]
	}
	out := ""
	for i, n := range names {
		if n == "" {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += n
		_ = i
	}
	return out
}
