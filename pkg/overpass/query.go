package overpass

import (
	"fmt"
	"regexp"
	"strings"
)

// Phase selects how much geometry an import query pulls.
type Phase int

const (
	// PhaseCoarse fetches point features only.
	PhaseCoarse Phase = 1
	// PhaseFull adds ways and relations, located by their center.
	PhaseFull Phase = 2
)

// DefaultSports is the sport filter used when none is configured.
var DefaultSports = []string{"basketball", "tennis", "pickleball"}

// sportPattern joins sports into a case-insensitive alternation.
func sportPattern(sports []string) string {
	if len(sports) == 0 {
		sports = DefaultSports
	}
	parts := make([]string, 0, len(sports))
	for _, s := range sports {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			parts = append(parts, regexp.QuoteMeta(s))
		}
	}
	return strings.Join(parts, "|")
}

// areaClause binds the region's administrative boundary to .a.
func areaClause(isoCode string) string {
	return fmt.Sprintf(`area["ISO3166-2"=%q]["admin_level"="4"]->.a;`, isoCode)
}

// facilityFilters emits one statement per element type for both the sport
// tag match and the name fallback.
func facilityFilters(types []string, pattern, scope string) string {
	var b strings.Builder
	for _, t := range types {
		fmt.Fprintf(&b, "  %s[\"sport\"~\"%s\",i]%s;\n", t, pattern, scope)
		fmt.Fprintf(&b, "  %s[\"name\"~\"%s\",i]%s;\n", t, pattern, scope)
	}
	return b.String()
}

func elementTypes(phase Phase) []string {
	if phase == PhaseCoarse {
		return []string{"node"}
	}
	return []string{"node", "way", "relation"}
}

// CandidatesQuery builds the Overpass QL for facilities in a region.
func CandidatesQuery(isoCode string, sports []string, phase Phase, timeoutSecs int) string {
	return fmt.Sprintf("[out:json][timeout:%d];\n%s\n(\n%s);\nout center;",
		timeoutSecs, areaClause(isoCode), facilityFilters(elementTypes(phase), sportPattern(sports), "(area.a)"))
}

// CountQuery builds a count-only query over the same filter as a full-phase
// CandidatesQuery.
func CountQuery(isoCode string, sports []string, timeoutSecs int) string {
	return fmt.Sprintf("[out:json][timeout:%d];\n%s\n(\n%s);\nout count;",
		timeoutSecs, areaClause(isoCode), facilityFilters(elementTypes(PhaseFull), sportPattern(sports), "(area.a)"))
}

// CitiesQuery lists populated cities and towns in a region.
func CitiesQuery(isoCode string, timeoutSecs int) string {
	return fmt.Sprintf("[out:json][timeout:%d];\n%s\nnode[\"place\"~\"^(city|town)$\"][\"population\"](area.a);\nout body;",
		timeoutSecs, areaClause(isoCode))
}

// AroundQuery builds a radius-bounded facility query used by backfill.
func AroundQuery(lat, lon, radiusM float64, sports []string, timeoutSecs int) string {
	scope := fmt.Sprintf("(around:%.0f,%.6f,%.6f)", radiusM, lat, lon)
	return fmt.Sprintf("[out:json][timeout:%d];\n(\n%s);\nout center;",
		timeoutSecs, facilityFilters(elementTypes(PhaseFull), sportPattern(sports), scope))
}
