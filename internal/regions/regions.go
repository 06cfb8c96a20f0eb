// Package regions holds the import region catalog and state name canonicalization.
package regions

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Region is one unit of import rotation.
type Region struct {
	Code string `json:"code" yaml:"code"`
	Name string `json:"name" yaml:"name"`
}

// ISOCode returns the ISO 3166-2 subdivision code used to resolve the
// region's area in map queries, e.g. "US-CA".
func (r Region) ISOCode() string {
	return "US-" + r.Code
}

// Default processing order: most populous first, so early cycles cover the
// densest markets.
var defaultOrder = []Region{
	{"CA", "California"}, {"TX", "Texas"}, {"FL", "Florida"}, {"NY", "New York"},
	{"PA", "Pennsylvania"}, {"IL", "Illinois"}, {"OH", "Ohio"}, {"GA", "Georgia"},
	{"NC", "North Carolina"}, {"MI", "Michigan"}, {"NJ", "New Jersey"}, {"VA", "Virginia"},
	{"WA", "Washington"}, {"AZ", "Arizona"}, {"TN", "Tennessee"}, {"MA", "Massachusetts"},
	{"IN", "Indiana"}, {"MD", "Maryland"}, {"MO", "Missouri"}, {"WI", "Wisconsin"},
	{"CO", "Colorado"}, {"MN", "Minnesota"}, {"SC", "South Carolina"}, {"AL", "Alabama"},
	{"LA", "Louisiana"}, {"KY", "Kentucky"}, {"OR", "Oregon"}, {"OK", "Oklahoma"},
	{"CT", "Connecticut"}, {"UT", "Utah"}, {"IA", "Iowa"}, {"NV", "Nevada"},
	{"AR", "Arkansas"}, {"KS", "Kansas"}, {"MS", "Mississippi"}, {"NM", "New Mexico"},
	{"NE", "Nebraska"}, {"ID", "Idaho"}, {"WV", "West Virginia"}, {"HI", "Hawaii"},
	{"NH", "New Hampshire"}, {"ME", "Maine"}, {"MT", "Montana"}, {"RI", "Rhode Island"},
	{"DE", "Delaware"}, {"SD", "South Dakota"}, {"ND", "North Dakota"}, {"AK", "Alaska"},
	{"DC", "District of Columbia"}, {"VT", "Vermont"}, {"WY", "Wyoming"},
}

var (
	byCode = make(map[string]Region, len(defaultOrder))
	byName = make(map[string]string, len(defaultOrder))
)

func init() {
	for _, r := range defaultOrder {
		byCode[r.Code] = r
		byName[strings.ToLower(r.Name)] = r.Code
	}
	byName["washington dc"] = "DC"
	byName["washington d.c."] = "DC"
	byName["d.c."] = "DC"
}

// Default returns a copy of the built-in processing order.
func Default() []Region {
	out := make([]Region, len(defaultOrder))
	copy(out, defaultOrder)
	return out
}

// Lookup returns the region for a two-letter code.
func Lookup(code string) (Region, bool) {
	r, ok := byCode[strings.ToUpper(strings.TrimSpace(code))]
	return r, ok
}

// StateCode canonicalizes a state given as a two-letter code or a full name
// (any case) to its two-letter code. ok is false for unknown input.
func StateCode(s string) (code string, ok bool) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "."))
	if s == "" {
		return "", false
	}
	if r, found := byCode[strings.ToUpper(s)]; found {
		return r.Code, true
	}
	code, ok = byName[strings.ToLower(strings.Join(strings.Fields(s), " "))]
	return code, ok
}

type overrideFile struct {
	Order []string `yaml:"order"`
}

// LoadOrder reads a YAML file of the form `order: [CA, TX, ...]` and returns
// the regions in that order. An empty path returns Default(). Unknown or
// repeated codes are rejected.
func LoadOrder(path string) ([]Region, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "regions: read %s", path)
	}
	var f overrideFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "regions: parse %s", path)
	}
	if len(f.Order) == 0 {
		return nil, eris.Errorf("regions: %s lists no regions", path)
	}

	seen := make(map[string]bool, len(f.Order))
	out := make([]Region, 0, len(f.Order))
	for _, c := range f.Order {
		r, ok := Lookup(c)
		if !ok {
			return nil, eris.Errorf("regions: unknown region code %q", c)
		}
		if seen[r.Code] {
			return nil, eris.Errorf("regions: duplicate region code %q", r.Code)
		}
		seen[r.Code] = true
		out = append(out, r)
	}
	return out, nil
}
