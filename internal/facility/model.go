// Package facility defines the facility catalog model and its Postgres stores.
package facility

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Record sources.
const (
	SourceOSM  = "osm"
	SourceUser = "user"
)

// Review statuses.
const (
	ReviewPending  = "pending"
	ReviewApproved = "approved"
)

// OSMLicense is the attribution carried by records imported from OpenStreetMap.
const OSMLicense = "ODbL-1.0 © OpenStreetMap contributors"

// ErrInvalidCandidate marks a candidate that cannot become a record. Callers
// skip it and continue the batch.
var ErrInvalidCandidate = eris.New("facility: invalid candidate")

// Candidate is a provider-sourced facility before dedup. It is not persisted.
type Candidate struct {
	Provider     string            `json:"provider"`
	ExternalType string            `json:"external_type"`
	ExternalID   string            `json:"external_id"`
	Tags         map[string]string `json:"tags,omitempty"`
	Lat          float64           `json:"lat"`
	Lon          float64           `json:"lon"`
}

// RecordID is the deterministic id an imported record gets, e.g. "osm:way:123".
func (c Candidate) RecordID() string {
	return c.Provider + ":" + c.ExternalType + ":" + c.ExternalID
}

// AltSource returns the provenance entry this candidate contributes when it
// is merged into an existing primary.
func (c Candidate) AltSource() AltSource {
	return AltSource{Type: c.Provider, Ref: c.ExternalType + "/" + c.ExternalID}
}

// Court describes the playing surfaces of one sport at a facility.
type Court struct {
	Sport   string `json:"sport"`
	Count   int    `json:"count,omitempty"`
	Surface string `json:"surface,omitempty"`
	Lit     bool   `json:"lit,omitempty"`
}

// Record is a persisted facility.
type Record struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Address      string     `json:"address"`
	City         string     `json:"city"`
	State        string     `json:"state"`
	Lat          float64    `json:"lat"`
	Lon          float64    `json:"lon"`
	CellKey      string     `json:"cell_key"`
	Region       string     `json:"region"`
	Sports       []string   `json:"sports"`
	Courts       []Court    `json:"courts"`
	Source       string     `json:"source"`
	SourceType   string     `json:"source_type"`
	SourceID     string     `json:"source_id"`
	License      string     `json:"license,omitempty"`
	AltSources   AltSources `json:"alt_sources"`
	Approved     bool       `json:"approved"`
	ReviewStatus string     `json:"review_status"`
	DuplicateOf  string     `json:"duplicate_of,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Imported reports whether the record came from an open-data import rather
// than an operator or user submission.
func (r Record) Imported() bool {
	return r.Source != SourceUser
}

// CellKey rounds coordinates to the given number of decimals and joins them
// as "lat,lon". Five decimals is roughly one meter.
func CellKey(lat, lon float64, decimals int) string {
	return formatRounded(lat, decimals) + "," + formatRounded(lon, decimals)
}

func formatRounded(v float64, decimals int) string {
	p := math.Pow10(decimals)
	r := math.Round(v*p) / p
	if r == 0 {
		r = 0 // drop negative zero
	}
	return strconv.FormatFloat(r, 'f', decimals, 64)
}

// ValidCoordinates reports whether lat/lon are finite, in range, and not the
// (0,0) placeholder some providers emit.
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return lat != 0 || lon != 0
}

var sportAliases = map[string]string{
	"basketball": "basketball",
	"tennis":     "tennis",
	"pickleball": "pickleball",
}

// FromCandidate builds a new primary record from an imported candidate.
func FromCandidate(c Candidate, region string, decimals int, now time.Time) (Record, error) {
	if !ValidCoordinates(c.Lat, c.Lon) {
		return Record{}, eris.Wrapf(ErrInvalidCandidate, "facility: candidate %s has no usable coordinates", c.RecordID())
	}

	rec := Record{
		ID:           c.RecordID(),
		Name:         strings.TrimSpace(c.Tags["name"]),
		Address:      addressFromTags(c.Tags),
		City:         strings.TrimSpace(c.Tags["addr:city"]),
		State:        strings.TrimSpace(c.Tags["addr:state"]),
		Lat:          c.Lat,
		Lon:          c.Lon,
		CellKey:      CellKey(c.Lat, c.Lon, decimals),
		Region:       region,
		Source:       c.Provider,
		SourceType:   c.ExternalType,
		SourceID:     c.ExternalID,
		AltSources:   AltSources{},
		ReviewStatus: ReviewPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if c.Provider == SourceOSM {
		rec.License = OSMLicense
	}
	rec.Sports, rec.Courts = courtsFromTags(c.Tags)
	return rec, nil
}

func addressFromTags(tags map[string]string) string {
	if full := strings.TrimSpace(tags["addr:full"]); full != "" {
		return full
	}
	street := strings.TrimSpace(strings.TrimSpace(tags["addr:housenumber"]) + " " + strings.TrimSpace(tags["addr:street"]))
	parts := make([]string, 0, 3)
	for _, p := range []string{street, tags["addr:city"], strings.TrimSpace(tags["addr:state"] + " " + tags["addr:postcode"])} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

func courtsFromTags(tags map[string]string) ([]string, []Court) {
	var sports []string
	seen := map[string]bool{}
	for _, raw := range strings.Split(tags["sport"], ";") {
		s, ok := sportAliases[strings.ToLower(strings.TrimSpace(raw))]
		if ok && !seen[s] {
			seen[s] = true
			sports = append(sports, s)
		}
	}
	if len(sports) == 0 {
		name := strings.ToLower(tags["name"])
		for _, s := range []string{"basketball", "tennis", "pickleball"} {
			if strings.Contains(name, s) {
				sports = append(sports, s)
			}
		}
	}

	count, _ := strconv.Atoi(tags["courts"])
	courts := make([]Court, 0, len(sports))
	for _, s := range sports {
		courts = append(courts, Court{
			Sport:   s,
			Count:   count,
			Surface: tags["surface"],
			Lit:     tags["lit"] == "yes",
		})
	}
	if sports == nil {
		sports = []string{}
	}
	return sports, courts
}
