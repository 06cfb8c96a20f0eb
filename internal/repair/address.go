package repair

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/courtatlas/geocurator/internal/regions"
)

var (
	zipPattern     = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	countrySuffix  = map[string]bool{"usa": true, "us": true, "u.s.a.": true, "united states": true, "united states of america": true}
	houseNumberPat = regexp.MustCompile(`^\d+[A-Za-z]?\s+`)
)

// ParsedAddress holds what could be read out of a free-form address.
type ParsedAddress struct {
	Street string
	City   string
	State  string
}

// ParseAddress reads street, city and state from a US-style address such as
// "123 Main St, Springfield, IL 62701, USA". Fields it cannot identify are
// left empty. State is returned as a two-letter code.
func ParseAddress(addr string) ParsedAddress {
	var segs []string
	for _, s := range strings.Split(addr, ",") {
		if s = strings.TrimSpace(s); s != "" {
			segs = append(segs, s)
		}
	}
	for len(segs) > 0 && countrySuffix[strings.ToLower(segs[len(segs)-1])] {
		segs = segs[:len(segs)-1]
	}
	if len(segs) == 0 {
		return ParsedAddress{}
	}

	var out ParsedAddress
	if startsWithNumber(segs[0]) {
		out.Street = segs[0]
	}

	last := len(segs) - 1
	if zipPattern.MatchString(segs[last]) && last > 0 {
		last--
	}
	state, rest, ok := parseStateSegment(segs[last])
	if !ok {
		return out
	}
	out.State = state
	switch {
	case rest != "" && !startsWithNumber(rest):
		out.City = rest
	case last > 0 && !(last == 1 && out.Street != ""):
		out.City = segs[last-1]
	}
	return out
}

// parseStateSegment recognizes "IL", "IL 62701", "Illinois" or
// "Springfield IL" and returns the state code plus any leading remainder.
func parseStateSegment(seg string) (state, rest string, ok bool) {
	words := strings.Fields(seg)
	if n := len(words); n > 0 && zipPattern.MatchString(words[n-1]) {
		words = words[:n-1]
	}
	if len(words) == 0 {
		return "", "", false
	}
	if code, ok := regions.StateCode(strings.Join(words, " ")); ok {
		return code, "", true
	}
	for take := 1; take <= 3 && take < len(words); take++ {
		tail := strings.Join(words[len(words)-take:], " ")
		if code, ok := regions.StateCode(tail); ok {
			return code, strings.Join(words[:len(words)-take], " "), true
		}
	}
	return "", "", false
}

func startsWithNumber(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

// streetName drops the house number: "120 N Main St" -> "N Main St".
func streetName(street string) string {
	return strings.TrimSpace(houseNumberPat.ReplaceAllString(strings.TrimSpace(street), ""))
}

var genericNames = map[string]bool{
	"":                  true,
	"court":             true,
	"courts":            true,
	"park":              true,
	"playground":        true,
	"unnamed":           true,
	"unknown":           true,
	"untitled":          true,
	"sports court":      true,
	"sport court":       true,
	"outdoor court":     true,
	"public court":      true,
	"public courts":     true,
	"basketball":        true,
	"basketball court":  true,
	"basketball courts": true,
	"tennis":            true,
	"tennis court":      true,
	"tennis courts":     true,
	"pickleball":        true,
	"pickleball court":  true,
	"pickleball courts": true,
}

// IsGenericName reports whether name says nothing beyond the facility type.
func IsGenericName(name string) bool {
	return genericNames[strings.ToLower(strings.Join(strings.Fields(name), " "))]
}

var titler = cases.Title(language.English)

// FallbackName builds "<Street or City> <Sport> Courts". It returns "" when
// neither a street nor a city is known.
func FallbackName(street, city, sport string) string {
	base := streetName(street)
	if base == "" {
		base = strings.TrimSpace(city)
	}
	if base == "" {
		return ""
	}
	label := "courts"
	if sport = strings.TrimSpace(sport); sport != "" {
		label = sport + " courts"
	}
	return titler.String(base + " " + label)
}
