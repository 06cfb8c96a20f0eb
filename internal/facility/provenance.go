package facility

// AltSource identifies one provider record merged into a primary.
type AltSource struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

// AltSources is an append-only provenance list. Entries are unique by
// {Type, Ref}; merge order is preserved.
type AltSources []AltSource

// Contains reports whether s is already recorded.
func (a AltSources) Contains(s AltSource) bool {
	for _, e := range a {
		if e == s {
			return true
		}
	}
	return false
}

// Merge returns a new list holding a followed by every entry of others not
// already present. The receiver is not modified.
func (a AltSources) Merge(others ...AltSource) AltSources {
	out := make(AltSources, len(a), len(a)+len(others))
	copy(out, a)
	for _, s := range others {
		if s.Type == "" && s.Ref == "" {
			continue
		}
		if !out.Contains(s) {
			out = append(out, s)
		}
	}
	return out
}

// Provenance is the identity a record contributes when it becomes a
// duplicate of another primary.
func (r Record) Provenance() AltSource {
	if r.Source == SourceUser {
		return AltSource{Type: SourceUser, Ref: r.ID}
	}
	return AltSource{Type: r.Source, Ref: r.SourceType + "/" + r.SourceID}
}
