package importer

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/dedup"
	"github.com/courtatlas/geocurator/internal/facility"
	"github.com/courtatlas/geocurator/pkg/overpass"
)

// Ingester is the dedup decision for one candidate. *dedup.Deduper satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, c facility.Candidate, region string) (dedup.Outcome, error)
}

// Counts tallies ingestion outcomes for one batch.
type Counts struct {
	Fetched         int `json:"fetched"`
	Created         int `json:"created"`
	Merged          int `json:"merged"`
	SkippedExisting int `json:"skipped_existing"`
	Invalid         int `json:"invalid"`
}

// CandidateFromElement converts an Overpass element. ok is false when the
// element has no usable position.
func CandidateFromElement(el overpass.Element) (facility.Candidate, bool) {
	lat, lon, ok := el.Position()
	if !ok || !facility.ValidCoordinates(lat, lon) {
		return facility.Candidate{}, false
	}
	return facility.Candidate{
		Provider:     facility.SourceOSM,
		ExternalType: el.Type,
		ExternalID:   strconv.FormatInt(el.ID, 10),
		Tags:         el.Tags,
		Lat:          lat,
		Lon:          lon,
	}, true
}

// IngestElements feeds elements through ing until maxCreates records have been
// created. Invalid candidates are counted and skipped; any other error stops
// the batch and is returned with the counts so far.
func IngestElements(ctx context.Context, ing Ingester, elements []overpass.Element, region string, maxCreates int) (Counts, error) {
	counts := Counts{Fetched: len(elements)}
	for _, el := range elements {
		if maxCreates > 0 && counts.Created >= maxCreates {
			break
		}
		if err := ctx.Err(); err != nil {
			return counts, err
		}

		c, ok := CandidateFromElement(el)
		if !ok {
			counts.Invalid++
			continue
		}

		outcome, err := ing.Ingest(ctx, c, region)
		if errors.Is(err, facility.ErrInvalidCandidate) {
			zap.L().Debug("importer: skipping invalid candidate", zap.String("id", c.RecordID()), zap.Error(err))
			counts.Invalid++
			continue
		}
		if err != nil {
			return counts, err
		}

		switch outcome {
		case dedup.Created:
			counts.Created++
		case dedup.Merged:
			counts.Merged++
		case dedup.SkippedExisting:
			counts.SkippedExisting++
		default:
			counts.Invalid++
		}
	}
	return counts, nil
}
