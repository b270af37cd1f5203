// Package store is the document store the pipeline reads work from and writes
// enrichment results to.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
)

var ErrNotFound = errors.New("store: item not found")

// DateField selects the timestamp a retention sweep compares against.
type DateField string

const (
	ByCrawlDate   DateField = "crawled_at"
	ByPublishDate DateField = "published_at"
	byEnrichDate  DateField = "enriched_at"
)

func (f DateField) valid() error {
	switch f {
	case ByCrawlDate, ByPublishDate, byEnrichDate:
		return nil
	}
	return fmt.Errorf("store: unknown date field %q", string(f))
}

type Store interface {
	SelectUnenriched(ctx context.Context) ([]flow.WorkItem, error)
	GetContent(ctx context.Context, id string) (flow.WorkItem, error)
	// SetEnrichmentIfAbsent applies result only while the item has none and
	// reports whether it did.
	SetEnrichmentIfAbsent(ctx context.Context, id, result string) (bool, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, field DateField) (int64, error)
	ResetEnrichmentOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
