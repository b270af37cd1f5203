package flow

import "time"

const (
	SortedQueue      = "enrichment:queue"
	DeadLetterItems  = "enrichment:deadletter"
	AuditEvents      = "enrichment:audit"
	RateLimitGate    = "enrichment:ratelimit"
	StageLeasePrefix = "enrichment:stage:"
)

// AttemptsKey holds the per-item attempt counters of a queue.
func AttemptsKey(queue string) string {
	return queue + ":attempts"
}

// ClaimsKey holds the claim leases of a queue, scored by lease deadline.
func ClaimsKey(queue string) string {
	return queue + ":claims"
}

func ExpiryKey(deadLetter string) string {
	return deadLetter + ":expiry"
}

func StageLease(stage string) string {
	return StageLeasePrefix + stage
}

// WorkItem is a stored document that may carry an enrichment result.
type WorkItem struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Source      string     `json:"source"`
	URL         string     `json:"url,omitempty"`
	Content     string     `json:"content,omitempty"`
	Summary     *string    `json:"summary,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CrawledAt   time.Time  `json:"crawled_at"`
	ContentHash string     `json:"content_hash,omitempty"`
}

func (w WorkItem) Enriched() bool {
	return w.Summary != nil
}

type QueueEntry struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type DeadLetterEntry struct {
	ItemID    string    `json:"item_id"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	Score     float64   `json:"score"`
	FailedAt  time.Time `json:"failed_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry no longer holds the item back.
func (e DeadLetterEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

const (
	EventQueued       = "item.queued"
	EventClaimed      = "item.claimed"
	EventEnriched     = "item.enriched"
	EventDiscarded    = "item.discarded"
	EventRetried      = "item.retried"
	EventDeadLettered = "item.deadlettered"
	EventReturned     = "item.returned"
)

type PipelineEvent struct {
	ID          string  `json:"id"`
	ItemID      string  `json:"item_id"`
	Event       string  `json:"event"`
	State       string  `json:"state,omitempty"`
	Score       float64 `json:"score,omitempty"`
	Attempt     int     `json:"attempt,omitempty"`
	Detail      string  `json:"detail,omitempty"`
	Source      string  `json:"source"`
	TraceParent string  `json:"traceparent,omitempty"`
	Timestamp   string  `json:"timestamp"`
}

func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
