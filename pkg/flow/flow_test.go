package flow

import (
	"encoding/json"
	"testing"
	"time"
)

func TestKeys(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{AttemptsKey(SortedQueue), "enrichment:queue:attempts"},
		{ClaimsKey(SortedQueue), "enrichment:queue:claims"},
		{ExpiryKey(DeadLetterItems), "enrichment:deadletter:expiry"},
		{StageLease("prioritize"), "enrichment:stage:prioritize"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q; want %q", tt.got, tt.want)
		}
	}
}

func TestNow(t *testing.T) {
	ts := Now()
	_, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		t.Errorf("Now() returned invalid RFC3339Nano string: %q, error: %v", ts, err)
	}
}

func TestWorkItemEnriched(t *testing.T) {
	item := WorkItem{ID: "a"}
	if item.Enriched() {
		t.Fatal("item without summary reported as enriched")
	}
	summary := ""
	item.Summary = &summary
	if !item.Enriched() {
		t.Fatal("empty summary is still a present result")
	}
}

func TestDeadLetterExpired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entry := DeadLetterEntry{ItemID: "a", ExpiresAt: now.Add(time.Minute)}

	if entry.Expired(now) {
		t.Error("entry expiring in a minute reported expired")
	}
	if !entry.Expired(now.Add(time.Minute)) {
		t.Error("entry at its expiry must be expired")
	}
}

func TestWorkItemOmitsNilSummary(t *testing.T) {
	data, err := json.Marshal(WorkItem{ID: "a", Title: "t"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["summary"]; ok {
		t.Errorf("summary should be omitted, got %s", data)
	}
}
