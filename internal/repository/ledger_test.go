package repository

import (
	"strings"
	"testing"
)

func TestRecordAttemptQueryAssignsRankLast(t *testing.T) {
	q := strings.TrimSpace(recordAttemptQuery)
	if !strings.HasSuffix(q, "status_rank = IF(status_rank < 3 AND VALUES(status_rank) >= status_rank, VALUES(status_rank), status_rank)") {
		t.Fatalf("status_rank must be the final assignment:\n%s", q)
	}
	for _, col := range []string{"status", "http_status_code", "response_body_excerpt", "latency_ms", "error_message", "next_retry_at", "lease_until", "updated_at"} {
		if !strings.Contains(q, "    "+col+" = IF(status_rank < 3") {
			t.Fatalf("column %s is not rank guarded", col)
		}
	}
	if !strings.Contains(q, "envelope = COALESCE(envelope, VALUES(envelope))") {
		t.Fatalf("envelope must be written once")
	}
}

func TestRenewLeasesQueryMatchesKeys(t *testing.T) {
	q := buildRenewLeasesQuery(3)
	if strings.Count(q, "?") != 2+3*3 {
		t.Fatalf("placeholders = %d:\n%s", strings.Count(q, "?"), q)
	}
	if !strings.Contains(q, "IN ((?, ?, ?), (?, ?, ?), (?, ?, ?))") {
		t.Fatalf("key tuples malformed:\n%s", q)
	}
	if !strings.Contains(q, "GREATEST(COALESCE(lease_until, ?), ?)") || !strings.Contains(q, "status_rank < 3") {
		t.Fatalf("renewal must be extend-only on unfinished rows:\n%s", q)
	}
}

func TestHistoryFilterNormalized(t *testing.T) {
	if f := (HistoryFilter{}).normalized(); f.Limit != 50 || f.Offset != 0 {
		t.Fatalf("defaults = %+v", f)
	}
	if f := (HistoryFilter{Limit: 5000, Offset: -3}).normalized(); f.Limit != 50 || f.Offset != 0 {
		t.Fatalf("clamped = %+v", f)
	}
	if f := (HistoryFilter{Limit: 10, Offset: 20}).normalized(); f.Limit != 10 || f.Offset != 20 {
		t.Fatalf("kept = %+v", f)
	}
}
