package quota

import (
	"testing"
	"time"
)

func TestRedisCounter_Key(t *testing.T) {
	c := NewRedisCounter(nil, "")
	got := c.key("alice", "document_upload", time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	if want := "docket:usage:document_upload:2026-10:alice"; got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func TestExpiryFor(t *testing.T) {
	got := expiryFor(time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC))
	want := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC).Add(usageRetention)
	if !got.Equal(want) {
		t.Errorf("expiryFor = %v, want %v", got, want)
	}
}
