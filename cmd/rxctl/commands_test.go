package main

import (
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	cases := []struct {
		in       string
		endOfDay bool
		want     time.Time
	}{
		{"2026-03-10", false, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)},
		{"2026-03-10", true, time.Date(2026, 3, 10, 23, 59, 59, 999999999, time.UTC)},
		{"2026-03-10T08:30:00Z", true, time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		got, err := parseDate(c.in, c.endOfDay)
		if err != nil {
			t.Fatalf("parseDate(%q): %v", c.in, err)
		}
		if !got.Equal(c.want) {
			t.Errorf("parseDate(%q, %v) = %s, want %s", c.in, c.endOfDay, got, c.want)
		}
	}
	if _, err := parseDate("10/03/2026", true); err == nil {
		t.Error("expected error for unsupported layout")
	}
}
