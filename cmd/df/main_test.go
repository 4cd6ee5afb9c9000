package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseSeeds(t *testing.T) {
	got, err := parseSeeds([]string{"budget=approved", " owner =bob", "note=a=b"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := map[string]any{"budget": "approved", "owner": "bob", "note": "a=b"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("seeds mismatch (-want +got):\n%s", diff)
	}
	if _, err := parseSeeds([]string{"novalue"}); err == nil {
		t.Fatalf("expected error for missing =")
	}
	if got, _ := parseSeeds(nil); got != nil {
		t.Fatalf("expected nil seed, got %v", got)
	}
}

func TestCountersListsUnitCountsFirst(t *testing.T) {
	if got := counters(map[string]int{"units_failed": 1, "units_complete": 2}); got != "units_complete=2 units_failed=1" {
		t.Fatalf("unexpected counters %q", got)
	}
	if got := counters(nil); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestClip(t *testing.T) {
	if got := clip("short", 10); got != "short" {
		t.Fatalf("unexpected %q", got)
	}
	if got := clip("ééééééééééé", 6); got != "ééé..." {
		t.Fatalf("unexpected %q", got)
	}
}
