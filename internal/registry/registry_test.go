package registry

import (
	"testing"

	"github.com/fleetcheck/scanner/internal/domain"
)

func sampleRules() []domain.Rule {
	return []domain.Rule{
		{ID: "R-1", Name: "no root login"},
		{ID: "R-2", Name: "firewall enabled"},
		{ID: "R-3", Name: "patches current"},
	}
}

func TestIterPreservesOrder(t *testing.T) {
	r := New()
	r.LoadAll(sampleRules())

	got := r.Iter()
	if len(got) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(got))
	}
	for i, want := range []string{"R-1", "R-2", "R-3"} {
		if got[i].ID != want {
			t.Fatalf("index %d: expected %s, got %s", i, want, got[i].ID)
		}
	}
}

func TestExcludeFiltersIter(t *testing.T) {
	r := New()
	r.LoadAll(sampleRules())
	r.Exclude([]string{"R-2"})

	got := r.Iter()
	if len(got) != 2 {
		t.Fatalf("expected 2 rules after exclusion, got %d", len(got))
	}
	for _, rule := range got {
		if rule.ID == "R-2" {
			t.Fatal("R-2 should have been excluded")
		}
	}
}

func TestExcludeIsIdempotent(t *testing.T) {
	r := New()
	r.LoadAll(sampleRules())
	r.Exclude([]string{"R-1"})
	r.Exclude([]string{"R-1"})

	got := r.Iter()
	if len(got) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(got))
	}
}

func TestExcludeUnknownIDIgnored(t *testing.T) {
	r := New()
	r.LoadAll(sampleRules())
	r.Exclude([]string{"R-404"})

	got := r.Iter()
	if len(got) != 3 {
		t.Fatalf("expected 3 rules (unknown id ignored), got %d", len(got))
	}
}

func TestUnknownExclusions(t *testing.T) {
	r := New()
	r.LoadAll(sampleRules())

	unknown := r.UnknownExclusions([]string{"R-1", "R-404", "R-405"})
	if len(unknown) != 2 {
		t.Fatalf("expected 2 unknown ids, got %d: %v", len(unknown), unknown)
	}
}
