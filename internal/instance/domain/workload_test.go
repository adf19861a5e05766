package domain

import (
	"testing"

	"github.com/bwmarrin/snowflake"
)

func TestWorkloadNameDeterministic(t *testing.T) {
	id := snowflake.ID(146784914400280576)
	first := WorkloadName(id)
	second := WorkloadName(id)
	if first != second {
		t.Fatalf("workload name not deterministic: %q vs %q", first, second)
	}
	if first == WorkloadName(id+1) {
		t.Fatalf("distinct ids collided on %q", first)
	}
}

func TestWorkloadHostname(t *testing.T) {
	id := snowflake.ID(146784914400280576)
	got := WorkloadHostname(id, "instances.fleetform.dev")
	want := WorkloadName(id) + ".instances.fleetform.dev"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
