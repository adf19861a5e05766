package domain

import (
	"strconv"

	"github.com/bwmarrin/snowflake"
)

// WorkloadName derives the cluster workload name from the instance ID.
// Deterministic so a retried provision converges on the same workload, and
// base-32 lowercase so the result is a valid DNS-1123 label.
func WorkloadName(id snowflake.ID) string {
	return "inst-" + strconv.FormatInt(int64(id), 32)
}

// WorkloadHostname derives the externally reachable hostname.
func WorkloadHostname(id snowflake.ID, domain string) string {
	if domain == "" {
		return WorkloadName(id)
	}
	return WorkloadName(id) + "." + domain
}
