package tier

import "errors"

// Tier is a billing plan tier.
type Tier string

const (
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// ErrUnknownTier is returned for tiers outside the policy table. Unknown
// tiers never default silently: defaulting would mis-provision a paying
// customer.
var ErrUnknownTier = errors.New("unknown_tier")

// Quota is the resource envelope granted to a tier.
type Quota struct {
	MaxAgents            int   `json:"max_agents"`
	MaxMessagesPerPeriod int64 `json:"max_messages_per_period"`
	StorageQuotaMB       int64 `json:"storage_quota_mb"`
	CPUMilli             int64 `json:"cpu_milli"`
	MemoryMB             int64 `json:"memory_mb"`
}

var quotas = map[Tier]Quota{
	TierFree: {
		MaxAgents:            1,
		MaxMessagesPerPeriod: 1_000,
		StorageQuotaMB:       256,
		CPUMilli:             250,
		MemoryMB:             512,
	},
	TierStarter: {
		MaxAgents:            3,
		MaxMessagesPerPeriod: 25_000,
		StorageQuotaMB:       2_048,
		CPUMilli:             500,
		MemoryMB:             1_024,
	},
	TierProfessional: {
		MaxAgents:            10,
		MaxMessagesPerPeriod: 250_000,
		StorageQuotaMB:       10_240,
		CPUMilli:             2_000,
		MemoryMB:             4_096,
	},
	TierEnterprise: {
		MaxAgents:            50,
		MaxMessagesPerPeriod: 2_500_000,
		StorageQuotaMB:       51_200,
		CPUMilli:             8_000,
		MemoryMB:             16_384,
	},
}

// Resolve maps a tier to its quota.
func Resolve(t Tier) (Quota, error) {
	quota, ok := quotas[t]
	if !ok {
		return Quota{}, ErrUnknownTier
	}
	return quota, nil
}

// Valid reports whether the tier exists in the policy table.
func Valid(t Tier) bool {
	_, ok := quotas[t]
	return ok
}
