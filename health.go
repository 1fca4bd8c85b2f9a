package e2ee

import (
	"fmt"
	"time"
)

// Health assessment thresholds. Advisory only; nothing here gates an
// operation.
const (
	healthAgeWarnDays     = 90
	healthAgeCriticalDays = 365
	healthUsageHighRatio  = 0.9
	healthUsageWarnRatio  = 0.7
	healthExpiryWarnDays  = 7
)

// riskRank orders risk levels for worst-case-wins escalation.
func riskRank(r RiskLevel) int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// Assessor computes advisory risk assessments over registry keys.
//
// Scoring is monotonic: each finding can only raise the overall risk,
// never lower it, so the reported level is always the worst individual
// finding. Assessments are recomputed on demand and never cached.
type Assessor struct {
	registry *Registry
}

// NewAssessor creates a health assessor over a registry.
func NewAssessor(registry *Registry) *Assessor {
	return &Assessor{registry: registry}
}

// AssessKey assesses a single key.
func (a *Assessor) AssessKey(keyID string) (*KeyHealth, error) {
	meta, err := a.registry.GetKey(keyID)
	if err != nil {
		return nil, err
	}
	health := assess(meta, time.Now().UTC())
	return &health, nil
}

// AssessAllKeys assesses every registered key and aggregates the results
// into a fleet summary.
func (a *Assessor) AssessAllKeys() *HealthSummary {
	now := time.Now().UTC()
	keys := a.registry.ListKeys()

	summary := &HealthSummary{
		TotalKeys:  len(keys),
		ByRisk:     make(map[RiskLevel]int),
		AssessedAt: now,
		Keys:       make([]KeyHealth, 0, len(keys)),
	}
	for _, meta := range keys {
		health := assess(meta, now)
		summary.ByRisk[health.RiskLevel]++
		summary.Keys = append(summary.Keys, health)
	}
	return summary
}

func assess(meta *KeyMetadata, now time.Time) KeyHealth {
	health := KeyHealth{
		KeyID:        meta.KeyID,
		Status:       meta.Status(now),
		StrengthTier: strengthTier(meta.Strength),
		RiskLevel:    RiskLow,
		AgeDays:      int(now.Sub(meta.CreatedAt).Hours() / 24),
		AssessedAt:   now,
	}

	escalate := func(level RiskLevel, recommendation string) {
		if riskRank(level) > riskRank(health.RiskLevel) {
			health.RiskLevel = level
		}
		health.Recommendations = append(health.Recommendations, recommendation)
	}

	switch health.Status {
	case KeyStatusRevoked:
		escalate(RiskCritical, "key is revoked; re-encrypt any data still depending on it")
	case KeyStatusExpired:
		escalate(RiskHigh, "key is expired; rotate dependents to a fresh key")
	}

	switch health.StrengthTier {
	case StrengthWeak:
		escalate(RiskCritical, fmt.Sprintf("%d-bit strength is below current guidance; re-create at 256 bits", meta.Strength))
	case StrengthModerate:
		escalate(RiskMedium, fmt.Sprintf("%d-bit strength is acceptable but 256 bits is recommended", meta.Strength))
	}

	if health.AgeDays >= healthAgeCriticalDays {
		escalate(RiskHigh, fmt.Sprintf("key is %d days old; rotate it", health.AgeDays))
	} else if health.AgeDays >= healthAgeWarnDays {
		escalate(RiskMedium, fmt.Sprintf("key is %d days old; plan a rotation", health.AgeDays))
	}

	if meta.MaxUsage > 0 {
		health.UsageRatio = float64(meta.UsageCount) / float64(meta.MaxUsage)
		if health.UsageRatio >= 1 {
			escalate(RiskHigh, "usage limit reached; the key no longer encrypts")
		} else if health.UsageRatio > healthUsageHighRatio {
			escalate(RiskHigh, fmt.Sprintf("usage at %.0f%% of limit; replace the key now", health.UsageRatio*100))
		} else if health.UsageRatio > healthUsageWarnRatio {
			escalate(RiskMedium, fmt.Sprintf("usage at %.0f%% of limit; prepare a replacement", health.UsageRatio*100))
		}
	}

	if meta.ExpiresAt != nil && health.Status == KeyStatusActive {
		days := int(meta.ExpiresAt.Sub(now).Hours() / 24)
		health.DaysToExpiry = &days
		if days < healthExpiryWarnDays {
			escalate(RiskHigh, fmt.Sprintf("key expires in %d days; rotate dependents before cutoff", days))
		}
	}

	return health
}

func strengthTier(bits int) StrengthTier {
	switch {
	case bits >= 256:
		return StrengthStrong
	case bits >= 192:
		return StrengthModerate
	default:
		return StrengthWeak
	}
}
