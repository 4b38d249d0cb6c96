package customer

import (
	"fmt"
	"time"
)

type RiskLevel string

const (
	RiskHealthy        RiskLevel = "healthy"
	RiskNeedsAttention RiskLevel = "needs_attention"
	RiskAtRisk         RiskLevel = "at_risk"
)

func (r RiskLevel) severity() int {
	switch r {
	case RiskAtRisk:
		return 2
	case RiskNeedsAttention:
		return 1
	default:
		return 0
	}
}

// Health is derived from a profile on every read and never stored.
type Health struct {
	CustomerID      string    `json:"customer_id"`
	EngagementScore int       `json:"engagement_score"`
	RiskLevel       RiskLevel `json:"risk_level"`
	RiskFactors     []string  `json:"risk_factors"`
}

const (
	highErrorRate  = 0.10
	lowErrorRate   = 0.05
	idleAfterKeys  = 48 * time.Hour
	baseEngagement = 50
	maxEngagement  = 100
)

// Assess computes the health of p as of now. It is a pure function.
func Assess(p Profile, now time.Time) Health {
	h := Health{
		CustomerID:  p.CustomerID,
		RiskLevel:   RiskHealthy,
		RiskFactors: []string{},
	}
	raise := func(level RiskLevel, factor string) {
		if level.severity() > h.RiskLevel.severity() {
			h.RiskLevel = level
		}
		h.RiskFactors = append(h.RiskFactors, factor)
	}

	if p.ErrorRate > highErrorRate {
		raise(RiskAtRisk, fmt.Sprintf("High error rate: %.1f%%", p.ErrorRate*100))
	}
	if p.UsageTrend == TrendDeclining {
		raise(RiskAtRisk, "Usage declining")
	}
	if p.Stage == StageStuck {
		raise(RiskNeedsAttention, "Onboarding stuck")
	} else if p.TotalAPICalls == 0 && p.APIKeyIssuedAt != nil && now.Sub(*p.APIKeyIssuedAt) > idleAfterKeys {
		raise(RiskNeedsAttention, "No API activity after 48h")
	}

	score := baseEngagement
	if p.TotalAPICalls > 0 {
		score += 20
	}
	if p.Stage == StageActive {
		score += 20
	}
	if p.ErrorRate < lowErrorRate {
		score += 10
	}
	switch p.UsageTrend {
	case TrendIncreasing:
		score += 10
	case TrendDeclining:
		score -= 10
	}
	h.EngagementScore = min(max(score, 0), maxEngagement)
	return h
}
