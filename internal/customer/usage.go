package customer

import (
	"fmt"
	"time"
)

// UsageReport is a batch of API activity observed for one customer.
type UsageReport struct {
	Calls  int64      `json:"calls"`
	Errors int64      `json:"errors"`
	Trend  UsageTrend `json:"trend,omitempty"`
}

// RecordUsage folds a usage report into p. The error rate tracks the most
// recent batch so that fixes show up on the next monitor cycle.
func RecordUsage(p *Profile, r UsageReport, now time.Time) error {
	if r.Calls < 0 || r.Errors < 0 || r.Errors > r.Calls {
		return fmt.Errorf("%w: bad usage report %d calls / %d errors", ErrInvalidTransition, r.Calls, r.Errors)
	}
	switch r.Trend {
	case "", TrendIncreasing, TrendStable, TrendDeclining:
	default:
		return fmt.Errorf("%w: unknown usage trend %q", ErrInvalidTransition, r.Trend)
	}

	if r.Calls > 0 {
		p.TotalAPICalls += r.Calls
		t := now
		p.LastAPICallAt = &t
		p.ErrorRate = float64(r.Errors) / float64(r.Calls)
		if p.Stage == StageAPIKeysGenerated || p.Stage == StageStuck {
			p.Stage = StageActive
		}
	}
	if r.Trend != "" {
		p.UsageTrend = r.Trend
	}
	p.UpdatedAt = now
	return nil
}
