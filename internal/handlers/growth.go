package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/refset/aegis/internal/actions"
	"github.com/refset/aegis/internal/customer"
)

// Growth handles plan, pricing and cancellation conversations. Customers at
// risk of churning are offered a retention perk, which needs approval.
type Growth struct {
	profiles Profiles
	exec     Executor
	now      func() time.Time
}

func NewGrowth(profiles Profiles, exec Executor) *Growth {
	return &Growth{profiles: profiles, exec: exec, now: func() time.Time { return time.Now().UTC() }}
}

func (g *Growth) Name() string { return GrowthEndpoint }

func (g *Growth) Handle(ctx context.Context, task Task) (Reply, error) {
	p, err := g.profiles.Get(ctx, task.CustomerID)
	if err != nil {
		return Reply{}, err
	}
	h := customer.Assess(p, g.now())
	reply := Reply{Metadata: map[string]string{
		"risk_level":       string(h.RiskLevel),
		"engagement_score": fmt.Sprint(h.EngagementScore),
	}}
	reply.attach(map[string]any{
		"type":             "health",
		"engagement_score": h.EngagementScore,
		"risk_level":       string(h.RiskLevel),
		"risk_factors":     h.RiskFactors,
	})

	text := strings.ToLower(task.Text)
	leaving := contains(text, "cancel", "churn", "leaving", "too expensive", "discount")

	switch {
	case (leaving || p.UsageTrend == customer.TrendDeclining) && p.Tier != customer.TierNone:
		res, _, err := run(ctx, g.exec, &reply, task.CustomerID, actions.Action{Kind: actions.ApplyRetentionPerk})
		if err != nil {
			return Reply{}, err
		}
		switch res.Status {
		case actions.StatusPendingApproval:
			reply.Text = fmt.Sprintf("We would like to keep you. I have requested a retention offer for your account (request %s) and will confirm once it is approved.", res.ApprovalID)
		case actions.StatusNoop:
			reply.Text = "A retention offer is already applied to your account."
		case actions.StatusCompleted:
			reply.Text = "I have applied a retention offer to your account: " + res.Data["perk"] + "."
		default:
			reply.Text = res.Message
		}

	case p.Tier == customer.TierTrial && p.UsageTrend == customer.TrendIncreasing:
		reply.Text = "Your usage is growing fast. Upgrading to a paid plan before the trial ends keeps your integration running without interruption."

	default:
		reply.Text = fmt.Sprintf("Your account health score is %d/100 (%s).", h.EngagementScore, strings.ReplaceAll(string(h.RiskLevel), "_", " "))
		if len(h.RiskFactors) > 0 {
			reply.Text += " Watch out for: " + strings.Join(h.RiskFactors, "; ") + "."
		}
	}
	return reply, nil
}
