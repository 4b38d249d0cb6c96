package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/refset/aegis/internal/actions"
	"github.com/refset/aegis/internal/billing"
	"github.com/refset/aegis/internal/customer"
)

// Billing answers subscription questions and issues production keys and
// sandboxes for subscribed customers.
type Billing struct {
	profiles Profiles
	exec     Executor
}

func NewBilling(profiles Profiles, exec Executor) *Billing {
	return &Billing{profiles: profiles, exec: exec}
}

func (b *Billing) Name() string { return BillingEndpoint }

func (b *Billing) Handle(ctx context.Context, task Task) (Reply, error) {
	text := strings.ToLower(task.Text)
	var reply Reply

	switch {
	case contains(text, "production key", "live key", "prod key"):
		res, _, err := run(ctx, b.exec, &reply, task.CustomerID, actions.Action{
			Kind:   actions.GenerateAPIKeys,
			Params: map[string]string{"environment": billing.EnvProduction},
		})
		if err != nil {
			return Reply{}, err
		}
		if res.OK() {
			reply.attach(map[string]any{"type": "api_key", "environment": billing.EnvProduction, "api_key": res.Data["api_key"]})
			reply.Text = "Your production API key: " + res.Data["api_key"] + ". Keep it server side."
		} else {
			reply.Text = res.Message
		}
		return reply, nil

	case contains(text, "sandbox", "test environment", "test site"):
		res, _, err := run(ctx, b.exec, &reply, task.CustomerID, actions.Action{Kind: actions.ProvisionSandbox})
		if err != nil {
			return Reply{}, err
		}
		if res.OK() {
			reply.Text = "Your sandbox is ready at " + res.Data["sandbox_url"]
		} else {
			reply.Text = res.Message
		}
		return reply, nil
	}

	p, err := b.profiles.Get(ctx, task.CustomerID)
	if err != nil {
		return Reply{}, err
	}
	reply.attach(map[string]any{
		"type":              "subscription",
		"subscription_tier": string(p.Tier),
		"subscription_ref":  p.SubscriptionRef,
	})
	switch p.Tier {
	case customer.TierNone:
		reply.Text = "You do not have a subscription yet. Ask me to get you started and I will set up a 14 day trial."
	case customer.TierTrial:
		reply.Text = fmt.Sprintf("You are on a trial subscription (%s). No charges apply until you upgrade to a paid plan.", p.SubscriptionRef)
	default:
		reply.Text = fmt.Sprintf("You are on a paid subscription (%s). Invoices are issued monthly and listed in the dashboard.", p.SubscriptionRef)
	}
	return reply, nil
}
