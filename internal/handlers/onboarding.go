package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/refset/aegis/internal/actions"
	"github.com/refset/aegis/internal/billing"
	"github.com/refset/aegis/internal/customer"
)

// Onboarding takes a new customer from sign-up to a working test key: trial
// subscription, test API key, then the setup email.
type Onboarding struct {
	profiles Profiles
	exec     Executor
}

func NewOnboarding(profiles Profiles, exec Executor) *Onboarding {
	return &Onboarding{profiles: profiles, exec: exec}
}

func (o *Onboarding) Name() string { return OnboardingEndpoint }

func (o *Onboarding) Handle(ctx context.Context, task Task) (Reply, error) {
	p, err := o.profiles.Get(ctx, task.CustomerID)
	if err != nil {
		return Reply{}, err
	}
	reply := Reply{Metadata: map[string]string{"stage_before": string(p.Stage)}}

	if p.Stage == customer.StageActive {
		reply.Text = "Your integration is live and we are seeing API traffic. " +
			"When you are ready for production, ask for a production key and we will issue one."
		return reply, nil
	}

	var lines []string
	steps := []actions.Action{
		{Kind: actions.CreateTrialSubscription},
		{Kind: actions.GenerateAPIKeys, Params: map[string]string{"environment": billing.EnvTest}},
		{Kind: actions.SendSetupEmail},
	}
	if strings.Contains(strings.ToLower(task.Text), "sandbox") {
		steps = append(steps, actions.Action{Kind: actions.ProvisionSandbox})
	}

	for _, step := range steps {
		res, ok, err := run(ctx, o.exec, &reply, task.CustomerID, step)
		if err != nil {
			return Reply{}, err
		}
		if !ok {
			lines = append(lines, res.Message)
			break
		}
		lines = append(lines, describe(res))
		switch step.Kind {
		case actions.GenerateAPIKeys:
			reply.attach(map[string]any{"type": "api_key", "environment": res.Data["environment"], "api_key": res.Data["api_key"]})
		case actions.ProvisionSandbox:
			reply.attach(map[string]any{"type": "sandbox", "sandbox_url": res.Data["sandbox_url"]})
		}
	}

	reply.Text = "Welcome aboard! Here is where you stand:\n- " + strings.Join(lines, "\n- ") +
		"\nNext step: make your first API call with the test key using it as the basic auth username."
	return reply, nil
}

func describe(res actions.Result) string {
	switch res.Action {
	case actions.CreateTrialSubscription:
		if res.Status == actions.StatusNoop {
			return fmt.Sprintf("Your subscription %s is already active.", res.Data["subscription_id"])
		}
		return fmt.Sprintf("Trial subscription %s created (14 days).", res.Data["subscription_id"])
	case actions.GenerateAPIKeys:
		if res.Status == actions.StatusNoop {
			return fmt.Sprintf("Your %s API key is %s.", res.Data["environment"], res.Data["api_key"])
		}
		return fmt.Sprintf("Generated your %s API key: %s", res.Data["environment"], res.Data["api_key"])
	case actions.SendSetupEmail:
		if res.Status == actions.StatusNoop {
			return "Setup instructions were already emailed to you."
		}
		return "Setup instructions are on their way to your inbox."
	case actions.ProvisionSandbox:
		return fmt.Sprintf("Your sandbox is ready at %s", res.Data["sandbox_url"])
	}
	return res.Message
}
