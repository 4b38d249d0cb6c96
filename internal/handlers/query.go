package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/refset/aegis/internal/actions"
)

type article struct {
	title    string
	keywords []string
	body     string
}

// knowledge is searched in order; the first article with a matching keyword answers.
var knowledge = []article{
	{
		title:    "API Authentication",
		keywords: []string{"auth", "401", "api key", "credential"},
		body:     "Send your API key as the basic auth username with an empty password. Test keys (sk_test_) only work against your test site.",
	},
	{
		title:    "Webhooks",
		keywords: []string{"webhook", "callback", "event"},
		body:     "Register a webhook endpoint in the dashboard and verify each delivery by its event id; deliveries are retried for up to 2 days.",
	},
	{
		title:    "Rate Limits",
		keywords: []string{"rate limit", "429", "throttl"},
		body:     "Test sites allow 150 requests per minute. On a 429, back off and retry after the interval in the Retry-After header.",
	},
	{
		title:    "Migration Best Practices",
		keywords: []string{"migrat", "import", "legacy"},
		body:     "Import customers first, then subscriptions, then historical invoices. Run the import against the test site before production.",
	},
	{
		title:    "Getting Started Guide",
		keywords: []string{"how do i", "how to", "guide", "docs", "documentation"},
		body:     "Create a trial, generate a test key, make your first API call, then configure webhooks. Each step is in the getting started guide.",
	},
}

// QueryResolution answers general support questions. It diagnoses
// integration errors, applies a fix when asked, and otherwise answers from
// the knowledge articles. It is the fallback handler.
type QueryResolution struct {
	exec Executor
}

func NewQueryResolution(exec Executor) *QueryResolution {
	return &QueryResolution{exec: exec}
}

func (q *QueryResolution) Name() string { return QueryResolutionEndpoint }

func (q *QueryResolution) Handle(ctx context.Context, task Task) (Reply, error) {
	text := strings.ToLower(task.Text)
	var reply Reply

	switch {
	case contains(text, "apply the fix", "apply fix", "fix it", "fix my"):
		res, _, err := run(ctx, q.exec, &reply, task.CustomerID, actions.Action{Kind: actions.ApplyFix})
		if err != nil {
			return Reply{}, err
		}
		switch res.Status {
		case actions.StatusPendingApproval:
			reply.Text = fmt.Sprintf("Applying a fix changes your account configuration, so a teammate has to approve it first (request %s). I will apply it as soon as it is approved.", res.ApprovalID)
		case actions.StatusCompleted, actions.StatusNoop:
			reply.Text = "The fix is in place. Retry your failing calls and let me know if errors persist."
		default:
			reply.Text = res.Message
		}
		return reply, nil

	case contains(text, "error", "fail", "not working", "broken", "401", "403", "500", "exception"):
		res, _, err := run(ctx, q.exec, &reply, task.CustomerID, actions.Action{Kind: actions.DiagnoseError})
		if err != nil {
			return Reply{}, err
		}
		if !res.OK() {
			reply.Text = res.Message
			return reply, nil
		}
		reply.attach(map[string]any{"type": "diagnosis", "findings": res.Data})
		reply.Text = fmt.Sprintf("I looked at your integration: %s (error rate %s over %s calls). Say \"apply the fix\" if you want me to correct it.",
			res.Data["finding"], res.Data["error_rate"], res.Data["total_api_calls"])
		return reply, nil
	}

	for _, a := range knowledge {
		if contains(text, a.keywords...) {
			reply.attach(map[string]any{"type": "article", "title": a.title})
			reply.Text = a.title + ": " + a.body
			return reply, nil
		}
	}
	reply.Text = "I could not find a specific answer to that. I have noted your question and a support engineer will follow up."
	return reply, nil
}
