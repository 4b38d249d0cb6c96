package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/refset/aegis/internal/ticketing"
)

// Feedback thanks customers for praise and files a ticket for complaints.
// Tickets are keyed by customer and message digest, so a redelivered task
// reuses the same ticket.
type Feedback struct {
	tickets ticketing.Client
}

func NewFeedback(tickets ticketing.Client) *Feedback {
	return &Feedback{tickets: tickets}
}

func (f *Feedback) Name() string { return FeedbackEndpoint }

func feedbackKey(customerID, text string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	return customerID + ":feedback:" + hex.EncodeToString(sum[:6])
}

func (f *Feedback) Handle(ctx context.Context, task Task) (Reply, error) {
	text := strings.ToLower(task.Text)
	if contains(text, "thank", "great", "helpful", "love", "awesome") &&
		!contains(text, "not helpful", "unhelpful", "not great") {
		return Reply{
			Text:     "Thank you for the kind words! We have passed them on to the team.",
			Metadata: map[string]string{"feedback_type": "positive"},
		}, nil
	}

	summary := "Customer feedback from " + task.CustomerID + ": " + truncate(task.Text, 120)
	ref, err := f.tickets.CreateOrGetTicket(ctx, feedbackKey(task.CustomerID, task.Text), summary)
	if err != nil {
		return Reply{
			Text:     "Thanks for telling us. I could not log this right now, please try again shortly.",
			Metadata: map[string]string{"feedback_type": "negative", "degraded": "true"},
		}, nil
	}
	return Reply{
		Text:        fmt.Sprintf("I'm sorry this has not gone well. I have logged your feedback as %s and the team will follow up.", ref),
		Attachments: []map[string]any{{"type": "ticket", "ticket_ref": ref}},
		Metadata:    map[string]string{"feedback_type": "negative", "ticket_ref": ref},
	}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
