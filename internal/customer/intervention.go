package customer

import "time"

type InterventionKind string

const (
	KindOnboardingCheckIn InterventionKind = "onboarding_check_in"
	KindErrorDebugging    InterventionKind = "error_debugging"
	KindRetentionOutreach InterventionKind = "retention_outreach"
	KindUpsellSuggestion  InterventionKind = "upsell_suggestion"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type InterventionStatus string

const (
	InterventionOpen     InterventionStatus = "open"
	InterventionResolved InterventionStatus = "resolved"
)

// Intervention is a proactively raised notice about a customer. At most one
// open intervention exists per DedupKey.
type Intervention struct {
	ID                string             `json:"id"`
	CustomerID        string             `json:"customer_id"`
	Kind              InterventionKind   `json:"kind"`
	Priority          Priority           `json:"priority"`
	Message           string             `json:"message"`
	DedupKey          string             `json:"dedup_key"`
	Status            InterventionStatus `json:"status"`
	ExternalTicketRef string             `json:"external_ticket_ref,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	ResolvedAt        *time.Time         `json:"resolved_at,omitempty"`
}

// DedupKey derives the deduplication key from customer and kind only, so new
// kinds never collide with existing ones.
func DedupKey(customerID string, kind InterventionKind) string {
	return customerID + ":" + string(kind)
}
