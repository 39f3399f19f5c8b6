package tasks

// Task types
const (
	TypeProcessRenewals = "renewals:process"
	TypeHealthCheck     = "health:check"
)

// Queue names by priority
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// ProcessRenewalsPayload represents the payload for a renewal processing run.
// AsOf is an RFC3339 timestamp; when empty the handler uses the current time.
type ProcessRenewalsPayload struct {
	AsOf string `json:"as_of,omitempty"`
}
