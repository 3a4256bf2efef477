package entities

import "time"

// Aggregate statuses. A batch starts collecting and ends in exactly one
// of the two terminal states.
const (
	StatusCollecting = "collecting"
	StatusCompleted  = "completed"
	StatusDisabled   = "disabled"
)

// Claim statuses.
const (
	ClaimPending  = "pending"
	ClaimDisabled = "disabled"
)

// ReasonGroupingDisabled is recorded on aggregates and claims that were
// short-circuited because grouping is turned off for the deployment.
const ReasonGroupingDisabled = "grouping-disabled"

// UploadAggregate is the running record for one upload batch,
// keyed TENANT#{tenant}#UPLOAD#{uploadID}.
type UploadAggregate struct {
	Tenant             string    `json:"tenant"`
	UploadID           string    `json:"upload_id"`
	Status             string    `json:"status"`
	ImageKeys          []string  `json:"image_keys"`
	CompletionMarkerAt time.Time `json:"completion_marker_at,omitempty"`
	Rearmed            bool      `json:"rearmed,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// MarkerSeen reports whether a completion marker has been recorded.
func (a *UploadAggregate) MarkerSeen() bool {
	return !a.CompletionMarkerAt.IsZero()
}

// GraceElapsed reports whether the grace period has passed since the
// completion marker was first observed.
func (a *UploadAggregate) GraceElapsed(now time.Time, grace time.Duration) bool {
	return a.MarkerSeen() && now.Sub(a.CompletionMarkerAt) >= grace
}

// GroupingClaim is the write-once marker whose conditional creation grants
// the exclusive right to enqueue one grouping job,
// keyed TENANT#{tenant}#GROUPING_JOB#{uploadID}.
type GroupingClaim struct {
	Tenant    string    `json:"tenant"`
	UploadID  string    `json:"upload_id"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Result    string    `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
