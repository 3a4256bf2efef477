package handler

// StatusParams identifies one upload batch in the status read endpoint.
type StatusParams struct {
	Tenant   string `validate:"required,max=64"`
	UploadID string `validate:"required,max=128"`
}

// StatusResponse is the poller-facing view of an upload aggregate.
type StatusResponse struct {
	Tenant             string   `json:"tenant"`
	UploadID           string   `json:"upload_id"`
	Status             string   `json:"status"`
	ImageCount         int      `json:"image_count"`
	Images             []string `json:"images,omitempty"`
	CompletionMarkerAt string   `json:"completion_marker_at,omitempty"`
	ClaimStatus        string   `json:"claim_status,omitempty"`
	ClaimReason        string   `json:"claim_reason,omitempty"`
}

// AcceptedResponse acknowledges an ingested notification envelope.
type AcceptedResponse struct {
	Accepted bool `json:"accepted"`
}
