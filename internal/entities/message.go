package entities

import "time"

// Routed message kinds.
const (
	KindObject  = "object"
	KindTrigger = "trigger"
)

// RawNotification is one object-store "created" record as it arrives off
// the notification bus. Ephemeral, never persisted.
type RawNotification struct {
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	EventTime time.Time `json:"event_time"`
}

// RoutedMessage is the normalized, shard-addressed form the router emits.
type RoutedMessage struct {
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Tenant    string    `json:"tenant"`
	UploadID  string    `json:"upload_id"`
	Kind      string    `json:"type"`
	EventTime time.Time `json:"event_time"`
}

// ThumbnailSize is the thumbnail geometry passed along to the grouping
// worker.
type ThumbnailSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// WorkRequest is emitted at most once per batch, immediately after a
// successful claim, with the full image snapshot at claim time.
type WorkRequest struct {
	JobID                     string        `json:"jobId"`
	Tenant                    string        `json:"tenant"`
	Images                    []string      `json:"images"`
	ThumbnailSize             ThumbnailSize `json:"thumbnailSize"`
	SimilarityThreshold       float64       `json:"similarityThreshold"`
	IncludeExistingEmbeddings bool          `json:"includeExistingEmbeddings"`
	ExpectedImageCount        int           `json:"expectedImageCount,omitempty"`
	ClientTag                 string        `json:"clientTag,omitempty"`
}

// Worker-facing defaults.
const (
	DefaultThumbnailWidth      = 256
	DefaultThumbnailHeight     = 256
	DefaultSimilarityThreshold = 0.92
)

// NewWorkRequest builds a WorkRequest with the standard defaults applied.
func NewWorkRequest(tenant, uploadID string, images []string) WorkRequest {
	return WorkRequest{
		JobID:                     uploadID,
		Tenant:                    tenant,
		Images:                    images,
		ThumbnailSize:             ThumbnailSize{Width: DefaultThumbnailWidth, Height: DefaultThumbnailHeight},
		SimilarityThreshold:       DefaultSimilarityThreshold,
		IncludeExistingEmbeddings: true,
	}
}

// ChangeNotification is republished to the external notification topic for
// every recognized job-record change.
type ChangeNotification struct {
	JobID  string `json:"jobId"`
	Tenant string `json:"tenant"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
}

// MarkerMetadata is the optional payload clients write into the completion
// marker object.
type MarkerMetadata struct {
	ExpectedImageCount int    `json:"expected_image_count,omitempty"`
	ClientTag          string `json:"client_tag,omitempty"`
}
