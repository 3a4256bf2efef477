package notifier

import (
	"context"
	"encoding/json"
	"log"

	"github.com/getsentry/sentry-go"
	"github.com/trunov/grouphub/internal/entities"
	"github.com/trunov/grouphub/internal/keystore"
	"github.com/trunov/grouphub/internal/metrics"
)

// TopicPublisher sends a change notification to the external topic.
type TopicPublisher interface {
	Enqueue(ctx context.Context, payload any) error
}

// Notifier tails the store's change feed and republishes job-record
// transitions to the notification topic. Records whose key matches
// neither the current grouping-job pattern nor the legacy job pattern are
// dropped without error.
type Notifier struct {
	topic TopicPublisher
}

func New(topic TopicPublisher) *Notifier {
	return &Notifier{topic: topic}
}

// jobState is the subset of a job record the topic message carries.
type jobState struct {
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
}

// Handle processes one change-feed record. Publishes on every matching
// create/modify regardless of which fields changed; deletes are skipped.
func (n *Notifier) Handle(ctx context.Context, payload []byte) error {
	var rec keystore.ChangeRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		log.Printf("[notifier] dropping unparsable change record: %v", err)
		sentry.CaptureException(err)
		return nil
	}

	tenant, jobID, ok := keystore.ParseJobKey(rec.Key)
	if !ok {
		return nil
	}
	if rec.Action != keystore.ActionCreate && rec.Action != keystore.ActionModify {
		return nil
	}

	var state jobState
	if len(rec.After) > 0 {
		if err := json.Unmarshal(rec.After, &state); err != nil {
			log.Printf("[notifier] job %s/%s: unreadable after-image, publishing without state: %v", tenant, jobID, err)
		}
	}

	notification := entities.ChangeNotification{
		JobID:  jobID,
		Tenant: tenant,
		Status: state.Status,
		Result: state.Result,
	}
	if err := n.topic.Enqueue(ctx, notification); err != nil {
		return err
	}
	metrics.ChangeNotificationsPublished.Inc()
	return nil
}
