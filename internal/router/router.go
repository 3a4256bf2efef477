package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/trunov/grouphub/internal/entities"
	"github.com/trunov/grouphub/internal/keystore"
	"github.com/trunov/grouphub/internal/metrics"
)

// ShardProducer sends a routed message to one shard stream.
type ShardProducer interface {
	Enqueue(ctx context.Context, payload any) error
}

// Router is the stateless classifier between the object-store notification
// bus and the shard streams. Every message for a given (tenant, uploadID)
// lands on the same stream, which bounds concurrent mutation of one batch
// to one stream's consumers.
type Router struct {
	shards []ShardProducer
}

func New(shards []ShardProducer) *Router {
	return &Router{shards: shards}
}

// eventEnvelope is the S3-style notification body: a Records array, either
// bare or wrapped one level deep in a {"Message": "..."} envelope by the
// bus.
type eventEnvelope struct {
	Message string        `json:"Message,omitempty"`
	Records []eventRecord `json:"Records,omitempty"`
}

type eventRecord struct {
	EventTime time.Time `json:"eventTime"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

// ParseEnvelope unwraps a delivery body into raw notifications.
func ParseEnvelope(body []byte) ([]entities.RawNotification, error) {
	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Message != "" && len(env.Records) == 0 {
		if err := json.Unmarshal([]byte(env.Message), &env); err != nil {
			return nil, fmt.Errorf("unmarshal inner message: %w", err)
		}
	}
	if len(env.Records) == 0 {
		return nil, fmt.Errorf("envelope has no records")
	}

	out := make([]entities.RawNotification, 0, len(env.Records))
	for _, r := range env.Records {
		out = append(out, entities.RawNotification{
			Bucket:    r.S3.Bucket.Name,
			Key:       r.S3.Object.Key,
			EventTime: r.EventTime,
		})
	}
	return out, nil
}

// Handle is the ingest-stream consumer handler. Malformed envelopes are
// dropped (redelivering them cannot help); shard send failures are
// returned so the consumer's retry path redelivers the whole envelope,
// which is safe because classification is pure.
func (r *Router) Handle(ctx context.Context, payload []byte) error {
	notifications, err := ParseEnvelope(payload)
	if err != nil {
		log.Printf("[router] dropping malformed envelope: %v", err)
		metrics.NotificationsDropped.WithLabelValues("malformed").Inc()
		return nil
	}

	for _, n := range notifications {
		if err := r.route(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) route(ctx context.Context, n entities.RawNotification) error {
	tenant, uploadID, kind, ok := Classify(n.Key)
	if !ok {
		// thumbnails and other incidental objects live alongside uploads
		metrics.NotificationsDropped.WithLabelValues("outside_namespace").Inc()
		return nil
	}

	idx := keystore.ShardIndex(tenant, uploadID, len(r.shards))
	msg := entities.RoutedMessage{
		Bucket:    n.Bucket,
		Key:       n.Key,
		Tenant:    tenant,
		UploadID:  uploadID,
		Kind:      kind,
		EventTime: n.EventTime,
	}
	if err := r.shards[idx].Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("send to shard %d: %w", idx, err)
	}
	metrics.NotificationsRouted.Inc()
	return nil
}
