package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trunov/grouphub/internal/entities"
)

// Change-feed actions.
const (
	ActionCreate = "create"
	ActionModify = "modify"
)

// ChangeRecord is one entry on the change-feed stream: a write to the
// store, keyed by the record it touched.
type ChangeRecord struct {
	Key    string          `json:"key"`
	Action string          `json:"action"`
	After  json.RawMessage `json:"after,omitempty"`
}

// Store is the shared key-value layer over Redis. Correctness of the
// pipeline rests on two of its primitives: create-if-absent conditional
// writes (SETNX/HSETNX) and single-key atomic list appends (RPUSH). No
// method holds any lock; concurrent writers are serialized per key by
// Redis itself.
//
// Every mutating write also appends a ChangeRecord to the change-feed
// stream, which the notifier tails.
type Store struct {
	rc           redis.UniversalClient
	changeStream string
	maxLen       int64

	now func() time.Time
}

func NewStore(rc redis.UniversalClient, changeStream string, maxLen int64) *Store {
	return &Store{
		rc:           rc,
		changeStream: changeStream,
		maxLen:       maxLen,
		now:          time.Now,
	}
}

// CreateAggregateIfAbsent creates the upload aggregate in the given status
// if no aggregate exists yet. Reports whether this call was the one that
// created it. Safe under concurrent delivery: HSETNX on the status field
// is the existence gate, so exactly one caller wins.
func (s *Store) CreateAggregateIfAbsent(ctx context.Context, tenant, uploadID, status string) (bool, error) {
	key := AggregateKey(tenant, uploadID)
	created, err := s.rc.HSetNX(ctx, key, "status", status).Result()
	if err != nil {
		return false, fmt.Errorf("create aggregate %s: %w", key, err)
	}
	if !created {
		return false, nil
	}
	ts := s.now().UTC().Format(time.RFC3339Nano)
	if err := s.rc.HSet(ctx, key, "created_at", ts, "updated_at", ts).Err(); err != nil {
		return true, fmt.Errorf("stamp aggregate %s: %w", key, err)
	}
	s.emitChange(ctx, key, ActionCreate, map[string]string{"status": status, "created_at": ts})
	return true, nil
}

// AppendImage appends one object key to the aggregate's image list.
// RPUSH serializes concurrent appends on the single list record, so
// nothing is lost under concurrent writers.
func (s *Store) AppendImage(ctx context.Context, tenant, uploadID, imageKey string) error {
	if err := s.rc.RPush(ctx, ImagesKey(tenant, uploadID), imageKey).Err(); err != nil {
		return fmt.Errorf("append image to %s: %w", ImagesKey(tenant, uploadID), err)
	}
	key := AggregateKey(tenant, uploadID)
	ts := s.now().UTC().Format(time.RFC3339Nano)
	if err := s.rc.HSet(ctx, key, "updated_at", ts).Err(); err != nil {
		return fmt.Errorf("touch aggregate %s: %w", key, err)
	}
	s.emitChange(ctx, key, ActionModify, map[string]string{"image_added": imageKey})
	return nil
}

// SetMarkerAtIfUnset records the first observation of the completion
// marker. Reports whether this call set it; duplicate triggers see false
// and reuse the original timestamp.
func (s *Store) SetMarkerAtIfUnset(ctx context.Context, tenant, uploadID string, at time.Time) (bool, error) {
	key := AggregateKey(tenant, uploadID)
	set, err := s.rc.HSetNX(ctx, key, "completion_marker_at", at.UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return false, fmt.Errorf("set marker on %s: %w", key, err)
	}
	if set {
		s.emitChange(ctx, key, ActionModify, map[string]string{"completion_marker_at": at.UTC().Format(time.RFC3339Nano)})
	}
	return set, nil
}

// SetRearmedIfUnset flips the one-shot re-arm gate used by timer mode.
func (s *Store) SetRearmedIfUnset(ctx context.Context, tenant, uploadID string) (bool, error) {
	key := AggregateKey(tenant, uploadID)
	set, err := s.rc.HSetNX(ctx, key, "rearmed", "1").Result()
	if err != nil {
		return false, fmt.Errorf("set rearmed on %s: %w", key, err)
	}
	return set, nil
}

// SetAggregateStatus moves the aggregate into a (terminal) status.
func (s *Store) SetAggregateStatus(ctx context.Context, tenant, uploadID, status string) error {
	key := AggregateKey(tenant, uploadID)
	ts := s.now().UTC().Format(time.RFC3339Nano)
	if err := s.rc.HSet(ctx, key, "status", status, "updated_at", ts).Err(); err != nil {
		return fmt.Errorf("set status on %s: %w", key, err)
	}
	s.emitChange(ctx, key, ActionModify, map[string]string{"status": status})
	return nil
}

// GetAggregate loads the aggregate and its image list. Returns (nil, nil)
// when no record exists.
func (s *Store) GetAggregate(ctx context.Context, tenant, uploadID string) (*entities.UploadAggregate, error) {
	key := AggregateKey(tenant, uploadID)
	fields, err := s.rc.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("load aggregate %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	images, err := s.rc.LRange(ctx, ImagesKey(tenant, uploadID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load images for %s: %w", key, err)
	}

	agg := &entities.UploadAggregate{
		Tenant:    tenant,
		UploadID:  uploadID,
		Status:    fields["status"],
		ImageKeys: images,
		Rearmed:   fields["rearmed"] == "1",
	}
	agg.CreatedAt = parseTime(fields["created_at"])
	agg.UpdatedAt = parseTime(fields["updated_at"])
	agg.CompletionMarkerAt = parseTime(fields["completion_marker_at"])
	return agg, nil
}

// CreateClaim attempts the write-once conditional creation of the
// grouping claim. Returns true only for the single winning caller; losing
// the race is the expected outcome under duplicate delivery, not an error.
func (s *Store) CreateClaim(ctx context.Context, claim entities.GroupingClaim) (bool, error) {
	key := ClaimKey(claim.Tenant, claim.UploadID)
	raw, err := json.Marshal(claim)
	if err != nil {
		return false, fmt.Errorf("marshal claim %s: %w", key, err)
	}
	won, err := s.rc.SetNX(ctx, key, raw, 0).Result()
	if err != nil {
		return false, fmt.Errorf("create claim %s: %w", key, err)
	}
	if won {
		s.emitChange(ctx, key, ActionCreate, json.RawMessage(raw))
	}
	return won, nil
}

// GetClaim loads the claim record, or (nil, nil) when none exists.
func (s *Store) GetClaim(ctx context.Context, tenant, uploadID string) (*entities.GroupingClaim, error) {
	key := ClaimKey(tenant, uploadID)
	raw, err := s.rc.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load claim %s: %w", key, err)
	}
	var claim entities.GroupingClaim
	if err := json.Unmarshal([]byte(raw), &claim); err != nil {
		return nil, fmt.Errorf("unmarshal claim %s: %w", key, err)
	}
	return &claim, nil
}

// emitChange appends a record to the change feed. The feed is
// best-effort relative to the store write (two operations, not a
// transaction); a crash between them loses one feed entry, which the
// at-least-once notifier contract tolerates.
func (s *Store) emitChange(ctx context.Context, key, action string, after any) {
	rec := ChangeRecord{Key: key, Action: action}
	if after != nil {
		raw, err := json.Marshal(after)
		if err == nil {
			rec.After = raw
		}
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = s.rc.XAdd(ctx, &redis.XAddArgs{
		Stream: s.changeStream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{"payload": string(payload)},
	}).Err()
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
