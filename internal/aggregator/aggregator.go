package aggregator

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/trunov/grouphub/internal/config"
	"github.com/trunov/grouphub/internal/entities"
	"github.com/trunov/grouphub/internal/keystore"
	"github.com/trunov/grouphub/internal/metrics"
)

// Producer is the slice of the queue producer the aggregator needs: plain
// sends to the worker stream and delayed self-sends back onto its own
// shard stream.
type Producer interface {
	Enqueue(ctx context.Context, payload any) error
	EnqueueDelayed(ctx context.Context, payload any, delay time.Duration) error
}

// MarkerFetcher reads the optional client metadata out of an uploaded
// completion-marker object.
type MarkerFetcher interface {
	FetchMarker(ctx context.Context, bucket, key string) (*entities.MarkerMetadata, error)
}

// Ledger records an audit row per emitted work request.
type Ledger interface {
	RecordWorkRequest(ctx context.Context, wr entities.WorkRequest) error
}

// Aggregator consumes routed messages from one shard stream, maintains the
// per-batch upload aggregate and runs completion detection. Any number of
// instances may consume the same stream concurrently; exactly-once
// triggering comes from the store's conditional writes, never from locks.
type Aggregator struct {
	store    *keystore.Store
	self     Producer
	worker   Producer
	markers  MarkerFetcher
	ledger   Ledger
	grouping config.GroupingConfig

	now func() time.Time
}

func New(store *keystore.Store, self, worker Producer, markers MarkerFetcher, ledger Ledger, grouping config.GroupingConfig) *Aggregator {
	return &Aggregator{
		store:    store,
		self:     self,
		worker:   worker,
		markers:  markers,
		ledger:   ledger,
		grouping: grouping,
		now:      time.Now,
	}
}

// Handle processes one shard-stream delivery. Idempotent under
// re-execution with the same payload; every store write it performs is
// either naturally idempotent (append) or conditional (create-if-absent).
func (a *Aggregator) Handle(ctx context.Context, payload []byte) error {
	var msg entities.RoutedMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Printf("[aggregator] dropping unparsable message: %v", err)
		sentry.CaptureException(err)
		return nil
	}
	if msg.Tenant == "" || msg.UploadID == "" {
		log.Printf("[aggregator] dropping message without batch identity: key=%q", msg.Key)
		return nil
	}

	if a.grouping.EffectiveMode() == config.ModeDisabled {
		return a.handleDisabled(ctx, msg)
	}

	switch msg.Kind {
	case entities.KindObject:
		return a.handleObject(ctx, msg)
	case entities.KindTrigger:
		return a.handleTrigger(ctx, msg)
	default:
		log.Printf("[aggregator] dropping message with unknown type %q", msg.Kind)
		return nil
	}
}

// handleDisabled short-circuits a batch when grouping is off for the
// deployment: aggregate and claim are created directly in disabled status,
// image keys are still recorded for audit, and completion is never
// evaluated.
func (a *Aggregator) handleDisabled(ctx context.Context, msg entities.RoutedMessage) error {
	if _, err := a.store.CreateAggregateIfAbsent(ctx, msg.Tenant, msg.UploadID, entities.StatusDisabled); err != nil {
		return err
	}
	won, err := a.store.CreateClaim(ctx, entities.GroupingClaim{
		Tenant:    msg.Tenant,
		UploadID:  msg.UploadID,
		Status:    entities.ClaimDisabled,
		Reason:    entities.ReasonGroupingDisabled,
		CreatedAt: a.now().UTC(),
	})
	if err != nil {
		return err
	}
	if won {
		log.Printf("[aggregator] grouping disabled, batch %s/%s short-circuited", msg.Tenant, msg.UploadID)
	}
	if msg.Kind == entities.KindObject {
		return a.store.AppendImage(ctx, msg.Tenant, msg.UploadID, msg.Key)
	}
	return nil
}

// handleObject accumulates one image reference. Object messages never
// evaluate completion themselves; in timer mode the first one self-arms a
// delayed synthetic trigger on the same shard stream.
func (a *Aggregator) handleObject(ctx context.Context, msg entities.RoutedMessage) error {
	created, err := a.store.CreateAggregateIfAbsent(ctx, msg.Tenant, msg.UploadID, entities.StatusCollecting)
	if err != nil {
		return err
	}
	if err := a.store.AppendImage(ctx, msg.Tenant, msg.UploadID, msg.Key); err != nil {
		return err
	}

	if created && a.grouping.EffectiveMode() == config.ModeTimer {
		return a.armTimer(ctx, msg)
	}
	return nil
}

// armTimer enqueues a synthetic trigger back onto the same shard stream
// with the configured delivery delay.
func (a *Aggregator) armTimer(ctx context.Context, msg entities.RoutedMessage) error {
	trigger := entities.RoutedMessage{
		Bucket:    msg.Bucket,
		Tenant:    msg.Tenant,
		UploadID:  msg.UploadID,
		Kind:      entities.KindTrigger,
		EventTime: a.now().UTC(),
	}
	return a.self.EnqueueDelayed(ctx, trigger, a.grouping.TimerDelay)
}

// handleTrigger runs the completion state machine:
//
//	marker unset  -> record it, return (no grouping on this invocation)
//	marker set    -> grace elapsed? attempt the claim : return
//
// Timer mode re-arms exactly one extra delayed trigger when the marker is
// first recorded, so the grace check fires without relying on client
// redelivery.
func (a *Aggregator) handleTrigger(ctx context.Context, msg entities.RoutedMessage) error {
	// A marker can legitimately arrive before any object message.
	if _, err := a.store.CreateAggregateIfAbsent(ctx, msg.Tenant, msg.UploadID, entities.StatusCollecting); err != nil {
		return err
	}
	agg, err := a.store.GetAggregate(ctx, msg.Tenant, msg.UploadID)
	if err != nil {
		return err
	}
	if agg.Status != entities.StatusCollecting {
		// terminal state, nothing left to decide
		return nil
	}

	now := a.now().UTC()
	setNow, err := a.store.SetMarkerAtIfUnset(ctx, msg.Tenant, msg.UploadID, now)
	if err != nil {
		return err
	}
	if setNow {
		if a.grouping.EffectiveMode() == config.ModeTimer && !agg.Rearmed {
			rearm, err := a.store.SetRearmedIfUnset(ctx, msg.Tenant, msg.UploadID)
			if err != nil {
				return err
			}
			if rearm {
				return a.armTimer(ctx, msg)
			}
		}
		return nil
	}

	// Lost the marker race against a concurrent trigger: reload so the
	// grace comparison uses the winning timestamp.
	if !agg.MarkerSeen() {
		agg, err = a.store.GetAggregate(ctx, msg.Tenant, msg.UploadID)
		if err != nil {
			return err
		}
	}
	if !agg.GraceElapsed(now, a.grouping.GracePeriod) {
		// a future redelivered trigger re-evaluates
		return nil
	}

	return a.claimAndEnqueue(ctx, msg)
}

// claimAndEnqueue performs the conditional claim and, on winning it, emits
// the single work request for the batch with the full image snapshot at
// claim time.
func (a *Aggregator) claimAndEnqueue(ctx context.Context, msg entities.RoutedMessage) error {
	won, err := a.store.CreateClaim(ctx, entities.GroupingClaim{
		Tenant:    msg.Tenant,
		UploadID:  msg.UploadID,
		Status:    entities.ClaimPending,
		CreatedAt: a.now().UTC(),
	})
	if err != nil {
		return err
	}
	if !won {
		// another invocation already triggered grouping
		metrics.ClaimsLost.Inc()
		return nil
	}
	metrics.ClaimsWon.Inc()

	agg, err := a.store.GetAggregate(ctx, msg.Tenant, msg.UploadID)
	if err != nil {
		return err
	}
	wr := entities.NewWorkRequest(msg.Tenant, msg.UploadID, dedupe(agg.ImageKeys))
	a.attachMarkerMetadata(ctx, msg, &wr)

	// The claim is irrevocable, so get the work request out before
	// anything else can fail.
	if err := a.enqueueWork(ctx, wr); err != nil {
		return err
	}
	metrics.WorkRequestsEmitted.Inc()

	if err := a.store.SetAggregateStatus(ctx, msg.Tenant, msg.UploadID, entities.StatusCompleted); err != nil {
		log.Printf("[aggregator] batch %s/%s: completed status write failed: %v", msg.Tenant, msg.UploadID, err)
		sentry.CaptureException(err)
	}
	if a.ledger != nil {
		if err := a.ledger.RecordWorkRequest(ctx, wr); err != nil {
			log.Printf("[aggregator] batch %s/%s: ledger insert failed: %v", msg.Tenant, msg.UploadID, err)
			sentry.CaptureException(err)
		}
	}
	log.Printf("[aggregator] batch %s/%s: grouping enqueued with %d images", msg.Tenant, msg.UploadID, len(wr.Images))
	return nil
}

// enqueueWork sends the work request, retrying inline a few times: a
// failure here after a won claim would otherwise leave the batch claimed
// but untriggered, since redeliveries no-op against the existing claim.
func (a *Aggregator) enqueueWork(ctx context.Context, wr entities.WorkRequest) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = a.worker.Enqueue(ctx, wr); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	sentry.CaptureException(err)
	return err
}

// attachMarkerMetadata reads optional client metadata from the marker
// object. Best effort: grouping proceeds without it on any failure.
func (a *Aggregator) attachMarkerMetadata(ctx context.Context, msg entities.RoutedMessage, wr *entities.WorkRequest) {
	if a.markers == nil || msg.Key == "" || msg.Bucket == "" {
		return
	}
	meta, err := a.markers.FetchMarker(ctx, msg.Bucket, msg.Key)
	if err != nil {
		log.Printf("[aggregator] batch %s/%s: marker fetch failed: %v", msg.Tenant, msg.UploadID, err)
		return
	}
	if meta != nil {
		wr.ExpectedImageCount = meta.ExpectedImageCount
		wr.ClientTag = meta.ClientTag
	}
}

// dedupe collapses redelivery duplicates while preserving first-seen
// order.
func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
