package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DelayMoverInterval is how often the delay mover polls for due entries.
const DelayMoverInterval = time.Second

// Producer appends JSON payloads to a Redis Stream. Delayed delivery goes
// through a per-stream sorted set ("{stream}:delayed", score = due time)
// that a mover loop promotes onto the stream once due — self-scheduling
// without dedicated timer infrastructure.
type Producer struct {
	rc     redis.UniversalClient
	stream string
	maxLen int64
}

func NewProducer(rc redis.UniversalClient, stream string, maxLen int64) *Producer {
	return &Producer{rc: rc, stream: stream, maxLen: maxLen}
}

func (p *Producer) Stream() string { return p.stream }

// Enqueue marshals the payload and appends it to the stream.
func (p *Producer) Enqueue(ctx context.Context, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", p.stream, err)
	}
	return p.rc.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"payload": string(raw), "attempt": 0},
	}).Err()
}

type delayedEntry struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// EnqueueDelayed schedules the payload for delivery no earlier than
// now+delay. The entry is durable immediately; only its promotion onto
// the stream waits.
func (p *Producer) EnqueueDelayed(ctx context.Context, payload any, delay time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal delayed payload for %s: %w", p.stream, err)
	}
	entry, err := json.Marshal(delayedEntry{ID: uuid.NewString(), Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal delayed entry for %s: %w", p.stream, err)
	}
	return p.rc.ZAdd(ctx, p.stream+":delayed", redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: string(entry),
	}).Err()
}

// MoveDue promotes every delayed entry whose due time has passed onto the
// stream. Returns how many were promoted. Concurrent movers are safe: ZREM
// returns 0 for the loser, which then skips the XADD.
func (p *Producer) MoveDue(ctx context.Context, now time.Time) (int, error) {
	key := p.stream + ":delayed"
	members, err := p.rc.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed for %s: %w", p.stream, err)
	}

	moved := 0
	for _, m := range members {
		removed, err := p.rc.ZRem(ctx, key, m).Result()
		if err != nil {
			return moved, fmt.Errorf("claim delayed entry for %s: %w", p.stream, err)
		}
		if removed == 0 {
			continue
		}
		var entry delayedEntry
		if err := json.Unmarshal([]byte(m), &entry); err != nil {
			continue
		}
		err = p.rc.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]any{"payload": string(entry.Payload), "attempt": 0},
		}).Err()
		if err != nil {
			return moved, fmt.Errorf("promote delayed entry for %s: %w", p.stream, err)
		}
		moved++
	}
	return moved, nil
}

// RunDelayMover polls the delay set until the context is canceled.
func (p *Producer) RunDelayMover(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if _, err := p.MoveDue(ctx, now); err != nil && ctx.Err() == nil {
				log.Printf("[%s] delay mover: %v", p.stream, err)
			}
		}
	}
}
