package queue

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"github.com/trunov/grouphub/internal/metrics"
)

// Handler processes one delivered payload. Returning an error requeues the
// message with backoff until MaxAttempts, after which it is dead-lettered.
// Returning nil acknowledges it.
type Handler func(ctx context.Context, payload []byte) error

// Options configures one stream consumer.
type Options struct {
	Stream       string
	Group        string
	Consumer     string
	Workers      int
	MaxAttempts  int
	MaxLen       int64
	BackoffBase  time.Duration
	BlockTimeout time.Duration
	DeadLetter   string
}

// Consumer pulls from a Redis Stream through a consumer group and hands
// each payload to a Handler. Delivery is at-least-once: a message stays in
// the group's pending list until XACK, and crashed consumers' entries are
// adopted via XAUTOCLAIM on startup.
type Consumer struct {
	rc      redis.UniversalClient
	opts    Options
	handler Handler
}

func NewConsumer(rc redis.UniversalClient, opts Options, handler Handler) *Consumer {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 5 * time.Second
	}
	return &Consumer{rc: rc, opts: opts, handler: handler}
}

func (c *Consumer) EnsureGroup(ctx context.Context) error {
	// MkStream so group creation works before any message exists.
	err := c.rc.XGroupCreateMkStream(ctx, c.opts.Stream, c.opts.Group, "0").Err()
	// BUSYGROUP means the group already exists.
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (c *Consumer) Start(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("failed to ensure Redis group: %w", err)
	}

	log.Printf("[%s] starting consumer group=%s workers=%d",
		c.opts.Stream, c.opts.Group, c.opts.Workers,
	)

	// Adopt orphaned pending messages from crashed consumers.
	c.autoClaim(ctx)

	errCh := make(chan error, c.opts.Workers)
	for i := 0; i < c.opts.Workers; i++ {
		go func() {
			errCh <- c.loop(ctx)
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("worker loop exited with error: %w", err)
		}
		return nil
	}
}

// autoClaim scans the consumer group for messages that were delivered to
// another consumer but never acknowledged (crash before XACK) and takes
// ownership so they get retried.
func (c *Consumer) autoClaim(ctx context.Context) {
	next := "0-0"

	minIdle := 30 * time.Second
	if t := c.opts.BlockTimeout * 6; t > minIdle {
		minIdle = t
	}

	for {
		msgs, start, err := c.rc.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.opts.Stream,
			Group:    c.opts.Group,
			Consumer: c.opts.Consumer,
			MinIdle:  minIdle,
			Start:    next,
			Count:    100,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[%s] autoclaim failed: %v", c.opts.Stream, err)
			}
			return
		}
		for _, m := range msgs {
			log.Printf("[%s] adopted orphaned message %s", c.opts.Stream, m.ID)
			c.handle(ctx, m)
		}
		if len(msgs) == 0 || start == "0-0" {
			return
		}
		next = start
	}
}

func (c *Consumer) loop(ctx context.Context) error {
	for {
		streams, err := c.rc.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.opts.Group,
			Consumer: c.opts.Consumer,
			Streams:  []string{c.opts.Stream, ">"},
			Count:    1,
			Block:    c.opts.BlockTimeout,
		}).Result()
		if err != nil && err != redis.Nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				c.handle(ctx, m)
			}
		}
	}
}

// handle runs the Handler for one delivery. The message is always acked
// here; redelivery of failed messages is our own backoff requeue (carrying
// the attempt counter), not the pending-entries list, so one poisoned
// message cannot wedge a shard.
func (c *Consumer) handle(ctx context.Context, m redis.XMessage) {
	defer c.rc.XAck(ctx, c.opts.Stream, c.opts.Group, m.ID)

	raw, ok := m.Values["payload"].(string)
	if !ok {
		log.Printf("[%s] message %s has no payload, dropping", c.opts.Stream, m.ID)
		return
	}
	attempt := toInt(m.Values["attempt"])

	err := c.handler(ctx, []byte(raw))
	if err == nil {
		return
	}

	if attempt+1 >= c.opts.MaxAttempts {
		c.deadLetter(ctx, raw, attempt+1, err)
		return
	}

	// capped exponential backoff requeue
	time.AfterFunc(c.backoffDelay(attempt), func() {
		requeueErr := c.rc.XAdd(context.Background(), &redis.XAddArgs{
			Stream: c.opts.Stream,
			MaxLen: c.opts.MaxLen,
			Approx: true,
			Values: map[string]any{"payload": raw, "attempt": attempt + 1},
		}).Err()
		if requeueErr != nil {
			log.Printf("[%s] requeue failed: %v", c.opts.Stream, requeueErr)
			sentry.CaptureException(requeueErr)
		}
	})
}

// maxBackoff bounds the requeue delay; the shift below would otherwise
// grow without limit (and overflow on large attempt counts).
const maxBackoff = time.Minute

func (c *Consumer) backoffDelay(attempt int) time.Duration {
	d := c.opts.BackoffBase << attempt
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// deadLetter parks an undeliverable message on the terminal stream for
// manual inspection.
func (c *Consumer) deadLetter(ctx context.Context, raw string, attempts int, cause error) {
	log.Printf("[%s] dead-lettering after %d attempts: %v", c.opts.Stream, attempts, cause)
	sentry.CaptureException(fmt.Errorf("dead-letter from %s after %d attempts: %w", c.opts.Stream, attempts, cause))
	metrics.DeadLettered.WithLabelValues(c.opts.Stream).Inc()

	err := c.rc.XAdd(ctx, &redis.XAddArgs{
		Stream: c.opts.DeadLetter,
		MaxLen: c.opts.MaxLen,
		Approx: true,
		Values: map[string]any{
			"payload":  raw,
			"source":   c.opts.Stream,
			"attempts": attempts,
			"error":    cause.Error(),
		},
	}).Err()
	if err != nil {
		log.Printf("[%s] dead-letter write failed: %v", c.opts.Stream, err)
	}
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case string:
		var x int
		fmt.Sscanf(t, "%d", &x)
		return x
	default:
		return 0
	}
}
