package app

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/trunov/grouphub/cmd/migrate"
	"github.com/trunov/grouphub/internal/aggregator"
	"github.com/trunov/grouphub/internal/config"
	"github.com/trunov/grouphub/internal/keystore"
	"github.com/trunov/grouphub/internal/ledger"
	"github.com/trunov/grouphub/internal/notifier"
	"github.com/trunov/grouphub/internal/objstore"
	"github.com/trunov/grouphub/internal/queue"
	"github.com/trunov/grouphub/internal/redisholder"
	"github.com/trunov/grouphub/internal/router"
	"github.com/trunov/grouphub/internal/transport/handler"
	transport "github.com/trunov/grouphub/internal/transport/router"
)

// App owns the HTTP intake server and every stream consumer of the
// pipeline: ingest -> router -> shard aggregators -> worker stream, plus
// the change-feed notifier.
type App struct {
	HttpServer *http.Server

	consumers []*queue.Consumer
	movers    []*queue.Producer
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := migrate.Migrate(cfg.Database.DSN, migrate.Migrations); err != nil {
		return nil, err
	}

	auditLedger, err := ledger.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	holder, err := redisholder.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rc := holder.Get()

	store := keystore.NewStore(rc, cfg.Notifier.ChangeStream, cfg.Consumer.MaxLen)

	var markers aggregator.MarkerFetcher
	if cfg.ObjectStore.BucketName != "" {
		s3, err := objstore.NewStorage(&cfg.ObjectStore)
		if err != nil {
			return nil, err
		}
		markers = s3
	} else {
		log.Printf("app: no object store configured, marker metadata disabled")
	}

	ingestProducer := queue.NewProducer(rc, cfg.Sharding.IngestStream, cfg.Consumer.MaxLen)
	workerProducer := queue.NewProducer(rc, cfg.Sharding.WorkerStream, cfg.Consumer.MaxLen)
	topicProducer := queue.NewProducer(rc, cfg.Notifier.Topic, cfg.Consumer.MaxLen)

	shardProducers := make([]*queue.Producer, len(cfg.Sharding.ShardStreams))
	routerShards := make([]router.ShardProducer, len(cfg.Sharding.ShardStreams))
	for i, stream := range cfg.Sharding.ShardStreams {
		shardProducers[i] = queue.NewProducer(rc, stream, cfg.Consumer.MaxLen)
		routerShards[i] = shardProducers[i]
	}

	a := &App{movers: shardProducers}

	consumerOpts := func(stream string) queue.Options {
		return queue.Options{
			Stream:       stream,
			Group:        cfg.Consumer.Group,
			Consumer:     uuid.NewString(),
			Workers:      cfg.Consumer.Workers,
			MaxAttempts:  cfg.Consumer.MaxAttempts,
			MaxLen:       cfg.Consumer.MaxLen,
			BackoffBase:  cfg.Consumer.BackoffBase,
			BlockTimeout: cfg.Consumer.BlockTimeout,
			DeadLetter:   cfg.Consumer.DeadLetter,
		}
	}

	msgRouter := router.New(routerShards)
	a.consumers = append(a.consumers,
		queue.NewConsumer(rc, consumerOpts(cfg.Sharding.IngestStream), msgRouter.Handle))

	for i, stream := range cfg.Sharding.ShardStreams {
		agg := aggregator.New(store, shardProducers[i], workerProducer, markers, auditLedger, cfg.Grouping)
		a.consumers = append(a.consumers,
			queue.NewConsumer(rc, consumerOpts(stream), agg.Handle))
	}

	feed := notifier.New(topicProducer)
	a.consumers = append(a.consumers,
		queue.NewConsumer(rc, consumerOpts(cfg.Notifier.ChangeStream), feed.Handle))

	h := handler.New(ingestProducer, store)
	r := transport.NewRouter(h)

	a.HttpServer = &http.Server{
		Handler:      r,
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return a, nil
}

// Run starts every consumer, the shard delay movers and the HTTP server,
// and blocks until the server stops.
func (a *App) Run(ctx context.Context) error {
	for _, c := range a.consumers {
		c := c
		go func() {
			if err := c.Start(ctx); err != nil && ctx.Err() == nil {
				log.Printf("app: consumer stopped: %v", err)
			}
		}()
	}
	for _, p := range a.movers {
		go p.RunDelayMover(ctx, queue.DelayMoverInterval)
	}

	log.Printf("starting server on %s", a.HttpServer.Addr)
	return a.HttpServer.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully. Stream consumers stop when
// the context passed to Run is canceled.
func (a *App) Shutdown(ctx context.Context) error {
	return a.HttpServer.Shutdown(ctx)
}
