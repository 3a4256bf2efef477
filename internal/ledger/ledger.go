package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trunov/grouphub/internal/entities"
)

// Ledger is the Postgres audit trail of emitted work requests. Write-only
// on the hot path; it is never consulted for correctness decisions.
type Ledger struct {
	dbpool *pgxpool.Pool
}

func New(ctx context.Context, databaseDSN string) (*Ledger, error) {
	pool, err := pgxpool.New(ctx, databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Ledger{dbpool: pool}, nil
}

func (l *Ledger) Ping(ctx context.Context) error {
	return l.dbpool.Ping(ctx)
}

func (l *Ledger) Close() {
	l.dbpool.Close()
}

const insertWorkRequest = `
	INSERT INTO grouping_requests (job_id, tenant, image_count, client_tag, requested_at)
	VALUES ($1, $2, $3, $4, now())
	ON CONFLICT (job_id, tenant) DO NOTHING`

// RecordWorkRequest inserts one audit row per emitted work request.
// Idempotent on (job_id, tenant) so a redelivered post-claim path cannot
// double-count.
func (l *Ledger) RecordWorkRequest(ctx context.Context, wr entities.WorkRequest) error {
	_, err := l.dbpool.Exec(ctx, insertWorkRequest, wr.JobID, wr.Tenant, len(wr.Images), wr.ClientTag)
	if err != nil {
		return fmt.Errorf("insert grouping request %s/%s: %w", wr.Tenant, wr.JobID, err)
	}
	return nil
}
