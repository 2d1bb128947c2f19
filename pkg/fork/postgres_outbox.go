package fork

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"factum/pkg/fact"
)

// pgOutboxDB is the narrow slice of *pgxpool.Pool postgresOutbox needs,
// kept as an interface at the point of use the same way pkg/audit's
// auditDB and pkg/store's pgDB are.
type pgOutboxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// OutboxSchema is the DDL a fresh Postgres instance needs before
// postgresOutbox can serve traffic. Callers apply it through their own
// migration runner, the same convention store.Schema documents.
const OutboxSchema = `
CREATE TABLE IF NOT EXISTS outbox (
	id        BIGSERIAL PRIMARY KEY,
	envelopes JSONB NOT NULL,
	attempts  INT NOT NULL DEFAULT 0
);
`

// postgresOutbox is the durable OutboxStore a Persistent fork uses when it
// is backed by Postgres: the queue survives a factumd restart instead of
// losing every not-yet-delivered envelope with the process.
type postgresOutbox struct {
	db pgOutboxDB
}

// NewPostgresOutboxStore returns an OutboxStore backed by a Postgres
// outbox table. db must already have OutboxSchema applied.
func NewPostgresOutboxStore(db pgOutboxDB) OutboxStore {
	return &postgresOutbox{db: db}
}

func (o *postgresOutbox) enqueue(ctx context.Context, envelopes []fact.Envelope) error {
	payload, err := json.Marshal(envelopes)
	if err != nil {
		return err
	}
	_, err = o.db.Exec(ctx, `INSERT INTO outbox (envelopes, attempts) VALUES ($1, 0)`, payload)
	return err
}

func (o *postgresOutbox) peek(ctx context.Context) (outboxEntry, bool, error) {
	var payload []byte
	var attempts int
	row := o.db.QueryRow(ctx, `SELECT envelopes, attempts FROM outbox ORDER BY id ASC LIMIT 1`)
	if err := row.Scan(&payload, &attempts); err != nil {
		if err == pgx.ErrNoRows {
			return outboxEntry{}, false, nil
		}
		return outboxEntry{}, false, err
	}
	var envelopes []fact.Envelope
	if err := json.Unmarshal(payload, &envelopes); err != nil {
		return outboxEntry{}, false, err
	}
	return outboxEntry{envelopes: envelopes, attempts: attempts}, true, nil
}

func (o *postgresOutbox) ack(ctx context.Context) error {
	_, err := o.db.Exec(ctx, `DELETE FROM outbox WHERE id = (SELECT id FROM outbox ORDER BY id ASC LIMIT 1)`)
	return err
}

func (o *postgresOutbox) retry(ctx context.Context) error {
	_, err := o.db.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = (SELECT id FROM outbox ORDER BY id ASC LIMIT 1)`)
	return err
}

func (o *postgresOutbox) len(ctx context.Context) int {
	var count int
	row := o.db.QueryRow(ctx, `SELECT COUNT(*) FROM outbox`)
	if err := row.Scan(&count); err != nil {
		return 0
	}
	return count
}
