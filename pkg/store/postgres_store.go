package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"factum/pkg/fact"
	"factum/pkg/query"
	"factum/pkg/queryengine"
)

// pgDB is the narrow slice of *pgxpool.Pool the store needs, kept as an
// interface so tests can substitute a fake without a live database.
type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the durable Storage backend. Facts and edges are
// normalized into separate tables so predecessor/successor walks and
// ancestor closures can be expressed as ordinary SQL joins and a
// recursive CTE rather than duplicated bookkeeping.
type PostgresStore struct {
	db pgDB
}

func NewPostgresStore(db pgDB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema is the DDL a fresh Postgres instance needs before PostgresStore
// can serve traffic. Callers apply it through their own migration runner.
const Schema = `
CREATE TABLE IF NOT EXISTS facts (
	fact_type  TEXT NOT NULL,
	fact_hash  TEXT NOT NULL,
	fields     JSONB NOT NULL,
	sequence   BIGSERIAL,
	PRIMARY KEY (fact_type, fact_hash)
);

CREATE TABLE IF NOT EXISTS fact_edges (
	pred_type  TEXT NOT NULL,
	pred_hash  TEXT NOT NULL,
	role       TEXT NOT NULL,
	ordinal    INT NOT NULL,
	succ_type  TEXT NOT NULL,
	succ_hash  TEXT NOT NULL,
	PRIMARY KEY (succ_type, succ_hash, role, ordinal),
	FOREIGN KEY (pred_type, pred_hash) REFERENCES facts(fact_type, fact_hash),
	FOREIGN KEY (succ_type, succ_hash) REFERENCES facts(fact_type, fact_hash)
);
CREATE INDEX IF NOT EXISTS fact_edges_pred_role ON fact_edges (pred_type, pred_hash, role);
CREATE INDEX IF NOT EXISTS fact_edges_succ_role ON fact_edges (succ_type, succ_hash, role);

CREATE TABLE IF NOT EXISTS fact_signatures (
	fact_type TEXT NOT NULL,
	fact_hash TEXT NOT NULL,
	signer    TEXT NOT NULL,
	alg       TEXT NOT NULL,
	sig       TEXT NOT NULL,
	FOREIGN KEY (fact_type, fact_hash) REFERENCES facts(fact_type, fact_hash)
);

CREATE TABLE IF NOT EXISTS feed_bookmarks (
	feed_name TEXT PRIMARY KEY,
	bookmark  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS logins (
	token        TEXT PRIMARY KEY,
	user_type    TEXT NOT NULL,
	user_hash    TEXT NOT NULL,
	display_name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_records (
	id          BIGSERIAL PRIMARY KEY,
	batch_id    TEXT NOT NULL,
	fact_type   TEXT NOT NULL,
	fact_hash   TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	signers     TEXT[] NOT NULL DEFAULT '{}',
	verdict     TEXT NOT NULL,
	reason_code TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_records_fact ON audit_records (fact_type, fact_hash, created_at DESC);
CREATE INDEX IF NOT EXISTS audit_records_batch ON audit_records (batch_id);
`

func (p *PostgresStore) Save(ctx context.Context, envelopes []fact.Envelope) ([]fact.Envelope, error) {
	var written []fact.Envelope
	for _, env := range envelopes {
		ref, err := fact.RefOf(env.Fact)
		if err != nil {
			return nil, err
		}
		fieldsJSON, err := json.Marshal(env.Fact.Fields)
		if err != nil {
			return nil, err
		}
		tag, err := p.db.Exec(ctx, `
			INSERT INTO facts (fact_type, fact_hash, fields)
			VALUES ($1, $2, $3)
			ON CONFLICT (fact_type, fact_hash) DO NOTHING
		`, ref.Type, ref.Hash, fieldsJSON)
		if err != nil {
			return nil, fmt.Errorf("insert fact %s: %w", ref, err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		for role, preds := range env.Fact.Predecessors {
			for i, p2 := range preds {
				if _, err := p.db.Exec(ctx, `
					INSERT INTO fact_edges (pred_type, pred_hash, role, ordinal, succ_type, succ_hash)
					VALUES ($1, $2, $3, $4, $5, $6)
				`, p2.Type, p2.Hash, role, i, ref.Type, ref.Hash); err != nil {
					return nil, fmt.Errorf("insert edge for %s.%s: %w", ref, role, err)
				}
			}
		}
		for _, sig := range env.Signatures {
			if _, err := p.db.Exec(ctx, `
				INSERT INTO fact_signatures (fact_type, fact_hash, signer, alg, sig)
				VALUES ($1, $2, $3, $4, $5)
			`, ref.Type, ref.Hash, sig.Signer, sig.Alg, sig.Sig); err != nil {
				return nil, fmt.Errorf("insert signature for %s: %w", ref, err)
			}
		}
		written = append(written, env)
	}
	return written, nil
}

func (p *PostgresStore) Load(ctx context.Context, refs []fact.Reference) ([]fact.Envelope, error) {
	seen := map[fact.Reference]bool{}
	var out []fact.Envelope
	for _, ref := range refs {
		rows, err := p.db.Query(ctx, `
			WITH RECURSIVE ancestry(fact_type, fact_hash) AS (
				SELECT $1::text, $2::text
				UNION
				SELECT e.pred_type, e.pred_hash
				FROM fact_edges e
				JOIN ancestry a ON e.succ_type = a.fact_type AND e.succ_hash = a.fact_hash
			)
			SELECT f.fact_type, f.fact_hash, f.fields
			FROM ancestry a
			JOIN facts f ON f.fact_type = a.fact_type AND f.fact_hash = a.fact_hash
		`, ref.Type, ref.Hash)
		if err != nil {
			return nil, fmt.Errorf("load ancestry of %s: %w", ref, err)
		}
		for rows.Next() {
			var typ, hash string
			var fieldsJSON []byte
			if err := rows.Scan(&typ, &hash, &fieldsJSON); err != nil {
				rows.Close()
				return nil, err
			}
			r := fact.Reference{Type: typ, Hash: hash}
			if seen[r] {
				continue
			}
			seen[r] = true
			var fields map[string]fact.Value
			if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
				rows.Close()
				return nil, err
			}
			preds, err := p.predecessorsOf(ctx, r)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, fact.Envelope{Fact: fact.Fact{Type: typ, Fields: fields, Predecessors: preds}})
		}
		rows.Close()
	}
	return out, nil
}

func (p *PostgresStore) predecessorsOf(ctx context.Context, ref fact.Reference) (map[string][]fact.Reference, error) {
	rows, err := p.db.Query(ctx, `
		SELECT role, ordinal, pred_type, pred_hash FROM fact_edges
		WHERE succ_type = $1 AND succ_hash = $2 ORDER BY role, ordinal
	`, ref.Type, ref.Hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	preds := map[string][]fact.Reference{}
	for rows.Next() {
		var role string
		var ordinal int
		var pt, ph string
		if err := rows.Scan(&role, &ordinal, &pt, &ph); err != nil {
			return nil, err
		}
		preds[role] = append(preds[role], fact.Reference{Type: pt, Hash: ph})
	}
	return preds, nil
}

func (p *PostgresStore) WhichExist(ctx context.Context, refs []fact.Reference) ([]fact.Reference, error) {
	var out []fact.Reference
	for _, ref := range refs {
		var exists bool
		err := p.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM facts WHERE fact_type=$1 AND fact_hash=$2)`,
			ref.Type, ref.Hash).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if exists {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (p *PostgresStore) Query(ctx context.Context, start []fact.Reference, q query.StepQuery) ([]fact.Reference, error) {
	return queryengine.RunSteps(ctx, p.reader(), start, q)
}

func (p *PostgresStore) Read(ctx context.Context, given queryengine.Row, spec *query.Specification) (queryengine.Result, error) {
	return queryengine.Run(ctx, p.reader(), spec, given)
}

func (p *PostgresStore) Feed(ctx context.Context, fd FeedDescriptor, start []fact.Reference, bookmark string) (FeedPage, error) {
	refs, err := p.Query(ctx, start, fd.Query)
	if err != nil {
		return FeedPage{}, err
	}
	after := decodeBookmark(bookmark)
	maxSeq := after
	var page []fact.Reference
	for _, r := range refs {
		var seq int64
		err := p.db.QueryRow(ctx, `SELECT sequence FROM facts WHERE fact_type=$1 AND fact_hash=$2`, r.Type, r.Hash).Scan(&seq)
		if err != nil {
			return FeedPage{}, err
		}
		if seq > after {
			page = append(page, r)
			if seq > maxSeq {
				maxSeq = seq
			}
		}
	}
	return FeedPage{References: page, NextBookmark: encodeBookmark(maxSeq)}, nil
}

func (p *PostgresStore) SaveBookmark(ctx context.Context, feedName, bookmark string) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO feed_bookmarks (feed_name, bookmark) VALUES ($1, $2)
		ON CONFLICT (feed_name) DO UPDATE SET bookmark = EXCLUDED.bookmark
	`, feedName, bookmark)
	return err
}

func (p *PostgresStore) LoadBookmark(ctx context.Context, feedName string) (string, error) {
	var bookmark string
	err := p.db.QueryRow(ctx, `SELECT bookmark FROM feed_bookmarks WHERE feed_name=$1`, feedName).Scan(&bookmark)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	return bookmark, err
}

func (p *PostgresStore) SaveLogin(ctx context.Context, token string, login Login) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO logins (token, user_type, user_hash, display_name) VALUES ($1, $2, $3, $4)
		ON CONFLICT (token) DO UPDATE SET user_type = EXCLUDED.user_type, user_hash = EXCLUDED.user_hash, display_name = EXCLUDED.display_name
	`, token, login.UserFact.Type, login.UserFact.Hash, login.DisplayName)
	return err
}

func (p *PostgresStore) LoadLogin(ctx context.Context, token string) (Login, error) {
	var login Login
	err := p.db.QueryRow(ctx, `SELECT user_type, user_hash, display_name FROM logins WHERE token=$1`, token).
		Scan(&login.UserFact.Type, &login.UserFact.Hash, &login.DisplayName)
	if err == pgx.ErrNoRows {
		return Login{}, &NotFound{What: "login " + token}
	}
	return login, err
}
