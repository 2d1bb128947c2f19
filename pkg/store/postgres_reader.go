package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"factum/pkg/fact"
	"factum/pkg/queryengine"
)

type postgresReader struct {
	db pgDB
}

func (p *PostgresStore) reader() *postgresReader { return &postgresReader{db: p.db} }

// GraphReader satisfies Storage's GraphReader accessor.
func (p *PostgresStore) GraphReader() queryengine.GraphReader { return p.reader() }

func (r *postgresReader) Predecessors(ctx context.Context, ref fact.Reference, role string) ([]fact.Reference, error) {
	rows, err := r.db.Query(ctx, `
		SELECT pred_type, pred_hash FROM fact_edges
		WHERE succ_type=$1 AND succ_hash=$2 AND role=$3 ORDER BY ordinal
	`, ref.Type, ref.Hash, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fact.Reference
	for rows.Next() {
		var t, h string
		if err := rows.Scan(&t, &h); err != nil {
			return nil, err
		}
		out = append(out, fact.Reference{Type: t, Hash: h})
	}
	return out, nil
}

func (r *postgresReader) Successors(ctx context.Context, ref fact.Reference, role string) ([]fact.Reference, error) {
	rows, err := r.db.Query(ctx, `
		SELECT succ_type, succ_hash FROM fact_edges
		WHERE pred_type=$1 AND pred_hash=$2 AND role=$3 ORDER BY succ_type, succ_hash
	`, ref.Type, ref.Hash, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fact.Reference
	for rows.Next() {
		var t, h string
		if err := rows.Scan(&t, &h); err != nil {
			return nil, err
		}
		out = append(out, fact.Reference{Type: t, Hash: h})
	}
	return out, nil
}

func (r *postgresReader) TypeOf(ctx context.Context, ref fact.Reference) (string, error) {
	return ref.Type, nil
}

func (r *postgresReader) FieldOf(ctx context.Context, ref fact.Reference, field string) (fact.Value, bool, error) {
	var fieldsJSON []byte
	err := r.db.QueryRow(ctx, `SELECT fields FROM facts WHERE fact_type=$1 AND fact_hash=$2`, ref.Type, ref.Hash).Scan(&fieldsJSON)
	if err == pgx.ErrNoRows {
		return fact.Value{}, false, nil
	}
	if err != nil {
		return fact.Value{}, false, err
	}
	var fields map[string]fact.Value
	if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
		return fact.Value{}, false, err
	}
	v, ok := fields[field]
	return v, ok, nil
}

func (r *postgresReader) SequenceOf(ctx context.Context, ref fact.Reference) (int64, error) {
	var seq int64
	err := r.db.QueryRow(ctx, `SELECT sequence FROM facts WHERE fact_type=$1 AND fact_hash=$2`, ref.Type, ref.Hash).Scan(&seq)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
