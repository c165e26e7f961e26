// Package postgres persists agent memory in PostgreSQL.
//
// [Journal] implements [memory.Journal]: every record a store appends or
// revises is written to the memory_records table, keyed by owner and record
// id. When configured with a vector dimension, computed embeddings are kept in
// a pgvector column so a restarted agent does not re-embed its history, and
// [Journal.Nearest] can search them with the HNSW cosine index.
//
// Usage:
//
//	j, err := postgres.Open(ctx, dsn, 1536)
//	if err != nil { … }
//	defer j.Close()
//
//	s := memory.NewStore("fred", memory.WithJournal(j))
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/mnemo/pkg/memory"
)

var _ memory.Journal = (*Journal)(nil)

// Journal is the PostgreSQL-backed [memory.Journal]. All methods are safe for
// concurrent use.
type Journal struct {
	pool       *pgxpool.Pool
	dimensions int
}

// Open creates a connection pool to the database at dsn, registers pgvector
// types on every connection and runs [Migrate].
func Open(ctx context.Context, dsn string, dimensions int) (*Journal, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: parse dsn: %w", err)
	}
	if dimensions > 0 {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres journal: ping: %w", err)
	}
	if err := Migrate(ctx, pool, dimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres journal: %w", err)
	}
	return &Journal{pool: pool, dimensions: dimensions}, nil
}

// Append implements [memory.Journal]. Appending an id that already exists
// overwrites it, which makes replays idempotent.
func (j *Journal) Append(ctx context.Context, owner string, r memory.Record) error {
	const q = `
		INSERT INTO memory_records
		    (owner, id, round, tick, description, keywords, location, success, importance, kind, actor_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (owner, id) DO UPDATE SET
		    round       = EXCLUDED.round,
		    tick        = EXCLUDED.tick,
		    description = EXCLUDED.description,
		    keywords    = EXCLUDED.keywords,
		    location    = EXCLUDED.location,
		    success     = EXCLUDED.success,
		    importance  = EXCLUDED.importance,
		    kind        = EXCLUDED.kind,
		    actor_id    = EXCLUDED.actor_id,
		    updated_at  = now()`

	_, err := j.pool.Exec(ctx, q,
		owner, r.ID, r.Round, r.Tick, r.Description, keywordsOrEmpty(r.Keywords),
		r.Location, r.Success, r.Importance, int(r.Kind), r.ActorID,
	)
	if err != nil {
		return fmt.Errorf("postgres journal: append %s/%d: %w", owner, r.ID, err)
	}
	return nil
}

// Revise implements [memory.Journal].
func (j *Journal) Revise(ctx context.Context, owner string, r memory.Record) error {
	const q = `
		UPDATE memory_records
		SET    round = $3, tick = $4, description = $5, keywords = $6, importance = $7, updated_at = now()
		WHERE  owner = $1 AND id = $2`

	return pgx.BeginFunc(ctx, j.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, q, owner, r.ID, r.Round, r.Tick, r.Description, keywordsOrEmpty(r.Keywords), r.Importance)
		if err != nil {
			return fmt.Errorf("postgres journal: revise %s/%d: %w", owner, r.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres journal: revise %s/%d: %w", owner, r.ID, memory.ErrNotFound)
		}
		if j.dimensions > 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM memory_embeddings WHERE owner = $1 AND id = $2`, owner, r.ID); err != nil {
				return fmt.Errorf("postgres journal: revise %s/%d: drop embedding: %w", owner, r.ID, err)
			}
		}
		return nil
	})
}

// SaveEmbedding implements [memory.Journal]. It is a no-op when the journal
// was opened without a vector dimension, or when vec has a different length.
func (j *Journal) SaveEmbedding(ctx context.Context, owner string, id int, vec []float32) error {
	if j.dimensions <= 0 {
		return nil
	}
	if vec == nil {
		_, err := j.pool.Exec(ctx, `DELETE FROM memory_embeddings WHERE owner = $1 AND id = $2`, owner, id)
		if err != nil {
			return fmt.Errorf("postgres journal: clear embedding %s/%d: %w", owner, id, err)
		}
		return nil
	}
	if len(vec) != j.dimensions {
		return fmt.Errorf("postgres journal: embedding %s/%d has %d dimensions, column has %d", owner, id, len(vec), j.dimensions)
	}

	const q = `
		INSERT INTO memory_embeddings (owner, id, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner, id) DO UPDATE SET embedding = EXCLUDED.embedding`
	if _, err := j.pool.Exec(ctx, q, owner, id, pgvector.NewVector(vec)); err != nil {
		return fmt.Errorf("postgres journal: save embedding %s/%d: %w", owner, id, err)
	}
	return nil
}

// Load implements [memory.Journal].
func (j *Journal) Load(ctx context.Context, owner string) ([]memory.Entry, error) {
	q := `
		SELECT r.id, r.round, r.tick, r.description, r.keywords, r.location,
		       r.success, r.importance, r.kind, r.actor_id, NULL::text
		FROM   memory_records r
		WHERE  r.owner = $1
		ORDER  BY r.id`
	if j.dimensions > 0 {
		q = `
		SELECT r.id, r.round, r.tick, r.description, r.keywords, r.location,
		       r.success, r.importance, r.kind, r.actor_id, e.embedding::text
		FROM   memory_records r
		LEFT   JOIN memory_embeddings e ON e.owner = r.owner AND e.id = r.id
		WHERE  r.owner = $1
		ORDER  BY r.id`
	}

	rows, err := j.pool.Query(ctx, q, owner)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: load %s: %w", owner, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Entry, error) {
		var (
			e    memory.Entry
			kind int16
			vec  *string
		)
		if err := row.Scan(
			&e.Record.ID, &e.Record.Round, &e.Record.Tick, &e.Record.Description,
			&e.Record.Keywords, &e.Record.Location, &e.Record.Success,
			&e.Record.Importance, &kind, &e.Record.ActorID, &vec,
		); err != nil {
			return memory.Entry{}, err
		}
		e.Record.Kind = memory.Kind(kind)
		if vec != nil {
			var v pgvector.Vector
			if err := v.Parse(*vec); err != nil {
				return memory.Entry{}, fmt.Errorf("embedding %d: %w", e.Record.ID, err)
			}
			e.Embedding = v.Slice()
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres journal: load %s: %w", owner, err)
	}
	return entries, nil
}

// Match is a record found by [Journal.Nearest].
type Match struct {
	ID       int
	Distance float64
}

// ErrNoVectors is returned by [Journal.Nearest] when the journal keeps no
// embeddings.
var ErrNoVectors = errors.New("postgres journal: embeddings are not persisted")

// Nearest returns up to k records of owner whose stored embeddings are
// closest to vec by cosine distance, most similar first. Records whose
// embedding has not been computed yet are not considered.
func (j *Journal) Nearest(ctx context.Context, owner string, vec []float32, k int) ([]Match, error) {
	if j.dimensions <= 0 {
		return nil, ErrNoVectors
	}
	const q = `
		SELECT id, embedding <=> $2 AS distance
		FROM   memory_embeddings
		WHERE  owner = $1
		ORDER  BY distance
		LIMIT  $3`
	rows, err := j.pool.Query(ctx, q, owner, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: nearest %s: %w", owner, err)
	}
	matches, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Match])
	if err != nil {
		return nil, fmt.Errorf("postgres journal: nearest %s: %w", owner, err)
	}
	return matches, nil
}

// Owners lists every agent id with persisted records.
func (j *Journal) Owners(ctx context.Context) ([]string, error) {
	rows, err := j.pool.Query(ctx, `SELECT DISTINCT owner FROM memory_records ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: owners: %w", err)
	}
	owners, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres journal: owners: %w", err)
	}
	return owners, nil
}

// Ping checks that the database is reachable.
func (j *Journal) Ping(ctx context.Context) error {
	return j.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (j *Journal) Close() error {
	j.pool.Close()
	return nil
}

func keywordsOrEmpty(kw memory.Keywords) memory.Keywords {
	if kw == nil {
		return memory.Keywords{}
	}
	return kw
}
