// Package sqlite persists agent memory in a local SQLite file.
//
// [Journal] implements [memory.Journal] on top of the pure-Go modernc.org
// driver, so a single-host deployment needs no database server. Embeddings
// are stored as little-endian float32 blobs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/mnemo/pkg/memory"
)

var _ memory.Journal = (*Journal)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS memory_records (
	owner        TEXT    NOT NULL,
	id           INTEGER NOT NULL,
	round        INTEGER NOT NULL,
	tick         INTEGER NOT NULL,
	description  TEXT    NOT NULL,
	keywords     TEXT    NOT NULL DEFAULT '{}',
	location     TEXT    NOT NULL DEFAULT '',
	success      INTEGER NOT NULL DEFAULT 0,
	importance   REAL    NOT NULL DEFAULT 0,
	kind         INTEGER NOT NULL,
	actor_id     TEXT    NOT NULL DEFAULT '',
	embedding    BLOB,
	updated_at   TEXT    NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (owner, id)
);
`

// Journal is the SQLite-backed [memory.Journal].
type Journal struct {
	db *sql.DB
}

// Open opens or creates the database at path (":memory:" is accepted) and
// migrates it. WAL mode lets readers proceed while a store writes.
func Open(ctx context.Context, path string) (*Journal, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite journal: create db dir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite journal: open: %w", err)
	}
	// One writer at a time; ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite journal: migrate: %w", err)
	}
	return &Journal{db: db}, nil
}

// Append implements [memory.Journal].
func (j *Journal) Append(ctx context.Context, owner string, r memory.Record) error {
	kw, err := encodeKeywords(r.Keywords)
	if err != nil {
		return fmt.Errorf("sqlite journal: append %s/%d: %w", owner, r.ID, err)
	}
	const q = `
		INSERT INTO memory_records
		    (owner, id, round, tick, description, keywords, location, success, importance, kind, actor_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner, id) DO UPDATE SET
		    round = excluded.round, tick = excluded.tick, description = excluded.description,
		    keywords = excluded.keywords, location = excluded.location, success = excluded.success,
		    importance = excluded.importance, kind = excluded.kind, actor_id = excluded.actor_id,
		    embedding = NULL, updated_at = datetime('now')`
	_, err = j.db.ExecContext(ctx, q,
		owner, r.ID, r.Round, r.Tick, r.Description, kw,
		r.Location, r.Success, r.Importance, int(r.Kind), r.ActorID,
	)
	if err != nil {
		return fmt.Errorf("sqlite journal: append %s/%d: %w", owner, r.ID, err)
	}
	return nil
}

// Revise implements [memory.Journal].
func (j *Journal) Revise(ctx context.Context, owner string, r memory.Record) error {
	kw, err := encodeKeywords(r.Keywords)
	if err != nil {
		return fmt.Errorf("sqlite journal: revise %s/%d: %w", owner, r.ID, err)
	}
	const q = `
		UPDATE memory_records
		SET    round = ?, tick = ?, description = ?, keywords = ?, importance = ?,
		       embedding = NULL, updated_at = datetime('now')
		WHERE  owner = ? AND id = ?`
	res, err := j.db.ExecContext(ctx, q, r.Round, r.Tick, r.Description, kw, r.Importance, owner, r.ID)
	if err != nil {
		return fmt.Errorf("sqlite journal: revise %s/%d: %w", owner, r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite journal: revise %s/%d: %w", owner, r.ID, memory.ErrNotFound)
	}
	return nil
}

// SaveEmbedding implements [memory.Journal].
func (j *Journal) SaveEmbedding(ctx context.Context, owner string, id int, vec []float32) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE memory_records SET embedding = ? WHERE owner = ? AND id = ?`,
		encodeVector(vec), owner, id)
	if err != nil {
		return fmt.Errorf("sqlite journal: save embedding %s/%d: %w", owner, id, err)
	}
	return nil
}

// Load implements [memory.Journal].
func (j *Journal) Load(ctx context.Context, owner string) ([]memory.Entry, error) {
	const q = `
		SELECT id, round, tick, description, keywords, location, success, importance, kind, actor_id, embedding
		FROM   memory_records
		WHERE  owner = ?
		ORDER  BY id`
	rows, err := j.db.QueryContext(ctx, q, owner)
	if err != nil {
		return nil, fmt.Errorf("sqlite journal: load %s: %w", owner, err)
	}
	defer rows.Close()

	var entries []memory.Entry
	for rows.Next() {
		var (
			e    memory.Entry
			kw   string
			kind int
			blob []byte
		)
		if err := rows.Scan(
			&e.Record.ID, &e.Record.Round, &e.Record.Tick, &e.Record.Description, &kw,
			&e.Record.Location, &e.Record.Success, &e.Record.Importance, &kind, &e.Record.ActorID, &blob,
		); err != nil {
			return nil, fmt.Errorf("sqlite journal: load %s: %w", owner, err)
		}
		if err := json.Unmarshal([]byte(kw), &e.Record.Keywords); err != nil {
			return nil, fmt.Errorf("sqlite journal: load %s/%d: keywords: %w", owner, e.Record.ID, err)
		}
		e.Record.Kind = memory.Kind(kind)
		e.Embedding, err = decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("sqlite journal: load %s/%d: %w", owner, e.Record.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite journal: load %s: %w", owner, err)
	}
	return entries, nil
}

// Owners lists every agent id with persisted records.
func (j *Journal) Owners(ctx context.Context) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT DISTINCT owner FROM memory_records ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("sqlite journal: owners: %w", err)
	}
	defer rows.Close()
	var owners []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, fmt.Errorf("sqlite journal: owners: %w", err)
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

// Ping checks that the database is usable.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func encodeKeywords(kw memory.Keywords) (string, error) {
	if kw == nil {
		return "{}", nil
	}
	b, err := json.Marshal(kw)
	if err != nil {
		return "", fmt.Errorf("keywords: %w", err)
	}
	return string(b), nil
}

func encodeVector(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	b := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) ([]float32, error) {
	if b == nil {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has %d bytes, not a multiple of 4", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return vec, nil
}
