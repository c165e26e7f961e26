package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlRecords = `
CREATE TABLE IF NOT EXISTS memory_records (
    owner        TEXT              NOT NULL,
    id           INTEGER           NOT NULL,
    round        INTEGER           NOT NULL,
    tick         INTEGER           NOT NULL,
    description  TEXT              NOT NULL,
    keywords     JSONB             NOT NULL DEFAULT '{}',
    location     TEXT              NOT NULL DEFAULT '',
    success      BOOLEAN           NOT NULL DEFAULT false,
    importance   DOUBLE PRECISION  NOT NULL DEFAULT 0,
    kind         SMALLINT          NOT NULL,
    actor_id     TEXT              NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ       NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ       NOT NULL DEFAULT now(),
    PRIMARY KEY (owner, id)
);

CREATE INDEX IF NOT EXISTS idx_memory_records_owner_kind
    ON memory_records (owner, kind);

CREATE INDEX IF NOT EXISTS idx_memory_records_keywords
    ON memory_records USING GIN (keywords);
`

// ddlEmbeddings returns the embeddings DDL with the vector dimension
// substituted. The dimension is baked into the column type at creation time.
func ddlEmbeddings(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_embeddings (
    owner      TEXT         NOT NULL,
    id         INTEGER      NOT NULL,
    embedding  vector(%d)   NOT NULL,
    PRIMARY KEY (owner, id),
    FOREIGN KEY (owner, id) REFERENCES memory_records (owner, id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_memory_embeddings_hnsw
    ON memory_embeddings USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// Migrate creates the journal tables if they do not exist. It is idempotent
// and safe to call on every start.
//
// With dimensions <= 0 the embeddings table is not created and the journal
// keeps records only. dimensions must match the embedding model in use (e.g.
// 1536 for text-embedding-3-small, 768 for nomic-embed-text); changing it
// after the first migration requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	statements := []string{ddlRecords}
	if dimensions > 0 {
		statements = append(statements, ddlEmbeddings(dimensions))
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
