package graphsync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pgvector/pgvector-go"
)

// postgresSchema is applied on open. Statements are idempotent.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS cortex_nodes (
    table_name      TEXT NOT NULL,
    entity_id       TEXT NOT NULL,
    tenant_id       TEXT NOT NULL DEFAULT '',
    memory_space_id TEXT NOT NULL DEFAULT '',
    entity          JSONB,
    revision        INTEGER NOT NULL DEFAULT 0,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (table_name, entity_id)
);
CREATE INDEX IF NOT EXISTS idx_cortex_nodes_space ON cortex_nodes(tenant_id, memory_space_id);

CREATE TABLE IF NOT EXISTS cortex_edges (
    src_table TEXT NOT NULL,
    src_id    TEXT NOT NULL,
    rel       TEXT NOT NULL,
    dst_table TEXT NOT NULL,
    dst_id    TEXT NOT NULL,
    PRIMARY KEY (src_table, src_id, rel, dst_table, dst_id)
);
CREATE INDEX IF NOT EXISTS idx_cortex_edges_dst ON cortex_edges(dst_table, dst_id);
`

const vectorSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
ALTER TABLE cortex_nodes ADD COLUMN IF NOT EXISTS embedding vector;
`

// PostgresGraph projects items into relational node and edge tables. Embeddings carried
// by a snapshot are stored in a pgvector column when the extension is available.
type PostgresGraph struct {
	db      *sql.DB
	vectors bool
}

// OpenPostgres connects to dsn and prepares the projection schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresGraph, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres graph: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable("postgres_graph", err)
	}
	g, err := NewPostgresGraph(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return g, nil
}

// NewPostgresGraph prepares the schema on an existing connection pool.
func NewPostgresGraph(ctx context.Context, db *sql.DB) (*PostgresGraph, error) {
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("postgres graph: apply schema: %w", err)
	}
	g := &PostgresGraph{db: db}
	if _, err := db.ExecContext(ctx, vectorSchema); err == nil {
		g.vectors = true
	}
	return g, nil
}

// Close closes the connection pool.
func (g *PostgresGraph) Close() error { return g.db.Close() }

// Upsert replaces the node and its outgoing edges in one transaction.
func (g *PostgresGraph) Upsert(ctx context.Context, it Item) error {
	snap, err := decodeSnapshot(it)
	if err != nil {
		return err
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("postgres_graph", err)
	}
	defer func() { _ = tx.Rollback() }()

	var entity any
	if len(it.Entity) > 0 {
		entity = string(it.Entity)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cortex_nodes (table_name, entity_id, tenant_id, memory_space_id, entity, revision, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (table_name, entity_id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			memory_space_id = EXCLUDED.memory_space_id,
			entity = EXCLUDED.entity,
			revision = EXCLUDED.revision,
			updated_at = NOW()`,
		it.Table, it.EntityID, it.TenantID, it.MemorySpaceID, entity, it.Revision); err != nil {
		return unavailable("postgres_graph", err)
	}
	if g.vectors && len(snap.Embedding) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE cortex_nodes SET embedding = $1 WHERE table_name = $2 AND entity_id = $3`,
			pgvector.NewVector(snap.Embedding), it.Table, it.EntityID); err != nil {
			return unavailable("postgres_graph", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cortex_edges WHERE src_table = $1 AND src_id = $2`, it.Table, it.EntityID); err != nil {
		return unavailable("postgres_graph", err)
	}
	for _, e := range edgesOf(it, snap) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cortex_edges (src_table, src_id, rel, dst_table, dst_id)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
			it.Table, it.EntityID, e.Rel, e.Table, e.EntityID); err != nil {
			return unavailable("postgres_graph", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("postgres_graph", err)
	}
	return nil
}

// Delete removes the node and every edge touching it.
func (g *PostgresGraph) Delete(ctx context.Context, it Item) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("postgres_graph", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM cortex_edges WHERE (src_table = $1 AND src_id = $2) OR (dst_table = $1 AND dst_id = $2)`,
		`DELETE FROM cortex_nodes WHERE table_name = $1 AND entity_id = $2`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, it.Table, it.EntityID); err != nil {
			return unavailable("postgres_graph", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("postgres_graph", err)
	}
	return nil
}

// Neighbors returns the entity ids reachable from a node over rel.
func (g *PostgresGraph) Neighbors(ctx context.Context, table, entityID, rel string) ([]string, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT dst_id FROM cortex_edges WHERE src_table = $1 AND src_id = $2 AND rel = $3 ORDER BY dst_id`,
		table, entityID, rel)
	if err != nil {
		return nil, unavailable("postgres_graph", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
