// Package registry persists the local build/snapshot ledger described in
// SPEC_FULL.md §3 ("on-disk build ledger"): a record of every build and
// snapshot percy-core has produced, independent of the remote API, so a
// user can inspect recent runs offline. It is adapted from
// internal/registry/registry.go's embed.FS-schema-plus-sql.DB pattern,
// generalized from a project/website directory tree to a flat build/
// snapshot table.
package registry

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/percy-io/percy-core/internal/interfaces"
	"github.com/percy-io/percy-core/internal/model"
)

//go:embed schema.sql
var schemaFS embed.FS

// Registry records builds and their snapshots in SQLite.
type Registry struct {
	db     *sql.DB
	logger interfaces.Logger
}

// Open opens (creating if absent) the SQLite database at path and runs
// migrations from schema.sql.
func Open(path string, logger interfaces.Logger) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writes through one connection

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("registry: read schema: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: apply schema: %w", err)
	}

	return &Registry{db: db, logger: logger.With(interfaces.Field{Key: "component", Value: "registry"})}, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// RecordBuild inserts a new build row when PercyCore.start creates a build.
func (r *Registry) RecordBuild(ctx context.Context, build *model.Build) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO builds (id, number, url, started_at) VALUES (?, ?, ?, ?)`,
		build.ID, build.Number, build.URL, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("registry: record build %s: %w", build.ID, err)
	}
	return nil
}

// FinalizeBuild stamps a build's finalized_at when PercyCore.stop finalizes
// it via BuildClient.
func (r *Registry) FinalizeBuild(ctx context.Context, buildID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE builds SET finalized_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), buildID)
	if err != nil {
		return fmt.Errorf("registry: finalize build %s: %w", buildID, err)
	}
	return nil
}

// RecordSnapshot inserts a snapshot row once AssetDiscoverer.Run completes
// and the resources have been handed to BuildClient.CreateSnapshot.
func (r *Registry) RecordSnapshot(ctx context.Context, buildID, snapshotID, name string, widths []int, resourceCount int) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, build_id, name, widths, resource_count, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		snapshotID, buildID, name, formatWidths(widths), resourceCount, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("registry: record snapshot %s: %w", snapshotID, err)
	}
	return nil
}

// SnapshotRecord is a row from the snapshots table, returned by
// ListSnapshots.
type SnapshotRecord struct {
	ID            string
	BuildID       string
	Name          string
	Widths        string
	ResourceCount int
	CreatedAt     string
}

// ListSnapshots returns every snapshot recorded for a build, oldest first.
func (r *Registry) ListSnapshots(ctx context.Context, buildID string) ([]SnapshotRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, build_id, name, widths, resource_count, created_at FROM snapshots WHERE build_id = ? ORDER BY created_at ASC`,
		buildID)
	if err != nil {
		return nil, fmt.Errorf("registry: list snapshots for build %s: %w", buildID, err)
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var rec SnapshotRecord
		if err := rows.Scan(&rec.ID, &rec.BuildID, &rec.Name, &rec.Widths, &rec.ResourceCount, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("registry: scan snapshot row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func formatWidths(widths []int) string {
	out := ""
	for i, w := range widths {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%d", w)
	}
	return out
}
