// Package database opens and migrates the local sqlite store backing
// entities, permission edges, record relations and sync points.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens the sqlite database at path, creating parent directories
// and applying the schema.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func migrate(conn *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			connector_id TEXT NOT NULL,
			connector_name TEXT NOT NULL,
			external_id TEXT NOT NULL,
			email TEXT NOT NULL,
			full_name TEXT NOT NULL DEFAULT '',
			source_user_id TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			title TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			source_created_at INTEGER NOT NULL DEFAULT 0,
			source_updated_at INTEGER NOT NULL DEFAULT 0,
			UNIQUE(org_id, connector_id, email)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_external ON users(connector_id, external_id)`,

		`CREATE TABLE IF NOT EXISTS user_groups (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			connector_id TEXT NOT NULL,
			connector_name TEXT NOT NULL,
			external_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			parent_external_id TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			source_created_at INTEGER NOT NULL DEFAULT 0,
			source_updated_at INTEGER NOT NULL DEFAULT 0,
			UNIQUE(org_id, connector_id, external_id)
		)`,

		`CREATE TABLE IF NOT EXISTS group_members (
			group_id TEXT NOT NULL,
			email TEXT NOT NULL,
			permission_type TEXT NOT NULL DEFAULT 'READ',
			PRIMARY KEY(group_id, email)
		)`,

		`CREATE TABLE IF NOT EXISTS record_groups (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			connector_id TEXT NOT NULL,
			connector_name TEXT NOT NULL,
			external_id TEXT NOT NULL,
			name TEXT NOT NULL,
			short_name TEXT NOT NULL DEFAULT '',
			group_type TEXT NOT NULL,
			parent_external_group_id TEXT NOT NULL DEFAULT '',
			web_url TEXT NOT NULL DEFAULT '',
			inherit_permissions INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			source_created_at INTEGER NOT NULL DEFAULT 0,
			source_updated_at INTEGER NOT NULL DEFAULT 0,
			UNIQUE(org_id, connector_id, external_id)
		)`,

		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			connector_id TEXT NOT NULL,
			connector_name TEXT NOT NULL,
			external_id TEXT NOT NULL,
			record_name TEXT NOT NULL DEFAULT '',
			record_type TEXT NOT NULL,
			record_group_type TEXT NOT NULL DEFAULT '',
			external_record_group_id TEXT NOT NULL DEFAULT '',
			parent_external_record_id TEXT NOT NULL DEFAULT '',
			parent_record_type TEXT NOT NULL DEFAULT '',
			mime_type TEXT NOT NULL DEFAULT '',
			web_url TEXT NOT NULL DEFAULT '',
			preview_renderable INTEGER NOT NULL DEFAULT 0,
			is_dependent_node INTEGER NOT NULL DEFAULT 0,
			parent_node_id TEXT NOT NULL DEFAULT '',
			inherit_permissions INTEGER NOT NULL DEFAULT 0,
			indexing_status TEXT NOT NULL DEFAULT 'NOT_STARTED',
			external_revision_id TEXT NOT NULL DEFAULT '',
			subtype_json TEXT NOT NULL DEFAULT '{}',
			is_deleted INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			source_created_at INTEGER NOT NULL DEFAULT 0,
			source_updated_at INTEGER NOT NULL DEFAULT 0,
			UNIQUE(org_id, connector_id, external_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_external ON records(connector_id, external_id)`,
		`CREATE INDEX IF NOT EXISTS idx_records_parent ON records(connector_id, parent_external_record_id)`,

		`CREATE TABLE IF NOT EXISTS permissions (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			connector_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_subject TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			entity_external_id TEXT NOT NULL DEFAULT '',
			resource_kind TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			permission_type TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			UNIQUE(resource_kind, resource_id, entity_type, entity_subject, permission_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_permissions_resource ON permissions(resource_id)`,

		`CREATE TABLE IF NOT EXISTS record_relations (
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			relation_type TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(from_id, to_id, relation_type)
		)`,

		`CREATE TABLE IF NOT EXISTS sync_points (
			connector_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			data_point_type TEXT NOT NULL,
			key TEXT NOT NULL,
			data_json TEXT NOT NULL DEFAULT '{}',
			updated_at INTEGER NOT NULL,
			PRIMARY KEY(connector_id, org_id, data_point_type, key)
		)`,
	}

	for _, stmt := range schema {
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
