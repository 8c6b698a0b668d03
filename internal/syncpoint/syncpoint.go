// Package syncpoint persists per-connector, per-scope incremental sync
// checkpoints: cursors, delta tokens, history ids and timestamp
// high-watermarks.
package syncpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/catherinevee/syncmgr/pkg/models"
)

// Data is the checkpoint payload. Well-known keys: "cursor",
// "historyId", "pageToken", "last_sync_time".
type Data map[string]interface{}

// Cursor returns the opaque cursor, if set.
func (d Data) Cursor() string { return d.str("cursor") }

// HistoryID returns the stored history id, if set.
func (d Data) HistoryID() uint64 {
	switch v := d["historyId"].(type) {
	case float64:
		return uint64(v)
	case uint64:
		return v
	case int64:
		return uint64(v)
	case json.Number:
		n, _ := v.Int64()
		return uint64(n)
	default:
		return 0
	}
}

// LastSyncTime returns the timestamp high-watermark in epoch ms.
func (d Data) LastSyncTime() int64 {
	switch v := d["last_sync_time"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

func (d Data) str(key string) string {
	if v, ok := d[key].(string); ok {
		return v
	}
	return ""
}

// Manager reads and atomically overwrites sync points. Readers see
// either the old or the new state, never partial.
type Manager interface {
	Read(ctx context.Context, key string) (Data, error)
	Update(ctx context.Context, key string, data Data) error
	Clear(ctx context.Context, key string) error
}

// SQLiteManager stores sync points in the sync_points table, keyed by
// (connector_id, org_id, data_point_type, key).
type SQLiteManager struct {
	db            *sql.DB
	connectorID   string
	orgID         string
	dataPointType string
}

// NewSQLiteManager scopes a manager to one connector instance and data
// point type.
func NewSQLiteManager(db *sql.DB, connectorID, orgID, dataPointType string) *SQLiteManager {
	return &SQLiteManager{db: db, connectorID: connectorID, orgID: orgID, dataPointType: dataPointType}
}

// Read loads the checkpoint for key; an absent checkpoint returns an
// empty map.
func (m *SQLiteManager) Read(ctx context.Context, key string) (Data, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT data_json FROM sync_points WHERE connector_id = ? AND org_id = ? AND data_point_type = ? AND key = ?`,
		m.connectorID, m.orgID, m.dataPointType, key)

	var raw string
	err := row.Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Data{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync point %s: %w", key, err)
	}

	var data Data
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("failed to decode sync point %s: %w", key, err)
	}
	if data == nil {
		data = Data{}
	}
	return data, nil
}

// Update atomically overwrites the checkpoint for key.
func (m *SQLiteManager) Update(ctx context.Context, key string, data Data) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode sync point %s: %w", key, err)
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO sync_points (connector_id, org_id, data_point_type, key, data_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(connector_id, org_id, data_point_type, key) DO UPDATE SET
			data_json = excluded.data_json,
			updated_at = excluded.updated_at`,
		m.connectorID, m.orgID, m.dataPointType, key, string(raw), models.NowMs())
	if err != nil {
		return fmt.Errorf("failed to write sync point %s: %w", key, err)
	}
	return nil
}

// Clear removes the checkpoint for key, forcing the next run to fall
// back to a full sync of that scope.
func (m *SQLiteManager) Clear(ctx context.Context, key string) error {
	_, err := m.db.ExecContext(ctx,
		`DELETE FROM sync_points WHERE connector_id = ? AND org_id = ? AND data_point_type = ? AND key = ?`,
		m.connectorID, m.orgID, m.dataPointType, key)
	return err
}
