package pg

import (
	"context"
	"encoding/json"
)

// Snapshot exports every table as plain maps (one row_to_json map per row),
// keyed by table name. The keys are the Postgres table names
// ("workflow_templates", "workflow_runs", ...), not memstore's collection
// names ("templates", "runs", ...), so the result is not a blob that
// memstore's Import reads back. The sandbox does not call it; it exists so
// the pg implementation satisfies store.Store. Export only: Import below is
// a no-op, so there is no restore path on the durable store.
func (s *Store) Snapshot(ctx context.Context) (map[string][]map[string]interface{}, error) {
	out := make(map[string][]map[string]interface{})

	tables := []string{
		"users", "workflow_templates", "workflow_versions", "workflow_runs",
		"branches", "events", "workflow_files", "option_usage", "weighted_keywords",
		"queue_tasks", "generation_metadata", "content_items",
	}
	for _, table := range tables {
		rows, err := s.pool.Query(ctx, `SELECT row_to_json(t) FROM `+table+` t`)
		if err != nil {
			return nil, err
		}
		var items []map[string]interface{}
		for rows.Next() {
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				rows.Close()
				return nil, err
			}
			var m map[string]interface{}
			if err := json.Unmarshal(raw, &m); err != nil {
				rows.Close()
				return nil, err
			}
			items = append(items, m)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
		out[table] = items
	}
	return out, nil
}

// Import is a no-op on the durable store: the pg implementation is the
// system of record collections are written into directly through the rest
// of the Store interface, not replayed wholesale from a blob.
func (s *Store) Import(ctx context.Context, collections map[string][]map[string]interface{}) error {
	return nil
}
