package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lyzr/workflow-orchestrator/internal/store"
)

func (s *Store) AppendEvent(ctx context.Context, e *store.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO events
			(event_id, workflow_run_id, branch_id, workflow_version_id, event_type,
			 timestamp, step_id, module_name, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.EventID, e.WorkflowRunID, e.BranchID, e.WorkflowVersionID, e.EventType,
		e.Timestamp, nullable(e.StepID), nullable(e.ModuleName), data,
	)
	return err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) GetEvents(ctx context.Context, runID string, filter store.EventFilter) ([]*store.Event, error) {
	query := strings.Builder{}
	query.WriteString(selectEventSQL + ` WHERE workflow_run_id = $1`)
	args := []interface{}{runID}

	if len(filter.Types) > 0 {
		args = append(args, filter.Types)
		query.WriteString(fmt.Sprintf(` AND event_type = ANY($%d)`, len(args)))
	}
	if filter.StepID != "" {
		args = append(args, filter.StepID)
		query.WriteString(fmt.Sprintf(` AND step_id = $%d`, len(args)))
	}
	if filter.ModuleName != "" {
		args = append(args, filter.ModuleName)
		query.WriteString(fmt.Sprintf(` AND module_name = $%d`, len(args)))
	}
	if filter.SinceTime != nil {
		args = append(args, *filter.SinceTime)
		query.WriteString(fmt.Sprintf(` AND timestamp >= $%d`, len(args)))
	}
	query.WriteString(` ORDER BY event_id ASC`)
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query.WriteString(fmt.Sprintf(` LIMIT $%d`, len(args)))
	}

	rows, err := s.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) GetEventsByBranchUpTo(ctx context.Context, branchID string, cutoff *string) ([]*store.Event, error) {
	var rows interface {
		Next() bool
		Scan(dest ...interface{}) error
		Err() error
		Close()
	}
	var err error
	if cutoff != nil {
		rows, err = s.pool.Query(ctx, selectEventSQL+` WHERE branch_id = $1 AND event_id <= $2 ORDER BY event_id ASC`, branchID, *cutoff)
	} else {
		rows, err = s.pool.Query(ctx, selectEventSQL+` WHERE branch_id = $1 ORDER BY event_id ASC`, branchID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) DeleteRunEvents(ctx context.Context, runID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE workflow_run_id = $1`, runID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

const selectEventSQL = `
SELECT event_id, workflow_run_id, branch_id, workflow_version_id, event_type,
       timestamp, COALESCE(step_id, ''), COALESCE(module_name, ''), data
FROM events`

type rowIter interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows rowIter) ([]*store.Event, error) {
	var out []*store.Event
	for rows.Next() {
		var e store.Event
		var data []byte
		if err := rows.Scan(
			&e.EventID, &e.WorkflowRunID, &e.BranchID, &e.WorkflowVersionID, &e.EventType,
			&e.Timestamp, &e.StepID, &e.ModuleName, &data,
		); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, err
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
