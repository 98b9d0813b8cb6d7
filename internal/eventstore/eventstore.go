// Package eventstore implements the append-only event log and branch
// lineage fork protocol of spec.md §4.1 over a store.Store.
package eventstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/lyzr/workflow-orchestrator/internal/errors"
	"github.com/lyzr/workflow-orchestrator/internal/idgen"
	"github.com/lyzr/workflow-orchestrator/internal/store"
)

// EventStore is the append/read/fork facade the engine drives.
type EventStore struct {
	db store.Store
}

// New returns an EventStore backed by db. db may be the durable Postgres
// store or, inside the virtual sandbox, a fresh memstore namespace — the
// lineage algorithm does not know or care which.
func New(db store.Store) *EventStore {
	return &EventStore{db: db}
}

// Append assigns an id and timestamp-sortable position to e and writes it.
// It never mutates a previously appended event — the log is strictly
// add-only, which is what makes retry/jump-back safe: history before a
// cutoff is never rewritten, only superseded by a later branch.
func (es *EventStore) Append(ctx context.Context, e *store.Event) (*store.Event, error) {
	if e.EventID == "" {
		e.EventID = idgen.New()
	}
	if err := es.db.AppendEvent(ctx, e); err != nil {
		return nil, errors.Wrap(errors.KindFatal, "append event", err)
	}
	return e, nil
}

// GetEvents returns a run's events (optionally filtered), oldest first.
func (es *EventStore) GetEvents(ctx context.Context, runID string, filter store.EventFilter) ([]*store.Event, error) {
	events, err := es.db.GetEvents(ctx, runID, filter)
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, "get events", err)
	}
	return events, nil
}

// GetLineageEvents walks a branch's root-first lineage and returns the
// union of events visible to it: for every lineage entry (branch, cutoff),
// every event on that branch at or before its cutoff (the trailing
// self-entry, whose cutoff is nil, contributes its entire history). The result is globally
// ordered by event id, which is time-sortable because ids are UUIDv7.
//
// This is the read side of spec.md §4.1's branch model: a branch is never
// a copy of history, only a pointer into segments of branches that came
// before it.
func (es *EventStore) GetLineageEvents(ctx context.Context, branchID string) ([]*store.Event, error) {
	branch, err := es.db.GetBranch(ctx, branchID)
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, "get branch", err)
	}

	var all []*store.Event
	for _, entry := range branch.Lineage {
		segment, err := es.db.GetEventsByBranchUpTo(ctx, entry.BranchID, entry.CutoffEventID)
		if err != nil {
			return nil, errors.Wrap(errors.KindFatal, fmt.Sprintf("get events for branch %s", entry.BranchID), err)
		}
		all = append(all, segment...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].EventID < all[j].EventID })
	return all, nil
}

// Fork creates a new branch diverging from parent at cutoffEventID. Every
// branch's lineage, by construction (here and in NewRootBranch), ends with
// a self-entry {thisBranchID, nil} — "all of my own history so far" — so
// that the branch can see events appended under its own id. Forking caps
// that trailing self-entry at cutoffEventID (the parent stops contributing
// history beyond the fork point) and appends a fresh self-entry for the new
// branch's own future. Any ancestor entry whose cutoff lies after
// cutoffEventID is capped at cutoffEventID too, so a fork at an earlier
// point (a retry) hides every event after that point, whichever branch of
// the lineage it was appended on.
func (es *EventStore) Fork(ctx context.Context, parentBranchID, cutoffEventID string) (*store.Branch, error) {
	parent, err := es.db.GetBranch(ctx, parentBranchID)
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, "get parent branch", err)
	}

	newBranchID := idgen.New()
	lineage := make([]store.LineageEntry, len(parent.Lineage))
	copy(lineage, parent.Lineage)
	if n := len(lineage); n > 0 && lineage[n-1].BranchID == parentBranchID && lineage[n-1].CutoffEventID == nil {
		lineage[n-1] = store.LineageEntry{BranchID: parentBranchID, CutoffEventID: &cutoffEventID}
	} else {
		lineage = append(lineage, store.LineageEntry{BranchID: parentBranchID, CutoffEventID: &cutoffEventID})
	}
	for i := range lineage {
		if c := lineage[i].CutoffEventID; c != nil && cutoffEventID < *c {
			capped := cutoffEventID
			lineage[i].CutoffEventID = &capped
		}
	}
	lineage = append(lineage, store.LineageEntry{BranchID: newBranchID, CutoffEventID: nil})

	branch := &store.Branch{
		BranchID:      newBranchID,
		WorkflowRunID: parent.WorkflowRunID,
		Lineage:       lineage,
	}
	if err := es.db.CreateBranch(ctx, branch); err != nil {
		return nil, errors.Wrap(errors.KindFatal, "create branch", err)
	}
	return branch, nil
}

// NewRootBranch creates the first branch for a run: a single lineage entry
// pointing at itself with no cutoff, i.e. "all of my own history."
func (es *EventStore) NewRootBranch(ctx context.Context, runID string) (*store.Branch, error) {
	branchID := idgen.New()
	branch := &store.Branch{
		BranchID:      branchID,
		WorkflowRunID: runID,
		Lineage:       []store.LineageEntry{{BranchID: branchID, CutoffEventID: nil}},
	}
	if err := es.db.CreateBranch(ctx, branch); err != nil {
		return nil, errors.Wrap(errors.KindFatal, "create root branch", err)
	}
	return branch, nil
}

// LatestByType returns the most recent event of the given type among evs,
// or nil. Used for de-duplicating e.g. output_stored by latest event id
// (spec.md §8 testable property).
func LatestByType(evs []*store.Event, t store.EventType) *store.Event {
	var latest *store.Event
	for _, e := range evs {
		if e.EventType != t {
			continue
		}
		if latest == nil || e.EventID > latest.EventID {
			latest = e
		}
	}
	return latest
}
