// Package memstore is an in-memory implementation of store.Store used
// exclusively by the virtual execution sandbox (spec.md §4.6). It trades
// the durability the real Postgres-backed store provides for the ability to
// create, populate, export, and discard an isolated namespace entirely
// in-process — no second database to provision per preview call.
//
// Grounded on original_source/db/virtual.py's VirtualDatabase: a fresh
// isolated namespace per call, the same repository surface as the durable
// store, and a full collection export/import for the client-held blob.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/lyzr/workflow-orchestrator/internal/idgen"
	"github.com/lyzr/workflow-orchestrator/internal/store"
)

// collection names used by Snapshot/Import, matching the teacher's
// per-collection naming in the virtual blob (original_source/db/virtual.py).
const (
	collUsers       = "users"
	collTemplates   = "templates"
	collVersions    = "versions"
	collRuns        = "runs"
	collBranches    = "branches"
	collEvents      = "events"
	collFiles       = "files"
	collOptionUse   = "option_usage"
	collKeywords    = "weighted_keywords"
	collTasks       = "queue_tasks"
	collGenMeta     = "generation_metadata"
	collContent     = "content_items"
)

// Store is a fully in-memory, mutex-guarded implementation of store.Store.
type Store struct {
	mu sync.Mutex

	users     map[string]*store.User
	templates map[string]*store.WorkflowTemplate
	versions  map[string]*store.WorkflowVersion
	runs      map[string]*store.WorkflowRun
	branches  map[string]*store.Branch
	events    []*store.Event
	files     map[string]*store.WorkflowFile
	optionUse map[string]int64
	keywords  map[string]float64
	tasks     map[string]*store.QueueTask
	genMeta   map[string]*store.GenerationMetadata
	content   map[string]*store.ContentItem
}

// New returns an empty, isolated namespace.
func New() *Store {
	return &Store{
		users:     make(map[string]*store.User),
		templates: make(map[string]*store.WorkflowTemplate),
		versions:  make(map[string]*store.WorkflowVersion),
		runs:      make(map[string]*store.WorkflowRun),
		branches:  make(map[string]*store.Branch),
		files:     make(map[string]*store.WorkflowFile),
		optionUse: make(map[string]int64),
		keywords:  make(map[string]float64),
		tasks:     make(map[string]*store.QueueTask),
		genMeta:   make(map[string]*store.GenerationMetadata),
		content:   make(map[string]*store.ContentItem),
	}
}

var _ store.Store = (*Store)(nil)

func templateKey(userID, name string) string { return userID + "\x00" + name }
func fileKey(runID, branchID string, category store.FileCategory, groupID, filename string) string {
	return runID + "\x00" + branchID + "\x00" + string(category) + "\x00" + groupID + "\x00" + filename
}
func optionKey(templateID, key string) string { return templateID + "\x00" + key }

func (s *Store) GetOrCreateUser(ctx context.Context, userID string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		return u, nil
	}
	u := &store.User{UserID: userID, CreatedAt: time.Now().UTC()}
	s.users[userID] = u
	return u, nil
}

func (s *Store) GetOrCreateTemplate(ctx context.Context, userID, name string) (*store.WorkflowTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.templates {
		if t.UserID == userID && t.Name == name {
			return t, nil
		}
	}
	t := &store.WorkflowTemplate{
		TemplateID: idgen.New(),
		UserID:     userID,
		Name:       name,
		CreatedAt:  time.Now().UTC(),
	}
	s.templates[t.TemplateID] = t
	return t, nil
}

func (s *Store) GetTemplateByID(ctx context.Context, templateID string) (*store.WorkflowTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.templates[templateID]; ok {
		return t, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetVersionByHash(ctx context.Context, templateID, contentHash string) (*store.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions {
		if v.TemplateID == templateID && v.ContentHash == contentHash {
			return v, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetVersionByID(ctx context.Context, versionID string) (*store.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.versions[versionID]; ok {
		return v, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateVersion(ctx context.Context, v *store.WorkflowVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	s.versions[v.VersionID] = v
	return nil
}

func (s *Store) ListResolvedChildren(ctx context.Context, unresolvedParentID string) ([]*store.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.WorkflowVersion
	for _, v := range s.versions {
		if v.ParentWorkflowVersionID != nil && *v.ParentWorkflowVersionID == unresolvedParentID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *Store) CreateRun(ctx context.Context, r *store.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.UpdatedAt = r.CreatedAt
	// Store a defensive copy: the caller keeps mutating its own *WorkflowRun
	// across a run's lifetime (status_version bookkeeping), and must not
	// alias the stored record the way CompareAndSwapRunStatus mutates it.
	cp := *r
	s.runs[r.WorkflowRunID] = &cp
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*store.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) CompareAndSwapRunStatus(ctx context.Context, runID string, expectedVersion int64, status store.RunStatus, currentBranchID, currentVersionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return false, store.ErrNotFound
	}
	if r.StatusVersion != expectedVersion {
		return false, nil
	}
	r.Status = status
	if currentBranchID != "" {
		r.CurrentBranchID = currentBranchID
	}
	if currentVersionID != "" {
		r.CurrentVersionID = currentVersionID
	}
	r.StatusVersion++
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) CreateBranch(ctx context.Context, b *store.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	s.branches[b.BranchID] = b
	return nil
}

func (s *Store) GetBranch(ctx context.Context, branchID string) (*store.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.branches[branchID]; ok {
		return b, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) AppendEvent(ctx context.Context, e *store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.events = append(s.events, e)
	return nil
}

func (s *Store) GetEvents(ctx context.Context, runID string, filter store.EventFilter) ([]*store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	typeSet := make(map[store.EventType]bool, len(filter.Types))
	for _, t := range filter.Types {
		typeSet[t] = true
	}

	var out []*store.Event
	for _, e := range s.events {
		if e.WorkflowRunID != runID {
			continue
		}
		if len(typeSet) > 0 && !typeSet[e.EventType] {
			continue
		}
		if filter.StepID != "" && e.StepID != filter.StepID {
			continue
		}
		if filter.ModuleName != "" && e.ModuleName != filter.ModuleName {
			continue
		}
		if filter.SinceTime != nil && e.Timestamp.Before(*filter.SinceTime) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) GetEventsByBranchUpTo(ctx context.Context, branchID string, cutoff *string) ([]*store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Event
	for _, e := range s.events {
		if e.BranchID != branchID {
			continue
		}
		if cutoff != nil && e.EventID > *cutoff {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

func (s *Store) DeleteRunEvents(ctx context.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*store.Event
	n := 0
	for _, e := range s.events {
		if e.WorkflowRunID == runID {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return n, nil
}

func (s *Store) PutFile(ctx context.Context, f *store.WorkflowFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	s.files[fileKey(f.WorkflowRunID, f.BranchID, f.Category, f.GroupID, f.Filename)] = f
	return nil
}

func (s *Store) GetFile(ctx context.Context, runID, branchID string, category store.FileCategory, groupID, filename string) (*store.WorkflowFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[fileKey(runID, branchID, category, groupID, filename)]; ok {
		return f, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) IncrementOptionUsage(ctx context.Context, templateID, key string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.optionUse[optionKey(templateID, key)] += delta
	return nil
}

func (s *Store) TopWeightedKeywords(ctx context.Context, templateID string, limit int) ([]store.WeightedKeyword, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.WeightedKeyword
	for k, w := range s.keywords {
		tID, keyword := splitOptionKey(k)
		if tID != templateID {
			continue
		}
		out = append(out, store.WeightedKeyword{TemplateID: tID, Keyword: keyword, Weight: w})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func splitOptionKey(k string) (string, string) {
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}

func (s *Store) RecordKeywordWeight(ctx context.Context, templateID, keyword string, weight float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keywords[optionKey(templateID, keyword)] = weight
	return nil
}

func (s *Store) EnqueueTask(ctx context.Context, t *store.QueueTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.Status = store.TaskQueued
	s.tasks[t.TaskID] = t
	return nil
}

func (s *Store) GetQueuedTasksByConcurrency(ctx context.Context, group string, limit int) ([]*store.QueueTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.QueueTask
	for _, t := range s.tasks {
		if t.Status == store.TaskQueued && t.ConcurrencyGroup == group {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountProcessing(ctx context.Context, group string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == store.TaskProcessing && t.ConcurrencyGroup == group {
			n++
		}
	}
	return n, nil
}

func (s *Store) ClaimTask(ctx context.Context, taskID, workerID, group string, maxConcurrent int) (*store.QueueTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != store.TaskQueued || t.ConcurrencyGroup != group {
		return nil, nil
	}
	n := 0
	for _, o := range s.tasks {
		if o.Status == store.TaskProcessing && o.ConcurrencyGroup == group {
			n++
		}
	}
	if n >= maxConcurrent {
		return nil, nil
	}
	now := time.Now().UTC()
	t.Status = store.TaskProcessing
	t.WorkerID = workerID
	t.ClaimedAt = &now
	t.HeartbeatAt = &now
	return t, nil
}

func (s *Store) UpdateHeartbeat(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	t.HeartbeatAt = &now
	return nil
}

func (s *Store) UpdateProgress(ctx context.Context, taskID string, elapsedMS int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.Progress = &store.TaskProgress{ElapsedMS: elapsedMS, Message: message, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID string, result map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = store.TaskCompleted
	t.Result = result
	return nil
}

func (s *Store) FailTask(ctx context.Context, taskID string, taskErr store.TaskError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = store.TaskFailed
	t.Error = &taskErr
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*store.QueueTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		return t, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) RecoverStaleTasks(ctx context.Context, threshold time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == store.TaskProcessing && t.HeartbeatAt != nil && t.HeartbeatAt.Before(threshold) {
			t.Status = store.TaskQueued
			t.WorkerID = ""
			t.ClaimedAt = nil
			t.HeartbeatAt = nil
			n++
		}
	}
	return n, nil
}

func (s *Store) PutGenerationMetadata(ctx context.Context, g *store.GenerationMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	s.genMeta[g.GenerationID] = g
	return nil
}

func (s *Store) PutContentItem(ctx context.Context, c *store.ContentItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.content[c.ContentID] = c
	return nil
}

func (s *Store) ListContentByRun(ctx context.Context, runID string) ([]*store.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var genIDs = make(map[string]bool)
	for _, g := range s.genMeta {
		if g.WorkflowRunID == runID {
			genIDs[g.GenerationID] = true
		}
	}
	var out []*store.ContentItem
	for _, c := range s.content {
		if genIDs[c.GenerationID] {
			out = append(out, c)
		}
	}
	return out, nil
}

// Snapshot exports every collection as plain maps, the shape the sandbox
// gzip+base64-encodes into the client-held blob (spec.md §4.6). It round-trips
// each typed value through encoding/json so the exported shape matches
// exactly what Import expects back, regardless of concrete struct type.
func (s *Store) Snapshot(ctx context.Context) (map[string][]map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string][]map[string]interface{}{
		collUsers:     {},
		collTemplates: {},
		collVersions:  {},
		collRuns:      {},
		collBranches:  {},
		collEvents:    {},
		collFiles:     {},
		collOptionUse: {},
		collKeywords:  {},
		collTasks:     {},
		collGenMeta:   {},
		collContent:   {},
	}

	for _, u := range s.users {
		out[collUsers] = append(out[collUsers], toMap(u))
	}
	for _, t := range s.templates {
		out[collTemplates] = append(out[collTemplates], toMap(t))
	}
	for _, v := range s.versions {
		out[collVersions] = append(out[collVersions], toMap(v))
	}
	for _, r := range s.runs {
		out[collRuns] = append(out[collRuns], toMap(r))
	}
	for _, b := range s.branches {
		out[collBranches] = append(out[collBranches], toMap(b))
	}
	for _, e := range s.events {
		out[collEvents] = append(out[collEvents], toMap(e))
	}
	for _, f := range s.files {
		out[collFiles] = append(out[collFiles], toMap(f))
	}
	for k, count := range s.optionUse {
		tID, key := splitOptionKey(k)
		out[collOptionUse] = append(out[collOptionUse], toMap(store.OptionUsage{TemplateID: tID, Key: key, Count: count}))
	}
	for k, weight := range s.keywords {
		tID, keyword := splitOptionKey(k)
		out[collKeywords] = append(out[collKeywords], toMap(store.WeightedKeyword{TemplateID: tID, Keyword: keyword, Weight: weight}))
	}
	for _, t := range s.tasks {
		out[collTasks] = append(out[collTasks], toMap(t))
	}
	for _, g := range s.genMeta {
		out[collGenMeta] = append(out[collGenMeta], toMap(g))
	}
	for _, c := range s.content {
		out[collContent] = append(out[collContent], toMap(c))
	}

	return out, nil
}

// Import loads a previously-exported snapshot into this (expected to be
// freshly-created, empty) namespace.
func (s *Store) Import(ctx context.Context, collections map[string][]map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, raw := range collections[collUsers] {
		var u store.User
		if err := fromMap(raw, &u); err != nil {
			return err
		}
		s.users[u.UserID] = &u
	}
	for _, raw := range collections[collTemplates] {
		var t store.WorkflowTemplate
		if err := fromMap(raw, &t); err != nil {
			return err
		}
		s.templates[t.TemplateID] = &t
	}
	for _, raw := range collections[collVersions] {
		var v store.WorkflowVersion
		if err := fromMap(raw, &v); err != nil {
			return err
		}
		s.versions[v.VersionID] = &v
	}
	for _, raw := range collections[collRuns] {
		var r store.WorkflowRun
		if err := fromMap(raw, &r); err != nil {
			return err
		}
		s.runs[r.WorkflowRunID] = &r
	}
	for _, raw := range collections[collBranches] {
		var b store.Branch
		if err := fromMap(raw, &b); err != nil {
			return err
		}
		s.branches[b.BranchID] = &b
	}
	for _, raw := range collections[collEvents] {
		var e store.Event
		if err := fromMap(raw, &e); err != nil {
			return err
		}
		s.events = append(s.events, &e)
	}
	for _, raw := range collections[collFiles] {
		var f store.WorkflowFile
		if err := fromMap(raw, &f); err != nil {
			return err
		}
		s.files[fileKey(f.WorkflowRunID, f.BranchID, f.Category, f.GroupID, f.Filename)] = &f
	}
	for _, raw := range collections[collOptionUse] {
		var o store.OptionUsage
		if err := fromMap(raw, &o); err != nil {
			return err
		}
		s.optionUse[optionKey(o.TemplateID, o.Key)] = o.Count
	}
	for _, raw := range collections[collKeywords] {
		var k store.WeightedKeyword
		if err := fromMap(raw, &k); err != nil {
			return err
		}
		s.keywords[optionKey(k.TemplateID, k.Keyword)] = k.Weight
	}
	for _, raw := range collections[collTasks] {
		var t store.QueueTask
		if err := fromMap(raw, &t); err != nil {
			return err
		}
		s.tasks[t.TaskID] = &t
	}
	for _, raw := range collections[collGenMeta] {
		var g store.GenerationMetadata
		if err := fromMap(raw, &g); err != nil {
			return err
		}
		s.genMeta[g.GenerationID] = &g
	}
	for _, raw := range collections[collContent] {
		var c store.ContentItem
		if err := fromMap(raw, &c); err != nil {
			return err
		}
		s.content[c.ContentID] = &c
	}

	return nil
}

func toMap(v interface{}) map[string]interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]interface{}{}
	}
	return m
}

func fromMap(m map[string]interface{}, out interface{}) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
