// Package worker implements the poll-claim-heartbeat-ack loop of spec.md
// §4.5: a single cooperative poll loop per process that dispatches claimed
// tasks onto background goroutines, each paired with its own heartbeat
// goroutine, bounded by a shutdown grace period.
//
// Grounded on the teacher's cmd/workflow-runner/worker poll-loop shape
// (goroutine per unit of work, backoff on transient error, ack-or-retry on
// completion), re-targeted from Redis-stream consumption to the queue
// package's Postgres row-claim operations.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lyzr/workflow-orchestrator/internal/errors"
	"github.com/lyzr/workflow-orchestrator/internal/idgen"
	"github.com/lyzr/workflow-orchestrator/internal/queue"
	"github.com/lyzr/workflow-orchestrator/internal/store"
)

// Actor executes one task's out-of-band work and returns its result, or an
// error which is classified and recorded as the task's failure.
type Actor func(ctx context.Context, task *store.QueueTask) (map[string]interface{}, error)

// GroupLimits maps a concurrency_group name to its max_concurrent cap.
type GroupLimits map[string]int

// Config holds the pool's scheduling parameters, mirroring config.QueueConfig.
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	ShutdownGrace     time.Duration
	ConcurrencyCaps   GroupLimits
}

// Pool is one worker process's poll loop plus its in-flight task set.
type Pool struct {
	q        *queue.Queue
	actors   map[string]Actor
	cfg      Config
	workerID string
	log      *slog.Logger

	wg sync.WaitGroup
}

// New builds a Pool. actors maps actor name (spec.md's "actor (e.g.
// 'media')") to the function that performs its work.
func New(q *queue.Queue, actors map[string]Actor, cfg Config, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if cfg.HeartbeatInterval >= cfg.StaleThreshold {
		panic("heartbeat interval must be strictly less than stale threshold")
	}
	workerID := idgen.New()
	return &Pool{
		q:        q,
		actors:   actors,
		cfg:      cfg,
		workerID: workerID,
		log:      log.With("worker_id", workerID),
	}
}

// Run blocks polling every group's queue until ctx is cancelled, then stops
// polling, waits up to ShutdownGrace for in-flight tasks to finish, and
// returns. It recovers stale tasks once before entering the poll loop.
func (p *Pool) Run(ctx context.Context) error {
	n, err := p.q.RecoverStale(ctx, time.Now().UTC().Add(-p.cfg.StaleThreshold))
	if err != nil {
		return errors.Wrap(errors.KindQueue, "recover stale tasks at startup", err)
	}
	if n > 0 {
		p.log.Info("recovered stale tasks", "count", n)
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return p.shutdown()
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce runs one scheduling pass over every registered concurrency
// group: compute headroom, fetch that many queued tasks, attempt to claim
// each, and launch a goroutine per successful claim.
func (p *Pool) pollOnce(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for group, max := range p.cfg.ConcurrencyCaps {
		group, max := group, max
		g.Go(func() error {
			p.pollGroup(ctx, group, max)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) pollGroup(ctx context.Context, group string, max int) {
	processing, err := p.q.CountProcessing(ctx, group)
	if err != nil {
		p.log.Error("count processing failed", "group", group, "error", err)
		return
	}
	avail := max - processing
	if avail <= 0 {
		return
	}

	tasks, err := p.q.Available(ctx, group, avail)
	if err != nil {
		p.log.Error("list queued tasks failed", "group", group, "error", err)
		return
	}

	for _, t := range tasks {
		claimed, err := p.q.Claim(ctx, t.TaskID, p.workerID, group, max)
		if err != nil {
			p.log.Error("claim failed", "task_id", t.TaskID, "error", err)
			continue
		}
		if claimed == nil {
			// Lost the race to another worker, or the group filled up
			// between Available and Claim — not an error, move on.
			continue
		}
		tasksClaimed.WithLabelValues(group).Inc()
		tasksProcessing.WithLabelValues(group).Inc()
		p.dispatch(claimed)
	}
}

// dispatch launches the claimed task's actor and its heartbeat on separate
// goroutines, tracked by the pool's WaitGroup so Run's shutdown path can
// wait for them to drain.
func (p *Pool) dispatch(t *store.QueueTask) {
	actor, ok := p.actors[t.Actor]
	if !ok {
		p.log.Error("no actor registered", "actor", t.Actor, "task_id", t.TaskID)
		_ = p.q.Fail(context.Background(), t.TaskID, store.TaskError{
			Type:    "execution_boundary",
			Message: "no actor registered for " + t.Actor,
		})
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.runHeartbeat(hbCtx, t.TaskID)
	}()
	go func() {
		defer p.wg.Done()
		defer stopHeartbeat()
		p.runTask(context.Background(), t, actor)
	}()
}

// runHeartbeat updates the claimed task's heartbeat_at every
// HeartbeatInterval from its own goroutine, so the heartbeat never waits on
// the actor's work, until hbCtx is cancelled by the task's own completion.
func (p *Pool) runHeartbeat(hbCtx context.Context, taskID string) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-hbCtx.Done():
			return
		case <-ticker.C:
			if err := p.q.Heartbeat(context.Background(), taskID); err != nil {
				p.log.Error("heartbeat failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// runTask executes the actor and records its terminal state. Suspension
// only happens inside the actor's own network I/O (spec.md §5); this
// goroutine blocks on it like any synchronous call.
func (p *Pool) runTask(ctx context.Context, t *store.QueueTask, actor Actor) {
	defer tasksProcessing.WithLabelValues(t.ConcurrencyGroup).Dec()

	result, err := actor(ctx, t)
	if err != nil {
		taskErr := store.TaskError{Type: "module_execution", Message: err.Error()}
		if e, ok := err.(*errors.E); ok {
			taskErr.Type = string(e.Kind)
			taskErr.Message = e.Message
		}
		if failErr := p.q.Fail(context.Background(), t.TaskID, taskErr); failErr != nil {
			p.log.Error("recording task failure failed", "task_id", t.TaskID, "error", failErr)
		}
		tasksFailed.WithLabelValues(t.Actor).Inc()
		return
	}
	if err := p.q.Complete(context.Background(), t.TaskID, result); err != nil {
		p.log.Error("recording task completion failed", "task_id", t.TaskID, "error", err)
	}
	tasksCompleted.WithLabelValues(t.Actor).Inc()
}

// shutdown waits up to ShutdownGrace for in-flight tasks to drain.
func (p *Pool) shutdown() error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(p.cfg.ShutdownGrace):
		p.log.Warn("shutdown grace period elapsed with tasks still in flight")
		return nil
	}
}
