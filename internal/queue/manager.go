package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/dockgen/dockgen/internal/builder"
	"github.com/dockgen/dockgen/internal/config"
	"github.com/dockgen/dockgen/internal/job"
	"github.com/dockgen/dockgen/internal/metrics"
	"github.com/dockgen/dockgen/internal/orchestrator"
	"github.com/dockgen/dockgen/internal/store"
	"github.com/dockgen/dockgen/internal/workspace"
)

var ErrInvalidRequest = errors.New("invalid build request")

const sweepInterval = 24 * time.Hour

type Manager struct {
	cfg        config.Config
	store      *store.Store
	orch       *orchestrator.Orchestrator
	workspaces *workspace.Manager
	metrics    *metrics.Metrics

	mu    sync.RWMutex
	jobs  map[string]*job.Record
	queue []string
	// wake holds at most one signal that queue gained an entry.
	wake chan struct{}

	once sync.Once
	wg   sync.WaitGroup
}

func New(cfg config.Config, st *store.Store, orch *orchestrator.Orchestrator, ws *workspace.Manager, m *metrics.Metrics) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      st,
		orch:       orch,
		workspaces: ws,
		metrics:    m,
		jobs:       map[string]*job.Record{},
		wake:       make(chan struct{}, 1),
	}
}

// Start recovers persisted records, sweeps stale workspaces and starts the
// workers. Workers stop when ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.store.EnsureDirs(); err != nil {
		return err
	}
	if err := m.recoverJobs(ctx); err != nil {
		return err
	}
	m.sweep(ctx)

	m.once.Do(func() {
		workers := m.cfg.Workers
		if workers <= 0 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			m.wg.Add(1)
			go m.worker(ctx, i)
		}
		if m.cfg.Retention() > 0 {
			go m.sweepLoop(ctx)
		}
	})
	return nil
}

// Wait blocks until every worker has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) Submit(ctx context.Context, req orchestrator.Request) (*job.Record, error) {
	req.BuildID = strings.TrimSpace(req.BuildID)
	if req.BuildID == "" {
		return nil, fmt.Errorf("%w: buildId is required", ErrInvalidRequest)
	}

	rec := job.New(uuid.NewString(), req.BuildID, req.Recipe, req.RepoContext, time.Now())
	if err := m.store.Save(rec); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.jobs[rec.ID] = rec
	copyRec := *rec
	m.mu.Unlock()

	log.G(ctx).WithFields(log.Fields{"job_id": rec.ID, "build_id": rec.BuildID}).Info("build queued")
	m.enqueue(rec.ID)
	return &copyRec, nil
}

func (m *Manager) Get(jobID string) (*job.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[jobID]
	if !ok {
		return nil, false
	}
	copyRec := *rec
	return &copyRec, true
}

// List returns every known record, newest first.
func (m *Manager) List() []*job.Record {
	m.mu.RLock()
	out := make([]*job.Record, 0, len(m.jobs))
	for _, rec := range m.jobs {
		copyRec := *rec
		out = append(out, &copyRec)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) recoverJobs(ctx context.Context) error {
	recs, err := m.store.LoadAll()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		m.mu.Lock()
		m.jobs[rec.ID] = rec
		m.mu.Unlock()
		switch rec.State {
		case job.StatePending:
			m.enqueue(rec.ID)
		case job.StateBuilding:
			rec.Requeue(time.Now(), "requeued after restart")
			if err := m.store.Save(rec); err != nil {
				return err
			}
			log.G(ctx).WithField("job_id", rec.ID).Info("requeued interrupted build")
			m.enqueue(rec.ID)
		}
	}
	if len(recs) > 0 {
		log.G(ctx).WithFields(log.Fields{"records": len(recs), "queued": m.queued()}).Info("recovered build records")
	}
	return nil
}

func (m *Manager) worker(ctx context.Context, n int) {
	defer m.wg.Done()
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("worker", n))
	for {
		if ctx.Err() != nil {
			return
		}
		if id, ok := m.dequeue(); ok {
			m.process(ctx, id)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}
	}
}

func (m *Manager) process(ctx context.Context, id string) {
	m.mu.Lock()
	rec, ok := m.jobs[id]
	if !ok || rec.State != job.StatePending {
		m.mu.Unlock()
		return
	}
	if err := rec.Transition(job.StateBuilding, time.Now(), "build started"); err != nil {
		m.mu.Unlock()
		return
	}
	m.save(ctx, rec)
	req := orchestrator.Request{
		Recipe:      rec.Recipe,
		BuildID:     rec.BuildID,
		RepoContext: rec.RepoContext,
	}
	m.mu.Unlock()

	req.OnTransition = func(_, to orchestrator.State) {
		m.update(ctx, id, func(r *job.Record) { r.SetPhase(string(to), time.Now()) })
	}
	req.Progress = func(u builder.ProgressUpdate) {
		m.update(ctx, id, func(r *job.Record) {
			at := u.HeartbeatAt.UTC()
			r.CurrentStep = u.Step + " " + u.Message
			r.HeartbeatAt = &at
		})
	}

	ctx = log.WithLogger(ctx, log.G(ctx).WithField("job_id", id))
	report := m.orch.Run(ctx, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.apply(rec, report)
	m.save(ctx, rec)
}

func (m *Manager) apply(rec *job.Record, report orchestrator.Report) {
	now := time.Now()
	validation := report.Validation
	rec.Validation = &validation
	rec.UsedFallback = report.UsedFallback
	rec.EffectiveRecipe = report.EffectiveRecipe
	rec.FailureCause = report.FailureCause

	if report.Result.Success {
		if err := rec.MarkSucceeded(now, report.Result.ImageReference); err == nil {
			return
		}
		report.Result.Error = "inconsistent build result"
	}
	rec.WorkspaceDir = report.WorkspaceDir
	if err := rec.MarkFailed(now, errors.New(report.Result.Error), report.FailureKind); err != nil {
		n := now.UTC()
		rec.State = job.StateError
		rec.UpdatedAt = n
		rec.Error = report.Result.Error
		rec.FailureKind = report.FailureKind
		rec.FinishedAt = &n
	}
}

func (m *Manager) update(ctx context.Context, id string, fn func(*job.Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return
	}
	fn(rec)
	m.save(ctx, rec)
}

func (m *Manager) save(ctx context.Context, rec *job.Record) {
	if err := m.store.Save(rec); err != nil {
		log.G(ctx).WithError(err).WithField("job_id", rec.ID).Warn("persist record")
	}
}

// enqueue never blocks, so recovery can queue any number of records before
// the workers exist.
func (m *Manager) enqueue(jobID string) {
	m.mu.Lock()
	m.queue = append(m.queue, jobID)
	m.metrics.SetQueueDepth(len(m.queue))
	m.mu.Unlock()
	m.signal()
}

func (m *Manager) dequeue() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return "", false
	}
	id := m.queue[0]
	m.queue[0] = ""
	m.queue = m.queue[1:]
	m.metrics.SetQueueDepth(len(m.queue))
	if len(m.queue) > 0 {
		// pass the wakeup on to another idle worker
		m.signal()
	}
	return id, true
}

// queued reports how many job ids are waiting for a worker.
func (m *Manager) queued() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queue)
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep removes failed workspaces past retention. Directories of records
// still building are younger than any sane retention window.
func (m *Manager) sweep(ctx context.Context) {
	if m.workspaces == nil {
		return
	}
	removed, err := m.workspaces.Sweep(ctx, m.cfg.Retention())
	if err != nil {
		log.G(ctx).WithError(err).Warn("workspace sweep failed")
		return
	}
	if len(removed) > 0 {
		log.G(ctx).WithField("count", len(removed)).Info("swept stale workspaces")
	}
}
