// Package orchestrator implements the Sync Orchestrator: the job
// lifecycle state machine driving one tenant's reconciliation run end to
// end. It fetches, reconciles, values claims, persists, and publishes
// progress, with a mutex-guarded registry of in-flight jobs each
// independently progressed by a goroutine.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opside/reconciler/internal/claims"
	"github.com/opside/reconciler/internal/config"
	"github.com/opside/reconciler/internal/connectors"
	"github.com/opside/reconciler/internal/core"
	"github.com/opside/reconciler/internal/progress"
	"github.com/opside/reconciler/internal/reconcile"
	"github.com/opside/reconciler/internal/spapi"
)

// SyncLogStore is the persistence port for completed/failed sync runs.
type SyncLogStore interface {
	Create(ctx context.Context, log *core.SyncLog) error
	LatestCompleted(ctx context.Context, tenantID, source string) (*core.SyncLog, error)
}

// Job-level retry: the first attempt plus up to 3 retries, each retry
// preceded by a backoff of retryBase * 2^(retry-1) (5s, 10s, 20s).
// retryBase is a var so tests can shorten the backoff.
const maxRetries = 3

var retryBase = 5 * time.Second

// jobEntry is one in-flight or completed SyncJob plus its cancellation
// handle.
type jobEntry struct {
	mu     sync.Mutex
	job    core.SyncJob
	cancel context.CancelFunc
}

// Orchestrator drives sync jobs for every tenant. One Orchestrator is
// shared process-wide; jobs are independent and run concurrently.
type Orchestrator struct {
	mu   sync.Mutex
	jobs map[string]*jobEntry

	registry       *connectors.Registry
	engine         *reconcile.Engine
	claimsPipeline *claims.Pipeline
	marketplace    *spapi.Client
	syncLogs       SyncLogStore
	summaries      reconcile.DiscrepancySummaryStore
	bus            *progress.Bus
	marketplaceIDs []string
	cfg            config.OrchestratorConfig

	// sem caps the number of jobs running concurrently at
	// cfg.MaxJobsGlobal; queued jobs stay pending until a slot frees.
	sem chan struct{}
}

// New constructs an Orchestrator. marketplace may be nil when no
// marketplace connector is configured for this deployment (quantity
// reconciliation is then skipped). summaries serves the
// discrepancy_only sync kind.
func New(registry *connectors.Registry, engine *reconcile.Engine, claimsPipeline *claims.Pipeline, marketplace *spapi.Client, syncLogs SyncLogStore, summaries reconcile.DiscrepancySummaryStore, bus *progress.Bus, marketplaceIDs []string, cfg config.OrchestratorConfig) *Orchestrator {
	if cfg.MaxJobsGlobal <= 0 {
		cfg.MaxJobsGlobal = 16
	}
	return &Orchestrator{
		jobs:           make(map[string]*jobEntry),
		registry:       registry,
		engine:         engine,
		claimsPipeline: claimsPipeline,
		marketplace:    marketplace,
		syncLogs:       syncLogs,
		summaries:      summaries,
		bus:            bus,
		marketplaceIDs: marketplaceIDs,
		cfg:            cfg,
		sem:            make(chan struct{}, cfg.MaxJobsGlobal),
	}
}

// StartSync registers a new SyncJob and returns its id immediately; the
// actual work runs in a background goroutine once a job slot is free.
func (o *Orchestrator) StartSync(ctx context.Context, tenantID string, kind core.SyncKind, sources []string) (string, error) {
	jobID := uuid.NewString()
	jobCtx, cancel := context.WithCancel(context.Background())

	entry := &jobEntry{
		job: core.SyncJob{
			ID:        jobID,
			TenantID:  tenantID,
			Kind:      kind,
			Sources:   sources,
			State:     core.JobPending,
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}

	o.mu.Lock()
	entry.job.Metadata = map[string]interface{}{}
	o.jobs[jobID] = entry
	o.mu.Unlock()

	go func() {
		// admission gate: at most cfg.MaxJobsGlobal jobs run at once. A
		// job cancelled while still queued never starts.
		select {
		case o.sem <- struct{}{}:
		case <-jobCtx.Done():
			o.finish(entry, core.JobCancelled, nil)
			return
		}
		defer func() { <-o.sem }()
		o.run(jobCtx, entry)
	}()

	return jobID, nil
}

// Get returns a snapshot of a job's current state.
func (o *Orchestrator) Get(jobID string) (core.SyncJob, bool) {
	o.mu.Lock()
	entry, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return core.SyncJob{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.job, true
}

// Cancel requests cooperative cancellation of a running job. A no-op on
// an already-terminal job.
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.Lock()
	entry, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: job %s not found", jobID)
	}

	entry.mu.Lock()
	terminal := entry.job.State.Terminal()
	entry.mu.Unlock()
	if terminal {
		return nil
	}
	entry.cancel()
	return nil
}

// CleanupTerminal removes terminal jobs older than maxAge from the
// registry, keeping its memory footprint bounded across a long-running
// process. Intended to be driven by a cron.Schedule in cmd/server.
func (o *Orchestrator) CleanupTerminal(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	o.mu.Lock()
	defer o.mu.Unlock()
	for id, entry := range o.jobs {
		entry.mu.Lock()
		terminal := entry.job.State.Terminal()
		completedAt := entry.job.CompletedAt
		entry.mu.Unlock()

		if terminal && completedAt != nil && completedAt.Before(cutoff) {
			delete(o.jobs, id)
			removed++
		}
	}
	return removed
}

func (o *Orchestrator) run(ctx context.Context, entry *jobEntry) {
	entry.mu.Lock()
	entry.job.State = core.JobRunning
	snapshot := entry.job
	entry.mu.Unlock()
	o.publish(snapshot)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		entry.mu.Lock()
		entry.job.Attempt = attempt
		entry.mu.Unlock()

		if attempt > 0 {
			select {
			case <-time.After(retryBase * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				o.finish(entry, core.JobCancelled, nil)
				return
			}
		}

		result, err := o.execute(ctx, entry)
		if ctx.Err() != nil {
			o.finish(entry, core.JobCancelled, nil)
			return
		}
		if err == nil {
			o.finish(entry, core.JobCompleted, result)
			return
		}
		lastErr = err
	}

	entry.mu.Lock()
	entry.job.Errors = append(entry.job.Errors, lastErr.Error())
	entry.mu.Unlock()
	o.finish(entry, core.JobFailed, nil)
}

// runResult carries progress counters from execute into finish, so
// finish can build the completion Event without re-deriving them.
type runResult struct {
	current int
	total   int
}

func (o *Orchestrator) execute(ctx context.Context, entry *jobEntry) (*runResult, error) {
	entry.mu.Lock()
	tenantID := entry.job.TenantID
	kind := entry.job.Kind
	sources := entry.job.Sources
	entry.mu.Unlock()

	if kind == core.SyncDiscrepancyOnly {
		return o.runDiscrepancyOnly(ctx, entry, tenantID)
	}

	var allDiscrepancies []core.Discrepancy
	total := 0
	succeededSources := 0

	if o.marketplace != nil && wants(sources, "marketplace") {
		// Inventory summaries are always a full point-in-time snapshot;
		// SP-API has no delta endpoint for them. Incremental semantics
		// apply only to the order/return/settlement-style connectors
		// below, each resolving its own since-window via SinceLookup.
		stream := o.marketplace.FetchInventorySummaries(ctx, tenantID, o.marketplaceIDs)
		summaries, err := spapi.Collect(stream)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: fetch inventory summaries: %w", err)
		}

		result, err := o.engine.Reconcile(ctx, tenantID, summaries)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: reconcile: %w", err)
		}
		allDiscrepancies = append(allDiscrepancies, result.Discrepancies...)
		total += result.ItemsProcessed
		succeededSources++
		o.publishProgress(entry, len(allDiscrepancies), total)
	}

	sourceResults := o.registry.RunAll(ctx, tenantID, sources)
	var partialErrs []string
	for _, sr := range sourceResults {
		if sr.Err != nil {
			partialErrs = append(partialErrs, fmt.Sprintf("%s: %v", sr.Source, sr.Err))
			continue
		}
		succeededSources++
		if len(sr.Discrepancies) == 0 {
			continue
		}
		scored, err := o.engine.ReconcileStandardized(ctx, tenantID, sr.Discrepancies)
		if err != nil {
			partialErrs = append(partialErrs, fmt.Sprintf("%s: %v", sr.Source, err))
			continue
		}
		allDiscrepancies = append(allDiscrepancies, scored...)
		total += len(sr.Discrepancies)
		o.publishProgress(entry, len(allDiscrepancies), total)
	}

	if len(partialErrs) > 0 {
		entry.mu.Lock()
		entry.job.Warnings = append(entry.job.Warnings, partialErrs...)
		entry.job.Metadata["errors"] = partialErrs
		entry.mu.Unlock()
	}

	// Partial success: the job completes as long as at least one source
	// produced a result. Every source failing fails the whole job.
	if succeededSources == 0 && len(partialErrs) > 0 {
		return nil, fmt.Errorf("orchestrator: all sources failed: %s", strings.Join(partialErrs, "; "))
	}

	// Auto-resolved discrepancies never reach the claim pipeline; only
	// open ones are candidates for valuation.
	var openDiscrepancies []core.Discrepancy
	for _, d := range allDiscrepancies {
		if d.Status == core.DiscrepancyOpen {
			openDiscrepancies = append(openDiscrepancies, d)
		}
	}

	if o.claimsPipeline != nil && len(openDiscrepancies) > 0 {
		entry.mu.Lock()
		jobID := entry.job.ID
		entry.mu.Unlock()
		claimResult := o.claimsPipeline.Process(ctx, claims.Input{
			TenantID:      tenantID,
			SyncJobID:     jobID,
			Discrepancies: openDiscrepancies,
		})
		if len(claimResult.Errors) > 0 {
			entry.mu.Lock()
			for _, e := range claimResult.Errors {
				entry.job.Warnings = append(entry.job.Warnings, e.Error())
			}
			entry.mu.Unlock()
		}
	}

	if err := o.persistSyncLog(ctx, tenantID, sources, kind, len(allDiscrepancies)); err != nil {
		entry.mu.Lock()
		entry.job.Warnings = append(entry.job.Warnings, fmt.Sprintf("sync log persistence failed: %v", err))
		entry.mu.Unlock()
	}

	return &runResult{current: total, total: total}, nil
}

// runDiscrepancyOnly skips fetch entirely: it asks the Reconciliation
// Engine's summary store for the tenant's current discrepancy counts and
// records them on the job.
func (o *Orchestrator) runDiscrepancyOnly(ctx context.Context, entry *jobEntry, tenantID string) (*runResult, error) {
	if o.summaries == nil {
		return nil, fmt.Errorf("orchestrator: discrepancy_only sync requires a summary store")
	}

	summary, err := reconcile.Summarize(ctx, o.summaries, tenantID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: summarize discrepancies: %w", err)
	}

	entry.mu.Lock()
	entry.job.Metadata["discrepancy_summary"] = map[string]int{
		"open":       summary.Open,
		"resolved":   summary.Resolved,
		"suppressed": summary.Suppressed,
	}
	entry.mu.Unlock()

	return &runResult{current: 1, total: 1}, nil
}

// SinceFor implements connectors.SinceLookup against the same
// SyncLogStore the orchestrator persists to, so GenericConnectors degrade
// to a full fetch the first time a tenant/source pair has no completed
// run.
func (o *Orchestrator) SinceFor(ctx context.Context, tenantID, source string) (time.Time, error) {
	if o.syncLogs == nil {
		return time.Time{}, nil
	}
	log, err := o.syncLogs.LatestCompleted(ctx, tenantID, source)
	if err != nil {
		return time.Time{}, err
	}
	if log == nil {
		return time.Time{}, nil
	}
	return log.StartedAt, nil
}

func (o *Orchestrator) persistSyncLog(ctx context.Context, tenantID string, sources []string, kind core.SyncKind, itemsCount int) error {
	if o.syncLogs == nil {
		return nil
	}
	source := "all"
	if len(sources) == 1 {
		source = sources[0]
	}
	now := time.Now()
	return o.syncLogs.Create(ctx, &core.SyncLog{
		TenantID:    tenantID,
		Provider:    "amazon-sp-api",
		Source:      source,
		StartedAt:   now,
		CompletedAt: now,
		State:       core.JobCompleted,
		ItemsCount:  itemsCount,
	})
}

func (o *Orchestrator) finish(entry *jobEntry, state core.JobState, result *runResult) {
	now := time.Now()
	entry.mu.Lock()
	entry.job.State = state
	entry.job.CompletedAt = &now
	if result != nil {
		entry.job.Progress = core.Progress{Current: result.current, Total: result.total, Percentage: percentage(result.current, result.total)}
	}
	// progress reaches 100 exactly when the job completes, even for a
	// run that had nothing to fetch
	if state == core.JobCompleted {
		entry.job.Progress.Percentage = 100
	}
	snapshot := entry.job
	entry.mu.Unlock()
	o.publish(snapshot)
}

func (o *Orchestrator) publishProgress(entry *jobEntry, current, total int) {
	entry.mu.Lock()
	entry.job.Progress = core.Progress{Current: current, Total: total, Percentage: percentage(current, total)}
	snapshot := entry.job
	entry.mu.Unlock()
	o.publish(snapshot)
}

func (o *Orchestrator) publish(job core.SyncJob) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(progress.Event{
		JobID:      job.ID,
		TenantID:   job.TenantID,
		Percentage: job.Progress.Percentage,
		Current:    job.Progress.Current,
		Total:      job.Progress.Total,
		State:      job.State,
		Errors:     job.Errors,
		Warnings:   job.Warnings,
		Timestamp:  time.Now(),
	})
}

func percentage(current, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(current) / float64(total) * 100
}

func wants(sources []string, name string) bool {
	if len(sources) == 0 {
		return true
	}
	for _, s := range sources {
		if s == name {
			return true
		}
	}
	return false
}
