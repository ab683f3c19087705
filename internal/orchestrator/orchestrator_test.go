package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opside/reconciler/internal/config"
	"github.com/opside/reconciler/internal/connectors"
	"github.com/opside/reconciler/internal/core"
	"github.com/opside/reconciler/internal/progress"
	"github.com/opside/reconciler/internal/reconcile"
	"github.com/opside/reconciler/internal/store/memory"
)

type fakeConnector struct {
	name      string
	discs     []core.StandardizedDiscrepancy
	err       error
	blockOn   chan struct{} // when set, CollectDiscrepancies waits for cancellation
	started   chan struct{}
	startOnce sync.Once
}

func (f *fakeConnector) Name() string    { return f.name }
func (f *fakeConnector) IsEnabled() bool { return true }
func (f *fakeConnector) Health() connectors.Health {
	return connectors.Health{}
}

func (f *fakeConnector) CollectDiscrepancies(ctx context.Context, tenantID string) ([]core.StandardizedDiscrepancy, error) {
	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}
	if f.blockOn != nil {
		select {
		case <-f.blockOn:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.discs, f.err
}

func newTestOrchestrator(t *testing.T, registry *connectors.Registry) (*Orchestrator, *progress.Bus) {
	t.Helper()
	discrepancies := memory.NewDiscrepancyStore()
	engine := reconcile.New(memory.NewInventoryStore(), discrepancies, memory.NewRuleStore())
	bus := progress.NewBus()
	orch := New(registry, engine, nil, nil, memory.NewSyncLogStore(), discrepancies, bus, nil, config.OrchestratorConfig{})
	return orch, bus
}

func waitForState(t *testing.T, orch *Orchestrator, jobID string, want core.JobState) core.SyncJob {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, ok := orch.Get(jobID)
		if ok && job.State == want {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached state %s (last: %+v)", jobID, want, job)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestJobCompletesAndPersistsSyncLog(t *testing.T) {
	registry := connectors.NewRegistry()
	registry.Register(&fakeConnector{name: "orders"})

	discrepancies := memory.NewDiscrepancyStore()
	engine := reconcile.New(memory.NewInventoryStore(), discrepancies, memory.NewRuleStore())
	bus := progress.NewBus()
	syncLogs := memory.NewSyncLogStore()
	orch := New(registry, engine, nil, nil, syncLogs, discrepancies, bus, nil, config.OrchestratorConfig{})

	jobID, err := orch.StartSync(context.Background(), "tenant-1", core.SyncFull, nil)
	require.NoError(t, err)

	job := waitForState(t, orch, jobID, core.JobCompleted)
	assert.Equal(t, float64(100), job.Progress.Percentage)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.Errors)

	log, err := syncLogs.LatestCompleted(context.Background(), "tenant-1", "all")
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, core.JobCompleted, log.State)
}

func TestAllSourcesFailedFailsJobAfterRetries(t *testing.T) {
	old := retryBase
	retryBase = time.Millisecond
	t.Cleanup(func() { retryBase = old })

	registry := connectors.NewRegistry()
	registry.Register(&fakeConnector{name: "orders", err: errors.New("upstream down")})

	orch, _ := newTestOrchestrator(t, registry)

	jobID, err := orch.StartSync(context.Background(), "tenant-1", core.SyncFull, nil)
	require.NoError(t, err)

	job := waitForState(t, orch, jobID, core.JobFailed)
	assert.Equal(t, maxRetries, job.Attempt)
	require.NotEmpty(t, job.Errors)
	assert.Contains(t, job.Errors[0], "all sources failed")
}

func TestPartialSourceFailureCompletesWithWarnings(t *testing.T) {
	registry := connectors.NewRegistry()
	registry.Register(&fakeConnector{name: "orders"})
	registry.Register(&fakeConnector{name: "returns", err: errors.New("upstream 503")})

	orch, _ := newTestOrchestrator(t, registry)

	jobID, err := orch.StartSync(context.Background(), "tenant-1", core.SyncFull, nil)
	require.NoError(t, err)

	job := waitForState(t, orch, jobID, core.JobCompleted)
	require.Len(t, job.Warnings, 1)
	assert.Contains(t, job.Warnings[0], "returns")
	assert.Contains(t, job.Warnings[0], "upstream 503")
	assert.Empty(t, job.Errors)
}

func TestCancelMidFlight(t *testing.T) {
	started := make(chan struct{})
	blocking := &fakeConnector{name: "orders", blockOn: make(chan struct{}), started: started}
	registry := connectors.NewRegistry()
	registry.Register(blocking)

	orch, bus := newTestOrchestrator(t, registry)

	jobID, err := orch.StartSync(context.Background(), "tenant-1", core.SyncFull, nil)
	require.NoError(t, err)

	ch, unsub := bus.Subscribe(jobID)
	defer unsub()

	<-started
	require.NoError(t, orch.Cancel(jobID))

	job := waitForState(t, orch, jobID, core.JobCancelled)
	// a cancelled job is terminal and never retried
	assert.Equal(t, 0, job.Attempt)

	// the final bus event carries the cancelled state
	var last progress.Event
	timeout := time.After(time.Second)
drain:
	for {
		select {
		case ev := <-ch:
			last = ev
			if ev.State.Terminal() {
				break drain
			}
		case <-timeout:
			break drain
		}
	}
	assert.Equal(t, core.JobCancelled, last.State)
}

func TestCancelTerminalJobIsNoop(t *testing.T) {
	registry := connectors.NewRegistry()
	registry.Register(&fakeConnector{name: "orders"})
	orch, _ := newTestOrchestrator(t, registry)

	jobID, err := orch.StartSync(context.Background(), "tenant-1", core.SyncFull, nil)
	require.NoError(t, err)
	waitForState(t, orch, jobID, core.JobCompleted)

	require.NoError(t, orch.Cancel(jobID))
	job, _ := orch.Get(jobID)
	assert.Equal(t, core.JobCompleted, job.State)
}

func TestDiscrepancyOnlySkipsFetchAndReportsSummary(t *testing.T) {
	started := make(chan struct{}, 1)
	registry := connectors.NewRegistry()
	registry.Register(&fakeConnector{name: "orders", started: started})

	discrepancies := memory.NewDiscrepancyStore()
	require.NoError(t, discrepancies.Create(context.Background(), &core.Discrepancy{
		ID: "d1", TenantID: "tenant-1", SKU: "SKU-A", Kind: core.KindQuantity,
		Status: core.DiscrepancyOpen, CreatedAt: time.Now(),
	}))
	require.NoError(t, discrepancies.Create(context.Background(), &core.Discrepancy{
		ID: "d2", TenantID: "tenant-1", SKU: "SKU-B", Kind: core.KindQuantity,
		Status: core.DiscrepancyResolved, CreatedAt: time.Now(),
	}))

	engine := reconcile.New(memory.NewInventoryStore(), discrepancies, memory.NewRuleStore())
	bus := progress.NewBus()
	orch := New(registry, engine, nil, nil, memory.NewSyncLogStore(), discrepancies, bus, nil, config.OrchestratorConfig{})

	jobID, err := orch.StartSync(context.Background(), "tenant-1", core.SyncDiscrepancyOnly, nil)
	require.NoError(t, err)
	job := waitForState(t, orch, jobID, core.JobCompleted)

	select {
	case <-started:
		t.Fatal("discrepancy_only job must not invoke connectors")
	default:
	}

	summary, ok := job.Metadata["discrepancy_summary"].(map[string]int)
	require.True(t, ok, "job metadata must carry the discrepancy summary")
	assert.Equal(t, 1, summary["open"])
	assert.Equal(t, 1, summary["resolved"])
	assert.Equal(t, 0, summary["suppressed"])
}

func TestMaxJobsGlobalCapsConcurrency(t *testing.T) {
	blockOn := make(chan struct{})
	first := &fakeConnector{name: "orders", blockOn: blockOn, started: make(chan struct{})}
	registry := connectors.NewRegistry()
	registry.Register(first)

	discrepancies := memory.NewDiscrepancyStore()
	engine := reconcile.New(memory.NewInventoryStore(), discrepancies, memory.NewRuleStore())
	bus := progress.NewBus()
	orch := New(registry, engine, nil, nil, memory.NewSyncLogStore(), discrepancies, bus, nil, config.OrchestratorConfig{MaxJobsGlobal: 1})

	firstID, err := orch.StartSync(context.Background(), "tenant-1", core.SyncFull, nil)
	require.NoError(t, err)
	<-first.started

	secondID, err := orch.StartSync(context.Background(), "tenant-2", core.SyncFull, nil)
	require.NoError(t, err)

	// the second job stays pending while the first holds the only slot
	time.Sleep(50 * time.Millisecond)
	second, _ := orch.Get(secondID)
	assert.Equal(t, core.JobPending, second.State)

	close(blockOn)
	waitForState(t, orch, firstID, core.JobCompleted)
	waitForState(t, orch, secondID, core.JobCompleted)
}

func TestSinceForFallsBackToZero(t *testing.T) {
	orch, _ := newTestOrchestrator(t, connectors.NewRegistry())

	since, err := orch.SinceFor(context.Background(), "tenant-1", "orders")
	require.NoError(t, err)
	assert.True(t, since.IsZero())
}

func TestCleanupTerminalEvictsOldJobs(t *testing.T) {
	registry := connectors.NewRegistry()
	registry.Register(&fakeConnector{name: "orders"})
	orch, _ := newTestOrchestrator(t, registry)

	jobID, err := orch.StartSync(context.Background(), "tenant-1", core.SyncFull, nil)
	require.NoError(t, err)
	waitForState(t, orch, jobID, core.JobCompleted)

	// too young to evict
	assert.Equal(t, 0, orch.CleanupTerminal(time.Hour))
	// old enough
	assert.Equal(t, 1, orch.CleanupTerminal(-time.Minute))

	_, found := orch.Get(jobID)
	assert.False(t, found)
}

func TestProgressPercentageMonotonic(t *testing.T) {
	registry := connectors.NewRegistry()
	registry.Register(&fakeConnector{name: "orders", discs: []core.StandardizedDiscrepancy{}})
	registry.Register(&fakeConnector{name: "returns", discs: []core.StandardizedDiscrepancy{}})

	orch, bus := newTestOrchestrator(t, registry)

	jobID, err := orch.StartSync(context.Background(), "tenant-1", core.SyncFull, nil)
	require.NoError(t, err)

	ch, unsub := bus.Subscribe(jobID)
	defer unsub()
	waitForState(t, orch, jobID, core.JobCompleted)

	last := -1.0
	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			assert.GreaterOrEqual(t, ev.Percentage, last)
			last = ev.Percentage
			if ev.State.Terminal() {
				assert.Equal(t, float64(100), ev.Percentage)
				return
			}
		case <-timeout:
			return
		}
	}
}
