// Package scheduler implements the per-model FIFO queues, the global
// single-flight execution lock, model-switching with scoring/aging, and
// provider switching (stop-before-start). Only one local model may be
// resident at a time, so switching models always means stopping
// whichever provider is currently up before starting the next one.
package scheduler

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/localforge/modelgateway/internal/adapter"
	"github.com/localforge/modelgateway/internal/config"
	"github.com/localforge/modelgateway/internal/gatewayerr"
	"github.com/localforge/modelgateway/internal/gatewaylog"
	"github.com/localforge/modelgateway/internal/gatewaytypes"
	"github.com/localforge/modelgateway/internal/registry"
	"github.com/localforge/modelgateway/internal/supervisor"
)

// ModelResolver is the subset of Registry the Scheduler needs: the
// current provider binding for a model plus the static config the
// adapter and scoring formula depend on. Held as an interface so
// scheduler tests can fake the registry without spinning up real
// provider processes.
type ModelResolver interface {
	Current() *registry.Snapshot
	Process(providerID string) (*supervisor.Process, bool)
	ModelScores() (map[string]config.ModelScore, error)
	AppConfig() (config.AppConfig, error)
	ProviderConfig(providerID string) (config.ProviderConfig, bool)
}

// Scheduler owns the per-model queues, the active-model/active-provider
// pair, and the global execution lock enforcing "at most one local
// model resident at a time".
type Scheduler struct {
	resolver ModelResolver
	reqLog   *gatewaylog.RequestLogger

	mu             sync.Mutex
	queues         map[string]*list.List // model_id -> *list.List of *gatewaytypes.Job
	oldestCreated  map[string]time.Time
	activeModel    string
	activeProvider string
	wake           chan struct{}

	execLock sync.Mutex // held around exactly one adapter Forward call at a time

	closed chan struct{}
	once   sync.Once
}

// New builds a Scheduler and starts its background loop goroutine.
func New(resolver ModelResolver, reqLog *gatewaylog.RequestLogger) *Scheduler {
	s := &Scheduler{
		resolver:      resolver,
		reqLog:        reqLog,
		queues:        make(map[string]*list.List),
		oldestCreated: make(map[string]time.Time),
		wake:          make(chan struct{}, 1),
		closed:        make(chan struct{}),
	}
	go s.loop()
	return s
}

// Close stops the scheduling loop.
func (s *Scheduler) Close() {
	s.once.Do(func() { close(s.closed) })
}

// Submit enqueues job under job.ModelID and returns once the job
// reaches a terminal status. The per-request deadline comes from ctx.
// If ctx ends first, a still-queued job is removed and failed with
// timeout; a job already running is waited for until its adapter call
// returns (Submit does not return earlier), then its result is
// discarded and timeout is reported instead.
func (s *Scheduler) Submit(ctx context.Context, job *gatewaytypes.Job) {
	s.mu.Lock()
	q, ok := s.queues[job.ModelID]
	if !ok {
		q = list.New()
		s.queues[job.ModelID] = q
	}
	if q.Len() == 0 {
		s.oldestCreated[job.ModelID] = job.CreatedAt
	}
	q.PushBack(job)
	s.mu.Unlock()

	s.poke()

	select {
	case <-job.Done():
	case <-ctx.Done():
		s.cancel(job)
		<-job.Done()
		if job.NormalizedErr != string(gatewayerr.Timeout) {
			job.Status = gatewaytypes.StatusFailed
			job.Response = nil
			job.NormalizedErr = string(gatewayerr.Timeout)
			job.ErrMessage = "request timed out while running"
		}
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// cancel handles a client giving up on job: a still-queued job is
// removed and failed with timeout; a running job is left to complete
// (v1 cannot preempt adapters), and Submit then discards its result and
// reports timeout.
func (s *Scheduler) cancel(job *gatewaytypes.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.Status != gatewaytypes.StatusQueued {
		return
	}
	q, ok := s.queues[job.ModelID]
	if !ok {
		return
	}
	for e := q.Front(); e != nil; e = e.Next() {
		if e.Value.(*gatewaytypes.Job) == job {
			q.Remove(e)
			job.Status = gatewaytypes.StatusFailed
			job.NormalizedErr = string(gatewayerr.Timeout)
			job.ErrMessage = "request timed out while queued"
			job.Complete()
			return
		}
	}
}

func (s *Scheduler) loop() {
	for {
		select {
		case <-s.closed:
			return
		case <-s.wake:
		}

		for s.step() {
		}
	}
}

// step takes exactly one job off the active queue and either runs it to
// completion or fails it (a failed provider switch fails only that one
// job), returning true if there is more immediate work to do without
// waiting for a fresh wake signal.
func (s *Scheduler) step() bool {
	s.mu.Lock()

	if s.activeModel == "" || s.queueLenLocked(s.activeModel) == 0 {
		s.activeModel = s.pickNextModelLocked()
	}
	if s.activeModel == "" {
		s.activeProvider = ""
		s.mu.Unlock()
		return false
	}

	modelID := s.activeModel
	q := s.queues[modelID]
	front := q.Front()
	if front == nil {
		s.mu.Unlock()
		return true
	}
	job := front.Value.(*gatewaytypes.Job)

	// Dequeue and mark running in the same critical section as the
	// peek, so a concurrent cancel (guarded on StatusQueued) can no
	// longer touch this job once the lock is released below.
	q.Remove(front)
	job.Status = gatewaytypes.StatusRunning
	if q.Len() > 0 {
		s.oldestCreated[modelID] = q.Front().Value.(*gatewaytypes.Job).CreatedAt
	} else {
		delete(s.oldestCreated, modelID)
	}
	s.mu.Unlock()

	snap := s.resolver.Current()
	providerID, ok := snap.ProviderForModel(modelID)
	if !ok {
		s.finishHead(modelID, job, gatewayerr.NotFound, "model not bound to any provider")
		return true
	}

	providerCfg, ok := s.resolver.ProviderConfig(providerID)
	if !ok {
		s.finishHead(modelID, job, gatewayerr.NotFound, "provider config not found")
		return true
	}

	if err := s.ensureProviderActive(providerID); err != nil {
		s.finishHead(modelID, job, err.Code, err.Detail)
		s.mu.Lock()
		if s.queueLenLocked(modelID) == 0 {
			s.activeModel = ""
		}
		s.mu.Unlock()
		return true
	}

	s.runJob(modelID, providerID, providerCfg, job)
	return true
}

func (s *Scheduler) queueLenLocked(modelID string) int {
	q, ok := s.queues[modelID]
	if !ok {
		return 0
	}
	return q.Len()
}

// ensureProviderActive performs the stop-before-start provider switch:
// the previously active provider (if any) is stopped before the new
// one is started, bounded by its configured max_start_attempts.
func (s *Scheduler) ensureProviderActive(providerID string) *gatewayerr.Error {
	s.mu.Lock()
	prevProvider := s.activeProvider
	s.mu.Unlock()

	if prevProvider == providerID {
		return nil
	}

	if prevProvider != "" {
		if proc, ok := s.resolver.Process(prevProvider); ok {
			proc.EnsureDown(context.Background())
		}
	}

	proc, ok := s.resolver.Process(providerID)
	if !ok {
		return gatewayerr.New(gatewayerr.Unreachable, "no supervisor handle for provider "+providerID)
	}

	result := proc.EnsureUp(context.Background())
	if result == supervisor.StartFailed {
		return gatewayerr.New(gatewayerr.Unreachable, "provider "+providerID+" failed to start")
	}

	s.mu.Lock()
	s.activeProvider = providerID
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) runJob(modelID, providerID string, providerCfg config.ProviderConfig, job *gatewaytypes.Job) {
	queueWait := time.Since(job.CreatedAt)
	job.ProviderID = providerID

	reqBody, _ := job.Request.MarshalForProvider()

	start := time.Now()

	s.execLock.Lock()
	ad := adapter.ForAdapterType(providerCfg.Type)
	respBody, gwErr := ad.Forward(context.Background(), providerCfg, reqBody)
	s.execLock.Unlock()

	runtime := time.Since(start)
	job.QueueWait = queueWait
	job.Runtime = runtime

	if proc, ok := s.resolver.Process(providerID); ok {
		proc.MarkUsed()
	}

	if gwErr != nil {
		job.Status = gatewaytypes.StatusFailed
		job.NormalizedErr = string(gwErr.Code)
		job.ErrMessage = gwErr.Detail
	} else {
		job.Status = gatewaytypes.StatusDone
		resp, err := gatewaytypes.UnmarshalResponse(respBody)
		if err != nil {
			job.Status = gatewaytypes.StatusFailed
			job.NormalizedErr = string(gatewayerr.Other)
			job.ErrMessage = err.Error()
		} else {
			job.Response = resp
		}
	}

	s.reqLog.LogJob(job)
	job.Complete()

	s.mu.Lock()
	drained := s.queueLenLocked(modelID) == 0
	if drained {
		s.activeModel = ""
	}
	anyPending := s.anyQueueNonEmptyLocked()
	s.mu.Unlock()

	if drained && !anyPending {
		s.maybeIdleShutdown(providerID, providerCfg)
	}
}

func (s *Scheduler) anyQueueNonEmptyLocked() bool {
	for _, q := range s.queues {
		if q.Len() > 0 {
			return true
		}
	}
	return false
}

// maybeIdleShutdown runs once the active queue drains and no jobs are
// pending anywhere: it stops a gateway-owned
// provider after its configured idle_shutdown_seconds with no further
// use. It is a best-effort background stop -- a job arriving in the
// meantime simply re-starts the provider on its next switch.
func (s *Scheduler) maybeIdleShutdown(providerID string, providerCfg config.ProviderConfig) {
	if providerCfg.Policy.KeepWarm || providerCfg.Policy.IdleShutdownSecond <= 0 {
		return
	}
	proc, ok := s.resolver.Process(providerID)
	if !ok {
		return
	}
	wait := time.Duration(providerCfg.Policy.IdleShutdownSecond) * time.Second

	go func() {
		time.Sleep(wait)

		s.mu.Lock()
		stillIdle := s.activeModel == "" && !s.anyQueueNonEmptyLocked() && s.activeProvider == providerID
		s.mu.Unlock()
		if !stillIdle {
			return
		}

		snap := proc.Snapshot()
		if time.Since(snap.LastUsed) < wait {
			return
		}
		proc.EnsureDown(context.Background())

		s.mu.Lock()
		if s.activeProvider == providerID {
			s.activeProvider = ""
		}
		s.mu.Unlock()
	}()
}

// finishHead fails job, which step has already dequeued and marked
// running before handing it here.
func (s *Scheduler) finishHead(modelID string, job *gatewaytypes.Job, code gatewayerr.Code, detail string) {
	job.Status = gatewaytypes.StatusFailed
	job.NormalizedErr = string(code)
	job.ErrMessage = detail
	s.reqLog.LogJob(job)
	job.Complete()
}

// pickNextModelLocked implements the next-model selection formula:
// score = base_priority - load_penalty - runtime_penalty
// + aging_bonus_per_second*(now-oldest_job_created_at), always_run_last
// models deferred until they are the only candidates, ties broken by
// older oldest_job_created_at then lexicographic model id. Must be
// called with s.mu held.
func (s *Scheduler) pickNextModelLocked() string {
	type candidate struct {
		modelID       string
		score         float64
		oldest        time.Time
		alwaysLast    bool
	}

	var candidates []candidate
	now := time.Now()

	scores, _ := s.resolver.ModelScores()
	appCfg, _ := s.resolver.AppConfig()
	agingBonus := appCfg.Scheduling.AgingBonusPerSecond

	for modelID, q := range s.queues {
		if q.Len() == 0 {
			continue
		}
		oldest := s.oldestCreated[modelID]
		override := scores[modelID]
		age := now.Sub(oldest).Seconds()
		score := float64(override.BasePriority-override.LoadPenalty-override.RuntimePenalty) + agingBonus*age
		candidates = append(candidates, candidate{
			modelID:    modelID,
			score:      score,
			oldest:     oldest,
			alwaysLast: override.AlwaysRunLast,
		})
	}

	if len(candidates) == 0 {
		return ""
	}

	nonDeferred := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.alwaysLast {
			nonDeferred = append(nonDeferred, c)
		}
	}
	pool := nonDeferred
	if len(pool) == 0 {
		pool = candidates
	}

	sort.Slice(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		if !pool[i].oldest.Equal(pool[j].oldest) {
			return pool[i].oldest.Before(pool[j].oldest)
		}
		return pool[i].modelID < pool[j].modelID
	})

	return pool[0].modelID
}

// QueueDepths returns the current queue length per model, for
// diagnostics (GET /health, GET /admin/metrics).
func (s *Scheduler) QueueDepths() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.queues))
	for m, q := range s.queues {
		out[m] = q.Len()
	}
	return out
}

// ActiveModel and ActiveProvider expose the current scheduler state for
// GET /health.
func (s *Scheduler) ActiveModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeModel
}

func (s *Scheduler) ActiveProvider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeProvider
}
