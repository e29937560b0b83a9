package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localforge/modelgateway/internal/config"
	"github.com/localforge/modelgateway/internal/gatewayerr"
	"github.com/localforge/modelgateway/internal/gatewaytypes"
	"github.com/localforge/modelgateway/internal/registry"
)

// fakeScheduler lets tests script the Status/NormalizedErr a Job
// reaches for each modelID it's submitted under, without running a real
// scheduler or adapter.
type fakeScheduler struct {
	outcomes map[string]func(*gatewaytypes.Job)
	attempts []string
}

func (f *fakeScheduler) Submit(ctx context.Context, job *gatewaytypes.Job) {
	f.attempts = append(f.attempts, job.ModelID)
	if fn, ok := f.outcomes[job.ModelID]; ok {
		fn(job)
	} else {
		job.Status = gatewaytypes.StatusFailed
		job.NormalizedErr = string(gatewayerr.NotFound)
	}
	job.Complete()
}

type fakeRegistryView struct {
	models map[string]string
	routes map[string]config.RouteConfig
	appCfg config.AppConfig
}

func (f *fakeRegistryView) Current() *registry.Snapshot {
	return &registry.Snapshot{ModelToProvider: f.models}
}
func (f *fakeRegistryView) Routes() (map[string]config.RouteConfig, error) { return f.routes, nil }
func (f *fakeRegistryView) AppConfig() (config.AppConfig, error)           { return f.appCfg, nil }
func (f *fakeRegistryView) Refresh(ctx context.Context, cooldown time.Duration, force bool) (*registry.Snapshot, error) {
	return f.Current(), nil
}

func succeed(providerID string) func(*gatewaytypes.Job) {
	return func(j *gatewaytypes.Job) {
		j.ProviderID = providerID
		j.Status = gatewaytypes.StatusDone
		j.Response = &gatewaytypes.ChatCompletionResponse{ID: "chatcmpl-1", Model: j.ModelID}
	}
}

func failWith(code gatewayerr.Code) func(*gatewaytypes.Job) {
	return func(j *gatewaytypes.Job) {
		j.Status = gatewaytypes.StatusFailed
		j.NormalizedErr = string(code)
		j.ErrMessage = "boom"
	}
}

func TestRoute_BareModel_Success(t *testing.T) {
	sched := &fakeScheduler{outcomes: map[string]func(*gatewaytypes.Job){
		"model-a": succeed("provider-1"),
	}}
	reg := &fakeRegistryView{
		models: map[string]string{"model-a": "provider-1"},
		routes: map[string]config.RouteConfig{},
		appCfg: config.DefaultAppConfig(),
	}
	r := New(sched, reg)

	result := r.Route(context.Background(), gatewaytypes.ChatCompletionRequest{Model: "model-a"})
	require.Nil(t, result.Err)
	require.NotNil(t, result.Response)
	require.Equal(t, []string{"model-a"}, sched.attempts)
}

func TestRoute_UnknownBareModel_NoFallback(t *testing.T) {
	sched := &fakeScheduler{outcomes: map[string]func(*gatewaytypes.Job){}}
	reg := &fakeRegistryView{
		models: map[string]string{},
		routes: map[string]config.RouteConfig{},
		appCfg: config.AppConfig{Runtime: config.RuntimeConfig{AutoRefreshOnMiss: false, RequestTimeoutSeconds: 5}},
	}
	r := New(sched, reg)

	result := r.Route(context.Background(), gatewaytypes.ChatCompletionRequest{Model: "ghost"})
	require.NotNil(t, result.Err)
	require.Equal(t, gatewayerr.NotFound, result.Err.Code)
	require.Empty(t, sched.attempts, "an unknown bare model id should never reach the scheduler")
}

func TestRoute_UnknownRoute_NotFound(t *testing.T) {
	sched := &fakeScheduler{}
	reg := &fakeRegistryView{routes: map[string]config.RouteConfig{}, appCfg: config.DefaultAppConfig()}
	r := New(sched, reg)

	result := r.Route(context.Background(), gatewaytypes.ChatCompletionRequest{Model: "route:missing"})
	require.NotNil(t, result.Err)
	require.Equal(t, gatewayerr.NotFound, result.Err.Code)
}

func TestRoute_FallbackOnMatchingError(t *testing.T) {
	sched := &fakeScheduler{outcomes: map[string]func(*gatewaytypes.Job){
		"primary-model":  failWith(gatewayerr.Unreachable),
		"fallback-model": succeed("provider-2"),
	}}
	reg := &fakeRegistryView{
		models: map[string]string{"primary-model": "provider-1", "fallback-model": "provider-2"},
		routes: map[string]config.RouteConfig{
			"coder": {
				PrimaryModel:   "primary-model",
				FallbackModels: []string{"fallback-model"},
				FallbackOn:     []string{"unreachable", "timeout"},
			},
		},
		appCfg: config.AppConfig{
			Routing: config.RoutingConfig{EnableFallback: true, MaxFallbackAttempts: 2},
			Runtime: config.RuntimeConfig{RequestTimeoutSeconds: 5},
		},
	}
	r := New(sched, reg)

	result := r.Route(context.Background(), gatewaytypes.ChatCompletionRequest{Model: "route:coder"})
	require.Nil(t, result.Err)
	require.NotNil(t, result.Response)
	require.Equal(t, []string{"primary-model", "fallback-model"}, sched.attempts)
	require.Len(t, result.Trace, 2)
}

func TestRoute_NoFallbackWhenErrorNotInFallbackOn(t *testing.T) {
	sched := &fakeScheduler{outcomes: map[string]func(*gatewaytypes.Job){
		"primary-model": failWith(gatewayerr.BadRequest),
	}}
	reg := &fakeRegistryView{
		models: map[string]string{"primary-model": "provider-1", "fallback-model": "provider-2"},
		routes: map[string]config.RouteConfig{
			"coder": {
				PrimaryModel:   "primary-model",
				FallbackModels: []string{"fallback-model"},
				FallbackOn:     []string{"unreachable", "timeout"},
			},
		},
		appCfg: config.AppConfig{
			Routing: config.RoutingConfig{EnableFallback: true, MaxFallbackAttempts: 2},
			Runtime: config.RuntimeConfig{RequestTimeoutSeconds: 5},
		},
	}
	r := New(sched, reg)

	result := r.Route(context.Background(), gatewaytypes.ChatCompletionRequest{Model: "route:coder"})
	require.NotNil(t, result.Err)
	require.Equal(t, gatewayerr.BadRequest, result.Err.Code)
	require.Equal(t, []string{"primary-model"}, sched.attempts)
}

func TestRoute_SharesRequestIDAcrossFallbackAttempts(t *testing.T) {
	var seenRequestIDs []string
	sched := &fakeScheduler{outcomes: map[string]func(*gatewaytypes.Job){
		"primary-model": func(j *gatewaytypes.Job) {
			seenRequestIDs = append(seenRequestIDs, j.RequestID)
			j.Status = gatewaytypes.StatusFailed
			j.NormalizedErr = string(gatewayerr.Unreachable)
		},
		"fallback-model": func(j *gatewaytypes.Job) {
			seenRequestIDs = append(seenRequestIDs, j.RequestID)
			j.Status = gatewaytypes.StatusDone
			j.Response = &gatewaytypes.ChatCompletionResponse{ID: "chatcmpl-1"}
		},
	}}
	reg := &fakeRegistryView{
		models: map[string]string{"primary-model": "provider-1", "fallback-model": "provider-2"},
		routes: map[string]config.RouteConfig{
			"coder": {PrimaryModel: "primary-model", FallbackModels: []string{"fallback-model"}, FallbackOn: []string{"unreachable"}},
		},
		appCfg: config.AppConfig{
			Routing: config.RoutingConfig{EnableFallback: true, MaxFallbackAttempts: 1},
			Runtime: config.RuntimeConfig{RequestTimeoutSeconds: 5},
		},
	}
	r := New(sched, reg)

	r.Route(context.Background(), gatewaytypes.ChatCompletionRequest{Model: "route:coder"})
	require.Len(t, seenRequestIDs, 2)
	require.Equal(t, seenRequestIDs[0], seenRequestIDs[1], "every attempt in one client request must share a request_id")
}

func TestRoute_StreamingRequestIsRejectedByHTTPLayer(t *testing.T) {
	// Route itself has no opinion on streaming; the HTTP layer rejects
	// stream:true before ever calling Route. This test documents that
	// contract at the Router boundary: Route does not special-case
	// Stream at all.
	sched := &fakeScheduler{outcomes: map[string]func(*gatewaytypes.Job){"model-a": succeed("provider-1")}}
	reg := &fakeRegistryView{
		models: map[string]string{"model-a": "provider-1"},
		routes: map[string]config.RouteConfig{},
		appCfg: config.DefaultAppConfig(),
	}
	r := New(sched, reg)
	result := r.Route(context.Background(), gatewaytypes.ChatCompletionRequest{Model: "model-a", Stream: true})
	require.Nil(t, result.Err)
}
