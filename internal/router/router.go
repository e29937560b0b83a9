// Package router resolves route:<name> aliases, classifies adapter
// errors against a route's fallback_on set, and drives the fallback
// cascade by re-submitting to the Scheduler under alternate model
// identifiers. The Router holds a handle to the Scheduler; the Adapter
// is stateless, so there is no back-reference cycle.
package router

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/localforge/modelgateway/internal/config"
	"github.com/localforge/modelgateway/internal/gatewayerr"
	"github.com/localforge/modelgateway/internal/gatewaytypes"
	"github.com/localforge/modelgateway/internal/registry"
)

// JobRunner is the subset of Scheduler the Router depends on.
type JobRunner interface {
	Submit(ctx context.Context, job *gatewaytypes.Job)
}

// RegistryView is the subset of Registry the Router depends on.
type RegistryView interface {
	Current() *registry.Snapshot
	Routes() (map[string]config.RouteConfig, error)
	AppConfig() (config.AppConfig, error)
	Refresh(ctx context.Context, cooldown time.Duration, force bool) (*registry.Snapshot, error)
}

// Router resolves a client-supplied model string and drives the
// fallback cascade across its candidate models.
type Router struct {
	scheduler JobRunner
	reg       RegistryView
}

// New builds a Router.
func New(scheduler JobRunner, reg RegistryView) *Router {
	return &Router{scheduler: scheduler, reg: reg}
}

// Result is the outcome of Route: either a successful response or a
// terminal normalized error, plus the full per-attempt trace. The HTTP
// layer includes the trace in error responses sent to the client; the
// request log does not carry it, since its records describe one job
// each.
type Result struct {
	Response  *gatewaytypes.ChatCompletionResponse
	Err       *gatewayerr.Error
	RouteName string
	Trace     []gatewaytypes.Attempt
}

const routePrefix = "route:"

// Route resolves request.Model, runs the fallback cascade, and returns
// the final outcome.
func (r *Router) Route(ctx context.Context, req gatewaytypes.ChatCompletionRequest) Result {
	primary, routeName, fallbacks, fallbackOn, err := r.resolve(req.Model)
	if err != nil {
		return Result{Err: err, RouteName: routeName}
	}

	appCfg, _ := r.reg.AppConfig()
	maxFallbacks := appCfg.Routing.MaxFallbackAttempts
	enableFallback := appCfg.Routing.EnableFallback && routeName != ""

	candidates := append([]string{primary}, fallbacks...)

	var trace []gatewaytypes.Attempt
	var lastErr *gatewayerr.Error
	fallbacksUsed := 0
	requestID := uuid.NewString()

	for i, modelID := range candidates {
		if i > 0 {
			if !enableFallback || fallbacksUsed >= maxFallbacks {
				break
			}
			if !inSet(fallbackOn, string(lastErr.Code)) {
				break
			}
			fallbacksUsed++
		}

		if !r.modelKnown(modelID) {
			if appCfg.Runtime.AutoRefreshOnMiss {
				_, _ = r.reg.Refresh(ctx, appCfg.RefreshCooldown(), false)
			}
		}
		if !r.modelKnown(modelID) {
			lastErr = gatewayerr.New(gatewayerr.NotFound, "model "+modelID+" not found")
			trace = append(trace, gatewaytypes.Attempt{ModelID: modelID, NormalizedErr: string(lastErr.Code), Status: gatewaytypes.StatusFailed})
			continue
		}

		job := gatewaytypes.NewJob(requestID, modelID, req)
		job.JobID = uuid.NewString()
		job.RouteName = routeName
		job.AttemptIndex = i
		job.Request.Model = modelID

		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout(appCfg))
		r.scheduler.Submit(reqCtx, job)
		cancel()

		attempt := gatewaytypes.Attempt{
			ModelID:    modelID,
			ProviderID: job.ProviderID,
			Status:     job.Status,
			QueueWait:  job.QueueWait,
			Runtime:    job.Runtime,
		}

		if job.Status == gatewaytypes.StatusDone {
			attempt.Status = gatewaytypes.StatusDone
			trace = append(trace, attempt)
			return Result{Response: job.Response, RouteName: routeName, Trace: trace}
		}

		attempt.NormalizedErr = job.NormalizedErr
		trace = append(trace, attempt)
		lastErr = gatewayerr.New(gatewayerr.Code(job.NormalizedErr), job.ErrMessage)
	}

	if lastErr == nil {
		lastErr = gatewayerr.New(gatewayerr.NotFound, "no candidate model resolved")
	}
	return Result{Err: lastErr, RouteName: routeName, Trace: trace}
}

func requestTimeout(cfg config.AppConfig) time.Duration {
	d := cfg.RequestTimeout()
	if d <= 0 {
		d = 600 * time.Second
	}
	return d
}

// resolve applies the route resolution rule: a route: prefix seeds
// primary+fallbacks+fallback_on from routes.yaml; an unknown alias
// fails with not_found. A bare model id never falls back in v1 (the
// explicit-model-fallback flag is reserved but kept false, see
// config.RoutingConfig.AllowExplicitModelFallback).
func (r *Router) resolve(modelInput string) (primary, routeName string, fallbacks, fallbackOn []string, gwErr *gatewayerr.Error) {
	if strings.HasPrefix(modelInput, routePrefix) {
		name := strings.TrimPrefix(modelInput, routePrefix)
		routes, err := r.reg.Routes()
		if err != nil {
			return "", "", nil, nil, gatewayerr.New(gatewayerr.Other, err.Error())
		}
		route, ok := routes[name]
		if !ok {
			return "", "", nil, nil, gatewayerr.New(gatewayerr.NotFound, "route "+name+" not found")
		}
		return route.PrimaryModel, name, route.FallbackModels, route.FallbackOn, nil
	}
	return modelInput, "", nil, nil, nil
}

func (r *Router) modelKnown(modelID string) bool {
	snap := r.reg.Current()
	_, ok := snap.ProviderForModel(modelID)
	return ok
}

func inSet(set []string, value string) bool {
	for _, v := range set {
		if v == value {
			return true
		}
	}
	return false
}
