// Package httpapi implements the gateway's front end: request
// validation, Job construction, and its HTTP endpoints. HTTP framing
// lives entirely at this boundary, built with gin-gonic/gin.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/localforge/modelgateway/internal/gatewayerr"
	"github.com/localforge/modelgateway/internal/gatewaylog"
	"github.com/localforge/modelgateway/internal/gatewaytypes"
	"github.com/localforge/modelgateway/internal/registry"
	"github.com/localforge/modelgateway/internal/router"
	"github.com/localforge/modelgateway/internal/scheduler"
)

// Server wires the Registry, Scheduler and Router behind the OpenAI
// wire surface.
type Server struct {
	engine *gin.Engine

	reg    *registry.Registry
	sched  *scheduler.Scheduler
	rt     *router.Router
	reqLog *gatewaylog.RequestLogger
	gwName string
}

// New builds a Server and registers its routes.
func New(reg *registry.Registry, sched *scheduler.Scheduler, rt *router.Router, reqLog *gatewaylog.RequestLogger) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		reg:    reg,
		sched:  sched,
		rt:     rt,
		reqLog: reqLog,
		gwName: "local-model-gateway",
	}
	s.routes()
	return s
}

// Engine exposes the underlying gin.Engine, e.g. for http.ListenAndServe.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/v1/models", s.handleListModels)
	s.engine.POST("/v1/chat/completions", s.handleChatCompletions)
	s.engine.POST("/refresh", s.handleRefresh)
	s.engine.GET("/admin/providers", s.handleAdminProviders)
	s.engine.GET("/admin/registry", s.handleAdminRegistry)
	s.engine.GET("/admin/logs", s.handleAdminLogs)
	s.engine.GET("/admin/metrics", s.handleAdminMetrics)
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.reg.Current()
	queueDepths := s.sched.QueueDepths()

	providerStatuses := make([]gin.H, 0)
	for _, proc := range s.reg.Providers() {
		snapshot := proc.Snapshot()
		providerStatuses = append(providerStatuses, gin.H{
			"id":      snapshot.ID,
			"state":   snapshot.State,
			"healthy": snapshot.Healthy,
			"owned":   snapshot.Owned,
		})
	}

	var registryTimestamp time.Time
	if snap != nil {
		registryTimestamp = snap.BuiltAt
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"active_model":      s.sched.ActiveModel(),
		"active_provider":   s.sched.ActiveProvider(),
		"queue_depths":      queueDepths,
		"providers":         providerStatuses,
		"registry_built_at": registryTimestamp,
	})
}

func (s *Server) handleListModels(c *gin.Context) {
	snap := s.reg.Current()
	entries := make([]gatewaytypes.ModelListEntry, 0)
	if snap != nil {
		for _, modelID := range snap.Models() {
			entries = append(entries, gatewaytypes.ModelListEntry{
				ID:      modelID,
				Object:  "model",
				OwnedBy: s.gwName,
			})
		}
	}

	routeIDs, err := s.reg.RoutesAsPseudoModels()
	if err == nil {
		for _, id := range routeIDs {
			entries = append(entries, gatewaytypes.ModelListEntry{
				ID:      id,
				Object:  "model",
				OwnedBy: s.gwName + "-route",
			})
		}
	}

	c.JSON(http.StatusOK, gin.H{"object": "list", "data": entries})
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.writeError(c, gatewayerr.New(gatewayerr.BadRequest, err.Error()), nil)
		return
	}

	var req gatewaytypes.ChatCompletionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeError(c, gatewayerr.New(gatewayerr.BadRequest, err.Error()), nil)
		return
	}
	req.Raw = raw

	if req.Stream {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": gin.H{
				"message": "stream=true is not supported",
				"type":    gatewayerr.Other,
			},
		})
		return
	}
	if req.Model == "" {
		s.writeError(c, gatewayerr.New(gatewayerr.BadRequest, "model is required"), nil)
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(c, gatewayerr.New(gatewayerr.BadRequest, "messages is required"), nil)
		return
	}

	result := s.rt.Route(c.Request.Context(), req)
	if result.Err != nil {
		s.writeError(c, result.Err, result.Trace)
		return
	}

	c.JSON(http.StatusOK, result.Response)
}

func (s *Server) writeError(c *gin.Context, gwErr *gatewayerr.Error, trace []gatewaytypes.Attempt) {
	status := gatewayerr.StatusCode(gwErr.Code)
	body := gin.H{
		"error": gin.H{
			"message": gwErr.Error(),
			"type":    gwErr.Code,
		},
	}
	if len(trace) > 0 {
		body["error"].(gin.H)["attempts"] = trace
	}
	c.JSON(status, body)
}

func (s *Server) handleRefresh(c *gin.Context) {
	appCfg, _ := s.reg.AppConfig()
	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	snap, err := s.reg.Refresh(ctx, appCfg.RefreshCooldown(), false)
	if err != nil {
		if buildErr, ok := err.(*registry.BuildError); ok {
			c.JSON(http.StatusConflict, gin.H{
				"status":     "duplicate_models",
				"duplicates": buildErr.Duplicates,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "refreshed",
		"providers":  len(s.reg.Providers()),
		"models":     len(snap.Models()),
		"duplicates": snap.Duplicates,
		"timestamp":  snap.BuiltAt,
	})
}

func (s *Server) handleAdminProviders(c *gin.Context) {
	out := make([]gin.H, 0)
	for _, proc := range s.reg.Providers() {
		snap := proc.Snapshot()
		cfg := proc.Config()
		out = append(out, gin.H{
			"id":             snap.ID,
			"type":           cfg.Type,
			"resource_group": cfg.ResourceGroup,
			"detected":       snap.Detected,
			"healthy":        snap.Healthy,
			"owned":          snap.Owned,
			"state":          snap.State,
			"last_error":     snap.LastError,
			"last_health_at": snap.LastHealth,
			"last_used_at":   snap.LastUsed,
		})
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

func (s *Server) handleAdminRegistry(c *gin.Context) {
	snap := s.reg.Current()
	if snap == nil {
		c.JSON(http.StatusOK, gin.H{"models": gin.H{}, "built_at": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"models":     snap.ModelToProvider,
		"duplicates": snap.Duplicates,
		"built_at":   snap.BuiltAt,
	})
}

func (s *Server) handleAdminLogs(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if parsed, err := parsePositiveInt(v); err == nil {
			limit = parsed
		}
	}
	c.JSON(http.StatusOK, gin.H{"logs": s.reqLog.Recent(limit)})
}

func (s *Server) handleAdminMetrics(c *gin.Context) {
	recent := s.reqLog.Recent(0)
	counts := map[string]int{}
	for _, rec := range recent {
		key := rec.Status
		if rec.Status == "failed" && rec.NormalizedErr != "" {
			key = "failed:" + rec.NormalizedErr
		}
		counts[key]++
	}
	c.JSON(http.StatusOK, gin.H{
		"completion_counts": counts,
		"queue_depths":      s.sched.QueueDepths(),
	})
}

var errNegativeLimit = errors.New("limit must not be negative")

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errNegativeLimit
	}
	return n, nil
}
