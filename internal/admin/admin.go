// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_admin is the operator HTTP surface: health, the
// Prometheus scrape endpoint, call history queries, and campaign control.
// It never touches live call media.
package internal_admin

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	internal_history "github.com/rapidaai/voice-engine/internal/history"
	internal_outbound "github.com/rapidaai/voice-engine/internal/outbound"
	internal_provider "github.com/rapidaai/voice-engine/internal/provider"
	internal_tools "github.com/rapidaai/voice-engine/internal/tools"
	"github.com/rapidaai/voice-engine/pkg/commons"
)

// Server is the admin API.
type Server struct {
	logger    commons.Logger
	history   internal_history.Store
	retention *internal_history.Retention
	outbound  internal_outbound.Store
	providers *internal_provider.Registry
	tools     *internal_tools.Registry
}

// New creates the admin server.
func New(logger commons.Logger, history internal_history.Store, retention *internal_history.Retention, outbound internal_outbound.Store, providers *internal_provider.Registry, tools *internal_tools.Registry) *Server {
	return &Server{
		logger:    logger,
		history:   history,
		retention: retention,
		outbound:  outbound,
		providers: providers,
		tools:     tools,
	}
}

// Router builds the gin engine with every admin route mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())

	engine.GET("/health", s.healthz)
	engine.GET("/healthz", s.healthz)
	engine.GET("/readiness", s.healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1")
	{
		v1.GET("/providers", s.listProviders)

		v1.GET("/tools", s.listTools)
		v1.POST("/tools/reload", s.reloadTools)

		v1.GET("/history", s.listHistory)
		v1.GET("/history/:call_id", s.historyDetail)
		v1.POST("/history/sweep", s.sweepHistory)

		v1.POST("/campaigns", s.createCampaign)
		v1.GET("/campaigns", s.listCampaigns)
		v1.GET("/campaigns/:campaign_id", s.getCampaign)
		v1.GET("/campaigns/:campaign_id/attempts", s.listAttempts)
		v1.POST("/campaigns/:campaign_id/start", s.setCampaignStatus(internal_outbound.CampaignRunning))
		v1.POST("/campaigns/:campaign_id/pause", s.setCampaignStatus(internal_outbound.CampaignPaused))
		v1.POST("/campaigns/:campaign_id/cancel", s.setCampaignStatus(internal_outbound.CampaignCancelled))
		v1.POST("/campaigns/:campaign_id/leads", s.addLeads)
	}
	return engine
}

// Run serves the admin API until ctx ends.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.logger.Infof("admin server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin: %w", err)
	}
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.providers.Names()})
}

// ==== tools ====

func (s *Server) listTools(c *gin.Context) {
	defs := s.tools.ForPhase(internal_tools.PhaseInCall)
	pre := s.tools.ForPhase(internal_tools.PhasePreCall)
	post := s.tools.ForPhase(internal_tools.PhasePostCall)
	c.JSON(http.StatusOK, gin.H{"in_call": defs, "pre_call": pre, "post_call": post})
}

// reloadTools swaps the tool registry from the request body. The payload
// mirrors the tools file: {"tools": [...]}. Live calls keep the schemas they
// started with; new calls pick up the swap.
func (s *Server) reloadTools(c *gin.Context) {
	var body struct {
		Tools []map[string]interface{} `json:"tools" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	defs := make([]internal_tools.ToolDefinition, 0, len(body.Tools))
	for i, raw := range body.Tools {
		var def internal_tools.ToolDefinition
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &def,
			WeaklyTypedInput: true,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := dec.Decode(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("tool %d: %v", i, err)})
			return
		}
		defs = append(defs, def)
	}

	if err := s.tools.Reload(defs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.logger.Infow("tool registry reloaded", "tools", len(defs))
	c.JSON(http.StatusOK, gin.H{"loaded": len(defs)})
}

// ==== history ====

func (s *Server) listHistory(c *gin.Context) {
	q := internal_history.Query{
		CallerNumber: c.Query("caller"),
		ContextName:  c.Query("context"),
		Provider:     c.Query("provider"),
		Outcome:      c.Query("outcome"),
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		q.Since = t
	}
	if v := c.Query("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "until must be RFC3339"})
			return
		}
		q.Until = t
	}
	q.Limit, _ = strconv.Atoi(c.Query("limit"))
	q.Offset, _ = strconv.Atoi(c.Query("offset"))

	records, err := s.history.Summaries(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": records, "count": len(records)})
}

func (s *Server) historyDetail(c *gin.Context) {
	record, err := s.history.Detail(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) sweepHistory(c *gin.Context) {
	removed, err := s.retention.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// ==== campaigns ====

type createCampaignRequest struct {
	CampaignID           string `json:"campaign_id" binding:"required"`
	Name                 string `json:"name"`
	ContextName          string `json:"context_name" binding:"required"`
	CallerID             string `json:"caller_id"`
	Trunk                string `json:"trunk" binding:"required"`
	MaxConcurrent        int    `json:"max_concurrent"`
	MinIntervalMs        int    `json:"min_interval_ms"`
	MaxAttempts          int    `json:"max_attempts"`
	ConsentPromptEnabled bool   `json:"consent_prompt_enabled"`
	ConsentMedia         string `json:"consent_media"`
	VoicemailMedia       string `json:"voicemail_media"`
	Timezone             string `json:"timezone"`
	WindowStart          string `json:"window_start"`
	WindowEnd            string `json:"window_end"`

	Leads []leadRequest `json:"leads"`
}

type leadRequest struct {
	PhoneNumber string `json:"phone_number" binding:"required"`
	Variables   string `json:"variables"`
}

func (s *Server) createCampaign(c *gin.Context) {
	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	campaign := &internal_outbound.Campaign{
		CampaignID:           req.CampaignID,
		Name:                 req.Name,
		ContextName:          req.ContextName,
		CallerID:             req.CallerID,
		Trunk:                req.Trunk,
		Status:               internal_outbound.CampaignDraft,
		MaxConcurrent:        req.MaxConcurrent,
		MinIntervalMs:        req.MinIntervalMs,
		MaxAttempts:          req.MaxAttempts,
		ConsentPromptEnabled: req.ConsentPromptEnabled,
		ConsentMedia:         req.ConsentMedia,
		VoicemailMedia:       req.VoicemailMedia,
		Timezone:             req.Timezone,
		WindowStart:          req.WindowStart,
		WindowEnd:            req.WindowEnd,
	}
	if err := s.outbound.CreateCampaign(c.Request.Context(), campaign); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	if len(req.Leads) > 0 {
		leads := make([]internal_outbound.Lead, 0, len(req.Leads))
		for _, l := range req.Leads {
			leads = append(leads, internal_outbound.Lead{
				PhoneNumber: l.PhoneNumber,
				Variables:   l.Variables,
			})
		}
		if err := s.outbound.AddLeads(c.Request.Context(), campaign.CampaignID, leads); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusCreated, campaign)
}

func (s *Server) listCampaigns(c *gin.Context) {
	campaigns, err := s.outbound.ListCampaigns(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": campaigns})
}

func (s *Server) getCampaign(c *gin.Context) {
	campaign, err := s.outbound.GetCampaign(c.Request.Context(), c.Param("campaign_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, campaign)
}

func (s *Server) listAttempts(c *gin.Context) {
	attempts, err := s.outbound.Attempts(c.Request.Context(), c.Param("campaign_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

func (s *Server) setCampaignStatus(status internal_outbound.CampaignStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("campaign_id")
		if err := s.outbound.SetCampaignStatus(c.Request.Context(), id, status); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.logger.Infow("campaign status changed", "campaign", id, "status", string(status))
		c.JSON(http.StatusOK, gin.H{"campaign_id": id, "status": status})
	}
}

func (s *Server) addLeads(c *gin.Context) {
	var req struct {
		Leads []leadRequest `json:"leads" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("campaign_id")
	if _, err := s.outbound.GetCampaign(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	leads := make([]internal_outbound.Lead, 0, len(req.Leads))
	for _, l := range req.Leads {
		leads = append(leads, internal_outbound.Lead{PhoneNumber: l.PhoneNumber, Variables: l.Variables})
	}
	if err := s.outbound.AddLeads(c.Request.Context(), id, leads); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": len(leads)})
}
