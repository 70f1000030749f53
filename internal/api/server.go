// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api is the OpenAI-compatible HTTP front of webrelay.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/webrelay/internal/buildinfo"
	"github.com/traylinx/webrelay/internal/config"
	"github.com/traylinx/webrelay/internal/engine"
	"github.com/traylinx/webrelay/internal/logging"
	"github.com/traylinx/webrelay/internal/orchestrator"
	"github.com/traylinx/webrelay/internal/session"
	"github.com/traylinx/webrelay/internal/util"
)

// Engine is the orchestrator surface served over HTTP.
type Engine interface {
	Submit(ctx context.Context, req *engine.NormalizedRequest) (*orchestrator.Stream, error)
	Cancel(correlationID string) bool
	Active() []string
	Stats() orchestrator.Stats
}

// SessionLister reports pooled sessions.
type SessionLister interface {
	Snapshot() []session.Info
}

// Server owns the gin engine and the listening http.Server.
type Server struct {
	cfg      *config.Config
	engine   Engine
	sessions SessionLister
	state    *util.StateBox
	tokens   tokenCounter
	started  time.Time

	router *gin.Engine
	srv    *http.Server
}

// NewServer builds the router. sessions and state may be nil.
func NewServer(cfg *config.Config, eng Engine, sessions SessionLister, state *util.StateBox) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		cfg:      cfg,
		engine:   eng,
		sessions: sessions,
		state:    state,
		started:  time.Now(),
		router:   gin.New(),
	}
	s.router.Use(gin.Recovery(), requestID(), logging.GinLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthz)

	v1 := s.router.Group("/v1", s.authenticate())
	v1.POST("/chat/completions", s.chatCompletions)
	v1.GET("/models", s.models)
	v1.POST("/cancel/:id", s.cancel)

	mgmt := s.router.Group("/v1", s.authenticate(), s.localOnly())
	mgmt.GET("/sessions", s.listSessions)
	mgmt.GET("/state", StateBoxStatusHandler(s.state))
	mgmt.GET("/stats", s.stats)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and blocks until the server stops. A clean
// Shutdown returns nil.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithField("addr", addr).Info("API server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// requestID stores the caller's X-Request-ID, or a fresh one, under "request_id".
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// authenticate requires one of the configured API keys, as a bearer token or X-API-Key.
// Without keys every request passes.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.cfg.APIKeys) == 0 {
			c.Next()
			return
		}
		key := strings.TrimSpace(c.GetHeader("X-API-Key"))
		if auth := c.GetHeader("Authorization"); key == "" && strings.HasPrefix(auth, "Bearer ") {
			key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
		for _, k := range s.cfg.APIKeys {
			if key != "" && subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("invalid or missing API key", "invalid_request_error", "invalid_api_key"))
	}
}

// localOnly restricts diagnostics to direct loopback callers when no API keys are set.
func (s *Server) localOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.cfg.APIKeys) > 0 || util.IsLocalhostDirect(c) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, errorBody("management endpoints are only available from localhost", "permission_error", ""))
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": buildinfo.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"active":  len(s.engine.Active()),
	})
}

func (s *Server) models(c *gin.Context) {
	created := s.started.Unix()
	seen := make(map[string]bool)
	var data []Model
	add := func(id, owner string) {
		if seen[id] {
			return
		}
		seen[id] = true
		data = append(data, Model{ID: id, Object: "model", Created: created, OwnedBy: owner})
	}
	for _, id := range s.cfg.EnabledProviders() {
		add(id, id)
	}
	aliases := make([]string, 0, len(s.cfg.Models))
	for alias := range s.cfg.Models {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		if p, ok := s.cfg.ResolveModel(alias); ok {
			add(alias, p)
		}
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (s *Server) cancel(c *gin.Context) {
	id := c.Param("id")
	if !s.engine.Cancel(id) {
		c.JSON(http.StatusNotFound, errorBody(fmt.Sprintf("no running request %q", id), "invalid_request_error", "not_found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "cancelled": true})
}

func (s *Server) listSessions(c *gin.Context) {
	sessions := []session.Info{}
	if s.sessions != nil {
		sessions = append(sessions, s.sessions.Snapshot()...)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "active_requests": s.engine.Active()})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Stats())
}
