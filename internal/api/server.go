// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package api serves the capacity dashboard REST and WebSocket endpoints.
package api

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platformbuilds/pmaxcap/internal/events"
	"github.com/platformbuilds/pmaxcap/internal/orchestrator"
	"github.com/platformbuilds/pmaxcap/internal/selftelemetry"
	"github.com/platformbuilds/pmaxcap/internal/storagedef"
	"github.com/platformbuilds/pmaxcap/internal/store"
)

const (
	defaultCacheTTL     = time.Minute
	defaultCacheSize    = 128
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Trigger starts collection runs.
type Trigger interface {
	RequestCollection(force bool) (orchestrator.Trigger, error)
}

type Options struct {
	// StaticDir, when it holds an index.html, is served at / and /static.
	StaticDir string
	// CacheTTL bounds how long aggregated views are reused.
	CacheTTL     time.Duration
	EventBuffer  int
	PingInterval time.Duration
	WriteTimeout time.Duration
	// Metrics adds /metrics, /healthz and /readyz when set.
	Metrics *selftelemetry.Metrics
	// SourceHealth reports the array connection on /api/health when set.
	SourceHealth func() storagedef.CollectorHealth
}

type Server struct {
	store    *store.Store
	trigger  Trigger
	bus      *events.Bus
	log      *slog.Logger
	opts     Options
	cache    *expirable.LRU[string, any]
	upgrader websocket.Upgrader
	index    string
}

func New(st *store.Store, trigger Trigger, bus *events.Bus, log *slog.Logger, opts Options) *Server {
	if log == nil {
		log = slog.Default()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = events.DefaultBuffer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	s := &Server{
		store:   st,
		trigger: trigger,
		bus:     bus,
		log:     log.With("component", "api"),
		opts:    opts,
		cache:   expirable.NewLRU[string, any](defaultCacheSize, nil, opts.CacheTTL),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// any origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if opts.StaticDir != "" {
		index := filepath.Join(opts.StaticDir, "index.html")
		if _, err := os.Stat(index); err == nil {
			s.index = index
		} else {
			s.log.Warn("static dir has no index.html, serving API only", "dir", opts.StaticDir)
		}
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(requestLogger(s.log), recovery(s.log))

	router.GET("/", s.handleRoot)
	if s.index != "" {
		static := filepath.Join(s.opts.StaticDir, "static")
		if info, err := os.Stat(static); err == nil && info.IsDir() {
			router.Static("/static", static)
		}
	}

	// snapshot and volume listings are large on real arrays
	api := router.Group("/api", gzip.Gzip(gzip.DefaultCompression))
	{
		api.GET("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)
		api.POST("/collect", s.handleCollect)
		api.GET("/snapshot", s.handleSnapshot)
		api.GET("/system", s.handleSystem)
		api.GET("/srps", s.handleSRPs)
		api.GET("/storage-groups", s.handleStorageGroups)
		api.GET("/volumes", s.handleVolumes)
		api.GET("/summary", s.handleSummary)

		trends := api.Group("/trends")
		trends.GET("/service-levels", s.handleServiceLevels)
		trends.GET("/top-consumers", s.handleTopConsumers)
	}

	router.GET("/ws", s.handleWS)

	if m := s.opts.Metrics; m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
		router.GET("/healthz", gin.WrapH(m.HealthzHandler()))
		router.GET("/readyz", gin.WrapH(m.ReadyzHandler()))
	}
	return router
}
