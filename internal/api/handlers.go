// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/pmaxcap/internal/capacity"
	"github.com/platformbuilds/pmaxcap/internal/orchestrator"
)

const noDataDetail = "No data available. Run collection first."

type collectRequest struct {
	ForceRefresh bool `json:"force_refresh"`
}

type collectResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleRoot(c *gin.Context) {
	if s.index != "" {
		c.File(s.index)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "PowerMax Capacity Dashboard API", "status": "running"})
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"has_data":  s.store.Status().HasData,
	}
	if s.opts.SourceHealth != nil {
		resp["source"] = s.opts.SourceHealth()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Status())
}

func (s *Server) handleCollect(c *gin.Context) {
	var req collectRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, fmt.Errorf("invalid request body: %w", err))
		return
	}

	trig, err := s.trigger.RequestCollection(req.ForceRefresh)
	switch {
	case errors.Is(err, orchestrator.ErrCollectionInProgress):
		c.JSON(http.StatusConflict, gin.H{"detail": "Collection already in progress"})
		return
	case errors.Is(err, orchestrator.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Service is shutting down"})
		return
	case err != nil:
		s.log.Error("collection request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	msg := "Capacity collection initiated"
	if trig == orchestrator.TriggerQueued {
		msg = "Capacity collection queued after the active run"
	}
	c.JSON(http.StatusAccepted, collectResponse{
		Status:    trig.String(),
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	snap, ok := s.snapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleSystem(c *gin.Context) {
	snap, ok := s.snapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, snap.System)
}

func (s *Server) handleSRPs(c *gin.Context) {
	snap, ok := s.snapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, snap.SRPs)
}

func (s *Server) handleStorageGroups(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		badRequest(c, err)
		return
	}
	snap, ok := s.snapshot(c)
	if !ok {
		return
	}
	groups, err := capacity.StorageGroups(snap, capacity.StorageGroupFilter{
		ServiceLevel: c.Query("service_level"),
		SRPName:      c.Query("srp_name"),
	}, limit)
	if err != nil {
		s.queryError(c, err)
		return
	}
	c.JSON(http.StatusOK, groups)
}

func (s *Server) handleVolumes(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		badRequest(c, err)
		return
	}
	offset, err := intQuery(c, "offset")
	if err != nil {
		badRequest(c, err)
		return
	}
	snap, ok := s.snapshot(c)
	if !ok {
		return
	}
	page, err := capacity.Volumes(snap, capacity.VolumeQuery{
		StorageGroup: c.Query("storage_group"),
		Offset:       offset,
		Limit:        limit,
	})
	if err != nil {
		s.queryError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleSummary(c *gin.Context) {
	snap, ok := s.snapshot(c)
	if !ok {
		return
	}
	v, err := s.cached(snap, "summary", func() (any, error) {
		return capacity.Summarize(snap)
	})
	if err != nil {
		s.queryError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleServiceLevels(c *gin.Context) {
	snap, ok := s.snapshot(c)
	if !ok {
		return
	}
	v, err := s.cached(snap, "service-levels", func() (any, error) {
		return capacity.ServiceLevelBreakdown(snap)
	})
	if err != nil {
		s.queryError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleTopConsumers(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		badRequest(c, err)
		return
	}
	if limit == 0 {
		limit = capacity.DefaultTopN
	}
	snap, ok := s.snapshot(c)
	if !ok {
		return
	}
	v, err := s.cached(snap, "top-consumers/"+strconv.Itoa(limit), func() (any, error) {
		return capacity.TopConsumers(snap, limit)
	})
	if err != nil {
		s.queryError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// snapshot writes the 404 response itself when there is no data yet.
func (s *Server) snapshot(c *gin.Context) (*capacity.Snapshot, bool) {
	snap, err := s.store.Snapshot()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": noDataDetail})
		return nil, false
	}
	return snap, true
}

// cached memoizes a view of snap. Keys include the collection timestamp, so
// a new snapshot never sees an older view.
func (s *Server) cached(snap *capacity.Snapshot, view string, build func() (any, error)) (any, error) {
	key := fmt.Sprintf("%s@%d", view, snap.CollectionTimestamp.UnixNano())
	if v, ok := s.cache.Get(key); ok {
		return v, nil
	}
	v, err := build()
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, v)
	return v, nil
}

func (s *Server) queryError(c *gin.Context, err error) {
	if errors.Is(err, capacity.ErrNoData) {
		c.JSON(http.StatusNotFound, gin.H{"detail": noDataDetail})
		return
	}
	s.log.Error("query failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error"})
}

// intQuery parses an optional non-negative integer parameter; absent is 0.
func intQuery(c *gin.Context, name string) (int, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return n, nil
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
}
