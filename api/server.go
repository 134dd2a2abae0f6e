// Package api exposes the pipeline over HTTP. Authoring endpoints (flow
// CRUD) sit beside the hot-path endpoints (next step, progress); neither
// carries authentication, which is handled upstream.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parel/contentflow/flow"
	"github.com/parel/contentflow/generation"
	"github.com/parel/contentflow/progress"
	"github.com/parel/contentflow/storage"
	"github.com/parel/contentflow/types"
)

// Server wires the pipeline components behind a gin router.
type Server struct {
	orchestrator *generation.Orchestrator
	flows        *flow.Engine
	tracker      *progress.Tracker
	logger       *zap.Logger
	router       *gin.Engine
}

// NewServer creates a new Server instance.
func NewServer(orc *generation.Orchestrator, flows *flow.Engine, tracker *progress.Tracker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orchestrator: orc,
		flows:        flows,
		tracker:      tracker,
		logger:       logger,
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/generation-jobs", s.startGenerationJob)
	r.GET("/generation-jobs/:leafID/:runVersion", s.getGenerationJob)
	r.GET("/leaves/:leafID/jobs", s.listLeafJobs)
	r.POST("/flows", s.createFlow)
	r.GET("/flows/:flowID", s.getFlow)
	r.GET("/flows/:flowID/next", s.nextStep)
	r.POST("/progress", s.recordProgress)
	r.GET("/users/:userID/stats", s.userStats)

	s.router = r
	return s
}

// Router returns the underlying gin router, for tests and embedding.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts serving on addr.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

type startJobRequest struct {
	LeafID     uint64 `json:"leaf_id" binding:"required"`
	RunVersion string `json:"run_version" binding:"required"`
}

// POST /generation-jobs
func (s *Server) startGenerationJob(c *gin.Context) {
	var req startJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.orchestrator.StartJob(c.Request.Context(), req.LeafID, req.RunVersion)
	if err != nil {
		switch {
		case errors.Is(err, generation.ErrLeafNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, generation.ErrDuplicateJob):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, generation.ErrQueueUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			s.logger.Error("start job failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"job_id": job.Key(), "status": job.Status})
}

// GET /generation-jobs/:leafID/:runVersion
func (s *Server) getGenerationJob(c *gin.Context) {
	leafID, err := strconv.ParseUint(c.Param("leafID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid leaf id"})
		return
	}

	job, err := s.orchestrator.Job(c.Request.Context(), leafID, c.Param("runVersion"))
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		s.logger.Error("get job failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"job": job})
}

// GET /leaves/:leafID/jobs
func (s *Server) listLeafJobs(c *gin.Context) {
	leafID, err := strconv.ParseUint(c.Param("leafID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid leaf id"})
		return
	}

	jobs, err := s.orchestrator.LeafJobs(c.Request.Context(), leafID)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// POST /flows
func (s *Server) createFlow(c *gin.Context) {
	var f types.Flow
	if err := c.ShouldBindJSON(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.flows.RegisterFlow(c.Request.Context(), f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"flow": f})
}

// GET /flows/:flowID
func (s *Server) getFlow(c *gin.Context) {
	flowID, err := strconv.ParseUint(c.Param("flowID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flow id"})
		return
	}

	f, err := s.flows.Flow(c.Request.Context(), flowID)
	if err != nil {
		if errors.Is(err, flow.ErrFlowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
			return
		}
		s.logger.Error("get flow failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"flow": f})
}

// GET /flows/:flowID/next?user_id=
func (s *Server) nextStep(c *gin.Context) {
	flowID, err := strconv.ParseUint(c.Param("flowID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flow id"})
		return
	}
	userID, err := strconv.ParseUint(c.Query("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	step, err := s.flows.NextStep(c.Request.Context(), flowID, userID)
	if err != nil {
		if errors.Is(err, flow.ErrFlowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
			return
		}
		s.logger.Error("next step failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if step == nil {
		c.JSON(http.StatusOK, gin.H{"completed": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"step": step})
}

type progressRequest struct {
	UserID uint64 `json:"user_id" binding:"required"`
	ItemID uint64 `json:"item_id" binding:"required"`
	Action string `json:"action" binding:"required,oneof=answer skip"`
}

// POST /progress
func (s *Server) recordProgress(c *gin.Context) {
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var err error
	if req.Action == "answer" {
		err = s.tracker.Answer(c.Request.Context(), req.UserID, req.ItemID)
	} else {
		err = s.tracker.Skip(c.Request.Context(), req.UserID, req.ItemID)
	}
	if err != nil {
		switch {
		case errors.Is(err, progress.ErrAlreadyRecorded):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, storage.ErrItemNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
		default:
			s.logger.Error("record progress failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.Status(http.StatusNoContent)
}

// GET /users/:userID/stats?leaf_id=
func (s *Server) userStats(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Param("userID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	var leafID uint64
	if q := c.Query("leaf_id"); q != "" {
		leafID, err = strconv.ParseUint(q, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid leaf id"})
			return
		}
	}

	stats, err := s.tracker.Stats(c.Request.Context(), userID, leafID)
	if err != nil {
		s.logger.Error("stats failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
