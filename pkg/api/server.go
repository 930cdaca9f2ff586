// Package api exposes the scheduler over HTTP: a client surface for
// creating, reading and canceling tasks, and a bot surface for polling,
// updating and failing runs.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/developer-mesh/taskswarm/pkg/models"
	"github.com/developer-mesh/taskswarm/pkg/observability"
	"github.com/developer-mesh/taskswarm/pkg/scheduler"
	"github.com/developer-mesh/taskswarm/pkg/store"
	"github.com/developer-mesh/taskswarm/pkg/taskpack"
)

// Server routes HTTP traffic to the scheduler.
type Server struct {
	router *gin.Engine
	sched  *scheduler.Scheduler
	store  store.Store
	logger observability.Logger
}

// NewServer builds the HTTP surface around a scheduler and its store.
func NewServer(sched *scheduler.Scheduler, st store.Store, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		router: gin.New(),
		sched:  sched,
		store:  st,
		logger: logger.WithPrefix("api"),
	}
	s.router.Use(gin.Recovery(), RequestIDMiddleware(), LoggingMiddleware(s.logger))
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.health)

	v1 := s.router.Group("/api/v1")
	{
		tasks := v1.Group("/tasks")
		tasks.POST("/new", s.newTask)
		tasks.GET("/:task_id", s.getTask)
		tasks.GET("/:task_id/request", s.getTaskRequest)
		tasks.POST("/:task_id/cancel", s.cancelTask)

		bots := v1.Group("/bots")
		bots.POST("/poll", s.botPoll)
		bots.POST("/update", s.botUpdate)
		bots.POST("/task_error", s.botTaskError)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type newTaskPayload struct {
	Name           string `json:"name" binding:"required"`
	User           string `json:"user"`
	Priority       int    `json:"priority"`
	ExpirationSecs int64  `json:"expiration_secs" binding:"required"`
	ParentTaskID   string `json:"parent_task_id"`
	Properties     struct {
		Commands   models.Commands   `json:"commands" binding:"required"`
		Dimensions models.Dimensions `json:"dimensions"`
		Idempotent bool              `json:"idempotent"`
	} `json:"properties" binding:"required"`
}

func (s *Server) newTask(c *gin.Context) {
	var payload newTaskPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	now := s.sched.Now()
	request := models.NewTaskRequest(
		s.sched.NewRequestKey(),
		payload.Name, payload.User,
		payload.Priority,
		now, now.Add(secsToDuration(payload.ExpirationSecs)),
		payload.ParentTaskID,
		models.TaskProperties{
			Commands:   payload.Properties.Commands,
			Dimensions: payload.Properties.Dimensions,
			Idempotent: payload.Properties.Idempotent,
		},
	)
	summary, err := s.sched.ScheduleRequest(c.Request.Context(), request)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.serverError(c, "scheduling task failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id": summary.TaskID(),
		"summary": summary,
	})
}

func (s *Server) getTask(c *gin.Context) {
	key, err := taskpack.UnpackResultSummaryKey(c.Param("task_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	summary, err := s.store.GetResultSummary(c.Request.Context(), key)
	if err != nil {
		s.serverError(c, "reading task failed", err)
		return
	}
	if summary == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id": summary.TaskID(),
		"summary": summary,
	})
}

func (s *Server) getTaskRequest(c *gin.Context) {
	key, err := taskpack.UnpackResultSummaryKey(c.Param("task_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	request, err := s.store.GetRequest(c.Request.Context(), taskpack.ResultSummaryKeyToRequestKey(key))
	if err != nil {
		s.serverError(c, "reading request failed", err)
		return
	}
	if request == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id": request.TaskID(),
		"request": request,
	})
}

func (s *Server) cancelTask(c *gin.Context) {
	key, err := taskpack.UnpackResultSummaryKey(c.Param("task_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ok, wasRunning, err := s.sched.CancelTask(c.Request.Context(), key)
	if err != nil {
		var rej *scheduler.RejectedError
		if errors.As(err, &rej) {
			c.JSON(http.StatusNotFound, gin.H{"error": rej.Reason})
			return
		}
		s.serverError(c, "canceling task failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":          ok,
		"was_running": wasRunning,
	})
}

type botPollPayload struct {
	BotID      string            `json:"bot_id" binding:"required"`
	BotVersion string            `json:"bot_version"`
	Dimensions models.Dimensions `json:"dimensions"`
	Attempt    int               `json:"attempt"`
}

func (s *Server) botPoll(c *gin.Context) {
	var payload botPollPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	request, runResult, err := s.sched.BotReapTask(c.Request.Context(), payload.Dimensions, payload.BotID, payload.BotVersion)
	if err != nil {
		s.serverError(c, "reaping task failed", err)
		return
	}
	if runResult == nil {
		c.JSON(http.StatusOK, gin.H{
			"sleep_secs": s.sched.ExponentialBackoff(payload.Attempt),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"manifest": gin.H{
			"task_id":    runResult.TaskID(),
			"try_number": runResult.TryNumber,
			"commands":   request.Properties.Commands,
			"dimensions": request.Properties.Dimensions,
		},
	})
}

type botUpdatePayload struct {
	TaskID           string   `json:"task_id" binding:"required"`
	BotID            string   `json:"bot_id" binding:"required"`
	CommandIndex     int      `json:"command_index"`
	Output           []byte   `json:"output"`
	OutputChunkStart int64    `json:"output_chunk_start"`
	ExitCode         *int64   `json:"exit_code"`
	Duration         *float64 `json:"duration"`
	HardTimeout      bool     `json:"hard_timeout"`
	IOTimeout        bool     `json:"io_timeout"`
	CostUSD          float64  `json:"cost_usd"`
}

func (s *Server) botUpdate(c *gin.Context) {
	var payload botUpdatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, err := taskpack.UnpackRunResultKey(payload.TaskID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ok, completed, err := s.sched.BotUpdateTask(c.Request.Context(), scheduler.TaskUpdate{
		RunResultKey:     key,
		BotID:            payload.BotID,
		CommandIndex:     payload.CommandIndex,
		Output:           payload.Output,
		OutputChunkStart: payload.OutputChunkStart,
		ExitCode:         payload.ExitCode,
		Duration:         payload.Duration,
		HardTimeout:      payload.HardTimeout,
		IOTimeout:        payload.IOTimeout,
		CostUSD:          payload.CostUSD,
	})
	if err != nil {
		var rej *scheduler.RejectedError
		switch {
		case errors.As(err, &rej):
			// The bot's view of the task is stale or wrong; it must
			// stop working on it.
			c.JSON(http.StatusOK, gin.H{
				"ok":        false,
				"must_stop": true,
				"reason":    rej.Reason,
			})
		case errors.Is(err, models.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			s.serverError(c, "updating task failed", err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":        ok,
		"completed": completed,
	})
}

type botTaskErrorPayload struct {
	TaskID string `json:"task_id" binding:"required"`
	BotID  string `json:"bot_id" binding:"required"`
}

func (s *Server) botTaskError(c *gin.Context) {
	var payload botTaskErrorPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, err := taskpack.UnpackRunResultKey(payload.TaskID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sched.BotKillTask(c.Request.Context(), key, payload.BotID); err != nil {
		var rej *scheduler.RejectedError
		if errors.As(err, &rej) {
			c.JSON(http.StatusOK, gin.H{
				"ok":     false,
				"reason": rej.Reason,
			})
			return
		}
		s.serverError(c, "killing task failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) serverError(c *gin.Context, msg string, err error) {
	s.logger.Error(msg, map[string]interface{}{
		"error":      err.Error(),
		"request_id": c.GetString("request_id"),
	})
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func secsToDuration(secs int64) time.Duration {
	return time.Duration(secs) * time.Second
}
