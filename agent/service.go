package agent

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"cosmossdk.io/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/calehh/council-relay/access"
	"github.com/calehh/council-relay/discussion"
	"github.com/calehh/council-relay/state"
	"github.com/calehh/council-relay/types"
)

const DefaultMaxBody = 16 << 10

type ServiceConfig struct {
	ListenAddr     string
	MaxBody        int64
	CorsOrigins    []string
	OnboardingFile string
}

// Service is the public HTTP surface. Reads are served from the snapshot and
// message stores; the only write path is a message post through the gate.
type Service struct {
	logger   log.Logger
	engine   *gin.Engine
	server   *http.Server
	cfg      ServiceConfig
	tasks    *state.Store
	messages *discussion.Store
	gate     *access.Gate
	indexer  *ChainIndexer
	metrics  *Metrics

	Now func() time.Time
}

func NewService(logger log.Logger, cfg ServiceConfig, tasks *state.Store, messages *discussion.Store, gate *access.Gate, indexer *ChainIndexer, metrics *Metrics) *Service {
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	if len(cfg.CorsOrigins) == 0 {
		cfg.CorsOrigins = []string{"*"}
	}
	r := gin.New()
	r.Use(gin.Recovery())
	s := &Service{
		logger:   logger.With("module", "service"),
		engine:   r,
		cfg:      cfg,
		tasks:    tasks,
		messages: messages,
		gate:     gate,
		indexer:  indexer,
		metrics:  metrics,
		Now:      time.Now,
	}
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/tasks", s.handleGetTasks)
	s.engine.GET("/tasks/:id", s.handleGetTask)
	s.engine.GET("/tasks/:id/messages", s.handleGetMessages)
	s.engine.POST("/tasks/:id/messages", s.handlePostMessage)
	s.engine.GET("/onboarding", s.handleOnboarding)
	if metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.CorsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(s.engine)
	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Service) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Shutdown is called.
func (s *Service) Start() error {
	s.logger.Info("query service listening", "addr", s.cfg.ListenAddr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Service) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func abort(c *gin.Context, status int, code access.Category, msg string) {
	c.JSON(status, gin.H{"error": msg, "code": code})
}

func (s *Service) handleHealth(c *gin.Context) {
	res := gin.H{
		"status":    "ok",
		"timestamp": s.Now().UnixMilli(),
		"tasks":     s.tasks.Len(),
	}
	if s.indexer != nil {
		res["lastSeenBlock"] = s.indexer.LastSeen()
	}
	c.JSON(http.StatusOK, res)
}

type GetTasksResponse struct {
	Tasks []types.TaskView `json:"tasks"`
	Total int              `json:"total"`
}

// handleGetTasks lists tasks newest first. page and pageSize are optional;
// without pageSize every task is returned.
func (s *Service) handleGetTasks(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "0"))
	if err != nil || page < 0 {
		abort(c, http.StatusBadRequest, access.CategoryInvalidRequest, "page must be a non-negative integer")
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("pageSize", "0"))
	if err != nil || pageSize < 0 {
		abort(c, http.StatusBadRequest, access.CategoryInvalidRequest, "pageSize must be a non-negative integer")
		return
	}

	list := s.tasks.List()
	response := GetTasksResponse{Tasks: make([]types.TaskView, 0), Total: len(list)}
	if pageSize > 0 {
		start := page * pageSize
		if start > len(list) {
			start = len(list)
		}
		end := start + pageSize
		if end > len(list) {
			end = len(list)
		}
		list = list[start:end]
	}
	for _, t := range list {
		response.Tasks = append(response.Tasks, t.View())
	}
	c.JSON(http.StatusOK, response)
}

type TaskDetail struct {
	types.TaskView
	Messages []discussion.Message `json:"messages"`
}

func (s *Service) taskId(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		abort(c, http.StatusBadRequest, access.CategoryInvalidRequest, "task id must be a non-negative integer")
		return 0, false
	}
	return id, true
}

func (s *Service) handleGetTask(c *gin.Context) {
	id, ok := s.taskId(c)
	if !ok {
		return
	}
	t, ok := s.tasks.Get(id)
	if !ok {
		abort(c, http.StatusNotFound, access.CategoryTaskNotFound, "task not found")
		return
	}
	c.JSON(http.StatusOK, TaskDetail{TaskView: t.View(), Messages: s.messages.List(id)})
}

// handleGetMessages answers an empty list for tasks the relay has not seen.
func (s *Service) handleGetMessages(c *gin.Context) {
	id, ok := s.taskId(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.messages.List(id))
}

type PostMessageReq struct {
	TaskId    *int64 `json:"taskId"`
	Content   string `json:"content"`
	Signature string `json:"signature"`
	Sender    string `json:"sender"`
}

var categoryStatus = map[access.Category]int{
	access.CategoryInvalidRequest: http.StatusBadRequest,
	access.CategoryTaskNotFound:   http.StatusNotFound,
	access.CategoryRateLimited:    http.StatusTooManyRequests,
	access.CategoryBadSignature:   http.StatusUnauthorized,
	access.CategoryNotMember:      http.StatusForbidden,
	access.CategoryMessageCap:     http.StatusConflict,
}

func (s *Service) handlePostMessage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBody)
	var requestData PostMessageReq
	if err := c.ShouldBindJSON(&requestData); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.metrics.submission(string(access.CategoryInvalidRequest))
			abort(c, http.StatusRequestEntityTooLarge, access.CategoryInvalidRequest, "request body too large")
			return
		}
		s.metrics.submission(string(access.CategoryInvalidRequest))
		abort(c, http.StatusBadRequest, access.CategoryInvalidRequest, "malformed request body")
		return
	}
	// the path id wins over the body
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.metrics.submission(string(access.CategoryInvalidRequest))
		abort(c, http.StatusBadRequest, access.CategoryInvalidRequest, "task id must be a non-negative integer")
		return
	}
	if requestData.TaskId != nil && *requestData.TaskId != id {
		s.logger.Debug("body task id ignored", "path", id, "body", *requestData.TaskId)
	}

	msg, err := s.gate.Submit(access.PostRequest{
		TaskId:    id,
		Content:   requestData.Content,
		Signature: requestData.Signature,
		Sender:    requestData.Sender,
	})
	if err != nil {
		var rej *access.Rejection
		if !errors.As(err, &rej) {
			s.logger.Error("submit message fail", "task", id, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		s.metrics.submission(string(rej.Category))
		status, ok := categoryStatus[rej.Category]
		if !ok {
			status = http.StatusBadRequest
		}
		abort(c, status, rej.Category, rej.Message)
		return
	}
	s.metrics.submission("accepted")
	c.JSON(http.StatusCreated, msg)
}

func (s *Service) handleOnboarding(c *gin.Context) {
	if s.cfg.OnboardingFile == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "onboarding document not configured"})
		return
	}
	c.File(s.cfg.OnboardingFile)
}
