// Package http wires spec.md §6's external interfaces onto Echo routes:
// StartWorkflowByVersion, Respond, Retry, GetState, GetInteractionHistory,
// the sub-action SSE stream, and VirtualStart/VirtualRespond.
//
// Grounded on the teacher's cmd/orchestrator routes/handlers/middleware
// layout (route-group structure, middleware chaining, X-User-ID header
// extraction for caller identity).
package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/workflow-orchestrator/internal/engine"
	"github.com/lyzr/workflow-orchestrator/internal/errors"
	"github.com/lyzr/workflow-orchestrator/internal/moduleiface"
	"github.com/lyzr/workflow-orchestrator/internal/queue"
	"github.com/lyzr/workflow-orchestrator/internal/sandbox"
	"github.com/lyzr/workflow-orchestrator/internal/versionstore"
)

// Server bundles the dependencies every handler needs.
type Server struct {
	engine  *engine.Engine
	sandbox *sandbox.Sandbox
	queue   *queue.Queue
	log     *slog.Logger
	validate *validator.Validate
}

// NewServer builds a Server. sb may be nil if the virtual preview routes
// are not mounted; q may be nil if the sub-action stream route is not
// mounted.
func NewServer(eng *engine.Engine, sb *sandbox.Sandbox, q *queue.Queue, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{engine: eng, sandbox: sb, queue: q, log: log, validate: validator.New()}
}

// Register mounts every route of spec.md §6 onto e.
func (s *Server) Register(e *echo.Echo) {
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(userIDMiddleware)

	g := e.Group("/v1/workflows")
	g.POST("/upload", s.handleUpload)
	g.POST("/start", s.handleStart)
	g.POST("/:run_id/respond", s.handleRespond)
	g.POST("/:run_id/retry", s.handleRetry)
	g.GET("/:run_id/state", s.handleGetState)
	g.GET("/:run_id/interactions", s.handleInteractionHistory)
	g.GET("/:run_id/sub-actions/:interaction_id/:action_id", s.handleSubAction)

	vg := e.Group("/v1/virtual")
	vg.POST("/start", s.handleVirtualStart)
	vg.POST("/respond", s.handleVirtualRespond)

	tg := e.Group("/v1/tasks")
	tg.GET("/:task_id", s.handleGetTask)
	tg.GET("/:task_id/stream", s.handleStreamTask)
}

const userIDHeader = "X-User-ID"

type ctxKey string

const userIDKey ctxKey = "user_id"

// userIDMiddleware extracts the caller identity the teacher's handlers
// pull from the same header, defaulting to an anonymous placeholder in
// the absence of an upstream auth layer (out of scope per spec.md §1).
func userIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := c.Request().Header.Get(userIDHeader)
		if userID == "" {
			userID = "anonymous"
		}
		c.Set(string(userIDKey), userID)
		return next(c)
	}
}

func userID(c echo.Context) string {
	if v, ok := c.Get(string(userIDKey)).(string); ok {
		return v
	}
	return "anonymous"
}

// startRequest is StartWorkflowByVersion's request DTO (spec.md §6).
type startRequest struct {
	VersionID   string                 `json:"version_id" validate:"required"`
	ProjectName string                 `json:"project_name,omitempty"`
	AIConfig    map[string]interface{} `json:"ai_config,omitempty"`
	Target      *targetDTO             `json:"target,omitempty"`
	Mock        bool                   `json:"mock,omitempty"`
}

type targetDTO struct {
	StepID     string `json:"step_id" validate:"required"`
	ModuleName string `json:"module_name" validate:"required"`
}

func (t *targetDTO) toEngine() *engine.ExecutionTarget {
	if t == nil {
		return nil
	}
	return &engine.ExecutionTarget{StepID: t.StepID, ModuleName: t.ModuleName}
}

// uploadRequest is UploadWorkflow's request DTO (spec.md §4.2): the raw
// workflow document plus any files its $ref nodes resolve against, keyed by
// the root-relative path the $ref names.
type uploadRequest struct {
	TemplateName string                 `json:"template_name" validate:"required"`
	Workflow     map[string]interface{} `json:"workflow" validate:"required"`
	Files        map[string]string      `json:"files,omitempty"`
}

func (s *Server) handleUpload(c echo.Context) error {
	var req uploadRequest
	if err := bindAndValidate(c, s.validate, &req); err != nil {
		return err
	}
	fs := make(versionstore.VirtualFS, len(req.Files))
	for path, content := range req.Files {
		fs[path] = []byte(content)
	}
	result, err := s.engine.UploadWorkflow(c.Request().Context(), userID(c), req.TemplateName, req.Workflow, fs)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleStart(c echo.Context) error {
	var req startRequest
	if err := bindAndValidate(c, s.validate, &req); err != nil {
		return err
	}
	resp, err := s.engine.StartWorkflowByVersion(c.Request().Context(), userID(c), req.VersionID, req.Target.toEngine(), req.Mock)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// respondRequest is Respond's request DTO, accepting an optional updated
// workflow document to trigger a mid-run version update.
type respondRequest struct {
	InteractionID   string                            `json:"interaction_id" validate:"required"`
	Response        moduleiface.InteractionResponse   `json:"response"`
	UpdatedWorkflow map[string]interface{}            `json:"updated_workflow,omitempty"`
	Target          *targetDTO                        `json:"target,omitempty"`
	Mock            bool                               `json:"mock,omitempty"`
}

func (s *Server) handleRespond(c echo.Context) error {
	var req respondRequest
	if err := bindAndValidate(c, s.validate, &req); err != nil {
		return err
	}
	resp, err := s.engine.Respond(c.Request().Context(), c.Param("run_id"), req.InteractionID, req.Response, req.UpdatedWorkflow, req.Target.toEngine(), req.Mock)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

type retryRequest struct {
	Groups   []string `json:"groups,omitempty"`
	Feedback string   `json:"feedback,omitempty"`
}

func (s *Server) handleRetry(c echo.Context) error {
	var req retryRequest
	if err := bindAndValidate(c, s.validate, &req); err != nil {
		return err
	}
	resp, err := s.engine.Retry(c.Request().Context(), c.Param("run_id"), req.Groups, req.Feedback)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetState(c echo.Context) error {
	state, err := s.engine.GetState(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleInteractionHistory(c echo.Context) error {
	pairs, pending, err := s.engine.GetInteractionHistory(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"interactions":       pairs,
		"pending_interaction": pending,
	})
}

type virtualStartRequest struct {
	Workflow  map[string]interface{} `json:"workflow" validate:"required"`
	VirtualDB string                 `json:"virtual_db,omitempty"`
	Target    *targetDTO             `json:"target,omitempty"`
	Mock      bool                   `json:"mock,omitempty"`
}

func (s *Server) handleVirtualStart(c echo.Context) error {
	if s.sandbox == nil {
		return writeError(c, errors.New(errors.KindFatal, "virtual preview is not enabled on this server"))
	}
	var req virtualStartRequest
	if err := bindAndValidate(c, s.validate, &req); err != nil {
		return err
	}
	resp, err := s.sandbox.StartVirtual(c.Request().Context(), userID(c), req.Workflow, req.VirtualDB, req.Target.toEngine(), req.Mock)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

type virtualRespondRequest struct {
	VirtualDB       string                           `json:"virtual_db" validate:"required"`
	WorkflowRunID   string                           `json:"workflow_run_id" validate:"required"`
	InteractionID   string                           `json:"interaction_id" validate:"required"`
	Response        moduleiface.InteractionResponse  `json:"response"`
	UpdatedWorkflow map[string]interface{}           `json:"updated_workflow,omitempty"`
	Target          *targetDTO                       `json:"target,omitempty"`
	Mock            bool                              `json:"mock,omitempty"`
}

func (s *Server) handleVirtualRespond(c echo.Context) error {
	if s.sandbox == nil {
		return writeError(c, errors.New(errors.KindFatal, "virtual preview is not enabled on this server"))
	}
	var req virtualRespondRequest
	if err := bindAndValidate(c, s.validate, &req); err != nil {
		return err
	}
	resp, err := s.sandbox.RespondVirtual(c.Request().Context(), userID(c), req.VirtualDB, req.WorkflowRunID, req.InteractionID, req.Response, req.UpdatedWorkflow, req.Target.toEngine(), req.Mock)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleSubAction streams a module's sub-action over SSE, per spec.md §4.5
// / §6's "event: <type>\ndata: <json>\n\n" wire format.
func (s *Server) handleSubAction(c echo.Context) error {
	ctx := c.Request().Context()
	stream, err := s.engine.RunSubAction(ctx, c.Param("run_id"), c.Param("interaction_id"), c.Param("action_id"), queryParams(c))
	if err != nil {
		return writeError(c, err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream:
			if !ok {
				return nil
			}
			if err := writeSSEEvent(w, ev.Type, ev.Data); err != nil {
				s.log.Warn("sub-action stream write failed", "error", err)
				return nil
			}
			w.Flush()
			if ev.Type == "complete" || ev.Type == "error" || ev.Type == "cancelled" {
				return nil
			}
		}
	}
}

// watchPollInterval is how often handleStreamTask re-checks the task row
// between progress-hash changes (spec.md §4.5).
const watchPollInterval = 500 * time.Millisecond

// handleGetTask returns a queue task's current {status, progress, result,
// error} snapshot — a plain poll for callers that don't want SSE.
func (s *Server) handleGetTask(c echo.Context) error {
	if s.queue == nil {
		return writeError(c, errors.New(errors.KindFatal, "task queue is not enabled on this server"))
	}
	task, err := s.queue.Get(c.Request().Context(), c.Param("task_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

// handleStreamTask turns Queue.Watch's progress-hash-deduped polling into an
// SSE stream, so a caller tracking an out-of-band actor's progress doesn't
// have to poll /v1/tasks/:task_id itself.
func (s *Server) handleStreamTask(c echo.Context) error {
	if s.queue == nil {
		return writeError(c, errors.New(errors.KindFatal, "task queue is not enabled on this server"))
	}
	ctx := c.Request().Context()
	updates := s.queue.Watch(ctx, c.Param("task_id"), watchPollInterval)

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-ctx.Done():
			return nil
		case task, ok := <-updates:
			if !ok {
				return nil
			}
			data := map[string]interface{}{
				"task_id": task.TaskID,
				"status":  task.Status,
				"result":  task.Result,
				"error":   task.Error,
			}
			if task.Progress != nil {
				data["progress"] = task.Progress
			}
			if err := writeSSEEvent(w, "progress", data); err != nil {
				s.log.Warn("task stream write failed", "error", err)
				return nil
			}
			w.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, eventType string, data map[string]interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = w.Write([]byte("event: " + eventType + "\ndata: " + string(payload) + "\n\n"))
	return err
}

func queryParams(c echo.Context) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range c.QueryParams() {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			vals := make([]interface{}, len(v))
			for i, s := range v {
				vals[i] = s
			}
			out[k] = vals
		}
	}
	return out
}

func bindAndValidate(c echo.Context, v *validator.Validate, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return writeError(c, errors.Wrap(errors.KindValidation, "malformed request body", err))
	}
	if err := v.Struct(dst); err != nil {
		issues := make([]errors.ValidationIssue, 0)
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				issues = append(issues, errors.ValidationIssue{Path: fe.Namespace(), Message: fe.Tag()})
			}
		}
		return writeError(c, (&errors.ValidationError{Issues: issues}))
	}
	return nil
}

// writeError renders a classified error as the §6 ErrorInfo shape with the
// HTTP status its Kind maps to.
func writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	kind := errors.KindFatal
	msg := err.Error()
	var details map[string]any

	switch e := err.(type) {
	case *errors.E:
		kind = e.Kind
		msg = e.Message
		details = e.Details
		status = statusForKind(e.Kind)
	case *errors.ValidationError:
		kind = errors.KindValidation
		msg = "validation failed"
		status = http.StatusBadRequest
		return c.JSON(status, map[string]interface{}{
			"error": map[string]interface{}{"kind": kind, "message": msg},
			"validation_errors": e.Issues,
		})
	}
	return c.JSON(status, map[string]interface{}{
		"error": map[string]interface{}{"kind": kind, "message": msg, "details": details},
	})
}

func statusForKind(k errors.Kind) int {
	switch k {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindExecutionBoundary:
		return http.StatusNotFound
	case errors.KindInteraction:
		return http.StatusConflict
	case errors.KindConcurrency:
		return http.StatusConflict
	case errors.KindModuleExecution, errors.KindQueue:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
