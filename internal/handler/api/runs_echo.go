package api

import (
	"context"
	"errors"
	"time"

	"FxDesk/internal/domain/models"
	"FxDesk/internal/service/ratelimit"
	"FxDesk/internal/usecase"
	xhttp "FxDesk/pkg/http"
	xlogger "FxDesk/pkg/logger"

	"github.com/labstack/echo/v4"
)

// RunService is the orchestrator surface exposed over HTTP.
type RunService interface {
	Trigger(ctx context.Context, t models.Trigger) (models.WorkflowRun, error)
	Get(runID string) (models.WorkflowRun, error)
	List(f usecase.RunFilter) []models.WorkflowRun
	Await(ctx context.Context, runID string) (models.WorkflowRun, error)
	Decide(ctx context.Context, runID string, d models.HumanDecision) (models.WorkflowRun, error)
	DecideByProposal(ctx context.Context, proposalID string, d models.HumanDecision) (models.WorkflowRun, error)
	Cancel(runID string) error
}

// CacheInvalidator drops cached retrieval results.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, q models.RetrievalQuery) error
	InvalidateAll(ctx context.Context) error
}

// RunsEchoHandler serves the run, review and cache endpoints.
type RunsEchoHandler struct {
	logger  *xlogger.Logger
	runs    RunService
	cache   CacheInvalidator
	limiter *ratelimit.Limiter
	wait    time.Duration
	now     func() time.Time
}

type RunsOption func(*RunsEchoHandler)

// WithTriggerLimit rate limits POST /api/runs per instrument.
func WithTriggerLimit(l *ratelimit.Limiter) RunsOption {
	return func(h *RunsEchoHandler) { h.limiter = l }
}

// WithSyncWait bounds how long ?wait=true blocks before returning the
// current snapshot.
func WithSyncWait(d time.Duration) RunsOption {
	return func(h *RunsEchoHandler) {
		if d > 0 {
			h.wait = d
		}
	}
}

func NewRunsEchoHandler(logger *xlogger.Logger, runs RunService, cache CacheInvalidator, opts ...RunsOption) *RunsEchoHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	h := &RunsEchoHandler{logger: logger, runs: runs, cache: cache, wait: 30 * time.Second, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *RunsEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)

	g := e.Group("/api")
	g.POST("/runs", h.Trigger)
	g.GET("/runs", h.List)
	g.GET("/runs/:id", h.Get)
	g.POST("/runs/:id/cancel", h.Cancel)
	g.POST("/runs/:id/decision", h.Decide)
	g.POST("/proposals/:id/decision", h.DecideProposal)
	g.DELETE("/retrieval/cache", h.InvalidateCache)
}

func (h *RunsEchoHandler) Health(c echo.Context) error {
	return xhttp.SuccessResponse(c, map[string]string{"status": "ok"})
}

func (h *RunsEchoHandler) Trigger(c echo.Context) error {
	req := &models.TriggerRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	trig, err := req.ToTrigger(h.now(), models.SourceHTTP)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("%v", err))
	}
	if sym := models.NormalizeSymbol(trig.Instrument); h.limiter != nil && !h.limiter.Allow("trigger:"+sym) {
		h.logger.Warn("trigger rate limited", xlogger.String("instrument", sym), xlogger.String("remote", c.RealIP()))
		return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError("too many triggers for "+sym+", slow down"))
	}

	ctx := c.Request().Context()
	run, err := h.runs.Trigger(ctx, trig)
	if err != nil {
		return h.fail(c, "trigger", err)
	}
	if c.QueryParam("wait") != "true" {
		return xhttp.AcceptedResponse(c, run)
	}

	wctx, cancel := context.WithTimeout(ctx, h.wait)
	defer cancel()
	run, err = h.runs.Await(wctx, run.RunID)
	if errors.Is(err, context.DeadlineExceeded) {
		return xhttp.AcceptedResponse(c, run)
	}
	if err != nil {
		return h.fail(c, "await", err)
	}
	return xhttp.SuccessResponse(c, run)
}

func (h *RunsEchoHandler) List(c echo.Context) error {
	req := &models.ListRunsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	state, _ := models.ParseRunState(req.State)
	rows := h.runs.List(usecase.RunFilter{State: state, Instrument: req.Instrument, Limit: req.Limit})
	if rows == nil {
		rows = []models.WorkflowRun{}
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *RunsEchoHandler) Get(c echo.Context) error {
	run, err := h.runs.Get(c.Param("id"))
	if err != nil {
		return h.fail(c, "get", err)
	}
	return xhttp.SuccessResponse(c, run)
}

func (h *RunsEchoHandler) Cancel(c echo.Context) error {
	id := c.Param("id")
	if err := h.runs.Cancel(id); err != nil {
		return h.fail(c, "cancel", err)
	}
	run, err := h.runs.Get(id)
	if err != nil {
		return h.fail(c, "cancel", err)
	}
	return xhttp.AcceptedResponse(c, run)
}

func (h *RunsEchoHandler) Decide(c echo.Context) error {
	d, verr := h.readDecision(c)
	if verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	run, err := h.runs.Decide(c.Request().Context(), c.Param("id"), d)
	if err != nil {
		return h.fail(c, "decide", err)
	}
	return xhttp.SuccessResponse(c, run)
}

func (h *RunsEchoHandler) DecideProposal(c echo.Context) error {
	d, verr := h.readDecision(c)
	if verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	run, err := h.runs.DecideByProposal(c.Request().Context(), c.Param("id"), d)
	if err != nil {
		return h.fail(c, "decide", err)
	}
	return xhttp.SuccessResponse(c, run)
}

func (h *RunsEchoHandler) readDecision(c echo.Context) (models.HumanDecision, []xhttp.ValidationError) {
	req := &models.DecisionRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return models.HumanDecision{}, verr
	}
	return req.ToDecision(h.now()), nil
}

// InvalidateCache drops one query's cached result, or everything when no
// query is given.
func (h *RunsEchoHandler) InvalidateCache(c echo.Context) error {
	if h.cache == nil {
		return xhttp.AppErrorResponse(c, xhttp.UnavailableErrorf("retrieval cache disabled"))
	}
	req := &models.InvalidateCacheRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ctx := c.Request().Context()
	var err error
	if req.Query == "" {
		err = h.cache.InvalidateAll(ctx)
	} else {
		err = h.cache.Invalidate(ctx, models.RetrievalQuery{Text: req.Query, TopK: req.TopK})
	}
	if err != nil {
		return h.fail(c, "invalidate", err)
	}
	return xhttp.NoContentResponse(c)
}

func (h *RunsEchoHandler) fail(c echo.Context, op string, err error) error {
	switch {
	case errors.Is(err, usecase.ErrRunNotFound):
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("%v", err))
	case errors.Is(err, usecase.ErrInvalidTrigger), errors.Is(err, usecase.ErrInvalidDecision):
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("%v", err))
	case errors.Is(err, usecase.ErrNotAwaitingReview), errors.Is(err, usecase.ErrDecisionPending),
		errors.Is(err, usecase.ErrRunFinished):
		return xhttp.AppErrorResponse(c, xhttp.ConflictErrorf("%v", err))
	case errors.Is(err, usecase.ErrShuttingDown):
		return xhttp.AppErrorResponse(c, xhttp.UnavailableErrorf("%v", err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return xhttp.AppErrorResponse(c, xhttp.UnavailableErrorf("request ended before the run settled"))
	}
	h.logger.Error(op+" failed", xlogger.Error(err))
	return xhttp.AppErrorResponse(c, xhttp.InternalErrorf("%s failed", op).WithError(err))
}
