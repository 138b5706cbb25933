package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"FxDesk/internal/domain/models"
	"FxDesk/internal/service/ratelimit"
	"FxDesk/internal/usecase"
	xhttp "FxDesk/pkg/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuns struct {
	mu        sync.Mutex
	runs      map[string]models.WorkflowRun
	triggers  []models.Trigger
	decisions []models.HumanDecision
	filter    usecase.RunFilter
	err       error
}

func newFakeRuns() *fakeRuns { return &fakeRuns{runs: map[string]models.WorkflowRun{}} }

func (f *fakeRuns) Trigger(_ context.Context, t models.Trigger) (models.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.WorkflowRun{}, f.err
	}
	f.triggers = append(f.triggers, t)
	if t.RunID == "" {
		t.RunID = fmt.Sprintf("run-%08d", len(f.triggers))
	}
	run := models.WorkflowRun{RunID: t.RunID, State: models.StateCollecting, Trigger: t}
	f.runs[run.RunID] = run
	return run, nil
}

func (f *fakeRuns) Get(id string) (models.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return models.WorkflowRun{}, fmt.Errorf("%w: %s", usecase.ErrRunNotFound, id)
	}
	return run, nil
}

func (f *fakeRuns) List(filter usecase.RunFilter) []models.WorkflowRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	var out []models.WorkflowRun
	for _, r := range f.runs {
		out = append(out, r)
	}
	return out
}

func (f *fakeRuns) Await(_ context.Context, id string) (models.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := f.runs[id]
	run.State = models.StateAwaitingReview
	f.runs[id] = run
	return run, nil
}

func (f *fakeRuns) Decide(_ context.Context, id string, d models.HumanDecision) (models.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return models.WorkflowRun{}, usecase.ErrRunNotFound
	}
	if run.State != models.StateAwaitingReview {
		return run, usecase.ErrNotAwaitingReview
	}
	f.decisions = append(f.decisions, d)
	run.State = models.StateApproved
	run.Decision = &d
	f.runs[id] = run
	return run, nil
}

func (f *fakeRuns) DecideByProposal(ctx context.Context, proposalID string, d models.HumanDecision) (models.WorkflowRun, error) {
	f.mu.Lock()
	var runID string
	for id, r := range f.runs {
		if r.Proposal != nil && r.Proposal.ProposalID == proposalID {
			runID = id
		}
	}
	f.mu.Unlock()
	if runID == "" {
		return models.WorkflowRun{}, usecase.ErrRunNotFound
	}
	return f.Decide(ctx, runID, d)
}

func (f *fakeRuns) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return usecase.ErrRunNotFound
	}
	if run.State.IsTerminal() {
		return usecase.ErrRunFinished
	}
	return nil
}

type fakeCache struct {
	queries []models.RetrievalQuery
	all     int
}

func (c *fakeCache) Invalidate(_ context.Context, q models.RetrievalQuery) error {
	c.queries = append(c.queries, q)
	return nil
}

func (c *fakeCache) InvalidateAll(context.Context) error {
	c.all++
	return nil
}

func newServer(h *RunsEchoHandler) *echo.Echo {
	e := echo.New()
	h.RegisterRoutes(e)
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeRun(t *testing.T, rec *httptest.ResponseRecorder) models.WorkflowRun {
	t.Helper()
	var resp struct {
		Data models.WorkflowRun `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Data
}

func TestTriggerRun(t *testing.T) {
	runs := newFakeRuns()
	e := newServer(NewRunsEchoHandler(nil, runs, nil))

	rec := do(e, http.MethodPost, "/api/runs", `{"instrument":"EUR/USD","account_equity":5000}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	run := decodeRun(t, rec)
	assert.Equal(t, "run-00000001", run.RunID)
	assert.Equal(t, "EURUSD", run.Trigger.Instrument)
	assert.Equal(t, models.SourceHTTP, runs.triggers[0].Source)
	assert.True(t, runs.triggers[0].AccountEquity.Equal(decimal.NewFromInt(5000)))

	rec = do(e, http.MethodPost, "/api/runs?wait=true", `{"instrument":"GBPUSD","run_id":"abc"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StateAwaitingReview, decodeRun(t, rec).State)
}

func TestTriggerValidation(t *testing.T) {
	e := newServer(NewRunsEchoHandler(nil, newFakeRuns(), nil))

	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/api/runs", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/api/runs", `{"instrument":"EU1USD"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/api/runs", `{"instrument":`).Code)
}

func TestTriggerWhileShuttingDown(t *testing.T) {
	runs := newFakeRuns()
	runs.err = usecase.ErrShuttingDown
	e := newServer(NewRunsEchoHandler(nil, runs, nil))
	assert.Equal(t, http.StatusServiceUnavailable, do(e, http.MethodPost, "/api/runs", `{"instrument":"EURUSD"}`).Code)
}

func TestTriggerRateLimited(t *testing.T) {
	frozen := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	limiter := ratelimit.New(2, 0).WithClock(func() time.Time { return frozen })
	e := newServer(NewRunsEchoHandler(nil, newFakeRuns(), nil, WithTriggerLimit(limiter)))

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusAccepted, do(e, http.MethodPost, "/api/runs", `{"instrument":"EURUSD"}`).Code)
	}
	rec := do(e, http.MethodPost, "/api/runs", `{"instrument":"EURUSD"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_RATE_LIMITED")

	assert.Equal(t, http.StatusAccepted, do(e, http.MethodPost, "/api/runs", `{"instrument":"GBPUSD"}`).Code,
		"buckets are per instrument")
	assert.Equal(t, http.StatusTooManyRequests, do(e, http.MethodPost, "/api/runs", `{"instrument":"eur/usd"}`).Code)
}

func TestGetAndListRuns(t *testing.T) {
	runs := newFakeRuns()
	runs.runs["run-1"] = models.WorkflowRun{RunID: "run-1", State: models.StateRejected}
	e := newServer(NewRunsEchoHandler(nil, runs, nil))

	rec := do(e, http.MethodGet, "/api/runs/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StateRejected, decodeRun(t, rec).State)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/api/runs/run-404", "").Code)

	rec = do(e, http.MethodGet, "/api/runs?state=Rejected&instrument=EURUSD&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Data xhttp.ListDataResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Data.Total)
	assert.Equal(t, usecase.RunFilter{State: models.StateRejected, Instrument: "EURUSD", Limit: 5}, runs.filter)

	do(e, http.MethodGet, "/api/runs", "")
	assert.Equal(t, 50, runs.filter.Limit, "default limit")
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodGet, "/api/runs?state=Done", "").Code)
}

func TestCancelRun(t *testing.T) {
	runs := newFakeRuns()
	runs.runs["live"] = models.WorkflowRun{RunID: "live", State: models.StateCollecting}
	runs.runs["done"] = models.WorkflowRun{RunID: "done", State: models.StateFailed}
	e := newServer(NewRunsEchoHandler(nil, runs, nil))

	assert.Equal(t, http.StatusAccepted, do(e, http.MethodPost, "/api/runs/live/cancel", "").Code)
	assert.Equal(t, http.StatusConflict, do(e, http.MethodPost, "/api/runs/done/cancel", "").Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodPost, "/api/runs/nope/cancel", "").Code)
}

func TestDecideRun(t *testing.T) {
	runs := newFakeRuns()
	runs.runs["run-1"] = models.WorkflowRun{RunID: "run-1", State: models.StateAwaitingReview,
		Proposal: &models.OrderProposal{ProposalID: "prop-1"}}
	runs.runs["run-2"] = models.WorkflowRun{RunID: "run-2", State: models.StateAwaitingReview,
		Proposal: &models.OrderProposal{ProposalID: "prop-2"}}
	e := newServer(NewRunsEchoHandler(nil, runs, nil))

	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/api/runs/run-1/decision", `{"decision":"maybe","reviewer":"a"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/api/runs/run-1/decision", `{"decision":"approved"}`).Code)

	rec := do(e, http.MethodPost, "/api/runs/run-1/decision", `{"decision":"approved","reviewer":"alice","note":"ok"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StateApproved, decodeRun(t, rec).State)
	require.Len(t, runs.decisions, 1)
	assert.Equal(t, "alice", runs.decisions[0].Reviewer)
	assert.False(t, runs.decisions[0].DecidedAt.IsZero())

	assert.Equal(t, http.StatusConflict, do(e, http.MethodPost, "/api/runs/run-1/decision", `{"decision":"approved","reviewer":"alice"}`).Code)

	rec = do(e, http.MethodPost, "/api/proposals/prop-2/decision", `{"decision":"approved","reviewer":"bob"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-2", decodeRun(t, rec).RunID)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodPost, "/api/proposals/prop-x/decision", `{"decision":"approved","reviewer":"bob"}`).Code)
}

func TestInvalidateCache(t *testing.T) {
	cache := &fakeCache{}
	e := newServer(NewRunsEchoHandler(nil, newFakeRuns(), cache))

	assert.Equal(t, http.StatusNoContent, do(e, http.MethodDelete, "/api/retrieval/cache?query=EURUSD+news&top_k=5", "").Code)
	require.Len(t, cache.queries, 1)
	assert.Equal(t, models.RetrievalQuery{Text: "EURUSD news", TopK: 5}, cache.queries[0])

	assert.Equal(t, http.StatusNoContent, do(e, http.MethodDelete, "/api/retrieval/cache", "").Code)
	assert.Equal(t, 1, cache.all)

	disabled := newServer(NewRunsEchoHandler(nil, newFakeRuns(), nil))
	assert.Equal(t, http.StatusServiceUnavailable, do(disabled, http.MethodDelete, "/api/retrieval/cache", "").Code)
}

func TestHealth(t *testing.T) {
	e := newServer(NewRunsEchoHandler(nil, newFakeRuns(), nil))
	rec := do(e, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}
