package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routes func(e *echo.Echo)

func (r routes) RegisterRoutes(e *echo.Echo) { r(e) }

func testServer(opts ...ServerOption) *echo.Echo {
	h := routes(func(e *echo.Echo) {
		e.GET("/ok", func(c echo.Context) error { return SuccessResponse(c, map[string]string{"k": "v"}) })
		e.GET("/conflict", func(c echo.Context) error {
			return AppErrorResponse(c, ConflictErrorf("run %s is %s", "run-1", "Approved"))
		})
		e.GET("/opaque", func(c echo.Context) error { return AppErrorResponse(c, errors.New("db password leaked")) })
		e.GET("/panic", func(echo.Context) error { panic("boom") })
	})
	return NewServer(h, nil, opts...).Echo()
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestEnvelopeCarriesRequestID(t *testing.T) {
	e := testServer()

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/ok", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	id := rec.Header().Get(echo.HeaderXRequestID)
	require.Len(t, id, 26)

	var body APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, id, body.RequestID)
	assert.Equal(t, "OK", body.Message)

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(echo.HeaderXRequestID, "caller-id")
	rec = serve(e, req)
	assert.Equal(t, "caller-id", rec.Header().Get(echo.HeaderXRequestID))
}

func TestAppErrorResponses(t *testing.T) {
	e := testServer()

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/conflict", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeConflict)
	assert.Contains(t, rec.Body.String(), "run run-1 is Approved")

	rec = serve(e, httptest.NewRequest(http.MethodGet, "/opaque", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeInternal)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = serve(e, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCORS(t *testing.T) {
	e := testServer(WithCORS(true, "https://desk.example"))

	pre := httptest.NewRequest(http.MethodOptions, "/ok", nil)
	pre.Header.Set(echo.HeaderOrigin, "https://desk.example")
	pre.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodPost)
	rec := serve(e, pre)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://desk.example", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	assert.Contains(t, rec.Header().Get(echo.HeaderAccessControlAllowMethods), http.MethodDelete)
	assert.Equal(t, "600", rec.Header().Get(echo.HeaderAccessControlMaxAge))

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(echo.HeaderOrigin, "https://desk.example")
	rec = serve(e, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, echo.HeaderXRequestID, rec.Header().Get(echo.HeaderAccessControlExposeHeaders))
	assert.Empty(t, rec.Header().Get(echo.HeaderAccessControlAllowMethods), "methods only on preflight")

	req = httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(echo.HeaderOrigin, "https://evil.example")
	rec = serve(e, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}

func TestStartReportsBindAddress(t *testing.T) {
	s := NewServer(nil, nil, WithPort(0))
	s.config.Host = "127.0.0.1"
	require.NoError(t, s.Start())
	require.NotNil(t, s.Addr())

	resp, err := http.Get("http://" + s.Addr().String() + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, s.Stop(t.Context()))
}

func TestPanicEnvelopeHasRequestID(t *testing.T) {
	e := testServer()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set(echo.HeaderXRequestID, "trace-me")
	rec := serve(e, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "trace-me", body["request_id"])
}
