package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckerRunsAllChecks(t *testing.T) {
	c := NewChecker()
	c.Register(CheckFunc{CheckName: "ok", Fn: func(context.Context) error { return nil }})
	c.Register(CheckFunc{CheckName: "bad", Fn: func(context.Context) error { return errors.New("down") }})

	results := c.Check(context.Background())
	require.Len(t, results, 2)
	assert.NoError(t, results["ok"])
	assert.Error(t, results["bad"])
}

func TestHandlerHealthy(t *testing.T) {
	c := NewChecker()
	c.Register(CheckFunc{CheckName: "registry", Fn: func(context.Context) error { return nil }})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"registry":"ok"`)
}

func TestHandlerUnhealthy(t *testing.T) {
	c := NewChecker()
	c.Register(CheckFunc{CheckName: "registry", Fn: func(context.Context) error { return errors.New("redis unreachable") }})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis unreachable")
}
