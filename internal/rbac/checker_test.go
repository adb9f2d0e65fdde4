package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckerRoles(t *testing.T) {
	c := NewChecker(nil)
	assert.True(t, c.Has("registrar", PermComputationRun))
	assert.True(t, c.Has("registrar", PermComputationCancel))
	assert.False(t, c.Has("registrar", PermNotificationRead))
	assert.True(t, c.Has("hod", PermCarryoverClear))
	assert.False(t, c.Has("hod", PermComputationRun))
	assert.False(t, c.Has("auditor", PermCarryoverClear))
	assert.True(t, c.Has("admin", PermNotificationRead))
	assert.False(t, c.Has("nobody", PermGPAView))
	assert.True(t, c.Any("auditor", PermComputationRun, PermGPAView))
}

func TestRequireMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := Require(PermComputationRun)(ok)
	either := RequireAny(PermNotificationRead, PermComputationRun)(ok)

	cases := []struct {
		role string
		h    http.Handler
		want int
	}{
		{"", h, http.StatusForbidden},
		{"auditor", h, http.StatusForbidden},
		{"registrar", h, http.StatusNoContent},
		{"auditor", either, http.StatusForbidden},
		{"registrar", either, http.StatusNoContent},
		{"admin", either, http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithRole(req.Context(), tc.role))
		rec := httptest.NewRecorder()
		tc.h.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "role %q", tc.role)
	}
}
