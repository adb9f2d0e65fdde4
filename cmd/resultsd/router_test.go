package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/mindengage-results/internal/academic"
	auth "github.com/mind-engage/mindengage-results/internal/auth/middleware"
	"github.com/mind-engage/mindengage-results/internal/dispatch"
)

type okPinger struct{}

func (okPinger) PingContext(context.Context) error { return nil }

type catalogStub struct{}

func (catalogStub) ListDepartments(context.Context) ([]academic.Department, error) {
	return []academic.Department{{ID: "d1"}}, nil
}

func (catalogStub) GetSemester(_ context.Context, id string) (academic.Semester, error) {
	return academic.Semester{ID: id, Term: 1, Seq: 1}, nil
}

func testRouter(t *testing.T) (http.Handler, *auth.AuthService, *dispatch.MemoryQueue) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	a := auth.NewAuthService("test-secret", time.Hour)
	q := dispatch.NewMemoryQueue(nil)
	d := dispatch.New(q, nil, catalogStub{}, dispatch.Config{WorkerID: "test"})
	return newRouter(routerDeps{
		auth:          a,
		adminUser:     "admin",
		adminPassHash: string(hash),
		corsOrigins:   []string{"http://localhost:3000"},
		computations:  d,
		db:            okPinger{},
	}), a, q
}

func send(h http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLoginIssuesAdminToken(t *testing.T) {
	h, a, _ := testRouter(t)

	rec := send(h, http.MethodPost, "/auth/login", "", `{"username":"admin","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = send(h, http.MethodPost, "/auth/login", "", `{"username":"admin","password":"s3cret"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	claims, err := a.Parse(body["access_token"])
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Sub)
	assert.Equal(t, "admin", claims.Role)
}

func TestComputeAllRequiresRunPermission(t *testing.T) {
	h, a, q := testRouter(t)
	body := `{"semester_id":"sem1"}`

	assert.Equal(t, http.StatusUnauthorized, send(h, http.MethodPost, "/computations/compute-all", "", body).Code)
	assert.Equal(t, http.StatusUnauthorized, send(h, http.MethodPost, "/computations/compute-all", "garbage", body).Code)

	auditor, err := a.IssueJWT("aud-1", "auditor")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, send(h, http.MethodPost, "/computations/compute-all", auditor, body).Code)

	registrar, err := a.IssueJWT("reg-1", "registrar")
	require.NoError(t, err)
	rec := send(h, http.MethodPost, "/computations/compute-all", registrar, body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	masterID, _ := out["master_computation_id"].(string)
	require.NotEmpty(t, masterID)

	jobs, err := q.ListByMaster(context.Background(), masterID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "reg-1", jobs[0].ComputedBy)

	rec = send(h, http.MethodGet, "/computations/status/"+masterID, auditor, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = send(h, http.MethodPost, "/computations/cancel/"+masterID, auditor, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = send(h, http.MethodPost, "/computations/cancel/"+masterID, registrar, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHealthEndpointsArePublic(t *testing.T) {
	h, _, _ := testRouter(t)
	assert.Equal(t, http.StatusOK, send(h, http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusOK, send(h, http.MethodGet, "/readyz", "", "").Code)
}
