package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/duckmesh/sqlagent/internal/agent"
	"github.com/duckmesh/sqlagent/internal/auth"
	"github.com/duckmesh/sqlagent/internal/cache"
	"github.com/duckmesh/sqlagent/internal/config"
	"github.com/duckmesh/sqlagent/internal/schema"
	"github.com/duckmesh/sqlagent/internal/storage"
	"github.com/duckmesh/sqlagent/internal/validator"
)

type fakeAgent struct {
	dataset    string
	result     agent.Result
	session    *agent.Session
	genErr     error
	run        validator.Result
	runErr     error
	schemaErr  error
	refreshErr error
	refreshes  int
	requests   []agent.Request
}

func (f *fakeAgent) DatasetID() string { return f.dataset }

func (f *fakeAgent) Resolve(_ context.Context, req agent.Request) agent.Result {
	f.requests = append(f.requests, req)
	return f.result
}

func (f *fakeAgent) Generate(_ context.Context, req agent.Request) (*agent.Session, error) {
	f.requests = append(f.requests, req)
	return f.session, f.genErr
}

func (f *fakeAgent) Run(context.Context, string) (validator.Result, error) {
	return f.run, f.runErr
}

func (f *fakeAgent) Schema(context.Context) (schema.Descriptor, string, error) {
	if f.schemaErr != nil {
		return schema.Descriptor{}, "", f.schemaErr
	}
	return schema.Descriptor{DatasetID: f.dataset, Tables: []schema.Table{{Name: "warehouse.sales.orders"}}}, "CREATE OR REPLACE TABLE \"warehouse\".\"sales\".\"orders\" (\n);\n\n", nil
}

func (f *fakeAgent) RefreshSchema(ctx context.Context) (schema.Descriptor, string, error) {
	f.refreshes++
	if f.refreshErr != nil {
		return schema.Descriptor{}, "", f.refreshErr
	}
	return f.Schema(ctx)
}

func (f *fakeAgent) CacheStats() cache.Stats {
	return cache.Stats{Questions: 2, Queries: 1}
}

type fakeSnapshots struct {
	err error
}

func (f fakeSnapshots) Save(context.Context) (storage.ObjectInfo, error) {
	return storage.ObjectInfo{Key: "cache/snapshot.ndjson", Size: 128}, f.err
}

func newTestHandler(t *testing.T, deps Dependencies, env map[string]string) http.Handler {
	t.Helper()
	cfg, err := config.Load("sqlagent-api", mapLookup(env))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return NewHandler(cfg, deps)
}

func doJSON(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAskReturnsRows(t *testing.T) {
	fa := &fakeAgent{dataset: "sales", result: agent.Result{
		RequestID: "req-1",
		CacheHit:  true,
		Response: agent.Response{
			SQL:    "SELECT 1 LIMIT 80",
			Status: validator.StatusRows,
			Rows:   []validator.Row{{{Name: "n", Value: 1}}},
		},
	}}
	h := newTestHandler(t, Dependencies{Agent: fa}, map[string]string{})

	rr := doJSON(h, http.MethodPost, "/v1/ask", `{"question":"How many?"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Cache") != "hit" {
		t.Fatalf("X-Cache = %q", rr.Header().Get("X-Cache"))
	}
	var body struct {
		RequestID string           `json:"request_id"`
		CacheHit  bool             `json:"cache_hit"`
		SQL       string           `json:"sql"`
		Rows      []map[string]any `json:"rows"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RequestID != "req-1" || !body.CacheHit || body.SQL != "SELECT 1 LIMIT 80" || body.Rows[0]["n"] != float64(1) {
		t.Fatalf("body = %+v", body)
	}
	if fa.requests[0].Question != "How many?" {
		t.Fatalf("question = %q", fa.requests[0].Question)
	}
}

func TestAskMapsFailures(t *testing.T) {
	tests := []struct {
		kind   agent.ErrorKind
		status int
		code   string
	}{
		{agent.KindInvalidSQL, http.StatusUnprocessableEntity, "INVALID_SQL"},
		{agent.KindExecution, http.StatusUnprocessableEntity, "EXECUTION_FAILED"},
		{agent.KindModelCall, http.StatusBadGateway, "MODEL_CALL_FAILED"},
		{agent.KindSchemaFetch, http.StatusBadGateway, "SCHEMA_FETCH_FAILED"},
		{agent.KindCanceled, http.StatusGatewayTimeout, "TIMEOUT"},
		{agent.KindInternal, http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range tests {
		fa := &fakeAgent{dataset: "sales", result: agent.Result{
			RequestID: "req-2",
			Response:  agent.Response{Error: &agent.Error{Kind: tc.kind, Message: "it broke"}},
		}}
		h := newTestHandler(t, Dependencies{Agent: fa}, map[string]string{})
		rr := doJSON(h, http.MethodPost, "/v1/ask", `{"question":"q"}`, nil)
		if rr.Code != tc.status {
			t.Fatalf("%s: status = %d", tc.kind, rr.Code)
		}
		if rr.Header().Get("X-Cache") != "miss" {
			t.Fatalf("%s: X-Cache = %q", tc.kind, rr.Header().Get("X-Cache"))
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["error_code"] != tc.code || body["message"] != "it broke" {
			t.Fatalf("%s: body = %v", tc.kind, body)
		}
		extra, _ := body["context"].(map[string]any)
		if extra["request_id"] != "req-2" || extra["kind"] != string(tc.kind) {
			t.Fatalf("%s: context = %v", tc.kind, extra)
		}
	}
}

func TestAskValidatesBody(t *testing.T) {
	h := newTestHandler(t, Dependencies{Agent: &fakeAgent{dataset: "sales"}}, map[string]string{})
	for body, code := range map[string]string{
		`{"question":""}`:      "QUESTION_REQUIRED",
		`{"question":1}`:       "INVALID_JSON",
		`{"prompt":"unknown"}`: "INVALID_JSON",
	} {
		rr := doJSON(h, http.MethodPost, "/v1/ask", body, nil)
		if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), code) {
			t.Fatalf("body %s: status = %d, response = %s", body, rr.Code, rr.Body.String())
		}
	}
}

func TestAskWithoutAgent(t *testing.T) {
	h := newTestHandler(t, Dependencies{}, map[string]string{})
	rr := doJSON(h, http.MethodPost, "/v1/ask", `{"question":"q"}`, nil)
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestAskEnforcesRoleAndDatasetScope(t *testing.T) {
	keys, err := auth.NewStaticAPIKeyValidator("asker:sales:asker,runner:sales:runner,other:finance:asker")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	fa := &fakeAgent{dataset: "sales", result: agent.Result{Response: agent.Response{Status: validator.StatusNoRows}}}
	h := newTestHandler(t, Dependencies{Agent: fa, AuthMiddleware: auth.Middleware(nil, keys)}, map[string]string{"SQLAGENT_AUTH_REQUIRED": "true"})

	cases := []struct {
		key    string
		body   string
		status int
	}{
		{"asker", `{"question":"q"}`, http.StatusOK},
		{"asker", `{"question":"q","dataset_id":"finance"}`, http.StatusForbidden},
		{"runner", `{"question":"q"}`, http.StatusForbidden},
		{"other", `{"question":"q"}`, http.StatusForbidden},
	}
	for _, tc := range cases {
		rr := doJSON(h, http.MethodPost, "/v1/ask", tc.body, map[string]string{"X-API-Key": tc.key})
		if rr.Code != tc.status {
			t.Fatalf("key %s body %s: status = %d, want %d (%s)", tc.key, tc.body, rr.Code, tc.status, rr.Body.String())
		}
	}
}

func TestGenerateEndpoint(t *testing.T) {
	fa := &fakeAgent{dataset: "sales", session: &agent.Session{RequestID: "req-3", DatasetID: "sales", Candidate: "SELECT 1"}}
	h := newTestHandler(t, Dependencies{Agent: fa}, map[string]string{})
	rr := doJSON(h, http.MethodPost, "/v1/sql/generate", `{"question":"q"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["sql"] != "SELECT 1" || body["request_id"] != "req-3" {
		t.Fatalf("body = %v", body)
	}

	fa.genErr = &schema.FetchError{DatasetID: "sales", Err: schema.ErrDatasetNotFound}
	rr = doJSON(h, http.MethodPost, "/v1/sql/generate", `{"question":"q"}`, nil)
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Body.String(), "DATASET_NOT_FOUND") {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}

	fa.genErr = agent.ErrUnknownDataset
	rr = doJSON(h, http.MethodPost, "/v1/sql/generate", `{"question":"q","dataset_id":"nope"}`, nil)
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Body.String(), "DATASET_NOT_SERVED") {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestRunEndpoint(t *testing.T) {
	fa := &fakeAgent{dataset: "sales", run: validator.Result{SQL: "SELECT x LIMIT 80", Status: validator.StatusFailed, Error: "Invalid SQL: no column x"}}
	h := newTestHandler(t, Dependencies{Agent: fa}, map[string]string{})

	rr := doJSON(h, http.MethodPost, "/v1/sql/run", `{"sql":"SELECT x"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "failed" || body["error_message"] != "Invalid SQL: no column x" {
		t.Fatalf("body = %v", body)
	}
	if _, ok := body["rows"]; ok {
		t.Fatal("failed result carries rows")
	}

	fa.run = validator.Result{Status: validator.StatusInvalid, Error: validator.DisallowedMessage}
	fa.runErr = &validator.InvalidSQLError{SQL: "DROP TABLE t"}
	rr = doJSON(h, http.MethodPost, "/v1/sql/run", `{"sql":"DROP TABLE t"}`, nil)
	if rr.Code != http.StatusUnprocessableEntity || !strings.Contains(rr.Body.String(), validator.DisallowedMessage) {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(h, http.MethodPost, "/v1/sql/run", `{"sql":" "}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestSchemaEndpoint(t *testing.T) {
	fa := &fakeAgent{dataset: "sales"}
	h := newTestHandler(t, Dependencies{Agent: fa}, map[string]string{})
	rr := doJSON(h, http.MethodGet, "/v1/schema", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["dataset_id"] != "sales" || !strings.HasPrefix(body["ddl"].(string), "CREATE OR REPLACE TABLE") {
		t.Fatalf("body = %v", body)
	}

	fa.schemaErr = &schema.FetchError{DatasetID: "sales", Err: schema.ErrPermissionDenied}
	rr = doJSON(h, http.MethodGet, "/v1/schema", "", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestSchemaRefreshEndpoint(t *testing.T) {
	keys, err := auth.NewStaticAPIKeyValidator("admin:sales:admin,asker:sales:asker")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	fa := &fakeAgent{dataset: "sales"}
	h := newTestHandler(t, Dependencies{Agent: fa, AuthMiddleware: auth.Middleware(nil, keys)}, map[string]string{"SQLAGENT_AUTH_REQUIRED": "true"})

	rr := doJSON(h, http.MethodPost, "/v1/schema/refresh", "", map[string]string{"X-API-Key": "asker"})
	if rr.Code != http.StatusForbidden || fa.refreshes != 0 {
		t.Fatalf("asker status = %d, refreshes = %d", rr.Code, fa.refreshes)
	}

	rr = doJSON(h, http.MethodPost, "/v1/schema/refresh", "", map[string]string{"X-API-Key": "admin"})
	if rr.Code != http.StatusOK || fa.refreshes != 1 {
		t.Fatalf("admin status = %d, refreshes = %d, body=%s", rr.Code, fa.refreshes, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"dataset_id":"sales"`) {
		t.Fatalf("body = %s", rr.Body.String())
	}

	cases := []struct {
		err    error
		status int
	}{
		{err: agent.ErrRefreshUnsupported, status: http.StatusNotImplemented},
		{err: &schema.FetchError{DatasetID: "sales", Err: schema.ErrDatasetNotFound}, status: http.StatusNotFound},
	}
	for _, tc := range cases {
		fa.refreshErr = tc.err
		rr = doJSON(h, http.MethodPost, "/v1/schema/refresh", "", map[string]string{"X-API-Key": "admin"})
		if rr.Code != tc.status {
			t.Fatalf("refresh error %v: status = %d, want %d", tc.err, rr.Code, tc.status)
		}
	}
}

func TestCacheEndpoints(t *testing.T) {
	h := newTestHandler(t, Dependencies{Agent: &fakeAgent{dataset: "sales"}, Snapshots: fakeSnapshots{}}, map[string]string{})

	rr := doJSON(h, http.MethodGet, "/v1/cache/stats", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"questions":2`) {
		t.Fatalf("stats status = %d, body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(h, http.MethodPost, "/v1/cache/snapshot", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "cache/snapshot.ndjson") {
		t.Fatalf("snapshot status = %d, body=%s", rr.Code, rr.Body.String())
	}

	failing := newTestHandler(t, Dependencies{Agent: &fakeAgent{dataset: "sales"}, Snapshots: fakeSnapshots{err: errors.New("bucket gone")}}, map[string]string{})
	rr = doJSON(failing, http.MethodPost, "/v1/cache/snapshot", "", nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("failing snapshot status = %d", rr.Code)
	}

	unconfigured := newTestHandler(t, Dependencies{Agent: &fakeAgent{dataset: "sales"}}, map[string]string{})
	rr = doJSON(unconfigured, http.MethodPost, "/v1/cache/snapshot", "", nil)
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("unconfigured snapshot status = %d", rr.Code)
	}
}
