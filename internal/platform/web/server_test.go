package web

import (
	"context"
	"encoding/json"
	"go/types"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/snipbox/internal/compiler"
	"github.com/dontdude/snipbox/internal/domain"
	"github.com/dontdude/snipbox/internal/store"
)

type emptyImporter struct{}

func (emptyImporter) Import(p string) (*types.Package, error) {
	pkg := types.NewPackage(p, path.Base(p))
	pkg.MarkComplete()
	return pkg, nil
}

type fakeExecutor struct {
	mu     sync.Mutex
	calls  int
	limits domain.Limits
	run    func(ctx context.Context) (domain.Outcome, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, content string, declarations []string, limits domain.Limits) (domain.Outcome, error) {
	f.mu.Lock()
	f.calls++
	f.limits = limits
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx)
	}
	return domain.Completed(`"Hello, world!"`, "string", "", ""), nil
}

type fakeQueue struct {
	mu        sync.Mutex
	published []domain.Job
	cancelled []string
	onPublish func(domain.Job)
	onCancel  func(string)
}

func (q *fakeQueue) Publish(_ context.Context, job domain.Job) error {
	q.mu.Lock()
	q.published = append(q.published, job)
	q.mu.Unlock()
	if q.onPublish != nil {
		q.onPublish(job)
	}
	return nil
}

func (q *fakeQueue) Subscribe(context.Context) (<-chan domain.Job, error) { return nil, nil }

func (q *fakeQueue) Acknowledge(context.Context, string) error { return nil }

func (q *fakeQueue) Broadcast(context.Context, domain.JobResult) error { return nil }

func (q *fakeQueue) SubscribeLogs(context.Context) (<-chan domain.JobResult, error) {
	return nil, nil
}

func (q *fakeQueue) Cancel(_ context.Context, jobID string) error {
	q.mu.Lock()
	q.cancelled = append(q.cancelled, jobID)
	q.mu.Unlock()
	if q.onCancel != nil {
		q.onCancel(jobID)
	}
	return nil
}

func newTestServer(t *testing.T, mutate func(*Deps)) *Server {
	t.Helper()
	deps := Deps{
		Compiler: compiler.New(compiler.WithImporter(emptyImporter{})),
		Store:    store.NewMemoryStore(),
		Executor: &fakeExecutor{},
	}
	if mutate != nil {
		mutate(&deps)
	}
	return NewServer(deps)
}

type response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestIndexShowsDefaultSnippet(t *testing.T) {
	s := newTestServer(t, nil)

	rec, resp := do(t, s, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp.Status)

	var data showData
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, DefaultContent, data.Snippet.Content)
	assert.Empty(t, data.Diagnostics)
}

func TestSaveThenResolve(t *testing.T) {
	s := newTestServer(t, nil)

	rec, resp := do(t, s, http.MethodPost, "/", `{"content":"return 1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var first saveData
	require.NoError(t, json.Unmarshal(resp.Data, &first))
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, "/"+first.Slug, first.URL)

	rec, resp = do(t, s, http.MethodPost, "/"+first.Slug, `{"content":"return undefinedName"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var second saveData
	require.NoError(t, json.Unmarshal(resp.Data, &second))
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, "/"+first.Slug+"/2", second.URL)

	// Version 1 lives at the bare slug.
	rec, resp = do(t, s, http.MethodGet, "/"+first.Slug, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var shown showData
	require.NoError(t, json.Unmarshal(resp.Data, &shown))
	assert.Equal(t, "return 1", shown.Snippet.Content)
	assert.Empty(t, shown.Diagnostics)

	// Stored code with errors is still shown, with its diagnostics.
	rec, resp = do(t, s, http.MethodGet, "/"+first.Slug+"/2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &shown))
	assert.Equal(t, 2, shown.Snippet.Version)
	require.NotEmpty(t, shown.Diagnostics)
	assert.Equal(t, domain.SeverityError, shown.Diagnostics[0].Severity)

	rec, _ = do(t, s, http.MethodGet, "/"+first.Slug+"/latest", "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/"+first.Slug+"/2", rec.Header().Get("Location"))
}

func TestVersionOneRedirectsPermanently(t *testing.T) {
	s := newTestServer(t, nil)
	_, err := s.Store.Save(context.Background(), "hello", "return 1", nil)
	require.NoError(t, err)

	for _, target := range []string{"/hello/1", "/hello/0", "/hello/-3"} {
		rec, _ := do(t, s, http.MethodGet, target, "")
		assert.Equal(t, http.StatusMovedPermanently, rec.Code, target)
		assert.Equal(t, "/hello", rec.Header().Get("Location"), target)
	}
}

func TestResolveMisses(t *testing.T) {
	s := newTestServer(t, nil)
	_, err := s.Store.Save(context.Background(), "hello", "return 1", nil)
	require.NoError(t, err)

	for _, target := range []string{"/missing", "/hello/2", "/hello/two", "/missing/latest"} {
		rec, resp := do(t, s, http.MethodGet, target, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.Equal(t, "error", resp.Status, target)
	}
}

func TestShowMalformedStoredSnippet(t *testing.T) {
	s := newTestServer(t, nil)
	_, err := s.Store.Save(context.Background(), "odd", "return 1", []string{"func main() {}"})
	require.NoError(t, err)

	rec, resp := do(t, s, http.MethodGet, "/odd", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var shown showData
	require.NoError(t, json.Unmarshal(resp.Data, &shown))
	require.Len(t, shown.Diagnostics, 1)
	assert.False(t, shown.Diagnostics[0].Location.Known())
}

func TestSaveRejectsInvalidSlug(t *testing.T) {
	s := newTestServer(t, nil)

	rec, resp := do(t, s, http.MethodPost, "/Not_Valid", `{"content":"return 1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", resp.Status)

	rec, _ = do(t, s, http.MethodPost, "/", `{"content":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidate(t *testing.T) {
	s := newTestServer(t, nil)

	rec, resp := do(t, s, http.MethodPost, "/api/validate", `{"content":"return 1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(resp.Data))

	rec, resp = do(t, s, http.MethodPost, "/api/validate", `{"content":"return undefinedName"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var diags []domain.Diagnostic
	require.NoError(t, json.Unmarshal(resp.Data, &diags))
	require.NotEmpty(t, diags)
	assert.Equal(t, domain.SourceContent, diags[0].Location.Source)
	assert.Equal(t, 1, diags[0].Location.Line)

	rec, _ = do(t, s, http.MethodPost, "/api/validate", `{"content":"return 1","declarations":["func main() {}"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunInline(t *testing.T) {
	exec := &fakeExecutor{}
	s := newTestServer(t, func(d *Deps) { d.Executor = exec })

	rec, resp := do(t, s, http.MethodPost, "/api/run", `{"content":"return \"Hello, world!\"","timeout_ms":500}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var data runData
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "completed", data.Status)
	require.NotNil(t, data.Outcome)
	assert.Equal(t, `"Hello, world!"`, data.Outcome.Value)
	assert.Equal(t, 1, exec.calls)
	assert.Equal(t, int64(500), exec.limits.Timeout.Milliseconds())
}

func TestRunRejectsNonCompilingCode(t *testing.T) {
	exec := &fakeExecutor{}
	s := newTestServer(t, func(d *Deps) { d.Executor = exec })

	rec, resp := do(t, s, http.MethodPost, "/api/run", `{"content":"return undefinedName"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var data errorData
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.NotEmpty(t, data.Diagnostics)
	assert.Zero(t, exec.calls, "no sandbox for code with errors")
}

func TestRunInfrastructureErrorIsHidden(t *testing.T) {
	exec := &fakeExecutor{run: func(context.Context) (domain.Outcome, error) {
		return domain.Outcome{}, assert.AnError
	}}
	s := newTestServer(t, func(d *Deps) { d.Executor = exec })

	rec, resp := do(t, s, http.MethodPost, "/api/run", `{"content":"return 1"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var data errorData
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), data.Message)
}

func TestRunQueued(t *testing.T) {
	q := &fakeQueue{}
	s := newTestServer(t, func(d *Deps) {
		d.Queue = q
		d.Hub = NewHub(8)
	})
	s.newJobID = func() string { return "job-1" }

	rec, resp := do(t, s, http.MethodPost, "/api/run", `{"content":"return 1","declarations":["type T int"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var data runData
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "job-1", data.JobID)
	assert.Equal(t, "queued", data.Status)

	require.Len(t, q.published, 1)
	assert.Equal(t, "job-1", q.published[0].ID)
	assert.Equal(t, []string{"type T int"}, q.published[0].Declarations)
}

func TestRateLimitedRoutes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := newTestServer(t, func(d *Deps) { d.Limiter = NewRateLimiter(ctx, 0, 1) })

	rec, _ := do(t, s, http.MethodPost, "/", `{"content":"return 1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, s, http.MethodPost, "/", `{"content":"return 1"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Validation is never throttled.
	rec, _ = do(t, s, http.MethodPost, "/api/validate", `{"content":"return 1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, func(d *Deps) { d.CORSOrigin = "https://example.com" })

	rec, _ := do(t, s, http.MethodOptions, "/api/run", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.Malformed("x"), http.StatusBadRequest},
		{domain.ErrInvalidSlug, http.StatusBadRequest},
		{&domain.NotCompilableError{}, http.StatusUnprocessableEntity},
		{domain.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
