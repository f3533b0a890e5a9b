package handler_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"courier/internal/handler"
	"courier/internal/repository"
	"courier/internal/service"
	"courier/internal/testutil"
)

type testAPI struct {
	*httptest.Server
	queries *repository.Queries
	files   *service.FileStorage
}

// setupTestServer serves the full router backed by an in-memory SQLite
// database and a temporary upload directory.
func setupTestServer(t *testing.T) *testAPI {
	t.Helper()

	q := testutil.SetupTestDB(t)
	fs, err := service.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	cache, err := service.NewTokenCache(16, q, nil)
	if err != nil {
		t.Fatalf("NewTokenCache: %v", err)
	}

	vr := service.NewVariableResolver()
	oauth := service.NewOAuth2Manager(cache, nil)
	rr := service.NewRequestRunner(
		vr,
		service.NewJSScriptExecutor(vr, 0, nil),
		service.NewRequestExecutor(service.DefaultHTTPSettings(), fs, nil),
		service.NewAssertionEngine(nil),
		oauth,
		nil,
	)

	ts := httptest.NewServer(handler.NewRouter(handler.Services{
		Queries:          q,
		VariableResolver: vr,
		RequestRunner:    rr,
		CollectionRunner: service.NewCollectionRunner(rr, 0, nil),
		OAuth:            oauth,
		FileStorage:      fs,
	}))
	t.Cleanup(ts.Close)
	return &testAPI{Server: ts, queries: q, files: fs}
}

func postJSON(url string, body string) (*http.Response, error) {
	return http.Post(url, "application/json", strings.NewReader(body))
}

func putJSON(url string, body string) (*http.Response, error) {
	req, err := http.NewRequest("PUT", url, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}

func doDelete(url string) (*http.Response, error) {
	req, err := http.NewRequest("DELETE", url, nil)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

func readJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("decode body %s: %v", body, err)
	}
}
