package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"courier/internal/handler"
	"courier/internal/repository"
)

func newTargetServer(t *testing.T) *httptest.Server {
	t.Helper()
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/login":
			w.Write([]byte(`{"token":"tok-123"}`))
		case "/me":
			if r.Header.Get("Authorization") != "Bearer tok-123" {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			w.Write([]byte(`{"name":"alice"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{}`))
		}
	}))
	t.Cleanup(target.Close)
	return target
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func storedEnvironment(t *testing.T, ts *testAPI, targetURL string) int64 {
	t.Helper()
	env := createEnvironment(t, ts.URL, mustJSON(t, map[string]interface{}{
		"name": "dev",
		"variables": []map[string]interface{}{
			{"key": "base", "value": targetURL, "enabled": true},
		},
	}))
	return env.ID
}

// ---------------------------------------------------------------------------
// Execute
// ---------------------------------------------------------------------------

func TestExecute_PersistsChangesAndRecordsHistory(t *testing.T) {
	target := newTargetServer(t)
	ts := setupTestServer(t)
	envID := storedEnvironment(t, ts, target.URL)

	resp, err := postJSON(ts.URL+"/api/execute", mustJSON(t, map[string]interface{}{
		"environmentId": envID,
		"request":       map[string]interface{}{"method": "POST", "url": "{{base}}/login"},
		"postScript":    `test("has token", () => expect(response.json().token).toBe("tok-123")); env.set("token", response.json().token);`,
		"assertions":    []map[string]interface{}{{"type": "status", "expected": "200", "enabled": true}},
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result handler.ExecuteResponse
	readJSON(t, resp, &result)

	if !result.Passed {
		t.Errorf("expected the execution to pass: %+v", result.ExecutionResult)
	}
	if result.Request.URL != target.URL+"/login" {
		t.Errorf("resolved URL: got %q", result.Request.URL)
	}
	if result.Environment == nil || result.Environment.Snapshot()["token"] != "tok-123" {
		t.Errorf("returned environment: got %+v", result.Environment)
	}

	stored, _, err := ts.queries.LoadEnvironment(context.Background(), envID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Snapshot()["token"] != "tok-123" {
		t.Errorf("stored environment: got %v", stored.Snapshot())
	}

	history, err := ts.queries.ListHistory(context.Background(), repository.ListHistoryParams{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
	if !history[0].Passed || history[0].EnvironmentID.Int64 != envID || history[0].StatusCode.Int64 != 200 {
		t.Errorf("history: got %+v", history[0])
	}
}

func TestExecute_EnvironmentHeader(t *testing.T) {
	target := newTargetServer(t)
	ts := setupTestServer(t)
	envID := storedEnvironment(t, ts, target.URL)

	req, _ := http.NewRequest("POST", ts.URL+"/api/execute", strings.NewReader(`{"request":{"method":"GET","url":"{{base}}/login"}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Environment-ID", fmt.Sprint(envID))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var result handler.ExecuteResponse
	readJSON(t, resp, &result)
	if result.Response == nil || result.Response.Status != 200 {
		t.Errorf("expected the stored environment to resolve {{base}}, got %+v", result.ExecutionResult)
	}
}

func TestExecute_InlineEnvironment(t *testing.T) {
	target := newTargetServer(t)
	ts := setupTestServer(t)

	resp, err := postJSON(ts.URL+"/api/execute", mustJSON(t, map[string]interface{}{
		"environment": map[string]interface{}{
			"variables": []map[string]interface{}{{"key": "base", "value": target.URL, "enabled": true}},
		},
		"request": map[string]interface{}{"method": "GET", "url": "{{base}}/me/{{missing}}"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	var result handler.ExecuteResponse
	readJSON(t, resp, &result)
	if fmt.Sprint(result.Unresolved) != "[missing]" {
		t.Errorf("unresolved: got %v", result.Unresolved)
	}
	if result.Environment != nil {
		t.Error("inline executions do not return a stored environment")
	}
}

func TestExecute_NetworkErrorIsAResult(t *testing.T) {
	ts := setupTestServer(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	resp, err := postJSON(ts.URL+"/api/execute", mustJSON(t, map[string]interface{}{
		"request": map[string]interface{}{"method": "GET", "url": deadURL},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result handler.ExecuteResponse
	readJSON(t, resp, &result)
	if result.Passed || result.NetworkError == nil || result.NetworkError.Kind != "refused" {
		t.Errorf("expected a refused network error, got %+v", result.NetworkError)
	}
}

func TestExecute_BadRequests(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing url", `{"request":{"method":"GET"}}`, http.StatusBadRequest},
		{"unknown environment", `{"environmentId":999,"request":{"method":"GET","url":"http://x"}}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := postJSON(ts.URL+"/api/execute", tt.body)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("got %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Collection run
// ---------------------------------------------------------------------------

func TestRunCollection_ExtractsAndPersists(t *testing.T) {
	target := newTargetServer(t)
	ts := setupTestServer(t)
	envID := storedEnvironment(t, ts, target.URL)

	resp, err := postJSON(ts.URL+"/api/collections/run", mustJSON(t, map[string]interface{}{
		"environmentId": envID,
		"steps": []map[string]interface{}{
			{
				"name":    "login",
				"request": map[string]interface{}{"method": "POST", "url": "{{base}}/login"},
				"extract": map[string]string{"token": "$.token"},
			},
			{
				"name": "me",
				"request": map[string]interface{}{
					"method":  "GET",
					"url":     "{{base}}/me",
					"headers": []map[string]interface{}{{"key": "Authorization", "value": "Bearer {{token}}", "enabled": true}},
				},
				"assertions": []map[string]interface{}{{"type": "jsonpath_equals", "target": "$.name", "expected": "alice", "enabled": true}},
			},
		},
	}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result handler.CollectionRunResponse
	readJSON(t, resp, &result)

	if !result.Success || result.Passed != 2 {
		t.Fatalf("expected both steps to pass: %+v", result.CollectionResult)
	}

	stored, _, _ := ts.queries.LoadEnvironment(context.Background(), envID)
	if stored.Snapshot()["token"] != "tok-123" {
		t.Errorf("extracted variable should be persisted, got %v", stored.Snapshot())
	}

	history, _ := ts.queries.ListHistory(context.Background(), repository.ListHistoryParams{Limit: 10})
	if len(history) != 2 {
		t.Errorf("expected one history entry per step, got %d", len(history))
	}
}

func TestRunCollection_NoSteps(t *testing.T) {
	ts := setupTestServer(t)
	resp, err := postJSON(ts.URL+"/api/collections/run", `{"steps":[]}`)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

// ---------------------------------------------------------------------------
// Execution stream
// ---------------------------------------------------------------------------

type streamMessage struct {
	Type    string                   `json:"type"`
	Stage   string                   `json:"stage"`
	Message string                   `json:"message"`
	Result  *handler.ExecuteResponse `json:"result"`
}

func dialStream(t *testing.T, ctx context.Context, baseURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(baseURL, "http")+"/api/execute/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestStream_StagesThenResult(t *testing.T) {
	target := newTargetServer(t)
	ts := setupTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialStream(t, ctx, ts.URL)

	err := wsjson.Write(ctx, conn, map[string]interface{}{
		"type":       "execute",
		"request":    map[string]interface{}{"method": "GET", "url": target.URL + "/login"},
		"postScript": `env.set("seen", "1");`,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	var stages []string
	for {
		var msg streamMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read: %v (stages so far %v)", err, stages)
		}
		if msg.Type == "stage" {
			stages = append(stages, msg.Stage)
			continue
		}
		if msg.Type != "result" {
			t.Fatalf("unexpected message %+v", msg)
		}
		if msg.Result == nil || !msg.Result.Passed || msg.Result.EnvChanges.Set["seen"] != "1" {
			t.Errorf("result: got %+v", msg.Result)
		}
		break
	}

	want := "[resolve dispatch post-script assertions]"
	if fmt.Sprint(stages) != want {
		t.Errorf("stages: got %v, want %s", stages, want)
	}
}

func TestStream_RejectsUnknownFirstMessage(t *testing.T) {
	ts := setupTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialStream(t, ctx, ts.URL)

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "hello"}); err != nil {
		t.Fatal(err)
	}
	var msg streamMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "error" || !strings.Contains(msg.Message, "execute") {
		t.Errorf("got %+v", msg)
	}
}
