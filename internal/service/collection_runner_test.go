package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"courier/internal/model"
)

func newTestCollectionRunner(t *testing.T) *CollectionRunner {
	t.Helper()
	return NewCollectionRunner(newTestRequestRunner(t, nil), 0, nil)
}

func getStep(url string) model.RequestSpec {
	return model.RequestSpec{Method: "GET", URL: url}
}

func TestCollectionRunner_SingleStep(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer ts.Close()

	result, err := newTestCollectionRunner(t).Run(context.Background(), CollectionRunInput{
		Steps: []CollectionStep{{Name: "step1", Request: getStep(ts.URL)}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Success {
		t.Errorf("expected success, got error: %s", result.Error)
	}
	if len(result.Steps) != 1 {
		t.Fatalf("steps: got %d, want 1", len(result.Steps))
	}
	if result.Steps[0].Result.Response.Status != 200 {
		t.Errorf("status: got %d, want 200", result.Steps[0].Result.Response.Status)
	}
	if result.Passed != 1 || result.Failed != 0 {
		t.Errorf("passed/failed: got %d/%d", result.Passed, result.Failed)
	}
}

func TestCollectionRunner_MultipleStepsSequential(t *testing.T) {
	var (
		mu        sync.Mutex
		callOrder []string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		callOrder = append(callOrder, r.URL.Path)
		mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	_, err := newTestCollectionRunner(t).Run(context.Background(), CollectionRunInput{
		Steps: []CollectionStep{
			{Request: getStep(ts.URL + "/first")},
			{Request: getStep(ts.URL + "/second")},
			{Request: getStep(ts.URL + "/third")},
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"/first", "/second", "/third"}
	if fmt.Sprint(callOrder) != fmt.Sprint(want) {
		t.Errorf("call order: got %v, want %v", callOrder, want)
	}
}

func TestCollectionRunner_EnvironmentFlowsBetweenSteps(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			w.Write([]byte(`{"token":"abc","user":{"id":7}}`))
		case "/users/7":
			if r.Header.Get("Authorization") != "Bearer abc" || r.Header.Get("X-Trace") != "t-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	environment := model.Environment{ID: 3, Variables: []model.Variable{{Key: "base", Value: ts.URL, Enabled: true}}}
	result, err := newTestCollectionRunner(t).Run(context.Background(), CollectionRunInput{
		Environment: environment,
		Steps: []CollectionStep{
			{
				Name:       "login",
				Request:    getStep("{{base}}/login"),
				PostScript: `env.set("trace", "t-1");`,
				Extract:    map[string]string{"token": "$.token", "userId": "user.id"},
			},
			{
				Name: "profile",
				Request: model.RequestSpec{
					Method: "GET",
					URL:    "{{base}}/users/{{userId}}",
					Headers: []model.KeyValue{
						{Key: "Authorization", Value: "Bearer {{token}}", Enabled: true},
						{Key: "X-Trace", Value: "{{trace}}", Enabled: true},
					},
				},
				Assertions: []model.Assertion{{Type: model.AssertStatus, Expected: "200", Enabled: true}},
			},
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %s", result.Error)
	}
	if got := result.Steps[0].ExtractedVars["userId"]; got != "7" {
		t.Errorf("extracted userId: got %q", got)
	}
	snap := result.Environment.Snapshot()
	if snap["token"] != "abc" || snap["trace"] != "t-1" {
		t.Errorf("final environment: got %v", snap)
	}
	if _, ok := snap["__iteration__"]; ok {
		t.Error("iteration counters must not leak into the environment")
	}
	if result.EnvChanges.Set["token"] != "abc" {
		t.Errorf("cumulative changes: got %v", result.EnvChanges.Set)
	}
	if len(environment.Variables) != 1 {
		t.Error("input environment must not be mutated")
	}
}

func TestCollectionRunner_NetworkErrorStops(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	steps := []CollectionStep{
		{Name: "broken", Request: getStep(deadURL)},
		{Name: "after", Request: getStep(ts.URL)},
	}

	result, err := newTestCollectionRunner(t).Run(context.Background(), CollectionRunInput{Steps: steps})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Success {
		t.Error("expected failure")
	}
	if len(result.Steps) != 1 {
		t.Errorf("run should stop after the network error, got %d steps", len(result.Steps))
	}
	if !strings.Contains(result.Error, "broken") {
		t.Errorf("error should name the step: %q", result.Error)
	}

	result, err = newTestCollectionRunner(t).Run(context.Background(), CollectionRunInput{Steps: steps, ContinueOnError: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Steps) != 2 {
		t.Errorf("ContinueOnError should run every step, got %d", len(result.Steps))
	}
	if result.Passed != 1 || result.Failed != 1 {
		t.Errorf("passed/failed: got %d/%d", result.Passed, result.Failed)
	}
}

func TestCollectionRunner_FailedAssertionsContinue(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	failing := []model.Assertion{{Type: model.AssertStatus, Expected: "200", Enabled: true}}
	result, err := newTestCollectionRunner(t).Run(context.Background(), CollectionRunInput{
		Steps: []CollectionStep{
			{Name: "a", Request: getStep(ts.URL), Assertions: failing},
			{Name: "b", Request: getStep(ts.URL), Assertions: failing},
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Steps) != 2 || result.Failed != 2 {
		t.Fatalf("got %d steps, %d failed", len(result.Steps), result.Failed)
	}
	if !strings.Contains(result.Error, "a: 1 check(s) failed") || !strings.Contains(result.Error, "b: 1 check(s) failed") {
		t.Errorf("aggregated error: %q", result.Error)
	}
}

func TestCollectionRunner_ConditionSkips(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	result, err := newTestCollectionRunner(t).Run(context.Background(), CollectionRunInput{
		Environment: model.Environment{Variables: []model.Variable{{Key: "flag", Value: "yes", Enabled: true}}},
		Steps: []CollectionStep{
			{Name: "runs", Request: getStep(ts.URL), Condition: "{{flag}}"},
			{Name: "skipped", Request: getStep(ts.URL), Condition: "{{missing}}"},
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
	if !result.Steps[1].Skipped || result.Steps[1].SkipReason != "Condition not met" {
		t.Errorf("step 2: got %+v", result.Steps[1])
	}
	if !result.Success {
		t.Errorf("a skipped step is not a failure: %s", result.Error)
	}
}

func TestCollectionRunner_Loop(t *testing.T) {
	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	result, err := newTestCollectionRunner(t).Run(context.Background(), CollectionRunInput{
		Steps: []CollectionStep{{Request: getStep(ts.URL + "/page/{{__iteration__}}/of/{{__loopCount__}}"), LoopCount: 3}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"/page/1/of/3", "/page/2/of/3", "/page/3/of/3"}
	if fmt.Sprint(paths) != fmt.Sprint(want) {
		t.Errorf("paths: got %v, want %v", paths, want)
	}
	if len(result.Steps) != 3 || result.Steps[2].Iteration != 3 {
		t.Errorf("steps: got %+v", result.Steps)
	}
}

func TestCollectionRunner_Cancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := newTestCollectionRunner(t).Run(ctx, CollectionRunInput{
		Steps: []CollectionStep{{Request: getStep(ts.URL)}},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(result.Steps) != 0 {
		t.Errorf("no step should run, got %d", len(result.Steps))
	}
}

func TestCollectionRunner_DelayHonoursCancellation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := newTestCollectionRunner(t).Run(ctx, CollectionRunInput{
		Steps: []CollectionStep{{Request: getStep(ts.URL), DelayMs: 10_000}},
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("delay should be interrupted by the context")
	}
}

func TestCollectionRunner_RateLimited(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	cr := NewCollectionRunner(newTestRequestRunner(t, nil), 20, nil)
	start := time.Now()
	_, err := cr.Run(context.Background(), CollectionRunInput{
		Steps: []CollectionStep{{Request: getStep(ts.URL), LoopCount: 3}},
	})
	if err != nil {
		t.Fatal(err)
	}
	// Burst of one, then 50ms per request.
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("expected pacing, run took %v", elapsed)
	}
}

func TestExtractVariables_String(t *testing.T) {
	got := extractVariables(`{"token":"abc123"}`, map[string]string{"tok": "$.token"})
	if got["tok"] != "abc123" {
		t.Errorf("got %q, want abc123", got["tok"])
	}
}

func TestExtractVariables_Number(t *testing.T) {
	got := extractVariables(`{"count":42,"items":[{"id":1.5}]}`, map[string]string{"n": "$.count", "id": "items[0].id"})
	if got["n"] != "42" {
		t.Errorf("n: got %q, want 42", got["n"])
	}
	if got["id"] != "1.5" {
		t.Errorf("id: got %q, want 1.5", got["id"])
	}
}

func TestExtractVariables_NonJSON(t *testing.T) {
	got := extractVariables("not json", map[string]string{"x": "$.x"})
	if len(got) != 0 {
		t.Errorf("expected no extraction, got %v", got)
	}
}

func TestConditionMet(t *testing.T) {
	cr := newTestCollectionRunner(t)
	vars := map[string]string{"a": "1", "empty": ""}
	tests := []struct {
		cond string
		want bool
	}{
		{"{{a}}", true},
		{"{{empty}}", false},
		{"{{missing}}", false},
	}
	for _, tt := range tests {
		if got := cr.conditionMet(tt.cond, vars); got != tt.want {
			t.Errorf("conditionMet(%q): got %v, want %v", tt.cond, got, tt.want)
		}
	}
}
