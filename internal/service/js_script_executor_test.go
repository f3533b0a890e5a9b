package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"courier/internal/model"
)

func newTestScriptExecutor() *JSScriptExecutor {
	return NewJSScriptExecutor(NewVariableResolver(), time.Second, nil)
}

func jsJSONResponse(body string) *model.ResponseData {
	return &model.ResponseData{
		Status:     200,
		StatusText: "OK",
		Headers:    map[string]string{"Content-Type": "application/json", "X-Trace": "t-1"},
		Body:       body,
		ElapsedMs:  12,
		SizeBytes:  int64(len(body)),
	}
}

func TestJSExecutor_EmptyScript(t *testing.T) {
	executor := newTestScriptExecutor()
	spec := model.RequestSpec{Method: "GET", URL: "https://example.com"}

	result, out := executor.RunPreScript(context.Background(), "   ", spec, nil)
	if !result.Success {
		t.Errorf("Expected success for empty script")
	}
	if out.URL != spec.URL {
		t.Errorf("URL changed: got %q", out.URL)
	}
	if !result.EnvChanges.IsEmpty() {
		t.Errorf("Expected no env changes, got %+v", result.EnvChanges)
	}
}

func TestJSExecutor_EnvironmentChangeSet(t *testing.T) {
	executor := newTestScriptExecutor()
	env := map[string]string{"host": "api.local", "old": "x"}

	script := `
		if (env.get("host") !== "api.local") throw new Error("bad host");
		env.set("token", "abc");
		env.set("count", 3);
		env.unset("old");
		if (env.get("old") !== undefined) throw new Error("old still visible");
		if (env.get("token") !== "abc") throw new Error("token not visible");
		var all = env.all();
		if (all.old !== undefined || all.host !== "api.local" || all.token !== "abc") throw new Error("bad all()");
	`
	result := executor.RunPostScript(context.Background(), script, model.RequestSpec{}, jsJSONResponse("{}"), env)
	if !result.Success {
		t.Fatalf("Expected success, got errors: %v", result.Errors)
	}
	if result.EnvChanges.Set["token"] != "abc" || result.EnvChanges.Set["count"] != "3" {
		t.Errorf("Set: got %v", result.EnvChanges.Set)
	}
	if len(result.EnvChanges.Unset) != 1 || result.EnvChanges.Unset[0] != "old" {
		t.Errorf("Unset: got %v", result.EnvChanges.Unset)
	}
	if env["old"] != "x" || len(env) != 2 {
		t.Errorf("Snapshot was mutated: %v", env)
	}
}

func TestJSExecutor_SetAfterUnset(t *testing.T) {
	executor := newTestScriptExecutor()
	script := `env.unset("a"); env.set("a", "again");`

	result, _ := executor.RunPreScript(context.Background(), script, model.RequestSpec{}, map[string]string{"a": "1"})
	if result.EnvChanges.Set["a"] != "again" {
		t.Errorf("Set: got %v", result.EnvChanges.Set)
	}
	if len(result.EnvChanges.Unset) != 0 {
		t.Errorf("Unset should be empty, got %v", result.EnvChanges.Unset)
	}
}

func TestJSExecutor_PreScriptHeaderOrder(t *testing.T) {
	executor := newTestScriptExecutor()
	spec := model.RequestSpec{
		Method: "GET",
		URL:    "https://example.com",
		Headers: []model.KeyValue{
			{Key: "A", Value: "1", Enabled: true},
			{Key: "B", Value: "2", Enabled: false},
			{Key: "C", Value: "3", Enabled: true},
		},
		QueryParams: []model.KeyValue{{Key: "page", Value: "1", Enabled: true}},
	}

	script := `
		request.headers["X-New"] = "n";
		delete request.headers["A"];
		request.headers["C"] = "33";
		request.params.limit = "10";
		request.method = "POST";
	`
	result, out := executor.RunPreScript(context.Background(), script, spec, nil)
	if !result.Success {
		t.Fatalf("Expected success, got errors: %v", result.Errors)
	}

	want := []model.KeyValue{
		{Key: "B", Value: "2", Enabled: false},
		{Key: "C", Value: "33", Enabled: true},
		{Key: "X-New", Value: "n", Enabled: true},
	}
	if len(out.Headers) != len(want) {
		t.Fatalf("Headers: got %+v, want %+v", out.Headers, want)
	}
	for i := range want {
		if out.Headers[i] != want[i] {
			t.Errorf("Headers[%d]: got %+v, want %+v", i, out.Headers[i], want[i])
		}
	}
	if len(out.QueryParams) != 2 || out.QueryParams[1].Key != "limit" {
		t.Errorf("QueryParams: got %+v", out.QueryParams)
	}
	if out.Method != "POST" {
		t.Errorf("Method: got %q", out.Method)
	}
	if len(spec.Headers) != 3 || spec.Headers[0].Key != "A" {
		t.Errorf("Input spec was mutated: %+v", spec.Headers)
	}
}

func TestJSExecutor_UUIDHeader(t *testing.T) {
	executor := newTestScriptExecutor()
	script := `request.headers["X-Request-ID"] = utils.uuid();`

	result, out := executor.RunPreScript(context.Background(), script, model.RequestSpec{URL: "https://x"}, nil)
	if !result.Success {
		t.Fatalf("Expected success, got errors: %v", result.Errors)
	}
	if len(out.Headers) != 1 || out.Headers[0].Key != "X-Request-ID" {
		t.Fatalf("Headers: got %+v", out.Headers)
	}
	if _, err := uuid.Parse(out.Headers[0].Value); err != nil {
		t.Errorf("Header value %q is not a UUID: %v", out.Headers[0].Value, err)
	}
}

func TestJSExecutor_VariablesSecondPass(t *testing.T) {
	executor := newTestScriptExecutor()
	spec := model.RequestSpec{
		URL:  "https://api.local/users/{{userId}}",
		Body: `{"ts":"{{ts}}"}`,
	}
	script := `
		variables.set("userId", "42");
		variables.set("ts", "1700");
		if (variables.get("userId") !== "42") throw new Error("get failed");
	`
	result, out := executor.RunPreScript(context.Background(), script, spec, nil)
	if !result.Success {
		t.Fatalf("Expected success, got errors: %v", result.Errors)
	}
	if out.URL != "https://api.local/users/42" {
		t.Errorf("URL: got %q", out.URL)
	}
	if out.Body != `{"ts":"1700"}` {
		t.Errorf("Body: got %q", out.Body)
	}
	if result.VariableChanges["userId"] != "42" {
		t.Errorf("VariableChanges: got %v", result.VariableChanges)
	}
}

func TestJSExecutor_VariablesClear(t *testing.T) {
	executor := newTestScriptExecutor()
	script := `variables.set("a", "1"); variables.clear(); if (variables.get("a") !== undefined) throw new Error("not cleared");`

	result, _ := executor.RunPreScript(context.Background(), script, model.RequestSpec{}, nil)
	if !result.Success {
		t.Fatalf("Expected success, got errors: %v", result.Errors)
	}
	if len(result.VariableChanges) != 0 {
		t.Errorf("VariableChanges: got %v", result.VariableChanges)
	}
}

func TestJSExecutor_PreScriptThrowKeepsSpec(t *testing.T) {
	executor := newTestScriptExecutor()
	spec := model.RequestSpec{Method: "GET", URL: "https://example.com/a"}
	script := `
		request.url = "https://evil.example";
		env.set("before", "yes");
		throw new Error("boom");
	`
	result, out := executor.RunPreScript(context.Background(), script, spec, nil)
	if result.Success {
		t.Fatal("Expected failure")
	}
	if out.URL != spec.URL {
		t.Errorf("URL: got %q, want unmodified %q", out.URL, spec.URL)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "boom") {
		t.Errorf("Errors: got %v", result.Errors)
	}
	if result.EnvChanges.Set["before"] != "yes" {
		t.Errorf("Changes made before the throw should be recorded: %v", result.EnvChanges.Set)
	}
	if len(result.ErrorDetails) != 1 || result.ErrorDetails[0].Line != 4 {
		t.Errorf("ErrorDetails: got %+v", result.ErrorDetails)
	}
}

func TestJSExecutor_TestFailure(t *testing.T) {
	executor := newTestScriptExecutor()
	script := `test('x', () => expect(1).toBe(2))`

	result := executor.RunPostScript(context.Background(), script, model.RequestSpec{}, jsJSONResponse("{}"), nil)
	if result.Success {
		t.Error("Expected success=false when a test fails")
	}
	if len(result.TestResults) != 1 {
		t.Fatalf("TestResults: got %+v", result.TestResults)
	}
	tr := result.TestResults[0]
	if tr.Name != "x" || tr.Passed || tr.Error == "" {
		t.Errorf("TestResult: got %+v", tr)
	}
	if !strings.Contains(tr.Error, "expected 1 to be 2") {
		t.Errorf("Error message: got %q", tr.Error)
	}
	if len(result.Errors) != 0 {
		t.Errorf("A caught test failure should not land in errors: %v", result.Errors)
	}
}

func TestJSExecutor_ResponseBindings(t *testing.T) {
	executor := newTestScriptExecutor()
	script := `
		test("status", function() { expect(response.status).toBe(200); });
		test("json", function() {
			var data = response.json();
			expect(data.items).toHaveLength(3);
			expect(data.user).toHaveProperty("name", "Ada");
			expect(data.user).toHaveProperty("address.city");
		});
		test("headers", function() {
			expect(response.headers.get("content-type")).toContain("json");
			expect(response.headers.get("X-TRACE")).toBe("t-1");
			expect(response.headers["X-Trace"]).toBe("t-1");
			expect("x-trace" in response.headers).toBeFalsy();
			expect(Object.keys(response.headers).sort().join(",")).toBe("Content-Type,X-Trace");
		});
		test("timing", function() {
			expect(response.responseTime).toBeLessThan(1000);
			expect(response.size).toBeGreaterThan(0);
		});
		test("frozen", function() {
			response.status = 500;
			expect(response.status).toBe(200);
		});
	`
	body := `{"items":[1,2,3],"user":{"name":"Ada","address":{"city":"London"}}}`
	result := executor.RunPostScript(context.Background(), script, model.RequestSpec{}, jsJSONResponse(body), nil)
	if !result.Success {
		t.Fatalf("Expected success, got tests=%+v errors=%v", result.TestResults, result.Errors)
	}
	if len(result.TestResults) != 5 {
		t.Errorf("Expected 5 tests, got %d", len(result.TestResults))
	}
}

func TestJSExecutor_ResponseJSONInvalid(t *testing.T) {
	executor := newTestScriptExecutor()
	script := `test("parse", function() { response.json(); });`

	result := executor.RunPostScript(context.Background(), script, model.RequestSpec{}, jsJSONResponse("not json"), nil)
	if result.Success {
		t.Fatal("Expected failure")
	}
	if !strings.Contains(result.TestResults[0].Error, "not valid JSON") {
		t.Errorf("Error: got %q", result.TestResults[0].Error)
	}
}

func TestJSExecutor_ExpectMatchers(t *testing.T) {
	tests := []struct {
		name string
		expr string
		pass bool
	}{
		{"toBe", `expect("a").toBe("a")`, true},
		{"toBe strict", `expect("1").toBe(1)`, false},
		{"toEqual deep", `expect({a: 1, b: [1, 2]}).toEqual({b: [1, 2], a: 1})`, true},
		{"toEqual differs", `expect({a: 1}).toEqual({a: 2})`, false},
		{"toContain string", `expect("hello world").toContain("world")`, true},
		{"toContain array", `expect([1, 2, 3]).toContain(2)`, true},
		{"toContain missing", `expect([1, 2, 3]).toContain(5)`, false},
		{"toHaveProperty", `expect({a: {b: 1}}).toHaveProperty("a.b")`, true},
		{"toHaveProperty missing", `expect({a: 1}).toHaveProperty("z")`, false},
		{"toHaveProperty value", `expect({a: 1}).toHaveProperty("a", 2)`, false},
		{"toBeTruthy", `expect(1).toBeTruthy()`, true},
		{"toBeTruthy empty", `expect("").toBeTruthy()`, false},
		{"toBeFalsy", `expect(null).toBeFalsy()`, true},
		{"toBeGreaterThan", `expect(5).toBeGreaterThan(3)`, true},
		{"toBeLessThan", `expect(5).toBeLessThan(3)`, false},
		{"toMatch regex", `expect("abc123").toMatch(/\d+/)`, true},
		{"toMatch string", `expect("abc").toMatch("^a")`, true},
		{"toMatch fail", `expect("abc").toMatch(/^z/)`, false},
		{"toHaveLength", `expect([1, 2]).toHaveLength(2)`, true},
		{"toHaveLength string", `expect("abcd").toHaveLength(3)`, false},
		{"not", `expect(1).not.toBe(2)`, true},
		{"not fails", `expect(1).not.toBe(1)`, false},
		{"double not stays negated", `expect(1).not.not.toBe(1)`, false},
	}

	executor := newTestScriptExecutor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := "test('m', function() { " + tt.expr + "; });"
			result := executor.RunPostScript(context.Background(), script, model.RequestSpec{}, jsJSONResponse("{}"), nil)
			if len(result.TestResults) != 1 {
				t.Fatalf("TestResults: got %+v (errors %v)", result.TestResults, result.Errors)
			}
			if got := result.TestResults[0].Passed; got != tt.pass {
				t.Errorf("%s: passed=%v, want %v (error %q)", tt.expr, got, tt.pass, result.TestResults[0].Error)
			}
		})
	}
}

func TestJSExecutor_UncaughtExpect(t *testing.T) {
	executor := newTestScriptExecutor()
	script := `
		test("ok", function() {});
		expect(true).toBe(false);
		test("never", function() {});
	`
	result := executor.RunPostScript(context.Background(), script, model.RequestSpec{}, jsJSONResponse("{}"), nil)
	if result.Success {
		t.Fatal("Expected failure")
	}
	if len(result.TestResults) != 1 {
		t.Errorf("Tests after the throw should not run: %+v", result.TestResults)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "AssertionError") {
		t.Errorf("Errors: got %v", result.Errors)
	}
}

func TestJSExecutor_Console(t *testing.T) {
	executor := newTestScriptExecutor()
	script := `
		console.log("a", 1, {k: "v"});
		console.warn("w");
		console.error("e");
		console.info("i");
	`
	result, _ := executor.RunPreScript(context.Background(), script, model.RequestSpec{}, nil)
	if len(result.Logs) != 4 {
		t.Fatalf("Logs: got %+v", result.Logs)
	}
	if result.Logs[0].Level != model.LogLevelLog || result.Logs[0].Message != `a 1 {"k":"v"}` {
		t.Errorf("Logs[0]: got %+v", result.Logs[0])
	}
	levels := []string{model.LogLevelWarn, model.LogLevelError, model.LogLevelInfo}
	for i, level := range levels {
		if result.Logs[i+1].Level != level {
			t.Errorf("Logs[%d].Level: got %q, want %q", i+1, result.Logs[i+1].Level, level)
		}
	}
}

func TestJSExecutor_Utils(t *testing.T) {
	executor := newTestScriptExecutor()
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("payload"))
	wantHMAC := hex.EncodeToString(mac.Sum(nil))

	script := `
		variables.set("md5", utils.md5("abc"));
		variables.set("sha", utils.sha256("abc"));
		variables.set("hmac", utils.hmacSha256("payload", "secret"));
		variables.set("b64", utils.base64Encode("hello"));
		variables.set("plain", utils.base64Decode("aGVsbG8="));
		var n = utils.randomInt(5, 7);
		if (n < 5 || n > 7) throw new Error("randomInt out of range: " + n);
		if (typeof utils.timestamp() !== "number") throw new Error("timestamp");
		if (!/^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$/.test(utils.isoTimestamp())) throw new Error("iso");
	`
	result, _ := executor.RunPreScript(context.Background(), script, model.RequestSpec{}, nil)
	if !result.Success {
		t.Fatalf("Expected success, got errors: %v", result.Errors)
	}
	want := map[string]string{
		"md5":   "900150983cd24fb0d6963f7d28e17f72",
		"sha":   "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		"hmac":  wantHMAC,
		"b64":   "aGVsbG8=",
		"plain": "hello",
	}
	for k, v := range want {
		if result.VariableChanges[k] != v {
			t.Errorf("%s: got %q, want %q", k, result.VariableChanges[k], v)
		}
	}
}

func TestJSExecutor_Sandbox(t *testing.T) {
	executor := newTestScriptExecutor()
	script := `
		if (typeof eval !== "undefined") throw new Error("eval reachable");
		if (typeof Function !== "undefined") throw new Error("Function reachable");
		if (typeof require !== "undefined") throw new Error("require reachable");
		if (typeof process !== "undefined") throw new Error("process reachable");
	`
	result, _ := executor.RunPreScript(context.Background(), script, model.RequestSpec{}, nil)
	if !result.Success {
		t.Errorf("Expected success, got errors: %v", result.Errors)
	}
}

func TestJSExecutor_SandboxBlocksFunctionConstructors(t *testing.T) {
	executor := newTestScriptExecutor()

	tests := []struct {
		name string
		expr string
	}{
		{"arrow", `(() => {}).constructor("return 1")`},
		{"function", `(function () {}).constructor("return 1")`},
		{"generator", `(function* () {}).constructor("yield 1")`},
		{"async", `(async function () {}).constructor("return 1")`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := `
				var compiled = false;
				try { compiled = typeof (` + tt.expr + `) === "function"; } catch (e) {}
				if (compiled) throw new Error("constructor compiled code");
			`
			result, _ := executor.RunPreScript(context.Background(), script, model.RequestSpec{}, nil)
			if !result.Success {
				t.Errorf("function constructor reachable: %v", result.Errors)
			}
		})
	}
}

func TestJSExecutor_Timeout(t *testing.T) {
	executor := NewJSScriptExecutor(nil, 50*time.Millisecond, nil)
	script := `
		console.log("started");
		while (true) {}
	`
	start := time.Now()
	result, _ := executor.RunPreScript(context.Background(), script, model.RequestSpec{}, nil)
	if time.Since(start) > 2*time.Second {
		t.Errorf("Timeout took too long: %v", time.Since(start))
	}
	if result.Success {
		t.Error("Expected timeout failure")
	}
	if len(result.Errors) == 0 || !strings.Contains(result.Errors[0], "timed out") {
		t.Errorf("Errors: got %v", result.Errors)
	}
	if len(result.Logs) != 1 {
		t.Errorf("Logs before the timeout should be kept: %+v", result.Logs)
	}
}

func TestJSExecutor_TimeoutInsideTest(t *testing.T) {
	executor := NewJSScriptExecutor(nil, 50*time.Millisecond, nil)
	script := `
		test("first", function() {});
		test("spin", function() { while (true) {} });
		test("after", function() {});
	`
	result := executor.RunPostScript(context.Background(), script, model.RequestSpec{}, jsJSONResponse("{}"), nil)
	if result.Success {
		t.Fatal("Expected timeout failure")
	}
	if len(result.TestResults) != 1 || result.TestResults[0].Name != "first" {
		t.Errorf("TestResults: got %+v", result.TestResults)
	}
	if len(result.Errors) == 0 || !strings.Contains(result.Errors[0], "timed out") {
		t.Errorf("Errors: got %v", result.Errors)
	}
}

func TestJSExecutor_Cancelled(t *testing.T) {
	executor := NewJSScriptExecutor(nil, 10*time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	result, _ := executor.RunPreScript(ctx, `while (true) {}`, model.RequestSpec{}, nil)
	if result.Success {
		t.Fatal("Expected cancellation failure")
	}
	if len(result.Errors) == 0 || !strings.Contains(result.Errors[0], "cancelled") {
		t.Errorf("Errors: got %v", result.Errors)
	}
}

func TestJSExecutor_SyntaxError(t *testing.T) {
	executor := newTestScriptExecutor()
	script := `
		var x = {
			// missing closing brace
	`
	result, _ := executor.RunPreScript(context.Background(), script, model.RequestSpec{}, nil)
	if result.Success {
		t.Error("Expected syntax error")
	}
	if len(result.ErrorDetails) != 1 {
		t.Errorf("ErrorDetails: got %+v", result.ErrorDetails)
	}
}

func TestMergeKeyValues(t *testing.T) {
	orig := []model.KeyValue{
		{Key: "a", Value: "1", Enabled: true},
		{Key: "off", Value: "x", Enabled: false},
	}
	got := mergeKeyValues(orig, []string{"a", "b"}, map[string]string{"a": "9", "b": "2"})
	want := []model.KeyValue{
		{Key: "a", Value: "9", Enabled: true},
		{Key: "off", Value: "x", Enabled: false},
		{Key: "b", Value: "2", Enabled: true},
	}
	if len(got) != len(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d]: got %+v, want %+v", i, got[i], want[i])
		}
	}
}
