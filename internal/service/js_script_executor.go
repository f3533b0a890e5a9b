package service

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"courier/internal/model"
)

// DefaultScriptTimeout bounds one script run when no timeout is configured.
const DefaultScriptTimeout = 5 * time.Second

const (
	interruptTimeout   = "timeout"
	interruptCancelled = "cancelled"
)

var (
	runtimeLocationRe = regexp.MustCompile(`at (?:[^\s()]+ \()?script:(\d+):(\d+)`)
	compileLocationRe = regexp.MustCompile(`Line (\d+):(\d+)`)
)

// JSScriptExecutor runs pre-request and post-response scripts in a fresh goja
// runtime per run. Scripts never touch the environment directly; they return
// an EnvChanges set for the host to apply.
type JSScriptExecutor struct {
	variableResolver *VariableResolver
	timeout          time.Duration
	logger           *zap.Logger
	now              func() time.Time
}

// NewJSScriptExecutor creates a new JSScriptExecutor
func NewJSScriptExecutor(vr *VariableResolver, timeout time.Duration, logger *zap.Logger) *JSScriptExecutor {
	if vr == nil {
		vr = NewVariableResolver()
	}
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSScriptExecutor{
		variableResolver: vr,
		timeout:          timeout,
		logger:           logger,
		now:              time.Now,
	}
}

// scriptRun carries the state of a single execution.
type scriptRun struct {
	vm     *goja.Runtime
	result *model.ScriptExecutionResult
	env    map[string]string
	now    func() time.Time
}

// RunPreScript executes script before dispatch. The returned spec carries the
// script's request edits and a second {{name}} pass using script variables
// over URL and body. When the script fails the input spec is returned as is.
func (jse *JSScriptExecutor) RunPreScript(ctx context.Context, script string, request model.RequestSpec, env map[string]string) (*model.ScriptExecutionResult, model.RequestSpec) {
	run := jse.newRun(env)
	if strings.TrimSpace(script) == "" {
		return run.result, request
	}

	var reqObj *goja.Object
	jse.execute(ctx, script, run, "pre", func() {
		reqObj = run.requestObject(request)
		run.vm.Set("request", reqObj)
	})
	if !run.result.Success {
		return run.result, request
	}

	modified := request.Clone()
	if v := run.vm.Get("request"); v != nil {
		if obj, ok := v.(*goja.Object); ok {
			reqObj = obj
		}
	}
	run.readRequest(reqObj, &modified)

	if len(run.result.VariableChanges) > 0 {
		modified.URL = jse.variableResolver.Resolve(modified.URL, run.result.VariableChanges)
		modified.Body = jse.variableResolver.Resolve(modified.Body, run.result.VariableChanges)
	}
	return run.result, modified
}

// RunPostScript executes script after a response arrived. Any failed test
// marks the run unsuccessful.
func (jse *JSScriptExecutor) RunPostScript(ctx context.Context, script string, request model.RequestSpec, response *model.ResponseData, env map[string]string) *model.ScriptExecutionResult {
	run := jse.newRun(env)
	if strings.TrimSpace(script) == "" {
		return run.result
	}

	jse.execute(ctx, script, run, "post", func() {
		run.vm.Set("request", run.requestObject(request))
		run.vm.Set("response", run.responseObject(response))
		run.vm.Set("test", run.testFunc)
		run.vm.Set("expect", func(call goja.FunctionCall) goja.Value {
			return run.newExpect(call.Argument(0), false)
		})
	})

	for _, tr := range run.result.TestResults {
		if !tr.Passed {
			run.result.Success = false
			break
		}
	}
	return run.result
}

func (jse *JSScriptExecutor) newRun(env map[string]string) *scriptRun {
	snapshot := make(map[string]string, len(env))
	for k, v := range env {
		snapshot[k] = v
	}
	return &scriptRun{
		result: model.NewScriptExecutionResult(),
		env:    snapshot,
		now:    jse.now,
	}
}

// execute compiles and runs script. bind installs the phase-specific globals.
func (jse *JSScriptExecutor) execute(ctx context.Context, script string, run *scriptRun, phase string, bind func()) {
	start := time.Now()
	defer func() {
		run.result.DurationMs = time.Since(start).Milliseconds()
		jse.logger.Debug("script finished",
			zap.String("phase", phase),
			zap.Bool("success", run.result.Success),
			zap.Int64("durationMs", run.result.DurationMs),
		)
	}()

	if err := ctx.Err(); err != nil {
		run.fail("Script cancelled before start", 0, 0)
		return
	}

	prog, err := goja.Compile("script", script, false)
	if err != nil {
		msg := err.Error()
		line, col := errorLocation(compileLocationRe, msg)
		run.fail(msg, line, col)
		return
	}

	run.vm = goja.New()
	jse.setupSandbox(run.vm)
	run.setupCommon()
	bind()

	timer := time.AfterFunc(jse.timeout, func() {
		run.vm.Interrupt(interruptTimeout)
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		run.vm.Interrupt(interruptCancelled)
	})
	defer stop()

	_, err = run.vm.RunProgram(prog)
	if err == nil {
		return
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if interrupted.Value() == interruptCancelled {
			run.fail("Script cancelled", 0, 0)
		} else {
			run.fail(fmt.Sprintf("Script timed out after %dms", jse.timeout.Milliseconds()), 0, 0)
		}
		return
	}

	line, col := errorLocation(runtimeLocationRe, err.Error())
	run.fail("Script error: "+exceptionMessage(err, true), line, col)
}

// functionPrototypes reach every function constructor, including the ones
// that have no global name.
var functionPrototypes = []string{
	"Function.prototype",
	"Object.getPrototypeOf(function* () {})",
	"Object.getPrototypeOf(async function () {})",
}

// setupSandbox removes dynamic code evaluation. goja has no require, process
// or filesystem globals to begin with.
func (jse *JSScriptExecutor) setupSandbox(vm *goja.Runtime) {
	for _, expr := range functionPrototypes {
		v, err := vm.RunString(expr)
		if err != nil {
			continue
		}
		if proto, ok := v.(*goja.Object); ok {
			proto.DefineDataProperty("constructor", goja.Undefined(), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
		}
	}
	vm.Set("eval", goja.Undefined())
	vm.Set("Function", goja.Undefined())
}

func (run *scriptRun) fail(msg string, line, col int) {
	run.result.Success = false
	run.result.Errors = append(run.result.Errors, msg)
	run.result.ErrorDetails = append(run.result.ErrorDetails, model.ErrorDetail{
		Message: msg,
		Line:    line,
		Column:  col,
	})
}

// setupCommon installs the bindings shared by both phases.
func (run *scriptRun) setupCommon() {
	vm := run.vm
	vm.Set("console", run.consoleObject())
	vm.Set("env", run.envObject())
	vm.Set("variables", run.variablesObject())
	vm.Set("utils", run.utilsObject())
}

func (run *scriptRun) consoleObject() *goja.Object {
	console := run.vm.NewObject()
	for _, level := range []string{model.LogLevelLog, model.LogLevelInfo, model.LogLevelWarn, model.LogLevelError} {
		level := level
		console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, formatLogArg(arg))
			}
			run.result.Logs = append(run.result.Logs, model.ScriptLog{
				Level:     level,
				Message:   strings.Join(parts, " "),
				Timestamp: run.now().UnixMilli(),
			})
			return goja.Undefined()
		})
	}
	return console
}

// envObject reads through the pending change-set to the snapshot.
func (run *scriptRun) envObject() *goja.Object {
	vm := run.vm
	changes := &run.result.EnvChanges
	env := vm.NewObject()

	env.Set("get", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if v, ok := changes.Set[name]; ok {
			return vm.ToValue(v)
		}
		if containsName(changes.Unset, name) {
			return goja.Undefined()
		}
		if v, ok := run.env[name]; ok {
			return vm.ToValue(v)
		}
		return goja.Undefined()
	})

	env.Set("set", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		changes.Set[name] = valueToString(call.Argument(1))
		changes.Unset = removeName(changes.Unset, name)
		return goja.Undefined()
	})

	env.Set("unset", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		delete(changes.Set, name)
		if !containsName(changes.Unset, name) {
			changes.Unset = append(changes.Unset, name)
		}
		return goja.Undefined()
	})

	env.Set("all", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(changes.ApplyTo(run.env))
	})
	return env
}

func (run *scriptRun) variablesObject() *goja.Object {
	vm := run.vm
	vars := vm.NewObject()
	vars.Set("get", func(call goja.FunctionCall) goja.Value {
		if v, ok := run.result.VariableChanges[call.Argument(0).String()]; ok {
			return vm.ToValue(v)
		}
		return goja.Undefined()
	})
	vars.Set("set", func(call goja.FunctionCall) goja.Value {
		run.result.VariableChanges[call.Argument(0).String()] = valueToString(call.Argument(1))
		return goja.Undefined()
	})
	vars.Set("clear", func(call goja.FunctionCall) goja.Value {
		for k := range run.result.VariableChanges {
			delete(run.result.VariableChanges, k)
		}
		return goja.Undefined()
	})
	return vars
}

func (run *scriptRun) utilsObject() *goja.Object {
	vm := run.vm
	utils := vm.NewObject()
	utils.Set("uuid", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(uuid.NewString())
	})
	utils.Set("timestamp", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(run.now().UnixMilli())
	})
	utils.Set("isoTimestamp", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(run.now().UTC().Format("2006-01-02T15:04:05.000Z"))
	})
	utils.Set("randomInt", func(call goja.FunctionCall) goja.Value {
		lo, hi := call.Argument(0).ToInteger(), call.Argument(1).ToInteger()
		if lo > hi {
			lo, hi = hi, lo
		}
		return vm.ToValue(lo + rand.Int64N(hi-lo+1))
	})
	utils.Set("base64Encode", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(base64.StdEncoding.EncodeToString([]byte(call.Argument(0).String())))
	})
	utils.Set("base64Decode", func(call goja.FunctionCall) goja.Value {
		decoded, err := base64.StdEncoding.DecodeString(call.Argument(0).String())
		if err != nil {
			panic(vm.NewTypeError("invalid base64 input"))
		}
		return vm.ToValue(string(decoded))
	})
	utils.Set("md5", func(call goja.FunctionCall) goja.Value {
		sum := md5.Sum([]byte(call.Argument(0).String()))
		return vm.ToValue(hex.EncodeToString(sum[:]))
	})
	utils.Set("sha256", func(call goja.FunctionCall) goja.Value {
		sum := sha256.Sum256([]byte(call.Argument(0).String()))
		return vm.ToValue(hex.EncodeToString(sum[:]))
	})
	utils.Set("hmacSha256", func(call goja.FunctionCall) goja.Value {
		mac := hmac.New(sha256.New, []byte(call.Argument(1).String()))
		mac.Write([]byte(call.Argument(0).String()))
		return vm.ToValue(hex.EncodeToString(mac.Sum(nil)))
	})
	return utils
}

// requestObject exposes the spec as plain, writable JS data.
func (run *scriptRun) requestObject(spec model.RequestSpec) *goja.Object {
	vm := run.vm
	obj := vm.NewObject()
	obj.Set("url", spec.URL)
	obj.Set("method", spec.Method)
	obj.Set("body", spec.Body)
	obj.Set("headers", keyValueObject(vm, spec.Headers))
	obj.Set("params", keyValueObject(vm, spec.QueryParams))
	return obj
}

func keyValueObject(vm *goja.Runtime, list []model.KeyValue) *goja.Object {
	obj := vm.NewObject()
	for _, kv := range list {
		if kv.Enabled {
			obj.Set(kv.Key, kv.Value)
		}
	}
	return obj
}

// readRequest copies the script's view of the request back into spec.
func (run *scriptRun) readRequest(obj *goja.Object, spec *model.RequestSpec) {
	if obj == nil {
		return
	}
	if v := obj.Get("url"); isPresent(v) {
		spec.URL = v.String()
	}
	if v := obj.Get("method"); isPresent(v) {
		spec.Method = v.String()
	}
	if v := obj.Get("body"); isPresent(v) {
		spec.Body = valueToString(v)
	}
	if keys, values, ok := orderedEntries(run.vm, obj.Get("headers")); ok {
		spec.Headers = mergeKeyValues(spec.Headers, keys, values)
	}
	if keys, values, ok := orderedEntries(run.vm, obj.Get("params")); ok {
		spec.QueryParams = mergeKeyValues(spec.QueryParams, keys, values)
	}
}

// orderedEntries lists an object's own keys in insertion order.
func orderedEntries(vm *goja.Runtime, v goja.Value) ([]string, map[string]string, bool) {
	if !isPresent(v) {
		return nil, nil, false
	}
	obj := v.ToObject(vm)
	keys := make([]string, 0)
	values := make(map[string]string)
	for _, k := range obj.Keys() {
		val := obj.Get(k)
		if !isPresent(val) {
			continue
		}
		keys = append(keys, k)
		values[k] = valueToString(val)
	}
	return keys, values, true
}

// mergeKeyValues keeps the original order, drops removed keys, appends new
// keys and leaves disabled entries untouched.
func mergeKeyValues(orig []model.KeyValue, keys []string, values map[string]string) []model.KeyValue {
	out := make([]model.KeyValue, 0, len(orig)+len(keys))
	seen := make(map[string]bool, len(keys))
	for _, kv := range orig {
		if !kv.Enabled {
			out = append(out, kv)
			continue
		}
		v, ok := values[kv.Key]
		if !ok {
			continue
		}
		kv.Value = v
		out = append(out, kv)
		seen[kv.Key] = true
	}
	for _, k := range keys {
		if seen[k] {
			continue
		}
		out = append(out, model.KeyValue{Key: k, Value: values[k], Enabled: true})
		seen[k] = true
	}
	return out
}

// responseObject exposes a frozen view of the response.
func (run *scriptRun) responseObject(resp *model.ResponseData) *goja.Object {
	vm := run.vm
	obj := vm.NewObject()
	if resp == nil {
		resp = &model.ResponseData{}
	}
	obj.Set("status", resp.Status)
	obj.Set("statusText", resp.StatusText)
	obj.Set("body", resp.Body)
	obj.Set("responseTime", resp.ElapsedMs)
	obj.Set("size", resp.SizeBytes)

	// Keys keep the server's casing; get() matches case-insensitively.
	headers := vm.NewObject()
	for k, v := range resp.Headers {
		headers.Set(k, v)
	}
	headers.DefineDataProperty("get", vm.ToValue(func(call goja.FunctionCall) goja.Value {
		if v, ok := resp.Header(call.Argument(0).String()); ok {
			return vm.ToValue(v)
		}
		return goja.Undefined()
	}), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
	obj.Set("headers", headers)

	var (
		once   sync.Once
		parsed goja.Value
		perr   error
	)
	obj.Set("json", func(call goja.FunctionCall) goja.Value {
		once.Do(func() {
			var data interface{}
			if perr = json.Unmarshal([]byte(resp.Body), &data); perr == nil {
				parsed = vm.ToValue(data)
			}
		})
		if perr != nil {
			panic(vm.NewTypeError("response body is not valid JSON"))
		}
		return parsed
	})

	freeze(vm, headers)
	freeze(vm, obj)
	return obj
}

func freeze(vm *goja.Runtime, obj *goja.Object) {
	objectCtor := vm.Get("Object").ToObject(vm)
	if fn, ok := goja.AssertFunction(objectCtor.Get("freeze")); ok {
		_, _ = fn(objectCtor, obj)
	}
}

// testFunc records one named test. Throws inside fn are caught; interrupts
// are propagated so timeouts still stop the run.
func (run *scriptRun) testFunc(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	fn, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		run.result.TestResults = append(run.result.TestResults, model.TestResult{
			Name:  name,
			Error: "test callback is not a function",
		})
		return goja.Undefined()
	}

	_, err := fn(goja.Undefined())
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			panic(interrupted)
		}
		run.result.TestResults = append(run.result.TestResults, model.TestResult{
			Name:  name,
			Error: exceptionMessage(err, false),
		})
		return goja.Undefined()
	}
	run.result.TestResults = append(run.result.TestResults, model.TestResult{Name: name, Passed: true})
	return goja.Undefined()
}

// exceptionMessage renders a thrown value. Error objects render as
// "Name: message" when withName is set.
func exceptionMessage(err error, withName bool) string {
	var ex *goja.Exception
	if !errors.As(err, &ex) {
		return err.Error()
	}
	val := ex.Value()
	if obj, ok := val.(*goja.Object); ok {
		if msg := obj.Get("message"); isPresent(msg) {
			if name := obj.Get("name"); withName && isPresent(name) {
				return name.String() + ": " + msg.String()
			}
			return msg.String()
		}
	}
	if val == nil {
		return err.Error()
	}
	return val.String()
}

func errorLocation(re *regexp.Regexp, msg string) (int, int) {
	m := re.FindStringSubmatch(msg)
	if m == nil {
		return 0, 0
	}
	line, _ := strconv.Atoi(m[1])
	col, _ := strconv.Atoi(m[2])
	return line, col
}

func isPresent(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}

// valueToString stores strings as is and everything else as JSON.
func valueToString(v goja.Value) string {
	if !isPresent(v) {
		return ""
	}
	exported := v.Export()
	switch t := exported.(type) {
	case string:
		return t
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(t)
		if err == nil {
			return string(b)
		}
	}
	return v.String()
}

func formatLogArg(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	return valueToString(v)
}

func containsName(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}

func removeName(list []string, name string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != name {
			out = append(out, v)
		}
	}
	return out
}
