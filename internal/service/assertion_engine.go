package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"courier/internal/model"
)

// AssertionEngine evaluates declarative assertions against a response.
// Evaluation never panics: every failure becomes a failed AssertionResult.
type AssertionEngine struct {
	logger *zap.Logger
}

func NewAssertionEngine(logger *zap.Logger) *AssertionEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssertionEngine{logger: logger}
}

// RunAll evaluates every enabled assertion independently, in input order.
func (ae *AssertionEngine) RunAll(assertions []model.Assertion, resp *model.ResponseData) []model.AssertionResult {
	results := make([]model.AssertionResult, 0, len(assertions))
	for _, a := range assertions {
		if !a.Enabled {
			continue
		}
		results = append(results, ae.Evaluate(a, resp))
	}
	return results
}

// Evaluate checks a single assertion.
func (ae *AssertionEngine) Evaluate(a model.Assertion, resp *model.ResponseData) (result model.AssertionResult) {
	result = model.AssertionResult{Assertion: a}
	defer func() {
		if r := recover(); r != nil {
			ae.logger.Warn("assertion evaluation panicked", zap.String("type", a.Type), zap.Any("panic", r))
			result.Passed = false
			result.Message = fmt.Sprintf("Assertion evaluation error: %v", r)
		}
	}()

	if resp == nil {
		result.Message = "No response to evaluate"
		return result
	}

	switch a.Type {
	case model.AssertStatus:
		ae.evalStatus(a, resp, &result)
	case model.AssertStatusRange:
		ae.evalStatusRange(a, resp, &result)
	case model.AssertResponseTime:
		ae.evalResponseTime(a, resp, &result)
	case model.AssertHeaderExists, model.AssertHeaderEquals, model.AssertHeaderContains:
		ae.evalHeader(a, resp, &result)
	case model.AssertBodyContains, model.AssertBodyNotContains, model.AssertBodyEquals, model.AssertBodyMatches:
		ae.evalBody(a, resp, &result)
	case model.AssertJSONPathExists, model.AssertJSONPathEquals, model.AssertJSONPathContains:
		ae.evalJSONPath(a, resp, &result)
	case model.AssertJSONSchema:
		ae.evalJSONSchema(a, resp, &result)
	case model.AssertContentType:
		ct, _ := resp.Header("Content-Type")
		result.Actual = ct
		result.Passed = strings.Contains(ct, a.Expected)
		result.Message = passFail(result.Passed,
			fmt.Sprintf("Content-Type contains %q", a.Expected),
			fmt.Sprintf("Expected Content-Type to contain %q, got %q", a.Expected, ct))
	default:
		result.Message = fmt.Sprintf("Unknown assertion type: %s", a.Type)
	}
	return result
}

func (ae *AssertionEngine) evalStatus(a model.Assertion, resp *model.ResponseData, result *model.AssertionResult) {
	result.Actual = resp.Status
	expected, err := toNumber(a.Expected)
	if err != nil {
		result.Message = fmt.Sprintf("Expected status %q is not a number", a.Expected)
		return
	}
	result.Passed = float64(resp.Status) == expected
	result.Message = passFail(result.Passed,
		fmt.Sprintf("Status is %d", resp.Status),
		fmt.Sprintf("Expected status %s, got %d", a.Expected, resp.Status))
}

func (ae *AssertionEngine) evalStatusRange(a model.Assertion, resp *model.ResponseData, result *model.AssertionResult) {
	lo, hi := 200.0, 299.0
	if a.Min != nil {
		lo = *a.Min
	}
	if a.Max != nil {
		hi = *a.Max
	}
	status := float64(resp.Status)
	result.Actual = resp.Status
	result.Passed = status >= lo && status <= hi
	result.Message = passFail(result.Passed,
		fmt.Sprintf("Status %d is within [%g, %g]", resp.Status, lo, hi),
		fmt.Sprintf("Expected status within [%g, %g], got %d", lo, hi, resp.Status))
}

func (ae *AssertionEngine) evalResponseTime(a model.Assertion, resp *model.ResponseData, result *model.AssertionResult) {
	result.Actual = resp.ElapsedMs
	limit, err := toNumber(a.Expected)
	if err != nil {
		result.Message = fmt.Sprintf("Expected response time %q is not a number", a.Expected)
		return
	}
	result.Passed = float64(resp.ElapsedMs) < limit
	result.Message = passFail(result.Passed,
		fmt.Sprintf("Response time %dms is below %gms", resp.ElapsedMs, limit),
		fmt.Sprintf("Expected response time below %gms, got %dms", limit, resp.ElapsedMs))
}

func (ae *AssertionEngine) evalHeader(a model.Assertion, resp *model.ResponseData, result *model.AssertionResult) {
	value, exists := resp.Header(a.Target)
	if exists {
		result.Actual = value
	}

	switch a.Type {
	case model.AssertHeaderExists:
		want := a.Comparator != "not_exists"
		result.Passed = exists == want
		if want {
			result.Message = passFail(result.Passed,
				fmt.Sprintf("Header %q exists", a.Target),
				fmt.Sprintf("Expected header %q to exist", a.Target))
		} else {
			result.Message = passFail(result.Passed,
				fmt.Sprintf("Header %q is absent", a.Target),
				fmt.Sprintf("Expected header %q to be absent", a.Target))
		}
	case model.AssertHeaderEquals:
		if !exists {
			result.Message = fmt.Sprintf("Header %q not found", a.Target)
			return
		}
		result.Passed = value == a.Expected
		result.Message = passFail(result.Passed,
			fmt.Sprintf("Header %q equals %q", a.Target, a.Expected),
			fmt.Sprintf("Expected header %q to equal %q, got %q", a.Target, a.Expected, value))
	case model.AssertHeaderContains:
		if !exists {
			result.Message = fmt.Sprintf("Header %q not found", a.Target)
			return
		}
		result.Passed = strings.Contains(value, a.Expected)
		result.Message = passFail(result.Passed,
			fmt.Sprintf("Header %q contains %q", a.Target, a.Expected),
			fmt.Sprintf("Expected header %q to contain %q, got %q", a.Target, a.Expected, value))
	}
}

func (ae *AssertionEngine) evalBody(a model.Assertion, resp *model.ResponseData, result *model.AssertionResult) {
	body := resp.Body
	switch a.Type {
	case model.AssertBodyContains:
		result.Passed = strings.Contains(body, a.Expected)
		result.Message = passFail(result.Passed,
			fmt.Sprintf("Body contains %q", a.Expected),
			fmt.Sprintf("Expected body to contain %q", a.Expected))
	case model.AssertBodyNotContains:
		result.Passed = !strings.Contains(body, a.Expected)
		result.Message = passFail(result.Passed,
			fmt.Sprintf("Body does not contain %q", a.Expected),
			fmt.Sprintf("Expected body not to contain %q", a.Expected))
	case model.AssertBodyEquals:
		result.Actual = body
		result.Passed = body == a.Expected
		result.Message = passFail(result.Passed, "Body matches expected value", "Body does not equal expected value")
	case model.AssertBodyMatches:
		re, err := regexp.Compile(a.Expected)
		if err != nil {
			result.Message = fmt.Sprintf("Invalid regex %q: %v", a.Expected, err)
			return
		}
		result.Passed = re.MatchString(body)
		result.Message = passFail(result.Passed,
			fmt.Sprintf("Body matches /%s/", a.Expected),
			fmt.Sprintf("Expected body to match /%s/", a.Expected))
	}
}

func (ae *AssertionEngine) evalJSONPath(a model.Assertion, resp *model.ResponseData, result *model.AssertionResult) {
	var data interface{}
	if err := json.Unmarshal([]byte(resp.Body), &data); err != nil {
		result.Message = "Response body is not valid JSON"
		return
	}

	value, found, err := LookupJSONPath(data, a.Target)
	if err != nil {
		result.Message = fmt.Sprintf("Invalid JSONPath %q: %v", a.Target, err)
		return
	}

	if a.Type == model.AssertJSONPathExists {
		result.Passed = found
		if found {
			result.Actual = value
		}
		result.Message = passFail(found,
			fmt.Sprintf("Path %q exists", a.Target),
			fmt.Sprintf("Expected path %q to exist", a.Target))
		return
	}

	if !found {
		result.Message = fmt.Sprintf("Path %q not found", a.Target)
		return
	}
	result.Actual = value

	switch a.Type {
	case model.AssertJSONPathEquals:
		expected := parseExpectedJSON(a.Expected)
		result.Passed = reflect.DeepEqual(value, expected)
		result.Message = passFail(result.Passed,
			fmt.Sprintf("Path %q equals %s", a.Target, a.Expected),
			fmt.Sprintf("Expected path %q to equal %s, got %s", a.Target, a.Expected, stringifyJSONValue(value)))
	case model.AssertJSONPathContains:
		actual := stringifyJSONValue(value)
		result.Passed = strings.Contains(actual, a.Expected)
		result.Message = passFail(result.Passed,
			fmt.Sprintf("Path %q contains %q", a.Target, a.Expected),
			fmt.Sprintf("Expected path %q to contain %q, got %s", a.Target, a.Expected, actual))
	}
}

func (ae *AssertionEngine) evalJSONSchema(a model.Assertion, resp *model.ResponseData, result *model.AssertionResult) {
	schema := strings.TrimSpace(string(a.Schema))
	if schema == "" || schema == "null" {
		schema = strings.TrimSpace(a.Expected)
	}
	if schema == "" {
		result.Message = "No JSON schema provided"
		return
	}
	if !json.Valid([]byte(schema)) {
		result.Message = "JSON schema is not valid JSON"
		return
	}
	if !json.Valid([]byte(resp.Body)) {
		result.Message = "Response body is not valid JSON"
		return
	}

	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft2020)
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err == nil {
		err = compiler.AddResource(schemaResource, doc)
	}
	var compiled *jsonschema.Schema
	if err == nil {
		compiled, err = compiler.Compile(schemaResource)
	}
	if err != nil {
		result.Message = fmt.Sprintf("Schema error: %v", err)
		return
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(resp.Body))
	if err != nil {
		result.Message = "Response body is not valid JSON"
		return
	}

	err = compiled.Validate(instance)
	if err == nil {
		result.Passed = true
		result.Message = "Body matches JSON schema"
		return
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		result.Message = fmt.Sprintf("Schema error: %v", err)
		return
	}
	violations := schemaViolations(ve, nil)
	violations.ErrorFormat = joinErrors
	result.Message = "Schema validation failed: " + violations.Error()
}

// schemaResource names the in-memory schema handed to the compiler.
const schemaResource = "assertion-schema.json"

var schemaPrinter = message.NewPrinter(language.English)

// schemaViolations flattens a validation error tree into one entry per
// failing keyword.
func schemaViolations(ve *jsonschema.ValidationError, out *multierror.Error) *multierror.Error {
	if len(ve.Causes) == 0 {
		return multierror.Append(out, fmt.Errorf("at '/%s': %s",
			strings.Join(ve.InstanceLocation, "/"), ve.ErrorKind.LocalizedString(schemaPrinter)))
	}
	for _, cause := range ve.Causes {
		out = schemaViolations(cause, out)
	}
	return out
}

// parseExpectedJSON interprets an expected value as JSON, falling back to
// the raw string so that `jsonpath_equals: hello` matches "hello".
func parseExpectedJSON(expected string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(expected), &v); err != nil {
		return expected
	}
	return v
}

func toNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func passFail(passed bool, ok, fail string) string {
	if passed {
		return ok
	}
	return fail
}

func joinErrors(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}
