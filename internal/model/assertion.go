package model

import "encoding/json"

// Assertion kinds
const (
	AssertStatus           = "status"
	AssertStatusRange      = "status_range"
	AssertResponseTime     = "response_time"
	AssertHeaderExists     = "header_exists"
	AssertHeaderEquals     = "header_equals"
	AssertHeaderContains   = "header_contains"
	AssertBodyContains     = "body_contains"
	AssertBodyNotContains  = "body_not_contains"
	AssertBodyEquals       = "body_equals"
	AssertBodyMatches      = "body_matches"
	AssertJSONPathExists   = "jsonpath_exists"
	AssertJSONPathEquals   = "jsonpath_equals"
	AssertJSONPathContains = "jsonpath_contains"
	AssertJSONSchema       = "json_schema"
	AssertContentType      = "content_type"
)

// Assertion is a declarative check. Only the fields relevant to Type are read.
type Assertion struct {
	ID         string          `json:"id,omitempty" yaml:"id,omitempty"`
	Type       string          `json:"type" yaml:"type"`
	Target     string          `json:"target,omitempty" yaml:"target,omitempty"`
	Expected   string          `json:"expected,omitempty" yaml:"expected,omitempty"`
	Comparator string          `json:"comparator,omitempty" yaml:"comparator,omitempty"`
	Min        *float64        `json:"min,omitempty" yaml:"min,omitempty"`
	Max        *float64        `json:"max,omitempty" yaml:"max,omitempty"`
	Schema     json.RawMessage `json:"schema,omitempty" yaml:"-"`
	// Enabled defaults to true when the document leaves it out.
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// AssertionResult is produced for every evaluated assertion, including ones
// that could not be evaluated.
type AssertionResult struct {
	Assertion Assertion   `json:"assertion"`
	Passed    bool        `json:"passed"`
	Actual    interface{} `json:"actual,omitempty"`
	Message   string      `json:"message"`
}
