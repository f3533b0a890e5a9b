package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"courier/internal/model"
)

// CollectionStep is one request of a collection run.
type CollectionStep struct {
	Name       string            `json:"name" yaml:"name"`
	Request    model.RequestSpec `json:"request" yaml:"request"`
	PreScript  string            `json:"preScript,omitempty" yaml:"preScript,omitempty"`
	PostScript string            `json:"postScript,omitempty" yaml:"postScript,omitempty"`
	Assertions []model.Assertion `json:"assertions,omitempty" yaml:"assertions,omitempty"`
	DelayMs    int64             `json:"delayMs,omitempty" yaml:"delayMs,omitempty"`
	LoopCount  int64             `json:"loopCount,omitempty" yaml:"loopCount,omitempty"`
	// Condition is resolved against the working environment; the step is
	// skipped when it stays unresolved or resolves to an empty string.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	// Extract maps variable names to JSON paths read from the response body.
	Extract map[string]string `json:"extract,omitempty" yaml:"extract,omitempty"`
}

type CollectionRunInput struct {
	Steps           []CollectionStep  `json:"steps" yaml:"steps"`
	Environment     model.Environment `json:"environment" yaml:"environment"`
	ContinueOnError bool              `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`
	Settings        *HTTPSettings     `json:"-" yaml:"-"`
}

type StepResult struct {
	Index         int               `json:"index"`
	Name          string            `json:"name"`
	Iteration     int64             `json:"iteration,omitempty"`
	LoopCount     int64             `json:"loopCount,omitempty"`
	Result        *ExecutionResult  `json:"result,omitempty"`
	ExtractedVars map[string]string `json:"extractedVars,omitempty"`
	Skipped       bool              `json:"skipped"`
	SkipReason    string            `json:"skipReason,omitempty"`
}

// CollectionResult is the outcome of a run. Environment is the working
// environment after every step's changes; EnvChanges is the cumulative
// change-set for the host to persist.
type CollectionResult struct {
	Steps       []StepResult      `json:"steps"`
	Environment model.Environment `json:"environment"`
	EnvChanges  model.EnvChanges  `json:"envChanges"`
	Passed      int               `json:"passed"`
	Failed      int               `json:"failed"`
	TotalTimeMs int64             `json:"totalTimeMs"`
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
}

// CollectionRunner executes steps in order through a RequestRunner, feeding
// each step's environment changes into the next.
type CollectionRunner struct {
	requestRunner    *RequestRunner
	variableResolver *VariableResolver
	limiter          *rate.Limiter
	logger           *zap.Logger
}

// NewCollectionRunner paces dispatches at requestsPerSecond; zero or less
// means unlimited.
func NewCollectionRunner(rr *RequestRunner, requestsPerSecond float64, logger *zap.Logger) *CollectionRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &CollectionRunner{
		requestRunner:    rr,
		variableResolver: rr.variableResolver,
		limiter:          rate.NewLimiter(limit, 1),
		logger:           logger,
	}
}

// Run executes in.Steps. The returned error is non-nil only when ctx ended
// the run; step failures are reported in the result.
func (cr *CollectionRunner) Run(ctx context.Context, in CollectionRunInput) (*CollectionResult, error) {
	start := time.Now()
	result := &CollectionResult{
		Steps:       make([]StepResult, 0, len(in.Steps)),
		Environment: in.Environment,
		EnvChanges:  model.NewEnvChanges(),
		Success:     true,
	}
	var failures *multierror.Error

	finish := func() {
		result.TotalTimeMs = time.Since(start).Milliseconds()
		if err := failures.ErrorOrNil(); err != nil {
			result.Success = false
			result.Error = err.Error()
		}
	}

	for i, step := range in.Steps {
		loopCount := step.LoopCount
		if loopCount < 1 {
			loopCount = 1
		}

		for iteration := int64(1); iteration <= loopCount; iteration++ {
			if err := ctx.Err(); err != nil {
				finish()
				return result, fmt.Errorf("collection run aborted: %w", err)
			}

			stepResult := StepResult{
				Index:     i,
				Name:      stepName(step, i),
				Iteration: iteration,
				LoopCount: loopCount,
			}

			// Iteration counters are visible to the step but never persisted.
			stepEnv := result.Environment.WithChanges(model.EnvChanges{Set: map[string]string{
				"__iteration__": strconv.FormatInt(iteration, 10),
				"__loopCount__": strconv.FormatInt(loopCount, 10),
			}})

			if step.Condition != "" && !cr.conditionMet(step.Condition, stepEnv.Snapshot()) {
				stepResult.Skipped = true
				stepResult.SkipReason = "Condition not met"
				result.Steps = append(result.Steps, stepResult)
				continue
			}

			if step.DelayMs > 0 {
				if err := sleepContext(ctx, time.Duration(step.DelayMs)*time.Millisecond); err != nil {
					finish()
					return result, fmt.Errorf("collection run aborted: %w", err)
				}
			}
			if err := cr.limiter.Wait(ctx); err != nil {
				finish()
				return result, fmt.Errorf("collection run aborted: %w", err)
			}

			exec := cr.requestRunner.ExecuteRequest(ctx, ExecuteInput{
				Spec:        step.Request,
				Environment: stepEnv,
				PreScript:   step.PreScript,
				PostScript:  step.PostScript,
				Assertions:  step.Assertions,
				Settings:    in.Settings,
			})
			stepResult.Result = exec

			changes := model.NewEnvChanges()
			changes.Merge(exec.EnvChanges)
			if exec.Response != nil && len(step.Extract) > 0 {
				stepResult.ExtractedVars = extractVariables(exec.Response.Body, step.Extract)
				changes.Merge(model.EnvChanges{Set: stepResult.ExtractedVars})
			}
			result.Environment = result.Environment.WithChanges(changes)
			result.EnvChanges.Merge(changes)
			result.Steps = append(result.Steps, stepResult)

			if exec.Passed() {
				result.Passed++
				continue
			}
			result.Failed++
			failures = multierror.Append(failures, stepFailure(stepResult))
			cr.logger.Debug("collection step failed", zap.Int("index", i), zap.String("name", stepResult.Name))

			if exec.NetworkError != nil && !in.ContinueOnError {
				finish()
				if err := ctx.Err(); err != nil {
					return result, fmt.Errorf("collection run aborted: %w", err)
				}
				return result, nil
			}
		}
	}

	finish()
	return result, nil
}

func (cr *CollectionRunner) conditionMet(condition string, vars map[string]string) bool {
	resolved := cr.variableResolver.Resolve(condition, vars)
	if resolved == condition {
		return false
	}
	return resolved != ""
}

// extractVariables reads paths from a JSON body. Non-JSON bodies and missing
// paths extract nothing.
func extractVariables(body string, paths map[string]string) map[string]string {
	extracted := make(map[string]string)
	var data interface{}
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		return extracted
	}
	for name, path := range paths {
		v, found, err := LookupJSONPath(data, path)
		if err != nil || !found {
			continue
		}
		extracted[name] = stringifyJSONValue(v)
	}
	return extracted
}

func stepName(step CollectionStep, i int) string {
	if step.Name != "" {
		return step.Name
	}
	if step.Request.Name != "" {
		return step.Request.Name
	}
	return fmt.Sprintf("step %d", i+1)
}

func stepFailure(s StepResult) error {
	exec := s.Result
	switch {
	case exec.NetworkError != nil:
		return fmt.Errorf("%s: %w", s.Name, exec.NetworkError)
	case exec.PostScript != nil && !exec.PostScript.Success && len(exec.PostScript.Errors) > 0:
		return fmt.Errorf("%s: post-script: %s", s.Name, exec.PostScript.Errors[0])
	}
	failed := 0
	for _, a := range exec.AssertionResults {
		if !a.Passed {
			failed++
		}
	}
	if exec.PostScript != nil {
		for _, t := range exec.PostScript.TestResults {
			if !t.Passed {
				failed++
			}
		}
	}
	return fmt.Errorf("%s: %d check(s) failed", s.Name, failed)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
