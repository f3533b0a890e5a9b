package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"courier/internal/model"
)

// ExecuteInput is everything one execution needs. Settings overrides the
// dispatcher's configured HTTP settings when set.
type ExecuteInput struct {
	Spec        model.RequestSpec `json:"request"`
	Environment model.Environment `json:"environment"`
	PreScript   string            `json:"preScript,omitempty"`
	PostScript  string            `json:"postScript,omitempty"`
	Assertions  []model.Assertion `json:"assertions,omitempty"`
	Settings    *HTTPSettings     `json:"-"`
}

// ExecutionResult reports every stage of one execution. EnvChanges is the
// merged pre and post change-set; the host decides whether to apply it.
type ExecutionResult struct {
	Request          model.RequestSpec            `json:"request"`
	Response         *model.ResponseData          `json:"response,omitempty"`
	NetworkError     *NetworkError                `json:"networkError,omitempty"`
	PreScript        *model.ScriptExecutionResult `json:"preScript,omitempty"`
	PostScript       *model.ScriptExecutionResult `json:"postScript,omitempty"`
	AssertionResults []model.AssertionResult      `json:"assertionResults"`
	EnvChanges       model.EnvChanges             `json:"envChanges"`
	Unresolved       []string                     `json:"unresolved"`
	AuthError        string                       `json:"authError,omitempty"`
	DurationMs       int64                        `json:"durationMs"`
}

// Passed reports whether a response arrived and no script test or assertion
// failed.
func (r *ExecutionResult) Passed() bool {
	if r.NetworkError != nil || r.Response == nil {
		return false
	}
	for _, s := range []*model.ScriptExecutionResult{r.PreScript, r.PostScript} {
		if s == nil {
			continue
		}
		for _, t := range s.TestResults {
			if !t.Passed {
				return false
			}
		}
	}
	if r.PostScript != nil && !r.PostScript.Success {
		return false
	}
	for _, a := range r.AssertionResults {
		if !a.Passed {
			return false
		}
	}
	return true
}

// StageFunc observes stage transitions ("resolve", "pre-script", "auth",
// "dispatch", "post-script", "assertions").
type StageFunc func(stage string)

// RequestRunner drives one request through resolution, scripts, token
// acquisition, dispatch and assertions. It never writes the environment.
type RequestRunner struct {
	variableResolver *VariableResolver
	scriptExecutor   *JSScriptExecutor
	requestExecutor  *RequestExecutor
	assertionEngine  *AssertionEngine
	oauth            *OAuth2Manager
	logger           *zap.Logger
}

// NewRequestRunner wires the stages together. oauth may be nil, in which
// case oauth2 auth only uses an explicit access token.
func NewRequestRunner(vr *VariableResolver, se *JSScriptExecutor, re *RequestExecutor, ae *AssertionEngine, oauth *OAuth2Manager, logger *zap.Logger) *RequestRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if vr == nil {
		vr = NewVariableResolver()
	}
	if se == nil {
		se = NewJSScriptExecutor(vr, 0, logger)
	}
	if ae == nil {
		ae = NewAssertionEngine(logger)
	}
	return &RequestRunner{
		variableResolver: vr,
		scriptExecutor:   se,
		requestExecutor:  re,
		assertionEngine:  ae,
		oauth:            oauth,
		logger:           logger,
	}
}

// ExecuteRequest runs in.Spec against a snapshot of in.Environment.
func (rr *RequestRunner) ExecuteRequest(ctx context.Context, in ExecuteInput) *ExecutionResult {
	return rr.ExecuteRequestWithStages(ctx, in, nil)
}

// ExecuteRequestWithStages is ExecuteRequest reporting each stage to onStage.
func (rr *RequestRunner) ExecuteRequestWithStages(ctx context.Context, in ExecuteInput, onStage StageFunc) *ExecutionResult {
	start := time.Now()
	stage := func(name string) {
		rr.logger.Debug("execution stage", zap.String("stage", name), zap.String("request", in.Spec.ID))
		if onStage != nil {
			onStage(name)
		}
	}

	result := &ExecutionResult{
		AssertionResults: []model.AssertionResult{},
		EnvChanges:       model.NewEnvChanges(),
	}
	defer func() {
		result.DurationMs = time.Since(start).Milliseconds()
	}()

	stage("resolve")
	vars := in.Environment.Snapshot()
	result.Unresolved = rr.variableResolver.UnresolvedInRequest(in.Spec, in.Environment)
	spec := rr.variableResolver.ResolveRequest(in.Spec, vars)

	working := vars
	if strings.TrimSpace(in.PreScript) != "" {
		stage("pre-script")
		pre, modified := rr.scriptExecutor.RunPreScript(ctx, in.PreScript, spec, vars)
		result.PreScript = pre
		spec = modified
		if !pre.Success {
			rr.logger.Warn("pre-request script failed", zap.String("request", in.Spec.ID), zap.Strings("errors", pre.Errors))
		}
		result.EnvChanges.Merge(pre.EnvChanges)
		working = pre.EnvChanges.ApplyTo(vars)
	}

	if spec.Auth.Type == model.AuthOAuth2 && spec.Auth.OAuth2 != nil && spec.Auth.OAuth2.AccessToken == "" {
		stage("auth")
		spec = spec.Clone()
		if err := rr.attachToken(ctx, &spec); err != nil {
			result.AuthError = err.Error()
			rr.logger.Warn("oauth2 token unavailable", zap.String("request", in.Spec.ID), zap.Error(err))
		}
	}
	result.Request = spec

	stage("dispatch")
	var (
		resp *model.ResponseData
		nerr *NetworkError
	)
	if in.Settings != nil {
		resp, nerr = rr.requestExecutor.DispatchWith(ctx, spec, *in.Settings)
	} else {
		resp, nerr = rr.requestExecutor.Dispatch(ctx, spec)
	}
	if nerr != nil {
		result.NetworkError = nerr
		rr.logger.Debug("dispatch failed", zap.String("request", in.Spec.ID), zap.String("kind", string(nerr.Kind)))
		return result
	}
	result.Response = resp

	if strings.TrimSpace(in.PostScript) != "" {
		stage("post-script")
		post := rr.scriptExecutor.RunPostScript(ctx, in.PostScript, spec, resp, working)
		result.PostScript = post
		result.EnvChanges.Merge(post.EnvChanges)
	}

	stage("assertions")
	result.AssertionResults = rr.assertionEngine.RunAll(in.Assertions, resp)
	return result
}

// attachToken fills spec's oauth2 access token from the cache, refreshing or
// running a non-interactive grant when needed.
func (rr *RequestRunner) attachToken(ctx context.Context, spec *model.RequestSpec) error {
	if rr.oauth == nil {
		return ErrNoTokenManager
	}
	cfg := spec.Auth.OAuth2
	key := TokenKey(*spec)

	tok := rr.oauth.GetValidToken(ctx, key, *cfg)
	if tok == nil {
		var err error
		if tok, err = rr.oauth.AcquireToken(ctx, key, *cfg); err != nil {
			return err
		}
	}
	cfg.AccessToken = tok.AccessToken
	if cfg.HeaderPrefix == "" && tok.TokenType != "" {
		cfg.HeaderPrefix = tok.TokenType
	}
	return nil
}

// TokenKey is the cache key for spec's oauth2 token: the configured
// TokenKey, or one derived from the request ID.
func TokenKey(spec model.RequestSpec) string {
	if spec.Auth.OAuth2 != nil && spec.Auth.OAuth2.TokenKey != "" {
		return spec.Auth.OAuth2.TokenKey
	}
	return "request:" + spec.ID
}
