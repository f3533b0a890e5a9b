package service

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"courier/internal/model"
)

// HTTPSettings are the transport options applied to every dispatch.
type HTTPSettings struct {
	Timeout         time.Duration `json:"timeout"`
	FollowRedirects bool          `json:"followRedirects"`
	MaxRedirects    int           `json:"maxRedirects"`
	ValidateTLS     bool          `json:"validateTls"`
	Proxy           string        `json:"proxy,omitempty"`
	UserAgent       string        `json:"userAgent,omitempty"`
}

func DefaultHTTPSettings() HTTPSettings {
	return HTTPSettings{
		Timeout:         30 * time.Second,
		FollowRedirects: true,
		MaxRedirects:    10,
		ValidateTLS:     true,
		UserAgent:       "Courier/1.0",
	}
}

// RequestExecutor sends a fully resolved RequestSpec over HTTP.
type RequestExecutor struct {
	settings    HTTPSettings
	fileStorage *FileStorage
	logger      *zap.Logger
}

func NewRequestExecutor(settings HTTPSettings, fs *FileStorage, logger *zap.Logger) *RequestExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestExecutor{
		settings:    settings,
		fileStorage: fs,
		logger:      logger,
	}
}

// Settings returns the executor's default transport settings.
func (re *RequestExecutor) Settings() HTTPSettings {
	return re.settings
}

// Dispatch sends spec with the executor's settings.
func (re *RequestExecutor) Dispatch(ctx context.Context, spec model.RequestSpec) (*model.ResponseData, *NetworkError) {
	return re.DispatchWith(ctx, spec, re.settings)
}

// DispatchWith sends spec using settings. Any failure before a response
// arrives is returned as a classified NetworkError.
func (re *RequestExecutor) DispatchWith(ctx context.Context, spec model.RequestSpec, settings HTTPSettings) (*model.ResponseData, *NetworkError) {
	httpReq, cancel, err := re.buildRequest(ctx, spec, settings)
	if err != nil {
		return nil, &NetworkError{Kind: NetworkOther, Message: err.Error(), Err: err}
	}
	defer cancel()

	client, err := CreateHTTPClient(settings)
	if err != nil {
		return nil, &NetworkError{Kind: NetworkOther, Message: err.Error(), Err: err}
	}
	defer client.CloseIdleConnections()

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		ne := classifyNetworkError(ctx, err)
		re.logger.Debug("dispatch failed",
			zap.String("method", httpReq.Method),
			zap.String("kind", string(ne.Kind)),
			zap.Error(err),
		)
		return nil, ne
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	if err != nil {
		return nil, classifyNetworkError(ctx, err)
	}

	data := &model.ResponseData{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Headers:    flattenHeaders(resp.Header),
		Body:       string(body),
		ElapsedMs:  elapsed.Milliseconds(),
		SizeBytes:  int64(len(body)),
	}
	re.logger.Debug("dispatch finished",
		zap.String("method", httpReq.Method),
		zap.Int("status", data.Status),
		zap.Int64("elapsedMs", data.ElapsedMs),
	)
	return data, nil
}

func (re *RequestExecutor) buildRequest(ctx context.Context, spec model.RequestSpec, settings HTTPSettings) (*http.Request, context.CancelFunc, error) {
	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = http.MethodGet
	}

	params := enabledPairs(spec.QueryParams)
	auth := spec.Auth
	if auth.Type == model.AuthAPIKey && auth.APIKey != nil && auth.APIKey.Placement == model.PlacementQuery && auth.APIKey.Key != "" {
		params = append(params, [2]string{auth.APIKey.Key, auth.APIKey.Value})
	}
	target, err := buildURL(spec.URL, params)
	if err != nil {
		return nil, nil, err
	}

	body, contentType, err := re.encodeBody(spec)
	if err != nil {
		return nil, nil, err
	}

	timeout := settings.Timeout
	if spec.TimeoutMs > 0 {
		timeout = time.Duration(spec.TimeoutMs) * time.Millisecond
	}
	reqCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	for _, h := range spec.Headers {
		if h.Enabled && h.Key != "" {
			httpReq.Header.Add(h.Key, h.Value)
		}
	}
	applyAuth(httpReq.Header, auth)

	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if settings.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", settings.UserAgent)
	}
	return httpReq, cancel, nil
}

// applyAuth sets the Authorization (or API key) header for auth. Unknown
// types add nothing.
func applyAuth(h http.Header, auth model.Auth) {
	switch auth.Type {
	case model.AuthBasic:
		if auth.Basic == nil {
			return
		}
		cred := base64.StdEncoding.EncodeToString([]byte(auth.Basic.Username + ":" + auth.Basic.Password))
		h.Set("Authorization", "Basic "+cred)
	case model.AuthBearer:
		if auth.Bearer == nil || auth.Bearer.Token == "" {
			return
		}
		h.Set("Authorization", withPrefix(auth.Bearer.Prefix, auth.Bearer.Token))
	case model.AuthAPIKey:
		if auth.APIKey == nil || auth.APIKey.Key == "" || auth.APIKey.Placement == model.PlacementQuery {
			return
		}
		h.Set(auth.APIKey.Key, auth.APIKey.Value)
	case model.AuthOAuth2:
		if auth.OAuth2 == nil || auth.OAuth2.AccessToken == "" {
			return
		}
		h.Set("Authorization", withPrefix(auth.OAuth2.HeaderPrefix, auth.OAuth2.AccessToken))
	}
}

func withPrefix(prefix, token string) string {
	if prefix == "" {
		prefix = "Bearer"
	}
	return prefix + " " + token
}

func enabledPairs(list []model.KeyValue) [][2]string {
	var pairs [][2]string
	for _, kv := range list {
		if kv.Enabled && kv.Key != "" {
			pairs = append(pairs, [2]string{kv.Key, kv.Value})
		}
	}
	return pairs
}

// buildURL appends pairs to raw's query string, keeping any query already
// present.
func buildURL(raw string, pairs [][2]string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("request URL is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if len(pairs) == 0 {
		return u.String(), nil
	}
	encoded := make([]string, 0, len(pairs))
	for _, p := range pairs {
		encoded = append(encoded, url.QueryEscape(p[0])+"="+url.QueryEscape(p[1]))
	}
	if u.RawQuery != "" {
		u.RawQuery += "&"
	}
	u.RawQuery += strings.Join(encoded, "&")
	return u.String(), nil
}

// CreateHTTPClient builds a client for one dispatch.
func CreateHTTPClient(settings HTTPSettings) (*http.Client, error) {
	transport := &http.Transport{
		Proxy:           nil,
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !settings.ValidateTLS},
	}
	if settings.Proxy != "" {
		proxyURL, err := url.Parse(settings.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	follow, limit := settings.FollowRedirects, settings.MaxRedirects
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if !follow {
				return http.ErrUseLastResponse
			}
			if len(via) > limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		},
	}, nil
}

func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
