package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/oauth2"
)

// maxTokenResponse bounds how much of a token endpoint response is kept.
const maxTokenResponse = 1 << 20

// tokenResponseRecorder keeps the body of the token endpoint response so the
// full provider payload survives into OAuth2Token.Raw.
type tokenResponseRecorder struct {
	base http.RoundTripper

	mu   sync.Mutex
	body []byte
}

func (r *tokenResponseRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.base.RoundTrip(req)
	if err != nil || resp.Body == nil {
		return resp, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.body = body
	r.mu.Unlock()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// fields decodes the recorded response. Providers answer with JSON or, for
// some older servers, a form-encoded body.
func (r *tokenResponseRecorder) fields() map[string]interface{} {
	r.mu.Lock()
	body := r.body
	r.mu.Unlock()

	out := make(map[string]interface{})
	if len(body) == 0 {
		return out
	}
	if err := json.Unmarshal(body, &out); err == nil {
		return out
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return out
	}
	for k := range values {
		out[k] = values.Get(k)
	}
	return out
}

// tokenContext returns a context whose oauth2 HTTP client records the token
// endpoint response.
func (m *OAuth2Manager) tokenContext(ctx context.Context) (context.Context, *tokenResponseRecorder) {
	base := http.DefaultClient
	if m.httpClient != nil {
		base = m.httpClient
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	rec := &tokenResponseRecorder{base: transport}
	client := *base
	client.Transport = rec
	return context.WithValue(ctx, oauth2.HTTPClient, &client), rec
}
