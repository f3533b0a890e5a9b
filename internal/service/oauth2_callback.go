package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"courier/internal/model"
)

// AuthorizationFlow is one pending authorization_code(_pkce) flow. The host
// sends the user to AuthURL; the loopback listener completes the flow.
type AuthorizationFlow struct {
	Key         string `json:"key"`
	AuthURL     string `json:"authUrl"`
	State       string `json:"state"`
	RedirectURI string `json:"redirectUri"`

	verifier string
	listener net.Listener
	server   *http.Server
	timer    *time.Timer
	cancel   context.CancelFunc
	once     sync.Once
	done     chan flowResult
}

type flowResult struct {
	token *model.OAuth2Token
	err   error
}

// Wait blocks until the flow finishes. If ctx ends first the flow stays
// pending and ctx.Err() is returned.
func (f *AuthorizationFlow) Wait(ctx context.Context) (*model.OAuth2Token, error) {
	select {
	case res := <-f.done:
		f.done <- res
		return res.token, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finish resolves the flow once and tears the listener down.
func (f *AuthorizationFlow) finish(res flowResult) bool {
	finished := false
	f.once.Do(func() {
		finished = true
		if f.timer != nil {
			f.timer.Stop()
		}
		f.cancel()
		// The port is released synchronously; the in-flight callback response
		// is allowed to drain.
		if f.listener != nil {
			f.listener.Close()
		}
		if f.server != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := f.server.Shutdown(ctx); err != nil {
					f.server.Close()
				}
			}()
		}
		f.done <- res
	})
	return finished
}

// StartAuthorization opens the loopback listener for cfg.RedirectURI and
// returns the authorization URL. A flow that is still pending is cancelled
// first. The token is cached under key when the callback succeeds.
func (m *OAuth2Manager) StartAuthorization(ctx context.Context, key string, cfg model.OAuth2Auth) (*AuthorizationFlow, error) {
	if cfg.GrantType != model.GrantAuthorizationCode && cfg.GrantType != model.GrantAuthorizationCodePKCE {
		return nil, fmt.Errorf("%w: %q is not a redirect grant", ErrUnsupportedGrant, cfg.GrantType)
	}

	redirect, err := url.Parse(redirectURIOrDefault(cfg.RedirectURI))
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI: %w", err)
	}
	port := redirect.Port()
	if port == "" {
		port = "9876"
	}
	path := redirect.Path
	if path == "" {
		path = "/callback"
	}

	state, err := GenerateState()
	if err != nil {
		return nil, err
	}
	flowCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	flow := &AuthorizationFlow{
		Key:         key,
		State:       state,
		RedirectURI: redirect.String(),
		cancel:      cancel,
		done:        make(chan flowResult, 1),
	}

	conf := m.oauthConfig(cfg)
	conf.RedirectURL = redirect.String()
	var authOpts []oauth2.AuthCodeOption
	if cfg.GrantType == model.GrantAuthorizationCodePKCE {
		if flow.verifier, err = GenerateCodeVerifier(); err != nil {
			cancel()
			return nil, err
		}
		authOpts = append(authOpts, oauth2.S256ChallengeOption(flow.verifier))
	}
	flow.AuthURL = conf.AuthCodeURL(state, authOpts...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev := m.pending; prev != nil {
		prev.finish(flowResult{err: fmt.Errorf("%w: superseded by a new authorization", ErrAuthorizationCancelled)})
		m.pending = nil
		m.logger.Info("pending authorization superseded", zap.String("key", prev.Key))
	}

	ln, err := listenLoopback(port)
	if err != nil {
		cancel()
		return nil, err
	}

	r := chi.NewRouter()
	r.Get(path, m.callbackHandler(flowCtx, flow, conf))
	flow.listener = ln
	flow.server = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		err := flow.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			m.logger.Warn("callback listener stopped", zap.Error(err))
		}
	}()

	flow.timer = time.AfterFunc(m.callbackTimeout, func() {
		m.complete(flow, flowResult{err: ErrAuthorizationTimeout})
	})
	m.pending = flow
	m.logger.Info("callback listener started", zap.String("key", key), zap.String("addr", ln.Addr().String()))
	return flow, nil
}

// CancelAuthorization tears down the pending flow, if any.
func (m *OAuth2Manager) CancelAuthorization() bool {
	m.mu.Lock()
	flow := m.pending
	m.mu.Unlock()
	if flow == nil {
		return false
	}
	return m.complete(flow, flowResult{err: ErrAuthorizationCancelled})
}

// PendingAuthorization returns the flow waiting for its callback, or nil.
func (m *OAuth2Manager) PendingAuthorization() *AuthorizationFlow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

func (m *OAuth2Manager) complete(flow *AuthorizationFlow, res flowResult) bool {
	m.mu.Lock()
	if m.pending == flow {
		m.pending = nil
	}
	m.mu.Unlock()
	finished := flow.finish(res)
	if finished && res.err != nil {
		m.logger.Info("authorization ended", zap.String("key", flow.Key), zap.Error(res.err))
	}
	return finished
}

func (m *OAuth2Manager) callbackHandler(ctx context.Context, flow *AuthorizationFlow, conf *oauth2.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res flowResult
		switch {
		case q.Get("state") != flow.State:
			res.err = ErrStateMismatch
		case q.Get("error") != "":
			res.err = &ProviderError{Code: q.Get("error"), Description: q.Get("error_description")}
		case q.Get("code") == "":
			res.err = ErrMissingCode
		default:
			var opts []oauth2.AuthCodeOption
			if flow.verifier != "" {
				opts = append(opts, oauth2.VerifierOption(flow.verifier))
			}
			tokCtx, rec := m.tokenContext(ctx)
			tok, err := conf.Exchange(tokCtx, q.Get("code"), opts...)
			if err != nil {
				res.err = translateTokenError("authorization_code", err)
				break
			}
			res.token = m.normalize(tok, rec.fields())
			if err := m.cache.Set(ctx, flow.Key, *res.token); err != nil {
				m.logger.Warn("failed to cache token", zap.String("key", flow.Key), zap.Error(err))
			}
			m.logger.Info("oauth2 token acquired", zap.String("key", flow.Key), zap.String("grant", "authorization_code"))
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if res.err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "<html><body><h2>Authorization failed</h2><p>%s</p></body></html>", html.EscapeString(res.err.Error()))
		} else {
			fmt.Fprint(w, "<html><body><h2>Authorization complete</h2><p>You can close this window.</p></body></html>")
		}
		m.complete(flow, res)
	}
}

func listenLoopback(port string) (net.Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		return nil, fmt.Errorf("failed to open callback listener on port %s: %w", port, err)
	}
	return ln, nil
}
