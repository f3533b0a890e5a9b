package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"courier/internal/model"
	"courier/internal/service"
)

type OAuthHandler struct {
	oauth *service.OAuth2Manager
}

func NewOAuthHandler(oauth *service.OAuth2Manager) *OAuthHandler {
	return &OAuthHandler{oauth: oauth}
}

type OAuthRequest struct {
	// Key names the cached token; it defaults to Config.TokenKey.
	Key    string           `json:"key"`
	Config model.OAuth2Auth `json:"config"`
	// Wait makes Authorize block until the callback arrives.
	Wait bool `json:"wait,omitempty"`
}

type TokenResponse struct {
	Key     string             `json:"key"`
	Token   *model.OAuth2Token `json:"token"`
	Expired bool               `json:"expired"`
}

func (req *OAuthRequest) key() string {
	if req.Key != "" {
		return req.Key
	}
	return req.Config.TokenKey
}

// Authorize starts an authorization_code(_pkce) flow and returns the URL the
// user must open. The token is cached once the loopback callback completes.
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req OAuthRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	key := req.key()
	if key == "" {
		respondError(w, http.StatusBadRequest, "Token key is required")
		return
	}

	flow, err := h.oauth.StartAuthorization(r.Context(), key, req.Config)
	if err != nil {
		respondOAuthError(w, err)
		return
	}
	if !req.Wait {
		respondJSON(w, http.StatusAccepted, flow)
		return
	}

	tok, err := flow.Wait(r.Context())
	if err != nil {
		respondOAuthError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, TokenResponse{Key: key, Token: tok})
}

func (h *OAuthHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"cancelled": h.oauth.CancelAuthorization()})
}

// Token returns a valid cached token or runs the configured non-interactive
// grant.
func (h *OAuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req OAuthRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	key := req.key()
	if key == "" {
		respondError(w, http.StatusBadRequest, "Token key is required")
		return
	}

	if tok := h.oauth.GetValidToken(r.Context(), key, req.Config); tok != nil {
		respondJSON(w, http.StatusOK, TokenResponse{Key: key, Token: tok})
		return
	}
	tok, err := h.oauth.AcquireToken(r.Context(), key, req.Config)
	if err != nil {
		respondOAuthError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, TokenResponse{Key: key, Token: tok})
}

func (h *OAuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req OAuthRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tok, err := h.oauth.RefreshToken(r.Context(), key, req.Config)
	if err != nil {
		respondOAuthError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, TokenResponse{Key: key, Token: tok})
}

func (h *OAuthHandler) GetToken(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	tok, ok := h.oauth.Cache().Get(r.Context(), key)
	if !ok {
		respondError(w, http.StatusNotFound, "Token not found")
		return
	}
	respondJSON(w, http.StatusOK, TokenResponse{Key: key, Token: tok, Expired: h.oauth.IsExpired(tok)})
}

func (h *OAuthHandler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	if err := h.oauth.Cache().Delete(r.Context(), chi.URLParam(r, "key")); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondOAuthError(w http.ResponseWriter, err error) {
	var provider *service.ProviderError
	switch {
	case errors.As(err, &provider):
		respondJSON(w, http.StatusBadGateway, map[string]string{
			"error":            err.Error(),
			"code":             provider.Code,
			"errorDescription": provider.Description,
		})
	case errors.Is(err, service.ErrInteractiveGrant), errors.Is(err, service.ErrNoRefreshToken):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrAuthorizationTimeout):
		respondError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, service.ErrAuthorizationCancelled):
		respondError(w, http.StatusGone, err.Error())
	case errors.Is(err, service.ErrUnsupportedGrant),
		errors.Is(err, service.ErrMissingCredentials),
		errors.Is(err, service.ErrStateMismatch),
		errors.Is(err, service.ErrMissingCode):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusBadGateway, err.Error())
	}
}
