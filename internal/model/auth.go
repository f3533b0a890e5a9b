package model

// Auth types
const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
	AuthAPIKey = "apikey"
	AuthOAuth2 = "oauth2"
)

// API key placements
const (
	PlacementHeader = "header"
	PlacementQuery  = "query"
)

// OAuth2 grant types
const (
	GrantAuthorizationCode     = "authorization_code"
	GrantAuthorizationCodePKCE = "authorization_code_pkce"
	GrantClientCredentials     = "client_credentials"
	GrantPassword              = "password"
	GrantRefreshToken          = "refresh_token"
)

// Auth is a tagged variant keyed by Type. Only the field matching Type is read.
type Auth struct {
	Type   string      `json:"type" yaml:"type"`
	Basic  *BasicAuth  `json:"basic,omitempty" yaml:"basic,omitempty"`
	Bearer *BearerAuth `json:"bearer,omitempty" yaml:"bearer,omitempty"`
	APIKey *APIKeyAuth `json:"apikey,omitempty" yaml:"apikey,omitempty"`
	OAuth2 *OAuth2Auth `json:"oauth2,omitempty" yaml:"oauth2,omitempty"`
}

type BasicAuth struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

type BearerAuth struct {
	Token  string `json:"token" yaml:"token"`
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

type APIKeyAuth struct {
	Key       string `json:"key" yaml:"key"`
	Value     string `json:"value" yaml:"value"`
	Placement string `json:"placement" yaml:"placement"`
}

// OAuth2Auth configures an OAuth2 grant and how its token is attached.
type OAuth2Auth struct {
	GrantType    string `json:"grantType" yaml:"grantType"`
	AuthURL      string `json:"authUrl,omitempty" yaml:"authUrl,omitempty"`
	TokenURL     string `json:"tokenUrl,omitempty" yaml:"tokenUrl,omitempty"`
	ClientID     string `json:"clientId,omitempty" yaml:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty" yaml:"clientSecret,omitempty"`
	Scope        string `json:"scope,omitempty" yaml:"scope,omitempty"`
	RedirectURI  string `json:"redirectUri,omitempty" yaml:"redirectUri,omitempty"`
	Username     string `json:"username,omitempty" yaml:"username,omitempty"`
	Password     string `json:"password,omitempty" yaml:"password,omitempty"`
	// AccessToken, when set, is attached as-is without consulting the cache.
	AccessToken  string `json:"accessToken,omitempty" yaml:"accessToken,omitempty"`
	HeaderPrefix string `json:"headerPrefix,omitempty" yaml:"headerPrefix,omitempty"`
	// TokenKey is the cache key for this configuration, e.g. "request:<id>".
	TokenKey string `json:"tokenKey,omitempty" yaml:"tokenKey,omitempty"`
}
