package model

// OAuth2Token is a normalized token response.
type OAuth2Token struct {
	AccessToken  string `json:"accessToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	Scope        string `json:"scope,omitempty"`
	// ExpiresAt is unix milliseconds; zero means the token never expires.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
	// Raw is the decoded token endpoint response, provider extensions included.
	Raw map[string]interface{} `json:"raw,omitempty"`
}
