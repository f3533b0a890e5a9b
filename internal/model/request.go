package model

// KeyValue is an ordered header or query parameter entry. Decoded entries
// without "enabled" are enabled.
type KeyValue struct {
	Key     string `json:"key" yaml:"key"`
	Value   string `json:"value" yaml:"value"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// Body types
const (
	BodyNone       = "none"
	BodyJSON       = "json"
	BodyText       = "text"
	BodyXML        = "xml"
	BodyHTML       = "html"
	BodyJavaScript = "javascript"
	BodyFormData   = "form-data"
	BodyURLEncoded = "x-www-form-urlencoded"
	BodyBinary     = "binary"
)

// RequestSpec is the declarative description of a request.
type RequestSpec struct {
	ID          string     `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string     `json:"name,omitempty" yaml:"name,omitempty"`
	Method      string     `json:"method" yaml:"method"`
	URL         string     `json:"url" yaml:"url"`
	Headers     []KeyValue `json:"headers,omitempty" yaml:"headers,omitempty"`
	QueryParams []KeyValue `json:"queryParams,omitempty" yaml:"queryParams,omitempty"`
	BodyType    string     `json:"bodyType,omitempty" yaml:"bodyType,omitempty"`
	Body        string     `json:"body,omitempty" yaml:"body,omitempty"`
	Auth        Auth       `json:"auth" yaml:"auth"`
	// TimeoutMs overrides the global dispatch timeout when positive.
	TimeoutMs int64 `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
}

// Clone returns a copy whose slices do not alias the receiver's.
func (r RequestSpec) Clone() RequestSpec {
	out := r
	out.Headers = append([]KeyValue(nil), r.Headers...)
	out.QueryParams = append([]KeyValue(nil), r.QueryParams...)
	if r.Auth.Basic != nil {
		b := *r.Auth.Basic
		out.Auth.Basic = &b
	}
	if r.Auth.Bearer != nil {
		b := *r.Auth.Bearer
		out.Auth.Bearer = &b
	}
	if r.Auth.APIKey != nil {
		a := *r.Auth.APIKey
		out.Auth.APIKey = &a
	}
	if r.Auth.OAuth2 != nil {
		o := *r.Auth.OAuth2
		out.Auth.OAuth2 = &o
	}
	return out
}

// FormEntry is one item of a form-data or x-www-form-urlencoded body.
type FormEntry struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Enabled bool   `json:"enabled"`
	// Type is "text" (default) or "file". File entries carry either Base64
	// content or Src naming a stored upload.
	Type     string `json:"type,omitempty"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Base64   string `json:"base64,omitempty"`
	Src      string `json:"src,omitempty"`
}

// BinaryBody is the envelope of a binary body.
type BinaryBody struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mimeType"`
}
