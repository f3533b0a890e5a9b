package model

import "strings"

// ResponseData is a completed HTTP response. It is not modified after creation.
type ResponseData struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	ElapsedMs  int64             `json:"elapsedMs"`
	SizeBytes  int64             `json:"sizeBytes"`
}

// Header looks up a header case-insensitively.
func (r *ResponseData) Header(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	if v, ok := r.Headers[name]; ok {
		return v, true
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
