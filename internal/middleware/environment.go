package middleware

import (
	"context"
	"net/http"
	"strconv"
)

type contextKey string

const environmentKey contextKey = "environmentID"

// EnvironmentID reads the X-Environment-ID header so execute endpoints can
// default to a stored environment when the body names none.
func EnvironmentID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get("X-Environment-ID"); h != "" {
			if id, err := strconv.ParseInt(h, 10, 64); err == nil && id > 0 {
				r = r.WithContext(context.WithValue(r.Context(), environmentKey, id))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func GetEnvironmentID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(environmentKey).(int64)
	return id, ok
}
