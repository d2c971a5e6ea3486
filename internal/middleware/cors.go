package middleware

import "net/http"

// CORS restricts browser callers to the configured origin allowlist. The
// webhook is machine-to-machine; this covers an operator dashboard hitting
// the job and asset endpoints. "*" in the allowlist admits any origin.
func CORS(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	allow := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
			continue
		}
		allow[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				_, ok := allow[origin]
				if allowAll || ok {
					h := w.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
					h.Set("Access-Control-Allow-Headers", "Content-Type, X-Signature")
					h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
