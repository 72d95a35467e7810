package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/models"
)

// CORSMiddleware allows the configured browser origins. Empty config
// leaves CORS off entirely.
func CORSMiddleware(allowedOrigins string) func(http.Handler) http.Handler {
	allowed := map[string]struct{}{}
	allowAll := false
	for _, part := range strings.Split(allowedOrigins, ",") {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if origin == "*" {
			allowAll = true
			continue
		}
		allowed[origin] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !allowAll {
				if _, ok := allowed[origin]; !ok {
					if r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != "" {
						http.Error(w, "origin not allowed", http.StatusForbidden)
						return
					}
					next.ServeHTTP(w, r)
					return
				}
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
			reqHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
			if reqHeaders == "" {
				reqHeaders = "Authorization,Content-Type"
			}
			h.Set("Access-Control-Allow-Headers", reqHeaders)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware applies baseline hardening headers to API responses.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the caller-facing error envelope and, for rate-limit
// denials, the Retry-After header.
func WriteError(w http.ResponseWriter, err error) {
	e := models.AsError(err)
	if e == nil {
		return
	}
	status := e.HTTPStatus()
	if status == http.StatusTooManyRequests {
		// The value is an int in-process but float64 after a JSON
		// round trip.
		var sec int
		switch v := e.Data["retry_after_sec"].(type) {
		case int:
			sec = v
		case float64:
			sec = int(v)
		}
		if sec > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(sec))
		}
	}
	WriteJSON(w, status, e)
}

// Error writes an ad-hoc validation-shaped failure.
func Error(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]interface{}{"code": models.ErrValidation, "message": msg})
}
