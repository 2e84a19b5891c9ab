package web

import (
	"context"
	"net/http"
	"strings"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentviz/agentviz/app/llm"
)

type ctxKey struct{}

const (
	msgAPIKeyRequired = "API key is required. Please provide it in the X-API-KEY header or set USE-OLLAMA header to 'true'."
	msgAPIKeyNoOllama = "API key is required when not using Ollama."
)

// credentialsMiddleware reads provider credentials from headers, falling back to query params for
// clients unable to set headers (EventSource). Requests without a key and without ollama are rejected.
func (s *Server) credentialsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-KEY")
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}
		ollamaVal := r.Header.Get("USE-OLLAMA")
		if ollamaVal == "" {
			ollamaVal = r.URL.Query().Get("use_ollama")
		}
		useOllama := strings.EqualFold(ollamaVal, "true")

		if apiKey == "" && !useOllama {
			msg := msgAPIKeyRequired
			if ollamaVal != "" { // explicitly not ollama
				msg = msgAPIKeyNoOllama
			}
			s.writeJSONError(w, http.StatusUnauthorized, msg)
			return
		}
		creds := llm.Credentials{APIKey: apiKey, UseOllama: useOllama}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, creds)))
	})
}

// credentials returns provider credentials stored by credentialsMiddleware
func credentials(r *http.Request) llm.Credentials {
	creds, _ := r.Context().Value(ctxKey{}).(llm.Credentials)
	return creds
}

// adminAuthMiddleware checks basic auth against the bcrypt password hash, any username is accepted
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, password, ok := r.BasicAuth()
		if ok && bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)) == nil {
			next.ServeHTTP(w, r)
			return
		}
		if ok {
			log.Printf("[WARN] admin auth failed from %s", r.RemoteAddr)
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="agentviz"`)
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	})
}
