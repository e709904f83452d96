package mcp

import (
	"encoding/json"
	"net/http"
	"time"
)

// registerOAuthRoutes mounts the embedded OAuth 2.1 authorization server
// (internal/auth/oauth.Server) spec.md §6 requires alongside the SSE
// transport: ".well-known/oauth-authorization-server", "/oauth/authorize",
// "/oauth/token", plus the GitHub callback BeginAuthorize redirects to.
func (s *Server) registerOAuthRoutes(mux *http.ServeMux) {
	oauthSrv := s.authSvc.OAuth

	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, oauthSrv.WellKnownMetadata())
	})

	mux.HandleFunc("/oauth/authorize", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		githubURL, err := oauthSrv.BeginAuthorize(q.Get("client_id"), q.Get("redirect_uri"), q.Get("state"), q.Get("code_challenge"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Redirect(w, r, githubURL, http.StatusFound)
	})

	mux.HandleFunc("/oauth/github/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		clientRedirect, err := oauthSrv.CompleteCallback(q.Get("code"), q.Get("state"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Redirect(w, r, clientRedirect, http.StatusFound)
	})

	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "malformed form body", http.StatusBadRequest)
			return
		}

		code := r.FormValue("code")
		verifier := r.FormValue("code_verifier")
		var clientInfo *string
		if ua := r.Header.Get("User-Agent"); ua != "" {
			clientInfo = &ua
		}

		token, expiresAt, err := oauthSrv.ExchangeToken(code, verifier, clientInfo)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token": token,
			"token_type":   "Bearer",
			"expires_in":   int(time.Until(expiresAt).Seconds()),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
