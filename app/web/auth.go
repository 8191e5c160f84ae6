package web

import (
	"crypto/subtle"
	"net/http"
	"strings"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/crypto/bcrypt"
)

// jobTokenAuth authenticates metric reports with the per-job bearer token
// issued at spawn time. The token is compared against the bcrypt hash on the
// job record, so a report can never be attributed to the wrong job. A
// successful comparison is cached for a short ttl; bcrypt is too expensive
// for the per-report hot path, and expiry bounds how long a token outlives
// its job.
func (s *Server) jobTokenAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jobID := r.PathValue("id")
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if verified, ok := s.authCache.Get(jobID); ok &&
			subtle.ConstantTimeCompare([]byte(verified), []byte(token)) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		job, err := s.service.JobStatus(r.Context(), jobID)
		if err != nil {
			log.Printf("[WARN] metric report for unknown job %s: %v", jobID, err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if job.TokenHash == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(job.TokenHash), []byte(token)); err != nil {
			log.Printf("[WARN] invalid metrics token for job %s", jobID)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		s.authCache.Set(jobID, token, 0) // zero ttl uses the cache-wide default
		next.ServeHTTP(w, r)
	})
}

// operatorAuth protects control endpoints with basic auth against the
// configured bcrypt password hash
func (s *Server) operatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if ok && username == "trainn" {
			if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="trainn"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}
