package middleware

import (
	"net/http"
)

// NoStore sets strict no-cache headers on every response. Experiment
// pages must never come from a cache: a cached page would let the
// browser replay a step the flow state machine has already moved past.
func NoStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		next.ServeHTTP(w, r)
	})
}
