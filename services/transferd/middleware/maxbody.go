package middleware

import "net/http"

// MaxBodySize caps request bodies at limit bytes. Handlers decoding an
// oversized body see an *http.MaxBytesError from the reader.
func MaxBodySize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
