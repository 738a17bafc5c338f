// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth guards the control-plane API with bearer credentials
// and a global token-bucket limiter. The public slug surface stays
// outside this middleware.
package auth

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// Config selects the accepted credentials. With both Token and
// JWTSecret empty the middleware only rate limits.
type Config struct {
	// Token is a static bearer token compared in constant time.
	Token string

	// JWTSecret enables HS256 bearer JWTs as an alternative to the
	// static token. Expiry and not-before are enforced by the parser.
	JWTSecret string

	// RatePerSecond and RateBurst shape the shared token bucket.
	// RatePerSecond <= 0 disables limiting.
	RatePerSecond float64
	RateBurst     int
}

// Middleware returns a handler wrapper enforcing cfg.
func Middleware(cfg Config, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RatePerSecond)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	authRequired := cfg.Token != "" || cfg.JWTSecret != ""

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil && !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			if authRequired && !authorized(cfg, r) {
				logger.Warn("unauthorized request",
					slog.String("path", r.URL.Path),
					slog.String("remote", r.RemoteAddr))
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authorized(cfg Config, r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return false
	}

	if cfg.Token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) == 1 {
		return true
	}
	if cfg.JWTSecret != "" {
		return validJWT(token, cfg.JWTSecret)
	}
	return false
}

func validJWT(token, secret string) bool {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && parsed.Valid
}
