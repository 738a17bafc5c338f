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

package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/tombee/cascade/internal/service/backend"
)

// rateWindow is the public sliding-window length.
const rateWindow = time.Minute

// RateLimitResult reports one admission decision.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// HashIP reduces a client address to the stored form: the first 16 hex
// characters of its SHA-256. Raw addresses never reach storage.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])[:16]
}

// checkRateLimit admits or refuses one public trigger for the
// (slug, ip) pair under a sliding one-minute window of limit entries.
// An admitted request is recorded immediately.
func checkRateLimit(ctx context.Context, b backend.Backend, slug, ip string, limit int) (*RateLimitResult, error) {
	now := time.Now()
	ipHash := HashIP(ip)

	n, err := b.CountPublicHits(ctx, slug, ipHash, now.Add(-rateWindow))
	if err != nil {
		return nil, err
	}
	if n >= limit {
		return &RateLimitResult{Allowed: false, RetryAfter: rateWindow}, nil
	}
	if err := b.RecordPublicHit(ctx, slug, ipHash, now); err != nil {
		return nil, err
	}
	return &RateLimitResult{Allowed: true, Remaining: limit - n - 1}, nil
}
