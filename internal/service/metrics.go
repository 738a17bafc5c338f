// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_runs_started_total",
			Help: "Total runs started, by trigger surface",
		},
		[]string{"surface"},
	)

	runsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_runs_finished_total",
			Help: "Total runs reaching a terminal status",
		},
		[]string{"status"},
	)

	publicRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cascade_public_rate_limited_total",
			Help: "Total public triggers rejected by the per-IP rate limit",
		},
	)

	ssrfBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cascade_ssrf_blocked_total",
			Help: "Total runs failed because a fetch targeted a private address",
		},
	)
)
