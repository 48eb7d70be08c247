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

package scenario

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbgrelay",
			Subsystem: "scenario",
			Name:      "results_total",
			Help:      "Scenario runs by status",
		},
		[]string{"status"},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dbgrelay",
			Subsystem: "scenario",
			Name:      "duration_seconds",
			Help:      "Duration of executed scenarios",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)
)

func recordResult(status Status, d time.Duration) {
	resultsTotal.WithLabelValues(string(status)).Inc()
	if status != StatusSkipped {
		runDuration.Observe(d.Seconds())
	}
}
