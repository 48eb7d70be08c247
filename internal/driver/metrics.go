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

package driver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dbgrelay",
		Subsystem: "driver",
		Name:      "sessions_started_total",
		Help:      "Debugger processes started by the driver",
	})

	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbgrelay",
			Subsystem: "driver",
			Name:      "commands_total",
			Help:      "Commands sent through the relay by outcome (success, failure, error)",
		},
		[]string{"outcome"},
	)

	scriptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dbgrelay",
		Subsystem: "driver",
		Name:      "script_failures_total",
		Help:      "Scripts that stopped on an error",
	})
)

func recordCommand(outcome string) {
	commandsTotal.WithLabelValues(outcome).Inc()
}
