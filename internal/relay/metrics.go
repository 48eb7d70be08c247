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

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// relayCommands tracks relayed commands by outcome
	relayCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbgrelay_relay_commands_total",
			Help: "Total commands executed through the relay by outcome",
		},
		[]string{"outcome"},
	)

	// relayInits tracks relay initializations by result
	relayInits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbgrelay_relay_init_total",
			Help: "Total relay initializations by result (ok, register_failed, fatal)",
		},
		[]string{"result"},
	)
)

// recordCommand increments the command counter
func recordCommand(succeeded bool) {
	outcome := "success"
	if !succeeded {
		outcome = "failure"
	}
	relayCommands.WithLabelValues(outcome).Inc()
}

// recordInit increments the init counter
func recordInit(result string) {
	relayInits.WithLabelValues(result).Inc()
}
