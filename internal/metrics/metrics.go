// Copyright 2025 The virtglass Authors
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

// Package metrics registers the prometheus collectors shared by the core
// components. The daemon binary exposes them over promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LifecycleTransitions counts lifecycle operations by operation and
	// outcome ("ok" or "error").
	LifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "virtglass",
		Subsystem: "vmm",
		Name:      "lifecycle_transitions_total",
		Help:      "Lifecycle operations attempted, by operation and outcome.",
	}, []string{"operation", "outcome"})

	// PassthroughBinds counts GPU driver rebinds by direction and outcome.
	PassthroughBinds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "virtglass",
		Subsystem: "passthrough",
		Name:      "binds_total",
		Help:      "GPU driver rebinds, by direction (bind/unbind) and outcome.",
	}, []string{"direction", "outcome"})

	// DisplaySessions counts display sessions opened, by transport.
	DisplaySessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "virtglass",
		Subsystem: "display",
		Name:      "sessions_total",
		Help:      "Display sessions opened, by transport.",
	}, []string{"transport"})

	// GuestRequests counts guest channel round trips by command kind and
	// outcome ("ok", "error", "timeout").
	GuestRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "virtglass",
		Subsystem: "guestagent",
		Name:      "requests_total",
		Help:      "Guest channel requests, by command kind and outcome.",
	}, []string{"kind", "outcome"})
)
