// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package manager

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobSetGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "compmake",
			Subsystem: "manager",
			Name:      "jobs",
			Help:      "The number of jobs in each scheduling set",
		}, []string{"namespace", "set"})
	jobOutcomeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "compmake",
			Subsystem: "manager",
			Name:      "job_outcome_total",
			Help:      "The number of reaped jobs by outcome",
		}, []string{"namespace", "outcome"})
	jobWallTimeHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "compmake",
			Subsystem: "manager",
			Name:      "job_wall_time_seconds",
			Help:      "Bucketed histogram of the wall time of successful jobs",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12), // 1ms ~ 1.2h
		}, []string{"namespace"})
)

// Job outcomes.
const (
	outcomeSucceeded   = "succeeded"
	outcomeFailed      = "failed"
	outcomeBlocked     = "blocked"
	outcomeInterrupted = "interrupted"
)

// InitMetrics registers all metrics in this file.
func InitMetrics(registry prometheus.Registerer) {
	registry.MustRegister(jobSetGauge)
	registry.MustRegister(jobOutcomeCounter)
	registry.MustRegister(jobWallTimeHistogram)
}
