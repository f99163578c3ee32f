/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package utils

import (
	"flag"

	"go.corp.nvidia.com/osmo/utils/logging"
	metrics "go.corp.nvidia.com/osmo/utils/metrics-go"
	"go.corp.nvidia.com/osmo/utils/postgres"
	"go.corp.nvidia.com/osmo/utils/redis"
)

// Args holds configuration for the service
type Args struct {
	// Service configuration
	Host                 string
	ProgressDir          string
	ProgressFrequencySec int
	FileStoreDir         string

	// Job engine tuning
	Workers         int
	MaxRetryPerJob  int
	MaxRetryPerTask int

	// Agent session tuning
	AgentQueueSize       int
	HeartbeatIntervalSec int

	Logging  logging.Config
	Redis    redis.RedisConfig
	Postgres postgres.PostgresConfig
	Metrics  metrics.MetricsConfig
}

// Parse parses command line arguments and environment variables
func Parse() Args {
	// Service configuration
	host := flag.String("host",
		"http://0.0.0.0:8001",
		"Host for the service")
	progressDir := flag.String("progress-dir",
		"/tmp/osmo/service/compute/",
		"The directory to write progress timestamps to (For liveness/startup probes)")
	progressFrequencySec := flag.Int("progress-frequency-sec",
		15,
		"Progress frequency in seconds (for periodic progress reporting when idle)")
	fileStoreDir := flag.String("filestore-dir",
		"/var/lib/osmo/filestore",
		"Directory backing archived workflow logs, events and rendered specs")

	// Job engine tuning
	workers := flag.Int("workers",
		8,
		"Number of concurrent frontend job workers")
	maxRetryPerJob := flag.Int("max-retry-per-job",
		5,
		"Broker redeliveries of one job before it is failed permanently")
	maxRetryPerTask := flag.Int("max-retry-per-task",
		2,
		"RESCHEDULED exit actions honored per task before the status sticks")

	// Agent session tuning
	agentQueueSize := flag.Int("agent-queue-size",
		256,
		"Frames buffered per agent listener channel before backpressure")
	heartbeatIntervalSec := flag.Int("agent-heartbeat-interval-sec",
		60,
		"Interval between control-plane heartbeats to each agent")

	loggingFlagPtrs := logging.RegisterFlags()
	redisFlagPtrs := redis.RegisterRedisFlags()
	postgresFlagPtrs := postgres.RegisterPostgresFlags()
	metricsFlagPtrs := metrics.RegisterMetricsFlags("osmo-compute")

	flag.Parse()

	return Args{
		Host:                 *host,
		ProgressDir:          *progressDir,
		ProgressFrequencySec: *progressFrequencySec,
		FileStoreDir:         *fileStoreDir,
		Workers:              *workers,
		MaxRetryPerJob:       *maxRetryPerJob,
		MaxRetryPerTask:      *maxRetryPerTask,
		AgentQueueSize:       *agentQueueSize,
		HeartbeatIntervalSec: *heartbeatIntervalSec,
		Logging:              loggingFlagPtrs.ToConfig(),
		Redis:                redisFlagPtrs.ToRedisConfig(),
		Postgres:             postgresFlagPtrs.ToPostgresConfig(),
		Metrics:              metricsFlagPtrs.ToMetricsConfig(),
	}
}
