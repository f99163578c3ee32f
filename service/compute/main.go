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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"go.corp.nvidia.com/osmo/service/compute/agent"
	"go.corp.nvidia.com/osmo/service/compute/broker"
	"go.corp.nvidia.com/osmo/service/compute/filestore"
	"go.corp.nvidia.com/osmo/service/compute/store"
	"go.corp.nvidia.com/osmo/service/compute/utils"
	"go.corp.nvidia.com/osmo/service/compute/worker"
	"go.corp.nvidia.com/osmo/utils/logging"
	metrics "go.corp.nvidia.com/osmo/utils/metrics-go"
	"go.corp.nvidia.com/osmo/utils/postgres"
	"go.corp.nvidia.com/osmo/utils/progress_check"
)

const serviceName = "osmo-compute"

const delayedMonitorInterval = time.Second

// Deliveries with no ack for this long are assumed abandoned by a crashed
// consumer and requeued.
const (
	recoveryInterval  = 30 * time.Second
	visibilityTimeout = 5 * time.Minute
)

func main() {
	args := utils.Parse()
	logger := logging.InitLogger(serviceName, args.Logging)

	host, port, err := utils.ParseHost(args.Host)
	if err != nil {
		logger.Error("Failed to parse host", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if args.Metrics.Enabled {
		if err := metrics.InitMetricCreator(args.Metrics); err != nil {
			logger.Error("Failed to initialize metrics",
				slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metrics.GetMetricCreator().Shutdown(shutdownCtx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL client and apply the schema
	pgClient, err := postgres.NewPostgresClient(ctx, args.Postgres, logger)
	if err != nil {
		logger.Error("Failed to create PostgreSQL client",
			slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pgClient.Close()

	db := store.New(pgClient, logger)
	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("Failed to ensure schema", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize Redis client
	redisClient, err := args.Redis.CreateClient(logger)
	if err != nil {
		logger.Error("Failed to create Redis client",
			slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer redisClient.Close()
	jobBroker := broker.New(redisClient, logger)

	files, err := filestore.NewDisk(args.FileStoreDir)
	if err != nil {
		logger.Error("Failed to open file store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Frontend job engine; it also runs the frontend side of backend jobs
	// through the agent sessions.
	engineCfg := worker.DefaultConfig()
	engineCfg.Workers = args.Workers
	engineCfg.MaxRetryPerJob = args.MaxRetryPerJob
	engineCfg.MaxRetryPerTask = args.MaxRetryPerTask
	engine := worker.New(db, jobBroker, files, nil, engineCfg, logger)

	masker, err := agent.NewMasker(db.TaskSecretsByUUID)
	if err != nil {
		logger.Error("Failed to create log masker", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sessionCfg := agent.DefaultConfig()
	sessionCfg.AgentQueueSize = args.AgentQueueSize
	sessionCfg.HeartbeatInterval = time.Duration(args.HeartbeatIntervalSec) * time.Second
	agentServer := agent.NewServer(db, jobBroker, engine, masker, sessionCfg, logger)

	mux := http.NewServeMux()
	agentServer.Register(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := fmt.Sprintf("%s:%d", host, port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	progressWriter, err := progress_check.NewProgressWriter(
		filepath.Join(args.ProgressDir, "progress"))
	if err != nil {
		logger.Error("Failed to create progress writer",
			slog.String("error", err.Error()))
		os.Exit(1)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("compute service listening", slog.String("address", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		return engine.Run(groupCtx)
	})

	group.Go(func() error {
		return jobBroker.RunDelayedMonitor(groupCtx, delayedMonitorInterval)
	})

	group.Go(func() error {
		return jobBroker.RunRecoveryMonitor(groupCtx, recoveryInterval, visibilityTimeout)
	})

	group.Go(func() error {
		ticker := time.NewTicker(time.Duration(args.ProgressFrequencySec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if err := progressWriter.ReportProgress(); err != nil {
					logger.Warn("failed to report progress",
						slog.String("error", err.Error()))
				}
			}
		}
	})

	// Shut the HTTP server and agent sessions down once the signal context or
	// any worker goroutine ends.
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := agentServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("agent session shutdown timed out",
				slog.String("error", err.Error()))
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("service exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("service stopped")
}
