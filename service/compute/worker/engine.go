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

// Package worker is the frontend job engine: a pool of goroutines consuming
// FRONTEND_JOBS, executing the per-type handlers, and enqueueing follow-on
// jobs. All workflow state transitions funnel through here; the handlers are
// idempotent modulo the broker dedup claim, so replays and redeliveries are
// safe.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"go.corp.nvidia.com/osmo/service/compute/broker"
	"go.corp.nvidia.com/osmo/service/compute/filestore"
	"go.corp.nvidia.com/osmo/service/compute/jobs"
	"go.corp.nvidia.com/osmo/service/compute/renderer"
	"go.corp.nvidia.com/osmo/service/compute/state"
	"go.corp.nvidia.com/osmo/service/compute/store"
	"go.corp.nvidia.com/osmo/utils"
	metrics "go.corp.nvidia.com/osmo/utils/metrics-go"
)

// maxDequeueBackoff caps the exponential backoff of a consumer whose broker
// connection keeps failing.
const maxDequeueBackoff = 30 * time.Second

// Database is the slice of the store the engine touches. Satisfied by
// *store.Store.
type Database interface {
	GetWorkflow(ctx context.Context, workflowID string) (*store.Workflow, error)
	InsertWorkflowTree(ctx context.Context, wf *store.Workflow, groups []*store.Group, tasks []*store.Task) error
	UpdateWorkflowStatus(ctx context.Context, workflowID string, target state.Status) (bool, error)
	SetWorkflowCancelledBy(ctx context.Context, workflowID, user string) error
	SetWorkflowFailureMessage(ctx context.Context, workflowID, message string) error
	SetWorkflowArchivePaths(ctx context.Context, workflowID, logsPath, eventsPath string) error

	GetGroup(ctx context.Context, workflowID, name string) (*store.Group, error)
	ListGroups(ctx context.Context, workflowID string) ([]*store.Group, error)
	ActivateWorkflowGroups(ctx context.Context, workflowID string) (int, error)
	UpdateGroupStatus(ctx context.Context, workflowID, name string, target state.Status) (bool, error)
	SetGroupCleanedUp(ctx context.Context, workflowID, name string) (marked, allCleaned bool, err error)
	RemoveUpstreamAndListUnlocked(ctx context.Context, workflowID, finished string, downstream []string) ([]string, error)

	InsertTasks(ctx context.Context, tasks []*store.Task) error
	GetTask(ctx context.Context, workflowID, name string, retryID int) (*store.Task, error)
	ListGroupTasks(ctx context.Context, workflowID, group string) ([]*store.Task, error)
	ListWorkflowTasks(ctx context.Context, workflowID string) ([]*store.Task, error)
	UpdateTaskStatus(ctx context.Context, workflowID, name string, retryID int, target state.Status, exitCode int32, message string) (bool, error)

	GetPool(ctx context.Context, name string) (*store.Pool, error)
	GetBackend(ctx context.Context, name string) (*store.Backend, error)
}

// Transport is the slice of the broker the engine touches. Satisfied by
// *broker.Broker.
type Transport interface {
	Enqueue(ctx context.Context, job *jobs.Job) error
	EnqueueDelayed(ctx context.Context, job *jobs.Job, due time.Time) error
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*jobs.Job, error)
	Ack(ctx context.Context, queue string, job *jobs.Job) error
	Requeue(ctx context.Context, queue string, job *jobs.Job) error
	ClaimJob(ctx context.Context, jobID, jobUUID string) (bool, error)
	IncrementRetry(ctx context.Context, jobID string) (int64, error)

	ArriveAtBarrier(ctx context.Context, workflowUUID, group string, retryID int, task string, members []string) error
	WipeBarrier(ctx context.Context, workflowUUID, group string, retryID int, members []string) error
	PushTaskAction(ctx context.Context, workflowUUID, group string, retryID int, task, action string) error

	AppendWorkflowEvent(ctx context.Context, workflowID, event string) error
	ReadTaskLog(ctx context.Context, workflowID, task string, retryID int, from int64) ([]string, error)
	ReadWorkflowEvents(ctx context.Context, workflowID string) ([]string, error)
	DeleteWorkflowStreams(ctx context.Context, workflowID string) error
}

// Config tunes the engine.
type Config struct {
	// Workers is the number of concurrent frontend job consumers.
	Workers int
	// MaxRetryPerJob caps broker-level redeliveries of one job id before the
	// job is routed through its failure handler.
	MaxRetryPerJob int
	// MaxRetryPerTask caps RESCHEDULED exit actions per task name.
	MaxRetryPerTask int
	// DequeuePoll is the blocking-pop timeout of the consumer loop.
	DequeuePoll time.Duration
	// CancelRequeueDelay is how long a cancel of a PROCESSING group is parked
	// before it is retried, giving the in-flight CreateGroup time to settle.
	CancelRequeueDelay time.Duration
}

// DefaultConfig returns the production engine tuning.
func DefaultConfig() Config {
	return Config{
		Workers:            8,
		MaxRetryPerJob:     5,
		MaxRetryPerTask:    2,
		DequeuePoll:        5 * time.Second,
		CancelRequeueDelay: time.Minute,
	}
}

// Engine executes frontend jobs and the frontend side of backend jobs.
type Engine struct {
	db       Database
	broker   Transport
	files    filestore.Client
	renderer renderer.Renderer
	cfg      Config
	logger   *slog.Logger
}

// New builds an Engine.
func New(
	db Database,
	transport Transport,
	files filestore.Client,
	r renderer.Renderer,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if r == nil {
		r = renderer.NewK8s()
	}
	return &Engine{
		db:       db,
		broker:   transport,
		files:    files,
		renderer: r,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run consumes the frontend queue with the configured number of workers until
// the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		group.Go(func() error { return e.consume(groupCtx) })
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) consume(ctx context.Context) error {
	queue := broker.FrontendQueue()
	errorStreak := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job, err := e.broker.Dequeue(ctx, queue, e.cfg.DequeuePoll)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Transient broker errors back off instead of killing the worker.
			errorStreak++
			backoff := utils.CalculateBackoff(errorStreak, maxDequeueBackoff)
			e.logger.Error("failed to dequeue frontend job",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}
		errorStreak = 0
		if job == nil {
			continue
		}
		e.ProcessJob(ctx, job)
	}
}

// ProcessJob runs one delivered job through the dedup and retry gates, the
// handler, and the outcome routing. Exported so tests drive the engine with
// synthetic deliveries.
func (e *Engine) ProcessJob(ctx context.Context, job *jobs.Job) {
	queue := broker.FrontendQueue()
	logger := e.logger.With(
		slog.String("job_type", string(job.JobType)),
		slog.String("job_uuid", job.JobUUID))

	claimed, err := e.broker.ClaimJob(ctx, job.JobID, job.JobUUID)
	if err != nil {
		logger.Error("failed to claim job", slog.String("error", err.Error()))
		// Leave the delivery on the processing list for the visibility sweep.
		return
	}
	if !claimed {
		logger.Info("skipping duplicate job")
		e.ack(ctx, queue, job, logger)
		return
	}

	attempts, err := e.broker.IncrementRetry(ctx, job.JobID)
	if err != nil {
		logger.Error("failed to count job attempt", slog.String("error", err.Error()))
		e.requeue(ctx, queue, job, logger)
		return
	}
	if attempts > int64(e.cfg.MaxRetryPerJob) {
		logger.Error("job exceeded retry limit", slog.Int64("attempts", attempts))
		e.HandleFailure(ctx, job, fmt.Sprintf("Job failed after %d attempts.", attempts-1))
		e.ack(ctx, queue, job, logger)
		return
	}

	start := time.Now()
	outcome, err := e.dispatch(ctx, job)
	if err != nil {
		logger.Error("job handler error",
			slog.String("outcome", string(outcome)),
			slog.String("error", err.Error()))
	}
	e.recordJob(ctx, job, outcome, time.Since(start))

	switch outcome {
	case jobs.OutcomeSuccess:
		e.ack(ctx, queue, job, logger)
	case jobs.OutcomeFailedRetry:
		e.requeue(ctx, queue, job, logger)
	default:
		reason := "job failed permanently"
		if err != nil {
			reason = err.Error()
		}
		if ferr := e.HandleFailure(ctx, job, reason); ferr != nil {
			logger.Error("handle_failure failed", slog.String("error", ferr.Error()))
		}
		e.ack(ctx, queue, job, logger)
	}
}

func (e *Engine) dispatch(ctx context.Context, job *jobs.Job) (jobs.Outcome, error) {
	switch p := job.Payload.(type) {
	case *jobs.SubmitWorkflow:
		return e.handleSubmitWorkflow(ctx, p)
	case *jobs.UpdateGroup:
		return e.handleUpdateGroup(ctx, job, p)
	case *jobs.RescheduleTask:
		return e.handleRescheduleTask(ctx, p)
	case *jobs.CancelWorkflow:
		return e.handleCancelWorkflow(ctx, p)
	case *jobs.CleanupWorkflow:
		return e.handleCleanupWorkflow(ctx, p)
	case *jobs.CheckQueueTimeout:
		return e.handleCheckQueueTimeout(ctx, p)
	case *jobs.CheckRunTimeout:
		return e.handleCheckRunTimeout(ctx, p)
	case *jobs.UploadWorkflowFiles:
		return e.handleUploadWorkflowFiles(ctx, p)
	case *jobs.UploadApp:
		return e.handleUploadApp(ctx, p)
	case *jobs.DeleteApp:
		return e.handleDeleteApp(ctx, p)
	default:
		return jobs.OutcomeFailedNoRetry,
			fmt.Errorf("no frontend handler for job type %s", job.JobType)
	}
}

func (e *Engine) ack(ctx context.Context, queue string, job *jobs.Job, logger *slog.Logger) {
	if err := e.broker.Ack(ctx, queue, job); err != nil {
		logger.Error("failed to ack job", slog.String("error", err.Error()))
	}
}

func (e *Engine) requeue(ctx context.Context, queue string, job *jobs.Job, logger *slog.Logger) {
	if err := e.broker.Requeue(ctx, queue, job); err != nil {
		logger.Error("failed to requeue job", slog.String("error", err.Error()))
	}
}

func (e *Engine) recordJob(ctx context.Context, job *jobs.Job, outcome jobs.Outcome, elapsed time.Duration) {
	tags := map[string]string{
		"job_type": string(job.JobType),
		"outcome":  string(outcome),
	}
	metrics.GetMetricCreator().RecordCounter(ctx,
		"osmo.compute.worker.jobs", 1, "1", "frontend jobs processed", tags)
	metrics.GetMetricCreator().RecordHistogram(ctx,
		"osmo.compute.worker.job_seconds", elapsed.Seconds(), "s",
		"frontend job handler time", tags)
}

// exitCodeFor maps a control-plane failure status to its reported exit code.
func exitCodeFor(status state.Status) int32 {
	switch status {
	case state.StatusFailedServerError:
		return state.ExitCodeFailedServerError
	case state.StatusFailedBackendError:
		return state.ExitCodeFailedBackendError
	case state.StatusFailedCanceled:
		return state.ExitCodeFailedCanceled
	case state.StatusFailedStartError:
		return state.ExitCodeFailedStartError
	case state.StatusFailedEvicted:
		return state.ExitCodeFailedEvicted
	case state.StatusFailedExecTimeout:
		return state.ExitCodeFailedExecTimeout
	case state.StatusFailedPreempted:
		return state.ExitCodeFailedPreempted
	case state.StatusFailedQueueTimeout:
		return state.ExitCodeFailedQueueTimeout
	case state.StatusFailedUpstream:
		return state.ExitCodeFailedUpstream
	case state.StatusCompleted:
		return 0
	}
	return state.ExitCodeFailedUnknown
}
