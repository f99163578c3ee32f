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

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"go.corp.nvidia.com/osmo/service/compute/broker"
	"go.corp.nvidia.com/osmo/service/compute/jobs"
	metrics "go.corp.nvidia.com/osmo/utils/metrics-go"
)

// WorkerSession is the dispatch channel of one backend agent. It pulls jobs
// from the backend's broker queue and sends them to the agent one at a time;
// the in-flight job is held until a JOB_STATUS frame settles it or the
// connection drops, in which case it is requeued for the next session.
type WorkerSession struct {
	backend  string
	conn     *websocket.Conn
	db       Database
	queue    JobQueue
	executor JobExecutor
	masker   *Masker
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	current *jobs.Job
	settled chan jobs.Outcome
}

// NewWorkerSession wraps an upgraded connection.
func NewWorkerSession(
	backend string,
	conn *websocket.Conn,
	db Database,
	queue JobQueue,
	executor JobExecutor,
	masker *Masker,
	cfg Config,
	logger *slog.Logger,
) *WorkerSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerSession{
		backend:  backend,
		conn:     conn,
		db:       db,
		queue:    queue,
		executor: executor,
		masker:   masker,
		cfg:      cfg,
		logger:   logger.With(slog.String("backend", backend)),
	}
}

// Run drives the session. The first inbound frame must be INIT; afterwards
// pump-jobs and pump-messages run concurrently until disconnect.
func (s *WorkerSession) Run(ctx context.Context) error {
	init, msgUUID, err := readInit(s.conn, s.backend)
	if err != nil {
		return err
	}
	if err := registerBackend(ctx, s.db, init); err != nil {
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(
			websocket.ClosePolicyViolation, "backend registration rejected"))
		return err
	}
	ack := &Message{Type: MessageTypeAck, UUID: msgUUID}
	if err := writeMessage(s.conn, ack); err != nil {
		return err
	}
	s.logger.Info("worker channel established", slog.String("k8s_uid", init.K8sUID))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.pumpJobs(groupCtx) })
	group.Go(func() error { return s.pumpMessages(groupCtx) })

	go func() {
		<-groupCtx.Done()
		s.conn.Close()
	}()

	err = group.Wait()
	// The agent signals an oversized frame by closing with 1009, which
	// surfaces as a read error here. Requeueing that job would bounce the
	// same undeliverable frame forever, so it fails permanently instead.
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseMessageTooBig {
		s.failCurrent("job exceeds agent message limit")
		return err
	}
	s.requeueCurrent()
	if isExpectedClose(err) {
		s.logger.Info("worker session closed")
		return nil
	}
	return err
}

// pumpJobs reads the backend queue and serialises one job at a time onto the
// socket.
func (s *WorkerSession) pumpJobs(ctx context.Context) error {
	queueName := broker.BackendQueue(s.backend)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job, err := s.queue.Dequeue(ctx, queueName, s.cfg.DequeuePoll)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to dequeue backend job: %w", err)
		}
		if job == nil {
			continue
		}
		if err := s.dispatchJob(ctx, queueName, job); err != nil {
			return err
		}
	}
}

// dispatchJob runs the dedup and prepare gates, sends the job, and waits for
// it to settle.
func (s *WorkerSession) dispatchJob(ctx context.Context, queueName string, job *jobs.Job) error {
	logger := s.logger.With(
		slog.String("job_type", string(job.JobType)),
		slog.String("job_uuid", job.JobUUID))

	claimed, err := s.queue.ClaimJob(ctx, job.JobID, job.JobUUID)
	if err != nil {
		// Leave the job on the processing list; the visibility sweep will
		// redeliver it.
		return fmt.Errorf("failed to claim backend job: %w", err)
	}
	if !claimed {
		// Another instance already ran this job id; completed successfully
		// without a send.
		logger.Info("skipping duplicate backend job")
		return s.queue.Ack(ctx, queueName, job)
	}

	ready, err := s.executor.PrepareExecute(ctx, job)
	if err != nil {
		logger.Error("prepare failed, requeueing job", slog.String("error", err.Error()))
		return s.queue.Requeue(ctx, queueName, job)
	}
	if !ready {
		if err := s.executor.HandleFailure(ctx, job, "job rejected before dispatch"); err != nil {
			logger.Error("handle_failure failed", slog.String("error", err.Error()))
		}
		return s.queue.Ack(ctx, queueName, job)
	}

	frame, err := jobFrame(job)
	if err != nil {
		return err
	}

	settled := make(chan jobs.Outcome, 1)
	s.mu.Lock()
	s.current = job
	s.settled = settled
	s.mu.Unlock()

	if err := writeMessage(s.conn, frame); err != nil {
		return fmt.Errorf("failed to send job to agent: %w", err)
	}

	start := time.Now()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case outcome := <-settled:
		s.recordJob(ctx, job, outcome, time.Since(start))
		switch outcome {
		case jobs.OutcomeSuccess:
			if err := s.executor.Execute(ctx, job); err != nil {
				logger.Error("post-success execute failed", slog.String("error", err.Error()))
			}
			return s.queue.Ack(ctx, queueName, job)
		case jobs.OutcomeFailedRetry:
			return s.queue.Requeue(ctx, queueName, job)
		default:
			if err := s.executor.HandleFailure(ctx, job, "agent reported permanent failure"); err != nil {
				logger.Error("handle_failure failed", slog.String("error", err.Error()))
			}
			return s.queue.Ack(ctx, queueName, job)
		}
	}
}

// pumpMessages reads inbound frames: job results, streamed pod logs, and
// audit records.
func (s *WorkerSession) pumpMessages(ctx context.Context) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("worker read failed: %w", err)
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			s.logger.Error("dropping undecodable worker frame",
				slog.String("error", err.Error()))
			continue
		}

		switch msg.Type {
		case MessageTypeJobStatus:
			var body JobStatusBody
			if err := DecodeBody(msg, &body); err != nil {
				s.logger.Error("bad job status frame", slog.String("error", err.Error()))
				continue
			}
			s.settle(body)

		case MessageTypePodLog:
			if err := s.handlePodLog(ctx, msg); err != nil {
				s.logger.Error("failed to store pod log", slog.String("error", err.Error()))
			}

		case MessageTypeLogging:
			var body LoggingBody
			if err := DecodeBody(msg, &body); err != nil {
				continue
			}
			entry := fmt.Sprintf("%s %s %s", body.User, body.Action, body.Text)
			if err := s.queue.AppendAuditLog(ctx, s.backend, entry); err != nil {
				s.logger.Error("failed to append audit log", slog.String("error", err.Error()))
			}

		case MessageTypeHeartbeat:
			if err := s.db.TouchBackendHeartbeat(ctx, s.backend); err != nil {
				s.logger.Error("failed to touch heartbeat", slog.String("error", err.Error()))
			}

		default:
			s.logger.Warn("unexpected message type on worker channel",
				slog.String("type", string(msg.Type)))
		}
	}
}

// settle completes the in-flight job matching the reported uuid. A result
// for a job this session no longer holds is stale and ignored.
func (s *WorkerSession) settle(body JobStatusBody) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.JobUUID != body.JobUUID {
		s.logger.Warn("job status for unknown job",
			slog.String("job_uuid", body.JobUUID))
		return
	}
	s.current = nil
	settled := s.settled
	s.settled = nil
	settled <- body.Status
}

func (s *WorkerSession) handlePodLog(ctx context.Context, msg *Message) error {
	var body PodLogBody
	if err := DecodeBody(msg, &body); err != nil {
		return err
	}
	lines := body.Lines
	if body.Mask && s.masker != nil {
		masked, err := s.masker.Mask(ctx, body.TaskUUID, lines)
		if err != nil {
			return err
		}
		lines = masked
	}
	return s.queue.AppendTaskLog(ctx, body.WorkflowID, body.Task, int(body.RetryID), lines)
}

// requeueCurrent returns an unsettled job to the queue on disconnect so the
// next session retries it. The job keeps its instance uuid, so it still
// holds its dedup claim when redelivered.
func (s *WorkerSession) requeueCurrent() {
	s.mu.Lock()
	job := s.current
	s.current = nil
	s.settled = nil
	s.mu.Unlock()
	if job == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.queue.Requeue(ctx, broker.BackendQueue(s.backend), job); err != nil {
		s.logger.Error("failed to requeue in-flight job on disconnect",
			slog.String("job_uuid", job.JobUUID),
			slog.String("error", err.Error()))
	} else {
		s.logger.Info("requeued in-flight job on disconnect",
			slog.String("job_uuid", job.JobUUID))
	}
}

// failCurrent settles an unsettled job as a permanent failure and acks it
// off the queue. Used for jobs the agent can never accept.
func (s *WorkerSession) failCurrent(reason string) {
	s.mu.Lock()
	job := s.current
	s.current = nil
	s.settled = nil
	s.mu.Unlock()
	if job == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.executor.HandleFailure(ctx, job, reason); err != nil {
		s.logger.Error("handle_failure failed",
			slog.String("job_uuid", job.JobUUID),
			slog.String("error", err.Error()))
	}
	if err := s.queue.Ack(ctx, broker.BackendQueue(s.backend), job); err != nil {
		s.logger.Error("failed to ack undeliverable job",
			slog.String("job_uuid", job.JobUUID),
			slog.String("error", err.Error()))
	} else {
		s.logger.Warn("failed undeliverable in-flight job",
			slog.String("job_uuid", job.JobUUID),
			slog.String("reason", reason))
	}
}

func (s *WorkerSession) recordJob(ctx context.Context, job *jobs.Job, outcome jobs.Outcome, elapsed time.Duration) {
	tags := map[string]string{
		"backend":  s.backend,
		"job_type": string(job.JobType),
		"outcome":  string(outcome),
	}
	metrics.GetMetricCreator().RecordCounter(ctx,
		"osmo.compute.agent.jobs", 1, "1", "backend jobs dispatched", tags)
	metrics.GetMetricCreator().RecordHistogram(ctx,
		"osmo.compute.agent.job_seconds", elapsed.Seconds(), "s",
		"backend job round-trip time", tags)
}

// jobFrame wraps a job into its dispatch frame. The frame uuid is the job's
// instance uuid so JOB_STATUS can be correlated.
func jobFrame(job *jobs.Job) (*Message, error) {
	encoded, err := job.Encode()
	if err != nil {
		return nil, err
	}
	return &Message{Type: MessageTypeJob, UUID: job.JobUUID, Body: encoded}, nil
}

// ErrSessionReplaced is returned when a newer session for the same backend
// displaces this one.
var ErrSessionReplaced = errors.New("session replaced by a newer connection")
